// Package http contains the HTTP handlers for the license service: the
// single action-dispatching license endpoint, the audit ingest endpoint,
// auth, health, and the realtime websocket upgrade.
package http

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"licensegate/internal/audit"
	apperrors "licensegate/internal/errors"
	"licensegate/internal/infrastructure"
	"licensegate/internal/license"
	"licensegate/internal/ratelimit"
	"licensegate/internal/security"
	"licensegate/pkg/contracts/domain"
)

// SuccessResponse is the wire envelope for successful requests.
type SuccessResponse struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

func respondOK(w http.ResponseWriter, r *http.Request, data any) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, SuccessResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// LicenseRequest is the action-dispatched request body of POST /api/license.
type LicenseRequest struct {
	Action     string             `json:"action" validate:"required,oneof=validate activate deactivate"`
	LicenseKey string             `json:"license_key"`
	UserID     string             `json:"user_id,omitempty"`
	DeviceInfo *domain.DeviceInfo `json:"device_info,omitempty"`
}

// LicenseChangeNotifier pushes license-change events to subscribers.
// *realtime.Hub satisfies it.
type LicenseChangeNotifier interface {
	NotifyLicenseChanged(userID string, status domain.LicenseStatus)
}

// LicenseHandler serves POST /api/license.
type LicenseHandler struct {
	service  *license.Service
	limiter  *ratelimit.Limiter
	checker  *security.Checker
	auditor  *audit.Logger
	notifier LicenseChangeNotifier
	metrics  *infrastructure.GateMetrics
	validate *validator.Validate
	log      *slog.Logger
}

// NewLicenseHandler wires the handler. notifier and metrics may be nil.
func NewLicenseHandler(svc *license.Service, limiter *ratelimit.Limiter, checker *security.Checker,
	auditor *audit.Logger, notifier LicenseChangeNotifier, metrics *infrastructure.GateMetrics) *LicenseHandler {
	return &LicenseHandler{
		service:  svc,
		limiter:  limiter,
		checker:  checker,
		auditor:  auditor,
		notifier: notifier,
		metrics:  metrics,
		validate: validator.New(),
		log:      infrastructure.GetLogger().With("component", "license_handler"),
	}
}

// ServeHTTP dispatches on the action field. Order is fixed: body shape,
// security scan, rate limit, then the business action.
func (h *LicenseHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := clientIP(r)

	var req LicenseRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		apperrors.Respond(w, r, apperrors.Invalid("malformed JSON body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apperrors.Respond(w, r, apperrors.Validation("invalid request", validationDetails(err)))
		return
	}

	fields := map[string]string{
		"license_key": req.LicenseKey,
		"user_id":     req.UserID,
	}
	if req.DeviceInfo != nil {
		fields["device_fingerprint"] = req.DeviceInfo.Fingerprint
		fields["device_name"] = req.DeviceInfo.Name
	}
	if v := h.checker.CheckFields(fields); v != nil {
		h.log.WarnContext(ctx, "request body blocked", slog.String("violation", v.String()))
		entry := audit.Entry(domain.EventSecurityViolation, req.UserID, false)
		entry.IP, entry.UserAgent = ip, r.UserAgent()
		entry.Payload = map[string]any{"violation": v.String()}
		h.auditor.Record(ctx, entry)
		apperrors.Respond(w, r, apperrors.Security())
		return
	}

	action := ratelimit.ActionValidation
	if req.Action == "activate" {
		action = ratelimit.ActionActivation
	}
	decision := h.limiter.Allow(ip, action)
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	if !decision.Reset.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset.Unix(), 10))
	}
	if !decision.Allowed {
		if h.metrics != nil {
			h.metrics.RateLimitRejects.Add(ctx, 1)
		}
		entry := audit.Entry(domain.EventRateLimitExceeded, req.UserID, false)
		entry.IP, entry.UserAgent = ip, r.UserAgent()
		entry.Payload = map[string]any{"action": req.Action}
		h.auditor.Record(ctx, entry)
		apperrors.Respond(w, r, apperrors.RateLimited(decision.RetryAfter(time.Now())))
		return
	}

	switch req.Action {
	case "validate":
		view, apiErr := h.service.Validate(ctx, license.ValidateRequest{
			LicenseKey: req.LicenseKey,
			UserID:     req.UserID,
			IP:         ip,
			UserAgent:  r.UserAgent(),
		})
		if apiErr != nil {
			apperrors.Respond(w, r, apiErr)
			return
		}
		respondOK(w, r, view)

	case "activate":
		var info domain.DeviceInfo
		if req.DeviceInfo != nil {
			info = *req.DeviceInfo
		}
		result, apiErr := h.service.Activate(ctx, license.ActivateRequest{
			LicenseKey: req.LicenseKey,
			UserID:     req.UserID,
			DeviceInfo: info,
			IP:         ip,
			UserAgent:  r.UserAgent(),
		})
		if apiErr != nil {
			apperrors.Respond(w, r, apiErr)
			return
		}
		if h.notifier != nil && req.UserID != "" {
			h.notifier.NotifyLicenseChanged(req.UserID, result.License.Status)
		}
		respondOK(w, r, result)

	case "deactivate":
		var fingerprint string
		if req.DeviceInfo != nil {
			fingerprint = req.DeviceInfo.Fingerprint
		}
		result, apiErr := h.service.Deactivate(ctx, license.DeactivateRequest{
			LicenseKey:  req.LicenseKey,
			UserID:      req.UserID,
			Fingerprint: fingerprint,
			IP:          ip,
			UserAgent:   r.UserAgent(),
		})
		if apiErr != nil {
			apperrors.Respond(w, r, apiErr)
			return
		}
		if h.notifier != nil && req.UserID != "" {
			status := domain.LicenseStatusActive
			if result.ActiveDevices == 0 {
				status = domain.LicenseStatusInactive
			}
			h.notifier.NotifyLicenseChanged(req.UserID, status)
		}
		respondOK(w, r, result)
	}
}

func validationDetails(err error) any {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return nil
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return fields
}

// clientIP prefers the RealIP-populated RemoteAddr, stripping the port.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
