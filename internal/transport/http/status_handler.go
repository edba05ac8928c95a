package http

import (
	"net/http"

	"licensegate/internal/auth"
	apperrors "licensegate/internal/errors"
	"licensegate/internal/license"
)

// StatusHandler answers GET /api/license/status for the session's user
// with the raw four-flag status the route gate derives from.
type StatusHandler struct {
	service  *license.Service
	sessions auth.SessionProvider
}

func NewStatusHandler(svc *license.Service, sessions auth.SessionProvider) *StatusHandler {
	return &StatusHandler{service: svc, sessions: sessions}
}

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	profile, err := h.sessions.CurrentUser(r.Context(), bearerToken(r))
	if err != nil {
		apperrors.Respond(w, r, apperrors.Unauthorized("no active session"))
		return
	}

	flags, expiresAt, err := h.service.Status(r.Context(), profile.ID)
	if err != nil {
		apperrors.Respond(w, r, apperrors.Internal())
		return
	}

	data := map[string]any{
		"has_license":         flags.HasLicense,
		"is_valid":            flags.IsValid,
		"requires_activation": flags.RequiresActivation,
		"requires_renewal":    flags.RequiresRenewal,
	}
	if flags.HasLicense {
		data["expires_at"] = expiresAt
	}
	respondOK(w, r, data)
}
