// Package license implements the validation service: the validate,
// activate, and deactivate actions over the relational store, plus the
// per-user offline snapshot cache used when the backend is unreachable.
package license

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"licensegate/internal/audit"
	apperrors "licensegate/internal/errors"
	"licensegate/internal/infrastructure"
	"licensegate/internal/store"
	"licensegate/pkg/contracts/domain"
)

// Config tunes the service behavior.
type Config struct {
	// GraceDays extends an expired license for this many days before
	// validation starts failing.
	GraceDays int
	// ActivationCooldown is the minimum interval between successive
	// successful activations by the same user.
	ActivationCooldown time.Duration
}

// Service is the license validation service. It is stateless; every call
// reads the current store snapshot.
type Service struct {
	store   *store.Store
	auditor *audit.Logger
	cfg     Config
	metrics *infrastructure.GateMetrics
	log     *slog.Logger
	now     func() time.Time
}

// NewService wires the service. metrics may be nil in tests.
func NewService(st *store.Store, auditor *audit.Logger, cfg Config, metrics *infrastructure.GateMetrics) *Service {
	return &Service{
		store:   st,
		auditor: auditor,
		cfg:     cfg,
		metrics: metrics,
		log:     infrastructure.GetLogger().With("component", "license_service"),
		now:     time.Now,
	}
}

// ValidateRequest identifies the license to validate, by key or by owner.
type ValidateRequest struct {
	LicenseKey string
	UserID     string
	IP         string
	UserAgent  string
}

// ActivateRequest registers a device against a license.
type ActivateRequest struct {
	LicenseKey string
	UserID     string
	DeviceInfo domain.DeviceInfo
	IP         string
	UserAgent  string
}

// DeactivateRequest removes one device, or all when Fingerprint is empty.
type DeactivateRequest struct {
	LicenseKey  string
	UserID      string
	Fingerprint string
	IP          string
	UserAgent   string
}

// ActivationResult is returned by a successful activation.
type ActivationResult struct {
	License          domain.LicenseView `json:"license"`
	Device           domain.Device      `json:"device"`
	AlreadyActivated bool               `json:"already_activated"`
}

// DeactivationResult lists the removed devices and the updated count.
type DeactivationResult struct {
	Removed       []domain.Device `json:"removed_devices"`
	ActiveDevices int             `json:"active_devices"`
	MaxDevices    int             `json:"max_devices"`
}

// Validate checks a license identified by key or owner and returns the
// normalized view. All failures are structured API errors.
func (s *Service) Validate(ctx context.Context, req ValidateRequest) (*domain.LicenseView, *apperrors.APIError) {
	start := s.now()
	lo, view, apiErr := s.validate(ctx, req.LicenseKey, req.UserID)
	s.recordValidation(ctx, start, apiErr)

	entry := audit.Entry(domain.EventLicenseValidate, req.UserID, apiErr == nil)
	if lo != nil {
		entry.UserID = lo.Owner.ID
	}
	entry.IP, entry.UserAgent = req.IP, req.UserAgent
	entry.CreatedAt = s.now().UTC()
	entry.Duration = entry.CreatedAt.Sub(start)
	entry.Payload = map[string]any{"license_key": req.LicenseKey}
	if apiErr != nil {
		entry.Error = apiErr.Code
	}
	s.auditor.Record(ctx, entry)

	return view, apiErr
}

// validate is the shared core used by Validate and Activate. It returns the
// joined row so callers can reuse it without a second lookup.
func (s *Service) validate(ctx context.Context, licenseKey, userID string) (*store.LicenseWithOwner, *domain.LicenseView, *apperrors.APIError) {
	if licenseKey == "" && userID == "" {
		return nil, nil, apperrors.Invalid("license_key or user_id is required")
	}

	var (
		lo  *store.LicenseWithOwner
		err error
	)
	if licenseKey != "" {
		lo, err = s.store.GetLicenseByKey(ctx, licenseKey)
	} else {
		lo, err = s.store.GetLicenseByUser(ctx, userID)
	}
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, nil, apperrors.LicenseNotFound()
	}
	if err != nil {
		s.log.ErrorContext(ctx, "license lookup failed", slog.String("error", err.Error()))
		return nil, nil, apperrors.Internal()
	}

	if userID != "" && lo.Owner.ID != userID {
		return lo, nil, apperrors.Forbidden("license does not belong to this user")
	}
	if lo.Owner.Status != "active" {
		return lo, nil, apperrors.Forbidden("account is not active")
	}
	if lo.License.Status != "active" {
		return lo, nil, apperrors.Forbidden("license is not active")
	}

	now := s.now()
	expiresAt := lo.License.ExpiresAt
	isExpired := now.After(expiresAt)
	inGrace := isExpired && !now.After(expiresAt.AddDate(0, 0, s.cfg.GraceDays))
	if isExpired && !inGrace {
		return lo, nil, apperrors.Expired(expiresAt)
	}

	view := &domain.LicenseView{
		ID:            lo.License.ID,
		Key:           lo.License.Key,
		Type:          lo.License.Type,
		Status:        domain.LicenseStatusActive,
		ExpiresAt:     expiresAt,
		DaysRemaining: domain.DaysRemaining(expiresAt, now),
		InGracePeriod: inGrace,
		MaxDevices:    lo.License.MaxDevices,
		ActiveDevices: lo.ActiveDevices,
	}
	return lo, view, nil
}

// Activate validates the license, enforces the activation cooldown, and
// registers the device. Re-activating an already registered fingerprint is
// idempotent: it refreshes last_seen and reports success.
func (s *Service) Activate(ctx context.Context, req ActivateRequest) (*ActivationResult, *apperrors.APIError) {
	start := s.now()
	result, apiErr := s.activate(ctx, req)

	entry := audit.Entry(domain.EventLicenseActivate, req.UserID, apiErr == nil)
	entry.IP, entry.UserAgent = req.IP, req.UserAgent
	entry.CreatedAt = s.now().UTC()
	entry.Duration = entry.CreatedAt.Sub(start)
	entry.Payload = map[string]any{
		"license_key": req.LicenseKey,
		"fingerprint": req.DeviceInfo.Fingerprint,
	}
	if apiErr != nil {
		entry.Error = apiErr.Code
	}
	s.auditor.Record(ctx, entry)

	return result, apiErr
}

func (s *Service) activate(ctx context.Context, req ActivateRequest) (*ActivationResult, *apperrors.APIError) {
	if req.DeviceInfo.Fingerprint == "" {
		return nil, apperrors.Validation("device fingerprint is required",
			map[string]any{"field": "device_info.fingerprint"})
	}

	lo, view, apiErr := s.validate(ctx, req.LicenseKey, req.UserID)
	if apiErr != nil {
		return nil, apiErr
	}

	now := s.now()
	if s.cfg.ActivationCooldown > 0 {
		last, err := s.store.LastSuccessfulEvent(ctx, lo.Owner.ID, domain.EventLicenseActivate)
		if err != nil && !stderrors.Is(err, store.ErrNotFound) {
			s.log.ErrorContext(ctx, "cooldown lookup failed", slog.String("error", err.Error()))
			return nil, apperrors.Internal()
		}
		if err == nil {
			if next := last.Add(s.cfg.ActivationCooldown); now.Before(next) {
				return nil, apperrors.Cooldown(next.Sub(now))
			}
		}
	}

	if existing, err := s.store.GetDevice(ctx, lo.License.ID, req.DeviceInfo.Fingerprint); err == nil {
		if terr := s.store.TouchDevice(ctx, existing.ID, now); terr != nil {
			s.log.ErrorContext(ctx, "device touch failed", slog.String("error", terr.Error()))
			return nil, apperrors.Internal()
		}
		existing.LastSeenAt = now.UTC()
		return &ActivationResult{License: *view, Device: *existing, AlreadyActivated: true}, nil
	} else if !stderrors.Is(err, store.ErrNotFound) {
		s.log.ErrorContext(ctx, "device lookup failed", slog.String("error", err.Error()))
		return nil, apperrors.Internal()
	}

	device, count, err := s.store.AddDevice(ctx, lo.License.ID, lo.License.MaxDevices, req.DeviceInfo, now)
	if stderrors.Is(err, store.ErrDeviceLimit) {
		return nil, apperrors.DeviceLimit(count, lo.License.MaxDevices)
	}
	if err != nil {
		s.log.ErrorContext(ctx, "device insert failed", slog.String("error", err.Error()))
		return nil, apperrors.Internal()
	}

	view.ActiveDevices = count
	return &ActivationResult{License: *view, Device: *device}, nil
}

// Deactivate removes the named device, or every device when no fingerprint
// is given, and returns the removed set with updated counts.
func (s *Service) Deactivate(ctx context.Context, req DeactivateRequest) (*DeactivationResult, *apperrors.APIError) {
	start := s.now()
	result, apiErr := s.deactivate(ctx, req)

	entry := audit.Entry(domain.EventLicenseDeactivate, req.UserID, apiErr == nil)
	entry.IP, entry.UserAgent = req.IP, req.UserAgent
	entry.CreatedAt = s.now().UTC()
	entry.Duration = entry.CreatedAt.Sub(start)
	entry.Payload = map[string]any{
		"license_key": req.LicenseKey,
		"fingerprint": req.Fingerprint,
	}
	if apiErr != nil {
		entry.Error = apiErr.Code
	}
	s.auditor.Record(ctx, entry)

	return result, apiErr
}

func (s *Service) deactivate(ctx context.Context, req DeactivateRequest) (*DeactivationResult, *apperrors.APIError) {
	if req.LicenseKey == "" {
		return nil, apperrors.Invalid("license_key is required")
	}

	lo, err := s.store.GetLicenseByKey(ctx, req.LicenseKey)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, apperrors.LicenseNotFound()
	}
	if err != nil {
		s.log.ErrorContext(ctx, "license lookup failed", slog.String("error", err.Error()))
		return nil, apperrors.Internal()
	}
	if req.UserID != "" && lo.Owner.ID != req.UserID {
		return nil, apperrors.Forbidden("license does not belong to this user")
	}

	removed, err := s.store.RemoveDevices(ctx, lo.License.ID, req.Fingerprint)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, apperrors.DeviceNotFound()
	}
	if err != nil {
		s.log.ErrorContext(ctx, "device removal failed", slog.String("error", err.Error()))
		return nil, apperrors.Internal()
	}

	count, err := s.store.CountDevices(ctx, lo.License.ID)
	if err != nil {
		s.log.ErrorContext(ctx, "device count failed", slog.String("error", err.Error()))
		return nil, apperrors.Internal()
	}

	return &DeactivationResult{
		Removed:       removed,
		ActiveDevices: count,
		MaxDevices:    lo.License.MaxDevices,
	}, nil
}

// Status answers the four-flag license status RPC used by the route gate.
func (s *Service) Status(ctx context.Context, userID string) (domain.StatusFlags, time.Time, error) {
	lo, err := s.store.GetLicenseByUser(ctx, userID)
	if stderrors.Is(err, store.ErrNotFound) {
		return domain.StatusFlags{}, time.Time{}, nil
	}
	if err != nil {
		return domain.StatusFlags{}, time.Time{}, err
	}

	now := s.now()
	expired := now.After(lo.License.ExpiresAt.AddDate(0, 0, s.cfg.GraceDays))
	flags := domain.StatusFlags{
		HasLicense:         true,
		IsValid:            lo.License.Status == "active" && lo.Owner.Status == "active" && !expired,
		RequiresActivation: lo.ActiveDevices == 0,
		RequiresRenewal:    expired,
	}
	return flags, lo.License.ExpiresAt, nil
}

func (s *Service) recordValidation(ctx context.Context, start time.Time, apiErr *apperrors.APIError) {
	if s.metrics == nil {
		return
	}
	s.metrics.ValidationsTotal.Add(ctx, 1)
	s.metrics.ValidationDuration.Record(ctx, s.now().Sub(start).Seconds())
	if apiErr != nil {
		s.metrics.ValidationFailures.Add(ctx, 1,
			metric.WithAttributes(attribute.String("code", apiErr.Code)))
	}
}
