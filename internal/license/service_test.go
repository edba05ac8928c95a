package license

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/audit"
	"licensegate/internal/store"
	"licensegate/pkg/contracts/domain"
)

type fixture struct {
	svc   *Service
	store *store.Store
	now   time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	f := &fixture{
		store: st,
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(st, audit.NewLogger(st), cfg, nil)
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) seed(t *testing.T, expiresAt time.Time, maxDevices int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateProfile(ctx, domain.Profile{
		ID: "user-1", Email: "owner@example.com", Role: "user",
		Status: "active", EmailVerified: true,
	}, ""))
	require.NoError(t, f.store.CreateLicense(ctx, domain.License{
		ID: "lic-1", UserID: "user-1", Key: "LG-2026-ABCD-EF01",
		Type: "standard", Status: "active",
		ExpiresAt: expiresAt, MaxDevices: maxDevices,
	}))
}

func deviceInfo(fp string) domain.DeviceInfo {
	return domain.DeviceInfo{Fingerprint: fp, Name: "test device"}
}

func TestValidateSuccess(t *testing.T) {
	f := newFixture(t, Config{GraceDays: 7})
	f.seed(t, f.now.AddDate(0, 0, 30), 3)

	view, apiErr := f.svc.Validate(context.Background(), ValidateRequest{LicenseKey: "LG-2026-ABCD-EF01"})
	require.Nil(t, apiErr)
	assert.Equal(t, domain.LicenseStatusActive, view.Status)
	assert.Equal(t, 30, view.DaysRemaining)
	assert.False(t, view.InGracePeriod)
	assert.Equal(t, 0, view.ActiveDevices)
	assert.Equal(t, 3, view.MaxDevices)
}

func TestValidateByUserID(t *testing.T) {
	f := newFixture(t, Config{GraceDays: 7})
	f.seed(t, f.now.AddDate(0, 0, 30), 3)

	view, apiErr := f.svc.Validate(context.Background(), ValidateRequest{UserID: "user-1"})
	require.Nil(t, apiErr)
	assert.Equal(t, "LG-2026-ABCD-EF01", view.Key)
}

func TestValidateUnknownKey(t *testing.T) {
	f := newFixture(t, Config{GraceDays: 7})
	f.seed(t, f.now.AddDate(0, 0, 30), 3)

	_, apiErr := f.svc.Validate(context.Background(), ValidateRequest{LicenseKey: "LG-0000-0000-0000"})
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestValidateEmptyRequest(t *testing.T) {
	f := newFixture(t, Config{})

	_, apiErr := f.svc.Validate(context.Background(), ValidateRequest{})
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestValidateOwnerMismatch(t *testing.T) {
	f := newFixture(t, Config{GraceDays: 7})
	f.seed(t, f.now.AddDate(0, 0, 30), 3)

	_, apiErr := f.svc.Validate(context.Background(), ValidateRequest{
		LicenseKey: "LG-2026-ABCD-EF01",
		UserID:     "someone-else",
	})
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}

func TestValidateInactiveProfile(t *testing.T) {
	f := newFixture(t, Config{GraceDays: 7})
	ctx := context.Background()
	require.NoError(t, f.store.CreateProfile(ctx, domain.Profile{
		ID: "user-1", Email: "owner@example.com", Role: "user", Status: "suspended",
	}, ""))
	require.NoError(t, f.store.CreateLicense(ctx, domain.License{
		ID: "lic-1", UserID: "user-1", Key: "LG-2026-ABCD-EF01",
		Status: "active", ExpiresAt: f.now.AddDate(0, 0, 30), MaxDevices: 3,
	}))

	_, apiErr := f.svc.Validate(ctx, ValidateRequest{LicenseKey: "LG-2026-ABCD-EF01"})
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}

func TestValidateGracePeriod(t *testing.T) {
	f := newFixture(t, Config{GraceDays: 7})
	// Expired two days ago, grace runs for seven.
	f.seed(t, f.now.AddDate(0, 0, -2), 3)

	view, apiErr := f.svc.Validate(context.Background(), ValidateRequest{LicenseKey: "LG-2026-ABCD-EF01"})
	require.Nil(t, apiErr)
	assert.True(t, view.InGracePeriod)
	assert.Equal(t, 0, view.DaysRemaining)
}

func TestValidatePastGracePeriod(t *testing.T) {
	f := newFixture(t, Config{GraceDays: 7})
	f.seed(t, f.now.AddDate(0, 0, -8), 3)

	_, apiErr := f.svc.Validate(context.Background(), ValidateRequest{LicenseKey: "LG-2026-ABCD-EF01"})
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "LICENSE_EXPIRED", apiErr.Code)
}

func TestValidateGraceBoundary(t *testing.T) {
	f := newFixture(t, Config{GraceDays: 7})
	// Expiry exactly seven days ago: now == expiry+grace, still inside.
	f.seed(t, f.now.AddDate(0, 0, -7), 3)

	view, apiErr := f.svc.Validate(context.Background(), ValidateRequest{LicenseKey: "LG-2026-ABCD-EF01"})
	require.Nil(t, apiErr)
	assert.True(t, view.InGracePeriod)
}

func TestActivateRegistersDevice(t *testing.T) {
	f := newFixture(t, Config{GraceDays: 7})
	f.seed(t, f.now.AddDate(0, 0, 30), 3)

	res, apiErr := f.svc.Activate(context.Background(), ActivateRequest{
		LicenseKey: "LG-2026-ABCD-EF01",
		UserID:     "user-1",
		DeviceInfo: deviceInfo("fp-aaaa-bbbb"),
	})
	require.Nil(t, apiErr)
	assert.False(t, res.AlreadyActivated)
	assert.Equal(t, 1, res.License.ActiveDevices)
	assert.Equal(t, "fp-aaaa-bbbb", res.Device.Fingerprint)
}

func TestActivateRequiresFingerprint(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, f.now.AddDate(0, 0, 30), 3)

	_, apiErr := f.svc.Activate(context.Background(), ActivateRequest{
		LicenseKey: "LG-2026-ABCD-EF01",
		UserID:     "user-1",
	})
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestActivateSameFingerprintIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{GraceDays: 7})
	f.seed(t, f.now.AddDate(0, 0, 30), 3)
	ctx := context.Background()
	req := ActivateRequest{
		LicenseKey: "LG-2026-ABCD-EF01",
		UserID:     "user-1",
		DeviceInfo: deviceInfo("fp-aaaa-bbbb"),
	}

	first, apiErr := f.svc.Activate(ctx, req)
	require.Nil(t, apiErr)

	f.now = f.now.Add(time.Hour)
	second, apiErr := f.svc.Activate(ctx, req)
	require.Nil(t, apiErr)

	assert.True(t, second.AlreadyActivated)
	assert.Equal(t, first.Device.ID, second.Device.ID)
	assert.Equal(t, 1, second.License.ActiveDevices, "device count must not grow")
	assert.True(t, second.Device.LastSeenAt.After(first.Device.LastSeenAt))
}

func TestActivateDeviceLimit(t *testing.T) {
	f := newFixture(t, Config{GraceDays: 7})
	f.seed(t, f.now.AddDate(0, 0, 30), 2)
	ctx := context.Background()

	for i, fp := range []string{"fp-aaaa-0001", "fp-aaaa-0002"} {
		f.now = f.now.Add(time.Duration(i) * time.Minute)
		_, apiErr := f.svc.Activate(ctx, ActivateRequest{
			LicenseKey: "LG-2026-ABCD-EF01", UserID: "user-1", DeviceInfo: deviceInfo(fp),
		})
		require.Nil(t, apiErr)
	}

	_, apiErr := f.svc.Activate(ctx, ActivateRequest{
		LicenseKey: "LG-2026-ABCD-EF01", UserID: "user-1", DeviceInfo: deviceInfo("fp-aaaa-0003"),
	})
	require.NotNil(t, apiErr)
	assert.Equal(t, "DEVICE_LIMIT_REACHED", apiErr.Code)
	details, ok := apiErr.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2, details["current_devices"])
	assert.Equal(t, 2, details["max_devices"])
}

func TestActivationCooldown(t *testing.T) {
	f := newFixture(t, Config{GraceDays: 7, ActivationCooldown: 5 * time.Minute})
	f.seed(t, f.now.AddDate(0, 0, 30), 3)
	ctx := context.Background()

	_, apiErr := f.svc.Activate(ctx, ActivateRequest{
		LicenseKey: "LG-2026-ABCD-EF01", UserID: "user-1", DeviceInfo: deviceInfo("fp-aaaa-0001"),
	})
	require.Nil(t, apiErr)

	f.now = f.now.Add(time.Minute)
	_, apiErr = f.svc.Activate(ctx, ActivateRequest{
		LicenseKey: "LG-2026-ABCD-EF01", UserID: "user-1", DeviceInfo: deviceInfo("fp-aaaa-0002"),
	})
	require.NotNil(t, apiErr)
	assert.Equal(t, "ACTIVATION_COOLDOWN", apiErr.Code)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.InDelta(t, (4 * time.Minute).Seconds(), apiErr.RetryAfter.Seconds(), 1)

	f.now = f.now.Add(5 * time.Minute)
	_, apiErr = f.svc.Activate(ctx, ActivateRequest{
		LicenseKey: "LG-2026-ABCD-EF01", UserID: "user-1", DeviceInfo: deviceInfo("fp-aaaa-0002"),
	})
	assert.Nil(t, apiErr)
}

func TestDeactivateSingleDevice(t *testing.T) {
	f := newFixture(t, Config{GraceDays: 7})
	f.seed(t, f.now.AddDate(0, 0, 30), 3)
	ctx := context.Background()

	for i, fp := range []string{"fp-aaaa-0001", "fp-aaaa-0002"} {
		f.now = f.now.Add(time.Duration(i) * time.Minute)
		_, apiErr := f.svc.Activate(ctx, ActivateRequest{
			LicenseKey: "LG-2026-ABCD-EF01", UserID: "user-1", DeviceInfo: deviceInfo(fp),
		})
		require.Nil(t, apiErr)
	}

	res, apiErr := f.svc.Deactivate(ctx, DeactivateRequest{
		LicenseKey:  "LG-2026-ABCD-EF01",
		UserID:      "user-1",
		Fingerprint: "fp-aaaa-0001",
	})
	require.Nil(t, apiErr)
	require.Len(t, res.Removed, 1)
	assert.Equal(t, "fp-aaaa-0001", res.Removed[0].Fingerprint)
	assert.Equal(t, 1, res.ActiveDevices)
}

func TestDeactivateAllThenReactivate(t *testing.T) {
	f := newFixture(t, Config{GraceDays: 7})
	f.seed(t, f.now.AddDate(0, 0, 30), 2)
	ctx := context.Background()

	for i, fp := range []string{"fp-aaaa-0001", "fp-aaaa-0002"} {
		f.now = f.now.Add(time.Duration(i) * time.Minute)
		_, apiErr := f.svc.Activate(ctx, ActivateRequest{
			LicenseKey: "LG-2026-ABCD-EF01", UserID: "user-1", DeviceInfo: deviceInfo(fp),
		})
		require.Nil(t, apiErr)
	}

	res, apiErr := f.svc.Deactivate(ctx, DeactivateRequest{
		LicenseKey: "LG-2026-ABCD-EF01", UserID: "user-1",
	})
	require.Nil(t, apiErr)
	assert.Len(t, res.Removed, 2)
	assert.Equal(t, 0, res.ActiveDevices)
	firstActivatedAt := res.Removed[0].ActivatedAt

	// Re-activating a deactivated fingerprint is a full activation, not the
	// idempotent touch path: a fresh device row with a new activated_at.
	f.now = f.now.Add(time.Hour)
	act, apiErr := f.svc.Activate(ctx, ActivateRequest{
		LicenseKey: "LG-2026-ABCD-EF01", UserID: "user-1", DeviceInfo: deviceInfo("fp-aaaa-0001"),
	})
	require.Nil(t, apiErr)
	assert.Equal(t, 1, act.License.ActiveDevices)
	assert.False(t, act.AlreadyActivated)
	assert.Equal(t, "fp-aaaa-0001", act.Device.Fingerprint)
	assert.True(t, act.Device.ActivatedAt.After(firstActivatedAt),
		"re-activation must stamp a new activation time")
	assert.NotEqual(t, res.Removed[0].ID, act.Device.ID)
}

func TestDeactivateUnknownFingerprint(t *testing.T) {
	f := newFixture(t, Config{GraceDays: 7})
	f.seed(t, f.now.AddDate(0, 0, 30), 3)

	_, apiErr := f.svc.Deactivate(context.Background(), DeactivateRequest{
		LicenseKey:  "LG-2026-ABCD-EF01",
		UserID:      "user-1",
		Fingerprint: "fp-never-seen",
	})
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "DEVICE_NOT_FOUND", apiErr.Code,
		"the license exists, only the device is missing")
}

func TestStatusFlags(t *testing.T) {
	f := newFixture(t, Config{GraceDays: 7})
	f.seed(t, f.now.AddDate(0, 0, 30), 3)
	ctx := context.Background()

	flags, _, err := f.svc.Status(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, flags.HasLicense)
	assert.True(t, flags.IsValid)
	assert.True(t, flags.RequiresActivation, "no device registered yet")
	assert.Equal(t, domain.LicenseStatusInactive, domain.DeriveStatus(flags))

	_, apiErr := f.svc.Activate(ctx, ActivateRequest{
		LicenseKey: "LG-2026-ABCD-EF01", UserID: "user-1", DeviceInfo: deviceInfo("fp-aaaa-0001"),
	})
	require.Nil(t, apiErr)

	flags, _, err = f.svc.Status(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.LicenseStatusActive, domain.DeriveStatus(flags))
}

func TestStatusNoLicense(t *testing.T) {
	f := newFixture(t, Config{})

	flags, _, err := f.svc.Status(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, flags.HasLicense)
	assert.Equal(t, domain.LicenseStatusNotFound, domain.DeriveStatus(flags))
}

func TestEveryActionIsAudited(t *testing.T) {
	f := newFixture(t, Config{GraceDays: 7})
	f.seed(t, f.now.AddDate(0, 0, 30), 3)
	ctx := context.Background()

	_, _ = f.svc.Validate(ctx, ValidateRequest{LicenseKey: "LG-2026-ABCD-EF01"})
	_, _ = f.svc.Validate(ctx, ValidateRequest{LicenseKey: "LG-0000-0000-0000"})
	_, _ = f.svc.Activate(ctx, ActivateRequest{
		LicenseKey: "LG-2026-ABCD-EF01", UserID: "user-1", DeviceInfo: deviceInfo("fp-aaaa-0001"),
	})

	entries, err := f.store.RecentAuditEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	var types []domain.AuditEventType
	for _, e := range entries {
		types = append(types, e.EventType)
		if key, ok := e.Payload["license_key"].(string); ok && key != "" {
			assert.Contains(t, key, "*", "license keys must be masked in audit payloads")
		}
	}
	assert.Contains(t, types, domain.EventLicenseValidate)
	assert.Contains(t, types, domain.EventLicenseActivate)
}
