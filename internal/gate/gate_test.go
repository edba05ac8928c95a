package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/auth"
	"licensegate/internal/license"
	"licensegate/pkg/contracts/domain"
)

type fakeSessions struct {
	profiles map[string]*domain.Profile
}

func (f *fakeSessions) CurrentUser(_ context.Context, token string) (*domain.Profile, error) {
	if p, ok := f.profiles[token]; ok {
		return p, nil
	}
	return nil, auth.ErrNoSession
}

type fakeStatus struct {
	mu        sync.Mutex
	flags     domain.StatusFlags
	expiresAt time.Time
	err       error
	calls     atomic.Int32
}

func (f *fakeStatus) Status(_ context.Context, userID string) (domain.StatusFlags, time.Time, error) {
	if userID != "" {
		f.calls.Add(1)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags, f.expiresAt, f.err
}

func (f *fakeStatus) set(flags domain.StatusFlags, err error) {
	f.mu.Lock()
	f.flags, f.err = flags, err
	f.mu.Unlock()
}

type captureRecorder struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (c *captureRecorder) Log(e domain.AuditEntry) {
	c.mu.Lock()
	c.entries = append(c.entries, e)
	c.mu.Unlock()
}

func (c *captureRecorder) byType(et domain.AuditEventType) []domain.AuditEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range c.entries {
		if e.EventType == et {
			out = append(out, e)
		}
	}
	return out
}

type env struct {
	gate     *Gate
	status   *fakeStatus
	recorder *captureRecorder
	online   bool
}

func activeFlags() domain.StatusFlags {
	return domain.StatusFlags{HasLicense: true, IsValid: true}
}

func newEnv(t *testing.T) *env {
	t.Helper()
	routes, err := NewRouteSet([]Rule{
		{Pattern: "/", Public: true},
		{Pattern: "/auth", Public: true},
		{Pattern: "/admin/*", Roles: []string{"admin"}},
		{Pattern: "/ordens/:id"},
	})
	require.NoError(t, err)

	e := &env{
		status:   &fakeStatus{flags: activeFlags(), expiresAt: time.Now().AddDate(0, 0, 30)},
		recorder: &captureRecorder{},
		online:   true,
	}
	sessions := &fakeSessions{profiles: map[string]*domain.Profile{
		"tok-verified":   {ID: "user-1", Email: "a@b.c", Role: "user", Status: "active", EmailVerified: true},
		"tok-unverified": {ID: "user-2", Email: "d@e.f", Role: "user", Status: "active", EmailVerified: false},
		"tok-admin":      {ID: "user-3", Email: "g@h.i", Role: "admin", Status: "active", EmailVerified: true},
	}}

	e.gate = New(routes, sessions, e.status,
		license.NewOfflineCache(t.TempDir(), 24*time.Hour),
		e.recorder, nil, Config{
			StateTTL:           time.Minute,
			MinRefreshInterval: 10 * time.Second,
			AuthPath:           "/auth",
			VerifyLicensePath:  "/verify-licenca",
			InvalidLicensePath: "/licenca-invalida",
			UnauthorizedPath:   "/unauthorized",
		})
	e.gate.connectivity = func(context.Context) bool { return e.online }
	return e
}

func TestPublicRouteAllowsAnonymous(t *testing.T) {
	e := newEnv(t)

	d := e.gate.CanAccess(context.Background(), "/auth", CheckOptions{})
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonAllowed, d.Reason)
}

func TestAnonymousRedirectsToAuth(t *testing.T) {
	e := newEnv(t)

	d := e.gate.CanAccess(context.Background(), "/ordens/42", CheckOptions{})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonUnauthenticated, d.Reason)
	assert.Equal(t, "/auth", d.RedirectTo)
}

func TestUnconfiguredRouteFailsClosed(t *testing.T) {
	e := newEnv(t)

	d := e.gate.CanAccess(context.Background(), "/rota-desconhecida", CheckOptions{})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonUnauthenticated, d.Reason)
}

func TestUnverifiedEmailRedirects(t *testing.T) {
	e := newEnv(t)

	d := e.gate.CanAccess(context.Background(), "/ordens/42", CheckOptions{Token: "tok-unverified"})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonEmailUnverified, d.Reason)
	assert.Equal(t, "/auth", d.RedirectTo)
}

func TestActiveLicenseAllowed(t *testing.T) {
	e := newEnv(t)

	d := e.gate.CanAccess(context.Background(), "/ordens/42", CheckOptions{Token: "tok-verified"})
	assert.True(t, d.Allowed)
	assert.Equal(t, domain.LicenseStatusActive, d.LicenseStatus)
}

func TestExpiredLicenseRedirectsToVerify(t *testing.T) {
	e := newEnv(t)
	e.status.set(domain.StatusFlags{HasLicense: true, RequiresRenewal: true}, nil)

	d := e.gate.CanAccess(context.Background(), "/ordens/42", CheckOptions{Token: "tok-verified"})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonLicenseExpired, d.Reason)
	assert.Equal(t, "/verify-licenca", d.RedirectTo)
}

func TestInactiveLicenseRedirectsToVerify(t *testing.T) {
	e := newEnv(t)
	e.status.set(domain.StatusFlags{HasLicense: true, IsValid: true, RequiresActivation: true}, nil)

	d := e.gate.CanAccess(context.Background(), "/ordens/42", CheckOptions{Token: "tok-verified"})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonLicenseInactive, d.Reason)
	assert.Equal(t, "/verify-licenca", d.RedirectTo)
}

func TestMissingLicenseRedirectsToInvalidPath(t *testing.T) {
	e := newEnv(t)
	e.status.set(domain.StatusFlags{}, nil)

	d := e.gate.CanAccess(context.Background(), "/ordens/42", CheckOptions{Token: "tok-verified"})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonLicenseNotFound, d.Reason)
	assert.Equal(t, "/licenca-invalida", d.RedirectTo)
}

func TestRoleForbiddenRedirectsToUnauthorized(t *testing.T) {
	e := newEnv(t)

	d := e.gate.CanAccess(context.Background(), "/admin/users", CheckOptions{Token: "tok-verified"})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRoleForbidden, d.Reason)
	assert.Equal(t, "/unauthorized", d.RedirectTo)

	d = e.gate.CanAccess(context.Background(), "/admin/users", CheckOptions{Token: "tok-admin"})
	assert.True(t, d.Allowed)
}

func TestAuthBeatsLicenseInFailureOrder(t *testing.T) {
	e := newEnv(t)
	e.status.set(domain.StatusFlags{}, nil)

	// Unverified email and missing license: email check fires first.
	d := e.gate.CanAccess(context.Background(), "/ordens/42", CheckOptions{Token: "tok-unverified"})
	assert.Equal(t, ReasonEmailUnverified, d.Reason)
}

func TestNavigationStateIsCached(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.gate.CanAccess(ctx, "/ordens/42", CheckOptions{Token: "tok-verified"})
	e.gate.CanAccess(ctx, "/ordens/43", CheckOptions{Token: "tok-verified"})
	e.gate.CanAccess(ctx, "/clientes", CheckOptions{Token: "tok-verified"})

	assert.Equal(t, int32(1), e.status.calls.Load(), "fresh cache entries skip the backend")
}

func TestUnknownTokenNeverReusesCachedState(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Warm the cache with a real session.
	d := e.gate.CanAccess(ctx, "/ordens/42", CheckOptions{Token: "tok-verified"})
	require.True(t, d.Allowed)

	// A token with no session must not ride that entry.
	d = e.gate.CanAccess(ctx, "/ordens/42", CheckOptions{Token: "tok-bogus"})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonUnauthenticated, d.Reason)
	assert.Equal(t, "/auth", d.RedirectTo)
}

func TestForceRefreshIsRateLimited(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.gate.CanAccess(ctx, "/ordens/42", CheckOptions{Token: "tok-verified"})
	// Inside the minimum interval the forced refresh is ignored.
	e.gate.CanAccess(ctx, "/ordens/42", CheckOptions{Token: "tok-verified", ForceRefresh: true})
	assert.Equal(t, int32(1), e.status.calls.Load())
}

func TestInvalidateForcesRefetch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.gate.CanAccess(ctx, "/ordens/42", CheckOptions{Token: "tok-verified"})
	e.gate.Invalidate()
	e.gate.CanAccess(ctx, "/ordens/42", CheckOptions{Token: "tok-verified"})

	assert.Equal(t, int32(2), e.status.calls.Load())
}

func TestOfflineFallbackUsesCachedStatus(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Online check succeeds and seeds the offline cache.
	d := e.gate.CanAccess(ctx, "/ordens/42", CheckOptions{Token: "tok-verified"})
	require.True(t, d.Allowed)

	// Backend goes away; the cached snapshot keeps the user working.
	e.online = false
	e.gate.Invalidate()
	d = e.gate.CanAccess(ctx, "/ordens/42", CheckOptions{Token: "tok-verified"})
	assert.True(t, d.Allowed)
	assert.Equal(t, domain.LicenseStatusActive, d.LicenseStatus)
}

func TestOfflineWithoutCacheIsNotFound(t *testing.T) {
	e := newEnv(t)
	e.online = false

	d := e.gate.CanAccess(context.Background(), "/ordens/42", CheckOptions{Token: "tok-verified"})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonLicenseNotFound, d.Reason)
}

func TestStatusRPCErrorFallsBackToOffline(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.gate.CanAccess(ctx, "/ordens/42", CheckOptions{Token: "tok-verified"})

	e.status.set(domain.StatusFlags{}, errors.New("backend exploded"))
	e.gate.Invalidate()
	d := e.gate.CanAccess(ctx, "/ordens/42", CheckOptions{Token: "tok-verified"})
	assert.True(t, d.Allowed, "offline snapshot must cover RPC failures")
}

func TestEveryLicenseCheckIsAudited(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.gate.CanAccess(ctx, "/ordens/42", CheckOptions{Token: "tok-verified"})
	e.online = false
	e.gate.Invalidate()
	e.gate.CanAccess(ctx, "/ordens/42", CheckOptions{Token: "tok-verified"})

	checks := e.recorder.byType(domain.EventLicenseCheck)
	require.Len(t, checks, 2)
	assert.Equal(t, "online", checks[0].Payload["source"])
	assert.Equal(t, "offline", checks[1].Payload["source"])
}

func TestDeniedDecisionsAreAudited(t *testing.T) {
	e := newEnv(t)

	e.gate.CanAccess(context.Background(), "/ordens/42", CheckOptions{})

	decisions := e.recorder.byType(domain.EventRouteDecision)
	require.Len(t, decisions, 1)
	assert.Equal(t, string(ReasonUnauthenticated), decisions[0].Payload["reason"])
}

func TestConcurrentChecksCoalesce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := e.gate.CanAccess(ctx, "/ordens/42", CheckOptions{Token: "tok-verified"})
			assert.True(t, d.Allowed)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, e.status.calls.Load(), int32(2),
		"concurrent refreshes must coalesce instead of stampeding")
}
