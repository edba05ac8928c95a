package gate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"licensegate/internal/audit"
	"licensegate/internal/auth"
	"licensegate/internal/infrastructure"
	"licensegate/internal/license"
	"licensegate/pkg/contracts/domain"
)

// Reason identifies which check failed, or that all passed. First failure
// wins, in the order auth, email verification, license, role.
type Reason string

const (
	ReasonAllowed         Reason = "allowed"
	ReasonUnauthenticated Reason = "unauthenticated"
	ReasonEmailUnverified Reason = "email_unverified"
	ReasonLicenseInactive Reason = "license_inactive"
	ReasonLicenseExpired  Reason = "license_expired"
	ReasonLicenseNotFound Reason = "license_not_found"
	ReasonRoleForbidden   Reason = "role_forbidden"
)

// Decision is the outcome of an access check. When Allowed is false,
// RedirectTo names the page the caller must navigate to.
type Decision struct {
	Allowed       bool
	RedirectTo    string
	Reason        Reason
	LicenseStatus domain.LicenseStatus
}

// StatusClient is the backend license-status RPC: the four raw flags plus
// the expiry. license.Service satisfies it in-process.
type StatusClient interface {
	Status(ctx context.Context, userID string) (domain.StatusFlags, time.Time, error)
}

// Recorder receives fire-and-forget audit entries. *audit.Batcher
// satisfies it.
type Recorder interface {
	Log(e domain.AuditEntry)
}

// Config holds the gate's redirect targets and cache tuning.
type Config struct {
	StateTTL           time.Duration
	MinRefreshInterval time.Duration
	ConnectivityProbe  time.Duration

	AuthPath           string
	VerifyLicensePath  string
	InvalidLicensePath string
	UnauthorizedPath   string
}

// CheckOptions modifies a single access check.
type CheckOptions struct {
	// Token is the caller's session token; empty means unauthenticated.
	Token string
	// ForceRefresh bypasses the state cache, subject to the minimum
	// refresh interval.
	ForceRefresh bool
}

// Gate answers route-access checks. All dependencies are injected; there
// is no package-level instance.
type Gate struct {
	routes   *RouteSet
	cache    *StateCache
	sessions auth.SessionProvider
	status   StatusClient
	offline  *license.OfflineCache
	recorder Recorder
	metrics  *infrastructure.GateMetrics
	cfg      Config
	log      *slog.Logger

	// connectivity reports whether the backend is reachable. Replaced in
	// tests; the default probes the status client with a short timeout.
	connectivity func(ctx context.Context) bool

	group singleflight.Group
	now   func() time.Time
}

// New wires a gate. recorder and metrics may be nil.
func New(routes *RouteSet, sessions auth.SessionProvider, status StatusClient,
	offline *license.OfflineCache, recorder Recorder, metrics *infrastructure.GateMetrics, cfg Config) *Gate {
	g := &Gate{
		routes:   routes,
		cache:    NewStateCache(cfg.StateTTL, cfg.MinRefreshInterval),
		sessions: sessions,
		status:   status,
		offline:  offline,
		recorder: recorder,
		metrics:  metrics,
		cfg:      cfg,
		log:      infrastructure.GetLogger().With("component", "gate"),
		now:      time.Now,
	}
	g.connectivity = g.probeConnectivity
	return g
}

// Subscribe exposes the navigation-state change feed.
func (g *Gate) Subscribe() (<-chan NavigationState, func()) {
	return g.cache.Subscribe()
}

// Invalidate drops the cached navigation state.
func (g *Gate) Invalidate() {
	g.cache.Invalidate()
}

// CanAccess runs the route state machine for path. Every failure resolves
// to a redirect decision; this method never returns an error.
func (g *Gate) CanAccess(ctx context.Context, path string, opts CheckOptions) Decision {
	rule, matched := g.routes.Match(path)
	if matched && rule.Public {
		return g.decide(ctx, path, Decision{Allowed: true, Reason: ReasonAllowed})
	}

	state := g.navigationState(ctx, opts)
	if state == nil {
		return g.decide(ctx, path, Decision{
			RedirectTo: g.cfg.AuthPath,
			Reason:     ReasonUnauthenticated,
		})
	}
	if !state.EmailVerified {
		return g.decide(ctx, path, Decision{
			RedirectTo: g.cfg.AuthPath,
			Reason:     ReasonEmailUnverified,
		})
	}

	if !rule.SkipLicense {
		if d, failed := g.checkLicense(state); failed {
			return g.decide(ctx, path, d)
		}
	}

	if matched && len(rule.Roles) > 0 && !roleAllowed(state.Role, rule.Roles) {
		return g.decide(ctx, path, Decision{
			RedirectTo:    g.cfg.UnauthorizedPath,
			Reason:        ReasonRoleForbidden,
			LicenseStatus: state.LicenseStatus,
		})
	}

	return g.decide(ctx, path, Decision{
		Allowed:       true,
		Reason:        ReasonAllowed,
		LicenseStatus: state.LicenseStatus,
	})
}

func (g *Gate) checkLicense(state *NavigationState) (Decision, bool) {
	switch state.LicenseStatus {
	case domain.LicenseStatusActive:
		return Decision{}, false
	case domain.LicenseStatusExpired:
		return Decision{
			RedirectTo:    g.cfg.VerifyLicensePath,
			Reason:        ReasonLicenseExpired,
			LicenseStatus: state.LicenseStatus,
		}, true
	case domain.LicenseStatusNotFound:
		return Decision{
			RedirectTo:    g.cfg.InvalidLicensePath,
			Reason:        ReasonLicenseNotFound,
			LicenseStatus: state.LicenseStatus,
		}, true
	default:
		return Decision{
			RedirectTo:    g.cfg.VerifyLicensePath,
			Reason:        ReasonLicenseInactive,
			LicenseStatus: state.LicenseStatus,
		}, true
	}
}

func roleAllowed(role string, allowed []string) bool {
	if role == "admin" {
		return true
	}
	for _, a := range allowed {
		if role == a {
			return true
		}
	}
	return false
}

// navigationState returns a fresh state, from cache when possible. A nil
// return means no authenticated session. The cache is keyed by the hashed
// token, so a cache hit is only possible for the session that wrote the
// entry; any other token goes through full session resolution. Concurrent
// refreshes for the same token coalesce.
func (g *Gate) navigationState(ctx context.Context, opts CheckOptions) *NavigationState {
	if opts.Token == "" {
		return nil
	}
	tokenHash := hashToken(opts.Token)

	state, fresh := g.cache.Get(tokenHash)
	wantRefresh := opts.ForceRefresh && g.cache.RefreshAllowed()
	if state != nil && fresh && !wantRefresh {
		if g.metrics != nil {
			g.metrics.CacheHits.Add(ctx, 1)
		}
		return state
	}
	if g.metrics != nil {
		g.metrics.CacheMisses.Add(ctx, 1)
	}

	v, err, _ := g.group.Do(tokenHash, func() (any, error) {
		return g.refreshState(ctx, opts.Token, tokenHash), nil
	})
	if err != nil || v == nil {
		return nil
	}
	if refreshed, ok := v.(*NavigationState); ok {
		return refreshed
	}
	return nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (g *Gate) refreshState(ctx context.Context, token, tokenHash string) *NavigationState {
	profile, err := g.sessions.CurrentUser(ctx, token)
	if err != nil {
		if err != auth.ErrNoSession {
			g.log.WarnContext(ctx, "session lookup failed", slog.String("error", err.Error()))
		}
		return nil
	}

	status, expiresAt := g.CheckLicenseStatus(ctx, profile.ID)
	state := g.cache.Set(tokenHash, NavigationState{
		UserID:           profile.ID,
		Email:            profile.Email,
		EmailVerified:    profile.EmailVerified,
		Role:             profile.Role,
		LicenseStatus:    status,
		LicenseExpiresAt: expiresAt,
		CheckedAt:        g.now(),
	})
	return &state
}

// CheckLicenseStatus resolves the user's license status: online when the
// backend is reachable, offline cache otherwise. Online results are
// persisted to the offline cache. Every path emits a license_check audit
// event.
func (g *Gate) CheckLicenseStatus(ctx context.Context, userID string) (domain.LicenseStatus, time.Time) {
	var (
		status    domain.LicenseStatus
		expiresAt time.Time
		source    string
	)

	if g.connectivity(ctx) {
		flags, exp, err := g.status.Status(ctx, userID)
		if err == nil {
			status = domain.DeriveStatus(flags)
			expiresAt = exp
			source = "online"
			g.offline.Set(userID, status, expiresAt)
		}
	}
	if source == "" {
		status, expiresAt = g.offline.Get(userID)
		source = "offline"
	}

	if g.recorder != nil {
		entry := audit.Entry(domain.EventLicenseCheck, userID, status == domain.LicenseStatusActive)
		entry.Payload = map[string]any{"source": source, "status": string(status)}
		g.recorder.Log(entry)
	}
	return status, expiresAt
}

// probeConnectivity asks the status client for an empty user inside a
// short absolute timeout. Errors other than deadline expiry still prove
// the backend answered.
func (g *Gate) probeConnectivity(ctx context.Context) bool {
	timeout := g.cfg.ConnectivityProbe
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, _, err := g.status.Status(probeCtx, "")
	return err == nil || probeCtx.Err() == nil
}

func (g *Gate) decide(ctx context.Context, path string, d Decision) Decision {
	if g.metrics != nil {
		g.metrics.GateDecisions.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("allowed", d.Allowed),
			attribute.String("reason", string(d.Reason)),
		))
	}
	if g.recorder != nil && d.Reason != ReasonAllowed {
		entry := audit.Entry(domain.EventRouteDecision, "", d.Allowed)
		entry.Payload = map[string]any{
			"path":     path,
			"reason":   string(d.Reason),
			"redirect": d.RedirectTo,
		}
		g.recorder.Log(entry)
	}
	return d
}
