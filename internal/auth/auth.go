// Package auth owns sign-in, sign-out, and session resolution. Sessions
// are opaque random tokens; only their SHA-256 hash is stored.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"licensegate/internal/audit"
	apperrors "licensegate/internal/errors"
	"licensegate/internal/infrastructure"
	"licensegate/internal/store"
	"licensegate/pkg/contracts/domain"
)

// SessionProvider resolves a bearer token to the owning profile. The route
// gate depends on this interface, not on the concrete manager.
type SessionProvider interface {
	CurrentUser(ctx context.Context, token string) (*domain.Profile, error)
}

// ErrNoSession is returned when a token is unknown or expired.
var ErrNoSession = stderrors.New("no active session")

// Manager implements SessionProvider over the relational store.
type Manager struct {
	store      *store.Store
	auditor    *audit.Logger
	sessionTTL time.Duration
	log        *slog.Logger
	now        func() time.Time
}

// NewManager creates the session manager. ttl <= 0 defaults to 24h.
func NewManager(st *store.Store, auditor *audit.Logger, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{
		store:      st,
		auditor:    auditor,
		sessionTTL: ttl,
		log:        infrastructure.GetLogger().With("component", "auth"),
		now:        time.Now,
	}
}

// Session is the result of a successful sign-in.
type Session struct {
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expires_at"`
	User      domain.Profile `json:"user"`
}

// SignIn verifies the password and issues a session token. The same
// generic error covers unknown emails and wrong passwords.
func (m *Manager) SignIn(ctx context.Context, email, password, ip, userAgent string) (*Session, *apperrors.APIError) {
	profile, hash, err := m.store.GetProfileByEmail(ctx, email)
	if stderrors.Is(err, store.ErrNotFound) {
		m.auditSignIn(ctx, "", ip, userAgent, false, "unknown_email")
		return nil, apperrors.Unauthorized("invalid email or password")
	}
	if err != nil {
		m.log.ErrorContext(ctx, "profile lookup failed", slog.String("error", err.Error()))
		return nil, apperrors.Internal()
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		m.auditSignIn(ctx, profile.ID, ip, userAgent, false, "bad_password")
		return nil, apperrors.Unauthorized("invalid email or password")
	}
	if profile.Status != "active" {
		m.auditSignIn(ctx, profile.ID, ip, userAgent, false, "inactive_profile")
		return nil, apperrors.Forbidden("account is not active")
	}

	token, err := newToken()
	if err != nil {
		return nil, apperrors.Internal()
	}
	expiresAt := m.now().Add(m.sessionTTL)
	if err := m.store.CreateSession(ctx, hashToken(token), profile.ID, expiresAt); err != nil {
		m.log.ErrorContext(ctx, "session create failed", slog.String("error", err.Error()))
		return nil, apperrors.Internal()
	}

	m.auditSignIn(ctx, profile.ID, ip, userAgent, true, "")
	return &Session{Token: token, ExpiresAt: expiresAt, User: *profile}, nil
}

// SignOut invalidates the token. Unknown tokens are a no-op.
func (m *Manager) SignOut(ctx context.Context, token, ip, userAgent string) {
	tokenHash := hashToken(token)
	userID, err := m.store.GetSessionUser(ctx, tokenHash, m.now())
	if err == nil {
		_ = m.store.DeleteSession(ctx, tokenHash)
	}
	entry := audit.Entry(domain.EventAuthSignOut, userID, err == nil)
	entry.IP, entry.UserAgent = ip, userAgent
	m.auditor.Record(ctx, entry)
}

// CurrentUser resolves a token to its profile, sliding the expiry forward.
func (m *Manager) CurrentUser(ctx context.Context, token string) (*domain.Profile, error) {
	if token == "" {
		return nil, ErrNoSession
	}
	tokenHash := hashToken(token)
	userID, err := m.store.GetSessionUser(ctx, tokenHash, m.now())
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, err
	}
	if err := m.store.ExtendSession(ctx, tokenHash, m.now().Add(m.sessionTTL)); err != nil {
		m.log.WarnContext(ctx, "session extend failed", slog.String("error", err.Error()))
	}
	profile, err := m.store.GetProfile(ctx, userID)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, ErrNoSession
	}
	return profile, err
}

// Register creates a profile with a bcrypt-hashed password.
func (m *Manager) Register(ctx context.Context, p domain.Profile, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return m.store.CreateProfile(ctx, p, string(hash))
}

func (m *Manager) auditSignIn(ctx context.Context, userID, ip, userAgent string, success bool, reason string) {
	entry := audit.Entry(domain.EventAuthSignIn, userID, success)
	entry.IP, entry.UserAgent = ip, userAgent
	if reason != "" {
		entry.Error = reason
	}
	m.auditor.Record(ctx, entry)
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
