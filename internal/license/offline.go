package license

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"licensegate/internal/infrastructure"
	"licensegate/pkg/contracts/domain"
)

// OfflineEntry is the per-user snapshot persisted by the offline cache.
type OfflineEntry struct {
	Status          domain.LicenseStatus `json:"status"`
	ExpiresAt       time.Time            `json:"expires_at"`
	CachedAt        time.Time            `json:"cached_at"`
	LastOnlineCheck time.Time            `json:"last_online_check"`
}

// OfflineCache stores license snapshots on disk so the route gate can keep
// working while the backend is unreachable. It degrades instead of failing:
// read problems report not_found, write problems are logged and dropped.
type OfflineCache struct {
	dir string
	ttl time.Duration
	mu  sync.Mutex
	log *slog.Logger
	now func() time.Time
}

// NewOfflineCache stores snapshots under dir, one file per user.
func NewOfflineCache(dir string, ttl time.Duration) *OfflineCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &OfflineCache{
		dir: dir,
		ttl: ttl,
		log: infrastructure.GetLogger().With("component", "offline_cache"),
		now: time.Now,
	}
}

// Get reads the cached status for a user. A missing or stale entry reports
// not_found. A cached "active" whose expiry has since passed reports
// expired; staleness of the license itself beats staleness of the cache
// write.
func (c *OfflineCache) Get(userID string) (domain.LicenseStatus, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path(userID))
	if err != nil {
		return domain.LicenseStatusNotFound, time.Time{}
	}
	var e OfflineEntry
	if err := json.Unmarshal(data, &e); err != nil {
		c.log.Warn("corrupt offline cache entry dropped", slog.String("user_id", userID))
		_ = os.Remove(c.path(userID))
		return domain.LicenseStatusNotFound, time.Time{}
	}

	now := c.now()
	if now.Sub(e.CachedAt) > c.ttl {
		return domain.LicenseStatusNotFound, time.Time{}
	}
	if e.Status == domain.LicenseStatusActive && !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
		return domain.LicenseStatusExpired, e.ExpiresAt
	}
	return e.Status, e.ExpiresAt
}

// Set overwrites the user's snapshot wholesale.
func (c *OfflineCache) Set(userID string, status domain.LicenseStatus, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e := OfflineEntry{
		Status:          status,
		ExpiresAt:       expiresAt,
		CachedAt:        now,
		LastOnlineCheck: now,
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		c.log.Warn("offline cache dir unavailable", slog.String("error", err.Error()))
		return
	}
	if err := os.WriteFile(c.path(userID), data, 0o600); err != nil {
		c.log.Warn("offline cache write failed", slog.String("error", err.Error()))
	}
}

// Clear removes the user's snapshot, if present.
func (c *OfflineCache) Clear(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = os.Remove(c.path(userID))
}

// path hashes the user id so arbitrary ids cannot escape the cache dir.
func (c *OfflineCache) path(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:8])+".json")
}
