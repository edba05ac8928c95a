package gate

import (
	"sync"
	"time"

	"licensegate/pkg/contracts/domain"
)

// NavigationState is the snapshot the gate needs to answer an access check
// without touching the backend.
type NavigationState struct {
	UserID           string
	Email            string
	EmailVerified    bool
	Role             string
	LicenseStatus    domain.LicenseStatus
	LicenseExpiresAt time.Time
	CheckedAt        time.Time
	// Version increases on every write; subscribers use it to discard
	// events they have already applied. Last write wins.
	Version uint64
}

// StateCache is the shared navigation-state entry plus its change feed.
// Writers overwrite wholesale; readers treat the returned value as
// immutable. The entry is bound to the hashed session token that produced
// it; a different token never sees another session's state.
type StateCache struct {
	mu          sync.Mutex
	entry       *NavigationState
	tokenHash   string
	version     uint64
	lastRefresh time.Time

	ttl        time.Duration
	minRefresh time.Duration

	subs    map[int]chan NavigationState
	nextSub int

	now func() time.Time
}

// NewStateCache creates a cache with the given freshness TTL and the
// minimum interval between forced refreshes.
func NewStateCache(ttl, minRefresh time.Duration) *StateCache {
	return &StateCache{
		ttl:        ttl,
		minRefresh: minRefresh,
		subs:       make(map[int]chan NavigationState),
		now:        time.Now,
	}
}

// Get returns the cached entry and whether it is still fresh. A token
// hash other than the one that wrote the entry is a miss; the caller must
// resolve its own session.
func (c *StateCache) Get(tokenHash string) (*NavigationState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entry == nil || c.tokenHash != tokenHash {
		return nil, false
	}
	fresh := c.now().Sub(c.entry.CheckedAt) <= c.ttl
	copied := *c.entry
	return &copied, fresh
}

// RefreshAllowed reports whether a forced refresh may proceed. Repeated
// force-refresh calls inside the minimum interval reuse the cached entry.
func (c *StateCache) RefreshAllowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entry == nil || c.now().Sub(c.lastRefresh) >= c.minRefresh
}

// Set overwrites the entry, stamps a new version, and notifies
// subscribers. Slow subscribers miss intermediate versions, never the
// ordering.
func (c *StateCache) Set(tokenHash string, state NavigationState) NavigationState {
	c.mu.Lock()
	c.version++
	state.Version = c.version
	if state.CheckedAt.IsZero() {
		state.CheckedAt = c.now()
	}
	c.entry = &state
	c.tokenHash = tokenHash
	c.lastRefresh = c.now()
	subs := make([]chan NavigationState, 0, len(c.subs))
	for _, ch := range c.subs {
		subs = append(subs, ch)
	}
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- state:
		default:
		}
	}
	return state
}

// Invalidate drops the entry. Call whenever the license is known to have
// changed out-of-band.
func (c *StateCache) Invalidate() {
	c.mu.Lock()
	c.entry = nil
	c.tokenHash = ""
	c.mu.Unlock()
}

// Subscribe returns a channel of state updates and an unsubscribe
// function. The channel is buffered; always call unsubscribe.
func (c *StateCache) Subscribe() (<-chan NavigationState, func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan NavigationState, 4)
	c.subs[id] = ch
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
		c.mu.Unlock()
	}
}
