// Package ratelimit implements per-IP fixed-window request budgets for the
// license validation service. Counters are process-local; a horizontally
// scaled deployment needs a shared counter store instead.
package ratelimit

import (
	"sync"
	"time"
)

// Action is the limit class a request is counted against.
type Action string

const (
	ActionValidation Action = "validation"
	ActionActivation Action = "activation"
	ActionGlobal     Action = "global"
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

// RetryAfter returns how long the caller must wait before the window
// resets, floored at zero.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if wait := d.Reset.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// Window configures one limit class.
type Window struct {
	Max    int
	Window time.Duration
}

type counter struct {
	count int
	reset time.Time
}

// Limiter tracks reset-on-expiry counters keyed by (ip, action). The first
// request in a window initializes the counter; a request arriving after the
// reset time starts a fresh window.
type Limiter struct {
	mu       sync.Mutex
	counters map[string]*counter
	windows  map[Action]Window
	now      func() time.Time

	cleanupInterval time.Duration
	stopChan        chan struct{}
	stopOnce        sync.Once
}

// New creates a limiter with one window per action class and starts the
// background cleanup goroutine.
func New(validation, activation, global Window) *Limiter {
	l := &Limiter{
		counters: make(map[string]*counter),
		windows: map[Action]Window{
			ActionValidation: validation,
			ActionActivation: activation,
			ActionGlobal:     global,
		},
		now:             time.Now,
		cleanupInterval: 5 * time.Minute,
		stopChan:        make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Check counts a request against the action's window and returns the
// decision. Callers must also pass the global class; use Allow for the
// combined check.
func (l *Limiter) Check(ip string, action Action) Decision {
	w, ok := l.windows[action]
	if !ok || w.Max <= 0 {
		return Decision{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := ip + "|" + string(action)
	c, exists := l.counters[key]
	if !exists || now.After(c.reset) {
		c = &counter{count: 1, reset: now.Add(w.Window)}
		l.counters[key] = c
		return Decision{Allowed: true, Remaining: w.Max - 1, Reset: c.reset}
	}

	if c.count >= w.Max {
		return Decision{Allowed: false, Remaining: 0, Reset: c.reset}
	}
	c.count++
	return Decision{Allowed: true, Remaining: w.Max - c.count, Reset: c.reset}
}

// Allow runs the action-specific check and the global check; a request must
// pass both. The returned decision is the failing one, or the action
// decision with the smaller remaining budget on success.
func (l *Limiter) Allow(ip string, action Action) Decision {
	actionDec := l.Check(ip, action)
	if !actionDec.Allowed {
		return actionDec
	}
	globalDec := l.Check(ip, ActionGlobal)
	if !globalDec.Allowed {
		return globalDec
	}
	if globalDec.Remaining < actionDec.Remaining {
		return globalDec
	}
	return actionDec
}

// Stop terminates the cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopChan) })
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			now := l.now()
			for key, c := range l.counters {
				if now.After(c.reset) {
					delete(l.counters, key)
				}
			}
			l.mu.Unlock()
		case <-l.stopChan:
			return
		}
	}
}
