package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"licensegate/internal/infrastructure"
)

// ConnState is the subscriber's connection lifecycle state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// Dialer opens a websocket connection. *websocket.Dialer satisfies it via
// the adapter below; tests substitute their own.
type Dialer interface {
	Dial(ctx context.Context, url string) (*websocket.Conn, error)
}

// WSDialer adapts gorilla's dialer to the Dialer interface.
type WSDialer struct {
	Dialer *websocket.Dialer
}

func (d WSDialer) Dial(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	return conn, err
}

// SubscriberConfig tunes the reconnect behavior.
type SubscriberConfig struct {
	URL         string
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func (c *SubscriberConfig) defaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
}

// Subscriber maintains a live license-change channel as an explicit state
// machine: disconnected, connecting, connected, reconnecting. Connection
// loss triggers exponential backoff, doubling from the base delay up to the
// cap, for a bounded number of attempts. Cancel the context to tear it
// down; the event channel closes when the subscriber gives up or is
// stopped.
type Subscriber struct {
	cfg    SubscriberConfig
	dialer Dialer
	events chan ChangeEvent
	log    *slog.Logger

	mu       sync.Mutex
	state    ConnState
	attempts int
	delay    time.Duration
}

// NewSubscriber creates a subscriber; Run must be called to connect.
func NewSubscriber(cfg SubscriberConfig, dialer Dialer) *Subscriber {
	cfg.defaults()
	if dialer == nil {
		dialer = WSDialer{}
	}
	return &Subscriber{
		cfg:    cfg,
		dialer: dialer,
		events: make(chan ChangeEvent, 16),
		log:    infrastructure.GetLogger().With("component", "realtime.subscriber"),
		state:  StateDisconnected,
		delay:  cfg.BaseDelay,
	}
}

// Events is the stream of license-change events. Closed on teardown.
func (s *Subscriber) Events() <-chan ChangeEvent { return s.events }

// State reports the current connection state.
func (s *Subscriber) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts reports how many consecutive failed connects have occurred.
func (s *Subscriber) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Subscriber) setState(st ConnState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives the state machine until the context is cancelled or the
// attempt budget is exhausted. It blocks; run it in its own goroutine.
func (s *Subscriber) Run(ctx context.Context) {
	defer func() {
		s.setState(StateDisconnected)
		close(s.events)
	}()

	for {
		s.mu.Lock()
		if s.attempts >= s.cfg.MaxAttempts {
			s.mu.Unlock()
			s.log.Warn("reconnect attempts exhausted, giving up",
				slog.Int("attempts", s.cfg.MaxAttempts))
			return
		}
		if s.attempts == 0 {
			s.state = StateConnecting
		} else {
			s.state = StateReconnecting
		}
		wait := time.Duration(0)
		if s.attempts > 0 {
			wait = s.delay
			s.delay *= 2
			if s.delay > s.cfg.MaxDelay {
				s.delay = s.cfg.MaxDelay
			}
		}
		s.mu.Unlock()

		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
		}

		conn, err := s.dialer.Dial(ctx, s.cfg.URL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.mu.Lock()
			s.attempts++
			s.mu.Unlock()
			s.log.Warn("connect failed",
				slog.Int("attempt", s.Attempts()), slog.String("error", err.Error()))
			continue
		}

		s.mu.Lock()
		s.state = StateConnected
		s.attempts = 0
		s.delay = s.cfg.BaseDelay
		s.mu.Unlock()

		err = s.consume(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		s.attempts++
		s.mu.Unlock()
		if err != nil {
			s.log.Warn("connection lost", slog.String("error", err.Error()))
		}
	}
}

// consume reads events until the connection breaks or the context ends.
func (s *Subscriber) consume(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev ChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		select {
		case s.events <- ev:
		default:
			// Consumer is behind; the next event supersedes anyway.
		}
	}
}
