// Package realtime pushes license-change events to connected clients over
// websockets, and provides the client-side subscriber with its reconnect
// state machine.
package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"licensegate/internal/infrastructure"
	"licensegate/pkg/contracts/domain"
)

// ChangeEvent is the message broadcast when a user's license changes.
type ChangeEvent struct {
	Type      string               `json:"type"`
	UserID    string               `json:"user_id"`
	Status    domain.LicenseStatus `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
}

const TypeLicenseChanged = "license_changed"

// Hub maintains the set of active clients and routes license-change events
// to the clients subscribed to the affected user.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan ChangeEvent
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	logger  *slog.Logger
	quit    chan struct{}
	running bool
}

// NewHub creates a hub. Call Start before registering clients.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan ChangeEvent, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.With(slog.String("component", "realtime.hub")),
		quit:       make(chan struct{}),
	}
}

// Start launches the hub loop. Idempotent.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()
	go h.run()
}

// Stop terminates the hub loop and closes every client.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()
	close(h.quit)
}

// NotifyLicenseChanged queues a change event for the user's subscribers.
// Never blocks; events are dropped if the hub is saturated or stopped.
func (h *Hub) NotifyLicenseChanged(userID string, status domain.LicenseStatus) {
	ev := ChangeEvent{
		Type:      TypeLicenseChanged,
		UserID:    userID,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("broadcast queue full, change event dropped",
			slog.String("user_id", userID))
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client registered",
				slog.String("user_id", c.userID), slog.Int("clients", count))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client unregistered",
				slog.String("user_id", c.userID), slog.Int("clients", count))

		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				if c.userID != ev.UserID {
					continue
				}
				select {
				case c.send <- data:
				default:
					// Slow consumer; the write pump will notice the
					// closed channel and drop the connection.
				}
			}
			h.mu.RUnlock()
		}
	}
}
