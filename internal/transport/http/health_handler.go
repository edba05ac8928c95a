package http

import (
	"database/sql"
	"net/http"
	"time"

	apperrors "licensegate/internal/errors"
)

// HealthHandler reports liveness and store reachability.
type HealthHandler struct {
	db      *sql.DB
	version string
	started time.Time
}

func NewHealthHandler(db *sql.DB, version string) *HealthHandler {
	return &HealthHandler{db: db, version: version, started: time.Now()}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if err := h.db.PingContext(r.Context()); err != nil {
		apperrors.Respond(w, r, apperrors.Internal())
		return
	}
	respondOK(w, r, map[string]any{
		"status":  status,
		"version": h.version,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	})
}
