package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"licensegate/pkg/contracts/domain"
)

// AppendAudit persists one audit entry. The payload is stored as JSON.
func (s *Store) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var payload []byte
	if e.Payload != nil {
		var err error
		if payload, err = json.Marshal(e.Payload); err != nil {
			payload = []byte(`{"marshal_error":true}`)
		}
	}
	success := 0
	if e.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log(id, event_type, user_id, ip, user_agent, payload, success, error, duration_ms, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.ID, string(e.EventType), nullableString(e.UserID), e.IP, e.UserAgent,
		string(payload), success, e.Error, e.Duration.Milliseconds(), e.CreatedAt)
	return err
}

// LastSuccessfulEvent returns the timestamp of the most recent successful
// event of the given type for a user. The activation cooldown is computed
// from this.
func (s *Store) LastSuccessfulEvent(ctx context.Context, userID string, event domain.AuditEventType) (time.Time, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM audit_log
		 WHERE user_id = ? AND event_type = ? AND success = 1
		 ORDER BY created_at DESC LIMIT 1`,
		userID, string(event)).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, ErrNotFound
	}
	return at, err
}

// RecentAuditEntries returns the newest entries, for the admin trail view.
func (s *Store) RecentAuditEntries(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_type, COALESCE(user_id,''), ip, user_agent, payload, success, error, duration_ms, created_at
		 FROM audit_log ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e          domain.AuditEntry
			eventType  string
			payload    string
			success    int
			durationMS int64
		)
		if err := rows.Scan(&e.ID, &eventType, &e.UserID, &e.IP, &e.UserAgent,
			&payload, &success, &e.Error, &durationMS, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EventType = domain.AuditEventType(eventType)
		e.Success = success != 0
		e.Duration = time.Duration(durationMS) * time.Millisecond
		if payload != "" {
			_ = json.Unmarshal([]byte(payload), &e.Payload)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
