// Package audit records security-relevant events: license checks,
// activations, rate-limit rejections, auth events, and route decisions.
// The server-side Logger writes straight to the store; Batcher queues
// client-side events and ships them in batches.
package audit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"licensegate/internal/infrastructure"
	"licensegate/pkg/contracts/domain"
)

// Sink persists audit entries. *store.Store satisfies it.
type Sink interface {
	AppendAudit(ctx context.Context, e domain.AuditEntry) error
}

// Logger is the server-side audit writer. Failures to persist are logged
// but never surfaced to the caller; auditing must not break the request.
type Logger struct {
	sink Sink
	log  *slog.Logger
}

func NewLogger(sink Sink) *Logger {
	return &Logger{
		sink: sink,
		log:  infrastructure.GetLogger().With("component", "audit"),
	}
}

// Record sanitizes and persists one entry.
func (l *Logger) Record(ctx context.Context, e domain.AuditEntry) {
	e.Payload = SanitizePayload(e.Payload)
	if err := l.sink.AppendAudit(ctx, e); err != nil {
		l.log.ErrorContext(ctx, "audit write failed",
			slog.String("event_type", string(e.EventType)),
			slog.String("error", err.Error()))
	}
}

// sensitiveKeys are redacted from payloads by substring match on the
// lowercased key name.
var sensitiveKeys = []string{
	"password",
	"token",
	"secret",
	"authorization",
	"api_key",
	"apikey",
}

// SanitizePayload returns a copy of the payload with credential-bearing
// values redacted and license keys masked. Nested maps are sanitized
// recursively.
func SanitizePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	clean := make(map[string]any, len(payload))
	for k, v := range payload {
		lower := strings.ToLower(k)
		switch {
		// License keys keep their masked prefix/suffix for correlation,
		// so this case must win over the generic "_key" redaction.
		case lower == "license_key" || lower == "licensekey":
			if s, ok := v.(string); ok {
				clean[k] = MaskLicenseKey(s)
			} else {
				clean[k] = "[REDACTED]"
			}
		case isSensitiveKey(lower):
			clean[k] = "[REDACTED]"
		default:
			if nested, ok := v.(map[string]any); ok {
				clean[k] = SanitizePayload(nested)
			} else {
				clean[k] = v
			}
		}
	}
	return clean
}

func isSensitiveKey(lower string) bool {
	if lower == "key" || strings.HasSuffix(lower, "_key") {
		return true
	}
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// MaskLicenseKey keeps the first three and last four characters of a key.
// Short keys are fully masked.
func MaskLicenseKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:3] + strings.Repeat("*", len(key)-7) + key[len(key)-4:]
}

// Entry is a convenience constructor stamping the current time.
func Entry(event domain.AuditEventType, userID string, success bool) domain.AuditEntry {
	return domain.AuditEntry{
		EventType: event,
		UserID:    userID,
		Success:   success,
		CreatedAt: time.Now().UTC(),
	}
}
