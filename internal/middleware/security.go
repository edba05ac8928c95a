package middleware

import (
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"licensegate/internal/audit"
	apperrors "licensegate/internal/errors"
	"licensegate/internal/infrastructure"
	"licensegate/internal/security"
	"licensegate/pkg/contracts/domain"
)

// SecurityScreen rejects requests failing the transport-level security
// checks before they reach any handler. Violations are audited with the
// violation detail; the client only ever sees the generic 403.
func SecurityScreen(checker *security.Checker, auditor *audit.Logger, metrics *infrastructure.GateMetrics) func(next http.Handler) http.Handler {
	logger := infrastructure.GetLogger().With(slog.String("component", "security_screen"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v := checker.CheckRequest(r); v != nil {
				ctx := r.Context()
				logger.WarnContext(ctx, "request blocked",
					slog.String("violation", v.String()),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("path", r.URL.Path),
				)
				if metrics != nil {
					metrics.SecurityRejects.Add(ctx, 1,
						metric.WithAttributes(attribute.String("kind", string(v.Kind))))
				}
				entry := audit.Entry(domain.EventSecurityViolation, "", false)
				entry.IP, entry.UserAgent = r.RemoteAddr, r.UserAgent()
				entry.Payload = map[string]any{
					"violation": v.String(),
					"path":      r.URL.Path,
				}
				auditor.Record(ctx, entry)

				apperrors.Respond(w, r, apperrors.Security())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
