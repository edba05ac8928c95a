package http

import (
	"net/http"
	"time"

	"github.com/go-chi/render"

	"licensegate/internal/audit"
	apperrors "licensegate/internal/errors"
	"licensegate/pkg/contracts/domain"
)

const maxIngestBatch = 200

// AuditIngestHandler accepts batched audit entries from clients at
// POST /api/audit/batch. Entries are sanitized again server-side; the
// client is not trusted to have done it.
type AuditIngestHandler struct {
	auditor *audit.Logger
}

func NewAuditIngestHandler(auditor *audit.Logger) *AuditIngestHandler {
	return &AuditIngestHandler{auditor: auditor}
}

type ingestRequest struct {
	Entries []domain.AuditEntry `json:"entries"`
}

func (h *AuditIngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		apperrors.Respond(w, r, apperrors.Invalid("malformed JSON body"))
		return
	}
	if len(req.Entries) == 0 {
		apperrors.Respond(w, r, apperrors.Invalid("entries is required"))
		return
	}
	if len(req.Entries) > maxIngestBatch {
		apperrors.Respond(w, r, apperrors.Invalid("batch too large"))
		return
	}

	ip := clientIP(r)
	for _, e := range req.Entries {
		// Never trust client-supplied transport metadata or ids.
		e.ID = ""
		e.IP = ip
		if e.CreatedAt.IsZero() || e.CreatedAt.After(time.Now().Add(time.Minute)) {
			e.CreatedAt = time.Now().UTC()
		}
		h.auditor.Record(r.Context(), e)
	}

	respondOK(w, r, map[string]any{"accepted": len(req.Entries)})
}
