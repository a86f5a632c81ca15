package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/org/vxlgateway/internal/apierr"
	"github.com/org/vxlgateway/internal/storage"
)

const maxAuditPage = 1000

// AuditLogHandler handles GET /v1/admin/audit-log
func (s *Server) AuditLogHandler(w http.ResponseWriter, r *http.Request, ex *Exchange) *apierr.Error {
	q := r.URL.Query()
	filter := storage.AuditFilter{
		Action:  q.Get("action"),
		ActorID: q.Get("actor_id"),
		Limit:   100,
	}

	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			return apierr.BadRequest("limit must be a positive integer")
		}
		filter.Limit = min(n, maxAuditPage)
	}
	if o := q.Get("offset"); o != "" {
		n, err := strconv.Atoi(o)
		if err != nil || n < 0 {
			return apierr.BadRequest("offset must be a non-negative integer")
		}
		filter.Offset = n
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return apierr.BadRequest("since must be an RFC 3339 timestamp")
		}
		filter.Since = &t
	}

	events, err := s.auditor.Query(r.Context(), filter)
	if err != nil {
		return apierr.Internal().WithCause(err)
	}
	s.respond(w, ex, http.StatusOK, map[string]any{"data": events})
	return nil
}
