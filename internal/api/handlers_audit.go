package api

import (
	"net/http"
	"time"

	"github.com/org/soaportal/internal/storage"
)

// AuditLogHandler handles GET /api/audit-log?path=&since=&limit=&offset=
func (s *Server) AuditLogHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.AuditFilter{
		Path:   q.Get("path"),
		Limit:  intQuery(r, "limit", 100),
		Offset: intQuery(r, "offset", 0),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = &t
	}

	entries, err := s.auditor.Query(r.Context(), filter)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": entries})
}
