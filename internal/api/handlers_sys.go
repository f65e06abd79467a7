package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/org/soaportal/internal/blob"
)

// HealthHandler handles GET /api/health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbOK := true
	if err := s.store.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("database ping failed")
		dbOK = false
	}
	code, status := http.StatusOK, "ok"
	if !dbOK {
		code, status = http.StatusServiceUnavailable, "degraded"
	} else {
		s.refreshGauges(ctx)
	}
	writeJSON(w, code, map[string]any{
		"status":   status,
		"database": dbOK,
	})
}

// StorageHandler serves generated artifacts of one kind from GET /storage/{kind}/*.
func (s *Server) StorageHandler(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, ct, err := s.blobs.Get(r.Context(), kind+"/"+chi.URLParam(r, "*"))
		if err != nil {
			if errors.Is(err, blob.ErrBlobNotFound) || errors.Is(err, blob.ErrInvalidKey) ||
				errors.Is(err, blob.ErrInvalidContentType) {
				writeError(w, http.StatusNotFound, "not found")
				return
			}
			fail(w, r, err)
			return
		}
		w.Header().Set("Content-Type", ct)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		w.Write(data) //nolint:errcheck
	}
}
