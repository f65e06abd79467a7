package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/org/soaportal/internal/access"
	"github.com/org/soaportal/internal/billing"
	"github.com/org/soaportal/internal/capability"
	"github.com/org/soaportal/internal/users"
	"github.com/org/soaportal/internal/validation"
)

var errEmptyBody = errors.New("empty request body")

func newRequestID() string {
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"errors":[%q]}`, msg)
}

func decodeJSON(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return errEmptyBody
	}
	return err
}

// writeValidation renders field errors as 422.
func writeValidation(w http.ResponseWriter, verr *validation.Errors) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
		"errors": verr.Messages(),
		"fields": verr.Fields,
	})
}

// fail maps service errors to responses. Unknown errors are logged and
// reported as 500 without detail.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validation.Errors
	switch {
	case errors.As(err, &verr):
		writeValidation(w, verr)
	case errors.Is(err, capability.ErrResourceNotFound),
		errors.Is(err, capability.ErrNoCapability),
		errors.Is(err, billing.ErrStatementNotFound),
		errors.Is(err, billing.ErrPatientNotFound),
		errors.Is(err, users.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, access.ErrInvalidOrExpiredLink):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, access.ErrTokenNotFoundOrExpired):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		log.Error().Err(err).Str("request_id", requestIDFromCtx(r.Context())).
			Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// idParam parses a positive integer URL parameter. It writes a 404 and
// returns false when the value is not an id.
func idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusNotFound, "not found")
		return 0, false
	}
	return id, true
}

// pageParam reads ?page=, defaulting to 1.
func pageParam(r *http.Request) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && n > 0 {
		return n
	}
	return 1
}

func intQuery(r *http.Request, name string, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil && n >= 0 {
		return n
	}
	return def
}

// paginated wraps a page of items the way list endpoints return them.
func paginated(data any, p billing.Page) map[string]any {
	return map[string]any{
		"data":         data,
		"current_page": p.CurrentPage,
		"per_page":     p.PerPage,
		"total":        p.Total,
		"last_page":    p.LastPage,
	}
}
