package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/org/soaportal/internal/access"
	"github.com/org/soaportal/internal/audit"
	"github.com/org/soaportal/internal/crypto"
	"github.com/org/soaportal/internal/validation"
)

type expiryRequest struct {
	ExpiryDays *int `json:"expiry_days"`
}

// decodeExpiry reads an optional expiry_days body. An empty body is allowed.
func decodeExpiry(r *http.Request, dst any) error {
	if err := decodeJSON(r, dst); err != nil && !errors.Is(err, errEmptyBody) {
		return err
	}
	return nil
}

func (s *Server) recordGrant(r *http.Request, op string, g *access.Grant) {
	capabilitiesIssued.WithLabelValues(op).Inc()
	event := audit.EventAccessIssued
	if op == "extend" {
		event = audit.EventAccessExtended
	}
	exp := g.ExpiresAt
	s.auditor.LogCapabilityEvent(r.Context(), audit.CapabilityEvent{
		RequestID:   requestIDFromCtx(r.Context()),
		UserID:      callerID(r.Context()),
		Operation:   event,
		StatementID: g.StatementID,
		TokenHash:   crypto.HashToken(g.Token),
		ClientIP:    clientIP(r),
		ExpiresAt:   &exp,
	})
	s.refreshGauges(r.Context())
}

func (s *Server) issue(w http.ResponseWriter, r *http.Request, statementID int64, days *int) {
	g, err := s.access.Issue(r.Context(), statementID, days)
	if err != nil {
		fail(w, r, err)
		return
	}
	s.recordGrant(r, "issue", g)
	writeJSON(w, http.StatusOK, map[string]any{"data": g})
}

// AccessIssueHandler handles POST /api/statements/{id}/access
func (s *Server) AccessIssueHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req expiryRequest
	if err := decodeExpiry(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.issue(w, r, id, req.ExpiryDays)
}

// GenerateQRHandler handles POST /api/statements/generate-qr. When patient_id
// is given the statement must belong to that patient.
func (s *Server) GenerateQRHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StatementID int64 `json:"statement_id"`
		PatientID   int64 `json:"patient_id"`
		ExpiryDays  *int  `json:"expiry_days"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.StatementID < 1 {
		fail(w, r, validation.Field("statement_id", "The statement id field is required."))
		return
	}
	if req.PatientID != 0 {
		if _, _, err := s.billing.Patient(r.Context(), req.PatientID); err != nil {
			fail(w, r, err)
			return
		}
		st, err := s.billing.Statement(r.Context(), req.StatementID)
		if err != nil {
			fail(w, r, err)
			return
		}
		if st.UserID != req.PatientID {
			log.Warn().Int64("statement_id", st.ID).Int64("patient_id", req.PatientID).
				Msg("statement does not belong to patient")
			writeError(w, http.StatusForbidden, "Statement does not belong to this patient")
			return
		}
	}
	s.issue(w, r, req.StatementID, req.ExpiryDays)
}

// AccessExtendHandler handles PUT /api/statements/{id}/access
func (s *Server) AccessExtendHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req expiryRequest
	if err := decodeExpiry(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ExpiryDays == nil {
		fail(w, r, validation.Field("expiry_days", "The expiry days field is required."))
		return
	}
	g, err := s.access.Extend(r.Context(), id, *req.ExpiryDays)
	if err != nil {
		fail(w, r, err)
		return
	}
	s.recordGrant(r, "extend", g)
	writeJSON(w, http.StatusOK, map[string]any{"data": g})
}

// AccessStatusHandler handles GET /api/statements/{id}/access
func (s *Server) AccessStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	st, err := s.access.Status(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": st})
}

// ViewStatementHandler handles GET /api/statements/view. It is reached through
// a signed link without a session and answers with the statement PDF.
func (s *Server) ViewStatementHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Referrer-Policy", "no-referrer")

	tokenHash := ""
	if tok := r.URL.Query().Get(access.TokenParam); tok != "" {
		tokenHash = crypto.HashToken(tok)
	}
	ev := audit.CapabilityEvent{
		RequestID: requestIDFromCtx(r.Context()),
		TokenHash: tokenHash,
		ClientIP:  clientIP(r),
	}

	st, pdf, err := s.access.View(r.Context(), r.URL)
	if err != nil {
		outcome := outcomeError
		switch {
		case errors.Is(err, access.ErrInvalidOrExpiredLink):
			outcome = outcomeInvalidLink
		case errors.Is(err, access.ErrTokenNotFoundOrExpired):
			outcome = outcomeNotFound
		}
		capabilityResolutions.WithLabelValues(outcome).Inc()
		ev.Operation, ev.Reason = audit.EventAccessDenied, outcome
		s.auditor.LogCapabilityEvent(r.Context(), ev)
		fail(w, r, err)
		return
	}

	capabilityResolutions.WithLabelValues(outcomeGranted).Inc()
	ev.Operation, ev.StatementID = audit.EventAccessViewed, st.ID
	s.auditor.LogCapabilityEvent(r.Context(), ev)

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `inline; filename="statement_of_account.pdf"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(pdf)))
	w.WriteHeader(http.StatusOK)
	w.Write(pdf) //nolint:errcheck
}
