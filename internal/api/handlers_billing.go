package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/org/soaportal/internal/billing"
	"github.com/org/soaportal/pkg/models"
)

// accessSummary is the capability state shown alongside a statement.
type accessSummary struct {
	Status    models.CapabilityStatus `json:"status"`
	ExpiresAt *time.Time              `json:"expires_at,omitempty"`
	IsValid   bool                    `json:"is_valid"`
}

type statementView struct {
	*models.Statement
	Access any `json:"access,omitempty"`
}

func (s *Server) summarize(ctx context.Context, sts []*models.Statement) ([]statementView, error) {
	out := make([]statementView, 0, len(sts))
	for _, st := range sts {
		status, exp, err := s.caps.Status(ctx, st.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, statementView{Statement: st, Access: accessSummary{
			Status:    status,
			ExpiresAt: exp,
			IsValid:   status == models.CapabilityActive,
		}})
	}
	return out, nil
}

// PatientListHandler handles GET /api/patients
func (s *Server) PatientListHandler(w http.ResponseWriter, r *http.Request) {
	patients, err := s.billing.Patients(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": patients})
}

// PatientGetHandler handles GET /api/patients/{id}
func (s *Server) PatientGetHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	patient, sts, err := s.billing.Patient(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{"patient": patient, "statements": sts},
	})
}

// StatementCreateHandler handles POST /api/statements
func (s *Server) StatementCreateHandler(w http.ResponseWriter, r *http.Request) {
	var in billing.CreateInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	st, err := s.billing.CreateStatement(r.Context(), in)
	if err != nil {
		fail(w, r, err)
		return
	}
	s.refreshGauges(r.Context())
	writeJSON(w, http.StatusCreated, map[string]any{"data": st})
}

// StatementListHandler handles GET /api/statements?page=&with_access=
func (s *Server) StatementListHandler(w http.ResponseWriter, r *http.Request) {
	withAccess := r.URL.Query().Get("with_access") == "true"
	sts, page, err := s.billing.Statements(r.Context(), pageParam(r), withAccess)
	if err != nil {
		fail(w, r, err)
		return
	}
	views, err := s.summarize(r.Context(), sts)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paginated(views, page))
}

// StatementGetHandler handles GET /api/statements/{id}
func (s *Server) StatementGetHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	st, err := s.billing.Statement(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	status, err := s.access.Status(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": statementView{Statement: st, Access: status}})
}

// PatientProfileHandler handles GET /api/patient/profile
func (s *Server) PatientProfileHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": userFromCtx(r.Context())})
}

// PatientStatementsHandler handles GET /api/patient/statements?page=
func (s *Server) PatientStatementsHandler(w http.ResponseWriter, r *http.Request) {
	user := userFromCtx(r.Context())
	sts, page, err := s.billing.PatientStatements(r.Context(), user.ID, pageParam(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paginated(sts, page))
}

// PatientStatementHandler handles GET /api/patient/statements/{id}. Statements
// of other patients are reported as missing.
func (s *Server) PatientStatementHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	user := userFromCtx(r.Context())
	st, err := s.billing.PatientStatement(r.Context(), user.ID, id)
	if err != nil {
		if errors.Is(err, billing.ErrStatementNotFound) {
			writeError(w, http.StatusNotFound, "Statement not found or you do not have permission to view it.")
			return
		}
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": st})
}
