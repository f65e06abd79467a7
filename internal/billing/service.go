// Package billing creates and lists statements of account.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/soaportal/internal/storage"
	"github.com/org/soaportal/internal/validation"
	"github.com/org/soaportal/pkg/models"
)

var (
	ErrPatientNotFound   = errors.New("patient not found")
	ErrStatementNotFound = errors.New("statement not found")
)

// PageSize is the number of rows per listing page.
const PageSize = 10

const maxDescriptionLen = 255

// Store is the subset of storage billing needs.
type Store interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	ListUsers(ctx context.Context, filter storage.UserFilter) ([]*models.User, int, error)
	CreateStatement(ctx context.Context, st *models.Statement) error
	GetStatement(ctx context.Context, id int64) (*models.Statement, error)
	ListStatements(ctx context.Context, filter storage.StatementFilter) ([]*models.Statement, int, error)
}

// Service implements statement and patient queries for staff and patients.
type Service struct {
	store Store
}

// NewService creates a billing Service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Page describes a slice of a listing.
type Page struct {
	CurrentPage int `json:"current_page"`
	PerPage     int `json:"per_page"`
	Total       int `json:"total"`
	LastPage    int `json:"last_page"`
}

// NewPage computes page metadata. page is 1-based.
func NewPage(page, total int) Page {
	last := (total + PageSize - 1) / PageSize
	if last < 1 {
		last = 1
	}
	return Page{CurrentPage: page, PerPage: PageSize, Total: total, LastPage: last}
}

func offset(page int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * PageSize
}

// Patients lists all patients ordered by name.
func (s *Service) Patients(ctx context.Context) ([]*models.User, error) {
	users, _, err := s.store.ListUsers(ctx, storage.UserFilter{Role: models.RolePatient})
	return users, err
}

// Patient returns a patient and their statements, newest first.
func (s *Service) Patient(ctx context.Context, id int64) (*models.User, []*models.Statement, error) {
	u, err := s.patient(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	sts, _, err := s.store.ListStatements(ctx, storage.StatementFilter{UserID: id})
	if err != nil {
		return nil, nil, err
	}
	return u, sts, nil
}

func (s *Service) patient(ctx context.Context, id int64) (*models.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	if u.Role != models.RolePatient {
		return nil, ErrPatientNotFound
	}
	return u, nil
}

// ServiceInput is one line item of a new statement.
type ServiceInput struct {
	Description string        `json:"description"`
	Date        string        `json:"date"`
	Amount      *models.Cents `json:"amount"`
}

// CreateInput is the body of a new statement.
type CreateInput struct {
	PatientID int64          `json:"patient_id"`
	IssueDate string         `json:"issue_date"`
	DueDate   string         `json:"due_date"`
	Services  []ServiceInput `json:"services"`
}

var dateLayouts = []string{"2006-01-02", time.RFC3339}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// CreateStatement validates in and stores an issued statement whose total is
// the sum of its services.
func (s *Service) CreateStatement(ctx context.Context, in CreateInput) (*models.Statement, error) {
	v := validation.New()

	if in.PatientID == 0 {
		v.Add("patient_id", "The patient id field is required.")
	} else if _, err := s.patient(ctx, in.PatientID); err != nil {
		if !errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		v.Add("patient_id", "The selected patient id is invalid.")
	}

	issue, okIssue := parseDate(in.IssueDate)
	v.Check(okIssue, "issue_date", "The issue date is not a valid date.")
	due, okDue := parseDate(in.DueDate)
	v.Check(okDue, "due_date", "The due date is not a valid date.")
	if okIssue && okDue {
		v.Check(due.After(issue), "due_date", "The due date must be a date after issue date.")
	}

	v.Check(len(in.Services) > 0, "services", "The services must have at least 1 items.")
	st := &models.Statement{
		UserID:    in.PatientID,
		IssueDate: issue,
		DueDate:   due,
		Status:    models.StatementIssued,
	}
	for i, svc := range in.Services {
		field := fmt.Sprintf("services.%d", i)
		desc := strings.TrimSpace(svc.Description)
		v.Check(desc != "", field+".description", "The %s.description field is required.", field)
		v.Check(len(desc) <= maxDescriptionLen, field+".description",
			"The %s.description may not be greater than %d characters.", field, maxDescriptionLen)
		date, ok := parseDate(svc.Date)
		v.Check(ok, field+".date", "The %s.date is not a valid date.", field)
		if svc.Amount == nil {
			v.Add(field+".amount", "The %s.amount field is required.", field)
			continue
		}
		v.Check(*svc.Amount >= 0, field+".amount", "The %s.amount must be at least 0.", field)
		st.Services = append(st.Services, models.Service{Description: desc, ServiceDate: date, Amount: *svc.Amount})
		st.TotalAmount += *svc.Amount
	}
	if err := v.Err(); err != nil {
		return nil, err
	}

	if err := s.store.CreateStatement(ctx, st); err != nil {
		return nil, fmt.Errorf("creating statement: %w", err)
	}
	log.Info().Int64("statement_id", st.ID).Str("number", st.StatementNumber).
		Int64("patient_id", st.UserID).Str("total", st.TotalAmount.String()).Msg("statement created")
	return s.Statement(ctx, st.ID)
}

// Statements lists all statements newest first.
func (s *Service) Statements(ctx context.Context, page int, withAccess bool) ([]*models.Statement, Page, error) {
	sts, total, err := s.store.ListStatements(ctx, storage.StatementFilter{
		WithAccess: withAccess, Limit: PageSize, Offset: offset(page),
	})
	if err != nil {
		return nil, Page{}, err
	}
	return sts, NewPage(max(page, 1), total), nil
}

// Statement returns a statement with its patient and services.
func (s *Service) Statement(ctx context.Context, id int64) (*models.Statement, error) {
	st, err := s.store.GetStatement(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrStatementNotFound
		}
		return nil, err
	}
	return st, nil
}

// PatientStatements lists one patient's statements newest first.
func (s *Service) PatientStatements(ctx context.Context, patientID int64, page int) ([]*models.Statement, Page, error) {
	sts, total, err := s.store.ListStatements(ctx, storage.StatementFilter{
		UserID: patientID, Limit: PageSize, Offset: offset(page),
	})
	if err != nil {
		return nil, Page{}, err
	}
	return sts, NewPage(max(page, 1), total), nil
}

// PatientStatement returns a statement only if it belongs to patientID.
func (s *Service) PatientStatement(ctx context.Context, patientID, id int64) (*models.Statement, error) {
	st, err := s.Statement(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.UserID != patientID {
		return nil, ErrStatementNotFound
	}
	return st, nil
}
