package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/org/soaportal/internal/storage"
	"github.com/org/soaportal/internal/validation"
	"github.com/org/soaportal/pkg/models"
)

func cents(v int64) *models.Cents {
	c := models.Cents(v)
	return &c
}

func setup(t *testing.T) (*Service, *models.User, *models.User) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryBackend()
	patient := &models.User{Name: "Jane Patient", Email: "jane@example.com", Role: models.RolePatient}
	admin := &models.User{Name: "Admin", Email: "admin@example.com", Role: models.RoleAdmin}
	for _, u := range []*models.User{patient, admin} {
		if err := store.CreateUser(ctx, u); err != nil {
			t.Fatal(err)
		}
	}
	return NewService(store), patient, admin
}

func validStatement(patientID int64) CreateInput {
	return CreateInput{
		PatientID: patientID,
		IssueDate: "2025-03-01",
		DueDate:   "2025-03-31",
		Services: []ServiceInput{
			{Description: "Consultation", Date: "2025-02-27", Amount: cents(50000)},
			{Description: "Laboratory Tests", Date: "2025-02-28", Amount: cents(27550)},
		},
	}
}

func TestCreateStatement(t *testing.T) {
	svc, patient, _ := setup(t)
	st, err := svc.CreateStatement(context.Background(), validStatement(patient.ID))
	if err != nil {
		t.Fatalf("CreateStatement: %v", err)
	}
	if st.StatementNumber != "SOA-00000001" {
		t.Errorf("number = %s", st.StatementNumber)
	}
	if st.TotalAmount != 77550 || st.TotalAmount.String() != "775.50" {
		t.Errorf("total = %s", st.TotalAmount)
	}
	if st.Status != models.StatementIssued || len(st.Services) != 2 || st.Patient == nil {
		t.Errorf("unexpected statement %+v", st)
	}
}

func TestCreateStatementValidation(t *testing.T) {
	svc, patient, admin := setup(t)
	ctx := context.Background()

	cases := map[string]func(in *CreateInput){
		"patient_id": func(in *CreateInput) { in.PatientID = admin.ID },
		"due_date":   func(in *CreateInput) { in.DueDate = "2025-03-01" },
		"issue_date": func(in *CreateInput) { in.IssueDate = "yesterday" },
		"services":   func(in *CreateInput) { in.Services = nil },
		"services.0.amount": func(in *CreateInput) {
			in.Services[0].Amount = cents(-1)
		},
		"services.1.description": func(in *CreateInput) { in.Services[1].Description = " " },
	}
	for field, mutate := range cases {
		in := validStatement(patient.ID)
		mutate(&in)
		_, err := svc.CreateStatement(ctx, in)
		var verrs *validation.Errors
		if !errors.As(err, &verrs) || !verrs.Has(field) {
			t.Errorf("%s: expected validation error, got %v", field, err)
		}
	}
}

func TestPatientScopedAccess(t *testing.T) {
	svc, patient, _ := setup(t)
	ctx := context.Background()
	st, _ := svc.CreateStatement(ctx, validStatement(patient.ID))

	if _, err := svc.PatientStatement(ctx, patient.ID, st.ID); err != nil {
		t.Errorf("own statement: %v", err)
	}
	if _, err := svc.PatientStatement(ctx, patient.ID+100, st.ID); !errors.Is(err, ErrStatementNotFound) {
		t.Errorf("other patient: expected ErrStatementNotFound, got %v", err)
	}

	list, page, err := svc.PatientStatements(ctx, patient.ID, 1)
	if err != nil || len(list) != 1 || page.Total != 1 || page.LastPage != 1 {
		t.Errorf("PatientStatements: %d %+v %v", len(list), page, err)
	}
}

func TestPatients(t *testing.T) {
	svc, patient, admin := setup(t)
	ctx := context.Background()

	pts, err := svc.Patients(ctx)
	if err != nil || len(pts) != 1 || pts[0].ID != patient.ID {
		t.Errorf("Patients: %v %v", pts, err)
	}
	if _, _, err := svc.Patient(ctx, admin.ID); !errors.Is(err, ErrPatientNotFound) {
		t.Errorf("admin as patient: %v", err)
	}
}

func TestNewPage(t *testing.T) {
	if p := NewPage(2, 21); p.LastPage != 3 || p.PerPage != PageSize {
		t.Errorf("NewPage = %+v", p)
	}
	if p := NewPage(1, 0); p.LastPage != 1 {
		t.Errorf("empty NewPage = %+v", p)
	}
}
