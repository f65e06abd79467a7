package models

import "time"

// StatementStatus is the billing state of a statement of account.
type StatementStatus string

const (
	StatementDraft   StatementStatus = "draft"
	StatementIssued  StatementStatus = "issued"
	StatementPaid    StatementStatus = "paid"
	StatementOverdue StatementStatus = "overdue"
)

// Statement is a statement of account owned by exactly one patient.
type Statement struct {
	ID              int64           `json:"id"`
	UserID          int64           `json:"user_id"`
	StatementNumber string          `json:"statement_number"`
	TotalAmount     Cents           `json:"total_amount"`
	IssueDate       time.Time       `json:"issue_date"`
	DueDate         time.Time       `json:"due_date"`
	Status          StatementStatus `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`

	// Latest generated artifacts, as blob store keys.
	QRBlobKey  string `json:"-"`
	PDFBlobKey string `json:"-"`

	Patient  *User     `json:"patient,omitempty"`
	Services []Service `json:"services,omitempty"`
}

// Service is one billed line item of a statement.
type Service struct {
	ID          int64     `json:"id"`
	StatementID int64     `json:"statement_id"`
	Description string    `json:"description"`
	ServiceDate time.Time `json:"service_date"`
	Amount      Cents     `json:"amount"`
}

// Artifacts are the QR and PDF blob keys generated for one capability,
// identified by its token hash and expiry.
type Artifacts struct {
	TokenHash string
	ExpiresAt time.Time
	QRKey     string
	PDFKey    string
}
