package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/soaportal/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when trying to create a resource that already exists.
var ErrAlreadyExists = errors.New("already exists")

// ErrNoCapability is returned when a statement exists but never had an access token issued.
var ErrNoCapability = errors.New("no capability issued")

// ErrCapabilityChanged is returned when artifacts are recorded for a
// capability that has since been reissued or extended.
var ErrCapabilityChanged = errors.New("capability changed")

// StorageBackend defines the persistence interface for the portal.
type StorageBackend interface {
	// Users
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	ListUsers(ctx context.Context, filter UserFilter) ([]*models.User, int, error)
	UpdateUser(ctx context.Context, user *models.User) error
	DeleteUser(ctx context.Context, id int64) error

	// Sessions
	WriteSession(ctx context.Context, session *models.Session, tokenHash string) error
	GetSession(ctx context.Context, tokenHash string) (*models.Session, error)
	RevokeSession(ctx context.Context, id string) error

	// Statements
	CreateStatement(ctx context.Context, st *models.Statement) error
	GetStatement(ctx context.Context, id int64) (*models.Statement, error)
	ListStatements(ctx context.Context, filter StatementFilter) ([]*models.Statement, int, error)
	// SetStatementArtifacts records artifact keys if a.TokenHash and
	// a.ExpiresAt still match the statement's capability, and returns the
	// keys it replaced. Otherwise ErrCapabilityChanged.
	SetStatementArtifacts(ctx context.Context, id int64, a models.Artifacts) (*models.Artifacts, error)

	// Capabilities. At most one per statement; IssueCapability overwrites.
	IssueCapability(ctx context.Context, rec *models.CapabilityRecord) error
	ExtendCapability(ctx context.Context, statementID int64, expiresAt time.Time) (*models.CapabilityRecord, error)
	GetCapability(ctx context.Context, statementID int64) (*models.CapabilityRecord, error)
	GetCapabilityByTokenHash(ctx context.Context, tokenHash string) (*models.CapabilityRecord, error)

	// Audit
	WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error)

	// Metrics helpers
	CountStatements(ctx context.Context) (int64, error)
	CountActiveCapabilities(ctx context.Context, now time.Time) (int64, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close()
}

// UserFilter specifies user listing parameters. A zero Role lists all roles.
type UserFilter struct {
	Role   models.Role
	Limit  int
	Offset int
}

// StatementFilter specifies statement listing parameters. A zero UserID lists all patients.
type StatementFilter struct {
	UserID int64
	// Only statements that have had access issued.
	WithAccess bool
	Limit      int
	Offset     int
}

// AuditFilter specifies query parameters for audit log retrieval.
type AuditFilter struct {
	Path   string
	Since  *time.Time
	Limit  int
	Offset int
}
