package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/soaportal/internal/storage"
	"github.com/org/soaportal/pkg/models"
)

// Capability event operations.
const (
	EventAccessIssued   = "access.issued"
	EventAccessExtended = "access.extended"
	EventAccessViewed   = "access.viewed"
	EventAccessDenied   = "access.denied"
)

// Store is the subset of storage the audit logger needs.
type Store interface {
	WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	QueryAuditLog(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error)
}

// Logger writes structured audit entries.
type Logger struct {
	store Store
	now   func() time.Time
}

// NewLogger creates an audit Logger.
func NewLogger(store Store) *Logger {
	return &Logger{store: store, now: time.Now}
}

// LogRequest records an API request to the audit log. Bearer tokens and
// capability tokens must never be passed here.
func (l *Logger) LogRequest(ctx context.Context, entry *models.AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}
	if err := l.store.WriteAuditEntry(ctx, entry); err != nil {
		log.Warn().Err(err).Str("path", entry.Path).Msg("writing audit entry")
	}
}

// CapabilityEvent describes an issue, extend, view or denial of statement access.
type CapabilityEvent struct {
	RequestID   string
	UserID      *int64
	Operation   string
	StatementID int64
	TokenHash   string
	Reason      string
	ClientIP    string
	ExpiresAt   *time.Time
}

// LogCapabilityEvent records a capability lifecycle event. Only a short prefix
// of the token hash is kept.
func (l *Logger) LogCapabilityEvent(ctx context.Context, ev CapabilityEvent) {
	meta := map[string]any{}
	if ev.StatementID != 0 {
		meta["statement_id"] = ev.StatementID
	}
	if ev.TokenHash != "" {
		meta["token_hash_prefix"] = HashPrefix(ev.TokenHash)
	}
	if ev.Reason != "" {
		meta["reason"] = ev.Reason
	}
	if ev.ExpiresAt != nil {
		meta["expires_at"] = ev.ExpiresAt.UTC().Format(time.RFC3339)
	}
	status := "granted"
	if ev.Operation == EventAccessDenied {
		status = "denied"
	}
	l.LogRequest(ctx, &models.AuditEntry{
		RequestID: ev.RequestID,
		UserID:    ev.UserID,
		Operation: ev.Operation,
		Path:      "capability",
		Status:    status,
		ClientIP:  ev.ClientIP,
		Metadata:  meta,
	})
}

// HashPrefix shortens a token hash for logs.
func HashPrefix(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// Query retrieves paginated audit log entries.
func (l *Logger) Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error) {
	return l.store.QueryAuditLog(ctx, filter)
}
