package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/org/soaportal/pkg/models"
)

// MemoryBackend is an in-process StorageBackend. It is used by tests and by the
// server when no database URL is configured. Data does not survive a restart.
type MemoryBackend struct {
	mu sync.RWMutex

	users    map[int64]*models.User
	sessions map[string]*models.Session // by token hash
	stmts    map[int64]*models.Statement
	caps     map[int64]*models.CapabilityRecord
	byHash   map[string]int64
	audit    []*models.AuditEntry

	nextUserID    int64
	nextStmtID    int64
	nextServiceID int64
	nextAuditID   int64
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		users:    make(map[int64]*models.User),
		sessions: make(map[string]*models.Session),
		stmts:    make(map[int64]*models.Statement),
		caps:     make(map[int64]*models.CapabilityRecord),
		byHash:   make(map[string]int64),
	}
}

func (m *MemoryBackend) Ping(ctx context.Context) error { return nil }

func (m *MemoryBackend) Close() {}

// --- Users ---

func (m *MemoryBackend) CreateUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if strings.EqualFold(u.Email, user.Email) {
			return fmt.Errorf("%w: users_email_key", ErrAlreadyExists)
		}
	}
	m.nextUserID++
	now := time.Now().UTC()
	user.ID = m.nextUserID
	user.CreatedAt, user.UpdatedAt = now, now
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *MemoryBackend) GetUser(ctx context.Context, id int64) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryBackend) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryBackend) ListUsers(ctx context.Context, filter UserFilter) ([]*models.User, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*models.User
	for _, u := range m.users {
		if filter.Role != "" && u.Role != filter.Role {
			continue
		}
		cp := *u
		all = append(all, &cp)
	}
	if filter.Role == models.RolePatient {
		sort.Slice(all, func(i, j int) bool {
			if all[i].Name != all[j].Name {
				return all[i].Name < all[j].Name
			}
			return all[i].ID < all[j].ID
		})
	} else {
		sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	}
	return page(all, filter.Limit, filter.Offset), len(all), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (m *MemoryBackend) UpdateUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.users[user.ID]
	if !ok {
		return ErrNotFound
	}
	for id, u := range m.users {
		if id != user.ID && strings.EqualFold(u.Email, user.Email) {
			return fmt.Errorf("%w: users_email_key", ErrAlreadyExists)
		}
	}
	user.CreatedAt = existing.CreatedAt
	user.UpdatedAt = time.Now().UTC()
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *MemoryBackend) DeleteUser(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[id]; !ok {
		return ErrNotFound
	}
	delete(m.users, id)
	for hash, s := range m.sessions {
		if s.UserID == id {
			delete(m.sessions, hash)
		}
	}
	for sid, st := range m.stmts {
		if st.UserID == id {
			if rec := m.caps[sid]; rec != nil {
				delete(m.byHash, rec.TokenHash)
			}
			delete(m.caps, sid)
			delete(m.stmts, sid)
		}
	}
	return nil
}

// --- Sessions ---

func (m *MemoryBackend) WriteSession(ctx context.Context, s *models.Session, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[tokenHash]; exists {
		return ErrAlreadyExists
	}
	cp := *s
	m.sessions[tokenHash] = &cp
	return nil
}

func (m *MemoryBackend) GetSession(ctx context.Context, tokenHash string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryBackend) RevokeSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for _, s := range m.sessions {
		if s.ID == id && s.RevokedAt == nil {
			s.RevokedAt = &now
		}
	}
	return nil
}

// --- Statements ---

func copyStatement(st *models.Statement) *models.Statement {
	cp := *st
	cp.Services = append([]models.Service(nil), st.Services...)
	cp.Patient = nil
	return &cp
}

func (m *MemoryBackend) CreateStatement(ctx context.Context, st *models.Statement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[st.UserID]; !ok {
		return fmt.Errorf("inserting statement: %w", ErrNotFound)
	}
	m.nextStmtID++
	now := time.Now().UTC()
	st.ID = m.nextStmtID
	st.StatementNumber = StatementNumber(st.ID)
	st.CreatedAt, st.UpdatedAt = now, now
	if st.Status == "" {
		st.Status = models.StatementDraft
	}
	for i := range st.Services {
		m.nextServiceID++
		st.Services[i].ID = m.nextServiceID
		st.Services[i].StatementID = st.ID
	}
	m.stmts[st.ID] = copyStatement(st)
	return nil
}

func (m *MemoryBackend) withPatient(st *models.Statement) *models.Statement {
	cp := copyStatement(st)
	if u, ok := m.users[st.UserID]; ok {
		pt := *u
		cp.Patient = &pt
	}
	return cp
}

func (m *MemoryBackend) GetStatement(ctx context.Context, id int64) (*models.Statement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.stmts[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := m.withPatient(st)
	sort.SliceStable(out.Services, func(i, j int) bool {
		return out.Services[i].ServiceDate.Before(out.Services[j].ServiceDate)
	})
	return out, nil
}

func (m *MemoryBackend) ListStatements(ctx context.Context, filter StatementFilter) ([]*models.Statement, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*models.Statement
	for _, st := range m.stmts {
		if filter.UserID != 0 && st.UserID != filter.UserID {
			continue
		}
		if filter.WithAccess && m.caps[st.ID] == nil {
			continue
		}
		cp := m.withPatient(st)
		cp.Services = nil
		all = append(all, cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	return page(all, filter.Limit, filter.Offset), len(all), nil
}

func (m *MemoryBackend) SetStatementArtifacts(ctx context.Context, id int64, a models.Artifacts) (*models.Artifacts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.stmts[id]
	if !ok {
		return nil, ErrNotFound
	}
	rec := m.caps[id]
	if rec == nil || rec.TokenHash != a.TokenHash || !rec.ExpiresAt.Equal(a.ExpiresAt) {
		return nil, ErrCapabilityChanged
	}
	prev := &models.Artifacts{QRKey: st.QRBlobKey, PDFKey: st.PDFBlobKey}
	st.QRBlobKey, st.PDFBlobKey = a.QRKey, a.PDFKey
	st.UpdatedAt = time.Now().UTC()
	return prev, nil
}

func (m *MemoryBackend) CountStatements(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.stmts)), nil
}

// --- Capabilities ---

func (m *MemoryBackend) IssueCapability(ctx context.Context, rec *models.CapabilityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.stmts[rec.StatementID]; !ok {
		return ErrNotFound
	}
	if owner, taken := m.byHash[rec.TokenHash]; taken && owner != rec.StatementID {
		return fmt.Errorf("writing capability: %w", ErrAlreadyExists)
	}
	if prev := m.caps[rec.StatementID]; prev != nil {
		delete(m.byHash, prev.TokenHash)
	}
	cp := *rec
	m.caps[rec.StatementID] = &cp
	m.byHash[rec.TokenHash] = rec.StatementID
	return nil
}

func (m *MemoryBackend) ExtendCapability(ctx context.Context, statementID int64, expiresAt time.Time) (*models.CapabilityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.stmts[statementID]; !ok {
		return nil, ErrNotFound
	}
	rec, ok := m.caps[statementID]
	if !ok {
		return nil, ErrNoCapability
	}
	rec.ExpiresAt = expiresAt
	cp := *rec
	return &cp, nil
}

func (m *MemoryBackend) GetCapability(ctx context.Context, statementID int64) (*models.CapabilityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.stmts[statementID]; !ok {
		return nil, ErrNotFound
	}
	rec, ok := m.caps[statementID]
	if !ok {
		return &models.CapabilityRecord{StatementID: statementID}, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryBackend) GetCapabilityByTokenHash(ctx context.Context, tokenHash string) (*models.CapabilityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byHash[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.caps[id]
	return &cp, nil
}

func (m *MemoryBackend) CountActiveCapabilities(ctx context.Context, now time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, rec := range m.caps {
		if rec.Status(now) == models.CapabilityActive {
			n++
		}
	}
	return n, nil
}

// --- Audit ---

func (m *MemoryBackend) WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextAuditID++
	cp := *entry
	cp.ID = m.nextAuditID
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *MemoryBackend) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if filter.Path != "" && !strings.HasPrefix(e.Path, filter.Path) {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return page(out, filter.Limit, filter.Offset), nil
}
