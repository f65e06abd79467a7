package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/soaportal/pkg/models"
)

const pgUniqueViolation = "23505"

// PostgresBackend is a StorageBackend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

func (p *PostgresBackend) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, pgErr.ConstraintName)
	}
	return err
}

// --- Users ---

const userColumns = `id, name, email, password_hash, role, created_at, updated_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	var role string
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &role, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	u.Role = models.Role(role)
	return &u, nil
}

func (p *PostgresBackend) CreateUser(ctx context.Context, user *models.User) error {
	err := p.pool.QueryRow(ctx,
		`INSERT INTO users (name, email, password_hash, role, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NOW(), NOW())
		 RETURNING id, created_at, updated_at`,
		user.Name, user.Email, user.PasswordHash, string(user.Role),
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	return mapErr(err)
}

func (p *PostgresBackend) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return scanUser(p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (p *PostgresBackend) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanUser(p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email))
}

func (p *PostgresBackend) ListUsers(ctx context.Context, filter UserFilter) ([]*models.User, int, error) {
	where := ` WHERE ($1::text = '' OR role = $1)`
	var total int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`+where, string(filter.Role)).Scan(&total); err != nil {
		return nil, 0, err
	}

	order := ` ORDER BY created_at DESC, id DESC`
	if filter.Role == models.RolePatient {
		order = ` ORDER BY name, id`
	}
	query := `SELECT ` + userColumns + ` FROM users` + where + order + ` LIMIT $2 OFFSET $3`
	rows, err := p.pool.Query(ctx, query, string(filter.Role), limitOrAll(filter.Limit), filter.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}
	return users, total, rows.Err()
}

// limitOrAll maps a non-positive limit to NULL, which Postgres treats as LIMIT ALL.
func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func (p *PostgresBackend) UpdateUser(ctx context.Context, user *models.User) error {
	err := p.pool.QueryRow(ctx,
		`UPDATE users SET name = $2, email = $3, password_hash = $4, role = $5, updated_at = NOW()
		 WHERE id = $1
		 RETURNING updated_at`,
		user.ID, user.Name, user.Email, user.PasswordHash, string(user.Role),
	).Scan(&user.UpdatedAt)
	return mapErr(err)
}

func (p *PostgresBackend) DeleteUser(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Sessions ---

func (p *PostgresBackend) WriteSession(ctx context.Context, s *models.Session, tokenHash string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO sessions (id, token_hash, user_id, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		s.ID, tokenHash, s.UserID, s.CreatedAt, nullableTime(s.ExpiresAt),
	)
	return mapErr(err)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (p *PostgresBackend) GetSession(ctx context.Context, tokenHash string) (*models.Session, error) {
	var s models.Session
	var expiresAt *time.Time
	err := p.pool.QueryRow(ctx,
		`SELECT id, user_id, created_at, expires_at, revoked_at FROM sessions WHERE token_hash = $1`,
		tokenHash,
	).Scan(&s.ID, &s.UserID, &s.CreatedAt, &expiresAt, &s.RevokedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if expiresAt != nil {
		s.ExpiresAt = *expiresAt
	}
	return &s, nil
}

func (p *PostgresBackend) RevokeSession(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE sessions SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL`, id)
	return err
}

// --- Statements ---

const statementColumns = `s.id, s.user_id, COALESCE(s.statement_number, ''), s.total_amount_cents,
	s.issue_date, s.due_date, s.status, s.created_at, s.updated_at, s.qr_blob_key, s.pdf_blob_key`

func scanStatement(row pgx.Row, extra ...any) (*models.Statement, error) {
	var st models.Statement
	var total int64
	var status string
	var issue, due *time.Time
	dest := []any{&st.ID, &st.UserID, &st.StatementNumber, &total, &issue, &due, &status,
		&st.CreatedAt, &st.UpdatedAt, &st.QRBlobKey, &st.PDFBlobKey}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, mapErr(err)
	}
	st.TotalAmount = models.Cents(total)
	st.Status = models.StatementStatus(status)
	if issue != nil {
		st.IssueDate = *issue
	}
	if due != nil {
		st.DueDate = *due
	}
	return &st, nil
}

// CreateStatement inserts the statement and its services in one transaction and
// assigns the statement number from the new row id.
func (p *PostgresBackend) CreateStatement(ctx context.Context, st *models.Statement) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var status string
	err = tx.QueryRow(ctx,
		`INSERT INTO statements (user_id, total_amount_cents, issue_date, due_date, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		 RETURNING id, status, created_at, updated_at`,
		st.UserID, int64(st.TotalAmount), st.IssueDate, st.DueDate, string(st.Status),
	).Scan(&st.ID, &status, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting statement: %w", mapErr(err))
	}
	st.Status = models.StatementStatus(status)

	st.StatementNumber = StatementNumber(st.ID)
	if _, err := tx.Exec(ctx, `UPDATE statements SET statement_number = $2 WHERE id = $1`,
		st.ID, st.StatementNumber); err != nil {
		return fmt.Errorf("numbering statement: %w", mapErr(err))
	}

	for i := range st.Services {
		svc := &st.Services[i]
		svc.StatementID = st.ID
		err := tx.QueryRow(ctx,
			`INSERT INTO services (statement_id, description, service_date, amount_cents)
			 VALUES ($1, $2, $3, $4) RETURNING id`,
			st.ID, svc.Description, svc.ServiceDate, int64(svc.Amount),
		).Scan(&svc.ID)
		if err != nil {
			return fmt.Errorf("inserting service: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// StatementNumber formats the human-facing statement number for id.
func StatementNumber(id int64) string {
	return fmt.Sprintf("SOA-%08d", id)
}

func (p *PostgresBackend) GetStatement(ctx context.Context, id int64) (*models.Statement, error) {
	var pt models.User
	var role string
	st, err := scanStatement(p.pool.QueryRow(ctx,
		`SELECT `+statementColumns+`, u.id, u.name, u.email, u.role, u.created_at, u.updated_at
		 FROM statements s JOIN users u ON u.id = s.user_id
		 WHERE s.id = $1`, id),
		&pt.ID, &pt.Name, &pt.Email, &role, &pt.CreatedAt, &pt.UpdatedAt)
	if err != nil {
		return nil, err
	}
	pt.Role = models.Role(role)
	st.Patient = &pt

	rows, err := p.pool.Query(ctx,
		`SELECT id, statement_id, description, service_date, amount_cents
		 FROM services WHERE statement_id = $1 ORDER BY service_date, id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var svc models.Service
		var amount int64
		if err := rows.Scan(&svc.ID, &svc.StatementID, &svc.Description, &svc.ServiceDate, &amount); err != nil {
			return nil, err
		}
		svc.Amount = models.Cents(amount)
		st.Services = append(st.Services, svc)
	}
	return st, rows.Err()
}

func (p *PostgresBackend) ListStatements(ctx context.Context, filter StatementFilter) ([]*models.Statement, int, error) {
	where := ` WHERE ($1::bigint = 0 OR s.user_id = $1) AND (NOT $2::bool OR s.access_token_hash IS NOT NULL)`
	var total int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM statements s`+where, filter.UserID, filter.WithAccess).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := p.pool.Query(ctx,
		`SELECT `+statementColumns+`, u.id, u.name, u.email, u.role
		 FROM statements s JOIN users u ON u.id = s.user_id`+where+`
		 ORDER BY s.created_at DESC, s.id DESC LIMIT $3 OFFSET $4`,
		filter.UserID, filter.WithAccess, limitOrAll(filter.Limit), filter.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*models.Statement
	for rows.Next() {
		var pt models.User
		var role string
		st, err := scanStatement(rows, &pt.ID, &pt.Name, &pt.Email, &role)
		if err != nil {
			return nil, 0, err
		}
		pt.Role = models.Role(role)
		st.Patient = &pt
		out = append(out, st)
	}
	return out, total, rows.Err()
}

// SetStatementArtifacts locks the statement row so the capability check and
// the key update see the same token and expiry.
func (p *PostgresBackend) SetStatementArtifacts(ctx context.Context, id int64, a models.Artifacts) (*models.Artifacts, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var (
		prev    models.Artifacts
		hash    string
		expires *time.Time
	)
	err = tx.QueryRow(ctx,
		`SELECT qr_blob_key, pdf_blob_key, COALESCE(access_token_hash, ''), token_expires_at
		 FROM statements WHERE id = $1 FOR UPDATE`, id,
	).Scan(&prev.QRKey, &prev.PDFKey, &hash, &expires)
	if err != nil {
		return nil, mapErr(err)
	}
	if hash != a.TokenHash || expires == nil || !expires.Equal(a.ExpiresAt) {
		return nil, ErrCapabilityChanged
	}
	if _, err := tx.Exec(ctx,
		`UPDATE statements SET qr_blob_key = $2, pdf_blob_key = $3, updated_at = NOW() WHERE id = $1`,
		id, a.QRKey, a.PDFKey); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &prev, nil
}

func (p *PostgresBackend) CountStatements(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM statements`).Scan(&count)
	return count, err
}

// --- Capabilities ---

const capabilityColumns = `id, COALESCE(access_token_hash, ''), access_token_sealed, access_token_nonce,
	token_issued_at, token_expires_at`

func scanCapability(row pgx.Row) (*models.CapabilityRecord, error) {
	var rec models.CapabilityRecord
	var issued, expires *time.Time
	if err := row.Scan(&rec.StatementID, &rec.TokenHash, &rec.TokenCiphertext, &rec.TokenNonce, &issued, &expires); err != nil {
		return nil, mapErr(err)
	}
	if issued != nil {
		rec.IssuedAt = *issued
	}
	if expires != nil {
		rec.ExpiresAt = *expires
	}
	return &rec, nil
}

// IssueCapability overwrites the statement's capability slot. The row is locked
// for the duration so concurrent issuers serialize and the token and expiry are
// always written as one pair.
func (p *PostgresBackend) IssueCapability(ctx context.Context, rec *models.CapabilityRecord) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var id int64
	if err := tx.QueryRow(ctx, `SELECT id FROM statements WHERE id = $1 FOR UPDATE`, rec.StatementID).Scan(&id); err != nil {
		return mapErr(err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE statements
		 SET access_token_hash = $2, access_token_sealed = $3, access_token_nonce = $4,
		     token_issued_at = $5, token_expires_at = $6, updated_at = NOW()
		 WHERE id = $1`,
		rec.StatementID, rec.TokenHash, rec.TokenCiphertext, rec.TokenNonce, rec.IssuedAt, rec.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("writing capability: %w", mapErr(err))
	}
	return tx.Commit(ctx)
}

func (p *PostgresBackend) ExtendCapability(ctx context.Context, statementID int64, expiresAt time.Time) (*models.CapabilityRecord, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rec, err := scanCapability(tx.QueryRow(ctx,
		`SELECT `+capabilityColumns+` FROM statements WHERE id = $1 FOR UPDATE`, statementID))
	if err != nil {
		return nil, err
	}
	if rec.TokenHash == "" {
		return nil, ErrNoCapability
	}
	if _, err := tx.Exec(ctx,
		`UPDATE statements SET token_expires_at = $2, updated_at = NOW() WHERE id = $1`,
		statementID, expiresAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	rec.ExpiresAt = expiresAt
	return rec, nil
}

func (p *PostgresBackend) GetCapability(ctx context.Context, statementID int64) (*models.CapabilityRecord, error) {
	return scanCapability(p.pool.QueryRow(ctx,
		`SELECT `+capabilityColumns+` FROM statements WHERE id = $1`, statementID))
}

func (p *PostgresBackend) GetCapabilityByTokenHash(ctx context.Context, tokenHash string) (*models.CapabilityRecord, error) {
	return scanCapability(p.pool.QueryRow(ctx,
		`SELECT `+capabilityColumns+` FROM statements WHERE access_token_hash = $1`, tokenHash))
}

func (p *PostgresBackend) CountActiveCapabilities(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM statements WHERE access_token_hash IS NOT NULL AND token_expires_at > $1`, now,
	).Scan(&count)
	return count, err
}

// --- Audit ---

func (p *PostgresBackend) WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil || entry.Metadata == nil {
		metaJSON = []byte("{}")
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO audit_log (request_id, timestamp, user_id, operation, path, status, response_code, response_time_ms, client_ip, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.RequestID, entry.Timestamp, entry.UserID, entry.Operation, entry.Path,
		entry.Status, entry.ResponseCode, entry.ResponseTimeMs, entry.ClientIP, metaJSON,
	)
	return err
}

func (p *PostgresBackend) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, request_id, timestamp, user_id, operation, path, status, response_code, response_time_ms, client_ip, metadata FROM audit_log WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.Path != "" {
		fmt.Fprintf(&query, ` AND path LIKE $%d`, n)
		args = append(args, filter.Path+"%")
		n++
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND timestamp >= $%d`, n)
		args = append(args, filter.Since)
		n++
	}
	query.WriteString(` ORDER BY timestamp DESC, id DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Timestamp, &e.UserID, &e.Operation,
			&e.Path, &e.Status, &e.ResponseCode, &e.ResponseTimeMs, &e.ClientIP, &metaJSON); err != nil {
			return nil, err
		}
		json.Unmarshal(metaJSON, &e.Metadata) //nolint:errcheck
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
