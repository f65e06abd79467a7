package capability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/org/soaportal/internal/crypto"
	"github.com/org/soaportal/internal/storage"
	"github.com/org/soaportal/pkg/models"
)

var (
	// ErrResourceNotFound is returned when the target statement does not exist.
	ErrResourceNotFound = errors.New("statement not found")
	// ErrNoCapability is returned when extending a statement that never had access issued.
	ErrNoCapability = errors.New("no access token has been issued for this statement")
	// ErrNotFound is returned by Resolve when no current capability holds the token.
	ErrNotFound = errors.New("capability not found")
	// ErrExpired is returned by Resolve when the capability has expired.
	ErrExpired = errors.New("capability expired")
	// ErrInvalidTTL is returned when a ttl falls outside the configured range.
	ErrInvalidTTL = errors.New("ttl out of range")
)

const day = 24 * time.Hour

// TTLRange bounds the lifetime a caller may request.
type TTLRange struct {
	Min time.Duration
	Max time.Duration
}

func (r TTLRange) check(ttl time.Duration) error {
	if ttl < r.Min || ttl > r.Max {
		return fmt.Errorf("%w: %s not in [%s, %s]", ErrInvalidTTL, ttl, r.Min, r.Max)
	}
	return nil
}

var (
	DefaultIssueRange  = TTLRange{Min: day, Max: 30 * day}
	DefaultExtendRange = TTLRange{Min: day, Max: 365 * day}
)

// Backend is the subset of storage the capability store needs.
type Backend interface {
	GetStatement(ctx context.Context, id int64) (*models.Statement, error)
	IssueCapability(ctx context.Context, rec *models.CapabilityRecord) error
	ExtendCapability(ctx context.Context, statementID int64, expiresAt time.Time) (*models.CapabilityRecord, error)
	GetCapability(ctx context.Context, statementID int64) (*models.CapabilityRecord, error)
	GetCapabilityByTokenHash(ctx context.Context, tokenHash string) (*models.CapabilityRecord, error)
}

// Store manages the single current capability of each statement.
type Store struct {
	backend     Backend
	cipher      *crypto.TokenCipher
	issueRange  TTLRange
	extendRange TTLRange
	now         func() time.Time
}

// NewStore creates a Store with the default ttl ranges.
func NewStore(backend Backend, cipher *crypto.TokenCipher) *Store {
	return &Store{
		backend:     backend,
		cipher:      cipher,
		issueRange:  DefaultIssueRange,
		extendRange: DefaultExtendRange,
		now:         time.Now,
	}
}

// WithClock replaces the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Now returns the store's current time at second precision, the precision
// signed links carry.
func (s *Store) Now() time.Time {
	return s.now().UTC().Truncate(time.Second)
}

// Issue creates a fresh token for the statement, replacing any previous one.
func (s *Store) Issue(ctx context.Context, statementID int64, ttl time.Duration) (*models.Capability, error) {
	if err := s.issueRange.check(ttl); err != nil {
		return nil, err
	}

	token, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	ct, nonce, err := s.cipher.Seal(token)
	if err != nil {
		return nil, fmt.Errorf("sealing token: %w", err)
	}

	now := s.Now()
	rec := &models.CapabilityRecord{
		StatementID:     statementID,
		TokenHash:       crypto.HashToken(token),
		TokenCiphertext: ct,
		TokenNonce:      nonce,
		IssuedAt:        now,
		ExpiresAt:       now.Add(ttl),
	}
	if err := s.backend.IssueCapability(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrResourceNotFound
		}
		return nil, fmt.Errorf("issuing capability: %w", err)
	}
	return &models.Capability{
		StatementID: statementID,
		Token:       token,
		IssuedAt:    rec.IssuedAt,
		ExpiresAt:   rec.ExpiresAt,
	}, nil
}

// Resolve looks a token up and returns its statement. Tokens that were never
// issued and tokens that were superseded both yield ErrNotFound.
func (s *Store) Resolve(ctx context.Context, token string) (*models.Statement, error) {
	if len(token) != TokenLength {
		return nil, ErrNotFound
	}
	rec, err := s.backend.GetCapabilityByTokenHash(ctx, crypto.HashToken(token))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resolving capability: %w", err)
	}
	if rec.Status(s.Now()) != models.CapabilityActive {
		return nil, ErrExpired
	}
	st, err := s.backend.GetStatement(ctx, rec.StatementID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return st, nil
}

// Extend moves the expiry of the statement's current token to now+ttl. The
// token itself is unchanged.
func (s *Store) Extend(ctx context.Context, statementID int64, ttl time.Duration) (*models.Capability, error) {
	if err := s.extendRange.check(ttl); err != nil {
		return nil, err
	}
	rec, err := s.backend.ExtendCapability(ctx, statementID, s.Now().Add(ttl))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNoCapability):
			return nil, ErrNoCapability
		case errors.Is(err, storage.ErrNotFound):
			return nil, ErrResourceNotFound
		}
		return nil, fmt.Errorf("extending capability: %w", err)
	}
	return s.open(rec)
}

// Status reports none, active or expired, with the expiry when one exists.
func (s *Store) Status(ctx context.Context, statementID int64) (models.CapabilityStatus, *time.Time, error) {
	rec, err := s.record(ctx, statementID)
	if err != nil {
		return "", nil, err
	}
	status := rec.Status(s.Now())
	if status == models.CapabilityNone {
		return status, nil, nil
	}
	exp := rec.ExpiresAt
	return status, &exp, nil
}

// Current returns the statement's capability with its plaintext token,
// regardless of expiry. ErrNoCapability if none was ever issued.
func (s *Store) Current(ctx context.Context, statementID int64) (*models.Capability, error) {
	rec, err := s.record(ctx, statementID)
	if err != nil {
		return nil, err
	}
	if rec.Status(s.Now()) == models.CapabilityNone {
		return nil, ErrNoCapability
	}
	return s.open(rec)
}

func (s *Store) record(ctx context.Context, statementID int64) (*models.CapabilityRecord, error) {
	rec, err := s.backend.GetCapability(ctx, statementID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrResourceNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (s *Store) open(rec *models.CapabilityRecord) (*models.Capability, error) {
	token, err := s.cipher.Open(rec.TokenCiphertext, rec.TokenNonce)
	if err != nil {
		return nil, fmt.Errorf("opening sealed token: %w", err)
	}
	return &models.Capability{
		StatementID: rec.StatementID,
		Token:       token,
		IssuedAt:    rec.IssuedAt,
		ExpiresAt:   rec.ExpiresAt,
	}, nil
}
