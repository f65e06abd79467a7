package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/org/soaportal/internal/crypto"
	"github.com/org/soaportal/internal/storage"
	"github.com/org/soaportal/pkg/models"
)

const tokenPrefix = "soa_"

// DefaultSessionTTL is used when no session ttl is configured.
const DefaultSessionTTL = 12 * time.Hour

var (
	ErrInvalidCredentials = errors.New("the provided credentials are incorrect")
	ErrInvalidSession     = errors.New("invalid token")
	ErrSessionExpired     = errors.New("token has expired")
	ErrSessionRevoked     = errors.New("token has been revoked")
)

// Store is the subset of storage the session service needs.
type Store interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	WriteSession(ctx context.Context, s *models.Session, tokenHash string) error
	GetSession(ctx context.Context, tokenHash string) (*models.Session, error)
	RevokeSession(ctx context.Context, id string) error
}

// SessionService handles password login and bearer session tokens.
type SessionService struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// NewSessionService creates a SessionService. A zero ttl selects DefaultSessionTTL.
func NewSessionService(store Store, ttl time.Duration) *SessionService {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionService{store: store, ttl: ttl, now: time.Now}
}

// Login checks the password and opens a session. Returns the user and the
// plaintext bearer token, which is shown once.
func (s *SessionService) Login(ctx context.Context, email, password string) (*models.User, string, error) {
	user, err := s.store.GetUserByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Burn comparable time so unknown emails are not distinguishable.
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}
	if err := CheckPassword(user.PasswordHash, password); err != nil {
		return nil, "", ErrInvalidCredentials
	}
	_, plaintext, err := s.CreateSession(ctx, user.ID)
	if err != nil {
		return nil, "", err
	}
	return user, plaintext, nil
}

// CreateSession generates a new session token for userID and persists its hash.
func (s *SessionService) CreateSession(ctx context.Context, userID int64) (*models.Session, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generating token: %w", err)
	}
	plaintext := tokenPrefix + base64.RawURLEncoding.EncodeToString(raw)

	now := s.now().UTC()
	sess := &models.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.store.WriteSession(ctx, sess, crypto.HashToken(plaintext)); err != nil {
		return nil, "", fmt.Errorf("persisting session: %w", err)
	}
	return sess, plaintext, nil
}

// Authenticate resolves a bearer token to its session and user.
func (s *SessionService) Authenticate(ctx context.Context, plaintext string) (*models.Session, *models.User, error) {
	if !strings.HasPrefix(plaintext, tokenPrefix) {
		return nil, nil, ErrInvalidSession
	}
	sess, err := s.store.GetSession(ctx, crypto.HashToken(plaintext))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, ErrInvalidSession
		}
		return nil, nil, err
	}
	if sess.IsRevoked() {
		return nil, nil, ErrSessionRevoked
	}
	if sess.IsExpired(s.now()) {
		return nil, nil, ErrSessionExpired
	}
	user, err := s.store.GetUser(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, ErrInvalidSession
		}
		return nil, nil, err
	}
	return sess, user, nil
}

// Logout revokes a session.
func (s *SessionService) Logout(ctx context.Context, sessionID string) error {
	return s.store.RevokeSession(ctx, sessionID)
}

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(h), nil
}

// CheckPassword compares a bcrypt hash with a candidate password.
func CheckPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("soaportal-dummy"), bcrypt.MinCost)
