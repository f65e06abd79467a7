// Package users manages staff and patient accounts.
package users

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/org/soaportal/internal/auth"
	"github.com/org/soaportal/internal/storage"
	"github.com/org/soaportal/internal/validation"
	"github.com/org/soaportal/pkg/models"
)

// ErrNotFound is returned when the user does not exist.
var ErrNotFound = errors.New("user not found")

const (
	maxNameLen     = 255
	minPasswordLen = 6
)

// Store is the subset of storage the user service needs.
type Store interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id int64) (*models.User, error)
	ListUsers(ctx context.Context, filter storage.UserFilter) ([]*models.User, int, error)
	UpdateUser(ctx context.Context, user *models.User) error
	DeleteUser(ctx context.Context, id int64) error
}

// Service implements user management.
type Service struct {
	store Store
}

// NewService creates a user Service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// CreateInput holds the fields of a new user.
type CreateInput struct {
	Name                 string `json:"name"`
	Email                string `json:"email"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
	Role                 string `json:"role"`
}

// UpdateInput holds optional changes; nil fields are left as they are.
type UpdateInput struct {
	Name                 *string `json:"name"`
	Email                *string `json:"email"`
	Password             *string `json:"password"`
	PasswordConfirmation *string `json:"password_confirmation"`
	Role                 *string `json:"role"`
}

func validateName(v *validation.Errors, name string) {
	v.Check(strings.TrimSpace(name) != "", "name", "The name field is required.")
	v.Check(len(name) <= maxNameLen, "name", "The name may not be greater than %d characters.", maxNameLen)
}

func validateEmail(v *validation.Errors, email string) {
	if strings.TrimSpace(email) == "" {
		v.Add("email", "The email field is required.")
		return
	}
	addr, err := mail.ParseAddress(email)
	v.Check(err == nil && addr.Address == email, "email", "The email must be a valid email address.")
	v.Check(len(email) <= maxNameLen, "email", "The email may not be greater than %d characters.", maxNameLen)
}

func validatePassword(v *validation.Errors, password, confirmation string) {
	v.Check(len(password) >= minPasswordLen, "password", "The password must be at least %d characters.", minPasswordLen)
	v.Check(password == confirmation, "password", "The password confirmation does not match.")
}

func validateRole(v *validation.Errors, role string) {
	v.Check(models.Role(role).Valid(), "role", "The selected role is invalid.")
}

// Create validates in and stores a new user with a bcrypt password hash.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.User, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.TrimSpace(in.Email)

	v := validation.New()
	validateName(v, in.Name)
	validateEmail(v, in.Email)
	validatePassword(v, in.Password, in.PasswordConfirmation)
	validateRole(v, in.Role)
	if err := v.Err(); err != nil {
		return nil, err
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	u := &models.User{Name: in.Name, Email: in.Email, PasswordHash: hash, Role: models.Role(in.Role)}
	if err := s.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, validation.Field("email", "The email has already been taken.")
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return u, nil
}

// Get returns a user by id.
func (s *Service) Get(ctx context.Context, id int64) (*models.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return u, err
}

// List returns one page of users, optionally filtered by role.
func (s *Service) List(ctx context.Context, role models.Role, limit, offset int) ([]*models.User, int, error) {
	return s.store.ListUsers(ctx, storage.UserFilter{Role: role, Limit: limit, Offset: offset})
}

// Update applies the non-nil fields of in.
func (s *Service) Update(ctx context.Context, id int64, in UpdateInput) (*models.User, error) {
	u, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	v := validation.New()
	if in.Name != nil {
		u.Name = strings.TrimSpace(*in.Name)
		validateName(v, u.Name)
	}
	if in.Email != nil {
		u.Email = strings.TrimSpace(*in.Email)
		validateEmail(v, u.Email)
	}
	if in.Role != nil {
		validateRole(v, *in.Role)
		u.Role = models.Role(*in.Role)
	}
	if in.Password != nil {
		confirm := ""
		if in.PasswordConfirmation != nil {
			confirm = *in.PasswordConfirmation
		}
		validatePassword(v, *in.Password, confirm)
	}
	if err := v.Err(); err != nil {
		return nil, err
	}
	if in.Password != nil {
		if u.PasswordHash, err = auth.HashPassword(*in.Password); err != nil {
			return nil, err
		}
	}

	if err := s.store.UpdateUser(ctx, u); err != nil {
		switch {
		case errors.Is(err, storage.ErrAlreadyExists):
			return nil, validation.Field("email", "The email has already been taken.")
		case errors.Is(err, storage.ErrNotFound):
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("updating user: %w", err)
	}
	return u, nil
}

// Delete removes a user along with their sessions and statements.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.store.DeleteUser(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// EnsureAdmin creates the bootstrap admin when no admin exists yet. It is a
// no-op when email is empty.
func (s *Service) EnsureAdmin(ctx context.Context, name, email, password string) error {
	if email == "" {
		return nil
	}
	_, total, err := s.store.ListUsers(ctx, storage.UserFilter{Role: models.RoleAdmin, Limit: 1})
	if err != nil {
		return fmt.Errorf("checking for admin: %w", err)
	}
	if total > 0 {
		return nil
	}
	if name == "" {
		name = "Administrator"
	}
	u, err := s.Create(ctx, CreateInput{
		Name:                 name,
		Email:                email,
		Password:             password,
		PasswordConfirmation: password,
		Role:                 string(models.RoleAdmin),
	})
	if err != nil {
		return fmt.Errorf("creating bootstrap admin: %w", err)
	}
	log.Info().Int64("user_id", u.ID).Str("email", u.Email).Msg("bootstrap admin created")
	return nil
}
