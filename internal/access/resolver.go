package access

import (
	"context"
	"errors"
	"net/url"

	"github.com/rs/zerolog/log"

	"github.com/org/soaportal/internal/capability"
	"github.com/org/soaportal/internal/signedlink"
	"github.com/org/soaportal/pkg/models"
)

var (
	// ErrInvalidOrExpiredLink is returned when the link signature or its
	// embedded expiry does not verify.
	ErrInvalidOrExpiredLink = errors.New("invalid or expired signature")
	// ErrTokenNotFoundOrExpired covers unknown, superseded and expired tokens
	// alike so callers cannot tell them apart.
	ErrTokenNotFoundOrExpired = errors.New("statement not found or link has expired")
)

// LinkVerifier checks a signed link.
type LinkVerifier interface {
	Verify(u *url.URL) error
}

// TokenResolver maps a capability token to its statement.
type TokenResolver interface {
	Resolve(ctx context.Context, token string) (*models.Statement, error)
}

// Resolver decides whether an anonymous view request is granted. It never
// changes the capability it checks.
type Resolver struct {
	links  LinkVerifier
	tokens TokenResolver
}

// NewResolver creates a Resolver.
func NewResolver(links LinkVerifier, tokens TokenResolver) *Resolver {
	return &Resolver{links: links, tokens: tokens}
}

// Resolve verifies the link first and only then looks the token up.
func (r *Resolver) Resolve(ctx context.Context, u *url.URL) (*models.Statement, error) {
	if err := r.links.Verify(u); err != nil {
		if errors.Is(err, signedlink.ErrInvalidLink) {
			log.Debug().Err(err).Msg("view link rejected")
			return nil, ErrInvalidOrExpiredLink
		}
		return nil, err
	}

	st, err := r.tokens.Resolve(ctx, u.Query().Get(TokenParam))
	if err != nil {
		if errors.Is(err, capability.ErrNotFound) || errors.Is(err, capability.ErrExpired) {
			return nil, ErrTokenNotFoundOrExpired
		}
		return nil, err
	}
	return st, nil
}
