package auth

import (
	"context"

	"github.com/amurg-ai/parley/internal/store"
)

// Identity is the unified identity representation for all auth providers.
type Identity struct {
	UserID string // local user ID; external subjects are mapped to a local user
	Email  string
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Name() string
}

// LoginProvider is implemented by providers that support email/password login.
type LoginProvider interface {
	Login(ctx context.Context, email, password string) (string, error)
	Register(ctx context.Context, req RegisterRequest) (*store.User, error)
}

// RegisterRequest carries the fields of a new local account.
type RegisterRequest struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Password  string `json:"password"`
}
