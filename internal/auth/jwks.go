package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/amurg-ai/parley/internal/store"
)

// JWKSProvider validates externally issued JWTs against a JWKS endpoint and
// maps each subject to a local user, creating it on first sight.
type JWKSProvider struct {
	issuer string
	jwks   jwt.Keyfunc
	store  store.Store
}

// NewJWKSProvider fetches the key set from jwksURL. An empty issuer disables
// the "iss" check.
func NewJWKSProvider(jwksURL, issuer string, s store.Store) (*JWKSProvider, error) {
	if jwksURL == "" {
		return nil, fmt.Errorf("jwks url is required")
	}

	kf, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	return newJWKSProvider(kf.Keyfunc, issuer, s), nil
}

func newJWKSProvider(kf jwt.Keyfunc, issuer string, s store.Store) *JWKSProvider {
	return &JWKSProvider{issuer: issuer, jwks: kf, store: s}
}

// ValidateToken parses an external JWT and returns the Identity of the mapped local user.
func (p *JWKSProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}

	token, err := jwt.Parse(tokenStr, p.jwks, opts...)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub := claimStr(claims, "sub")
	if sub == "" {
		return nil, ErrUnauthorized
	}

	user, err := p.localUser(ctx, sub, claims)
	if err != nil {
		return nil, fmt.Errorf("map external user: %w", err)
	}

	return &Identity{UserID: user.ID, Email: user.Email}, nil
}

// localUser resolves sub to a local user. A subject seen for the first time
// is linked to the unlinked account holding its email, if any; otherwise a new
// user is created. When the email already belongs to another subject the new
// user gets a synthesized address.
func (p *JWKSProvider) localUser(ctx context.Context, sub string, claims jwt.MapClaims) (*store.User, error) {
	user, err := p.store.GetUserByExternalID(ctx, sub)
	if err != nil || user != nil {
		return user, err
	}

	email := strings.ToLower(claimStr(claims, "email"))
	if email != "" {
		existing, err := p.store.GetUserByEmail(ctx, email)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			linked, err := p.link(ctx, existing, sub, claims)
			if err != nil || linked != nil {
				return linked, err
			}
			email = ""
		}
	}
	if email == "" {
		email = sub + "@external.invalid"
	}

	user = &store.User{
		ID:         uuid.New().String(),
		Email:      email,
		FirstName:  claimStr(claims, "given_name"),
		LastName:   claimStr(claims, "family_name"),
		ExternalID: sub,
		CreatedAt:  time.Now().UTC(),
	}
	if err := p.store.CreateUser(ctx, user); err != nil {
		// A concurrent first sight of the same subject may have won.
		if again, gerr := p.store.GetUserByExternalID(ctx, sub); gerr == nil && again != nil {
			return again, nil
		}
		return nil, err
	}
	return user, nil
}

// link attaches sub to an existing account found by email. It returns
// (nil, nil) when the account cannot be linked: it already belongs to another
// subject, or the issuer says the email is unverified.
func (p *JWKSProvider) link(ctx context.Context, existing *store.User, sub string, claims jwt.MapClaims) (*store.User, error) {
	if existing.ExternalID != "" {
		return nil, nil
	}
	if verified, ok := claims["email_verified"].(bool); ok && !verified {
		return nil, nil
	}

	err := p.store.LinkExternalID(ctx, existing.ID, sub)
	switch {
	case err == nil:
		existing.ExternalID = sub
		return existing, nil
	case errors.Is(err, store.ErrNotFound):
		// Linked concurrently; maybe to this very subject.
		return p.store.GetUserByExternalID(ctx, sub)
	default:
		return nil, err
	}
}

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}

// Name returns the provider name.
func (p *JWKSProvider) Name() string { return "jwks" }
