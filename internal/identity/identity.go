// Package identity turns connection tokens into user identities.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/park285/Cheese-Caro/internal/apperr"
)

// Identity is an authenticated caller. UserID is opaque to the engine.
type Identity struct {
	UserID      string `json:"userId"`
	IsGuest     bool   `json:"isGuest"`
	DisplayName string `json:"displayName,omitempty"`
}

type Resolver interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

type claims struct {
	Guest bool   `json:"guest,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTResolver verifies HS256 tokens with a shared secret.
type JWTResolver struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

func NewJWTResolver(secret, issuer, audience string) *JWTResolver {
	return &JWTResolver{secret: []byte(secret), issuer: issuer, audience: audience, now: time.Now}
}

func (r *JWTResolver) Verify(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, apperr.ErrUnauthenticated
	}
	var c claims
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(r.now),
	}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}
	if r.audience != "" {
		opts = append(opts, jwt.WithAudience(r.audience))
	}
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) { return r.secret, nil }, opts...)
	if err != nil {
		return Identity{}, apperr.Wrap(apperr.ReasonUnauthenticated, "verify token", err)
	}
	if strings.TrimSpace(c.Subject) == "" {
		return Identity{}, apperr.Wrap(apperr.ReasonUnauthenticated, "verify token", errors.New("missing subject"))
	}
	return Identity{UserID: c.Subject, IsGuest: c.Guest, DisplayName: c.Name}, nil
}

// Issue mints a token for id valid for ttl.
func (r *JWTResolver) Issue(id Identity, ttl time.Duration) (string, error) {
	if strings.TrimSpace(id.UserID) == "" {
		return "", errors.New("identity: user id required")
	}
	now := r.now()
	c := claims{
		Guest: id.IsGuest,
		Name:  id.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    r.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if r.audience != "" {
		c.Audience = jwt.ClaimStrings{r.audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(r.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
