// Package auth verifies access tokens issued by the API service.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/cordis/internal/core"
	"github.com/dkeye/cordis/internal/domain"
	jwtlib "github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrRevoked      = errors.New("token revoked")
	// ErrEmptySecret is returned for a zero-length HMAC key, which would
	// accept tokens anyone can sign.
	ErrEmptySecret = errors.New("token secret must not be empty")
)

// RevocationList answers whether a token id was revoked before expiry.
type RevocationList interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

type Verifier struct {
	secret  []byte
	revoked RevocationList
	leeway  time.Duration
}

// NewVerifier checks HMAC-signed tokens. revoked may be nil.
func NewVerifier(secret string, revoked RevocationList) (*Verifier, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Verifier{
		secret:  []byte(secret),
		revoked: revoked,
		leeway:  5 * time.Second,
	}, nil
}

func (v *Verifier) Verify(ctx context.Context, token string) (core.Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return core.Claims{}, ErrInvalidToken
	}

	var claims jwtlib.RegisteredClaims
	_, err := jwtlib.ParseWithClaims(token, &claims, func(t *jwtlib.Token) (any, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	},
		jwtlib.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithLeeway(v.leeway),
	)
	if err != nil {
		return core.Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return core.Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	if claims.ID != "" && v.revoked != nil {
		revoked, err := v.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return core.Claims{}, fmt.Errorf("revocation check: %w", err)
		}
		if revoked {
			return core.Claims{}, ErrRevoked
		}
	}

	out := core.Claims{
		Subject: domain.UserID(claims.Subject),
		TokenID: claims.ID,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
