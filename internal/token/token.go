// Package token issues and verifies the signed environment tokens agents
// present on every service request. A token binds the caller to exactly one
// environment and expires with it.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/agentdiff/agentdiff/internal/models"
)

// ErrInvalidToken covers every verification failure: bad signature, wrong
// audience, expiry, malformed claims. Callers never learn which.
var ErrInvalidToken = errors.New("invalid environment token")

// Claims is the payload of an environment token.
type Claims struct {
	EnvironmentID     string `json:"environment_id"`
	ImpersonateUserID string `json:"impersonate_user_id,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies environment tokens with a shared HS256 secret.
type Issuer struct {
	secret   []byte
	audience string
}

// NewIssuer creates a token issuer.
func NewIssuer(secret, audience string) *Issuer {
	return &Issuer{secret: []byte(secret), audience: audience}
}

// Issue signs a token for the environment. The token expires exactly when
// the environment does, so an expired replica can never be reached even if
// the reaper lags.
func (i *Issuer) Issue(env *models.Environment, now time.Time) (string, error) {
	claims := Claims{
		EnvironmentID:     env.ID,
		ImpersonateUserID: env.ImpersonateUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   env.Owner,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(env.ExpiresAt),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(i.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !tok.Valid {
		return nil, ErrInvalidToken
	}
	if claims.EnvironmentID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
