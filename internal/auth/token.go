// ABOUTME: Signed session token issuance and verification for routed requests
// ABOUTME: Uses HS256 signing with a process-wide secret, verification is stateless

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token errors
var (
	ErrTokenMalformed   = errors.New("token malformed")
	ErrTokenExpired     = errors.New("token expired")
	ErrSignatureInvalid = errors.New("token signature invalid")
)

// Issuer mints and verifies short-lived session tokens. Tokens carry the
// tenant id, an expiry, and a nonce; verification recomputes the signature
// and needs no store or network round-trip.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer creates a token issuer with the given signing secret and TTL.
func NewIssuer(secret []byte, ttl time.Duration) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("token secret must not be empty")
	}
	if ttl <= 0 {
		return nil, errors.New("token ttl must be positive")
	}
	return &Issuer{secret: secret, ttl: ttl}, nil
}

// TTL returns the configured token lifetime.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue creates a new signed token for the given tenant, expiring after the
// configured TTL. The jti nonce disambiguates tokens minted at the same
// timestamp.
func (i *Issuer) Issue(tenantID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": tenantID,
		"iat": now.Unix(),
		"exp": now.Add(i.ttl).Unix(),
		"jti": uuid.New().String(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Verify validates the token signature and expiry and returns the tenant id.
// Returns ErrTokenExpired, ErrSignatureInvalid, or ErrTokenMalformed.
func (i *Issuer) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	})

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return "", ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return "", ErrSignatureInvalid
		default:
			return "", fmt.Errorf("%w: %v", ErrTokenMalformed, err)
		}
	}

	if !token.Valid {
		return "", ErrTokenMalformed
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrTokenMalformed
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: missing sub claim", ErrTokenMalformed)
	}
	if jti, ok := claims["jti"].(string); !ok || jti == "" {
		return "", fmt.Errorf("%w: missing jti claim", ErrTokenMalformed)
	}
	if _, ok := claims["exp"]; !ok {
		return "", fmt.Errorf("%w: missing exp claim", ErrTokenMalformed)
	}

	return sub, nil
}
