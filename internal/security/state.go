package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// OAuth state validation errors.
var (
	// ErrInvalidState indicates a state token is malformed or fails validation.
	ErrInvalidState = errors.New("invalid state token")
	// ErrExpiredState indicates a state token has expired.
	ErrExpiredState = errors.New("state token expired")
)

// stateTTL bounds how long an OAuth authorization round-trip may take.
const stateTTL = 10 * time.Minute

// StateClaims defines the signed state carried through the OAuth redirect to
// tie the callback to a request this server initiated.
type StateClaims struct {
	Return string `json:"return,omitempty"`
	jwt.RegisteredClaims
}

// GenerateState signs a short-lived OAuth state JWT.
func GenerateState(secret, returnTo string) (string, error) {
	now := time.Now().UTC()
	claims := StateClaims{
		Return: returnTo,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseState validates an OAuth state JWT and returns its claims.
func ParseState(secret, tokenString string) (*StateClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &StateClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidState
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredState
		}
		return nil, ErrInvalidState
	}
	claims, ok := token.Claims.(*StateClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidState
	}
	return claims, nil
}
