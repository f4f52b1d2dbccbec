package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/xid"
)

// StateSigner mints and verifies the OAuth state parameter that carries the
// user through the provider consent round-trip. The state is a short-lived
// signed token so the callback can recover the user without server-side
// session storage.
type StateSigner struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewStateSigner(key string, ttl time.Duration) *StateSigner {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StateSigner{
		key: []byte(key),
		ttl: ttl,
		now: time.Now,
	}
}

// Sign produces a state token bound to userID.
func (s *StateSigner) Sign(userID string) (string, error) {
	now := s.now()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ID:        xid.New().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	})

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign state token: %w", err)
	}
	return signed, nil
}

// Verify checks the state token and returns the user it was minted for.
func (s *StateSigner) Verify(state string) (string, error) {
	var claims jwt.RegisteredClaims

	token, err := jwt.ParseWithClaims(state, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.key, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", fmt.Errorf("invalid state token: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", errors.New("invalid state token: missing subject")
	}

	return claims.Subject, nil
}
