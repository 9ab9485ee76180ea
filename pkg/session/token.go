package session

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// sign issues an HS256 token for s under the per-process signing key.
func (m *Manager) sign(s *Session) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		ID:        s.ID,
		IssuedAt:  jwt.NewNumericDate(m.now()),
		ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingKey)
	if err != nil {
		return "", fmt.Errorf("session: failed to sign token: %w", err)
	}
	return token, nil
}

// validateLocked returns the current session if token is a valid token for
// it. Callers hold m.mu.
func (m *Manager) validateLocked(token string) (*Session, error) {
	m.expireLocked()
	if m.current == nil {
		return nil, ErrLocked
	}
	if token == "" {
		return nil, ErrInvalidToken
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return m.signingKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.ID != m.current.ID {
		return nil, ErrInvalidToken
	}
	return m.current, nil
}
