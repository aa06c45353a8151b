package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("authentication required")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// TokenPayload is the decoded JWT payload for an authenticated connection.
type TokenPayload struct {
	Subject   string
	IssuedAt  int64
	ExpiresAt int64
	TokenID   string
}

// Validator validates handshake tokens issued by the identity provider.
type Validator struct {
	secret    []byte
	algorithm string
}

// NewValidator creates a Validator for the configured HMAC secret and algorithm.
func NewValidator(secret, algorithm string) *Validator {
	return &Validator{secret: []byte(secret), algorithm: algorithm}
}

// Decode validates a token and returns its payload.
func (v *Validator) Decode(token string) (*TokenPayload, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != v.algorithm {
			return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{v.algorithm}))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrInvalidToken
	}

	payload := &TokenPayload{Subject: sub}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		payload.IssuedAt = iat.Unix()
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		payload.ExpiresAt = exp.Unix()
	}
	if jti, ok := claims["jti"].(string); ok {
		payload.TokenID = jti
	}

	return payload, nil
}

// ValidateToken validates a token and returns the external subject id.
func (v *Validator) ValidateToken(token string) (string, error) {
	payload, err := v.Decode(token)
	if err != nil {
		return "", err
	}
	return payload.Subject, nil
}
