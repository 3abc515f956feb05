package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the signed assertion handed to callers with a session
type Claims struct {
	UserName      string `json:"username"`
	SecurityLevel int    `json:"security_level"`
	Source        string `json:"source,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues HS256 assertions for sessions
type Signer struct {
	key    []byte
	issuer string
}

// NewSigner creates a signer. The key must not be empty.
func NewSigner(key, issuer string) (*Signer, error) {
	if key == "" {
		return nil, errors.New("session signing key is empty")
	}
	return &Signer{key: []byte(key), issuer: issuer}, nil
}

// Sign returns the assertion for token
func (s *Signer) Sign(token UserToken) (string, error) {
	claims := Claims{
		UserName:      token.UserName,
		SecurityLevel: token.SecurityLevel,
		Source:        token.Source,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        token.ID,
			Subject:   token.UID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(token.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(token.ExpiresAt()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return signed, nil
}

// Verify checks signature, issuer and expiry of an assertion
func (s *Signer) Verify(assertion string) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30 * time.Second),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	var claims Claims
	token, err := jwt.NewParser(opts...).ParseWithClaims(assertion, &claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	})
	if err != nil || !token.Valid {
		return Claims{}, fmt.Errorf("verify session: %w", err)
	}
	return claims, nil
}
