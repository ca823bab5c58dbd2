// Package auth provides bearer-token credentials for the negotiation service.
//
// The server is the only party that verifies tokens. The client parses claims
// without verification purely to fail fast on a token that is already expired
// and to surface the subject for logging.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors.
var (
	ErrTokenExpired = errors.New("token expired")
	ErrNoToken      = errors.New("token is required")
)

// Credentials holds the bearer token presented during the handshake.
type Credentials struct {
	Token string

	// Subject is the token subject claim, when the token is a parseable JWT.
	// Empty for opaque tokens.
	Subject string

	// ExpiresAt is the token expiry claim, zero when absent or opaque.
	ExpiresAt time.Time
}

// LoadCredentials builds credentials from a literal token or a token file.
// Exactly one of token and tokenPath may be empty.
func LoadCredentials(token, tokenPath string) (*Credentials, error) {
	if token == "" && tokenPath == "" {
		return nil, ErrNoToken
	}

	if token == "" {
		data, err := os.ReadFile(tokenPath)
		if err != nil {
			return nil, fmt.Errorf("read token file: %w", err)
		}
		token = strings.TrimSpace(string(data))
		if token == "" {
			return nil, fmt.Errorf("token file %s is empty", tokenPath)
		}
	}

	creds := &Credentials{Token: token}
	creds.inspect()
	return creds, nil
}

// Check reports whether the token is usable at the given time. Opaque tokens
// always pass; the server decides their fate.
func (c *Credentials) Check(now time.Time) error {
	if c.Token == "" {
		return ErrNoToken
	}
	if !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt) {
		return fmt.Errorf("%w at %s", ErrTokenExpired, c.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return nil
}

// inspect extracts subject and expiry claims without verifying the signature.
func (c *Credentials) inspect() {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(c.Token, claims); err != nil {
		return // opaque token
	}

	if sub, err := claims.GetSubject(); err == nil {
		c.Subject = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
}
