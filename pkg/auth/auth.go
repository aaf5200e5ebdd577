// Package auth validates connection tokens into user ids.
package auth

import (
	"context"

	"github.com/pkg/errors"
)

// ErrInvalidToken rejects a connection attempt. The gateway closes the
// socket without leaking detail to the client.
var ErrInvalidToken = errors.New("invalid token")

// Validator resolves a bearer token into a user id.
type Validator interface {
	Validate(ctx context.Context, token string) (string, error)
}

// StaticValidator maps fixed tokens to user ids. Useful for development and
// tests; production deployments plug in their own Validator.
type StaticValidator struct {
	tokens map[string]string
}

var _ Validator = &StaticValidator{}

// NewStaticValidator copies the token -> userID table.
func NewStaticValidator(tokens map[string]string) *StaticValidator {
	cp := make(map[string]string, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &StaticValidator{tokens: cp}
}

func (v *StaticValidator) Validate(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	userID, ok := v.tokens[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return userID, nil
}
