package auth

import (
	"errors"
	"fmt"

	"github.com/mycelian/mycelian-memory/companion/internal/model"
)

var (
	// ErrMissingAuthorization is returned when the request carries no credentials.
	ErrMissingAuthorization = fmt.Errorf("missing Authorization header: %w", model.ErrUnauthorized)

	// ErrMalformedAuthorization is returned for headers not in "Bearer <api_key>" form.
	ErrMalformedAuthorization = fmt.Errorf("invalid Authorization header format, expected 'Bearer <api_key>': %w", model.ErrUnauthorized)

	// ErrInvalidAPIKey is returned when no authorizer recognises the key.
	ErrInvalidAPIKey = fmt.Errorf("invalid API key: %w", model.ErrUnauthorized)
)

// IsUnauthorized reports whether err is an authentication failure.
func IsUnauthorized(err error) bool {
	return errors.Is(err, model.ErrUnauthorized)
}
