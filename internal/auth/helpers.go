package auth

import (
	"net/http"
	"strings"
)

// ExtractAPIKey extracts the API key from the Authorization header.
func ExtractAPIKey(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ErrMissingAuthorization
	}

	// Expect "Bearer <api_key>" format
	parts := strings.Fields(authHeader)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrMalformedAuthorization
	}
	return parts[1], nil
}
