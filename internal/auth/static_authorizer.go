package auth

import (
	"context"
	"crypto/subtle"
	"strings"

	"github.com/mycelian/mycelian-memory/companion/internal/model"
)

// StaticKeyAuthorizer accepts a fixed set of keys, each bound to one user.
// Entries are "userId" or "userId|email".
type StaticKeyAuthorizer struct {
	keys map[string]model.User
}

func NewStaticKeyAuthorizer(entries map[string]string) *StaticKeyAuthorizer {
	keys := make(map[string]model.User, len(entries))
	for token, v := range entries {
		id, email, _ := strings.Cut(v, "|")
		id = strings.TrimSpace(id)
		if token == "" || id == "" {
			continue
		}
		keys[token] = model.User{ID: id, Email: strings.TrimSpace(email)}
	}
	return &StaticKeyAuthorizer{keys: keys}
}

func (s *StaticKeyAuthorizer) Authorize(ctx context.Context, apiKey string) (model.User, error) {
	if apiKey == "" {
		return model.User{}, ErrInvalidAPIKey
	}
	for token, u := range s.keys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) == 1 {
			return u, nil
		}
	}
	return model.User{}, ErrInvalidAPIKey
}
