package auth

import (
	"context"

	"github.com/mycelian/mycelian-memory/companion/internal/model"
)

const (
	// LocalDevAPIKey is the hardcoded API key for local development only
	LocalDevAPIKey = "sk_local_companion_dev_key"

	LocalDevUserID = "companion-dev"
)

// MockAuthorizer only recognizes LocalDevAPIKey and resolves it to the local dev user.
type MockAuthorizer struct{}

func NewMockAuthorizer() *MockAuthorizer {
	return &MockAuthorizer{}
}

func (m *MockAuthorizer) Authorize(ctx context.Context, apiKey string) (model.User, error) {
	if apiKey != LocalDevAPIKey {
		return model.User{}, ErrInvalidAPIKey
	}
	return model.User{ID: LocalDevUserID, Email: "dev@localhost"}, nil
}
