package auth

import (
	"context"

	"github.com/mycelian/mycelian-memory/companion/internal/config"
	"github.com/mycelian/mycelian-memory/companion/internal/model"
)

// Authorizer verifies an API key and returns the user it belongs to.
type Authorizer interface {
	Authorize(ctx context.Context, apiKey string) (model.User, error)
}

// Chain tries each authorizer in order and returns the first match.
type Chain []Authorizer

func (c Chain) Authorize(ctx context.Context, apiKey string) (model.User, error) {
	for _, a := range c {
		u, err := a.Authorize(ctx, apiKey)
		if err == nil {
			return u, nil
		}
	}
	return model.User{}, ErrInvalidAPIKey
}

// New builds the authorizer for the configured environment. Dev mode also
// accepts LocalDevAPIKey.
func New(cfg *config.Config) Authorizer {
	static := NewStaticKeyAuthorizer(cfg.APIKeys)
	if cfg.DevMode {
		return Chain{NewMockAuthorizer(), static}
	}
	return static
}
