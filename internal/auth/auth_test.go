package auth

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycelian/mycelian-memory/companion/internal/config"
)

func TestExtractAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{"bearer", "Bearer tok1", "tok1", nil},
		{"lowercase scheme", "bearer tok1", "tok1", nil},
		{"missing", "", "", ErrMissingAuthorization},
		{"token scheme", "Token tok1", "", ErrMalformedAuthorization},
		{"no key", "Bearer", "", ErrMalformedAuthorization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractAPIKey(r)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.True(t, IsUnauthorized(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStaticKeyAuthorizer(t *testing.T) {
	a := NewStaticKeyAuthorizer(map[string]string{
		"tok1": "alice|alice@example.com",
		"tok2": "bob",
		"tok3": " |nobody@example.com",
	})
	ctx := context.Background()

	u, err := a.Authorize(ctx, "tok1")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.ID)
	assert.Equal(t, "alice@example.com", u.Email)

	u, err = a.Authorize(ctx, "tok2")
	require.NoError(t, err)
	assert.Equal(t, "bob", u.ID)
	assert.Empty(t, u.Email)

	_, err = a.Authorize(ctx, "tok3")
	assert.ErrorIs(t, err, ErrInvalidAPIKey, "entries without a user id are ignored")

	_, err = a.Authorize(ctx, "")
	assert.True(t, IsUnauthorized(err))
}

func TestNew_DevModeAcceptsLocalKey(t *testing.T) {
	cfg := config.NewForTesting()
	cfg.APIKeys = map[string]string{"tok1": "alice"}
	ctx := context.Background()

	u, err := New(cfg).Authorize(ctx, LocalDevAPIKey)
	require.NoError(t, err)
	assert.Equal(t, LocalDevUserID, u.ID)

	u, err = New(cfg).Authorize(ctx, "tok1")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.ID)

	cfg.DevMode = false
	_, err = New(cfg).Authorize(ctx, LocalDevAPIKey)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}
