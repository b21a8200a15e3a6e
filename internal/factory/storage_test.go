package factory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycelian/mycelian-memory/companion/internal/config"
)

func TestNewStore_SQLite(t *testing.T) {
	cfg := config.NewForTesting()
	cfg.SQLitePath = filepath.Join(t.TempDir(), "companion.db")

	s, err := NewStore(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	counts, err := s.Usage().CountEvents(context.Background(), "u1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestNewStore_UnknownDriver(t *testing.T) {
	cfg := config.NewForTesting()
	cfg.DBDriver = "spanner"

	_, err := NewStore(context.Background(), cfg, zerolog.Nop())
	assert.ErrorContains(t, err, "unknown DB_DRIVER")
}

func TestNewStore_PostgresRequiresDSN(t *testing.T) {
	cfg := config.NewForTesting()
	cfg.DBDriver = "postgres"
	cfg.PostgresDSN = ""

	_, err := NewStore(context.Background(), cfg, zerolog.Nop())
	assert.ErrorContains(t, err, "POSTGRES_DSN")
}
