package factory

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mycelian/mycelian-memory/companion/internal/config"
	storepkg "github.com/mycelian/mycelian-memory/companion/internal/store"
	storepg "github.com/mycelian/mycelian-memory/companion/internal/store/postgres"
	storesqlite "github.com/mycelian/mycelian-memory/companion/internal/store/sqlite"
)

// NewStore returns the store.Store selected by cfg.DBDriver.
// Postgres opens synchronously and bootstraps the schema in the background with
// a short timeout; SQLite applies its schema on open.
func NewStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (storepkg.Store, error) {
	switch cfg.DBDriver {
	case "postgres":
		return newPostgresStore(ctx, cfg, log)
	case "sqlite":
		db, err := storesqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Debug().Str("driver", cfg.DBDriver).Str("path", cfg.SQLitePath).Msg("sqlite store opened")
		return storesqlite.NewWithDB(db), nil
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER: %s", cfg.DBDriver)
	}
}

func newPostgresStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (storepkg.Store, error) {
	dsn := cfg.PostgresDSN
	if dsn == "" {
		return nil, fmt.Errorf("COMPANION_POSTGRES_DSN is required when DB_DRIVER=postgres")
	}

	// Open connection synchronously since health checks need it immediately
	db, err := storepg.Open(dsn)
	if err != nil {
		return nil, err
	}

	go func() {
		bootstrapTimeout := time.Duration(cfg.BootstrapTimeoutSeconds) * time.Second
		bootstrapCtx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
		defer cancel()

		if err := storepg.Bootstrap(bootstrapCtx, dsn); err != nil {
			log.Warn().Err(err).Str("driver", cfg.DBDriver).Msg("store bootstrap check failed")
		} else {
			log.Debug().Str("driver", cfg.DBDriver).Msg("store bootstrap check completed")
		}
	}()

	return storepg.NewWithDB(db), nil
}
