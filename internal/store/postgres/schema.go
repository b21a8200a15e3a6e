package postgres

import (
	"context"
	"database/sql"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS external_identities (
        user_id          TEXT PRIMARY KEY,
        external_user_id TEXT,
        claimant         TEXT,
        claimed_at       TIMESTAMPTZ NOT NULL,
        created_at       TIMESTAMPTZ
    );`,
	`CREATE TABLE IF NOT EXISTS message_memory_links (
        user_id    TEXT NOT NULL,
        message_id TEXT NOT NULL,
        chat_id    TEXT NOT NULL,
        memories   JSONB NOT NULL,
        created_at TIMESTAMPTZ NOT NULL,
        PRIMARY KEY (user_id, message_id)
    );`,
	`CREATE INDEX IF NOT EXISTS idx_message_memory_links_chat
        ON message_memory_links (user_id, chat_id, created_at);`,
	`CREATE TABLE IF NOT EXISTS usage_counters (
        user_id      TEXT NOT NULL,
        metric       TEXT NOT NULL,
        period_start TIMESTAMPTZ NOT NULL,
        count        BIGINT NOT NULL DEFAULT 0,
        updated_at   TIMESTAMPTZ NOT NULL,
        PRIMARY KEY (user_id, metric, period_start)
    );`,
	`CREATE TABLE IF NOT EXISTS usage_events (
        id          BIGSERIAL PRIMARY KEY,
        user_id     TEXT NOT NULL,
        metric      TEXT NOT NULL,
        occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
	`CREATE INDEX IF NOT EXISTS idx_usage_events_user
        ON usage_events (user_id, occurred_at);`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
        user_id      TEXT PRIMARY KEY,
        plan_id      TEXT NOT NULL,
        period_start TIMESTAMPTZ NOT NULL,
        updated_at   TIMESTAMPTZ NOT NULL
    );`,
}

// EnsureSchema creates the tables if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
