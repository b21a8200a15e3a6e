package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/mycelian/mycelian-memory/companion/internal/model"
	"github.com/mycelian/mycelian-memory/companion/internal/store"
)

// Open opens a PostgreSQL connection using the pgx stdlib driver and verifies connectivity.
func Open(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// NewWithDB constructs a Postgres store backed directly by database/sql.
func NewWithDB(db *sql.DB) store.Store { return &pgStore{db: db} }

type pgStore struct{ db *sql.DB }

func (s *pgStore) Identities() store.Identities       { return &identities{db: s.db} }
func (s *pgStore) Links() store.Links                 { return &links{db: s.db} }
func (s *pgStore) Usage() store.Usage                 { return &usage{db: s.db} }
func (s *pgStore) Subscriptions() store.Subscriptions { return &subscriptions{db: s.db} }
func (s *pgStore) Close() error                       { return s.db.Close() }

// HealthPing implements health.HealthPinger for Postgres-backed store.
func (s *pgStore) HealthPing(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Bootstrap verifies Postgres is reachable and applies the schema.
func Bootstrap(ctx context.Context, dsn string) error {
	if dsn == "" {
		return nil // No DSN configured, skip bootstrap
	}

	db, err := Open(dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return err
	}
	return EnsureSchema(ctx, db)
}

// --- Identities ---
type identities struct{ db *sql.DB }

func (i *identities) Get(ctx context.Context, userID string) (*model.ExternalIdentity, error) {
	var (
		out      = model.ExternalIdentity{UserID: userID}
		extID    sql.NullString
		claimant sql.NullString
		created  *time.Time
	)
	row := i.db.QueryRowContext(ctx, `
        SELECT external_user_id, claimant, claimed_at, created_at
        FROM external_identities WHERE user_id = $1
    `, userID)
	if err := row.Scan(&extID, &claimant, &out.ClaimedAt, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.NewNotFoundError("userId", "no external identity for user")
		}
		return nil, err
	}
	out.ExternalUserID = extID.String
	out.Claimant = claimant.String
	out.CreatedAt = created
	return &out, nil
}

func (i *identities) Claim(ctx context.Context, userID, claimant string, staleBefore time.Time) (bool, *model.ExternalIdentity, error) {
	var got string
	err := i.db.QueryRowContext(ctx, `
        INSERT INTO external_identities (user_id, claimant, claimed_at)
        VALUES ($1, $2, now())
        ON CONFLICT (user_id) DO UPDATE
        SET claimant = EXCLUDED.claimant, claimed_at = EXCLUDED.claimed_at
        WHERE external_identities.external_user_id IS NULL
          AND external_identities.claimed_at < $3
        RETURNING claimant
    `, userID, claimant, staleBefore.UTC()).Scan(&got)
	switch {
	case err == nil:
		return true, nil, nil
	case errors.Is(err, sql.ErrNoRows):
		cur, gerr := i.Get(ctx, userID)
		if gerr != nil {
			return false, nil, gerr
		}
		return false, cur, nil
	default:
		return false, nil, err
	}
}

func (i *identities) Complete(ctx context.Context, userID, claimant, externalUserID string) (bool, error) {
	res, err := i.db.ExecContext(ctx, `
        UPDATE external_identities
        SET external_user_id = $1, claimant = NULL, created_at = now()
        WHERE user_id = $2 AND claimant = $3 AND external_user_id IS NULL
    `, externalUserID, userID, claimant)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (i *identities) Release(ctx context.Context, userID, claimant string) error {
	_, err := i.db.ExecContext(ctx, `
        DELETE FROM external_identities
        WHERE user_id = $1 AND claimant = $2 AND external_user_id IS NULL
    `, userID, claimant)
	return err
}

// --- Links ---
type links struct{ db *sql.DB }

func (l *links) Put(ctx context.Context, m *model.MessageMemoryLink) error {
	mems, err := json.Marshal(m.Memories)
	if err != nil {
		return fmt.Errorf("marshal memories: %w", err)
	}
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err = l.db.ExecContext(ctx, `
        INSERT INTO message_memory_links (user_id, message_id, chat_id, memories, created_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (user_id, message_id) DO UPDATE
        SET chat_id = EXCLUDED.chat_id, memories = EXCLUDED.memories, created_at = EXCLUDED.created_at
    `, m.UserID, m.MessageID, m.ChatID, string(mems), created.UTC())
	return err
}

func (l *links) Get(ctx context.Context, userID, messageID string) (*model.MessageMemoryLink, error) {
	row := l.db.QueryRowContext(ctx, `
        SELECT message_id, chat_id, memories, created_at
        FROM message_memory_links WHERE user_id = $1 AND message_id = $2
    `, userID, messageID)
	out, err := scanLink(userID, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewNotFoundError("messageId", "no memories linked to message")
	}
	return out, err
}

func (l *links) ListByChat(ctx context.Context, userID, chatID string) ([]*model.MessageMemoryLink, error) {
	rows, err := l.db.QueryContext(ctx, `
        SELECT message_id, chat_id, memories, created_at
        FROM message_memory_links WHERE user_id = $1 AND chat_id = $2
        ORDER BY created_at ASC, message_id ASC
    `, userID, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.MessageMemoryLink
	for rows.Next() {
		lk, err := scanLink(userID, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lk)
	}
	return out, rows.Err()
}

type scanner interface{ Scan(dest ...any) error }

func scanLink(userID string, sc scanner) (*model.MessageMemoryLink, error) {
	var (
		out  = model.MessageMemoryLink{UserID: userID}
		mems []byte
	)
	if err := sc.Scan(&out.MessageID, &out.ChatID, &mems, &out.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(mems, &out.Memories); err != nil {
		return nil, fmt.Errorf("decode memories: %w", err)
	}
	out.CreatedAt = out.CreatedAt.UTC()
	return &out, nil
}

// --- Usage ---
type usage struct{ db *sql.DB }

func (u *usage) Counters(ctx context.Context, userID string, periodStart time.Time) (map[model.Metric]int64, error) {
	rows, err := u.db.QueryContext(ctx, `
        SELECT metric, count FROM usage_counters
        WHERE user_id = $1 AND period_start = $2
    `, userID, periodStart.UTC())
	if err != nil {
		return nil, err
	}
	return scanCounts(rows)
}

func (u *usage) Increment(ctx context.Context, userID string, metric model.Metric, periodStart time.Time, ceiling model.Limit) (int64, bool, error) {
	limit := int64(math.MaxInt64)
	if !ceiling.IsUnlimited() {
		limit = ceiling.Value()
	}

	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var count int64
	err = tx.QueryRowContext(ctx, `
        INSERT INTO usage_counters (user_id, metric, period_start, count, updated_at)
        SELECT $1::text, $2::text, $3::timestamptz, 1, now() WHERE $4::bigint > 0
        ON CONFLICT (user_id, metric, period_start) DO UPDATE
        SET count = usage_counters.count + 1, updated_at = now()
        WHERE usage_counters.count < $4::bigint
        RETURNING count
    `, userID, string(metric), periodStart.UTC(), limit).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		err = tx.QueryRowContext(ctx, `
            SELECT count FROM usage_counters
            WHERE user_id = $1 AND metric = $2 AND period_start = $3
        `, userID, string(metric), periodStart.UTC()).Scan(&count)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return count, false, err
	}
	if err != nil {
		return 0, false, err
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO usage_events (user_id, metric) VALUES ($1, $2)
    `, userID, string(metric)); err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return count, true, nil
}

func (u *usage) CountEvents(ctx context.Context, userID string, since time.Time) (map[model.Metric]int64, error) {
	rows, err := u.db.QueryContext(ctx, `
        SELECT metric, COUNT(*) FROM usage_events
        WHERE user_id = $1 AND occurred_at >= $2
        GROUP BY metric
    `, userID, since.UTC())
	if err != nil {
		return nil, err
	}
	return scanCounts(rows)
}

func (u *usage) Overwrite(ctx context.Context, userID string, periodStart time.Time, counts map[model.Metric]int64) error {
	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for metric, n := range counts {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO usage_counters (user_id, metric, period_start, count, updated_at)
            VALUES ($1, $2, $3, $4, now())
            ON CONFLICT (user_id, metric, period_start) DO UPDATE
            SET count = EXCLUDED.count, updated_at = now()
        `, userID, string(metric), periodStart.UTC(), n); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func scanCounts(rows *sql.Rows) (map[model.Metric]int64, error) {
	defer rows.Close()
	out := make(map[model.Metric]int64)
	for rows.Next() {
		var (
			metric string
			n      int64
		)
		if err := rows.Scan(&metric, &n); err != nil {
			return nil, err
		}
		out[model.Metric(metric)] = n
	}
	return out, rows.Err()
}

// --- Subscriptions ---
type subscriptions struct{ db *sql.DB }

func (s *subscriptions) Get(ctx context.Context, userID string) (*model.Subscription, error) {
	out := model.Subscription{UserID: userID}
	row := s.db.QueryRowContext(ctx, `
        SELECT plan_id, period_start, updated_at FROM subscriptions WHERE user_id = $1
    `, userID)
	if err := row.Scan(&out.PlanID, &out.PeriodStart, &out.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.NewNotFoundError("userId", "no subscription for user")
		}
		return nil, err
	}
	out.PeriodStart = out.PeriodStart.UTC()
	out.UpdatedAt = out.UpdatedAt.UTC()
	return &out, nil
}

func (s *subscriptions) Put(ctx context.Context, sub *model.Subscription) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO subscriptions (user_id, plan_id, period_start, updated_at)
        VALUES ($1, $2, $3, now())
        ON CONFLICT (user_id) DO UPDATE
        SET plan_id = EXCLUDED.plan_id, period_start = EXCLUDED.period_start, updated_at = now()
    `, sub.UserID, sub.PlanID, sub.PeriodStart.UTC())
	return err
}
