package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mycelian/mycelian-memory/companion/internal/model"
	"github.com/mycelian/mycelian-memory/companion/internal/store"
)

// NewWithDB constructs a SQLite-backed store. The database must have been
// opened with Open so the schema is in place.
func NewWithDB(db *sql.DB) store.Store { return &sqliteStore{db: db} }

type sqliteStore struct{ db *sql.DB }

func (s *sqliteStore) Identities() store.Identities       { return &identities{db: s.db} }
func (s *sqliteStore) Links() store.Links                 { return &links{db: s.db} }
func (s *sqliteStore) Usage() store.Usage                 { return &usage{db: s.db} }
func (s *sqliteStore) Subscriptions() store.Subscriptions { return &subscriptions{db: s.db} }
func (s *sqliteStore) Close() error                       { return s.db.Close() }

// HealthPing implements health.HealthPinger for the SQLite store.
func (s *sqliteStore) HealthPing(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func ms(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

// --- Identities ---
type identities struct{ db *sql.DB }

func (i *identities) Get(ctx context.Context, userID string) (*model.ExternalIdentity, error) {
	var (
		out       = model.ExternalIdentity{UserID: userID}
		extID     sql.NullString
		claimant  sql.NullString
		claimedAt int64
		createdAt sql.NullInt64
	)
	row := i.db.QueryRowContext(ctx, `
        SELECT external_user_id, claimant, claimed_at, created_at
        FROM external_identities WHERE user_id = ?
    `, userID)
	if err := row.Scan(&extID, &claimant, &claimedAt, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.NewNotFoundError("userId", "no external identity for user")
		}
		return nil, err
	}
	out.ExternalUserID = extID.String
	out.Claimant = claimant.String
	out.ClaimedAt = fromMS(claimedAt)
	if createdAt.Valid {
		t := fromMS(createdAt.Int64)
		out.CreatedAt = &t
	}
	return &out, nil
}

func (i *identities) Claim(ctx context.Context, userID, claimant string, staleBefore time.Time) (bool, *model.ExternalIdentity, error) {
	var got string
	err := i.db.QueryRowContext(ctx, `
        INSERT INTO external_identities (user_id, claimant, claimed_at)
        VALUES (?, ?, ?)
        ON CONFLICT (user_id) DO UPDATE
        SET claimant = excluded.claimant, claimed_at = excluded.claimed_at
        WHERE external_identities.external_user_id IS NULL
          AND external_identities.claimed_at < ?
        RETURNING claimant
    `, userID, claimant, ms(time.Now()), ms(staleBefore)).Scan(&got)
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
        SET external_user_id = ?, claimant = NULL, created_at = ?
        WHERE user_id = ? AND claimant = ? AND external_user_id IS NULL
    `, externalUserID, ms(time.Now()), userID, claimant)
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
        WHERE user_id = ? AND claimant = ? AND external_user_id IS NULL
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
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (user_id, message_id) DO UPDATE
        SET chat_id = excluded.chat_id, memories = excluded.memories, created_at = excluded.created_at
    `, m.UserID, m.MessageID, m.ChatID, string(mems), ms(created))
	return err
}

func (l *links) Get(ctx context.Context, userID, messageID string) (*model.MessageMemoryLink, error) {
	row := l.db.QueryRowContext(ctx, `
        SELECT message_id, chat_id, memories, created_at
        FROM message_memory_links WHERE user_id = ? AND message_id = ?
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
        FROM message_memory_links WHERE user_id = ? AND chat_id = ?
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
		out     = model.MessageMemoryLink{UserID: userID}
		mems    string
		created int64
	)
	if err := sc.Scan(&out.MessageID, &out.ChatID, &mems, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(mems), &out.Memories); err != nil {
		return nil, fmt.Errorf("decode memories: %w", err)
	}
	out.CreatedAt = fromMS(created)
	return &out, nil
}

// --- Usage ---
type usage struct{ db *sql.DB }

func (u *usage) Counters(ctx context.Context, userID string, periodStart time.Time) (map[model.Metric]int64, error) {
	rows, err := u.db.QueryContext(ctx, `
        SELECT metric, count FROM usage_counters
        WHERE user_id = ? AND period_start = ?
    `, userID, ms(periodStart))
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
	now := ms(time.Now())

	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var count int64
	err = tx.QueryRowContext(ctx, `
        INSERT INTO usage_counters (user_id, metric, period_start, count, updated_at)
        SELECT ?, ?, ?, 1, ? WHERE ? > 0
        ON CONFLICT (user_id, metric, period_start) DO UPDATE
        SET count = usage_counters.count + 1, updated_at = excluded.updated_at
        WHERE usage_counters.count < ?
        RETURNING count
    `, userID, string(metric), ms(periodStart), now, limit, limit).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		err = tx.QueryRowContext(ctx, `
            SELECT count FROM usage_counters
            WHERE user_id = ? AND metric = ? AND period_start = ?
        `, userID, string(metric), ms(periodStart)).Scan(&count)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return count, false, err
	}
	if err != nil {
		return 0, false, err
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO usage_events (user_id, metric, occurred_at) VALUES (?, ?, ?)
    `, userID, string(metric), now); err != nil {
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
        WHERE user_id = ? AND occurred_at >= ?
        GROUP BY metric
    `, userID, ms(since))
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
	now := ms(time.Now())
	for metric, n := range counts {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO usage_counters (user_id, metric, period_start, count, updated_at)
            VALUES (?, ?, ?, ?, ?)
            ON CONFLICT (user_id, metric, period_start) DO UPDATE
            SET count = excluded.count, updated_at = excluded.updated_at
        `, userID, string(metric), ms(periodStart), n, now); err != nil {
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
	var (
		out         = model.Subscription{UserID: userID}
		periodStart int64
		updatedAt   int64
	)
	row := s.db.QueryRowContext(ctx, `
        SELECT plan_id, period_start, updated_at FROM subscriptions WHERE user_id = ?
    `, userID)
	if err := row.Scan(&out.PlanID, &periodStart, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.NewNotFoundError("userId", "no subscription for user")
		}
		return nil, err
	}
	out.PeriodStart = fromMS(periodStart)
	out.UpdatedAt = fromMS(updatedAt)
	return &out, nil
}

func (s *subscriptions) Put(ctx context.Context, sub *model.Subscription) error {
	updated := sub.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO subscriptions (user_id, plan_id, period_start, updated_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT (user_id) DO UPDATE
        SET plan_id = excluded.plan_id, period_start = excluded.period_start, updated_at = excluded.updated_at
    `, sub.UserID, sub.PlanID, ms(sub.PeriodStart), ms(updated))
	return err
}
