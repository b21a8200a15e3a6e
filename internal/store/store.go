package store

import (
	"context"
	"time"

	"github.com/mycelian/mycelian-memory/companion/internal/model"
)

// Store exposes persistence operations required by services.
// Implementations live under internal/store/<driver>/ (postgres, sqlite).
// Lookups that find nothing return an error matching model.ErrNotFound.
type Store interface {
	Identities() Identities
	Links() Links
	Usage() Usage
	Subscriptions() Subscriptions
	HealthPing(ctx context.Context) error
	Close() error
}

// Identities persists the user -> external memory-service user mapping.
type Identities interface {
	Get(ctx context.Context, userID string) (*model.ExternalIdentity, error)
	// Claim takes the right to provision userID. It succeeds when no row exists or
	// the existing row is an incomplete claim made before staleBefore. When the
	// claim is not taken the current row is returned.
	Claim(ctx context.Context, userID, claimant string, staleBefore time.Time) (bool, *model.ExternalIdentity, error)
	// Complete records the provisioned id. It returns false if claimant no longer
	// owns the claim.
	Complete(ctx context.Context, userID, claimant, externalUserID string) (bool, error)
	// Release drops an incomplete claim owned by claimant.
	Release(ctx context.Context, userID, claimant string) error
}

// Links persists message -> memory snapshots.
type Links interface {
	// Put upserts the link for (userID, messageID), replacing any prior list.
	Put(ctx context.Context, l *model.MessageMemoryLink) error
	Get(ctx context.Context, userID, messageID string) (*model.MessageMemoryLink, error)
	// ListByChat returns the chat's links, oldest first.
	ListByChat(ctx context.Context, userID, chatID string) ([]*model.MessageMemoryLink, error)
}

// Usage persists per-period counters and the event ledger behind them.
type Usage interface {
	Counters(ctx context.Context, userID string, periodStart time.Time) (map[model.Metric]int64, error)
	// Increment adds one to the counter if it is below ceiling and appends a ledger
	// event in the same transaction. It returns the resulting count and whether the
	// increment happened; when rejected the count is the current value.
	Increment(ctx context.Context, userID string, metric model.Metric, periodStart time.Time, ceiling model.Limit) (int64, bool, error)
	// CountEvents counts ledger events recorded at or after since.
	CountEvents(ctx context.Context, userID string, since time.Time) (map[model.Metric]int64, error)
	// Overwrite replaces the counters of the period with counts.
	Overwrite(ctx context.Context, userID string, periodStart time.Time, counts map[model.Metric]int64) error
}

// Subscriptions holds plan assignments written by the billing collaborator.
type Subscriptions interface {
	Get(ctx context.Context, userID string) (*model.Subscription, error)
	Put(ctx context.Context, s *model.Subscription) error
}
