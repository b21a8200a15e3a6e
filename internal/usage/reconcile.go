package usage

import (
	"context"
	"errors"
	"time"

	"github.com/mycelian/mycelian-memory/companion/internal/metrics"
	"github.com/mycelian/mycelian-memory/companion/internal/model"
	"github.com/mycelian/mycelian-memory/companion/internal/store"
)

// Authority is a source of truth for usage counts since a point in time.
type Authority interface {
	Name() string
	Counts(ctx context.Context, userID string, since time.Time) (map[model.Metric]int64, error)
}

// LedgerAuthority counts the local usage-event ledger. It reports every metric,
// so metrics without events reset to zero.
type LedgerAuthority struct{ usage store.Usage }

func NewLedgerAuthority(usage store.Usage) *LedgerAuthority { return &LedgerAuthority{usage: usage} }

func (l *LedgerAuthority) Name() string { return "ledger" }

func (l *LedgerAuthority) Counts(ctx context.Context, userID string, since time.Time) (map[model.Metric]int64, error) {
	got, err := l.usage.CountEvents(ctx, userID, since)
	if err != nil {
		return nil, err
	}
	out := make(map[model.Metric]int64, len(model.Metrics))
	for _, m := range model.Metrics {
		out[m] = got[m]
	}
	return out, nil
}

// IdentityLookup finds an existing external identity without provisioning one.
type IdentityLookup interface {
	Lookup(ctx context.Context, userID string) (string, bool, error)
}

// MemoryCounter counts memories held by the external service.
type MemoryCounter interface {
	Count(ctx context.Context, externalUserID string, since time.Time) (int64, error)
}

// MemoryServiceAuthority takes memoriesAdded from the external memory service.
type MemoryServiceAuthority struct {
	ids     IdentityLookup
	counter MemoryCounter
}

func NewMemoryServiceAuthority(ids IdentityLookup, counter MemoryCounter) *MemoryServiceAuthority {
	return &MemoryServiceAuthority{ids: ids, counter: counter}
}

func (m *MemoryServiceAuthority) Name() string { return "memory_service" }

func (m *MemoryServiceAuthority) Counts(ctx context.Context, userID string, since time.Time) (map[model.Metric]int64, error) {
	extID, ok, err := m.ids.Lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// never provisioned, so nothing was ever stored
		return map[model.Metric]int64{model.MetricMemoriesAdded: 0}, nil
	}
	n, err := m.counter.Count(ctx, extID, since)
	if err != nil {
		return nil, err
	}
	return map[model.Metric]int64{model.MetricMemoriesAdded: n}, nil
}

// ReconcileResult describes what a reconcile wrote.
type ReconcileResult struct {
	PlanID      string                 `json:"planId"`
	PeriodStart time.Time              `json:"periodStart"`
	Counts      map[model.Metric]int64 `json:"counts"`
	Applied     []string               `json:"applied"`
	Skipped     []string               `json:"skipped,omitempty"`
}

// ErrNoAuthority is returned when every authority failed and nothing was written.
var ErrNoAuthority = errors.New("no usage authority available")

// Reconcile recomputes the user's counters for the current period from the
// authorities and overwrites the stored values. A failing authority is logged
// and skipped.
func (a *Accountant) Reconcile(ctx context.Context, userID string) (ReconcileResult, error) {
	res := a.Plan(ctx, userID)
	out := ReconcileResult{
		PlanID:      res.Plan.ID,
		PeriodStart: res.PeriodStart,
		Counts:      make(map[model.Metric]int64),
	}
	for _, auth := range a.authorities {
		got, err := auth.Counts(ctx, userID, res.PeriodStart)
		a.m.ReconcileAuthorities.WithLabelValues(auth.Name(), metrics.Outcome(err)).Inc()
		if err != nil {
			a.log.Warn().Err(err).Str("user_id", userID).Str("authority", auth.Name()).Msg("usage authority failed; skipping")
			out.Skipped = append(out.Skipped, auth.Name())
			continue
		}
		for m, n := range got {
			out.Counts[m] = n
		}
		out.Applied = append(out.Applied, auth.Name())
	}
	if len(out.Applied) == 0 {
		return out, ErrNoAuthority
	}
	if err := a.usage.Overwrite(ctx, userID, res.PeriodStart, out.Counts); err != nil {
		return out, &model.PersistenceError{Op: "usage_overwrite", Cause: err}
	}
	a.log.Info().Str("user_id", userID).Strs("applied", out.Applied).Strs("skipped", out.Skipped).Msg("usage reconciled")
	return out, nil
}
