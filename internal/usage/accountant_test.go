package usage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycelian/mycelian-memory/companion/internal/model"
	"github.com/mycelian/mycelian-memory/companion/internal/plans"
	"github.com/mycelian/mycelian-memory/companion/internal/store"
	"github.com/mycelian/mycelian-memory/companion/internal/store/sqlite"
)

// Ledger events are stamped with the wall clock, so the test period is the current month.
var testPeriod = monthStart(time.Now())

func newFixture(t *testing.T, authorities ...Authority) (*Accountant, store.Store) {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	s := sqlite.NewWithDB(db)
	t.Cleanup(func() { _ = s.Close() })

	catalog, err := plans.Default()
	require.NoError(t, err)
	a := New(s.Usage(), s.Subscriptions(), catalog, nil, zerolog.Nop(), authorities...)
	return a, s
}

func subscribe(t *testing.T, s store.Store, userID, planID string) {
	t.Helper()
	require.NoError(t, s.Subscriptions().Put(context.Background(), &model.Subscription{UserID: userID, PlanID: planID, PeriodStart: testPeriod}))
}

func TestPercentage(t *testing.T) {
	tests := []struct {
		name  string
		count int64
		limit model.Limit
		want  float64
	}{
		{"half", 5, model.LimitOf(10), 50},
		{"unlimited sentinel", 5, model.Unlimited, UnlimitedPercentage},
		{"zero count", 0, model.LimitOf(10), 0},
		{"overshoot", 15, model.LimitOf(10), 150},
		{"negative clamps", -3, model.LimitOf(10), 0},
		{"no allowance", 0, model.LimitOf(0), 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Percentage(tt.count, tt.limit), 1e-9)
		})
	}
}

func TestPercentages_Defaults(t *testing.T) {
	catalog, err := plans.Default()
	require.NoError(t, err)
	free := catalog.Free()

	got := Percentages(
		map[model.Metric]int64{model.MetricMemoriesAdded: 5},
		map[model.Metric]model.Limit{model.MetricMemoriesAdded: model.LimitOf(10)},
		free,
	)
	assert.InDelta(t, 50, got[model.MetricMemoriesAdded], 1e-9)
	// absent from usage: count 0 against the plan limit
	assert.InDelta(t, 0, got[model.MetricMemoriesSearched], 1e-9)
	// absent from limits: free plan has no voice allowance
	assert.InDelta(t, 100, got[model.MetricVoiceChats], 1e-9)
	assert.Len(t, got, len(model.Metrics))
}

func TestPlan_FallbackIsReported(t *testing.T) {
	a, s := newFixture(t)
	ctx := context.Background()

	res := a.Plan(ctx, "nobody")
	assert.True(t, res.Fallback)
	assert.Equal(t, plans.FreePlanID, res.Plan.ID)
	assert.True(t, model.IsPlanLookupError(res.LookupErr))
	assert.Equal(t, testPeriod, res.PeriodStart)

	subscribe(t, s, "u-legacy", "gold")
	res = a.Plan(ctx, "u-legacy")
	assert.True(t, res.Fallback)
	var ple *model.PlanLookupError
	require.ErrorAs(t, res.LookupErr, &ple)
	assert.Equal(t, "gold", ple.PlanID)

	subscribe(t, s, "u-plus", "plus")
	res = a.Plan(ctx, "u-plus")
	assert.False(t, res.Fallback)
	assert.Equal(t, "plus", res.Plan.ID)
	assert.NoError(t, res.LookupErr)
}

func TestCheckAndIncrement_StopsAtLimit(t *testing.T) {
	a, _ := newFixture(t)
	ctx := context.Background()
	// free plan: memoriesAdded = 10
	for i := int64(1); i <= 10; i++ {
		d, err := a.CheckAndIncrement(ctx, "u1", model.MetricMemoriesAdded)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		assert.Equal(t, i, d.Count)
	}
	d, err := a.CheckAndIncrement(ctx, "u1", model.MetricMemoriesAdded)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(10), d.Count)
	assert.True(t, d.Fallback)

	check, err := a.Check(ctx, "u1", model.MetricMemoriesAdded)
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.Equal(t, int64(10), check.Count)
}

func TestCheckAndIncrement_ConcurrentAtLastSlot(t *testing.T) {
	a, s := newFixture(t)
	ctx := context.Background()
	require.NoError(t, s.Usage().Overwrite(ctx, "u1", testPeriod, map[model.Metric]int64{model.MetricMemoriesAdded: 9}))

	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
		denied  atomic.Int32
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := a.CheckAndIncrement(ctx, "u1", model.MetricMemoriesAdded)
			if !assert.NoError(t, err) {
				return
			}
			if d.Allowed {
				allowed.Add(1)
			} else {
				denied.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), allowed.Load())
	assert.Equal(t, int32(1), denied.Load())
}

func TestCharge_CountsPastLimit(t *testing.T) {
	a, s := newFixture(t)
	ctx := context.Background()
	require.NoError(t, s.Usage().Overwrite(ctx, "u1", testPeriod, map[model.Metric]int64{model.MetricMemoriesAdded: 10}))

	d, err := a.Charge(ctx, "u1", model.MetricMemoriesAdded)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(11), d.Count)
	assert.Equal(t, model.LimitOf(10), d.Limit)

	events, err := s.Usage().CountEvents(ctx, "u1", testPeriod)
	require.NoError(t, err)
	assert.Equal(t, int64(1), events[model.MetricMemoriesAdded])

	check, err := a.Check(ctx, "u1", model.MetricMemoriesAdded)
	require.NoError(t, err)
	assert.False(t, check.Allowed)

	_, err = a.Charge(ctx, "u1", model.Metric("teleports"))
	assert.True(t, model.IsValidationError(err))
}

func TestCheck_UnknownMetric(t *testing.T) {
	a, _ := newFixture(t)
	_, err := a.Check(context.Background(), "u1", model.Metric("teleports"))
	assert.True(t, model.IsValidationError(err))
}

func TestSummary(t *testing.T) {
	a, s := newFixture(t)
	ctx := context.Background()
	subscribe(t, s, "u1", "pro")
	for i := 0; i < 3; i++ {
		_, err := a.CheckAndIncrement(ctx, "u1", model.MetricVoiceChats)
		require.NoError(t, err)
	}

	sum, err := a.Summary(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "pro", sum.PlanID)
	assert.False(t, sum.PlanFallback)
	require.Len(t, sum.Usage, len(model.Metrics))
	voice := sum.Usage[model.MetricVoiceChats]
	assert.Equal(t, int64(3), voice.Current)
	assert.Equal(t, model.LimitOf(500), voice.Limit)
	assert.InDelta(t, 0.6, voice.Percentage, 1e-9)
	assert.Equal(t, UnlimitedPercentage, sum.Usage[model.MetricMemoriesAdded].Percentage)
}

type stubAuthority struct {
	name   string
	counts map[model.Metric]int64
	err    error
}

func (s stubAuthority) Name() string { return s.name }
func (s stubAuthority) Counts(context.Context, string, time.Time) (map[model.Metric]int64, error) {
	return s.counts, s.err
}

func TestReconcile_LaterAuthorityWins(t *testing.T) {
	a, s := newFixture(t)
	ctx := context.Background()
	a.authorities = []Authority{
		NewLedgerAuthority(s.Usage()),
		stubAuthority{name: "down", err: errors.New("timeout")},
		stubAuthority{name: "external", counts: map[model.Metric]int64{model.MetricMemoriesAdded: 4}},
	}
	// drifted counters: 7 recorded locally, 2 ledger events, 4 held externally
	require.NoError(t, s.Usage().Overwrite(ctx, "u1", testPeriod, map[model.Metric]int64{
		model.MetricMemoriesAdded:    7,
		model.MetricMemoriesSearched: 9,
	}))
	for i := 0; i < 2; i++ {
		_, err := a.CheckAndIncrement(ctx, "u1", model.MetricBasicInteractions)
		require.NoError(t, err)
	}

	res, err := a.Reconcile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ledger", "external"}, res.Applied)
	assert.Equal(t, []string{"down"}, res.Skipped)

	counts, err := s.Usage().Counters(ctx, "u1", testPeriod)
	require.NoError(t, err)
	assert.Equal(t, int64(4), counts[model.MetricMemoriesAdded])
	assert.Equal(t, int64(0), counts[model.MetricMemoriesSearched])
	assert.Equal(t, int64(2), counts[model.MetricBasicInteractions])
}

func TestReconcile_AllAuthoritiesFail(t *testing.T) {
	a, s := newFixture(t)
	ctx := context.Background()
	a.authorities = []Authority{stubAuthority{name: "down", err: errors.New("timeout")}}
	require.NoError(t, s.Usage().Overwrite(ctx, "u1", testPeriod, map[model.Metric]int64{model.MetricMemoriesAdded: 7}))

	_, err := a.Reconcile(ctx, "u1")
	assert.ErrorIs(t, err, ErrNoAuthority)

	counts, err := s.Usage().Counters(ctx, "u1", testPeriod)
	require.NoError(t, err)
	assert.Equal(t, int64(7), counts[model.MetricMemoriesAdded], "counters untouched")
}

type fakeLookup struct {
	extID string
	ok    bool
}

func (f fakeLookup) Lookup(context.Context, string) (string, bool, error) { return f.extID, f.ok, nil }

type fakeCounter struct {
	n     int64
	since time.Time
}

func (f *fakeCounter) Count(_ context.Context, _ string, since time.Time) (int64, error) {
	f.since = since
	return f.n, nil
}

func TestMemoryServiceAuthority(t *testing.T) {
	counter := &fakeCounter{n: 12}
	auth := NewMemoryServiceAuthority(fakeLookup{extID: "ext-1", ok: true}, counter)
	got, err := auth.Counts(context.Background(), "u1", testPeriod)
	require.NoError(t, err)
	assert.Equal(t, map[model.Metric]int64{model.MetricMemoriesAdded: 12}, got)
	assert.Equal(t, testPeriod, counter.since)

	unprovisioned := NewMemoryServiceAuthority(fakeLookup{}, counter)
	got, err = unprovisioned.Counts(context.Background(), "u1", testPeriod)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got[model.MetricMemoriesAdded])
}
