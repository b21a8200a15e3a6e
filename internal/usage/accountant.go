package usage

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mycelian/mycelian-memory/companion/internal/metrics"
	"github.com/mycelian/mycelian-memory/companion/internal/model"
	"github.com/mycelian/mycelian-memory/companion/internal/plans"
	"github.com/mycelian/mycelian-memory/companion/internal/store"
)

// Resolution is the plan in force for a user and the start of its billing period.
type Resolution struct {
	Plan        *plans.Plan
	PeriodStart time.Time
	// Fallback is set when the plan could not be resolved and the free plan was used.
	Fallback  bool
	LookupErr error
}

// Decision is the outcome of a quota check.
type Decision struct {
	Metric   model.Metric
	Allowed  bool
	Count    int64
	Limit    model.Limit
	PlanID   string
	Fallback bool
}

// MetricUsage is one row of the usage summary.
type MetricUsage struct {
	Current    int64       `json:"current"`
	Limit      model.Limit `json:"limit"`
	Percentage float64     `json:"percentage"`
}

// Summary reports a user's consumption for the current period.
type Summary struct {
	PlanID       string                       `json:"planId"`
	PlanFallback bool                         `json:"planFallback"`
	PeriodStart  time.Time                    `json:"periodStart"`
	Usage        map[model.Metric]MetricUsage `json:"usage"`
}

// Accountant tracks per-user usage counters against plan limits.
type Accountant struct {
	usage       store.Usage
	subs        store.Subscriptions
	catalog     *plans.Catalog
	authorities []Authority
	m           *metrics.Metrics
	log         zerolog.Logger
	now         func() time.Time
}

// New builds an accountant. Reconcile consults authorities in order, later ones
// overriding earlier ones; with none given the local ledger is used. A nil m
// records into a private registry.
func New(usage store.Usage, subs store.Subscriptions, catalog *plans.Catalog, m *metrics.Metrics, log zerolog.Logger, authorities ...Authority) *Accountant {
	if len(authorities) == 0 {
		authorities = []Authority{NewLedgerAuthority(usage)}
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Accountant{
		usage:       usage,
		subs:        subs,
		catalog:     catalog,
		authorities: authorities,
		m:           m,
		log:         log,
		now:         time.Now,
	}
}

// Plan resolves the user's plan. A missing subscription or unknown plan id is a
// PlanLookupError; it is logged, reported in LookupErr, and the free plan is used.
func (a *Accountant) Plan(ctx context.Context, userID string) Resolution {
	sub, err := a.subs.Get(ctx, userID)
	if err != nil {
		return a.fallback(userID, &model.PlanLookupError{UserID: userID, Cause: err})
	}
	p, ok := a.catalog.Get(sub.PlanID)
	if !ok {
		return a.fallback(userID, &model.PlanLookupError{UserID: userID, PlanID: sub.PlanID, Cause: model.ErrNotFound})
	}
	start := sub.PeriodStart
	if start.IsZero() {
		start = monthStart(a.now())
	}
	return Resolution{Plan: p, PeriodStart: start.UTC()}
}

func (a *Accountant) fallback(userID string, err *model.PlanLookupError) Resolution {
	a.m.PlanFallbacks.Inc()
	ev := a.log.Warn()
	if !model.IsNotFoundError(err) {
		ev = a.log.Error().Stack()
	}
	ev.Err(err).Str("user_id", userID).Msg("plan lookup failed; using free plan")
	return Resolution{
		Plan:        a.catalog.Free(),
		PeriodStart: monthStart(a.now()),
		Fallback:    true,
		LookupErr:   err,
	}
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Check reports whether one more use of metric fits the user's plan without
// recording anything.
func (a *Accountant) Check(ctx context.Context, userID string, metric model.Metric) (Decision, error) {
	if !metric.Valid() {
		return Decision{}, model.NewValidationError("metric", "unknown metric")
	}
	res := a.Plan(ctx, userID)
	counts, err := a.usage.Counters(ctx, userID, res.PeriodStart)
	if err != nil {
		return Decision{}, &model.PersistenceError{Op: "usage_counters", Cause: err}
	}
	limit := res.Plan.Limit(metric)
	count := counts[metric]
	return Decision{
		Metric:   metric,
		Allowed:  limit.Allows(count),
		Count:    count,
		Limit:    limit,
		PlanID:   res.Plan.ID,
		Fallback: res.Fallback,
	}, nil
}

// CheckAndIncrement records one use of metric if the plan allows it. The
// comparison and increment are one storage statement, so concurrent callers
// can never push the counter past the limit.
func (a *Accountant) CheckAndIncrement(ctx context.Context, userID string, metric model.Metric) (Decision, error) {
	if !metric.Valid() {
		return Decision{}, model.NewValidationError("metric", "unknown metric")
	}
	res := a.Plan(ctx, userID)
	limit := res.Plan.Limit(metric)
	count, ok, err := a.usage.Increment(ctx, userID, metric, res.PeriodStart, limit)
	if err != nil {
		return Decision{}, &model.PersistenceError{Op: "usage_increment", Cause: err}
	}
	if !ok {
		a.m.QuotaRejections.WithLabelValues(string(metric)).Inc()
	}
	return Decision{
		Metric:   metric,
		Allowed:  ok,
		Count:    count,
		Limit:    limit,
		PlanID:   res.Plan.ID,
		Fallback: res.Fallback,
	}, nil
}

// Charge records one completed use of metric. The plan limit is not enforced:
// the operation already happened, so the counter and the ledger must reflect it
// even when a concurrent caller took the last slot after the pre-check.
func (a *Accountant) Charge(ctx context.Context, userID string, metric model.Metric) (Decision, error) {
	if !metric.Valid() {
		return Decision{}, model.NewValidationError("metric", "unknown metric")
	}
	res := a.Plan(ctx, userID)
	limit := res.Plan.Limit(metric)
	count, _, err := a.usage.Increment(ctx, userID, metric, res.PeriodStart, model.Unlimited)
	if err != nil {
		return Decision{}, &model.PersistenceError{Op: "usage_increment", Cause: err}
	}
	if !limit.IsUnlimited() && count > limit.Value() {
		a.log.Warn().Str("user_id", userID).Str("metric", string(metric)).Int64("count", count).
			Int64("limit", limit.Value()).Msg("usage charged past plan limit")
	}
	return Decision{
		Metric:   metric,
		Allowed:  true,
		Count:    count,
		Limit:    limit,
		PlanID:   res.Plan.ID,
		Fallback: res.Fallback,
	}, nil
}

// Summary returns every metric's current count, limit and percentage.
func (a *Accountant) Summary(ctx context.Context, userID string) (Summary, error) {
	res := a.Plan(ctx, userID)
	counts, err := a.usage.Counters(ctx, userID, res.PeriodStart)
	if err != nil {
		return Summary{}, &model.PersistenceError{Op: "usage_counters", Cause: err}
	}
	pct := Percentages(counts, res.Plan.Limits, res.Plan)
	out := Summary{
		PlanID:       res.Plan.ID,
		PlanFallback: res.Fallback,
		PeriodStart:  res.PeriodStart,
		Usage:        make(map[model.Metric]MetricUsage, len(model.Metrics)),
	}
	for _, m := range model.Metrics {
		out.Usage[m] = MetricUsage{Current: counts[m], Limit: res.Plan.Limit(m), Percentage: pct[m]}
	}
	return out, nil
}
