package usage

import (
	"github.com/mycelian/mycelian-memory/companion/internal/model"
	"github.com/mycelian/mycelian-memory/companion/internal/plans"
)

// UnlimitedPercentage is reported for metrics the plan does not cap.
const UnlimitedPercentage = 0.0

// Percentage is count as a share of limit, in percent. It never goes below 0 and
// may exceed 100 when the counter overshot. Unlimited renders as
// UnlimitedPercentage; a zero limit renders as 100 since nothing is allowed.
func Percentage(count int64, limit model.Limit) float64 {
	if limit.IsUnlimited() {
		return UnlimitedPercentage
	}
	if limit.Value() == 0 {
		return 100
	}
	if count <= 0 {
		return 0
	}
	return float64(count) * 100 / float64(limit.Value())
}

// Percentages computes Percentage for every tracked metric. A metric missing
// from usage counts as 0; one missing from limits uses the plan's declared limit.
func Percentages(usage map[model.Metric]int64, limits map[model.Metric]model.Limit, plan *plans.Plan) map[model.Metric]float64 {
	out := make(map[model.Metric]float64, len(model.Metrics))
	for _, m := range model.Metrics {
		limit, ok := limits[m]
		if !ok {
			if plan == nil {
				continue
			}
			limit = plan.Limit(m)
		}
		out[m] = Percentage(usage[m], limit)
	}
	return out
}
