package services

import (
	"context"

	"github.com/mycelian/mycelian-memory/companion/internal/model"
	"github.com/mycelian/mycelian-memory/companion/internal/usage"
)

// UsageService exposes usage reporting and reconciliation.
type UsageService struct {
	acct *usage.Accountant
}

func NewUsageService(acct *usage.Accountant) *UsageService {
	return &UsageService{acct: acct}
}

// Summary returns the user's consumption for the current billing period.
func (s *UsageService) Summary(ctx context.Context, user model.User) (usage.Summary, error) {
	return s.acct.Summary(ctx, user.ID)
}

// Sync recomputes the user's counters from the authoritative sources.
func (s *UsageService) Sync(ctx context.Context, user model.User) (usage.ReconcileResult, error) {
	return s.acct.Reconcile(ctx, user.ID)
}

// Record counts one billable interaction, refusing it when the plan is exhausted.
func (s *UsageService) Record(ctx context.Context, user model.User, metric model.Metric) (usage.Decision, error) {
	d, err := s.acct.CheckAndIncrement(ctx, user.ID, metric)
	if err != nil {
		return d, err
	}
	if !d.Allowed {
		return d, model.QuotaExceededError{Metric: d.Metric, Count: d.Count, Limit: d.Limit}
	}
	return d, nil
}
