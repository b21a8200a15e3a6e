package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mycelian/mycelian-memory/companion/internal/model"
	"github.com/mycelian/mycelian-memory/companion/internal/store"
)

// Run exercises a compliance suite against a store.Store implementation.
// Implementations should provide a clean, isolated store and return it from makeStore.
func Run(t *testing.T, makeStore func(t *testing.T) store.Store) {
	t.Helper()

	s := makeStore(t)
	t.Run("Identities", func(t *testing.T) { identities(t, s) })
	t.Run("Links", func(t *testing.T) { links(t, s) })
	t.Run("Usage", func(t *testing.T) { usage(t, s) })
	t.Run("UsageConcurrentCeiling", func(t *testing.T) { usageConcurrent(t, s) })
	t.Run("Subscriptions", func(t *testing.T) { subscriptions(t, s) })
}

func newUserID() string { return "u-" + uuid.New().String() }

func identities(t *testing.T, s store.Store) {
	ctx := context.Background()
	userID := newUserID()

	if _, err := s.Identities().Get(ctx, userID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Get missing: want ErrNotFound, got %v", err)
	}

	ok, _, err := s.Identities().Claim(ctx, userID, "c1", time.Now().Add(-time.Minute))
	if err != nil || !ok {
		t.Fatalf("Claim first: ok=%v err=%v", ok, err)
	}
	ok, cur, err := s.Identities().Claim(ctx, userID, "c2", time.Now().Add(-time.Minute))
	if err != nil || ok {
		t.Fatalf("Claim fresh contender: ok=%v err=%v", ok, err)
	}
	if cur == nil || cur.Claimant != "c1" || cur.Complete() {
		t.Fatalf("Claim fresh contender: unexpected current row %+v", cur)
	}

	// a stale claim may be taken over; the old claimant can no longer complete
	ok, _, err = s.Identities().Claim(ctx, userID, "c2", time.Now().Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("Claim stale takeover: ok=%v err=%v", ok, err)
	}
	if done, err := s.Identities().Complete(ctx, userID, "c1", "ext-old"); err != nil || done {
		t.Fatalf("Complete by evicted claimant: done=%v err=%v", done, err)
	}
	if done, err := s.Identities().Complete(ctx, userID, "c2", "ext-1"); err != nil || !done {
		t.Fatalf("Complete: done=%v err=%v", done, err)
	}
	got, err := s.Identities().Get(ctx, userID)
	if err != nil || !got.Complete() || got.ExternalUserID != "ext-1" || got.CreatedAt == nil {
		t.Fatalf("Get completed: got=%+v err=%v", got, err)
	}

	// completed mappings are never reclaimed
	ok, cur, err = s.Identities().Claim(ctx, userID, "c3", time.Now().Add(time.Hour))
	if err != nil || ok || cur.ExternalUserID != "ext-1" {
		t.Fatalf("Claim completed: ok=%v cur=%+v err=%v", ok, cur, err)
	}
	if err := s.Identities().Release(ctx, userID, "c2"); err != nil {
		t.Fatalf("Release completed: %v", err)
	}
	if got, err := s.Identities().Get(ctx, userID); err != nil || got.ExternalUserID != "ext-1" {
		t.Fatalf("Release must not drop a completed mapping: got=%+v err=%v", got, err)
	}

	// release frees an incomplete claim
	other := newUserID()
	if ok, _, err := s.Identities().Claim(ctx, other, "c1", time.Now()); err != nil || !ok {
		t.Fatalf("Claim other: ok=%v err=%v", ok, err)
	}
	if err := s.Identities().Release(ctx, other, "c1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := s.Identities().Get(ctx, other); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Get after release: want ErrNotFound, got %v", err)
	}
}

func links(t *testing.T, s store.Store) {
	ctx := context.Background()
	userID := newUserID()
	base := time.Now().UTC().Truncate(time.Millisecond)

	first := &model.MessageMemoryLink{
		UserID: userID, MessageID: "m1", ChatID: "c1", CreatedAt: base,
		Memories: []model.MemorySummary{{MemoryID: "a", Content: "likes tea"}, {MemoryID: "b", Content: "lives in Oslo", Category: "location"}},
	}
	if err := s.Links().Put(ctx, first); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Links().Get(ctx, userID, "m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ChatID != "c1" || len(got.Memories) != 2 || got.Memories[0].MemoryID != "a" || got.Memories[1].Category != "location" {
		t.Fatalf("Get: unexpected link %+v", got)
	}
	if !got.CreatedAt.Equal(base) {
		t.Fatalf("Get: created=%v want %v", got.CreatedAt, base)
	}

	// second write replaces the list
	replaced := &model.MessageMemoryLink{
		UserID: userID, MessageID: "m1", ChatID: "c1", CreatedAt: base.Add(time.Second),
		Memories: []model.MemorySummary{{MemoryID: "c", Content: "prefers mornings"}},
	}
	if err := s.Links().Put(ctx, replaced); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, err = s.Links().Get(ctx, userID, "m1")
	if err != nil || len(got.Memories) != 1 || got.Memories[0].MemoryID != "c" {
		t.Fatalf("Get overwritten: got=%+v err=%v", got, err)
	}

	if err := s.Links().Put(ctx, &model.MessageMemoryLink{
		UserID: userID, MessageID: "m2", ChatID: "c1", CreatedAt: base.Add(2 * time.Second),
		Memories: []model.MemorySummary{{MemoryID: "d"}},
	}); err != nil {
		t.Fatalf("Put m2: %v", err)
	}
	lst, err := s.Links().ListByChat(ctx, userID, "c1")
	if err != nil || len(lst) != 2 || lst[0].MessageID != "m1" || lst[1].MessageID != "m2" {
		t.Fatalf("ListByChat: n=%d err=%v", len(lst), err)
	}

	// links are scoped to their owner
	if _, err := s.Links().Get(ctx, newUserID(), "m1"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Get other user: want ErrNotFound, got %v", err)
	}
}

func usage(t *testing.T, s store.Store) {
	ctx := context.Background()
	userID := newUserID()
	period := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	u := s.Usage()

	for i := int64(1); i <= 2; i++ {
		n, ok, err := u.Increment(ctx, userID, model.MetricMemoriesAdded, period, model.LimitOf(2))
		if err != nil || !ok || n != i {
			t.Fatalf("Increment %d: n=%d ok=%v err=%v", i, n, ok, err)
		}
	}
	n, ok, err := u.Increment(ctx, userID, model.MetricMemoriesAdded, period, model.LimitOf(2))
	if err != nil || ok || n != 2 {
		t.Fatalf("Increment over ceiling: n=%d ok=%v err=%v", n, ok, err)
	}

	// zero ceiling never creates a counter
	n, ok, err = u.Increment(ctx, userID, model.MetricVideosGenerated, period, model.LimitOf(0))
	if err != nil || ok || n != 0 {
		t.Fatalf("Increment zero ceiling: n=%d ok=%v err=%v", n, ok, err)
	}
	if _, ok, err := u.Increment(ctx, userID, model.MetricBasicInteractions, period, model.Unlimited); err != nil || !ok {
		t.Fatalf("Increment unlimited: ok=%v err=%v", ok, err)
	}

	counts, err := u.Counters(ctx, userID, period)
	if err != nil {
		t.Fatalf("Counters: %v", err)
	}
	if counts[model.MetricMemoriesAdded] != 2 || counts[model.MetricBasicInteractions] != 1 || counts[model.MetricVideosGenerated] != 0 {
		t.Fatalf("Counters: unexpected %v", counts)
	}
	// other periods are separate
	if other, err := u.Counters(ctx, userID, period.AddDate(0, 1, 0)); err != nil || len(other) != 0 {
		t.Fatalf("Counters other period: %v err=%v", other, err)
	}

	events, err := u.CountEvents(ctx, userID, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if events[model.MetricMemoriesAdded] != 2 || events[model.MetricBasicInteractions] != 1 {
		t.Fatalf("CountEvents: unexpected %v", events)
	}
	if future, err := u.CountEvents(ctx, userID, time.Now().Add(time.Hour)); err != nil || len(future) != 0 {
		t.Fatalf("CountEvents future: %v err=%v", future, err)
	}

	if err := u.Overwrite(ctx, userID, period, map[model.Metric]int64{
		model.MetricMemoriesAdded:    7,
		model.MetricMemoriesSearched: 3,
	}); err != nil {
		t.Fatalf("Overwrite: %v", err)
	}
	counts, err = u.Counters(ctx, userID, period)
	if err != nil {
		t.Fatalf("Counters after overwrite: %v", err)
	}
	if counts[model.MetricMemoriesAdded] != 7 || counts[model.MetricMemoriesSearched] != 3 || counts[model.MetricBasicInteractions] != 1 {
		t.Fatalf("Counters after overwrite: unexpected %v", counts)
	}
}

func usageConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	userID := newUserID()
	period := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	const (
		ceiling = 5
		callers = ceiling + 1
	)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Usage().Increment(ctx, userID, model.MetricMemoriesSearched, period, model.LimitOf(ceiling))
			if err != nil {
				t.Errorf("Increment: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				accepted++
			} else {
				rejected++
			}
		}()
	}
	wg.Wait()
	if accepted != ceiling || rejected != 1 {
		t.Fatalf("accepted=%d rejected=%d, want %d and 1", accepted, rejected, ceiling)
	}
	counts, err := s.Usage().Counters(ctx, userID, period)
	if err != nil || counts[model.MetricMemoriesSearched] != ceiling {
		t.Fatalf("Counters: %v err=%v", counts, err)
	}
}

func subscriptions(t *testing.T, s store.Store) {
	ctx := context.Background()
	userID := newUserID()

	if _, err := s.Subscriptions().Get(ctx, userID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Get missing: want ErrNotFound, got %v", err)
	}
	start := time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)
	if err := s.Subscriptions().Put(ctx, &model.Subscription{UserID: userID, PlanID: "plus", PeriodStart: start}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Subscriptions().Put(ctx, &model.Subscription{UserID: userID, PlanID: "pro", PeriodStart: start}); err != nil {
		t.Fatalf("Put update: %v", err)
	}
	got, err := s.Subscriptions().Get(ctx, userID)
	if err != nil || got.PlanID != "pro" || !got.PeriodStart.Equal(start) {
		t.Fatalf("Get: got=%+v err=%v", got, err)
	}
}
