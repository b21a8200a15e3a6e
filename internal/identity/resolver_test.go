package identity

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
	"github.com/mycelian/mycelian-memory/companion/internal/store"
	"github.com/mycelian/mycelian-memory/companion/internal/store/sqlite"
)

type fakeProvisioner struct {
	configured bool
	delay      time.Duration
	fail       atomic.Bool
	calls      atomic.Int32
}

func (p *fakeProvisioner) Configured() bool { return p.configured }

func (p *fakeProvisioner) ProvisionUser(ctx context.Context, user model.User) (string, error) {
	p.calls.Add(1)
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.fail.Load() {
		return "", errors.New("service unavailable")
	}
	// idempotent on the internal id, like the real service
	return "ext-" + user.ID, nil
}

func newStore(t *testing.T) store.Store {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	s := sqlite.NewWithDB(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newResolver(t *testing.T, s store.Store, p Provisioner, ttl time.Duration) *Resolver {
	t.Helper()
	r, err := New(s.Identities(), p, Options{ClaimTTL: ttl, PollInitial: 5 * time.Millisecond, PollMax: 20 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func TestResolve_ProvisionsOnceUnderConcurrency(t *testing.T) {
	s := newStore(t)
	p := &fakeProvisioner{configured: true, delay: 50 * time.Millisecond}
	// two resolvers sharing a store behave like two processes
	r1 := newResolver(t, s, p, time.Minute)
	r2 := newResolver(t, s, p, time.Minute)

	var wg sync.WaitGroup
	results := make(chan string, 20)
	for i := 0; i < 20; i++ {
		r := r1
		if i%2 == 1 {
			r = r2
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := r.Resolve(context.Background(), model.User{ID: "u1", Email: "u1@example.test"})
			if assert.NoError(t, err) {
				results <- id
			}
		}()
	}
	wg.Wait()
	close(results)

	for id := range results {
		assert.Equal(t, "ext-u1", id)
	}
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestResolve_ReusesStoredMapping(t *testing.T) {
	s := newStore(t)
	p := &fakeProvisioner{configured: true}
	r := newResolver(t, s, p, time.Minute)

	id, err := r.Resolve(context.Background(), model.User{ID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "ext-u1", id)

	// a fresh resolver with an empty cache reads the store
	r2 := newResolver(t, s, p, time.Minute)
	id, err = r2.Resolve(context.Background(), model.User{ID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "ext-u1", id)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestResolve_FailureReleasesClaim(t *testing.T) {
	s := newStore(t)
	p := &fakeProvisioner{configured: true}
	p.fail.Store(true)
	r := newResolver(t, s, p, time.Minute)

	_, err := r.Resolve(context.Background(), model.User{ID: "u1"})
	require.Error(t, err)
	assert.True(t, model.IsIdentityProvisioningError(err))

	_, err = s.Identities().Get(context.Background(), "u1")
	assert.True(t, model.IsNotFoundError(err), "claim must be released")

	p.fail.Store(false)
	id, err := r.Resolve(context.Background(), model.User{ID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "ext-u1", id)
}

func TestResolve_NotConfigured(t *testing.T) {
	s := newStore(t)
	p := &fakeProvisioner{configured: false}
	r := newResolver(t, s, p, time.Minute)

	_, err := r.Resolve(context.Background(), model.User{ID: "u1"})
	require.Error(t, err)
	assert.True(t, model.IsConfigurationError(err))
	assert.Equal(t, int32(0), p.calls.Load())

	_, err = s.Identities().Get(context.Background(), "u1")
	assert.True(t, model.IsNotFoundError(err), "no claim may be taken")
}

func TestResolve_TakesOverStaleClaim(t *testing.T) {
	s := newStore(t)
	p := &fakeProvisioner{configured: true}
	r := newResolver(t, s, p, 30*time.Millisecond)

	// a claimant that crashed mid-provisioning
	won, _, err := s.Identities().Claim(context.Background(), "u1", "crashed", time.Now())
	require.NoError(t, err)
	require.True(t, won)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	id, err := r.Resolve(ctx, model.User{ID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "ext-u1", id)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestResolve_WaitHonoursContext(t *testing.T) {
	s := newStore(t)
	p := &fakeProvisioner{configured: true}
	r := newResolver(t, s, p, time.Hour)

	won, _, err := s.Identities().Claim(context.Background(), "u1", "other", time.Now())
	require.NoError(t, err)
	require.True(t, won)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.Resolve(ctx, model.User{ID: "u1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(0), p.calls.Load())
}

func TestLookup_NeverProvisions(t *testing.T) {
	s := newStore(t)
	p := &fakeProvisioner{configured: true}
	r := newResolver(t, s, p, time.Minute)

	_, ok, err := r.Lookup(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(0), p.calls.Load())

	_, err = r.Resolve(context.Background(), model.User{ID: "u1"})
	require.NoError(t, err)
	id, ok, err := r.Lookup(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ext-u1", id)
}

func TestResolve_RequiresUserID(t *testing.T) {
	r := newResolver(t, newStore(t), &fakeProvisioner{configured: true}, time.Minute)
	_, err := r.Resolve(context.Background(), model.User{})
	assert.True(t, model.IsValidationError(err))
}

func TestResolve_CallerCancelDoesNotStrandClaim(t *testing.T) {
	s := newStore(t)
	p := &fakeProvisioner{configured: true, delay: 100 * time.Millisecond}
	r := newResolver(t, s, p, time.Minute)
	user := model.User{ID: "u1"}

	ctxA, cancelA := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancelA)

	var (
		wg   sync.WaitGroup
		errA error
		idB  string
		errB error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errA = r.Resolve(ctxA, user)
	}()
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		idB, errB = r.Resolve(context.Background(), user)
	}()
	wg.Wait()

	assert.ErrorIs(t, errA, context.Canceled)
	require.NoError(t, errB)
	assert.Equal(t, "ext-u1", idB)
	assert.Equal(t, int32(1), p.calls.Load())

	cur, err := s.Identities().Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, cur.Complete())
	assert.Equal(t, "ext-u1", cur.ExternalUserID)

	// a fresh process sees the completed mapping without waiting on the claim
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	id, err := newResolver(t, s, p, time.Minute).Resolve(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "ext-u1", id)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestResolve_CompletesAfterSoleCallerCancels(t *testing.T) {
	s := newStore(t)
	p := &fakeProvisioner{configured: true, delay: 60 * time.Millisecond}
	r := newResolver(t, s, p, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.Resolve(ctx, model.User{ID: "u1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool {
		cur, err := s.Identities().Get(context.Background(), "u1")
		return err == nil && cur.Complete()
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), p.calls.Load())
}
