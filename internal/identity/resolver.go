package identity

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/mycelian/mycelian-memory/companion/internal/metrics"
	"github.com/mycelian/mycelian-memory/companion/internal/model"
	"github.com/mycelian/mycelian-memory/companion/internal/store"
)

// Provisioner creates users in the external memory service.
type Provisioner interface {
	Configured() bool
	ProvisionUser(ctx context.Context, user model.User) (string, error)
}

// Options tunes the resolver.
type Options struct {
	// ClaimTTL is how long an unfinished provisioning claim blocks other claimants.
	ClaimTTL time.Duration
	// CacheSize bounds the number of cached mappings.
	CacheSize int64
	// PollInitial and PollMax bound the wait between checks while another
	// claimant is provisioning.
	PollInitial time.Duration
	PollMax     time.Duration
	// ResolveTimeout bounds a shared resolution. It runs detached from the
	// callers so a provisioned user is always recorded.
	ResolveTimeout time.Duration
	Metrics        *metrics.Metrics
}

// Resolver maps internal users to external memory-service users, provisioning
// the external user exactly once.
type Resolver struct {
	ids   store.Identities
	prov  Provisioner
	cache *ristretto.Cache
	group singleflight.Group
	opts  Options
	m     *metrics.Metrics
	log   zerolog.Logger
}

// New builds a resolver.
func New(ids store.Identities, prov Provisioner, opts Options, log zerolog.Logger) (*Resolver, error) {
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 30 * time.Second
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 10000
	}
	if opts.PollInitial <= 0 {
		opts.PollInitial = 50 * time.Millisecond
	}
	if opts.PollMax <= 0 {
		opts.PollMax = time.Second
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = 2 * opts.ClaimTTL
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: opts.CacheSize * 10,
		MaxCost:     opts.CacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Resolver{ids: ids, prov: prov, cache: cache, opts: opts, m: opts.Metrics, log: log}, nil
}

// Close releases the cache.
func (r *Resolver) Close() { r.cache.Close() }

// Resolve returns the external user id for user, provisioning it on first use.
// Concurrent first use, in this process or across processes sharing the store,
// provisions at most once per claim window. A caller that gives up only stops
// waiting: the shared resolution keeps running so the mapping is recorded.
func (r *Resolver) Resolve(ctx context.Context, user model.User) (string, error) {
	if user.ID == "" {
		return "", model.NewValidationError("userId", "is required")
	}
	if v, ok := r.cache.Get(user.ID); ok {
		return v.(string), nil
	}
	ch := r.group.DoChan(user.ID, func() (any, error) {
		opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.ResolveTimeout)
		defer cancel()
		return r.resolve(opCtx, user)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (r *Resolver) resolve(ctx context.Context, user model.User) (string, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.opts.PollInitial
	exp.Multiplier = 2
	exp.MaxInterval = r.opts.PollMax
	exp.MaxElapsedTime = 0
	exp.Reset()

	for {
		cur, err := r.ids.Get(ctx, user.ID)
		switch {
		case err == nil && cur.Complete():
			r.remember(user.ID, cur.ExternalUserID)
			return cur.ExternalUserID, nil
		case err != nil && !model.IsNotFoundError(err):
			return "", &model.PersistenceError{Op: "identity_get", Cause: err}
		}

		if !r.prov.Configured() {
			return "", model.NewConfigurationError("COMPANION_MEMORY_SERVICE_API_KEY", "Memory service not configured")
		}

		claimant := uuid.NewString()
		won, cur, err := r.ids.Claim(ctx, user.ID, claimant, time.Now().Add(-r.opts.ClaimTTL))
		if err != nil {
			return "", &model.PersistenceError{Op: "identity_claim", Cause: err}
		}
		if won {
			return r.provision(ctx, user, claimant)
		}
		if cur.Complete() {
			r.remember(user.ID, cur.ExternalUserID)
			return cur.ExternalUserID, nil
		}

		// Another claimant is provisioning; wait for it to finish or go stale.
		wait := exp.NextBackOff()
		r.log.Debug().Str("user_id", user.ID).Dur("wait", wait).Msg("identity claim held elsewhere; waiting")
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (r *Resolver) provision(ctx context.Context, user model.User, claimant string) (string, error) {
	extID, err := r.prov.ProvisionUser(ctx, user)
	if err != nil {
		r.m.IdentityProvisions.WithLabelValues("error").Inc()
		if rerr := r.ids.Release(ctx, user.ID, claimant); rerr != nil {
			r.log.Error().Err(rerr).Str("user_id", user.ID).Msg("release identity claim failed")
		}
		if model.IsConfigurationError(err) {
			return "", err
		}
		return "", &model.IdentityProvisioningError{UserID: user.ID, Cause: err}
	}
	r.m.IdentityProvisions.WithLabelValues("ok").Inc()

	done, err := r.ids.Complete(ctx, user.ID, claimant, extID)
	if err != nil {
		return "", &model.PersistenceError{Op: "identity_complete", Cause: err}
	}
	if !done {
		// The claim went stale and was taken over. The idempotency key makes the
		// new claimant receive the same external id, so extID is still correct.
		r.log.Warn().Str("user_id", user.ID).Msg("identity claim lost before completion")
		return extID, nil
	}
	r.log.Info().Str("user_id", user.ID).Str("external_user_id", extID).Msg("external identity provisioned")
	r.remember(user.ID, extID)
	return extID, nil
}

// Lookup returns the existing mapping without provisioning.
func (r *Resolver) Lookup(ctx context.Context, userID string) (string, bool, error) {
	if v, ok := r.cache.Get(userID); ok {
		return v.(string), true, nil
	}
	cur, err := r.ids.Get(ctx, userID)
	if model.IsNotFoundError(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &model.PersistenceError{Op: "identity_get", Cause: err}
	}
	if !cur.Complete() {
		return "", false, nil
	}
	r.remember(userID, cur.ExternalUserID)
	return cur.ExternalUserID, true, nil
}

func (r *Resolver) remember(userID, extID string) {
	r.cache.Set(userID, extID, 1)
}
