package rbacsrv

import (
	"context"
	"errors"
	"time"

	"github.com/Abraxas-365/authcore/pkg/iam/rbac"
	"github.com/Abraxas-365/authcore/pkg/kernel"
	"github.com/Abraxas-365/authcore/pkg/logx"
	"github.com/Abraxas-365/authcore/pkg/metricx"
)

// Resolver answers permission questions from the role store, fronted by a
// shared cache.
type Resolver struct {
	repo    rbac.Repository
	cache   rbac.PermissionCache
	ttl     time.Duration
	metrics *metricx.Metrics

	attempts   int
	retryDelay time.Duration
	now        func() time.Time
}

type ResolverOption func(*Resolver)

func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

func WithResolverMetrics(m *metricx.Metrics) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// WithInvalidationRetry sets how many times Invalidate tries the cache
func WithInvalidationRetry(attempts int, delay time.Duration) ResolverOption {
	return func(r *Resolver) {
		if attempts > 0 {
			r.attempts = attempts
		}
		r.retryDelay = delay
	}
}

func NewResolver(repo rbac.Repository, cache rbac.PermissionCache, ttl time.Duration, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		repo:       repo,
		cache:      cache,
		ttl:        ttl,
		attempts:   3,
		retryDelay: 50 * time.Millisecond,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ComputeEffectivePermissions returns the union of permissions over the
// user's active, unexpired roles in org. Cache failures fall back to the
// store; store failures are returned and callers must deny.
func (r *Resolver) ComputeEffectivePermissions(ctx context.Context, user kernel.UserID, org kernel.OrganizationID) (rbac.PermissionSet, error) {
	lookup, cacheErr := r.cache.Get(ctx, user, org)
	switch {
	case cacheErr != nil:
		r.metrics.PermissionCache(metricx.CacheError)
		logx.WithContext(ctx).WithFields(logx.Fields{
			"user_id":         user,
			"organization_id": org,
		}).WithError(cacheErr).Warn("Permission cache read failed, using store")
	case lookup.Hit:
		r.metrics.PermissionCache(metricx.CacheHit)
		return lookup.Permissions, nil
	default:
		r.metrics.PermissionCache(metricx.CacheMiss)
	}

	now := r.now()
	grants, err := r.repo.ActiveGrants(ctx, user, org, now)
	if err != nil {
		return nil, rbac.ErrRegistry.NewWithCause(rbac.CodeResolutionFailed, err)
	}

	set := rbac.NewPermissionSet()
	var earliest *time.Time
	for _, g := range grants {
		set.Add(g.Permissions...)
		if g.ExpiresAt != nil && (earliest == nil || g.ExpiresAt.Before(*earliest)) {
			earliest = g.ExpiresAt
		}
	}

	if cacheErr == nil {
		r.store(ctx, user, org, set, lookup.Generation, r.entryTTL(now, earliest))
	}
	return set, nil
}

// entryTTL caps the configured TTL at the earliest assignment expiry so an
// expiring role stops granting on time even while cached.
func (r *Resolver) entryTTL(now time.Time, earliest *time.Time) time.Duration {
	ttl := r.ttl
	if earliest != nil {
		if until := earliest.Sub(now); until < ttl {
			ttl = until
		}
	}
	return ttl
}

func (r *Resolver) store(ctx context.Context, user kernel.UserID, org kernel.OrganizationID, set rbac.PermissionSet, gen int64, ttl time.Duration) {
	// PX rounds to whole milliseconds; below that the entry would never expire
	if ttl < time.Millisecond {
		return
	}
	stored, err := r.cache.Put(ctx, user, org, set, gen, ttl)
	if err != nil {
		r.metrics.PermissionCache(metricx.CacheError)
		logx.WithContext(ctx).WithField("user_id", user).WithError(err).Warn("Permission cache write failed")
		return
	}
	if !stored {
		r.metrics.PermissionCache(metricx.CacheStaleSkip)
	}
}

// HasPermission checks one permission for a user in org
func (r *Resolver) HasPermission(ctx context.Context, user kernel.UserID, org kernel.OrganizationID, resource rbac.Resource, action rbac.Action) (bool, error) {
	set, err := r.ComputeEffectivePermissions(ctx, user, org)
	if err != nil {
		return false, err
	}
	return set.Has(resource, action), nil
}

// CheckPermission applies organization scoping before anything else: a
// principal whose token belongs to another organization is denied no matter
// which roles it holds there.
func (r *Resolver) CheckPermission(ctx context.Context, p *kernel.Principal, targetOrg kernel.OrganizationID, resource rbac.Resource, action rbac.Action) (bool, error) {
	if !p.BelongsTo(targetOrg) {
		return false, nil
	}
	return r.HasPermission(ctx, p.UserID, targetOrg, resource, action)
}

// CheckResult is one entry of a batch check
type CheckResult struct {
	Permission string `json:"permission"`
	Allowed    bool   `json:"allowed"`
}

// CheckPermissions evaluates several RESOURCE:ACTION keys with one resolution
func (r *Resolver) CheckPermissions(ctx context.Context, p *kernel.Principal, targetOrg kernel.OrganizationID, keys []string) ([]CheckResult, error) {
	results := make([]CheckResult, 0, len(keys))

	var set rbac.PermissionSet
	if p.BelongsTo(targetOrg) {
		var err error
		if set, err = r.ComputeEffectivePermissions(ctx, p.UserID, targetOrg); err != nil {
			return nil, err
		}
	}

	for _, k := range keys {
		res, act, ok := rbac.ParseKey(k)
		results = append(results, CheckResult{
			Permission: k,
			Allowed:    ok && set.Has(res, act),
		})
	}
	return results, nil
}

// Invalidate drops the cached set for (user, org), retrying transient cache
// failures. A persistent failure is returned so the mutation that triggered it
// is not reported as successful.
func (r *Resolver) Invalidate(ctx context.Context, user kernel.UserID, org kernel.OrganizationID) error {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if err = r.cache.Invalidate(ctx, user, org); err == nil {
			r.metrics.Invalidation("ok")
			return nil
		}
		logx.WithFields(logx.Fields{
			"user_id":         user,
			"organization_id": org,
			"attempt":         attempt,
		}).WithError(err).Warn("Permission cache invalidation failed")

		if attempt == r.attempts {
			break
		}
		select {
		case <-ctx.Done():
			err = errors.Join(err, ctx.Err())
			return r.invalidationFailed(user, org, err)
		case <-time.After(r.retryDelay):
		}
	}
	return r.invalidationFailed(user, org, err)
}

func (r *Resolver) invalidationFailed(user kernel.UserID, org kernel.OrganizationID, err error) error {
	r.metrics.Invalidation("failed")
	return rbac.ErrRegistry.NewWithCause(rbac.CodeInvalidationFailed, err).
		WithDetail("user_id", user).
		WithDetail("organization_id", org)
}

// InvalidateAll invalidates every pair and joins the failures
func (r *Resolver) InvalidateAll(ctx context.Context, pairs []rbac.UserOrg) error {
	var errs []error
	for _, p := range pairs {
		if err := r.Invalidate(ctx, p.UserID, p.OrganizationID); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return rbac.ErrRegistry.NewWithCause(rbac.CodeInvalidationFailed, errors.Join(errs...)).
		WithDetail("failed", len(errs))
}

// InvalidateRole invalidates every holder of role
func (r *Resolver) InvalidateRole(ctx context.Context, id kernel.RoleID) error {
	holders, err := r.repo.RoleHolders(ctx, id)
	if err != nil {
		return rbac.ErrRegistry.NewWithCause(rbac.CodeInvalidationFailed, err).WithDetail("role_id", id)
	}
	return r.InvalidateAll(ctx, holders)
}
