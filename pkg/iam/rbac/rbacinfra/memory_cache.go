package rbacinfra

import (
	"context"
	"sync"
	"time"

	"github.com/Abraxas-365/authcore/pkg/iam/rbac"
	"github.com/Abraxas-365/authcore/pkg/kernel"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

type memoryEntry struct {
	keys      []string
	expiresAt time.Time
}

// MemoryPermissionCache is a single-process PermissionCache for development
// and single-node deployments. It offers the same generation guarantee as
// the Redis cache but is not shared between instances.
type MemoryPermissionCache struct {
	mu      sync.Mutex
	entries *expirable.LRU[string, memoryEntry]
	gens    *lru.Cache[string, int64]

	// clock is a process wide counter; a key whose generation was evicted
	// reads as the current clock, which never matches an older lookup
	clock int64
	now   func() time.Time
}

func NewMemoryPermissionCache(size int, maxTTL time.Duration) (*MemoryPermissionCache, error) {
	gens, err := lru.New[string, int64](size)
	if err != nil {
		return nil, err
	}
	return &MemoryPermissionCache{
		entries: expirable.NewLRU[string, memoryEntry](size, nil, maxTTL),
		gens:    gens,
		now:     time.Now,
	}, nil
}

var _ rbac.PermissionCache = (*MemoryPermissionCache)(nil)

func (c *MemoryPermissionCache) generation(key string) int64 {
	if g, ok := c.gens.Get(key); ok {
		return g
	}
	return c.clock
}

func (c *MemoryPermissionCache) Get(_ context.Context, user kernel.UserID, org kernel.OrganizationID) (rbac.CacheLookup, error) {
	key := PermissionsKey(user, org)

	c.mu.Lock()
	defer c.mu.Unlock()

	lookup := rbac.CacheLookup{Generation: c.generation(key)}
	entry, ok := c.entries.Get(key)
	if !ok || !c.now().Before(entry.expiresAt) {
		return lookup, nil
	}
	lookup.Permissions = rbac.NewPermissionSet(entry.keys...)
	lookup.Hit = true
	return lookup, nil
}

func (c *MemoryPermissionCache) Put(_ context.Context, user kernel.UserID, org kernel.OrganizationID, set rbac.PermissionSet, generation int64, ttl time.Duration) (bool, error) {
	key := PermissionsKey(user, org)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generation(key) != generation {
		return false, nil
	}
	c.entries.Add(key, memoryEntry{keys: set.Keys(), expiresAt: c.now().Add(ttl)})
	return true, nil
}

func (c *MemoryPermissionCache) Invalidate(_ context.Context, user kernel.UserID, org kernel.OrganizationID) error {
	key := PermissionsKey(user, org)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries.Remove(key)
	c.clock++
	c.gens.Add(key, c.clock)
	return nil
}
