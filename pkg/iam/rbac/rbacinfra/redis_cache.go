package rbacinfra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/Abraxas-365/authcore/pkg/iam/rbac"
	"github.com/Abraxas-365/authcore/pkg/kernel"
	"github.com/redis/go-redis/v9"
)

var cacheErrors = errx.NewRegistry("PERMCACHE")

var (
	ErrCacheRead       = cacheErrors.Register("READ", errx.TypeExternal, 0, "Permission cache read failed")
	ErrCacheWrite      = cacheErrors.Register("WRITE", errx.TypeExternal, 0, "Permission cache write failed")
	ErrCacheInvalidate = cacheErrors.Register("INVALIDATE", errx.TypeExternal, 0, "Permission cache invalidation failed")
	ErrCacheDecode     = cacheErrors.Register("DECODE", errx.TypeInternal, 0, "Cached permission set is corrupt")
)

// generationTTL keeps the generation counter alive far longer than any
// in-flight resolution
const generationTTL = 24 * time.Hour

func PermissionsKey(user kernel.UserID, org kernel.OrganizationID) string {
	return fmt.Sprintf("user_permissions:%s:%s", user, org)
}

func generationKey(user kernel.UserID, org kernel.OrganizationID) string {
	return fmt.Sprintf("user_permissions_gen:%s:%s", user, org)
}

// putScript writes the set only when the generation read before the
// store lookup is still current.
var putScript = redis.NewScript(`
local gen = redis.call('GET', KEYS[2])
if gen == false then gen = '0' end
if gen ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// RedisPermissionCache stores each effective set as a JSON array of
// RESOURCE:ACTION strings next to a generation counter.
type RedisPermissionCache struct {
	rdb *redis.Client
}

func NewRedisPermissionCache(rdb *redis.Client) *RedisPermissionCache {
	return &RedisPermissionCache{rdb: rdb}
}

var _ rbac.PermissionCache = (*RedisPermissionCache)(nil)

func (c *RedisPermissionCache) Get(ctx context.Context, user kernel.UserID, org kernel.OrganizationID) (rbac.CacheLookup, error) {
	vals, err := c.rdb.MGet(ctx, PermissionsKey(user, org), generationKey(user, org)).Result()
	if err != nil {
		return rbac.CacheLookup{}, cacheErrors.NewWithCause(ErrCacheRead, err)
	}

	var lookup rbac.CacheLookup
	if raw, ok := vals[1].(string); ok {
		if lookup.Generation, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return rbac.CacheLookup{}, cacheErrors.NewWithCause(ErrCacheDecode, err)
		}
	}

	raw, ok := vals[0].(string)
	if !ok {
		return lookup, nil
	}
	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return rbac.CacheLookup{}, cacheErrors.NewWithCause(ErrCacheDecode, err)
	}
	lookup.Permissions = rbac.NewPermissionSet(keys...)
	lookup.Hit = true
	return lookup, nil
}

func (c *RedisPermissionCache) Put(ctx context.Context, user kernel.UserID, org kernel.OrganizationID, set rbac.PermissionSet, generation int64, ttl time.Duration) (bool, error) {
	if ttl < time.Millisecond {
		return false, nil
	}
	payload, err := json.Marshal(set.Keys())
	if err != nil {
		return false, cacheErrors.NewWithCause(ErrCacheWrite, err)
	}

	stored, err := putScript.Run(ctx, c.rdb,
		[]string{PermissionsKey(user, org), generationKey(user, org)},
		strconv.FormatInt(generation, 10), payload, ttl.Milliseconds(),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, cacheErrors.NewWithCause(ErrCacheWrite, err)
	}
	return stored == 1, nil
}

// Invalidate deletes the entry and bumps the generation atomically
func (c *RedisPermissionCache) Invalidate(ctx context.Context, user kernel.UserID, org kernel.OrganizationID) error {
	genKey := generationKey(user, org)
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, PermissionsKey(user, org))
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, generationTTL)
		return nil
	})
	if err != nil {
		return cacheErrors.NewWithCause(ErrCacheInvalidate, err).
			WithDetail("user_id", user).
			WithDetail("organization_id", org)
	}
	return nil
}
