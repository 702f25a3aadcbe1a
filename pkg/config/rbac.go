package config

import (
	"fmt"
	"time"
)

// MaxPermissionCacheTTL bounds how long a removed permission may remain usable
// if an invalidation is lost.
const MaxPermissionCacheTTL = 15 * time.Minute

type RBACConfig struct {
	CacheTTL time.Duration `env:"RBAC_CACHE_TTL" envDefault:"15m"`

	// CacheBackend is redis (shared across instances) or memory (single node)
	CacheBackend    string `env:"RBAC_CACHE_BACKEND" envDefault:"redis"`
	MemoryCacheSize int    `env:"RBAC_MEMORY_CACHE_SIZE" envDefault:"10000"`

	InvalidationAttempts int `env:"RBAC_INVALIDATION_ATTEMPTS" envDefault:"3"`
}

func (r RBACConfig) validate() error {
	if r.CacheTTL <= 0 || r.CacheTTL > MaxPermissionCacheTTL {
		return fmt.Errorf("RBAC_CACHE_TTL must be in (0, %s]", MaxPermissionCacheTTL)
	}
	switch r.CacheBackend {
	case "redis":
	case "memory":
		if r.MemoryCacheSize <= 0 {
			return fmt.Errorf("RBAC_MEMORY_CACHE_SIZE must be positive")
		}
	default:
		return fmt.Errorf("RBAC_CACHE_BACKEND must be redis or memory, got %q", r.CacheBackend)
	}
	if r.InvalidationAttempts <= 0 {
		return fmt.Errorf("RBAC_INVALIDATION_ATTEMPTS must be positive")
	}
	return nil
}
