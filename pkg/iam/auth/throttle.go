package auth

import (
	"strconv"
	"sync"
	"time"

	"github.com/Abraxas-365/authcore/pkg/logx"
	"github.com/gofiber/fiber/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// IPThrottle is a token bucket per client IP. Idle buckets age out of a
// bounded LRU.
type IPThrottle struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets *expirable.LRU[string, *rate.Limiter]
}

func NewIPThrottle(perSecond float64, burst, size int) *IPThrottle {
	if size <= 0 {
		size = 10000
	}
	return &IPThrottle{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: expirable.NewLRU[string, *rate.Limiter](size, nil, 10*time.Minute),
	}
}

func (t *IPThrottle) limiter(ip string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	if lim, ok := t.buckets.Get(ip); ok {
		return lim
	}
	lim := rate.NewLimiter(t.limit, t.burst)
	t.buckets.Add(ip, lim)
	return lim
}

// Allow consumes one token for ip
func (t *IPThrottle) Allow(ip string) bool {
	if ip == "" {
		ip = "unknown"
	}
	return t.limiter(ip).Allow()
}

// Middleware answers 429 AUTH_TOO_MANY_REQUESTS once an IP's bucket is empty
func (t *IPThrottle) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if t.Allow(c.IP()) {
			return c.Next()
		}
		logx.WithFields(logx.Fields{
			"ip":   c.IP(),
			"path": c.Path(),
		}).Warn("Request throttled")
		if t.limit > 0 {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(1/float64(t.limit))+1))
		}
		return ErrTooManyRequests()
	}
}
