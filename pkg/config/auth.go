package config

import (
	"fmt"
	"time"
)

// AuthConfig configures token issuance, cookies and password login protection.
type AuthConfig struct {
	TokenTTL time.Duration `env:"AUTH_TOKEN_TTL" envDefault:"24h"`

	// MaxConcurrentSessions caps active tokens per user; 0 disables the cap
	MaxConcurrentSessions int `env:"AUTH_MAX_CONCURRENT_SESSIONS" envDefault:"10"`

	CookieName   string `env:"AUTH_COOKIE_NAME" envDefault:"auth_token"`
	CookieSecure bool   `env:"AUTH_COOKIE_SECURE" envDefault:"true"`
	CookieDomain string `env:"AUTH_COOKIE_DOMAIN"`

	LockoutMaxAttempts int           `env:"AUTH_LOCKOUT_MAX_ATTEMPTS" envDefault:"5"`
	LockoutBase        time.Duration `env:"AUTH_LOCKOUT_BASE" envDefault:"5m"`
	LockoutMax         time.Duration `env:"AUTH_LOCKOUT_MAX" envDefault:"24h"`
	LockoutWindow      time.Duration `env:"AUTH_LOCKOUT_WINDOW" envDefault:"1h"`

	// LoginRate is requests per second per client IP on login and callback
	LoginRate  float64 `env:"AUTH_LOGIN_RATE" envDefault:"1"`
	LoginBurst int     `env:"AUTH_LOGIN_BURST" envDefault:"10"`
}

func (a AuthConfig) validate() error {
	if a.TokenTTL <= 0 {
		return fmt.Errorf("AUTH_TOKEN_TTL must be positive")
	}
	if a.MaxConcurrentSessions < 0 {
		return fmt.Errorf("AUTH_MAX_CONCURRENT_SESSIONS must not be negative")
	}
	if a.CookieName == "" {
		return fmt.Errorf("AUTH_COOKIE_NAME is required")
	}
	if a.LockoutMaxAttempts <= 0 || a.LockoutBase <= 0 || a.LockoutMax < a.LockoutBase {
		return fmt.Errorf("invalid lockout settings")
	}
	if a.LoginRate <= 0 || a.LoginBurst <= 0 {
		return fmt.Errorf("AUTH_LOGIN_RATE and AUTH_LOGIN_BURST must be positive")
	}
	return nil
}
