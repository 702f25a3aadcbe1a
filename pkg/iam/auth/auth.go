// Package auth is the HTTP edge of the engine: it authenticates requests,
// runs the authorization guard and exposes the login, session, OAuth2 and
// role management routes.
package auth

import (
	"net/http"
	"time"

	"github.com/Abraxas-365/authcore/pkg/errx"
)

var ErrRegistry = errx.NewRegistry("AUTH")

var (
	CodeInvalidCredentials = ErrRegistry.Register("INVALID_CREDENTIALS", errx.TypeAuthorization, http.StatusUnauthorized, "Invalid email or password")
	CodeAccountLocked      = ErrRegistry.Register("ACCOUNT_LOCKED", errx.TypeRateLimited, http.StatusTooManyRequests, "Too many failed attempts, try again later")
	CodeTooManyRequests    = ErrRegistry.Register("TOO_MANY_REQUESTS", errx.TypeRateLimited, http.StatusTooManyRequests, "Too many requests")
	CodeInvalidRequest     = ErrRegistry.Register("INVALID_REQUEST", errx.TypeValidation, http.StatusBadRequest, "Invalid request")
	CodeMissingOrg         = ErrRegistry.Register("MISSING_ORGANIZATION", errx.TypeValidation, http.StatusBadRequest, "Organization is required")
	CodeLockoutUnavailable = ErrRegistry.Register("LOCKOUT_UNAVAILABLE", errx.TypeInternal, http.StatusServiceUnavailable, "Login temporarily unavailable")
)

func ErrInvalidCredentials() *errx.Error {
	return ErrRegistry.New(CodeInvalidCredentials)
}

func ErrTooManyRequests() *errx.Error {
	return ErrRegistry.New(CodeTooManyRequests)
}

func ErrInvalidRequest(field string) *errx.Error {
	return ErrRegistry.New(CodeInvalidRequest).WithDetail("field", field)
}

// LockoutPolicy is the exponential backoff applied after repeated failures
type LockoutPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration

	// Window is how long failed attempts are remembered
	Window time.Duration
}

// Duration returns the lock length for the n-th lockout: Base * 2^(n-1),
// capped at Max.
func (p LockoutPolicy) Duration(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.Base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.Max || d <= 0 {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}
