package session

import (
	"context"
	"time"

	"github.com/Abraxas-365/authcore/pkg/kernel"
)

// Method is how the user proved their identity
type Method string

const (
	MethodPassword Method = "password"
	MethodOAuth2   Method = "oauth2"
)

type EstablishRequest struct {
	UserID         kernel.UserID
	OrganizationID kernel.OrganizationID
	Provider       string
	Method         Method
	SourceIP       string
	UserAgent      string
}

// Established carries the raw token back to the transport exactly once
type Established struct {
	Token     string
	TokenID   string
	ExpiresAt time.Time

	// Evicted counts older sessions revoked to honour the session cap
	Evicted int
}

// Info is the session summary returned by GET /auth/session
type Info struct {
	ExpiresAt    time.Time `json:"expires_at"`
	ActiveTokens int       `json:"active_tokens"`
}

// Issuer opens and closes authenticated sessions
type Issuer interface {
	Establish(ctx context.Context, req EstablishRequest) (*Established, error)
	Revoke(ctx context.Context, tokenID string) error
}

// Sweeper is one periodic cleanup task
type Sweeper interface {
	Name() string
	Sweep(ctx context.Context) (int64, error)
}
