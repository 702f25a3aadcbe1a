package token

import (
	"context"
	"time"

	"github.com/Abraxas-365/authcore/pkg/kernel"
)

// Repository persists token metadata
type Repository interface {
	Create(ctx context.Context, meta Metadata) error

	// FindByID returns ErrNotFound when no row exists
	FindByID(ctx context.Context, id string) (*Metadata, error)

	// Revoke marks the token revoked if it is not already. It reports whether
	// this call performed the transition.
	Revoke(ctx context.Context, id string, at time.Time) (bool, error)

	RevokeAllForUser(ctx context.Context, userID kernel.UserID, at time.Time) (int64, error)

	// ListActiveForUser returns unrevoked, unexpired tokens, oldest first
	ListActiveForUser(ctx context.Context, userID kernel.UserID, now time.Time) ([]Metadata, error)
	CountActiveForUser(ctx context.Context, userID kernel.UserID, now time.Time) (int, error)

	// DeleteExpired removes tokens whose expiry is before now
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
