package oauth

import (
	"context"
	"time"

	"github.com/Abraxas-365/authcore/pkg/kernel"
)

// PendingStore keeps pending authorizations keyed by state. Consume is
// single use: a second call with the same state finds nothing.
type PendingStore interface {
	Save(ctx context.Context, p PendingAuthorization, ttl time.Duration) error
	Consume(ctx context.Context, state string) (*PendingAuthorization, error)
}

// SessionRepository persists established OAuth2 sessions
type SessionRepository interface {
	Create(ctx context.Context, s Session) error
	FindByID(ctx context.Context, sessionID string) (*Session, error)
	FindByTokenID(ctx context.Context, tokenID string) (*Session, error)
	Touch(ctx context.Context, sessionID string, at time.Time) error

	// Terminate moves an established session to TERMINATED and reports
	// whether this call made the transition.
	Terminate(ctx context.Context, sessionID, reason string, at time.Time) (bool, error)

	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

type UserInfoRepository interface {
	Upsert(ctx context.Context, info UserInfo) error
}

// IdentityProvider talks to one external authorization server
type IdentityProvider interface {
	AuthCodeURL(state, challenge, redirectURI string) string
	Exchange(ctx context.Context, code, verifier, redirectURI string) (*ProviderIdentity, error)
}

// Onboarder prepares a newly created user's organization
type Onboarder interface {
	BootstrapOrganization(ctx context.Context, org kernel.OrganizationID, owner kernel.UserID) error
}
