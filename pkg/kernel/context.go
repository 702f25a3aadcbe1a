package kernel

import (
	"context"
	"time"
)

// Principal is the authenticated actor of one request. It is derived from a
// validated token and never persisted.
type Principal struct {
	UserID         UserID         `json:"user_id"`
	OrganizationID OrganizationID `json:"organization_id"`
	SessionID      SessionID      `json:"session_id"`
	Provider       string         `json:"provider,omitempty"`
	ExpiresAt      time.Time      `json:"expires_at"`

	// Role is filled on demand for display only. Authorization decisions
	// never read it.
	Role string `json:"role,omitempty"`
}

// IsValid reports whether the principal names both a user and an organization
func (p *Principal) IsValid() bool {
	return p != nil && !p.UserID.IsEmpty() && !p.OrganizationID.IsEmpty()
}

// BelongsTo reports whether the principal's token is bound to org
func (p *Principal) BelongsTo(org OrganizationID) bool {
	return p.IsValid() && !org.IsEmpty() && p.OrganizationID == org
}

type ContextKey string

// PrincipalKey stores *Principal in context.Context and fiber Locals
const PrincipalKey ContextKey = "principal"

// WithPrincipal returns a context carrying p
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

// PrincipalFrom extracts the principal stored by WithPrincipal
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(PrincipalKey).(*Principal)
	return p, ok && p != nil
}
