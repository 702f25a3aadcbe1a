package auth

import (
	"context"
	"time"

	"github.com/Abraxas-365/authcore/pkg/iam/oauth"
	"github.com/Abraxas-365/authcore/pkg/iam/oauth/oauthsrv"
	"github.com/Abraxas-365/authcore/pkg/iam/rbac"
	"github.com/Abraxas-365/authcore/pkg/iam/rbac/rbacsrv"
	"github.com/Abraxas-365/authcore/pkg/iam/session"
	"github.com/Abraxas-365/authcore/pkg/kernel"
)

// TokenValidator resolves a raw opaque token to its principal
type TokenValidator interface {
	ValidateToken(ctx context.Context, raw string) (*kernel.Principal, error)
}

// PermissionChecker answers RESOURCE:ACTION questions for a principal
type PermissionChecker interface {
	CheckPermission(ctx context.Context, p *kernel.Principal, org kernel.OrganizationID, resource rbac.Resource, action rbac.Action) (bool, error)
	CheckPermissions(ctx context.Context, p *kernel.Principal, org kernel.OrganizationID, keys []string) ([]rbacsrv.CheckResult, error)
}

// Lockout tracks failed logins per account key
type Lockout interface {
	// LockedUntil returns the end of the active lock, zero when unlocked
	LockedUntil(ctx context.Context, key string) (time.Time, error)

	// RecordFailure counts a failure and returns the new lock end when this
	// failure triggered a lock, zero otherwise
	RecordFailure(ctx context.Context, key string) (time.Time, error)

	Reset(ctx context.Context, key string) error
}

// PasswordVerifier compares a password against a stored hash
type PasswordVerifier interface {
	Compare(hash, password string) bool

	// CompareDummy spends the same work as Compare for unknown accounts
	CompareDummy(password string)
}

// Sessions is the lifecycle surface the handlers use
type Sessions interface {
	End(ctx context.Context, p *kernel.Principal, raw, ip string) error
	Describe(ctx context.Context, p *kernel.Principal) (*session.Info, error)
}

// OAuthFlow is the orchestrator surface the handlers use
type OAuthFlow interface {
	ListProviders() []oauth.ProviderInfo
	InitiateAuthorization(ctx context.Context, req oauthsrv.InitiateRequest) (*oauthsrv.Authorization, error)
	HandleCallback(ctx context.Context, req oauthsrv.CallbackRequest) (*oauthsrv.CallbackResult, error)
	TerminateByToken(ctx context.Context, tokenID, reason, ip string) error
	TouchSession(ctx context.Context, tokenID string) error
}

// RoleManager is the role service surface the handlers use
type RoleManager interface {
	ListRoles(ctx context.Context, org kernel.OrganizationID) ([]rbac.Role, error)
	CreateRole(ctx context.Context, actor rbacsrv.Actor, org kernel.OrganizationID, req rbacsrv.CreateRoleRequest) (*rbac.Role, error)
	UpdateRolePermissions(ctx context.Context, actor rbacsrv.Actor, org kernel.OrganizationID, id kernel.RoleID, keys []string) (*rbac.Role, error)
	DeleteRole(ctx context.Context, actor rbacsrv.Actor, org kernel.OrganizationID, id kernel.RoleID) error
	AssignRole(ctx context.Context, actor rbacsrv.Actor, org kernel.OrganizationID, user kernel.UserID, req rbacsrv.AssignRoleRequest) (*rbac.Assignment, error)
	RemoveRole(ctx context.Context, actor rbacsrv.Actor, org kernel.OrganizationID, user kernel.UserID, id kernel.RoleID) error
	ListUserRoles(ctx context.Context, org kernel.OrganizationID, user kernel.UserID) ([]rbac.Assignment, error)
	PrimaryRole(ctx context.Context, user kernel.UserID, org kernel.OrganizationID) (string, error)
}
