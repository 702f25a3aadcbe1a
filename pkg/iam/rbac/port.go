package rbac

import (
	"context"
	"time"

	"github.com/Abraxas-365/authcore/pkg/kernel"
)

// Repository is the authoritative role store
type Repository interface {
	CreateRole(ctx context.Context, role Role) error
	FindRole(ctx context.Context, org kernel.OrganizationID, id kernel.RoleID) (*Role, error)
	FindRoleByName(ctx context.Context, org kernel.OrganizationID, name string) (*Role, error)
	ListRoles(ctx context.Context, org kernel.OrganizationID) ([]Role, error)
	SetRolePermissions(ctx context.Context, id kernel.RoleID, keys []string) error
	DeleteRole(ctx context.Context, id kernel.RoleID) error

	// CreateAssignment fails with ASSIGNMENT_EXISTS when an active
	// assignment of the same role already exists
	CreateAssignment(ctx context.Context, a Assignment) error
	DeactivateAssignment(ctx context.Context, user kernel.UserID, org kernel.OrganizationID, role kernel.RoleID) (bool, error)
	ListAssignments(ctx context.Context, user kernel.UserID, org kernel.OrganizationID) ([]Assignment, error)

	// ActiveGrants returns the permissions of every active, unexpired assignment
	ActiveGrants(ctx context.Context, user kernel.UserID, org kernel.OrganizationID, now time.Time) ([]Grant, error)

	// RoleHolders lists the user/org pairs with an active assignment of role
	RoleHolders(ctx context.Context, id kernel.RoleID) ([]UserOrg, error)

	// DeactivateExpired flips expired assignments to inactive and returns
	// the affected pairs
	DeactivateExpired(ctx context.Context, now time.Time) ([]UserOrg, error)
}

// CacheLookup is the result of PermissionCache.Get. Generation must be passed
// back to Put; it lets the cache refuse a write computed before an
// invalidation.
type CacheLookup struct {
	Permissions PermissionSet
	Hit         bool
	Generation  int64
}

// PermissionCache holds effective permission sets per user and organization
type PermissionCache interface {
	Get(ctx context.Context, user kernel.UserID, org kernel.OrganizationID) (CacheLookup, error)

	// Put stores set only if no Invalidate ran since the Get that returned
	// generation. It reports whether the value was stored.
	Put(ctx context.Context, user kernel.UserID, org kernel.OrganizationID, set PermissionSet, generation int64, ttl time.Duration) (bool, error)

	Invalidate(ctx context.Context, user kernel.UserID, org kernel.OrganizationID) error
}
