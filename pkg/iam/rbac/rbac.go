package rbac

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/Abraxas-365/authcore/pkg/kernel"
)

// ============================================================================
// Error Registry
// ============================================================================

var ErrRegistry = errx.NewRegistry("RBAC")

var (
	CodeRoleNotFound       = ErrRegistry.Register("ROLE_NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Role not found")
	CodeRoleNameExists     = ErrRegistry.Register("ROLE_NAME_EXISTS", errx.TypeConflict, http.StatusConflict, "A role with this name already exists")
	CodePredefinedRole     = ErrRegistry.Register("PREDEFINED_ROLE", errx.TypeBusiness, http.StatusUnprocessableEntity, "Predefined roles cannot be modified")
	CodeAssignmentExists   = ErrRegistry.Register("ASSIGNMENT_EXISTS", errx.TypeConflict, http.StatusConflict, "User already holds this role")
	CodeAssignmentNotFound = ErrRegistry.Register("ASSIGNMENT_NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Role assignment not found")
	CodeInvalidPermission  = ErrRegistry.Register("INVALID_PERMISSION", errx.TypeValidation, http.StatusBadRequest, "Unknown permission")
	CodeInvalidRole        = ErrRegistry.Register("INVALID_ROLE", errx.TypeValidation, http.StatusBadRequest, "Invalid role definition")
	CodeInvalidExpiry      = ErrRegistry.Register("INVALID_EXPIRY", errx.TypeValidation, http.StatusBadRequest, "Assignment expiry must be in the future")
	CodeResolutionFailed   = ErrRegistry.Register("RESOLUTION_FAILED", errx.TypeInternal, http.StatusServiceUnavailable, "Permissions could not be resolved")
	CodeInvalidationFailed = ErrRegistry.Register("CACHE_INVALIDATION_FAILED", errx.TypeInternal, http.StatusInternalServerError, "Permission cache invalidation failed")
)

func ErrRoleNotFound() *errx.Error {
	return ErrRegistry.New(CodeRoleNotFound)
}

func ErrAssignmentNotFound() *errx.Error {
	return ErrRegistry.New(CodeAssignmentNotFound)
}

// ============================================================================
// Permissions
// ============================================================================

type Resource string

const (
	ResourceOrganizations Resource = "ORGANIZATIONS"
	ResourceUsers         Resource = "USERS"
	ResourceRoles         Resource = "ROLES"
	ResourcePayments      Resource = "PAYMENTS"
	ResourceSubscriptions Resource = "SUBSCRIPTIONS"
	ResourceAudit         Resource = "AUDIT"
)

type Action string

const (
	ActionRead   Action = "READ"
	ActionWrite  Action = "WRITE"
	ActionDelete Action = "DELETE"
	ActionAdmin  Action = "ADMIN"
)

var (
	Resources = []Resource{ResourceOrganizations, ResourceUsers, ResourceRoles, ResourcePayments, ResourceSubscriptions, ResourceAudit}
	Actions   = []Action{ActionRead, ActionWrite, ActionDelete, ActionAdmin}
)

// Permission is one RESOURCE:ACTION pair from the global catalog
type Permission struct {
	ID          string   `db:"id" json:"id"`
	Resource    Resource `db:"resource" json:"resource"`
	Action      Action   `db:"action" json:"action"`
	Description string   `db:"description" json:"description,omitempty"`
}

// Key returns the cache and wire form RESOURCE:ACTION
func Key(resource Resource, action Action) string {
	return string(resource) + ":" + string(action)
}

func (p Permission) Key() string {
	return Key(p.Resource, p.Action)
}

// ParseKey splits RESOURCE:ACTION, normalizing to upper case
func ParseKey(key string) (Resource, Action, bool) {
	res, act, ok := strings.Cut(strings.ToUpper(strings.TrimSpace(key)), ":")
	if !ok || res == "" || act == "" {
		return "", "", false
	}
	return Resource(res), Action(act), true
}

// IsKnown reports whether the pair is part of the catalog
func IsKnown(resource Resource, action Action) bool {
	var okRes, okAct bool
	for _, r := range Resources {
		okRes = okRes || r == resource
	}
	for _, a := range Actions {
		okAct = okAct || a == action
	}
	return okRes && okAct
}

// Catalog returns every RESOURCE:ACTION pair
func Catalog() []Permission {
	out := make([]Permission, 0, len(Resources)*len(Actions))
	for _, r := range Resources {
		for _, a := range Actions {
			out = append(out, Permission{Resource: r, Action: a})
		}
	}
	return out
}

// PermissionSet is a set of RESOURCE:ACTION keys
type PermissionSet map[string]struct{}

func NewPermissionSet(keys ...string) PermissionSet {
	s := make(PermissionSet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func (s PermissionSet) Has(resource Resource, action Action) bool {
	_, ok := s[Key(resource, action)]
	return ok
}

func (s PermissionSet) Add(keys ...string) {
	for _, k := range keys {
		s[k] = struct{}{}
	}
}

// Keys returns the members sorted
func (s PermissionSet) Keys() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ============================================================================
// Roles and assignments
// ============================================================================

type RoleType string

const (
	RoleTypePredefined RoleType = "PREDEFINED"
	RoleTypeCustom     RoleType = "CUSTOM"
)

// Role is scoped to one organization. Predefined roles are materialized per
// organization and immutable.
type Role struct {
	ID             kernel.RoleID         `db:"id" json:"id"`
	OrganizationID kernel.OrganizationID `db:"organization_id" json:"organization_id"`
	Name           string                `db:"name" json:"name"`
	Description    string                `db:"description" json:"description"`
	Type           RoleType              `db:"role_type" json:"type"`
	Permissions    []string              `db:"-" json:"permissions"`
	CreatedAt      time.Time             `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time             `db:"updated_at" json:"updated_at"`
}

func (r *Role) IsPredefined() bool {
	return r.Type == RoleTypePredefined
}

// Assignment grants a role to a user within one organization
type Assignment struct {
	ID             string                `db:"id" json:"id"`
	UserID         kernel.UserID         `db:"user_id" json:"user_id"`
	OrganizationID kernel.OrganizationID `db:"organization_id" json:"organization_id"`
	RoleID         kernel.RoleID         `db:"role_id" json:"role_id"`
	RoleName       string                `db:"role_name" json:"role_name,omitempty"`
	AssignedBy     kernel.UserID         `db:"assigned_by" json:"assigned_by,omitempty"`
	AssignedAt     time.Time             `db:"assigned_at" json:"assigned_at"`
	ExpiresAt      *time.Time            `db:"expires_at" json:"expires_at,omitempty"`
	IsActive       bool                  `db:"is_active" json:"is_active"`
}

// ActiveAt reports whether the assignment contributes permissions at now
func (a *Assignment) ActiveAt(now time.Time) bool {
	return a.IsActive && (a.ExpiresAt == nil || now.Before(*a.ExpiresAt))
}

// Grant is an active assignment's expiry paired with its role's permissions
type Grant struct {
	RoleID      kernel.RoleID
	ExpiresAt   *time.Time
	Permissions []string
}

// UserOrg identifies one cache entry
type UserOrg struct {
	UserID         kernel.UserID         `db:"user_id"`
	OrganizationID kernel.OrganizationID `db:"organization_id"`
}

// ============================================================================
// Predefined roles
// ============================================================================

const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleViewer = "viewer"
)

// PredefinedRole is the template materialized into each organization
type PredefinedRole struct {
	Name        string
	Description string
	Permissions []string
}

// PredefinedRoles lists templates in precedence order
func PredefinedRoles() []PredefinedRole {
	all := make([]string, 0)
	for _, p := range Catalog() {
		all = append(all, p.Key())
	}

	var adminPerms []string
	for _, r := range Resources {
		for _, a := range []Action{ActionRead, ActionWrite, ActionDelete} {
			adminPerms = append(adminPerms, Key(r, a))
		}
	}
	adminPerms = append(adminPerms, Key(ResourceUsers, ActionAdmin), Key(ResourceRoles, ActionAdmin))

	var readOnly []string
	for _, r := range Resources {
		if r == ResourceAudit {
			continue
		}
		readOnly = append(readOnly, Key(r, ActionRead))
	}

	return []PredefinedRole{
		{Name: RoleOwner, Description: "Full control of the organization", Permissions: all},
		{Name: RoleAdmin, Description: "Manage users, roles and billing", Permissions: adminPerms},
		{Name: RoleMember, Description: "Day to day access", Permissions: []string{
			Key(ResourceOrganizations, ActionRead),
			Key(ResourceUsers, ActionRead),
			Key(ResourcePayments, ActionRead),
			Key(ResourcePayments, ActionWrite),
			Key(ResourceSubscriptions, ActionRead),
		}},
		{Name: RoleViewer, Description: "Read only access", Permissions: readOnly},
	}
}

// RolePrecedence orders role names for display; lower is stronger
func RolePrecedence(name string) int {
	for i, p := range PredefinedRoles() {
		if p.Name == name {
			return i
		}
	}
	return len(PredefinedRoles())
}
