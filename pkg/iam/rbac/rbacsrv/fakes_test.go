package rbacsrv_test

import (
	"context"
	"sync"
	"time"

	"github.com/Abraxas-365/authcore/pkg/iam/audit"
	"github.com/Abraxas-365/authcore/pkg/iam/rbac"
	"github.com/Abraxas-365/authcore/pkg/kernel"
)

// memRepo is an in-memory rbac.Repository
type memRepo struct {
	mu          sync.Mutex
	roles       map[kernel.RoleID]rbac.Role
	assignments []rbac.Assignment

	grantsErr    error
	onGrants     func()
	grantsCalled int
}

func newMemRepo() *memRepo {
	return &memRepo{roles: make(map[kernel.RoleID]rbac.Role)}
}

func (r *memRepo) CreateRole(_ context.Context, role rbac.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.roles {
		if existing.OrganizationID == role.OrganizationID && existing.Name == role.Name {
			return rbac.ErrRegistry.New(rbac.CodeRoleNameExists)
		}
	}
	r.roles[role.ID] = role
	return nil
}

func (r *memRepo) FindRole(_ context.Context, org kernel.OrganizationID, id kernel.RoleID) (*rbac.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.roles[id]
	if !ok || role.OrganizationID != org {
		return nil, rbac.ErrRoleNotFound()
	}
	return &role, nil
}

func (r *memRepo) FindRoleByName(_ context.Context, org kernel.OrganizationID, name string) (*rbac.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, role := range r.roles {
		if role.OrganizationID == org && role.Name == name {
			return &role, nil
		}
	}
	return nil, rbac.ErrRoleNotFound()
}

func (r *memRepo) ListRoles(_ context.Context, org kernel.OrganizationID) ([]rbac.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []rbac.Role
	for _, role := range r.roles {
		if role.OrganizationID == org {
			out = append(out, role)
		}
	}
	return out, nil
}

func (r *memRepo) SetRolePermissions(_ context.Context, id kernel.RoleID, keys []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.roles[id]
	if !ok {
		return rbac.ErrRoleNotFound()
	}
	role.Permissions = keys
	r.roles[id] = role
	return nil
}

func (r *memRepo) DeleteRole(_ context.Context, id kernel.RoleID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roles[id]; !ok {
		return rbac.ErrRoleNotFound()
	}
	delete(r.roles, id)
	kept := r.assignments[:0]
	for _, a := range r.assignments {
		if a.RoleID != id {
			kept = append(kept, a)
		}
	}
	r.assignments = kept
	return nil
}

func (r *memRepo) CreateAssignment(_ context.Context, a rbac.Assignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.assignments {
		if existing.IsActive && existing.UserID == a.UserID && existing.OrganizationID == a.OrganizationID && existing.RoleID == a.RoleID {
			return rbac.ErrRegistry.New(rbac.CodeAssignmentExists)
		}
	}
	r.assignments = append(r.assignments, a)
	return nil
}

func (r *memRepo) DeactivateAssignment(_ context.Context, user kernel.UserID, org kernel.OrganizationID, role kernel.RoleID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, a := range r.assignments {
		if a.IsActive && a.UserID == user && a.OrganizationID == org && a.RoleID == role {
			r.assignments[i].IsActive = false
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) ListAssignments(_ context.Context, user kernel.UserID, org kernel.OrganizationID) ([]rbac.Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []rbac.Assignment
	for _, a := range r.assignments {
		if a.UserID == user && a.OrganizationID == org {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memRepo) ActiveGrants(_ context.Context, user kernel.UserID, org kernel.OrganizationID, now time.Time) ([]rbac.Grant, error) {
	r.mu.Lock()
	r.grantsCalled++
	if r.grantsErr != nil {
		r.mu.Unlock()
		return nil, r.grantsErr
	}
	var out []rbac.Grant
	for _, a := range r.assignments {
		if a.UserID != user || a.OrganizationID != org || !a.ActiveAt(now) {
			continue
		}
		role, ok := r.roles[a.RoleID]
		if !ok || role.OrganizationID != org {
			continue
		}
		out = append(out, rbac.Grant{RoleID: a.RoleID, ExpiresAt: a.ExpiresAt, Permissions: role.Permissions})
	}
	hook := r.onGrants
	r.onGrants = nil
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	return out, nil
}

func (r *memRepo) RoleHolders(_ context.Context, id kernel.RoleID) ([]rbac.UserOrg, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []rbac.UserOrg
	for _, a := range r.assignments {
		if a.RoleID == id && a.IsActive {
			out = append(out, rbac.UserOrg{UserID: a.UserID, OrganizationID: a.OrganizationID})
		}
	}
	return out, nil
}

func (r *memRepo) DeactivateExpired(_ context.Context, now time.Time) ([]rbac.UserOrg, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []rbac.UserOrg
	for i, a := range r.assignments {
		if a.IsActive && a.ExpiresAt != nil && !now.Before(*a.ExpiresAt) {
			r.assignments[i].IsActive = false
			out = append(out, rbac.UserOrg{UserID: a.UserID, OrganizationID: a.OrganizationID})
		}
	}
	return out, nil
}

// recordingCache wraps a cache and can inject failures or capture TTLs
type recordingCache struct {
	rbac.PermissionCache
	getErr        error
	invalidateErr error
	lastTTL       time.Duration
	puts          int
	invalidations int
}

func (c *recordingCache) Get(ctx context.Context, u kernel.UserID, o kernel.OrganizationID) (rbac.CacheLookup, error) {
	if c.getErr != nil {
		return rbac.CacheLookup{}, c.getErr
	}
	return c.PermissionCache.Get(ctx, u, o)
}

func (c *recordingCache) Put(ctx context.Context, u kernel.UserID, o kernel.OrganizationID, s rbac.PermissionSet, gen int64, ttl time.Duration) (bool, error) {
	c.lastTTL = ttl
	c.puts++
	return c.PermissionCache.Put(ctx, u, o, s, gen, ttl)
}

func (c *recordingCache) Invalidate(ctx context.Context, u kernel.UserID, o kernel.OrganizationID) error {
	c.invalidations++
	if c.invalidateErr != nil {
		return c.invalidateErr
	}
	return c.PermissionCache.Invalidate(ctx, u, o)
}

type recorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recorder) Record(_ context.Context, evt audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) types() []audit.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
