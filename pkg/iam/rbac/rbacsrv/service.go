package rbacsrv

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/Abraxas-365/authcore/pkg/iam/audit"
	"github.com/Abraxas-365/authcore/pkg/iam/rbac"
	"github.com/Abraxas-365/authcore/pkg/kernel"
	"github.com/Abraxas-365/authcore/pkg/logx"
	"github.com/google/uuid"
)

// RoleService mutates roles and assignments. Every mutation commits first,
// then invalidates the affected cache entries before returning.
type RoleService struct {
	repo     rbac.Repository
	resolver *Resolver
	audit    audit.Recorder
	now      func() time.Time
}

func NewRoleService(repo rbac.Repository, resolver *Resolver, rec audit.Recorder) *RoleService {
	return &RoleService{
		repo:     repo,
		resolver: resolver,
		audit:    rec,
		now:      time.Now,
	}
}

// Actor is who performs a mutation, for auditing
type Actor struct {
	UserID kernel.UserID
	IP     string
}

type CreateRoleRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

type AssignRoleRequest struct {
	RoleID    kernel.RoleID `json:"role_id"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
}

func normalizePermissions(keys []string) ([]string, error) {
	set := rbac.NewPermissionSet()
	for _, k := range keys {
		res, act, ok := rbac.ParseKey(k)
		if !ok || !rbac.IsKnown(res, act) {
			return nil, rbac.ErrRegistry.New(rbac.CodeInvalidPermission).WithDetail("permission", k)
		}
		set.Add(rbac.Key(res, act))
	}
	return set.Keys(), nil
}

func (s *RoleService) record(ctx context.Context, t audit.EventType, actor Actor, org kernel.OrganizationID, details map[string]any) {
	s.audit.Record(ctx, audit.Event{
		Type:           t,
		ActorID:        actor.UserID,
		OrganizationID: org,
		IP:             actor.IP,
		Details:        details,
	})
}

// CreateRole creates a custom role. No one holds it yet, so nothing is invalidated.
func (s *RoleService) CreateRole(ctx context.Context, actor Actor, org kernel.OrganizationID, req CreateRoleRequest) (*rbac.Role, error) {
	name := strings.TrimSpace(strings.ToLower(req.Name))
	if name == "" || len(name) > 64 {
		return nil, rbac.ErrRegistry.New(rbac.CodeInvalidRole).WithDetail("field", "name")
	}
	for _, p := range rbac.PredefinedRoles() {
		if p.Name == name {
			return nil, rbac.ErrRegistry.New(rbac.CodeRoleNameExists)
		}
	}
	perms, err := normalizePermissions(req.Permissions)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	role := rbac.Role{
		ID:             kernel.RoleID(uuid.NewString()),
		OrganizationID: org,
		Name:           name,
		Description:    req.Description,
		Type:           rbac.RoleTypeCustom,
		Permissions:    perms,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.CreateRole(ctx, role); err != nil {
		return nil, err
	}

	s.record(ctx, audit.EventRoleCreated, actor, org, map[string]any{"role_id": role.ID, "name": name})
	return &role, nil
}

func (s *RoleService) GetRole(ctx context.Context, org kernel.OrganizationID, id kernel.RoleID) (*rbac.Role, error) {
	return s.repo.FindRole(ctx, org, id)
}

func (s *RoleService) ListRoles(ctx context.Context, org kernel.OrganizationID) ([]rbac.Role, error) {
	return s.repo.ListRoles(ctx, org)
}

// mutableRole loads a custom role of org
func (s *RoleService) mutableRole(ctx context.Context, org kernel.OrganizationID, id kernel.RoleID) (*rbac.Role, error) {
	role, err := s.repo.FindRole(ctx, org, id)
	if err != nil {
		return nil, err
	}
	if role.IsPredefined() {
		return nil, rbac.ErrRegistry.New(rbac.CodePredefinedRole).WithDetail("role", role.Name)
	}
	return role, nil
}

// UpdateRolePermissions replaces a custom role's permissions and
// invalidates every holder.
func (s *RoleService) UpdateRolePermissions(ctx context.Context, actor Actor, org kernel.OrganizationID, id kernel.RoleID, keys []string) (*rbac.Role, error) {
	role, err := s.mutableRole(ctx, org, id)
	if err != nil {
		return nil, err
	}
	perms, err := normalizePermissions(keys)
	if err != nil {
		return nil, err
	}

	if err := s.repo.SetRolePermissions(ctx, id, perms); err != nil {
		return nil, err
	}
	if err := s.resolver.InvalidateRole(ctx, id); err != nil {
		return nil, err
	}

	role.Permissions = perms
	role.UpdatedAt = s.now().UTC()
	s.record(ctx, audit.EventRoleModified, actor, org, map[string]any{"role_id": id, "permissions": perms})
	return role, nil
}

// DeleteRole removes a custom role. Holders are collected before the delete
// because the assignments go with it.
func (s *RoleService) DeleteRole(ctx context.Context, actor Actor, org kernel.OrganizationID, id kernel.RoleID) error {
	role, err := s.mutableRole(ctx, org, id)
	if err != nil {
		return err
	}
	holders, err := s.repo.RoleHolders(ctx, id)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteRole(ctx, id); err != nil {
		return err
	}
	if err := s.resolver.InvalidateAll(ctx, holders); err != nil {
		return err
	}

	s.record(ctx, audit.EventRoleDeleted, actor, org, map[string]any{"role_id": id, "name": role.Name, "holders": len(holders)})
	return nil
}

// AssignRole grants role to user in org. The role must belong to org.
func (s *RoleService) AssignRole(ctx context.Context, actor Actor, org kernel.OrganizationID, user kernel.UserID, req AssignRoleRequest) (*rbac.Assignment, error) {
	role, err := s.repo.FindRole(ctx, org, req.RoleID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, rbac.ErrRegistry.New(rbac.CodeInvalidExpiry)
	}

	a := rbac.Assignment{
		ID:             uuid.NewString(),
		UserID:         user,
		OrganizationID: org,
		RoleID:         role.ID,
		RoleName:       role.Name,
		AssignedBy:     actor.UserID,
		AssignedAt:     now,
		ExpiresAt:      req.ExpiresAt,
		IsActive:       true,
	}
	if err := s.repo.CreateAssignment(ctx, a); err != nil {
		return nil, err
	}
	if err := s.resolver.Invalidate(ctx, user, org); err != nil {
		return nil, err
	}

	s.record(ctx, audit.EventRoleAssigned, actor, org, map[string]any{
		"target_user_id": user,
		"role_id":        role.ID,
		"role":           role.Name,
	})
	logx.WithFields(logx.Fields{
		"user_id":         user,
		"organization_id": org,
		"role":            role.Name,
	}).Info("Role assigned")
	return &a, nil
}

// RemoveRole deactivates the active assignment of role for user in org
func (s *RoleService) RemoveRole(ctx context.Context, actor Actor, org kernel.OrganizationID, user kernel.UserID, id kernel.RoleID) error {
	found, err := s.repo.DeactivateAssignment(ctx, user, org, id)
	if err != nil {
		return err
	}
	if !found {
		return rbac.ErrAssignmentNotFound()
	}
	if err := s.resolver.Invalidate(ctx, user, org); err != nil {
		return err
	}

	s.record(ctx, audit.EventRoleRemoved, actor, org, map[string]any{
		"target_user_id": user,
		"role_id":        id,
	})
	return nil
}

// ListUserRoles returns the user's active assignments in org
func (s *RoleService) ListUserRoles(ctx context.Context, org kernel.OrganizationID, user kernel.UserID) ([]rbac.Assignment, error) {
	all, err := s.repo.ListAssignments(ctx, user, org)
	if err != nil {
		return nil, err
	}
	now := s.now()
	active := make([]rbac.Assignment, 0, len(all))
	for _, a := range all {
		if a.ActiveAt(now) {
			active = append(active, a)
		}
	}
	return active, nil
}

// PrimaryRole returns the strongest active role name, for display only
func (s *RoleService) PrimaryRole(ctx context.Context, user kernel.UserID, org kernel.OrganizationID) (string, error) {
	active, err := s.ListUserRoles(ctx, org, user)
	if err != nil || len(active) == 0 {
		return "", err
	}
	sort.SliceStable(active, func(i, j int) bool {
		return rbac.RolePrecedence(active[i].RoleName) < rbac.RolePrecedence(active[j].RoleName)
	})
	return active[0].RoleName, nil
}

// MaterializePredefinedRoles creates any missing predefined role in org.
// Safe to call repeatedly.
func (s *RoleService) MaterializePredefinedRoles(ctx context.Context, org kernel.OrganizationID) ([]rbac.Role, error) {
	roles := make([]rbac.Role, 0, len(rbac.PredefinedRoles()))
	for _, p := range rbac.PredefinedRoles() {
		existing, err := s.repo.FindRoleByName(ctx, org, p.Name)
		if err == nil {
			roles = append(roles, *existing)
			continue
		}
		if !errx.IsCode(err, rbac.CodeRoleNotFound) {
			return nil, err
		}

		now := s.now().UTC()
		role := rbac.Role{
			ID:             kernel.RoleID(uuid.NewString()),
			OrganizationID: org,
			Name:           p.Name,
			Description:    p.Description,
			Type:           rbac.RoleTypePredefined,
			Permissions:    p.Permissions,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.repo.CreateRole(ctx, role); err != nil {
			if !errx.IsCode(err, rbac.CodeRoleNameExists) {
				return nil, err
			}
			// lost a race with a concurrent bootstrap
			winner, findErr := s.repo.FindRoleByName(ctx, org, p.Name)
			if findErr != nil {
				return nil, findErr
			}
			role = *winner
		}
		roles = append(roles, role)
	}
	return roles, nil
}

// BootstrapOrganization materializes predefined roles and makes owner the
// organization's owner. Used when a new organization is created.
func (s *RoleService) BootstrapOrganization(ctx context.Context, org kernel.OrganizationID, owner kernel.UserID) error {
	roles, err := s.MaterializePredefinedRoles(ctx, org)
	if err != nil {
		return err
	}
	for _, r := range roles {
		if r.Name != rbac.RoleOwner {
			continue
		}
		_, err := s.AssignRole(ctx, Actor{UserID: owner}, org, owner, AssignRoleRequest{RoleID: r.ID})
		if err != nil && !errx.IsCode(err, rbac.CodeAssignmentExists) {
			return err
		}
		return nil
	}
	return rbac.ErrRoleNotFound().WithDetail("role", rbac.RoleOwner)
}

// Name identifies the service as a cleanup sweeper
func (s *RoleService) Name() string { return "role_assignments" }

// Sweep deactivates expired assignments and invalidates their cache entries
func (s *RoleService) Sweep(ctx context.Context) (int64, error) {
	pairs, err := s.repo.DeactivateExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if err := s.resolver.InvalidateAll(ctx, pairs); err != nil {
		return int64(len(pairs)), err
	}
	return int64(len(pairs)), nil
}
