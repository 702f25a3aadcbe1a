package rbacinfra

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/Abraxas-365/authcore/pkg/iam/rbac"
	"github.com/Abraxas-365/authcore/pkg/kernel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresRBACRepository implements rbac.Repository over roles,
// role_permissions, permissions and user_organization_roles.
type PostgresRBACRepository struct {
	db *sqlx.DB
}

func NewPostgresRBACRepository(db *sqlx.DB) *PostgresRBACRepository {
	return &PostgresRBACRepository{db: db}
}

var _ rbac.Repository = (*PostgresRBACRepository)(nil)

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// roleSelect aggregates each role's permission keys into one array column
const roleSelect = `
	SELECT r.id, r.organization_id, r.name, r.description, r.role_type, r.created_at, r.updated_at,
		COALESCE(array_agg(p.resource || ':' || p.action ORDER BY p.resource, p.action)
			FILTER (WHERE p.id IS NOT NULL), '{}') AS permissions
	FROM roles r
	LEFT JOIN role_permissions rp ON rp.role_id = r.id
	LEFT JOIN permissions p ON p.id = rp.permission_id`

type rolePersistence struct {
	ID             string         `db:"id"`
	OrganizationID string         `db:"organization_id"`
	Name           string         `db:"name"`
	Description    string         `db:"description"`
	RoleType       string         `db:"role_type"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	Permissions    pq.StringArray `db:"permissions"`
}

func (p rolePersistence) toDomain() rbac.Role {
	return rbac.Role{
		ID:             kernel.RoleID(p.ID),
		OrganizationID: kernel.OrganizationID(p.OrganizationID),
		Name:           p.Name,
		Description:    p.Description,
		Type:           rbac.RoleType(p.RoleType),
		Permissions:    []string(p.Permissions),
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

const insertRolePermissions = `
	INSERT INTO role_permissions (role_id, permission_id)
	SELECT $1, p.id FROM permissions p
	WHERE p.resource || ':' || p.action = ANY($2)`

func (r *PostgresRBACRepository) CreateRole(ctx context.Context, role rbac.Role) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errx.Wrap(err, "failed to begin transaction", errx.TypeInternal)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO roles (id, organization_id, name, description, role_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		role.ID.String(), role.OrganizationID.String(), role.Name, role.Description,
		string(role.Type), role.CreatedAt, role.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return rbac.ErrRegistry.New(rbac.CodeRoleNameExists).WithDetail("name", role.Name)
		}
		return errx.Wrap(err, "failed to insert role", errx.TypeInternal)
	}

	if len(role.Permissions) > 0 {
		if _, err := tx.ExecContext(ctx, insertRolePermissions, role.ID.String(), pq.Array(role.Permissions)); err != nil {
			return errx.Wrap(err, "failed to insert role permissions", errx.TypeInternal)
		}
	}

	if err := tx.Commit(); err != nil {
		return errx.Wrap(err, "failed to commit role", errx.TypeInternal)
	}
	return nil
}

func (r *PostgresRBACRepository) findOne(ctx context.Context, where string, args ...any) (*rbac.Role, error) {
	var row rolePersistence
	query := roleSelect + ` WHERE ` + where + ` GROUP BY r.id`
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, rbac.ErrRoleNotFound()
		}
		return nil, errx.Wrap(err, "failed to find role", errx.TypeInternal)
	}
	role := row.toDomain()
	return &role, nil
}

// FindRole only matches roles of org, so a role id from another
// organization reads as not found.
func (r *PostgresRBACRepository) FindRole(ctx context.Context, org kernel.OrganizationID, id kernel.RoleID) (*rbac.Role, error) {
	return r.findOne(ctx, `r.id = $1 AND r.organization_id = $2`, id.String(), org.String())
}

func (r *PostgresRBACRepository) FindRoleByName(ctx context.Context, org kernel.OrganizationID, name string) (*rbac.Role, error) {
	return r.findOne(ctx, `r.organization_id = $1 AND r.name = $2`, org.String(), name)
}

func (r *PostgresRBACRepository) ListRoles(ctx context.Context, org kernel.OrganizationID) ([]rbac.Role, error) {
	var rows []rolePersistence
	query := roleSelect + ` WHERE r.organization_id = $1 GROUP BY r.id ORDER BY r.role_type DESC, r.name`
	if err := r.db.SelectContext(ctx, &rows, query, org.String()); err != nil {
		return nil, errx.Wrap(err, "failed to list roles", errx.TypeInternal)
	}
	roles := make([]rbac.Role, 0, len(rows))
	for _, row := range rows {
		roles = append(roles, row.toDomain())
	}
	return roles, nil
}

func (r *PostgresRBACRepository) SetRolePermissions(ctx context.Context, id kernel.RoleID, keys []string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errx.Wrap(err, "failed to begin transaction", errx.TypeInternal)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, id.String()); err != nil {
		return errx.Wrap(err, "failed to clear role permissions", errx.TypeInternal)
	}
	if len(keys) > 0 {
		if _, err := tx.ExecContext(ctx, insertRolePermissions, id.String(), pq.Array(keys)); err != nil {
			return errx.Wrap(err, "failed to insert role permissions", errx.TypeInternal)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE roles SET updated_at = NOW() WHERE id = $1`, id.String()); err != nil {
		return errx.Wrap(err, "failed to touch role", errx.TypeInternal)
	}

	if err := tx.Commit(); err != nil {
		return errx.Wrap(err, "failed to commit role permissions", errx.TypeInternal)
	}
	return nil
}

// DeleteRole removes the role; permissions and assignments cascade
func (r *PostgresRBACRepository) DeleteRole(ctx context.Context, id kernel.RoleID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, id.String())
	if err != nil {
		return errx.Wrap(err, "failed to delete role", errx.TypeInternal)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected on delete", errx.TypeInternal)
	}
	if n == 0 {
		return rbac.ErrRoleNotFound()
	}
	return nil
}

func (r *PostgresRBACRepository) CreateAssignment(ctx context.Context, a rbac.Assignment) error {
	query := `
		INSERT INTO user_organization_roles (
			id, user_id, organization_id, role_id, assigned_by, assigned_at, expires_at, is_active
		) VALUES (
			:id, :user_id, :organization_id, :role_id, NULLIF(:assigned_by, ''), :assigned_at, :expires_at, :is_active
		)`
	if _, err := r.db.NamedExecContext(ctx, query, a); err != nil {
		if isUniqueViolation(err) {
			return rbac.ErrRegistry.New(rbac.CodeAssignmentExists).
				WithDetail("user_id", a.UserID).
				WithDetail("role_id", a.RoleID)
		}
		return errx.Wrap(err, "failed to insert assignment", errx.TypeInternal)
	}
	return nil
}

func (r *PostgresRBACRepository) DeactivateAssignment(ctx context.Context, user kernel.UserID, org kernel.OrganizationID, role kernel.RoleID) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE user_organization_roles SET is_active = FALSE
		WHERE user_id = $1 AND organization_id = $2 AND role_id = $3 AND is_active`,
		user.String(), org.String(), role.String())
	if err != nil {
		return false, errx.Wrap(err, "failed to deactivate assignment", errx.TypeInternal)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errx.Wrap(err, "failed to get rows affected on deactivate", errx.TypeInternal)
	}
	return n > 0, nil
}

func (r *PostgresRBACRepository) ListAssignments(ctx context.Context, user kernel.UserID, org kernel.OrganizationID) ([]rbac.Assignment, error) {
	var rows []rbac.Assignment
	query := `
		SELECT uor.id, uor.user_id, uor.organization_id, uor.role_id, r.name AS role_name,
			COALESCE(uor.assigned_by, '') AS assigned_by, uor.assigned_at, uor.expires_at, uor.is_active
		FROM user_organization_roles uor
		JOIN roles r ON r.id = uor.role_id
		WHERE uor.user_id = $1 AND uor.organization_id = $2
		ORDER BY uor.assigned_at`
	if err := r.db.SelectContext(ctx, &rows, query, user.String(), org.String()); err != nil {
		return nil, errx.Wrap(err, "failed to list assignments", errx.TypeInternal)
	}
	return rows, nil
}

type grantPersistence struct {
	RoleID      string         `db:"role_id"`
	ExpiresAt   *time.Time     `db:"expires_at"`
	Permissions pq.StringArray `db:"permissions"`
}

func (r *PostgresRBACRepository) ActiveGrants(ctx context.Context, user kernel.UserID, org kernel.OrganizationID, now time.Time) ([]rbac.Grant, error) {
	var rows []grantPersistence
	query := `
		SELECT uor.role_id, uor.expires_at,
			COALESCE(array_agg(p.resource || ':' || p.action)
				FILTER (WHERE p.id IS NOT NULL), '{}') AS permissions
		FROM user_organization_roles uor
		JOIN roles r ON r.id = uor.role_id AND r.organization_id = uor.organization_id
		LEFT JOIN role_permissions rp ON rp.role_id = r.id
		LEFT JOIN permissions p ON p.id = rp.permission_id
		WHERE uor.user_id = $1 AND uor.organization_id = $2 AND uor.is_active
			AND (uor.expires_at IS NULL OR uor.expires_at > $3)
		GROUP BY uor.id, uor.role_id, uor.expires_at`
	if err := r.db.SelectContext(ctx, &rows, query, user.String(), org.String(), now); err != nil {
		return nil, errx.Wrap(err, "failed to load grants", errx.TypeInternal)
	}

	grants := make([]rbac.Grant, 0, len(rows))
	for _, row := range rows {
		grants = append(grants, rbac.Grant{
			RoleID:      kernel.RoleID(row.RoleID),
			ExpiresAt:   row.ExpiresAt,
			Permissions: []string(row.Permissions),
		})
	}
	return grants, nil
}

func (r *PostgresRBACRepository) RoleHolders(ctx context.Context, id kernel.RoleID) ([]rbac.UserOrg, error) {
	var rows []rbac.UserOrg
	query := `SELECT DISTINCT user_id, organization_id FROM user_organization_roles WHERE role_id = $1 AND is_active`
	if err := r.db.SelectContext(ctx, &rows, query, id.String()); err != nil {
		return nil, errx.Wrap(err, "failed to list role holders", errx.TypeInternal)
	}
	return rows, nil
}

func (r *PostgresRBACRepository) DeactivateExpired(ctx context.Context, now time.Time) ([]rbac.UserOrg, error) {
	var rows []rbac.UserOrg
	query := `
		UPDATE user_organization_roles SET is_active = FALSE
		WHERE is_active AND expires_at IS NOT NULL AND expires_at <= $1
		RETURNING user_id, organization_id`
	if err := r.db.SelectContext(ctx, &rows, query, now); err != nil {
		return nil, errx.Wrap(err, "failed to deactivate expired assignments", errx.TypeInternal)
	}

	seen := make(map[rbac.UserOrg]bool, len(rows))
	out := rows[:0]
	for _, p := range rows {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}
