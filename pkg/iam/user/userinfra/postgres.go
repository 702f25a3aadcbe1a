package userinfra

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/Abraxas-365/authcore/pkg/iam/user"
	"github.com/Abraxas-365/authcore/pkg/kernel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresDirectory implements user.Directory over users, user_identities
// and organizations.
type PostgresDirectory struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewPostgresDirectory(db *sqlx.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db, now: time.Now}
}

var _ user.Directory = (*PostgresDirectory)(nil)

const userColumns = `u.id, u.organization_id, u.email, u.name, u.is_active, u.created_at`

func (d *PostgresDirectory) findByIdentity(ctx context.Context, q sqlx.QueryerContext, provider, subject string) (*user.User, error) {
	var u user.User
	query := `SELECT ` + userColumns + `
		FROM user_identities ui
		JOIN users u ON u.id = ui.user_id
		WHERE ui.provider = $1 AND ui.subject = $2`
	if err := sqlx.GetContext(ctx, q, &u, query, provider, subject); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, user.ErrNotFound()
		}
		return nil, errx.Wrap(err, "failed to find identity", errx.TypeInternal)
	}
	return &u, nil
}

// FindOrCreateByProviderIdentity returns the user linked to (provider,
// subject). An unknown identity gets a new user in a new organization.
func (d *PostgresDirectory) FindOrCreateByProviderIdentity(ctx context.Context, req user.IdentityRequest) (*user.User, bool, error) {
	u, err := d.findByIdentity(ctx, d.db, req.Provider, req.Subject)
	if err == nil {
		return u, false, nil
	}
	if !errx.IsCode(err, user.CodeNotFound) {
		return nil, false, err
	}

	now := d.now().UTC()
	created := user.User{
		ID:             kernel.UserID(uuid.NewString()),
		OrganizationID: kernel.OrganizationID(uuid.NewString()),
		Email:          strings.ToLower(strings.TrimSpace(req.Email)),
		Name:           req.Name,
		IsActive:       true,
		CreatedAt:      now,
	}

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, errx.Wrap(err, "failed to begin transaction", errx.TypeInternal)
	}
	defer tx.Rollback()

	orgName := created.Name
	if orgName == "" {
		orgName = created.Email
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO organizations (id, name, created_at) VALUES ($1, $2, $3)`,
		created.OrganizationID.String(), orgName, now); err != nil {
		return nil, false, errx.Wrap(err, "failed to create organization", errx.TypeInternal)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, organization_id, email, name, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		created.ID.String(), created.OrganizationID.String(), created.Email, created.Name, true, now); err != nil {
		if isUniqueViolation(err) {
			tx.Rollback()
			return d.resolveConflict(ctx, req)
		}
		return nil, false, errx.Wrap(err, "failed to create user", errx.TypeInternal)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_identities (provider, subject, user_id, created_at)
		VALUES ($1, $2, $3, $4)`,
		req.Provider, req.Subject, created.ID.String(), now); err != nil {
		if isUniqueViolation(err) {
			tx.Rollback()
			return d.resolveConflict(ctx, req)
		}
		return nil, false, errx.Wrap(err, "failed to link identity", errx.TypeInternal)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, errx.Wrap(err, "failed to commit user", errx.TypeInternal)
	}
	return &created, true, nil
}

// resolveConflict runs after a unique violation while creating a user. A
// concurrent callback for the same identity wins and its user is returned.
// Otherwise the email belongs to another account; identities are never
// linked by email alone.
func (d *PostgresDirectory) resolveConflict(ctx context.Context, req user.IdentityRequest) (*user.User, bool, error) {
	u, err := d.findByIdentity(ctx, d.db, req.Provider, req.Subject)
	if err == nil {
		return u, false, nil
	}
	if !errx.IsCode(err, user.CodeNotFound) {
		return nil, false, err
	}
	return nil, false, user.ErrEmailInUse().WithDetail("provider", req.Provider)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (d *PostgresDirectory) FindByID(ctx context.Context, id kernel.UserID) (*user.User, error) {
	var u user.User
	query := `SELECT ` + userColumns + ` FROM users u WHERE u.id = $1`
	if err := d.db.GetContext(ctx, &u, query, id.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, user.ErrNotFound()
		}
		return nil, errx.Wrap(err, "failed to find user", errx.TypeInternal)
	}
	return &u, nil
}

func (d *PostgresDirectory) FindCredentialsByEmail(ctx context.Context, email string) (*user.Credentials, error) {
	var c user.Credentials
	query := `SELECT ` + userColumns + `, u.password_hash
		FROM users u
		WHERE lower(u.email) = lower($1) AND u.password_hash IS NOT NULL`
	if err := d.db.GetContext(ctx, &c, query, strings.TrimSpace(email)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, user.ErrNotFound()
		}
		return nil, errx.Wrap(err, "failed to find credentials", errx.TypeInternal)
	}
	return &c, nil
}
