package tokeninfra

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/Abraxas-365/authcore/pkg/iam/token"
	"github.com/Abraxas-365/authcore/pkg/kernel"
	"github.com/jmoiron/sqlx"
)

// PostgresTokenRepository stores token metadata in token_metadata.
type PostgresTokenRepository struct {
	db *sqlx.DB
}

func NewPostgresTokenRepository(db *sqlx.DB) *PostgresTokenRepository {
	return &PostgresTokenRepository{db: db}
}

var _ token.Repository = (*PostgresTokenRepository)(nil)

const tokenColumns = `id, token_hash, salt, user_id, organization_id, provider,
	issued_at, expires_at, source_ip, user_agent, revoked_at`

func (r *PostgresTokenRepository) Create(ctx context.Context, meta token.Metadata) error {
	query := `
		INSERT INTO token_metadata (` + tokenColumns + `)
		VALUES (:id, :token_hash, :salt, :user_id, :organization_id, :provider,
			:issued_at, :expires_at, :source_ip, :user_agent, :revoked_at)`

	if _, err := r.db.NamedExecContext(ctx, query, meta); err != nil {
		return errx.Wrap(err, "failed to insert token metadata", errx.TypeInternal).
			WithDetail("token_id", meta.ID)
	}
	return nil
}

func (r *PostgresTokenRepository) FindByID(ctx context.Context, id string) (*token.Metadata, error) {
	var meta token.Metadata
	query := `SELECT ` + tokenColumns + ` FROM token_metadata WHERE id = $1`
	if err := r.db.GetContext(ctx, &meta, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, token.ErrNotFound()
		}
		return nil, errx.Wrap(err, "failed to find token", errx.TypeInternal)
	}
	return &meta, nil
}

// Revoke is a single-row compare-and-set on revoked_at
func (r *PostgresTokenRepository) Revoke(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `UPDATE token_metadata SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return false, errx.Wrap(err, "failed to revoke token", errx.TypeInternal)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errx.Wrap(err, "failed to get rows affected on revoke", errx.TypeInternal)
	}
	return n == 1, nil
}

func (r *PostgresTokenRepository) RevokeAllForUser(ctx context.Context, userID kernel.UserID, at time.Time) (int64, error) {
	query := `UPDATE token_metadata SET revoked_at = $2 WHERE user_id = $1 AND revoked_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, userID.String(), at)
	if err != nil {
		return 0, errx.Wrap(err, "failed to revoke user tokens", errx.TypeInternal)
	}
	return result.RowsAffected()
}

func (r *PostgresTokenRepository) ListActiveForUser(ctx context.Context, userID kernel.UserID, now time.Time) ([]token.Metadata, error) {
	var rows []token.Metadata
	query := `SELECT ` + tokenColumns + ` FROM token_metadata
		WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2
		ORDER BY issued_at ASC`
	if err := r.db.SelectContext(ctx, &rows, query, userID.String(), now); err != nil {
		return nil, errx.Wrap(err, "failed to list active tokens", errx.TypeInternal)
	}
	return rows, nil
}

func (r *PostgresTokenRepository) CountActiveForUser(ctx context.Context, userID kernel.UserID, now time.Time) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM token_metadata
		WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2`
	if err := r.db.GetContext(ctx, &n, query, userID.String(), now); err != nil {
		return 0, errx.Wrap(err, "failed to count active tokens", errx.TypeInternal)
	}
	return n, nil
}

func (r *PostgresTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM token_metadata WHERE expires_at < $1`, now)
	if err != nil {
		return 0, errx.Wrap(err, "failed to delete expired tokens", errx.TypeInternal)
	}
	return result.RowsAffected()
}
