package oauthinfra

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/Abraxas-365/authcore/pkg/iam/oauth"
	"github.com/jmoiron/sqlx"
)

// PostgresSessionRepository stores OAuth2 sessions in oauth2_sessions
type PostgresSessionRepository struct {
	db *sqlx.DB
}

func NewPostgresSessionRepository(db *sqlx.DB) *PostgresSessionRepository {
	return &PostgresSessionRepository{db: db}
}

var _ oauth.SessionRepository = (*PostgresSessionRepository)(nil)

const sessionColumns = `session_id, token_id, user_id, organization_id, provider, provider_user_id,
	status, COALESCE(created_from_ip, '') AS created_from_ip, created_at, expires_at, last_accessed_at,
	terminated_at, COALESCE(termination_reason, '') AS termination_reason`

func (r *PostgresSessionRepository) Create(ctx context.Context, s oauth.Session) error {
	query := `
		INSERT INTO oauth2_sessions (
			session_id, token_id, user_id, organization_id, provider, provider_user_id,
			status, created_from_ip, created_at, expires_at, last_accessed_at
		) VALUES (
			:session_id, :token_id, :user_id, :organization_id, :provider, :provider_user_id,
			:status, NULLIF(:created_from_ip, ''), :created_at, :expires_at, :last_accessed_at
		)`
	if _, err := r.db.NamedExecContext(ctx, query, s); err != nil {
		return errx.Wrap(err, "failed to insert oauth2 session", errx.TypeInternal)
	}
	return nil
}

func (r *PostgresSessionRepository) findOne(ctx context.Context, column, value string) (*oauth.Session, error) {
	var s oauth.Session
	query := `SELECT ` + sessionColumns + ` FROM oauth2_sessions WHERE ` + column + ` = $1`
	if err := r.db.GetContext(ctx, &s, query, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, oauth.ErrRegistry.New(oauth.CodeSessionNotFound)
		}
		return nil, errx.Wrap(err, "failed to find oauth2 session", errx.TypeInternal)
	}
	return &s, nil
}

func (r *PostgresSessionRepository) FindByID(ctx context.Context, sessionID string) (*oauth.Session, error) {
	return r.findOne(ctx, "session_id", sessionID)
}

func (r *PostgresSessionRepository) FindByTokenID(ctx context.Context, tokenID string) (*oauth.Session, error) {
	return r.findOne(ctx, "token_id", tokenID)
}

func (r *PostgresSessionRepository) Touch(ctx context.Context, sessionID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE oauth2_sessions SET last_accessed_at = $2
		WHERE session_id = $1 AND status = $3`,
		sessionID, at, string(oauth.StateSessionEstablished))
	if err != nil {
		return errx.Wrap(err, "failed to touch oauth2 session", errx.TypeInternal)
	}
	return nil
}

// Terminate only moves ESTABLISHED sessions, so concurrent calls produce a
// single transition.
func (r *PostgresSessionRepository) Terminate(ctx context.Context, sessionID, reason string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE oauth2_sessions
		SET status = $2, terminated_at = $3, termination_reason = $4
		WHERE session_id = $1 AND status = $5`,
		sessionID, string(oauth.StateTerminated), at, reason, string(oauth.StateSessionEstablished))
	if err != nil {
		return false, errx.Wrap(err, "failed to terminate oauth2 session", errx.TypeInternal)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errx.Wrap(err, "failed to get rows affected on terminate", errx.TypeInternal)
	}
	return n > 0, nil
}

func (r *PostgresSessionRepository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE oauth2_sessions SET status = $1
		WHERE status = $2 AND expires_at <= $3`,
		string(oauth.StateExpired), string(oauth.StateSessionEstablished), now)
	if err != nil {
		return 0, errx.Wrap(err, "failed to expire oauth2 sessions", errx.TypeInternal)
	}
	return result.RowsAffected()
}
