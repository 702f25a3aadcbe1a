package oauthinfra

import (
	"context"

	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/Abraxas-365/authcore/pkg/iam/oauth"
	"github.com/jmoiron/sqlx"
)

type PostgresUserInfoRepository struct {
	db *sqlx.DB
}

func NewPostgresUserInfoRepository(db *sqlx.DB) *PostgresUserInfoRepository {
	return &PostgresUserInfoRepository{db: db}
}

var _ oauth.UserInfoRepository = (*PostgresUserInfoRepository)(nil)

// Upsert keys on (provider, provider_user_id); the linked user never changes
func (r *PostgresUserInfoRepository) Upsert(ctx context.Context, info oauth.UserInfo) error {
	query := `
		INSERT INTO oauth2_user_info (
			provider, provider_user_id, user_id, email, display_name,
			email_verified, picture, last_updated_from_provider
		) VALUES (
			:provider, :provider_user_id, :user_id, :email, :display_name,
			:email_verified, :picture, :last_updated_from_provider
		)
		ON CONFLICT (provider, provider_user_id) DO UPDATE SET
			email = EXCLUDED.email,
			display_name = EXCLUDED.display_name,
			email_verified = EXCLUDED.email_verified,
			picture = EXCLUDED.picture,
			last_updated_from_provider = EXCLUDED.last_updated_from_provider`
	if _, err := r.db.NamedExecContext(ctx, query, info); err != nil {
		return errx.Wrap(err, "failed to upsert oauth2 user info", errx.TypeInternal)
	}
	return nil
}
