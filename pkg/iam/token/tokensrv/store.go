package tokensrv

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"io"
	"time"

	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/Abraxas-365/authcore/pkg/iam/token"
	"github.com/Abraxas-365/authcore/pkg/kernel"
	"github.com/Abraxas-365/authcore/pkg/logx"
	"github.com/Abraxas-365/authcore/pkg/metricx"
	"github.com/google/uuid"
)

// Store issues and validates opaque bearer tokens.
type Store struct {
	repo    token.Repository
	ttl     time.Duration
	metrics *metricx.Metrics

	now     func() time.Time
	entropy io.Reader

	// dummySalt keeps the unknown-id path doing the same hashing work as a
	// real comparison
	dummySalt string
	dummyHash string
}

type Option func(*Store)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithEntropy overrides crypto/rand.Reader
func WithEntropy(r io.Reader) Option {
	return func(s *Store) { s.entropy = r }
}

func WithMetrics(m *metricx.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

func NewStore(repo token.Repository, ttl time.Duration, opts ...Option) *Store {
	s := &Store{
		repo:    repo,
		ttl:     ttl,
		now:     time.Now,
		entropy: rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.dummySalt, _ = token.NewSalt(rand.Reader)
	s.dummyHash = token.Hash(s.dummySalt, uuid.NewString())
	return s
}

// TTL returns the lifetime of newly issued tokens
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// CreateToken mints a token bound to one user and one organization.
// Any failure is returned; no partially issued token is ever handed out.
func (s *Store) CreateToken(ctx context.Context, req token.IssueRequest) (*token.Issued, error) {
	if req.UserID.IsEmpty() || req.OrganizationID.IsEmpty() {
		return nil, token.ErrRegistry.NewWithMessage(token.CodeIssuanceFailed, "token requires user and organization")
	}

	secret := make([]byte, token.SecretBytes)
	if _, err := io.ReadFull(s.entropy, secret); err != nil {
		return nil, token.ErrRegistry.NewWithCause(token.CodeIssuanceFailed, err)
	}
	salt, err := token.NewSalt(s.entropy)
	if err != nil {
		return nil, token.ErrRegistry.NewWithCause(token.CodeIssuanceFailed, err)
	}

	id := uuid.NewString()
	raw := token.Format(id, base64.RawURLEncoding.EncodeToString(secret))
	now := s.now().UTC()

	meta := token.Metadata{
		ID:             id,
		TokenHash:      token.Hash(salt, raw),
		Salt:           salt,
		UserID:         req.UserID,
		OrganizationID: req.OrganizationID,
		Provider:       req.Provider,
		IssuedAt:       now,
		ExpiresAt:      now.Add(s.ttl),
		SourceIP:       req.SourceIP,
		UserAgent:      req.UserAgent,
	}

	if err := s.repo.Create(ctx, meta); err != nil {
		logx.WithFields(logx.Fields{
			"token_id": id,
			"user_id":  req.UserID,
		}).WithError(err).Error("Token issuance failed")
		return nil, token.ErrRegistry.NewWithCause(token.CodeIssuanceFailed, err)
	}

	logx.WithFields(logx.Fields{
		"token_id":        id,
		"user_id":         req.UserID,
		"organization_id": req.OrganizationID,
		"provider":        req.Provider,
		"expires_at":      meta.ExpiresAt,
	}).Info("Token issued")

	return &token.Issued{Token: raw, TokenID: id, ExpiresAt: meta.ExpiresAt}, nil
}

// ValidateToken resolves a raw token to its principal. Every rejection
// reason returns the same TOKEN_INVALID error. Storage failures return
// TOKEN_STORE_UNAVAILABLE and must be treated as a denial.
func (s *Store) ValidateToken(ctx context.Context, raw string) (*kernel.Principal, error) {
	meta, err := s.lookup(ctx, raw)
	if err != nil {
		return nil, err
	}

	if !meta.IsValidAt(s.now()) {
		s.metrics.TokenValidation("expired_or_revoked")
		return nil, token.ErrInvalid()
	}

	s.metrics.TokenValidation("valid")
	return meta.Principal(), nil
}

// lookup finds the row for raw and checks its hash
func (s *Store) lookup(ctx context.Context, raw string) (*token.Metadata, error) {
	id, _, ok := token.Split(raw)
	if !ok {
		s.burn(raw)
		s.metrics.TokenValidation("malformed")
		return nil, token.ErrInvalid()
	}

	meta, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errx.IsCode(err, token.CodeNotFound) {
			s.burn(raw)
			s.metrics.TokenValidation("unknown")
			return nil, token.ErrInvalid()
		}
		s.metrics.TokenValidation("error")
		return nil, token.ErrRegistry.NewWithCause(token.CodeStoreUnavailable, err)
	}

	computed := token.Hash(meta.Salt, raw)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(meta.TokenHash)) != 1 {
		s.metrics.TokenValidation("mismatch")
		return nil, token.ErrInvalid()
	}
	return meta, nil
}

func (s *Store) burn(raw string) {
	subtle.ConstantTimeCompare([]byte(token.Hash(s.dummySalt, raw)), []byte(s.dummyHash))
}

// RevokeToken revokes the token if raw proves possession of it. Malformed,
// unknown and already revoked tokens are a silent no-op.
func (s *Store) RevokeToken(ctx context.Context, raw string) error {
	meta, err := s.lookup(ctx, raw)
	if err != nil {
		if errx.IsCode(err, token.CodeInvalid) {
			return nil
		}
		return err
	}
	return s.RevokeTokenByID(ctx, meta.ID)
}

// RevokeTokenByID revokes by public id. Idempotent.
func (s *Store) RevokeTokenByID(ctx context.Context, id string) error {
	revoked, err := s.repo.Revoke(ctx, id, s.now().UTC())
	if err != nil {
		return errx.Wrap(err, "failed to revoke token", errx.TypeInternal).WithDetail("token_id", id)
	}
	if revoked {
		logx.WithField("token_id", id).Info("Token revoked")
	}
	return nil
}

// RevokeAllUserTokens revokes every active token of a user
func (s *Store) RevokeAllUserTokens(ctx context.Context, userID kernel.UserID) (int64, error) {
	n, err := s.repo.RevokeAllForUser(ctx, userID, s.now().UTC())
	if err != nil {
		return 0, errx.Wrap(err, "failed to revoke user tokens", errx.TypeInternal).WithDetail("user_id", userID)
	}
	logx.WithFields(logx.Fields{"user_id": userID, "revoked": n}).Info("All user tokens revoked")
	return n, nil
}

// CountActiveUserSessions counts unrevoked, unexpired tokens of a user
func (s *Store) CountActiveUserSessions(ctx context.Context, userID kernel.UserID) (int, error) {
	n, err := s.repo.CountActiveForUser(ctx, userID, s.now())
	if err != nil {
		return 0, errx.Wrap(err, "failed to count sessions", errx.TypeInternal)
	}
	return n, nil
}

// ListActiveUserSessions returns active tokens oldest first
func (s *Store) ListActiveUserSessions(ctx context.Context, userID kernel.UserID) ([]token.Metadata, error) {
	list, err := s.repo.ListActiveForUser(ctx, userID, s.now())
	if err != nil {
		return nil, errx.Wrap(err, "failed to list sessions", errx.TypeInternal)
	}
	return list, nil
}

// CleanupExpiredTokens deletes rows past their expiry. Validation never
// depends on this sweep having run.
func (s *Store) CleanupExpiredTokens(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, errx.Wrap(err, "failed to delete expired tokens", errx.TypeInternal)
	}
	if n > 0 {
		logx.WithField("deleted", n).Info("Expired tokens removed")
	}
	return n, nil
}

// Name identifies the store as a cleanup sweeper
func (s *Store) Name() string { return "tokens" }

// Sweep implements session.Sweeper
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	return s.CleanupExpiredTokens(ctx)
}
