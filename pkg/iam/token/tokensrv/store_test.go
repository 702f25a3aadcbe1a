package tokensrv_test

import (
	"context"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/Abraxas-365/authcore/pkg/iam/token"
	"github.com/Abraxas-365/authcore/pkg/iam/token/tokensrv"
	"github.com/Abraxas-365/authcore/pkg/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memRepo is an in-memory token.Repository
type memRepo struct {
	mu      sync.Mutex
	rows    map[string]token.Metadata
	failAll error
}

func newMemRepo() *memRepo {
	return &memRepo{rows: make(map[string]token.Metadata)}
}

func (r *memRepo) Create(_ context.Context, m token.Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return r.failAll
	}
	r.rows[m.ID] = m
	return nil
}

func (r *memRepo) FindByID(_ context.Context, id string) (*token.Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return nil, r.failAll
	}
	m, ok := r.rows[id]
	if !ok {
		return nil, token.ErrNotFound()
	}
	return &m, nil
}

func (r *memRepo) Revoke(_ context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[id]
	if !ok || m.RevokedAt != nil {
		return false, nil
	}
	m.RevokedAt = &at
	r.rows[id] = m
	return true, nil
}

func (r *memRepo) RevokeAllForUser(_ context.Context, u kernel.UserID, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, m := range r.rows {
		if m.UserID == u && m.RevokedAt == nil {
			m.RevokedAt = &at
			r.rows[id] = m
			n++
		}
	}
	return n, nil
}

func (r *memRepo) ListActiveForUser(_ context.Context, u kernel.UserID, now time.Time) ([]token.Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []token.Metadata
	for _, m := range r.rows {
		if m.UserID == u && m.IsValidAt(now) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

func (r *memRepo) CountActiveForUser(ctx context.Context, u kernel.UserID, now time.Time) (int, error) {
	list, err := r.ListActiveForUser(ctx, u, now)
	return len(list), err
}

func (r *memRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, m := range r.rows {
		if m.ExpiresAt.Before(now) {
			delete(r.rows, id)
			n++
		}
	}
	return n, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newStore(repo token.Repository, c *clock) *tokensrv.Store {
	return tokensrv.NewStore(repo, 24*time.Hour, tokensrv.WithClock(c.now))
}

func issue(t *testing.T, s *tokensrv.Store, user, org string) *token.Issued {
	t.Helper()
	issued, err := s.CreateToken(context.Background(), token.IssueRequest{
		UserID:         kernel.UserID(user),
		OrganizationID: kernel.OrganizationID(org),
		Provider:       "PASSWORD",
		SourceIP:       "10.0.0.1",
	})
	require.NoError(t, err)
	return issued
}

func TestCreateThenValidate(t *testing.T) {
	repo := newMemRepo()
	c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := newStore(repo, c)

	issued := issue(t, s, "u1", "org-a")

	id, secret, ok := token.Split(issued.Token)
	require.True(t, ok)
	assert.Equal(t, issued.TokenID, id)
	assert.Len(t, secret, 43)
	assert.Equal(t, c.t.Add(24*time.Hour), issued.ExpiresAt)

	stored := repo.rows[id]
	assert.NotContains(t, stored.TokenHash, secret)
	assert.Len(t, stored.Salt, 2*token.SaltBytes)

	p, err := s.ValidateToken(context.Background(), issued.Token)
	require.NoError(t, err)
	assert.Equal(t, kernel.UserID("u1"), p.UserID)
	assert.Equal(t, kernel.OrganizationID("org-a"), p.OrganizationID)
	assert.Equal(t, kernel.SessionID(id), p.SessionID)
}

func TestSaltsArePersistableText(t *testing.T) {
	repo := newMemRepo()
	s := newStore(repo, &clock{t: time.Now()})

	for i := 0; i < 200; i++ {
		issue(t, s, "u1", "org-a")
	}
	for id, m := range repo.rows {
		_, err := hex.DecodeString(m.Salt)
		require.NoError(t, err, "token %s", id)
		assert.Len(t, m.Salt, 2*token.SaltBytes)
		assert.True(t, utf8.ValidString(m.Salt))
		assert.NotContains(t, m.Salt, "\x00")
	}
}

func TestTokensAreUnique(t *testing.T) {
	s := newStore(newMemRepo(), &clock{t: time.Now()})
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		tok := issue(t, s, "u1", "org-a").Token
		assert.False(t, seen[tok])
		seen[tok] = true
	}
}

func TestValidateRejectsWithSameError(t *testing.T) {
	repo := newMemRepo()
	c := &clock{t: time.Now()}
	s := newStore(repo, c)
	issued := issue(t, s, "u1", "org-a")
	id, _, _ := token.Split(issued.Token)

	tampered := token.Format(id, strings.Repeat("A", 43))
	unknown := token.Format("6f1e8d2a-3b4c-4d5e-8f70-112233445566", strings.Repeat("A", 43))

	for name, raw := range map[string]string{
		"empty":     "",
		"malformed": "garbage",
		"tampered":  tampered,
		"unknown":   unknown,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.ValidateToken(context.Background(), raw)
			require.Error(t, err)
			assert.True(t, errx.IsCode(err, token.CodeInvalid))
		})
	}
}

func TestExpiredTokenIsRejectedWithoutSweep(t *testing.T) {
	repo := newMemRepo()
	c := &clock{t: time.Now()}
	s := newStore(repo, c)
	issued := issue(t, s, "u1", "org-a")

	// force expiry one hour in the past
	m := repo.rows[issued.TokenID]
	m.ExpiresAt = c.t.Add(-time.Hour)
	repo.rows[issued.TokenID] = m

	_, err := s.ValidateToken(context.Background(), issued.Token)
	assert.True(t, errx.IsCode(err, token.CodeInvalid))
}

func TestRevokeIsIdempotent(t *testing.T) {
	repo := newMemRepo()
	s := newStore(repo, &clock{t: time.Now()})
	issued := issue(t, s, "u1", "org-a")
	ctx := context.Background()

	require.NoError(t, s.RevokeToken(ctx, issued.Token))
	require.NoError(t, s.RevokeToken(ctx, issued.Token))
	require.NoError(t, s.RevokeToken(ctx, "not-a-token"))

	_, err := s.ValidateToken(ctx, issued.Token)
	assert.True(t, errx.IsCode(err, token.CodeInvalid))
}

func TestRevokeRequiresMatchingSecret(t *testing.T) {
	repo := newMemRepo()
	s := newStore(repo, &clock{t: time.Now()})
	issued := issue(t, s, "u1", "org-a")

	forged := token.Format(issued.TokenID, strings.Repeat("C", 43))
	require.NoError(t, s.RevokeToken(context.Background(), forged))

	_, err := s.ValidateToken(context.Background(), issued.Token)
	assert.NoError(t, err)
}

func TestCountAndCleanup(t *testing.T) {
	repo := newMemRepo()
	c := &clock{t: time.Now()}
	s := newStore(repo, c)
	ctx := context.Background()

	a := issue(t, s, "u1", "org-a")
	issue(t, s, "u1", "org-a")
	issue(t, s, "u2", "org-a")

	n, err := s.CountActiveUserSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.RevokeTokenByID(ctx, a.TokenID))
	n, _ = s.CountActiveUserSessions(ctx, "u1")
	assert.Equal(t, 1, n)

	c.t = c.t.Add(25 * time.Hour)
	deleted, err := s.CleanupExpiredTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
}

func TestRevokeAllUserTokens(t *testing.T) {
	s := newStore(newMemRepo(), &clock{t: time.Now()})
	ctx := context.Background()
	issue(t, s, "u1", "org-a")
	issue(t, s, "u1", "org-b")
	other := issue(t, s, "u2", "org-a")

	n, err := s.RevokeAllUserTokens(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = s.ValidateToken(ctx, other.Token)
	assert.NoError(t, err)
}

func TestStoreFailures(t *testing.T) {
	repo := newMemRepo()
	s := newStore(repo, &clock{t: time.Now()})
	issued := issue(t, s, "u1", "org-a")

	repo.failAll = errors.New("connection refused")

	_, err := s.CreateToken(context.Background(), token.IssueRequest{UserID: "u1", OrganizationID: "org-a"})
	assert.True(t, errx.IsCode(err, token.CodeIssuanceFailed))

	_, err = s.ValidateToken(context.Background(), issued.Token)
	assert.True(t, errx.IsCode(err, token.CodeStoreUnavailable))
}

func TestCreateRequiresBinding(t *testing.T) {
	s := newStore(newMemRepo(), &clock{t: time.Now()})
	_, err := s.CreateToken(context.Background(), token.IssueRequest{UserID: "u1"})
	assert.True(t, errx.IsCode(err, token.CodeIssuanceFailed))
}

func TestConcurrentValidateAndRevoke(t *testing.T) {
	s := newStore(newMemRepo(), &clock{t: time.Now()})
	issued := issue(t, s, "u1", "org-a")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = s.ValidateToken(ctx, issued.Token)
		}()
		go func() {
			defer wg.Done()
			_ = s.RevokeToken(ctx, issued.Token)
		}()
	}
	wg.Wait()

	_, err := s.ValidateToken(ctx, issued.Token)
	assert.True(t, errx.IsCode(err, token.CodeInvalid))
}
