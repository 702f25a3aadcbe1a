package oauthsrv_test

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/Abraxas-365/authcore/pkg/iam/audit"
	"github.com/Abraxas-365/authcore/pkg/iam/oauth"
	"github.com/Abraxas-365/authcore/pkg/iam/session"
	"github.com/Abraxas-365/authcore/pkg/iam/user"
	"github.com/Abraxas-365/authcore/pkg/kernel"
)

type memPending struct {
	mu    sync.Mutex
	items map[string]oauth.PendingAuthorization
}

func newMemPending() *memPending {
	return &memPending{items: map[string]oauth.PendingAuthorization{}}
}

func (m *memPending) Save(_ context.Context, p oauth.PendingAuthorization, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[p.State] = p
	return nil
}

func (m *memPending) Consume(_ context.Context, state string) (*oauth.PendingAuthorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[state]
	if !ok {
		return nil, nil
	}
	delete(m.items, state)
	return &p, nil
}

type memSessions struct {
	mu        sync.Mutex
	items     map[string]*oauth.Session
	createErr error
}

func newMemSessions() *memSessions {
	return &memSessions{items: map[string]*oauth.Session{}}
}

func (m *memSessions) Create(_ context.Context, s oauth.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.items[s.SessionID] = &s
	return nil
}

func (m *memSessions) FindByID(_ context.Context, id string) (*oauth.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.items[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, oauth.ErrRegistry.New(oauth.CodeSessionNotFound)
}

func (m *memSessions) FindByTokenID(_ context.Context, tokenID string) (*oauth.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.items {
		if s.TokenID == tokenID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, oauth.ErrRegistry.New(oauth.CodeSessionNotFound)
}

func (m *memSessions) Touch(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.items[id]; ok {
		s.LastAccessedAt = at
	}
	return nil
}

func (m *memSessions) Terminate(_ context.Context, id, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok || s.Status != oauth.StateSessionEstablished {
		return false, nil
	}
	s.Status = oauth.StateTerminated
	s.TerminatedAt = &at
	s.TerminationReason = reason
	return true, nil
}

func (m *memSessions) ExpireStale(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.items {
		if s.Status == oauth.StateSessionEstablished && !now.Before(s.ExpiresAt) {
			s.Status = oauth.StateExpired
			n++
		}
	}
	return n, nil
}

type memUserInfo struct {
	mu    sync.Mutex
	items map[string]oauth.UserInfo
}

func (m *memUserInfo) Upsert(_ context.Context, info oauth.UserInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = map[string]oauth.UserInfo{}
	}
	m.items[string(info.Provider)+"|"+info.ProviderUserID] = info
	return nil
}

// fakeIdP answers exchanges from a fixed identity
type fakeIdP struct {
	identity     *oauth.ProviderIdentity
	err          error
	delay        time.Duration
	lastVerifier string
}

func (f *fakeIdP) AuthCodeURL(state, challenge, redirectURI string) string {
	q := url.Values{}
	q.Set("state", state)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("redirect_uri", redirectURI)
	return "https://idp.example.com/authorize?" + q.Encode()
}

func (f *fakeIdP) Exchange(ctx context.Context, code, verifier, redirectURI string) (*oauth.ProviderIdentity, error) {
	f.lastVerifier = verifier
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.identity
	return &cp, nil
}

type fakeDirectory struct {
	mu    sync.Mutex
	users map[string]*user.User
	seq   int
	err   error
}

func (d *fakeDirectory) FindOrCreateByProviderIdentity(_ context.Context, req user.IdentityRequest) (*user.User, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, false, d.err
	}
	if d.users == nil {
		d.users = map[string]*user.User{}
	}
	key := req.Provider + "|" + req.Subject
	if u, ok := d.users[key]; ok {
		return u, false, nil
	}
	d.seq++
	u := &user.User{
		ID:             kernel.UserID(fmt.Sprintf("user-%d", d.seq)),
		OrganizationID: kernel.OrganizationID(fmt.Sprintf("org-%d", d.seq)),
		Email:          req.Email,
		Name:           req.Name,
		IsActive:       true,
	}
	d.users[key] = u
	return u, true, nil
}

func (d *fakeDirectory) FindByID(context.Context, kernel.UserID) (*user.User, error) {
	return nil, user.ErrNotFound()
}

func (d *fakeDirectory) FindCredentialsByEmail(context.Context, string) (*user.Credentials, error) {
	return nil, user.ErrNotFound()
}

type fakeIssuer struct {
	mu      sync.Mutex
	seq     int
	revoked map[string]bool
	err     error
}

func (f *fakeIssuer) Establish(_ context.Context, req session.EstablishRequest) (*session.Established, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.seq++
	id := fmt.Sprintf("tok-%d", f.seq)
	return &session.Established{Token: id + ".secret", TokenID: id, ExpiresAt: time.Now().Add(24 * time.Hour)}, nil
}

func (f *fakeIssuer) Revoke(_ context.Context, tokenID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revoked == nil {
		f.revoked = map[string]bool{}
	}
	f.revoked[tokenID] = true
	return nil
}

type fakeOnboarder struct {
	calls []kernel.OrganizationID
}

func (f *fakeOnboarder) BootstrapOrganization(_ context.Context, org kernel.OrganizationID, _ kernel.UserID) error {
	f.calls = append(f.calls, org)
	return nil
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

func (r *recorder) has(t audit.EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == t {
			return true
		}
	}
	return false
}

func (r *recorder) count(t audit.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

var errProviderDown = errors.New("provider unavailable")
