package auth_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Abraxas-365/authcore/pkg/iam/audit"
	"github.com/Abraxas-365/authcore/pkg/iam/oauth"
	"github.com/Abraxas-365/authcore/pkg/iam/oauth/oauthsrv"
	"github.com/Abraxas-365/authcore/pkg/iam/rbac"
	"github.com/Abraxas-365/authcore/pkg/iam/rbac/rbacsrv"
	"github.com/Abraxas-365/authcore/pkg/iam/session"
	"github.com/Abraxas-365/authcore/pkg/iam/token"
	"github.com/Abraxas-365/authcore/pkg/iam/user"
	"github.com/Abraxas-365/authcore/pkg/kernel"
)

type fakeTokens struct {
	principals map[string]*kernel.Principal
	err        error
}

func (f *fakeTokens) ValidateToken(_ context.Context, raw string) (*kernel.Principal, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.principals[raw]
	if !ok {
		return nil, token.ErrInvalid()
	}
	return p, nil
}

type fakePerms struct {
	granted map[string]bool
	err     error
	calls   int
}

func grantKey(u kernel.UserID, org kernel.OrganizationID, perm string) string {
	return string(u) + "|" + string(org) + "|" + perm
}

func (f *fakePerms) CheckPermission(_ context.Context, p *kernel.Principal, org kernel.OrganizationID, res rbac.Resource, act rbac.Action) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	if !p.BelongsTo(org) {
		return false, nil
	}
	return f.granted[grantKey(p.UserID, org, rbac.Key(res, act))], nil
}

func (f *fakePerms) CheckPermissions(_ context.Context, p *kernel.Principal, org kernel.OrganizationID, keys []string) ([]rbacsrv.CheckResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]rbacsrv.CheckResult, len(keys))
	for i, k := range keys {
		out[i] = rbacsrv.CheckResult{Permission: k, Allowed: p.BelongsTo(org) && f.granted[grantKey(p.UserID, org, k)]}
	}
	return out, nil
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

func (r *recorder) last(t audit.EventType) (audit.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return audit.Event{}, false
}

// memLockout locks after max failures for a fixed minute
type memLockout struct {
	max      int
	failures map[string]int
	until    map[string]time.Time
	err      error
}

func newMemLockout(max int) *memLockout {
	return &memLockout{max: max, failures: map[string]int{}, until: map[string]time.Time{}}
}

func (l *memLockout) LockedUntil(_ context.Context, key string) (time.Time, error) {
	if l.err != nil {
		return time.Time{}, l.err
	}
	return l.until[key], nil
}

func (l *memLockout) RecordFailure(_ context.Context, key string) (time.Time, error) {
	l.failures[key]++
	if l.failures[key] < l.max {
		return time.Time{}, nil
	}
	l.failures[key] = 0
	l.until[key] = time.Now().Add(time.Minute)
	return l.until[key], nil
}

func (l *memLockout) Reset(_ context.Context, key string) error {
	delete(l.failures, key)
	return nil
}

// plainVerifier treats "hash:<password>" as the hash of password
type plainVerifier struct {
	dummies int
}

func (v *plainVerifier) Compare(hash, password string) bool { return hash == "hash:"+password }
func (v *plainVerifier) CompareDummy(string) { v.dummies++ }

type fakeIssuer struct {
	issued []session.EstablishRequest
	err    error
}

func (f *fakeIssuer) Establish(_ context.Context, req session.EstablishRequest) (*session.Established, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.issued = append(f.issued, req)
	return &session.Established{
		Token:     "tok-login",
		TokenID:   "tid-login",
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}, nil
}

func (f *fakeIssuer) Revoke(context.Context, string) error { return nil }

type fakeDirectory struct {
	users map[kernel.UserID]*user.User
	creds map[string]*user.Credentials
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{users: map[kernel.UserID]*user.User{}, creds: map[string]*user.Credentials{}}
}

func (d *fakeDirectory) add(u user.User, password string) {
	d.users[u.ID] = &u
	if password != "" {
		d.creds[strings.ToLower(u.Email)] = &user.Credentials{User: u, PasswordHash: "hash:" + password}
	}
}

func (d *fakeDirectory) FindOrCreateByProviderIdentity(context.Context, user.IdentityRequest) (*user.User, bool, error) {
	return nil, false, errors.New("not used")
}

func (d *fakeDirectory) FindByID(_ context.Context, id kernel.UserID) (*user.User, error) {
	u, ok := d.users[id]
	if !ok {
		return nil, user.ErrNotFound()
	}
	return u, nil
}

func (d *fakeDirectory) FindCredentialsByEmail(_ context.Context, email string) (*user.Credentials, error) {
	c, ok := d.creds[email]
	if !ok {
		return nil, user.ErrNotFound()
	}
	return c, nil
}

type fakeSessions struct {
	ended []string
}

func (f *fakeSessions) End(_ context.Context, p *kernel.Principal, raw, _ string) error {
	f.ended = append(f.ended, raw)
	return nil
}

func (f *fakeSessions) Describe(_ context.Context, p *kernel.Principal) (*session.Info, error) {
	return &session.Info{ExpiresAt: p.ExpiresAt, ActiveTokens: 2}, nil
}

type fakeOAuth struct {
	lastCallback oauthsrv.CallbackRequest
	callbackErr  error
	terminated   []string
	touched      []string
}

func (f *fakeOAuth) ListProviders() []oauth.ProviderInfo {
	return []oauth.ProviderInfo{{Name: "GOOGLE", AuthorizeURL: "/auth/oauth2/authorize/google"}}
}

func (f *fakeOAuth) InitiateAuthorization(_ context.Context, req oauthsrv.InitiateRequest) (*oauthsrv.Authorization, error) {
	if _, ok := oauth.ParseProvider(req.Provider); !ok {
		return nil, oauth.ErrInvalidProvider()
	}
	return &oauthsrv.Authorization{
		AuthorizationURL: "https://accounts.example.com/auth?state=st-1",
		State:            "st-1",
		CodeVerifier:     "verifier-1",
		SessionID:        "sess-1",
		ExpiresAt:        time.Now().Add(10 * time.Minute),
	}, nil
}

func (f *fakeOAuth) HandleCallback(_ context.Context, req oauthsrv.CallbackRequest) (*oauthsrv.CallbackResult, error) {
	f.lastCallback = req
	if f.callbackErr != nil {
		return nil, f.callbackErr
	}
	return &oauthsrv.CallbackResult{
		Token:     "tok-oauth",
		TokenID:   "tid-oauth",
		ExpiresAt: time.Now().Add(time.Hour),
		Session:   &oauth.Session{SessionID: "sess-1"},
		User:      &user.User{ID: "user-9", OrganizationID: "org-9", Email: "new@example.com"},
		Created:   true,
	}, nil
}

func (f *fakeOAuth) TerminateByToken(_ context.Context, tokenID, _, _ string) error {
	f.terminated = append(f.terminated, tokenID)
	return nil
}

func (f *fakeOAuth) TouchSession(_ context.Context, tokenID string) error {
	f.touched = append(f.touched, tokenID)
	return nil
}

type fakeRoles struct {
	roles    []rbac.Role
	assigned []rbacsrv.AssignRoleRequest
	actors   []rbacsrv.Actor
}

func (f *fakeRoles) ListRoles(_ context.Context, org kernel.OrganizationID) ([]rbac.Role, error) {
	var out []rbac.Role
	for _, r := range f.roles {
		if r.OrganizationID == org {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRoles) CreateRole(_ context.Context, actor rbacsrv.Actor, org kernel.OrganizationID, req rbacsrv.CreateRoleRequest) (*rbac.Role, error) {
	f.actors = append(f.actors, actor)
	r := rbac.Role{ID: "role-new", OrganizationID: org, Name: req.Name, Type: rbac.RoleTypeCustom, Permissions: req.Permissions}
	f.roles = append(f.roles, r)
	return &r, nil
}

func (f *fakeRoles) UpdateRolePermissions(_ context.Context, _ rbacsrv.Actor, org kernel.OrganizationID, id kernel.RoleID, keys []string) (*rbac.Role, error) {
	return &rbac.Role{ID: id, OrganizationID: org, Permissions: keys}, nil
}

func (f *fakeRoles) DeleteRole(context.Context, rbacsrv.Actor, kernel.OrganizationID, kernel.RoleID) error {
	return nil
}

func (f *fakeRoles) AssignRole(_ context.Context, actor rbacsrv.Actor, org kernel.OrganizationID, u kernel.UserID, req rbacsrv.AssignRoleRequest) (*rbac.Assignment, error) {
	f.actors = append(f.actors, actor)
	f.assigned = append(f.assigned, req)
	return &rbac.Assignment{ID: "asg-1", UserID: u, OrganizationID: org, RoleID: req.RoleID, IsActive: true}, nil
}

func (f *fakeRoles) RemoveRole(context.Context, rbacsrv.Actor, kernel.OrganizationID, kernel.UserID, kernel.RoleID) error {
	return rbac.ErrAssignmentNotFound()
}

func (f *fakeRoles) ListUserRoles(context.Context, kernel.OrganizationID, kernel.UserID) ([]rbac.Assignment, error) {
	return nil, nil
}

func (f *fakeRoles) PrimaryRole(context.Context, kernel.UserID, kernel.OrganizationID) (string, error) {
	return rbac.RoleAdmin, nil
}
