package auth_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/Abraxas-365/authcore/pkg/iam/audit"
	"github.com/Abraxas-365/authcore/pkg/iam/auth"
	"github.com/Abraxas-365/authcore/pkg/iam/oauth"
	"github.com/Abraxas-365/authcore/pkg/iam/rbac"
	"github.com/Abraxas-365/authcore/pkg/iam/session"
	"github.com/Abraxas-365/authcore/pkg/iam/user"
	"github.com/Abraxas-365/authcore/pkg/kernel"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	app      *fiber.App
	tokens   *fakeTokens
	perms    *fakePerms
	audit    *recorder
	lockout  *memLockout
	verifier *plainVerifier
	issuer   *fakeIssuer
	users    *fakeDirectory
	sessions *fakeSessions
	oauth    *fakeOAuth
	roles    *fakeRoles
}

func newFixture(t *testing.T, throttle *auth.IPThrottle) *fixture {
	t.Helper()
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	f := &fixture{
		tokens: &fakeTokens{principals: map[string]*kernel.Principal{
			"tok-a": {UserID: "alice", OrganizationID: "org-a", SessionID: "tid-a", ExpiresAt: expires},
			"tok-b": {UserID: "bob", OrganizationID: "org-b", SessionID: "tid-b", ExpiresAt: expires},
		}},
		perms: &fakePerms{granted: map[string]bool{
			grantKey("alice", "org-a", "ROLES:READ"):  true,
			grantKey("alice", "org-a", "ROLES:ADMIN"): true,
			grantKey("alice", "org-a", "USERS:READ"):  true,
		}},
		audit:    &recorder{},
		lockout:  newMemLockout(3),
		verifier: &plainVerifier{},
		issuer:   &fakeIssuer{},
		users:    newFakeDirectory(),
		sessions: &fakeSessions{},
		oauth:    &fakeOAuth{},
		roles: &fakeRoles{roles: []rbac.Role{
			{ID: "r-a", OrganizationID: "org-a", Name: "owner"},
			{ID: "r-b", OrganizationID: "org-b", Name: "owner"},
		}},
	}
	f.users.add(user.User{ID: "alice", OrganizationID: "org-a", Email: "alice@example.com", Name: "Alice", IsActive: true}, "s3cret")
	f.users.add(user.User{ID: "carol", OrganizationID: "org-a", Email: "carol@example.com", IsActive: false}, "s3cret")

	if throttle == nil {
		throttle = auth.NewIPThrottle(1000, 1000, 0)
	}
	guard := auth.NewGuard(f.tokens, f.perms, f.audit, nil, "auth_token")
	h := auth.NewHandlers(auth.HandlerDeps{
		Guard:       guard,
		Passwords:   auth.NewPasswordAuthenticator(f.users, f.verifier, f.lockout, f.issuer, f.audit),
		Sessions:    f.sessions,
		OAuth:       f.oauth,
		Permissions: f.perms,
		Roles:       f.roles,
		Users:       f.users,
		Throttle:    throttle,
		Cookies: auth.CookieConfig{
			Name:           "auth_token",
			Secure:         true,
			MaxAge:         24 * time.Hour,
			VerifierMaxAge: 10 * time.Minute,
		},
	})

	f.app = fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			status, body := errx.Response(err)
			return c.Status(status).JSON(body)
		},
	})
	h.RegisterRoutes(f.app)
	return f
}

func (f *fixture) do(t *testing.T, method, path, bearer string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func cookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ============================================================================
// Guard
// ============================================================================

func TestGuardRejectsMissingAndInvalidTokens(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, "GET", "/organizations/org-a/roles", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "IAM_UNAUTHORIZED", decode(t, resp)["code"])

	resp = f.do(t, "GET", "/organizations/org-a/roles", "forged.token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "IAM_UNAUTHORIZED", decode(t, resp)["code"])
	assert.Zero(t, f.perms.calls)
}

func TestGuardTreatsStoreFailureAsUnauthenticated(t *testing.T) {
	f := newFixture(t, nil)
	f.tokens.err = errors.New("db down")

	resp := f.do(t, "GET", "/organizations/org-a/roles", "tok-a", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGuardAllowsGrantedPermission(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, "GET", "/organizations/org-a/roles", "tok-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	roles := decode(t, resp)["roles"].([]any)
	require.Len(t, roles, 1)
	assert.Equal(t, "r-a", roles[0].(map[string]any)["id"])
}

func TestGuardAcceptsCookieAndCaseInsensitiveScheme(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest("GET", "/organizations/org-a/roles", nil)
	req.AddCookie(&http.Cookie{Name: "auth_token", Value: "tok-a"})
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req = httptest.NewRequest("GET", "/organizations/org-a/roles", nil)
	req.Header.Set("Authorization", "bearer tok-a")
	resp, err = f.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGuardDeniesCrossTenantBeforePermissionCheck(t *testing.T) {
	f := newFixture(t, nil)
	// alice holds ROLES:READ in org-b as well; the token binding still wins
	f.perms.granted[grantKey("alice", "org-b", "ROLES:READ")] = true

	resp := f.do(t, "GET", "/organizations/org-b/roles", "tok-a", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "IAM_ACCESS_DENIED", decode(t, resp)["code"])
	assert.Zero(t, f.perms.calls)

	evt, ok := f.audit.last(audit.EventUnauthorizedAccess)
	require.True(t, ok)
	assert.Equal(t, kernel.UserID("alice"), evt.ActorID)
	assert.Equal(t, kernel.OrganizationID("org-b"), evt.Details["target_organization_id"])
	assert.Equal(t, "ROLES:READ", evt.Details["permission"])
}

func TestGuardDeniesMissingPermission(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, "POST", "/organizations/org-a/roles", "tok-a", map[string]any{"name": "billing"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "IAM_ACCESS_DENIED", decode(t, resp)["code"])
	assert.Equal(t, 1, f.audit.count(audit.EventAccessDenied))
	assert.Empty(t, f.roles.actors)
}

func TestGuardFailsClosedOnResolutionError(t *testing.T) {
	f := newFixture(t, nil)
	f.perms.err = rbac.ErrRegistry.NewWithCause(rbac.CodeResolutionFailed, errors.New("db down"))

	resp := f.do(t, "GET", "/organizations/org-a/roles", "tok-a", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "RBAC_RESOLUTION_FAILED", decode(t, resp)["code"])
}

// ============================================================================
// Role routes
// ============================================================================

func TestAssignRoleRecordsActor(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, "POST", "/organizations/org-a/users/dave/roles", "tok-a", map[string]any{"role_id": "r-a"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "dave", body["user_id"])
	assert.Equal(t, "org-a", body["organization_id"])

	require.Len(t, f.roles.actors, 1)
	assert.Equal(t, kernel.UserID("alice"), f.roles.actors[0].UserID)
	assert.Equal(t, kernel.RoleID("r-a"), f.roles.assigned[0].RoleID)
}

func TestAssignRoleRequiresRoleID(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, "POST", "/organizations/org-a/users/dave/roles", "tok-a", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "AUTH_INVALID_REQUEST", decode(t, resp)["code"])
}

func TestRemoveRoleSurfacesNotFound(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, "DELETE", "/organizations/org-a/users/dave/roles/r-a", "tok-a", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "RBAC_ASSIGNMENT_NOT_FOUND", decode(t, resp)["code"])
}

// ============================================================================
// Permission check
// ============================================================================

func TestPermissionCheck(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, "POST", "/organizations/org-a/permissions/check", "tok-a", auth.PermissionCheckBody{
		Permissions: []auth.PermissionQuery{
			{Resource: "users", Action: "read"},
			{Resource: "PAYMENTS", Action: "WRITE"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	results := decode(t, resp)["results"].([]any)
	require.Len(t, results, 2)
	assert.Equal(t, map[string]any{"resource": "USERS", "action": "READ", "hasPermission": true}, results[0])
	assert.Equal(t, map[string]any{"resource": "PAYMENTS", "action": "WRITE", "hasPermission": false}, results[1])
}

func TestPermissionCheckAcceptsBareList(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, "POST", "/organizations/org-a/permissions/check", "tok-a", []auth.PermissionQuery{
		{Resource: "users", Action: "read"},
		{Resource: "PAYMENTS", Action: "WRITE"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	var results []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&results))
	require.Len(t, results, 2)
	assert.Equal(t, map[string]any{"resource": "USERS", "action": "READ", "hasPermission": true}, results[0])
	assert.Equal(t, map[string]any{"resource": "PAYMENTS", "action": "WRITE", "hasPermission": false}, results[1])
}

func TestPermissionCheckRejectsEmptyBareList(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, "POST", "/organizations/org-a/permissions/check", "tok-a", []auth.PermissionQuery{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPermissionCheckIsOrganizationScoped(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, "POST", "/organizations/org-b/permissions/check", "tok-a", auth.PermissionCheckBody{
		Permissions: []auth.PermissionQuery{{Resource: "USERS", Action: "READ"}},
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 1, f.audit.count(audit.EventUnauthorizedAccess))
}

func TestPermissionCheckRejectsEmptyBody(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, "POST", "/organizations/org-a/permissions/check", "tok-a", auth.PermissionCheckBody{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// ============================================================================
// Session endpoints
// ============================================================================

func TestSessionWithoutCookieIsNotAnError(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, "GET", "/auth/session", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"isAuthenticated": false}, decode(t, resp))

	resp = f.do(t, "GET", "/auth/session", "forged.token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, decode(t, resp)["isAuthenticated"])
}

func TestSessionRequiredAnswers401(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, "GET", "/auth/session/required", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSessionShape(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, "GET", "/auth/session", "tok-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)

	assert.Equal(t, true, body["isAuthenticated"])
	u := body["user"].(map[string]any)
	assert.Equal(t, "alice", u["id"])
	assert.Equal(t, "org-a", u["organizationId"])
	assert.Equal(t, "alice@example.com", u["email"])
	assert.Equal(t, rbac.RoleAdmin, u["role"])

	s := body["session"].(map[string]any)
	assert.EqualValues(t, 2, s["activeTokens"])
	expires, err := time.Parse(time.RFC3339, s["expiresAt"].(string))
	require.NoError(t, err)
	assert.True(t, expires.After(time.Now()))

	assert.Equal(t, []string{"tid-a"}, f.oauth.touched)
}

// ============================================================================
// Password login and logout
// ============================================================================

func TestLoginSetsSessionCookie(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, "POST", "/auth/login", "", auth.LoginBody{Email: "Alice@Example.com", Password: "s3cret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	c := cookie(resp, "auth_token")
	require.NotNil(t, c)
	assert.Equal(t, "tok-login", c.Value)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteStrictMode, c.SameSite)
	assert.Equal(t, "/", c.Path)
	assert.InDelta(t, 86400, c.MaxAge, 2)

	body := decode(t, resp)
	assert.Nil(t, body["token"])
	assert.Equal(t, "alice", body["user"].(map[string]any)["id"])

	require.Len(t, f.issuer.issued, 1)
	assert.Equal(t, session.MethodPassword, f.issuer.issued[0].Method)
	assert.Equal(t, kernel.OrganizationID("org-a"), f.issuer.issued[0].OrganizationID)
}

func TestLoginCanReturnBearerToken(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, "POST", "/auth/login", "", auth.LoginBody{Email: "alice@example.com", Password: "s3cret", ReturnToken: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tok-login", decode(t, resp)["token"])
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t, nil)

	for _, body := range []auth.LoginBody{
		{Email: "alice@example.com", Password: "wrong"},
		{Email: "nobody@example.com", Password: "s3cret"},
		{Email: "carol@example.com", Password: "s3cret"},
	} {
		resp := f.do(t, "POST", "/auth/login", "", body)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, body.Email)
		out := decode(t, resp)
		assert.Equal(t, "AUTH_INVALID_CREDENTIALS", out["code"], body.Email)
		assert.Equal(t, "Invalid email or password", out["message"], body.Email)
	}

	assert.Equal(t, 3, f.audit.count(audit.EventLoginFailed))
	assert.Equal(t, 1, f.verifier.dummies)
	assert.Empty(t, f.issuer.issued)
}

func TestLoginLocksAccountAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t, nil)

	for i := 0; i < 3; i++ {
		resp := f.do(t, "POST", "/auth/login", "", auth.LoginBody{Email: "alice@example.com", Password: "wrong"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	assert.Equal(t, 1, f.audit.count(audit.EventAccountLocked))

	resp := f.do(t, "POST", "/auth/login", "", auth.LoginBody{Email: "alice@example.com", Password: "s3cret"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "AUTH_ACCOUNT_LOCKED", body["code"])
	assert.NotNil(t, body["details"].(map[string]any)["retry_after_seconds"])
	assert.Empty(t, f.issuer.issued)
}

func TestLoginFailsClosedWhenLockoutStoreIsDown(t *testing.T) {
	f := newFixture(t, nil)
	f.lockout.err = errors.New("redis down")

	resp := f.do(t, "POST", "/auth/login", "", auth.LoginBody{Email: "alice@example.com", Password: "s3cret"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Empty(t, f.issuer.issued)
}

func TestLoginIsThrottledPerIP(t *testing.T) {
	f := newFixture(t, auth.NewIPThrottle(0.001, 1, 0))

	resp := f.do(t, "POST", "/auth/login", "", auth.LoginBody{Email: "alice@example.com", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, "POST", "/auth/login", "", auth.LoginBody{Email: "alice@example.com", Password: "s3cret"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "AUTH_TOO_MANY_REQUESTS", decode(t, resp)["code"])
}

func TestLogoutRevokesAndClearsCookie(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, "POST", "/auth/logout", "tok-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, []string{"tok-a"}, f.sessions.ended)
	assert.Equal(t, []string{"tid-a"}, f.oauth.terminated)

	c := cookie(resp, "auth_token")
	require.NotNil(t, c)
	assert.Empty(t, c.Value)
	assert.True(t, c.Expires.Before(time.Now()))
}

func TestLogoutRequiresAuthentication(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, "POST", "/auth/logout", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, f.sessions.ended)
}

// ============================================================================
// OAuth2 routes
// ============================================================================

func TestAuthorizeRedirectsWithVerifierCookie(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, "GET", "/auth/oauth2/authorize/google", "", nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "https://accounts.example.com/auth?state=st-1", resp.Header.Get("Location"))

	c := cookie(resp, auth.VerifierCookieName)
	require.NotNil(t, c)
	assert.Equal(t, "verifier-1", c.Value)
	assert.Equal(t, "/auth/oauth2", c.Path)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, 600, c.MaxAge)
}

func TestAuthorizeUnknownProvider(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, "GET", "/auth/oauth2/authorize/myspace", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_PROVIDER", decode(t, resp)["code"])
}

func TestCallbackPassesVerifierAndSetsSession(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest("GET", "/auth/oauth2/callback/google?code=c-1&state=st-1", nil)
	req.AddCookie(&http.Cookie{Name: auth.VerifierCookieName, Value: "verifier-1"})
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "verifier-1", f.oauth.lastCallback.CodeVerifier)
	assert.Equal(t, "c-1", f.oauth.lastCallback.Code)
	assert.Equal(t, "st-1", f.oauth.lastCallback.State)
	assert.Equal(t, "google", f.oauth.lastCallback.Provider)

	c := cookie(resp, "auth_token")
	require.NotNil(t, c)
	assert.Equal(t, "tok-oauth", c.Value)

	body := decode(t, resp)
	assert.Equal(t, true, body["created"])
	assert.Equal(t, "sess-1", body["sessionId"])
}

func TestCallbackErrorClearsVerifier(t *testing.T) {
	f := newFixture(t, nil)
	f.oauth.callbackErr = oauth.ErrInvalidState()

	resp := f.do(t, "GET", "/auth/oauth2/callback/google?code=c-1&state=bogus", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Nil(t, cookie(resp, "auth_token"))

	c := cookie(resp, auth.VerifierCookieName)
	require.NotNil(t, c)
	assert.Empty(t, c.Value)
}

func TestProvidersList(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, "GET", "/auth/oauth2/providers", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	providers := decode(t, resp)["providers"].([]any)
	require.Len(t, providers, 1)
	assert.Equal(t, "GOOGLE", providers[0].(map[string]any)["name"])
}

// ============================================================================
// Lockout policy
// ============================================================================

func TestLockoutPolicyDuration(t *testing.T) {
	p := auth.LockoutPolicy{Base: 5 * time.Minute, Max: 24 * time.Hour}

	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 5 * time.Minute},
		{1, 5 * time.Minute},
		{2, 10 * time.Minute},
		{3, 20 * time.Minute},
		{9, 1280 * time.Minute},
		{10, 24 * time.Hour},
		{100, 24 * time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Duration(tt.n), "n=%d", tt.n)
	}
}
