package auth

import (
	"strings"

	"github.com/Abraxas-365/authcore/pkg/iam"
	"github.com/Abraxas-365/authcore/pkg/iam/oauth/oauthsrv"
	"github.com/Abraxas-365/authcore/pkg/iam/rbac"
	"github.com/Abraxas-365/authcore/pkg/iam/rbac/rbacsrv"
	"github.com/Abraxas-365/authcore/pkg/iam/tenant"
	"github.com/Abraxas-365/authcore/pkg/iam/user"
	"github.com/Abraxas-365/authcore/pkg/kernel"
	"github.com/Abraxas-365/authcore/pkg/logx"
	"github.com/gofiber/fiber/v2"
)

const maxPermissionChecks = 100

// Handlers exposes the authentication, session, OAuth2 and role
// management routes.
type Handlers struct {
	guard     *Guard
	passwords *PasswordAuthenticator
	sessions  Sessions
	oauth     OAuthFlow
	perms     PermissionChecker
	roles     RoleManager
	users     user.Directory
	throttle  *IPThrottle
	cookies   CookieConfig

	// successRedirect is where a completed OAuth2 callback sends the
	// browser; empty answers JSON
	successRedirect string
}

type HandlerDeps struct {
	Guard           *Guard
	Passwords       *PasswordAuthenticator
	Sessions        Sessions
	OAuth           OAuthFlow
	Permissions     PermissionChecker
	Roles           RoleManager
	Users           user.Directory
	Throttle        *IPThrottle
	Cookies         CookieConfig
	SuccessRedirect string
}

func NewHandlers(d HandlerDeps) *Handlers {
	return &Handlers{
		guard:           d.Guard,
		passwords:       d.Passwords,
		sessions:        d.Sessions,
		oauth:           d.OAuth,
		perms:           d.Permissions,
		roles:           d.Roles,
		users:           d.Users,
		throttle:        d.Throttle,
		cookies:         d.Cookies,
		successRedirect: d.SuccessRedirect,
	}
}

// RegisterRoutes mounts every route on r
func (h *Handlers) RegisterRoutes(r fiber.Router) {
	authn := h.guard.Authenticate()

	a := r.Group("/auth")
	a.Post("/login", h.throttle.Middleware(), h.login)
	a.Post("/logout", authn, h.logout)
	a.Get("/session", h.guard.OptionalAuthenticate(), h.session)
	a.Get("/session/required", authn, h.session)

	o := a.Group("/oauth2")
	o.Get("/providers", h.providers)
	o.Get("/authorize/:provider", h.authorize)
	o.Get("/callback/:provider", h.throttle.Middleware(), h.callback)

	const org = "/organizations/:orgId"
	r.Post(org+"/permissions/check", authn, h.guard.RequireOrganization("orgId"), h.checkPermissions)

	r.Get(org+"/roles", authn, h.guard.Authorize("orgId", rbac.ResourceRoles, rbac.ActionRead), h.listRoles)
	r.Post(org+"/roles", authn, h.guard.Authorize("orgId", rbac.ResourceRoles, rbac.ActionWrite), h.createRole)
	r.Put(org+"/roles/:roleId/permissions", authn, h.guard.Authorize("orgId", rbac.ResourceRoles, rbac.ActionWrite), h.updateRolePermissions)
	r.Delete(org+"/roles/:roleId", authn, h.guard.Authorize("orgId", rbac.ResourceRoles, rbac.ActionDelete), h.deleteRole)

	r.Get(org+"/users/:userId/roles", authn, h.guard.Authorize("orgId", rbac.ResourceRoles, rbac.ActionRead), h.listUserRoles)
	r.Post(org+"/users/:userId/roles", authn, h.guard.Authorize("orgId", rbac.ResourceRoles, rbac.ActionAdmin), h.assignRole)
	r.Delete(org+"/users/:userId/roles/:roleId", authn, h.guard.Authorize("orgId", rbac.ResourceRoles, rbac.ActionAdmin), h.removeRole)
}

// ============================================================================
// Password login and sessions
// ============================================================================

func (h *Handlers) login(c *fiber.Ctx) error {
	var body LoginBody
	if err := c.BodyParser(&body); err != nil {
		return ErrInvalidRequest("body")
	}

	res, err := h.passwords.Login(c.UserContext(), LoginRequest{
		Email:     body.Email,
		Password:  body.Password,
		IP:        c.IP(),
		UserAgent: c.Get(fiber.HeaderUserAgent),
	})
	if err != nil {
		return err
	}

	h.cookies.setSession(c, res.Session.Token, res.Session.ExpiresAt)
	out := LoginResponse{
		User:      sessionUser(res.User),
		ExpiresAt: res.Session.ExpiresAt,
	}
	if body.ReturnToken {
		out.Token = res.Session.Token
	}
	return c.JSON(out)
}

func (h *Handlers) logout(c *fiber.Ctx) error {
	p, ok := PrincipalFrom(c)
	if !ok {
		return iam.ErrUnauthorized()
	}
	ctx := c.UserContext()

	if err := h.sessions.End(ctx, p, h.guard.extractToken(c), c.IP()); err != nil {
		return err
	}
	if err := h.oauth.TerminateByToken(ctx, p.SessionID.String(), "logout", c.IP()); err != nil {
		logx.WithContext(ctx).WithField("token_id", p.SessionID).WithError(err).Warn("Failed to terminate OAuth2 session on logout")
	}

	h.cookies.clearSession(c)
	return c.JSON(SuccessResponse{Success: true})
}

// session answers whether the caller is authenticated. Without a principal it
// reports isAuthenticated=false; /auth/session/required never gets here
// without one.
func (h *Handlers) session(c *fiber.Ctx) error {
	p, ok := PrincipalFrom(c)
	if !ok {
		return c.JSON(SessionResponse{IsAuthenticated: false})
	}
	ctx := c.UserContext()

	su := SessionUser{ID: p.UserID, OrganizationID: p.OrganizationID}
	if u, err := h.users.FindByID(ctx, p.UserID); err == nil {
		su.Email = u.Email
		su.Name = u.Name
	} else {
		logx.WithContext(ctx).WithField("user_id", p.UserID).WithError(err).Warn("Session user lookup failed")
	}
	if role, err := h.roles.PrimaryRole(ctx, p.UserID, p.OrganizationID); err == nil {
		su.Role = role
	}

	info, err := h.sessions.Describe(ctx, p)
	if err != nil {
		return err
	}
	if err := h.oauth.TouchSession(ctx, p.SessionID.String()); err != nil {
		logx.WithContext(ctx).WithField("token_id", p.SessionID).WithError(err).Debug("OAuth2 session touch failed")
	}

	return c.JSON(SessionResponse{
		IsAuthenticated: true,
		User:            &su,
		Session: &SessionDetails{
			ExpiresAt:    info.ExpiresAt,
			ActiveTokens: info.ActiveTokens,
		},
	})
}

func sessionUser(u *user.User) SessionUser {
	return SessionUser{
		ID:             u.ID,
		OrganizationID: u.OrganizationID,
		Email:          u.Email,
		Name:           u.Name,
	}
}

// ============================================================================
// OAuth2
// ============================================================================

func (h *Handlers) providers(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"providers": h.oauth.ListProviders()})
}

func (h *Handlers) authorize(c *fiber.Ctx) error {
	authz, err := h.oauth.InitiateAuthorization(c.UserContext(), oauthsrv.InitiateRequest{
		Provider:    c.Params("provider"),
		RedirectURI: c.Query("redirect_uri"),
		IP:          c.IP(),
	})
	if err != nil {
		return err
	}
	h.cookies.setVerifier(c, authz.CodeVerifier)
	return c.Redirect(authz.AuthorizationURL, fiber.StatusFound)
}

func (h *Handlers) callback(c *fiber.Ctx) error {
	verifier := c.Cookies(VerifierCookieName)
	h.cookies.clearVerifier(c)

	res, err := h.oauth.HandleCallback(c.UserContext(), oauthsrv.CallbackRequest{
		Provider:         c.Params("provider"),
		Code:             c.Query("code"),
		State:            c.Query("state"),
		Error:            c.Query("error"),
		ErrorDescription: c.Query("error_description"),
		CodeVerifier:     verifier,
		IP:               c.IP(),
		UserAgent:        c.Get(fiber.HeaderUserAgent),
	})
	if err != nil {
		return err
	}

	h.cookies.setSession(c, res.Token, res.ExpiresAt)
	if h.successRedirect != "" {
		return c.Redirect(h.successRedirect, fiber.StatusFound)
	}
	return c.JSON(CallbackResponse{
		User:      sessionUser(res.User),
		ExpiresAt: res.ExpiresAt,
		SessionID: res.Session.SessionID,
		Created:   res.Created,
	})
}

// ============================================================================
// Permissions and roles
// ============================================================================

// target returns the authenticated principal and the organization the guard
// scoped the request to
func target(c *fiber.Ctx) (*kernel.Principal, kernel.OrganizationID, error) {
	p, ok := PrincipalFrom(c)
	if !ok {
		return nil, "", iam.ErrUnauthorized()
	}
	org, ok := tenant.Current(c.UserContext())
	if !ok {
		return nil, "", ErrRegistry.New(CodeMissingOrg)
	}
	return p, org, nil
}

func actor(c *fiber.Ctx, p *kernel.Principal) rbacsrv.Actor {
	return rbacsrv.Actor{UserID: p.UserID, IP: c.IP()}
}

func (h *Handlers) checkPermissions(c *fiber.Ctx) error {
	p, org, err := target(c)
	if err != nil {
		return err
	}
	// Either {"permissions":[...]} or a bare list; a bare list is answered
	// with a bare list of results.
	var body PermissionCheckBody
	bare := strings.HasPrefix(strings.TrimSpace(string(c.Body())), "[")
	if bare {
		if err := c.App().Config().JSONDecoder(c.Body(), &body.Permissions); err != nil {
			return ErrInvalidRequest("body")
		}
	} else if err := c.BodyParser(&body); err != nil {
		return ErrInvalidRequest("body")
	}
	if len(body.Permissions) == 0 || len(body.Permissions) > maxPermissionChecks {
		return ErrInvalidRequest("permissions")
	}

	keys := make([]string, len(body.Permissions))
	queries := make([]PermissionQuery, len(body.Permissions))
	for i, q := range body.Permissions {
		res := strings.ToUpper(strings.TrimSpace(q.Resource))
		act := strings.ToUpper(strings.TrimSpace(q.Action))
		queries[i] = PermissionQuery{Resource: res, Action: act}
		keys[i] = rbac.Key(rbac.Resource(res), rbac.Action(act))
	}

	results, err := h.perms.CheckPermissions(c.UserContext(), p, org, keys)
	if err != nil {
		return err
	}

	out := PermissionCheckResponse{Results: make([]PermissionCheckResult, len(results))}
	for i, r := range results {
		out.Results[i] = PermissionCheckResult{
			Resource:      queries[i].Resource,
			Action:        queries[i].Action,
			HasPermission: r.Allowed,
		}
	}
	if bare {
		return c.JSON(out.Results)
	}
	return c.JSON(out)
}

func (h *Handlers) listRoles(c *fiber.Ctx) error {
	_, org, err := target(c)
	if err != nil {
		return err
	}
	roles, err := h.roles.ListRoles(c.UserContext(), org)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"roles": roles})
}

func (h *Handlers) createRole(c *fiber.Ctx) error {
	p, org, err := target(c)
	if err != nil {
		return err
	}
	var req rbacsrv.CreateRoleRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrInvalidRequest("body")
	}
	role, err := h.roles.CreateRole(c.UserContext(), actor(c, p), org, req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(role)
}

func (h *Handlers) updateRolePermissions(c *fiber.Ctx) error {
	p, org, err := target(c)
	if err != nil {
		return err
	}
	var body UpdatePermissionsBody
	if err := c.BodyParser(&body); err != nil {
		return ErrInvalidRequest("body")
	}
	role, err := h.roles.UpdateRolePermissions(c.UserContext(), actor(c, p), org, kernel.RoleID(c.Params("roleId")), body.Permissions)
	if err != nil {
		return err
	}
	return c.JSON(role)
}

func (h *Handlers) deleteRole(c *fiber.Ctx) error {
	p, org, err := target(c)
	if err != nil {
		return err
	}
	if err := h.roles.DeleteRole(c.UserContext(), actor(c, p), org, kernel.RoleID(c.Params("roleId"))); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handlers) listUserRoles(c *fiber.Ctx) error {
	_, org, err := target(c)
	if err != nil {
		return err
	}
	assignments, err := h.roles.ListUserRoles(c.UserContext(), org, kernel.UserID(c.Params("userId")))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"roles": assignments})
}

func (h *Handlers) assignRole(c *fiber.Ctx) error {
	p, org, err := target(c)
	if err != nil {
		return err
	}
	var req rbacsrv.AssignRoleRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrInvalidRequest("body")
	}
	if req.RoleID.IsEmpty() {
		return ErrInvalidRequest("role_id")
	}
	a, err := h.roles.AssignRole(c.UserContext(), actor(c, p), org, kernel.UserID(c.Params("userId")), req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(a)
}

func (h *Handlers) removeRole(c *fiber.Ctx) error {
	p, org, err := target(c)
	if err != nil {
		return err
	}
	err = h.roles.RemoveRole(c.UserContext(), actor(c, p), org, kernel.UserID(c.Params("userId")), kernel.RoleID(c.Params("roleId")))
	if err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}
