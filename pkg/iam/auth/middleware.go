package auth

import (
	"strings"

	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/Abraxas-365/authcore/pkg/iam"
	"github.com/Abraxas-365/authcore/pkg/iam/audit"
	"github.com/Abraxas-365/authcore/pkg/iam/rbac"
	"github.com/Abraxas-365/authcore/pkg/iam/tenant"
	"github.com/Abraxas-365/authcore/pkg/iam/token"
	"github.com/Abraxas-365/authcore/pkg/kernel"
	"github.com/Abraxas-365/authcore/pkg/logx"
	"github.com/Abraxas-365/authcore/pkg/metricx"
	"github.com/gofiber/fiber/v2"
)

// Guard authenticates requests and enforces organization scoping and
// permissions on protected routes.
type Guard struct {
	tokens     TokenValidator
	perms      PermissionChecker
	audit      audit.Recorder
	metrics    *metricx.Metrics
	cookieName string
}

func NewGuard(tokens TokenValidator, perms PermissionChecker, rec audit.Recorder, metrics *metricx.Metrics, cookieName string) *Guard {
	return &Guard{
		tokens:     tokens,
		perms:      perms,
		audit:      rec,
		metrics:    metrics,
		cookieName: cookieName,
	}
}

// extractToken reads "Authorization: Bearer <token>", falling back to the
// session cookie.
func (g *Guard) extractToken(c *fiber.Ctx) string {
	if header := c.Get(fiber.HeaderAuthorization); header != "" {
		scheme, value, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return c.Cookies(g.cookieName)
}

func (g *Guard) resolve(c *fiber.Ctx) (*kernel.Principal, error) {
	raw := g.extractToken(c)
	if raw == "" {
		return nil, iam.ErrUnauthorized()
	}
	p, err := g.tokens.ValidateToken(c.UserContext(), raw)
	if err != nil {
		if errx.IsCode(err, token.CodeStoreUnavailable) {
			logx.WithContext(c.UserContext()).WithError(err).Error("Token validation unavailable")
		}
		return nil, iam.ErrUnauthorized()
	}
	return p, nil
}

func (g *Guard) attach(c *fiber.Ctx, p *kernel.Principal) {
	c.Locals(kernel.PrincipalKey, p)
	c.SetUserContext(kernel.WithPrincipal(c.UserContext(), p))
}

// Authenticate requires a valid token. Every failure answers the same 401.
func (g *Guard) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		p, err := g.resolve(c)
		if err != nil {
			return err
		}
		g.attach(c, p)
		return c.Next()
	}
}

// OptionalAuthenticate attaches a principal when a valid token is present
// and lets the request through either way.
func (g *Guard) OptionalAuthenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if p, err := g.resolve(c); err == nil {
			g.attach(c, p)
		}
		return c.Next()
	}
}

// RequireOrganization resolves the target organization from orgParam and
// rejects principals bound to a different organization. Must run after
// Authenticate.
func (g *Guard) RequireOrganization(orgParam string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if _, err := g.scope(c, orgParam, "", ""); err != nil {
			return err
		}
		return c.Next()
	}
}

// Authorize is RequireOrganization followed by a permission check for
// resource:action in the target organization. Resolution failures deny.
func (g *Guard) Authorize(orgParam string, resource rbac.Resource, action rbac.Action) fiber.Handler {
	return func(c *fiber.Ctx) error {
		p, err := g.scope(c, orgParam, resource, action)
		if err != nil {
			return err
		}
		org, _ := tenant.Current(c.UserContext())

		allowed, err := g.perms.CheckPermission(c.UserContext(), p, org, resource, action)
		if err != nil {
			g.metrics.AuthzDecision(false, "resolution_error")
			logx.WithContext(c.UserContext()).WithFields(logx.Fields{
				"user_id":         p.UserID,
				"organization_id": org,
				"permission":      rbac.Key(resource, action),
			}).WithError(err).Error("Permission resolution failed")
			return err
		}
		if !allowed {
			g.metrics.AuthzDecision(false, "insufficient_permission")
			g.deny(c, audit.EventAccessDenied, p, org, resource, action)
			return iam.ErrAccessDenied()
		}

		g.metrics.AuthzDecision(true, "granted")
		return c.Next()
	}
}

// scope runs the organization equality check and stores the target
// organization in the request context.
func (g *Guard) scope(c *fiber.Ctx, orgParam string, resource rbac.Resource, action rbac.Action) (*kernel.Principal, error) {
	p, ok := kernel.PrincipalFrom(c.UserContext())
	if !ok || !p.IsValid() {
		return nil, iam.ErrUnauthorized()
	}
	org, ok := tenant.FromPath(c, orgParam)
	if !ok {
		return nil, ErrRegistry.New(CodeMissingOrg)
	}
	if !p.BelongsTo(org) {
		g.metrics.AuthzDecision(false, "cross_tenant")
		g.deny(c, audit.EventUnauthorizedAccess, p, org, resource, action)
		return nil, iam.ErrAccessDenied()
	}
	c.SetUserContext(tenant.WithOrganization(c.UserContext(), org))
	return p, nil
}

func (g *Guard) deny(c *fiber.Ctx, t audit.EventType, p *kernel.Principal, org kernel.OrganizationID, resource rbac.Resource, action rbac.Action) {
	details := map[string]any{
		"target_organization_id": org,
		"method":                 c.Method(),
		"path":                   c.Path(),
	}
	if resource != "" {
		details["permission"] = rbac.Key(resource, action)
	}
	g.audit.Record(c.UserContext(), audit.Event{
		Type:           t,
		ActorID:        p.UserID,
		OrganizationID: p.OrganizationID,
		IP:             c.IP(),
		Details:        details,
	})
}

// PrincipalFrom returns the principal attached by Authenticate
func PrincipalFrom(c *fiber.Ctx) (*kernel.Principal, bool) {
	p, ok := c.Locals(kernel.PrincipalKey).(*kernel.Principal)
	return p, ok && p != nil
}
