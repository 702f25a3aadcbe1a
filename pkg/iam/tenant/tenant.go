// Package tenant carries the target organization of a request. The value
// lives in the request context only; there is no process wide tenant.
package tenant

import (
	"context"
	"strings"

	"github.com/Abraxas-365/authcore/pkg/kernel"
	"github.com/gofiber/fiber/v2"
)

type contextKey struct{}

// WithOrganization returns a context scoped to org
func WithOrganization(ctx context.Context, org kernel.OrganizationID) context.Context {
	return context.WithValue(ctx, contextKey{}, org)
}

// Current returns the organization set by WithOrganization
func Current(ctx context.Context) (kernel.OrganizationID, bool) {
	org, ok := ctx.Value(contextKey{}).(kernel.OrganizationID)
	return org, ok && !org.IsEmpty()
}

// FromPath reads the target organization from a route parameter
func FromPath(c *fiber.Ctx, param string) (kernel.OrganizationID, bool) {
	org := kernel.OrganizationID(strings.TrimSpace(c.Params(param)))
	return org, !org.IsEmpty()
}
