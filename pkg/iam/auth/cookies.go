package auth

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

const (
	VerifierCookieName = "oauth2_verifier"
	verifierCookiePath = "/auth/oauth2"
)

// CookieConfig shapes the session and PKCE verifier cookies
type CookieConfig struct {
	Name   string
	Domain string
	Secure bool
	MaxAge time.Duration

	// VerifierMaxAge should match the pending authorization TTL
	VerifierMaxAge time.Duration
}

func (cc CookieConfig) setSession(c *fiber.Ctx, raw string, expiresAt time.Time) {
	maxAge := int(cc.MaxAge.Seconds())
	if until := int(time.Until(expiresAt).Seconds()); until > 0 && until < maxAge {
		maxAge = until
	}
	c.Cookie(&fiber.Cookie{
		Name:     cc.Name,
		Value:    raw,
		Path:     "/",
		Domain:   cc.Domain,
		MaxAge:   maxAge,
		Secure:   cc.Secure,
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteStrictMode,
	})
}

func (cc CookieConfig) clearSession(c *fiber.Ctx) {
	c.Cookie(cc.expired(cc.Name, "/", fiber.CookieSameSiteStrictMode))
}

func (cc CookieConfig) setVerifier(c *fiber.Ctx, verifier string) {
	c.Cookie(&fiber.Cookie{
		Name:     VerifierCookieName,
		Value:    verifier,
		Path:     verifierCookiePath,
		Domain:   cc.Domain,
		MaxAge:   int(cc.VerifierMaxAge.Seconds()),
		Secure:   cc.Secure,
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

func (cc CookieConfig) clearVerifier(c *fiber.Ctx) {
	c.Cookie(cc.expired(VerifierCookieName, verifierCookiePath, fiber.CookieSameSiteLaxMode))
}

// expired builds a deletion cookie. fasthttp never writes Max-Age=0, so the
// cookie carries an Expires date in the past instead.
func (cc CookieConfig) expired(name, path, sameSite string) *fiber.Cookie {
	return &fiber.Cookie{
		Name:     name,
		Path:     path,
		Domain:   cc.Domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0).UTC(),
		Secure:   cc.Secure,
		HTTPOnly: true,
		SameSite: sameSite,
	}
}
