package metricx_test

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/Abraxas-365/authcore/pkg/metricx"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *metricx.Metrics
	assert.NotPanics(t, func() {
		m.TokenValidation("valid")
		m.PermissionCache(metricx.CacheHit)
		m.AuthzDecision(false, "org_mismatch")
		m.OAuthCallback("GOOGLE", "ok")
		m.Invalidation("ok")
	})
}

func TestHandlerExposesCounters(t *testing.T) {
	m := metricx.New()
	m.TokenValidation("invalid")
	m.AuthzDecision(true, "granted")

	app := fiber.New()
	app.Get("/metrics", m.Handler())

	resp, err := app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)

	assert.Contains(t, string(body), `authcore_token_validations_total{result="invalid"} 1`)
	assert.Contains(t, string(body), `authcore_authz_decisions_total{decision="allow",reason="granted"} 1`)
}
