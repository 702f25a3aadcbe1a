// Package metricx holds the Prometheus collectors shared by the IAM services.
// A nil *Metrics is valid and records nothing.
package metricx

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "authcore"

// Cache results
const (
	CacheHit       = "hit"
	CacheMiss      = "miss"
	CacheError     = "error"
	CacheStaleSkip = "stale_skip"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	tokenValidations *prometheus.CounterVec
	permissionCache  *prometheus.CounterVec
	authzDecisions   *prometheus.CounterVec
	oauthCallbacks   *prometheus.CounterVec
	invalidations    *prometheus.CounterVec
}

// New registers the collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the collectors on reg and serves them from g
func NewWithRegistry(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	m := &Metrics{
		gatherer: g,
		tokenValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_validations_total",
			Help:      "Opaque token validations by result.",
		}, []string{"result"}),
		permissionCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_cache_total",
			Help:      "Permission cache lookups and writes by result.",
		}, []string{"result"}),
		authzDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authz_decisions_total",
			Help:      "Authorization guard decisions.",
		}, []string{"decision", "reason"}),
		oauthCallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oauth2_callbacks_total",
			Help:      "OAuth2 callbacks by provider and result.",
		}, []string{"provider", "result"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_invalidations_total",
			Help:      "Permission cache invalidations by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.tokenValidations, m.permissionCache, m.authzDecisions, m.oauthCallbacks, m.invalidations)
	return m
}

func (m *Metrics) TokenValidation(result string) {
	if m != nil {
		m.tokenValidations.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) PermissionCache(result string) {
	if m != nil {
		m.permissionCache.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) AuthzDecision(allowed bool, reason string) {
	if m == nil {
		return
	}
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.authzDecisions.WithLabelValues(decision, reason).Inc()
}

func (m *Metrics) OAuthCallback(provider, result string) {
	if m != nil {
		m.oauthCallbacks.WithLabelValues(provider, result).Inc()
	}
}

func (m *Metrics) Invalidation(result string) {
	if m != nil {
		m.invalidations.WithLabelValues(result).Inc()
	}
}

// Handler exposes the registry for GET /metrics
func (m *Metrics) Handler() fiber.Handler {
	if m == nil {
		return adaptor.HTTPHandler(promhttp.Handler())
	}
	return adaptor.HTTPHandler(promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
}
