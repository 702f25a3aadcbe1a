package iamcontainer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Abraxas-365/authcore/pkg/config"
	"github.com/Abraxas-365/authcore/pkg/iam/audit"
	"github.com/Abraxas-365/authcore/pkg/iam/audit/auditinfra"
	"github.com/Abraxas-365/authcore/pkg/iam/auth"
	"github.com/Abraxas-365/authcore/pkg/iam/auth/authinfra"
	"github.com/Abraxas-365/authcore/pkg/iam/oauth"
	"github.com/Abraxas-365/authcore/pkg/iam/oauth/oauthinfra"
	"github.com/Abraxas-365/authcore/pkg/iam/oauth/oauthsrv"
	"github.com/Abraxas-365/authcore/pkg/iam/rbac"
	"github.com/Abraxas-365/authcore/pkg/iam/rbac/rbacinfra"
	"github.com/Abraxas-365/authcore/pkg/iam/rbac/rbacsrv"
	"github.com/Abraxas-365/authcore/pkg/iam/session/sessionsrv"
	"github.com/Abraxas-365/authcore/pkg/iam/token/tokeninfra"
	"github.com/Abraxas-365/authcore/pkg/iam/token/tokensrv"
	"github.com/Abraxas-365/authcore/pkg/iam/user/userinfra"
	"github.com/Abraxas-365/authcore/pkg/logx"
	"github.com/Abraxas-365/authcore/pkg/metricx"
	"github.com/gofiber/fiber/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

// ---------------------------------------------------------------------------
// Deps: everything the IAM module needs from the composition root.
// ---------------------------------------------------------------------------

type Deps struct {
	DB      *sqlx.DB
	Redis   *redis.Client
	Cfg     *config.Config
	Metrics *metricx.Metrics
}

// ---------------------------------------------------------------------------
// Container: the public surface of the IAM module.
// ---------------------------------------------------------------------------

type Container struct {
	Tokens       *tokensrv.Store
	Resolver     *rbacsrv.Resolver
	Roles        *rbacsrv.RoleService
	Lifecycle    *sessionsrv.Lifecycle
	Orchestrator *oauthsrv.Orchestrator
	Audit        audit.Recorder

	Guard    *auth.Guard
	Handlers *auth.Handlers

	CleanupService *sessionsrv.CleanupService
}

// New builds the dependency graph: infra, repositories, services, then the
// HTTP edge.
func New(deps Deps) (*Container, error) {
	logx.Info("🔧 Initializing IAM container...")
	cfg := deps.Cfg
	c := &Container{}

	// ── Audit ────────────────────────────────────────────────────────────

	sink, err := auditSink(deps)
	if err != nil {
		return nil, err
	}
	c.Audit = audit.NewRecorder(sink)

	// ── Repositories ─────────────────────────────────────────────────────

	tokenRepo := tokeninfra.NewPostgresTokenRepository(deps.DB)
	rbacRepo := rbacinfra.NewPostgresRBACRepository(deps.DB)
	directory := userinfra.NewPostgresDirectory(deps.DB)
	sessionRepo := oauthinfra.NewPostgresSessionRepository(deps.DB)
	userInfoRepo := oauthinfra.NewPostgresUserInfoRepository(deps.DB)
	pending := oauthinfra.NewRedisPendingStore(deps.Redis)

	// ── Tokens and sessions ──────────────────────────────────────────────

	c.Tokens = tokensrv.NewStore(tokenRepo, cfg.Auth.TokenTTL, tokensrv.WithMetrics(deps.Metrics))
	c.Lifecycle = sessionsrv.NewLifecycle(c.Tokens, c.Audit, cfg.Auth.MaxConcurrentSessions)

	// ── RBAC ─────────────────────────────────────────────────────────────

	cache, err := permissionCache(deps)
	if err != nil {
		return nil, err
	}
	c.Resolver = rbacsrv.NewResolver(rbacRepo, cache, cfg.RBAC.CacheTTL,
		rbacsrv.WithResolverMetrics(deps.Metrics),
		rbacsrv.WithInvalidationRetry(cfg.RBAC.InvalidationAttempts, 50*time.Millisecond),
	)
	c.Roles = rbacsrv.NewRoleService(rbacRepo, c.Resolver, c.Audit)

	// ── OAuth2 ───────────────────────────────────────────────────────────

	c.Orchestrator = oauthsrv.NewOrchestrator(
		pending,
		sessionRepo,
		userInfoRepo,
		directory,
		c.Lifecycle,
		c.Audit,
		oauthsrv.Timeouts{
			PendingTTL:      cfg.OAuth.PendingTTL,
			CallbackTimeout: cfg.OAuth.CallbackTimeout,
			SessionTTL:      cfg.OAuth.SessionTTL,
		},
		oauthsrv.WithMetrics(deps.Metrics),
		oauthsrv.WithOnboarder(c.Roles),
	)
	registerProviders(c.Orchestrator, cfg.OAuth)

	// ── Password login ───────────────────────────────────────────────────

	verifier, err := authinfra.NewBcryptPasswordVerifier(bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("password verifier: %w", err)
	}
	lockout := authinfra.NewRedisLockout(deps.Redis, auth.LockoutPolicy{
		MaxAttempts: cfg.Auth.LockoutMaxAttempts,
		Base:        cfg.Auth.LockoutBase,
		Max:         cfg.Auth.LockoutMax,
		Window:      cfg.Auth.LockoutWindow,
	})
	passwords := auth.NewPasswordAuthenticator(directory, verifier, lockout, c.Lifecycle, c.Audit)

	// ── HTTP edge ────────────────────────────────────────────────────────

	c.Guard = auth.NewGuard(c.Tokens, c.Resolver, c.Audit, deps.Metrics, cfg.Auth.CookieName)
	c.Handlers = auth.NewHandlers(auth.HandlerDeps{
		Guard:       c.Guard,
		Passwords:   passwords,
		Sessions:    c.Lifecycle,
		OAuth:       c.Orchestrator,
		Permissions: c.Resolver,
		Roles:       c.Roles,
		Users:       directory,
		Throttle:    auth.NewIPThrottle(cfg.Auth.LoginRate, cfg.Auth.LoginBurst, 0),
		Cookies: auth.CookieConfig{
			Name:           cfg.Auth.CookieName,
			Domain:         cfg.Auth.CookieDomain,
			Secure:         cfg.Auth.CookieSecure,
			MaxAge:         cfg.Auth.TokenTTL,
			VerifierMaxAge: cfg.OAuth.PendingTTL,
		},
		SuccessRedirect: cfg.OAuth.SuccessRedirect,
	})

	// ── Background services ──────────────────────────────────────────────

	c.CleanupService = sessionsrv.NewCleanupService(cfg.CleanupInterval, c.Tokens, c.Orchestrator, c.Roles)

	logx.Info("✅ IAM container initialized")
	return c, nil
}

func auditSink(deps Deps) (audit.Sink, error) {
	switch deps.Cfg.Audit.Sink {
	case "logx":
		return auditinfra.NewLogxSink(), nil
	case "postgres":
		return auditinfra.NewPostgresSink(deps.DB), nil
	case "both":
		return auditinfra.MultiSink{auditinfra.NewLogxSink(), auditinfra.NewPostgresSink(deps.DB)}, nil
	default:
		return nil, fmt.Errorf("unknown audit sink %q", deps.Cfg.Audit.Sink)
	}
}

func permissionCache(deps Deps) (rbac.PermissionCache, error) {
	switch deps.Cfg.RBAC.CacheBackend {
	case "memory":
		logx.Warn("  ⚠️  Using in-process permission cache (single instance only)")
		return rbacinfra.NewMemoryPermissionCache(deps.Cfg.RBAC.MemoryCacheSize, deps.Cfg.RBAC.CacheTTL)
	default:
		logx.Info("  ✅ Using Redis permission cache")
		return rbacinfra.NewRedisPermissionCache(deps.Redis), nil
	}
}

func registerProviders(o *oauthsrv.Orchestrator, cfg config.OAuthConfig) {
	enabled := cfg.Providers()
	names := make([]string, 0, len(enabled))
	for name := range enabled {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pc := enabled[name]
		provider, _ := oauth.ParseProvider(name)
		opc := oauthinfra.ApplyDefaults(oauth.ProviderConfig{
			Name:         provider,
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			AuthURL:      pc.AuthURL,
			TokenURL:     pc.TokenURL,
			UserInfoURL:  pc.UserInfoURL,
			RedirectURL:  pc.RedirectURL,
			Scopes:       pc.Scopes,
		})
		o.Register(opc, oauthinfra.NewOAuth2IdentityProvider(opc))
		logx.Infof("  ✅ %s OAuth2 enabled", name)
	}
}

// RegisterRoutes mounts the IAM routes
func (c *Container) RegisterRoutes(r fiber.Router) {
	c.Handlers.RegisterRoutes(r)
}

// StartBackgroundServices starts IAM-specific background workers.
func (c *Container) StartBackgroundServices(ctx context.Context) {
	go c.CleanupService.Start(ctx)
	logx.Info("  ✅ IAM cleanup service started")
}
