package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Abraxas-365/authcore/pkg/config"
	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/Abraxas-365/authcore/pkg/logx"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
)

func main() {
	// 1. Logger and configuration
	logx.Configure(logx.LoadFromEnv())

	cfg, err := config.Load()
	if err != nil {
		logx.Fatalf("Invalid configuration: %v", err)
	}

	logx.Info("🚀 Starting authcore API server...")

	// 2. Dependency container
	container := NewContainer(cfg)
	defer container.Cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	container.StartBackgroundServices(ctx)

	// 3. Fiber app
	app := fiber.New(fiber.Config{
		AppName:               "authcore",
		DisableStartupMessage: true,
		ErrorHandler:          globalErrorHandler(cfg.Server.Debug),
		BodyLimit:             cfg.Server.BodyLimit,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           120 * time.Second,
	})

	// 4. Global middleware
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	app.Use(requestid.New(requestid.Config{
		Header:    fiber.HeaderXRequestID,
		Generator: uuid.NewString,
	}))

	// Carry the request id into every log entry built with logx.WithContext
	app.Use(func(c *fiber.Ctx) error {
		if id, ok := c.Locals(requestid.ConfigDefault.ContextKey).(string); ok && id != "" {
			c.SetUserContext(logx.ContextWithFields(c.UserContext(), logx.Fields{"request_id": id}))
		}
		return c.Next()
	})

	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.CORSOrigins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Request-ID",
		AllowMethods:     "GET, POST, PUT, DELETE, HEAD, OPTIONS",
		AllowCredentials: true,
		ExposeHeaders:    "X-Request-ID",
	}))

	app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} ${path} | ${ip} | ${reqHeader:X-Request-ID}\n",
		TimeFormat: "2006-01-02 15:04:05",
		TimeZone:   "Local",
	}))

	// 5. Health and metrics
	app.Get("/health", healthCheckHandler(container))
	app.Get("/metrics", container.Metrics.Handler())

	// 6. Routes
	container.IAM.RegisterRoutes(app)
	logx.Info("✓ IAM routes registered")

	// 7. 404 handler
	app.Use(notFoundHandler)

	printRouteSummary()

	// 8. Start with graceful shutdown
	startServer(app, cfg.Server.Port, cancel)
}

// ============================================================================
// Handler Functions
// ============================================================================

// healthCheckHandler reports database and Redis reachability
func healthCheckHandler(container *Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		health := fiber.Map{
			"status":  "healthy",
			"service": "authcore",
			"version": getEnv("APP_VERSION", "1.0.0"),
		}

		if err := container.DB.PingContext(c.UserContext()); err != nil {
			health["db"] = "unhealthy"
			health["status"] = "degraded"
			logx.WithError(err).Warn("Health check: database unreachable")
		} else {
			health["db"] = "healthy"
		}

		if err := container.Redis.Ping(c.UserContext()).Err(); err != nil {
			health["redis"] = "unhealthy"
			health["status"] = "degraded"
			logx.WithError(err).Warn("Health check: redis unreachable")
		} else {
			health["redis"] = "healthy"
		}

		status := fiber.StatusOK
		if health["status"] == "degraded" {
			status = fiber.StatusServiceUnavailable
		}

		return c.Status(status).JSON(health)
	}
}

// notFoundHandler handles 404 errors
func notFoundHandler(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"code":       "NOT_FOUND",
		"message":    "The requested endpoint does not exist",
		"path":       c.Path(),
		"method":     c.Method(),
		"request_id": c.Get(fiber.HeaderXRequestID),
	})
}

// ============================================================================
// Error Handler
// ============================================================================

// globalErrorHandler renders errx errors with their registered status.
// Anything else becomes a generic 500.
func globalErrorHandler(debug bool) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		requestID := c.Get(fiber.HeaderXRequestID)
		if id, ok := c.Locals(requestid.ConfigDefault.ContextKey).(string); ok && id != "" {
			requestID = id
		}

		entry := logx.WithFields(logx.Fields{
			"path":       c.Path(),
			"method":     c.Method(),
			"ip":         c.IP(),
			"request_id": requestID,
			"user_agent": c.Get(fiber.HeaderUserAgent),
		}).WithError(err)

		if e, ok := err.(*fiber.Error); ok {
			entry.Warn("Request error")
			return c.Status(e.Code).JSON(errx.HTTPErrorResponse{
				Code:      "FIBER_ERROR",
				Message:   e.Message,
				Type:      string(errx.TypeValidation),
				Status:    e.Code,
				RequestID: requestID,
			})
		}

		status, body := errx.Response(err)
		body.RequestID = requestID
		if status >= fiber.StatusInternalServerError {
			entry.Error("Request failed")
		} else {
			entry.Info("Request rejected")
		}

		if debug {
			if e, ok := errx.As(err); ok && e.Err != nil {
				if body.Details == nil {
					body.Details = map[string]any{}
				}
				body.Details["underlying_error"] = e.Err.Error()
			}
		}

		return c.Status(status).JSON(body)
	}
}

// ============================================================================
// Utility Functions
// ============================================================================

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// printRouteSummary prints a summary of registered routes
func printRouteSummary() {
	logx.Info("📋 Route Summary:")
	logx.Info("   ├─ Auth: /auth/login, /auth/logout, /auth/session")
	logx.Info("   ├─ OAuth2: /auth/oauth2/providers, /auth/oauth2/authorize/:provider, /auth/oauth2/callback/:provider")
	logx.Info("   ├─ RBAC: /organizations/:orgId/roles, /organizations/:orgId/users/:userId/roles")
	logx.Info("   ├─ Health: /health")
	logx.Info("   └─ Metrics: /metrics")
}

// startServer starts the server and blocks until a shutdown signal
func startServer(app *fiber.App, port string, stopBackground context.CancelFunc) {
	go func() {
		logx.Info(banner())
		logx.Infof("🚀 Server listening on port %s", port)
		logx.Infof("💚 Health Check: http://localhost:%s/health", port)
		logx.Info(banner())

		if err := app.Listen(":" + port); err != nil {
			logx.Fatalf("Server error: %v", err)
		}
	}()

	gracefulShutdown(app, stopBackground)
}

// gracefulShutdown handles graceful server shutdown
func gracefulShutdown(app *fiber.App, stopBackground context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logx.Infof("🛑 Received signal: %v", sig)
	logx.Info("Shutting down gracefully...")

	stopBackground()
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		logx.Errorf("Server forced to shutdown: %v", err)
	}

	logx.Info("✅ Server exited successfully")
}
