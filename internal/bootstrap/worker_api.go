package bootstrap

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"

	httpadapter "knowledgetree/adapter/in/http"
	"knowledgetree/config"
	"knowledgetree/infra/middleware"
	"knowledgetree/pkg/logger"
)

// NewAPI assembles the HTTP surface: health/ready probes plus the
// pipeline trigger/read/stream/tree endpoints, fronted by the shared
// middleware stack (panic recovery, request id, security headers, JWT
// auth, rate limiting).
func NewAPI(cfg *config.Config) (*fiber.App, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, func() {}, err
	}

	middleware.InitTokenBlacklist(deps.Redis)

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: !cfg.IsDevelopment(),
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
	})

	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.SecurityHeaders())
	app.Use(middleware.InputSanitizer())
	app.Use(middleware.RequestLogger())
	app.Use(compress.New(compress.Config{Level: compress.LevelBestSpeed}))
	app.Use(cors.New(cors.Config{
		AllowOrigins:     joinOrigins(cfg.AllowedOrigins),
		AllowCredentials: true,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowMethods:     "GET, POST, PUT, DELETE, OPTIONS",
	}))

	health := httpadapter.NewHealthHandlerWithDeps(deps.DB, deps.Redis)
	health.Register(app)

	rateLimiter := middleware.NewAdvancedRateLimiter(middleware.DefaultRateLimitConfig())

	api := app.Group("/api/v1")
	api.Use(rateLimiter.Handler())
	api.Use(middleware.JWTAuth(cfg.JWTSecret))

	pipeline := httpadapter.NewPipelineHandler(deps.Supervisor, deps.Supervisor, deps.Store)
	pipeline.Register(api)

	return app, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := deps.HealthCheck(ctx); err != nil {
			logger.Debug("[bootstrap] final health check before shutdown: %v", err)
		}
		cleanup()
	}, nil
}

func joinOrigins(origins []string) string {
	if len(origins) == 0 {
		return "*"
	}
	out := origins[0]
	for _, o := range origins[1:] {
		out += "," + o
	}
	return out
}
