package bootstrap

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/inboxorcist/inboxorcist-sub002/adapter/in/http"
	"github.com/inboxorcist/inboxorcist-sub002/infra/database"
	"github.com/inboxorcist/inboxorcist-sub002/infra/middleware"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/httputil"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/logger"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/ratelimit"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

// Per-account throttle on routes that start upstream work.
const (
	apiRequestsPerSecond = 2
	apiBurst             = 5
)

// NewAPI builds the fiber app on top of deps. Nothing is started.
func NewAPI(deps *Dependencies) *fiber.App {
	cfg := deps.Config

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		ReadBufferSize:        16384,
		WriteBufferSize:       16384,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		BodyLimit:             4 * 1024 * 1024, // bulk requests carry up to 10k ids
		ServerHeader:          "",
		DisableDefaultDate:    true,
		ReadTimeout:           30 * time.Second,
		IdleTimeout:           2 * time.Minute,
	})

	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.SecurityHeaders())
	app.Use(middleware.RequestLogger())

	// SSE frames must not be buffered by the compressor.
	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
		Next: func(c *fiber.Ctx) bool {
			return strings.HasSuffix(c.Path(), "/events")
		},
	}))

	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	allowCredentials := true
	if allowOrigins == "" || allowOrigins == "*" {
		if cfg.IsProduction() {
			allowOrigins = ""
			allowCredentials = false
		} else {
			allowOrigins = "http://localhost:3000,http://localhost:5173"
		}
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     "GET,POST,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,X-Request-ID",
		ExposeHeaders:    "X-Request-ID,Retry-After",
		AllowCredentials: allowCredentials,
		MaxAge:           86400,
	}))

	newHealthHandler(deps).Register(app)

	api := app.Group("/api/v1")
	api.Use(middleware.RequireJSON())

	throttle := ratelimit.NewRegistry(&ratelimit.Config{
		RequestsPerSecond: apiRequestsPerSecond,
		BurstSize:         apiBurst,
		IdleTTL:           30 * time.Minute,
	})
	guard := middleware.ValidateAccountID("id")

	http.NewSyncHandler(deps.SyncService, deps.Queue).
		WithGuards(guard).
		WithThrottle(middleware.RateLimit(throttle, nil)).
		Register(api)

	http.NewSSEHandler(deps.SSE, logger.Component("sse")).Register(api, guard)

	logger.Info("[API] Routes registered (queue=%s)", cfg.QueueBackend)
	return app
}

func newHealthHandler(deps *Dependencies) *http.HealthHandler {
	h := http.NewHealthHandler()

	h.AddCheck("postgres", func(ctx context.Context) error {
		return deps.SQLDB.PingContext(ctx)
	})
	if deps.Redis != nil {
		h.AddCheck("redis", func(ctx context.Context) error {
			return deps.Redis.Ping(ctx).Err()
		})
	}
	if deps.NATS != nil {
		h.AddCheck("nats", deps.NATS.Ping)
	}
	h.AddCheck("gmail", func(context.Context) error {
		if deps.Gmail.IsCircuitOpen() {
			return errors.New("circuit open")
		}
		return nil
	})

	h.AddReport("queue", func(ctx context.Context) (any, error) {
		return deps.Queue.Status(ctx)
	})
	h.AddReport("jobs", func(context.Context) (any, error) {
		return deps.JobMetrics.Snapshot(), nil
	})
	h.AddReport("db_pools", func(context.Context) (any, error) {
		return deps.Pools.Report(), nil
	})
	if deps.DB != nil {
		h.AddReport("pgx_pool", func(context.Context) (any, error) {
			return database.GetPoolStats(deps.DB), nil
		})
	}
	if deps.Redis != nil {
		h.AddReport("redis", func(context.Context) (any, error) {
			return database.GetRedisStats(deps.Redis), nil
		})
	}
	h.AddReport("gmail", func(context.Context) (any, error) {
		return map[string]any{
			"circuit_breaker": deps.Gmail.GetCircuitBreakerState(),
			"http_pool":       httputil.PoolStats("gmail", httputil.GmailClientConfig()),
		}, nil
	})
	h.AddReport("sse", func(context.Context) (any, error) {
		return deps.SSE.GetMetrics(), nil
	})

	return h
}
