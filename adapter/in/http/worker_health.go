package http

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// ReportFunc contributes one section to /metrics.
type ReportFunc func(ctx context.Context) (any, error)

type namedCheck struct {
	name string
	fn   CheckFunc
}

type namedReport struct {
	name string
	fn   ReportFunc
}

// HealthHandler serves liveness, readiness and runtime metrics.
type HealthHandler struct {
	checks  []namedCheck
	reports []namedReport
	timeout time.Duration
	started time.Time
}

func NewHealthHandler() *HealthHandler {
	return &HealthHandler{timeout: 5 * time.Second, started: time.Now()}
}

// AddCheck registers a readiness probe.
func (h *HealthHandler) AddCheck(name string, fn CheckFunc) *HealthHandler {
	h.checks = append(h.checks, namedCheck{name: name, fn: fn})
	return h
}

// AddReport registers a /metrics section.
func (h *HealthHandler) AddReport(name string, fn ReportFunc) *HealthHandler {
	h.reports = append(h.reports, namedReport{name: name, fn: fn})
	return h
}

func (h *HealthHandler) Register(app fiber.Router) {
	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)
	app.Get("/metrics", h.Metrics)
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"uptime":    time.Since(h.started).Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	checks := make(map[string]string, len(h.checks))
	allHealthy := true
	for _, check := range h.checks {
		if err := check.fn(ctx); err != nil {
			checks[check.name] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks[check.name] = "healthy"
		}
	}

	status := "ready"
	statusCode := fiber.StatusOK
	if !allHealthy {
		status = "not ready"
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Metrics collects every registered report. A failing report is shown as
// its error rather than failing the whole response.
func (h *HealthHandler) Metrics(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	result := make(fiber.Map, len(h.reports))
	for _, r := range h.reports {
		v, err := r.fn(ctx)
		if err != nil {
			result[r.name] = fiber.Map{"error": err.Error()}
			continue
		}
		result[r.name] = v
	}
	return c.JSON(result)
}
