package http

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	dbDown := false
	h := NewHealthHandler().
		AddCheck("postgres", func(context.Context) error {
			if dbDown {
				return errors.New("connection refused")
			}
			return nil
		}).
		AddCheck("redis", func(context.Context) error { return nil }).
		AddReport("queue", func(context.Context) (any, error) { return fiber.Map{"waiting": 2}, nil }).
		AddReport("broken", func(context.Context) (any, error) { return nil, errors.New("nope") })

	app := fiber.New()
	h.Register(app)

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/ready", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	dbDown = true
	resp, err = app.Test(httptest.NewRequest("GET", "/ready", nil))
	require.NoError(t, err)
	assert.Equal(t, 503, resp.StatusCode)
	var ready struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ready))
	assert.Equal(t, "not ready", ready.Status)
	assert.Equal(t, "unhealthy: connection refused", ready.Checks["postgres"])
	assert.Equal(t, "healthy", ready.Checks["redis"])

	resp, err = app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	var metrics map[string]map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&metrics))
	assert.Equal(t, float64(2), metrics["queue"]["waiting"])
	assert.Equal(t, "nope", metrics["broken"]["error"])
}
