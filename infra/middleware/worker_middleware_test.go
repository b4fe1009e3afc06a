package middleware

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/inboxorcist/inboxorcist-sub002/pkg/apperr"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/ratelimit"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp() *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Use(RequestID(), Recover())
	return app
}

func decode(t *testing.T, body io.Reader) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(body).Decode(&resp))
	return resp
}

func TestErrorHandler(t *testing.T) {
	app := newTestApp()
	app.Get("/app", func(c *fiber.Ctx) error {
		return apperr.SyncNotResumable("completed")
	})
	app.Get("/wrapped", func(c *fiber.Ctx) error {
		return errors.Join(errors.New("ctx"), apperr.ReconnectRequired(errors.New("invalid_grant")))
	})
	app.Get("/fiber", func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusBadRequest, "bad")
	})
	app.Get("/plain", func(c *fiber.Ctx) error {
		return errors.New("boom")
	})
	app.Get("/panic", func(c *fiber.Ctx) error {
		panic("kaboom")
	})

	tests := []struct {
		path   string
		status int
		code   string
	}{
		{"/app", 409, apperr.CodeSyncNotResumable},
		{"/wrapped", 401, apperr.CodeReconnectRequired},
		{"/fiber", 400, apperr.CodeBadRequest},
		{"/plain", 500, apperr.CodeInternalError},
		{"/panic", 500, apperr.CodeInternalError},
		{"/missing", 404, apperr.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := app.Test(httptest.NewRequest("GET", tt.path, nil))
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)

			body := decode(t, resp.Body)
			assert.False(t, body.Success)
			assert.Equal(t, tt.code, body.Error.Code)
			assert.NotContains(t, body.Error.Message, "boom", "internal causes stay out of the body")
			assert.NotEmpty(t, body.RequestID)
			assert.Equal(t, body.RequestID, resp.Header.Get("X-Request-ID"))
		})
	}
}

func TestValidateAccountID(t *testing.T) {
	app := newTestApp()
	app.Get("/accounts/:id", ValidateAccountID("id"), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	tests := []struct {
		id     string
		status int
	}{
		{"acc-1", 200},
		{"7f9c2ba4-e88f-11e8-9f32-f2801f1b9fd1", 200},
		{"..", 400},
		{"a.b", 400},
		{strings.Repeat("a", 65), 400},
	}
	for _, tt := range tests {
		resp, err := app.Test(httptest.NewRequest("GET", "/accounts/"+tt.id, nil))
		require.NoError(t, err)
		assert.Equal(t, tt.status, resp.StatusCode, tt.id)
	}
}

func TestRequireJSON(t *testing.T) {
	app := newTestApp()
	app.Use(RequireJSON())
	app.Post("/x", func(c *fiber.Ctx) error { return c.SendStatus(204) })

	req := httptest.NewRequest("POST", "/x", strings.NewReader("a=b"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 415, resp.StatusCode)

	req = httptest.NewRequest("POST", "/x", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 204, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("POST", "/x", nil))
	require.NoError(t, err)
	assert.Equal(t, 204, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	registry := ratelimit.NewRegistry(&ratelimit.Config{RequestsPerSecond: 0.001, BurstSize: 2})
	app := newTestApp()
	app.Post("/accounts/:id/sync", RateLimit(registry, nil), func(c *fiber.Ctx) error {
		return c.SendStatus(202)
	})

	for range 2 {
		resp, err := app.Test(httptest.NewRequest("POST", "/accounts/a/sync", nil))
		require.NoError(t, err)
		assert.Equal(t, 202, resp.StatusCode)
	}

	resp, err := app.Test(httptest.NewRequest("POST", "/accounts/a/sync", nil))
	require.NoError(t, err)
	assert.Equal(t, 429, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Equal(t, apperr.CodeRateLimited, decode(t, resp.Body).Error.Code)

	// Other accounts keep their own bucket.
	resp, err = app.Test(httptest.NewRequest("POST", "/accounts/b/sync", nil))
	require.NoError(t, err)
	assert.Equal(t, 202, resp.StatusCode)
}
