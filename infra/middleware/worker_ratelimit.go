package middleware

import (
	"strconv"

	"github.com/inboxorcist/inboxorcist-sub002/pkg/apperr"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/ratelimit"

	"github.com/gofiber/fiber/v2"
)

// RateLimit throttles requests per key using a token bucket registry.
// The default key is the account route param, falling back to client IP.
func RateLimit(registry *ratelimit.Registry, keyFn func(*fiber.Ctx) string) fiber.Handler {
	if keyFn == nil {
		keyFn = accountOrIP
	}
	return func(c *fiber.Ctx) error {
		if registry.Allow(keyFn(c)) {
			return c.Next()
		}
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(1))
		return apperr.RateLimited(1)
	}
}

func accountOrIP(c *fiber.Ctx) string {
	if id := c.Params("id"); id != "" {
		return "account:" + id
	}
	return "ip:" + c.IP()
}
