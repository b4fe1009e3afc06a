package middleware

import (
	"regexp"

	"github.com/inboxorcist/inboxorcist-sub002/pkg/apperr"

	"github.com/gofiber/fiber/v2"
)

// Account IDs also name the per-account mailbox file on disk.
var accountIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidAccountID reports whether id is safe to use as an account key.
func ValidAccountID(id string) bool {
	return accountIDPattern.MatchString(id)
}

// ValidateAccountID rejects routes whose :param is not a safe account ID.
func ValidateAccountID(param string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		value := c.Params(param)
		if value == "" {
			return apperr.MissingField(param)
		}
		if !ValidAccountID(value) {
			return apperr.InvalidInput(param, "must be 1-64 letters, digits, '-' or '_'")
		}
		return c.Next()
	}
}
