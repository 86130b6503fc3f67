package auth

import (
	"github.com/gofiber/fiber/v2"

	"github.com/fathima-sithara/marketplace-messaging/internal/apperr"
)

const localsKey = "identity"

// Required rejects requests without a valid bearer token and stores the
// caller's Identity in c.Locals.
func Required(v *Validator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tok, err := ParseBearerToken(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return apperr.Unauthenticated("missing or malformed Authorization header")
		}
		id, err := v.Validate(tok)
		if err != nil {
			return apperr.Unauthenticated("invalid or expired token")
		}
		c.Locals(localsKey, id)
		c.Locals("user_id", id.ID)
		return c.Next()
	}
}

// Optional accepts anonymous requests. A present but invalid token is
// still rejected.
func Optional(v *Validator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		if header == "" {
			return c.Next()
		}
		tok, err := ParseBearerToken(header)
		if err != nil {
			return apperr.Unauthenticated("malformed Authorization header")
		}
		id, err := v.Validate(tok)
		if err != nil {
			return apperr.Unauthenticated("invalid or expired token")
		}
		c.Locals(localsKey, id)
		c.Locals("user_id", id.ID)
		return c.Next()
	}
}

// FromCtx returns the identity stored by Required/Optional.
func FromCtx(c *fiber.Ctx) (Identity, bool) {
	id, ok := c.Locals(localsKey).(Identity)
	return id, ok && id.ID != ""
}
