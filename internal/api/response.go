package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/fathima-sithara/marketplace-messaging/internal/apperr"
)

func JSONSuccess(c *fiber.Ctx, status int, payload interface{}) error {
	return c.Status(status).JSON(fiber.Map{"status": "ok", "data": payload})
}

func JSONError(c *fiber.Ctx, status int, code apperr.Code, msg string) error {
	return c.Status(status).JSON(fiber.Map{"status": "error", "code": code, "message": msg})
}

// ErrorHandler renders apperr errors with their mapped status. Fiber's
// own errors keep their status; anything else is a logged 500.
func ErrorHandler(log *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return JSONError(c, fe.Code, codeForStatus(fe.Code), fe.Message)
		}
		status := apperr.HTTPStatus(err)
		if status >= fiber.StatusInternalServerError {
			log.Error("request failed",
				zap.String("method", c.Method()), zap.String("path", c.Path()), zap.Error(err))
		}
		return JSONError(c, status, apperr.CodeOf(err), apperr.Message(err))
	}
}

func codeForStatus(status int) apperr.Code {
	switch status {
	case fiber.StatusBadRequest, fiber.StatusUnprocessableEntity:
		return apperr.CodeInvalidArgument
	case fiber.StatusUnauthorized:
		return apperr.CodeUnauthenticated
	case fiber.StatusForbidden:
		return apperr.CodePermissionDenied
	case fiber.StatusNotFound, fiber.StatusMethodNotAllowed:
		return apperr.CodeNotFound
	case fiber.StatusTooManyRequests:
		return apperr.CodeRateLimited
	case fiber.StatusServiceUnavailable:
		return apperr.CodeUnavailable
	}
	if status >= fiber.StatusInternalServerError {
		return apperr.CodeInternal
	}
	return apperr.CodeInvalidArgument
}
