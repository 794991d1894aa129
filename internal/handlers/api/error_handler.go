package api

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
)

// ErrorHandler renders every error that escapes a handler in the APIResponse
// envelope. Unexpected errors are logged and reported as a plain 500 without
// detail.
func ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal server error"
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}
	if code == fiber.StatusInternalServerError {
		slog.Error("unhandled error", "path", ctx.Path(), "code", code, "error", err)
		message = "Internal server error"
	}
	return ctx.Status(code).JSON(NewErrorResponse(code, message))
}
