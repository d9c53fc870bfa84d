package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/lrtc/backend/internal/model"
	"github.com/lrtc/backend/pkg/logger"
)

var errNotTrained = errors.New("model is not trained")

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrConfiguration), errors.Is(err, model.ErrUnsupportedModel):
		return fiber.StatusBadRequest
	case errors.Is(err, model.ErrModelNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, errNotTrained):
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}

// writeError maps domain errors onto HTTP status codes. Server-side failures
// are logged and their details kept out of the response.
func writeError(c *fiber.Ctx, msg string, err error) error {
	status := statusFor(err)
	if status >= fiber.StatusInternalServerError {
		logger.Error(msg, zap.String("path", c.Path()), zap.Error(err))
		return c.Status(status).JSON(fiber.Map{
			"error": msg,
		})
	}
	return c.Status(status).JSON(fiber.Map{
		"error":   msg,
		"details": err.Error(),
	})
}
