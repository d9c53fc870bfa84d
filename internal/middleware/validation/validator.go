package validation

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type Config struct {
	MaxTrainItems       int
	MaxInferItems       int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Middleware rejects malformed training and inference requests before they
// reach the handlers.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxTrainItems == 0 {
		cfg.MaxTrainItems = 100000
	}
	if cfg.MaxInferItems == 0 {
		cfg.MaxInferItems = 10000
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		contentType := c.Get(fiber.HeaderContentType)
		if contentType != "" && !allowedType(contentType, cfg.AllowedContentTypes) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Unsupported content type",
			})
		}

		path := c.Path()
		var check func(req map[string]interface{}) (int, error)
		switch {
		case strings.HasSuffix(path, "/models/train"):
			check = func(req map[string]interface{}) (int, error) { return checkTrain(req, cfg.MaxTrainItems) }
		case strings.HasSuffix(path, "/evaluate"):
			check = func(req map[string]interface{}) (int, error) { return checkLabeled(req, cfg.MaxTrainItems) }
		case strings.HasSuffix(path, "/infer"):
			check = func(req map[string]interface{}) (int, error) { return checkInfer(req, cfg.MaxInferItems) }
		default:
			return c.Next()
		}

		var req map[string]interface{}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid JSON format",
			})
		}

		if status, err := check(req); err != nil {
			cfg.Logger.Debug("Request rejected",
				zap.String("ip", c.IP()),
				zap.String("path", path),
				zap.Error(err),
			)
			return c.Status(status).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		return c.Next()
	}
}

func allowedType(contentType string, allowed []string) bool {
	for _, t := range allowed {
		if strings.Contains(contentType, t) {
			return true
		}
	}
	return false
}

func checkTrain(req map[string]interface{}, maxItems int) (int, error) {
	if v, ok := req["model_type"]; ok {
		if _, isString := v.(string); !isString {
			return fiber.StatusBadRequest, fmt.Errorf("model_type must be a string")
		}
	}
	if v, ok := req["iteration"]; ok {
		if n, isNumber := v.(float64); !isNumber || n != float64(int(n)) {
			return fiber.StatusBadRequest, fmt.Errorf("iteration must be an integer")
		}
	}
	return checkLabeled(req, maxItems)
}

// checkLabeled validates the data array of labeled items.
func checkLabeled(req map[string]interface{}, maxItems int) (int, error) {
	data, ok := req["data"].([]interface{})
	if !ok || len(data) == 0 {
		return fiber.StatusBadRequest, fmt.Errorf("data is required and must be a non-empty array")
	}
	if len(data) > maxItems {
		return fiber.StatusRequestEntityTooLarge, fmt.Errorf("data exceeds %d items", maxItems)
	}

	for i, raw := range data {
		element, ok := raw.(map[string]interface{})
		if !ok {
			return fiber.StatusBadRequest, fmt.Errorf("data[%d] must be an object", i)
		}
		if err := checkItem(element["item"]); err != nil {
			return fiber.StatusBadRequest, fmt.Errorf("data[%d].item %w", i, err)
		}
		if _, ok := element["label"].(bool); !ok {
			return fiber.StatusBadRequest, fmt.Errorf("data[%d].label must be a boolean", i)
		}
	}
	return 0, nil
}

func checkInfer(req map[string]interface{}, maxItems int) (int, error) {
	if v, ok := req["use_cache"]; ok {
		if _, isBool := v.(bool); !isBool {
			return fiber.StatusBadRequest, fmt.Errorf("use_cache must be a boolean")
		}
	}

	items, ok := req["items"].([]interface{})
	if !ok || len(items) == 0 {
		return fiber.StatusBadRequest, fmt.Errorf("items is required and must be a non-empty array")
	}
	if len(items) > maxItems {
		return fiber.StatusRequestEntityTooLarge, fmt.Errorf("items exceeds %d entries", maxItems)
	}

	for i, raw := range items {
		if err := checkItem(raw); err != nil {
			return fiber.StatusBadRequest, fmt.Errorf("items[%d] %w", i, err)
		}
	}
	return 0, nil
}

// checkItem requires an object of string attributes.
func checkItem(raw interface{}) error {
	item, ok := raw.(map[string]interface{})
	if !ok {
		return fmt.Errorf("must be an object")
	}
	for name, v := range item {
		if _, ok := v.(string); !ok {
			return fmt.Errorf("attribute %q must be a string", name)
		}
	}
	return nil
}
