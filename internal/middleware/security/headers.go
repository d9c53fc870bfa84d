package security

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

type HeadersConfig struct {
	// AllowedOrigins are added to connect-src for browser dashboards that
	// open the training websocket.
	AllowedOrigins []string
	IsDevelopment  bool
}

// HeadersMiddleware sets response headers for a JSON API that never serves
// documents of its own.
func HeadersMiddleware(cfg HeadersConfig) fiber.Handler {
	connectSrc := strings.TrimSpace("'self' " + strings.Join(cfg.AllowedOrigins, " "))
	csp := "default-src 'none'; " +
		"connect-src " + connectSrc + "; " +
		"frame-ancestors 'none'; " +
		"base-uri 'none'; " +
		"form-action 'none'"

	return func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("Referrer-Policy", "no-referrer")
		c.Set("Cache-Control", "no-store")
		c.Set("Content-Security-Policy", csp)

		if !cfg.IsDevelopment {
			c.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		return c.Next()
	}
}
