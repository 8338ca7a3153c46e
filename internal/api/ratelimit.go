package api

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/rs/zerolog"
)

// rateLimit rejects clients over limit requests per minute with 429, keyed
// by client IP over a sliding window. A non-positive limit disables the check.
func rateLimit(limit int, logger zerolog.Logger) fiber.Handler {
	if limit <= 0 {
		return func(c *fiber.Ctx) error { return c.Next() }
	}

	limitHeader := strconv.Itoa(limit)
	return limiter.New(limiter.Config{
		Max:        limit,
		Expiration: time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimiterMiddleware: limiter.SlidingWindow{},
		LimitReached: func(c *fiber.Ctx) error {
			// Allowed responses get these from the limiter itself
			c.Set("X-RateLimit-Limit", limitHeader)
			c.Set("X-RateLimit-Remaining", "0")

			logger.Warn().
				Str("client_ip", c.IP()).
				Str("path", c.Path()).
				Msg("Rate limit exceeded")
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "rate limit exceeded",
			})
		},
	})
}
