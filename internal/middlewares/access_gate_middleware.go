package middlewares

import (
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"

	"github.com/tokenbroker/tokenbroker/internal/domain"
	"github.com/tokenbroker/tokenbroker/internal/gate"
)

// AccessGate guards privileged endpoints: IP allow-list first, then the
// per-IP rate limiter. Both checks fail closed.
func AccessGate(allowlist *gate.Allowlist, limiter domain.RateLimiter) fiber.Handler {
	return func(c fiber.Ctx) error {
		clientIP := c.IP()

		if !allowlist.Allowed(clientIP) {
			log.Warn().
				Str("ip", clientIP).
				Str("path", c.Path()).
				Msg("Rejected request from non-allow-listed IP")
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Forbidden",
			})
		}

		allowed, retryAfter, err := limiter.Allow(c.RequestCtx(), clientIP)
		if err != nil {
			log.Error().Err(err).Str("ip", clientIP).Msg("Rate limiter error, rejecting request")
			allowed = false
		}
		if !allowed {
			retrySeconds := int(retryAfter.Seconds())
			if retrySeconds < 1 {
				retrySeconds = 1
			}
			c.Set("Retry-After", strconv.Itoa(retrySeconds))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Too many requests",
				"retry_after": retrySeconds,
			})
		}

		return c.Next()
	}
}
