package server

import (
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/tokenbroker/tokenbroker/internal/controllers"
	"github.com/tokenbroker/tokenbroker/internal/domain"
	"github.com/tokenbroker/tokenbroker/internal/gate"
	"github.com/tokenbroker/tokenbroker/internal/middlewares"
	"github.com/tokenbroker/tokenbroker/internal/version"
)

type HTTPServerDependencies struct {
	BrokerController *controllers.BrokerController
	Allowlist        *gate.Allowlist
	RateLimiter      domain.RateLimiter
}

// NewHTTPServer wires the broker routes. Privileged token operations sit
// behind the Access Gate; the read-only surface does not.
func NewHTTPServer(deps HTTPServerDependencies) *fiber.App {
	router := fiber.New(fiber.Config{
		AppName: "tokenbroker",
	})

	router.Use(cors.New())
	router.Use(logger.New())

	router.Get("/health", func(c fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status":    "healthy",
			"service":   "tokenbroker",
			"version":   version.GetVersion(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	authRoutes := router.Group("/auth")
	authRoutes.Get("/start", deps.BrokerController.AuthStart)
	authRoutes.Get("/callback", deps.BrokerController.AuthCallback)
	authRoutes.Get("/status", deps.BrokerController.AuthStatus)
	authRoutes.Delete("/revoke", deps.BrokerController.RevokeTokens)

	oauthRoutes := router.Group("/oauth")
	oauthRoutes.Post("/save-tokens", deps.BrokerController.SaveTokens)
	oauthRoutes.Get("/access-token", deps.BrokerController.GetAccessToken)

	// The Access Gate is attached per route so the read-only surface above
	// stays ungated.
	accessGate := middlewares.AccessGate(deps.Allowlist, deps.RateLimiter)
	oauthRoutes.Post("/access-token", accessGate, deps.BrokerController.ObtainAccessToken)
	oauthRoutes.Post("/verify", accessGate, deps.BrokerController.VerifyToken)

	return router
}
