package controllers

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"

	"github.com/tokenbroker/tokenbroker/internal/domain"
	"github.com/tokenbroker/tokenbroker/internal/managers"
)

// BrokerController exposes the credential broker API. Handlers only validate
// input and delegate; every business rule lives in the credential manager.
type BrokerController struct {
	credentials *managers.CredentialManager
}

type BrokerControllerDependencies struct {
	CredentialManager *managers.CredentialManager
}

func NewBrokerController(deps BrokerControllerDependencies) *BrokerController {
	return &BrokerController{
		credentials: deps.CredentialManager,
	}
}

func requestMeta(c fiber.Ctx) domain.RequestMeta {
	return domain.RequestMeta{
		IPAddress: c.IP(),
		UserAgent: c.Get("User-Agent"),
	}
}

// AuthStart returns the provider authorization URL for the user.
func (ctl *BrokerController) AuthStart(c fiber.Ctx) error {
	userID := c.Query("user_id")

	authURL, err := ctl.credentials.StartAuth(c.RequestCtx(), userID, requestMeta(c))
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"auth_url": authURL,
	})
}

// AuthCallback completes the consent round-trip and renders a result page.
func (ctl *BrokerController) AuthCallback(c fiber.Ctx) error {
	code := c.Query("code")
	state := c.Query("state")

	services, err := ctl.credentials.HandleAuthCallback(c.RequestCtx(), code, state, requestMeta(c))
	if err != nil {
		log.Warn().Err(err).Msg("Auth callback failed")
		c.Type("html")
		return c.Status(statusFor(err)).SendString(callbackPage(false, nil))
	}

	names := make([]string, len(services))
	for i, svc := range services {
		names[i] = string(svc)
	}

	c.Type("html")
	return c.SendString(callbackPage(true, names))
}

// AuthStatus reports connected/not-connected per service. Read-only.
func (ctl *BrokerController) AuthStatus(c fiber.Ctx) error {
	userID := c.Query("user_id")

	statuses, err := ctl.credentials.CheckStatus(c.RequestCtx(), userID)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"user_id":  userID,
		"services": statuses,
	})
}

type revokeRequest struct {
	UserID string `json:"user_id"`
}

// RevokeTokens revokes and deletes every credential the user has.
func (ctl *BrokerController) RevokeTokens(c fiber.Ctx) error {
	var req revokeRequest
	if err := c.Bind().Body(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	services, err := ctl.credentials.RevokeAll(c.RequestCtx(), req.UserID, requestMeta(c))
	if err != nil {
		return respondError(c, err)
	}

	names := make([]string, len(services))
	for i, svc := range services {
		names[i] = string(svc)
	}

	return c.JSON(fiber.Map{
		"revoked":  true,
		"services": names,
	})
}

type saveTokensRequest struct {
	UserID       string    `json:"user_id"`
	Service      string    `json:"service"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	Scope        string    `json:"scope"`
	Expiry       time.Time `json:"expiry"`
	ExpiresIn    int64     `json:"expires_in"`
}

// SaveTokens stores a credential supplied directly by a trusted provisioner.
func (ctl *BrokerController) SaveTokens(c fiber.Ctx) error {
	var req saveTokensRequest
	if err := c.Bind().Body(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	err := ctl.credentials.SaveCredential(c.RequestCtx(), managers.SaveCredentialParams{
		UserID:       req.UserID,
		Service:      req.Service,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		TokenType:    req.TokenType,
		Scope:        req.Scope,
		Expiry:       req.Expiry,
		ExpiresIn:    req.ExpiresIn,
	}, requestMeta(c))
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"saved": true,
	})
}

// GetAccessToken is the read-only token fetch: 404 when absent, 401 when
// expired. It never refreshes.
func (ctl *BrokerController) GetAccessToken(c fiber.Ctx) error {
	userID := c.Query("user_id")
	if strings.TrimSpace(userID) == "" {
		return respondError(c, fmt.Errorf("%w: missing fields: user_id", domain.ErrValidation))
	}

	service, err := domain.ParseService(c.Query("service"))
	if err != nil {
		return respondError(c, err)
	}

	cred, err := ctl.credentials.GetStoredToken(c.RequestCtx(), userID, service, requestMeta(c))
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"access_token": cred.AccessToken,
		"token_type":   cred.TokenType,
		"expiry":       cred.Expiry,
	})
}

type tokenRequest struct {
	UserID  string `json:"user_id"`
	Service string `json:"service"`
}

func (r tokenRequest) parse() (string, domain.Service, error) {
	if strings.TrimSpace(r.UserID) == "" {
		return "", "", fmt.Errorf("%w: missing fields: user_id", domain.ErrValidation)
	}
	service, err := domain.ParseService(r.Service)
	if err != nil {
		return "", "", err
	}
	return r.UserID, service, nil
}

// ObtainAccessToken is the refresh-capable fetch behind the Access Gate.
func (ctl *BrokerController) ObtainAccessToken(c fiber.Ctx) error {
	var req tokenRequest
	if err := c.Bind().Body(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	userID, service, err := req.parse()
	if err != nil {
		return respondError(c, err)
	}

	result, err := ctl.credentials.ObtainValidAccessToken(c.RequestCtx(), userID, service, requestMeta(c))
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"access_token": result.AccessToken,
		"token_type":   result.TokenType,
		"expiry":       result.Expiry,
		"refreshed":    result.Refreshed,
	})
}

// VerifyToken asks the provider to introspect the stored token.
func (ctl *BrokerController) VerifyToken(c fiber.Ctx) error {
	var req tokenRequest
	if err := c.Bind().Body(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	userID, service, err := req.parse()
	if err != nil {
		return respondError(c, err)
	}

	result, err := ctl.credentials.Verify(c.RequestCtx(), userID, service, requestMeta(c))
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(result)
}

// respondError maps domain errors onto stable HTTP responses. Upstream and
// storage details stay in the server-side logs.
func respondError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidService):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid service",
		})
	case errors.Is(err, domain.ErrValidation):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	case errors.Is(err, domain.ErrRequiresAuth):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":         "Re-authentication required",
			"requires_auth": true,
		})
	case errors.Is(err, domain.ErrTokenExpired):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "Token expired",
			"expired": true,
		})
	case errors.Is(err, domain.ErrCredentialNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Tokens not found",
		})
	case errors.Is(err, domain.ErrUpstream):
		log.Error().Err(err).Msg("Upstream provider call failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Upstream provider failure",
		})
	default:
		log.Error().Err(err).Msg("Unhandled error in broker handler")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal server error",
		})
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidService):
		return fiber.StatusBadRequest
	case errors.Is(err, domain.ErrUpstream):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func callbackPage(success bool, services []string) string {
	if !success {
		return `<!DOCTYPE html>
<html><head><title>Authorization failed</title></head>
<body><h1>Authorization failed</h1>
<p>The authorization could not be completed. Please try again.</p>
</body></html>`
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><title>Authorization complete</title></head>
<body><h1>Authorization complete</h1>
<p>Connected services: %s</p>
<p>You can close this window.</p>
</body></html>`, strings.Join(services, ", "))
}
