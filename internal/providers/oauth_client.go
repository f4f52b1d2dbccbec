package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/tokenbroker/tokenbroker/internal/domain"
)

// Config describes the single upstream OAuth provider.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RevokeURL    string
	VerifyURL    string
	RedirectURL  string

	// ServiceScopes maps each broker service to the provider scopes that
	// grant it. Used both to build consent URLs and to map granted scopes
	// back to services on callback.
	ServiceScopes map[domain.Service][]string

	Timeout time.Duration
}

// OAuthClient implements domain.ProviderClient against the upstream provider.
type OAuthClient struct {
	oauth         *oauth2.Config
	revokeURL     string
	verifyURL     string
	serviceScopes map[domain.Service][]string
	httpClient    *http.Client
}

func NewOAuthClient(cfg Config) *OAuthClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	var scopes []string
	for _, svc := range domain.AllServices {
		scopes = append(scopes, cfg.ServiceScopes[svc]...)
	}

	return &OAuthClient{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		revokeURL:     cfg.RevokeURL,
		verifyURL:     cfg.VerifyURL,
		serviceScopes: cfg.ServiceScopes,
		httpClient:    &http.Client{Timeout: timeout},
	}
}

// AuthCodeURL builds the provider consent URL. Offline access and forced
// consent make the provider return a refresh token on every grant.
func (c *OAuthClient) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

func (c *OAuthClient) ExchangeCode(ctx context.Context, code string) (domain.TokenResult, error) {
	token, err := c.oauth.Exchange(c.withHTTPClient(ctx), code)
	if err != nil {
		log.Error().Err(err).Msg("Authorization code exchange failed")
		return domain.TokenResult{}, fmt.Errorf("%w: code exchange failed", domain.ErrUpstream)
	}
	return tokenResult(token), nil
}

func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (domain.TokenResult, error) {
	source := c.oauth.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})

	token, err := source.Token()
	if err != nil {
		log.Error().Err(err).Msg("Refresh token grant failed")
		return domain.TokenResult{}, fmt.Errorf("%w: token refresh failed", domain.ErrUpstream)
	}
	return tokenResult(token), nil
}

// Revoke notifies the provider that the token is no longer in use. Callers
// treat failures as best-effort; local deletion proceeds regardless.
func (c *OAuthClient) Revoke(ctx context.Context, accessToken string) error {
	form := url.Values{"token": {accessToken}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: build revoke request: %v", domain.ErrUpstream, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: revoke call failed: %v", domain.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: revoke returned status %d", domain.ErrUpstream, resp.StatusCode)
	}
	return nil
}

// Verify introspects the access token. It never returns an error; transport
// and provider failures surface as an invalid result with a reason.
func (c *OAuthClient) Verify(ctx context.Context, accessToken string) domain.VerifyResult {
	verifyURL := c.verifyURL + "?access_token=" + url.QueryEscape(accessToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, verifyURL, nil)
	if err != nil {
		return domain.VerifyResult{Valid: false, Error: "failed to build verify request"}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error().Err(err).Msg("Token verify call failed")
		return domain.VerifyResult{Valid: false, Error: "provider unreachable"}
	}
	defer resp.Body.Close()

	var body struct {
		Email            string `json:"email"`
		Subject          string `json:"sub"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.VerifyResult{Valid: false, Error: "malformed provider response"}
	}

	if resp.StatusCode != http.StatusOK || body.Error != "" {
		reason := body.Error
		if reason == "" {
			reason = fmt.Sprintf("provider returned status %d", resp.StatusCode)
		}
		return domain.VerifyResult{Valid: false, Error: reason}
	}

	identity := body.Email
	if identity == "" {
		identity = body.Subject
	}
	return domain.VerifyResult{Valid: true, Identity: identity}
}

// ServicesForScope maps a space-separated granted scope string to the broker
// services it covers.
func (c *OAuthClient) ServicesForScope(scope string) []domain.Service {
	granted := make(map[string]bool)
	for _, s := range strings.Fields(scope) {
		granted[s] = true
	}

	var services []domain.Service
	for _, svc := range domain.AllServices {
		for _, required := range c.serviceScopes[svc] {
			if granted[required] {
				services = append(services, svc)
				break
			}
		}
	}
	return services
}

// withHTTPClient pins the oauth2 transport to the configured client so
// provider calls share one bounded timeout.
func (c *OAuthClient) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func tokenResult(token *oauth2.Token) domain.TokenResult {
	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	scope, _ := token.Extra("scope").(string)

	return domain.TokenResult{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    tokenType,
		Scope:        scope,
		Expiry:       token.Expiry,
	}
}
