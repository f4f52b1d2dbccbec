package managers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/tokenbroker/tokenbroker/internal/auth"
	"github.com/tokenbroker/tokenbroker/internal/domain"
)

const (
	DefaultRefreshTimeout = 30 * time.Second
	DefaultSweepRetention = 30 * 24 * time.Hour
)

// CredentialManager owns the credential lifecycle: it decides whether a
// stored credential is usable, performs single-flight refresh against the
// provider, keeps the store current, and emits an audit entry for every
// operation attempt.
type CredentialManager struct {
	store          domain.TokenStore
	provider       domain.ProviderClient
	states         *auth.StateSigner
	refreshTimeout time.Duration
	expiringWindow time.Duration
	sweepRetention time.Duration
	now            func() time.Time

	// refreshGroup serializes refreshes per (user_id, service) key.
	// Entries are released by singleflight once no waiters remain.
	refreshGroup singleflight.Group
}

type CredentialManagerDependencies struct {
	Store          domain.TokenStore
	Provider       domain.ProviderClient
	States         *auth.StateSigner
	RefreshTimeout time.Duration
	ExpiringWindow time.Duration
	SweepRetention time.Duration
	Now            func() time.Time
}

func NewCredentialManager(deps CredentialManagerDependencies) *CredentialManager {
	if deps.RefreshTimeout <= 0 {
		deps.RefreshTimeout = DefaultRefreshTimeout
	}
	if deps.SweepRetention <= 0 {
		deps.SweepRetention = DefaultSweepRetention
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &CredentialManager{
		store:          deps.Store,
		provider:       deps.Provider,
		states:         deps.States,
		refreshTimeout: deps.RefreshTimeout,
		expiringWindow: deps.ExpiringWindow,
		sweepRetention: deps.SweepRetention,
		now:            deps.Now,
	}
}

// AccessTokenResult is the outcome of a token fetch.
type AccessTokenResult struct {
	AccessToken string
	TokenType   string
	Expiry      time.Time
	Refreshed   bool
}

// ObtainValidAccessToken returns an access token that is valid right now,
// refreshing through the provider when the stored one has expired. Refreshes
// are single-flight per (user_id, service): concurrent callers for the same
// key share one provider call and one store write.
func (m *CredentialManager) ObtainValidAccessToken(ctx context.Context, userID string, service domain.Service, meta domain.RequestMeta) (AccessTokenResult, error) {
	cred, err := m.store.Get(ctx, userID, service)
	if errors.Is(err, domain.ErrCredentialNotFound) {
		return AccessTokenResult{}, domain.ErrRequiresAuth
	}
	if err != nil {
		return AccessTokenResult{}, err
	}

	if !cred.Expired(m.now()) {
		m.audit(ctx, domain.AuditEntry{
			UserID:  userID,
			Service: &service,
			Action:  domain.AuditTokenAccessed,
			Details: map[string]any{"state": string(cred.State(m.now(), m.expiringWindow))},
		}, meta)

		return AccessTokenResult{
			AccessToken: cred.AccessToken,
			TokenType:   cred.TokenType,
			Expiry:      cred.Expiry,
		}, nil
	}

	key := refreshKey(userID, service)
	v, err, _ := m.refreshGroup.Do(key, func() (any, error) {
		return m.refresh(ctx, userID, service, meta)
	})
	if err != nil {
		return AccessTokenResult{}, err
	}
	return v.(AccessTokenResult), nil
}

// refresh runs inside the singleflight group. It re-reads the credential
// first: a caller that lost the race to an already-finished refresh must not
// trigger a second provider call.
func (m *CredentialManager) refresh(ctx context.Context, userID string, service domain.Service, meta domain.RequestMeta) (AccessTokenResult, error) {
	cred, err := m.store.Get(ctx, userID, service)
	if errors.Is(err, domain.ErrCredentialNotFound) {
		return AccessTokenResult{}, domain.ErrRequiresAuth
	}
	if err != nil {
		return AccessTokenResult{}, err
	}

	if !cred.Expired(m.now()) {
		return AccessTokenResult{
			AccessToken: cred.AccessToken,
			TokenType:   cred.TokenType,
			Expiry:      cred.Expiry,
			Refreshed:   true,
		}, nil
	}

	refreshCtx, cancel := context.WithTimeout(ctx, m.refreshTimeout)
	defer cancel()

	result, err := m.provider.Refresh(refreshCtx, cred.RefreshToken)
	if err != nil {
		log.Warn().
			Str("user_id", userID).
			Str("service", string(service)).
			Err(err).
			Msg("Token refresh failed, re-authentication required")

		// The credential stays in place: it still identifies the user even
		// though it can no longer be refreshed.
		m.audit(ctx, domain.AuditEntry{
			UserID:  userID,
			Service: &service,
			Action:  domain.AuditRefreshFailed,
			Details: map[string]any{"error": err.Error()},
		}, meta)

		return AccessTokenResult{}, domain.ErrRequiresAuth
	}

	updated := cred
	updated.AccessToken = result.AccessToken
	updated.Expiry = result.Expiry
	if result.RefreshToken != "" {
		updated.RefreshToken = result.RefreshToken
	}
	if result.TokenType != "" {
		updated.TokenType = result.TokenType
	}
	updated.UpdatedAt = m.now()

	if err := m.store.Upsert(ctx, updated); err != nil {
		return AccessTokenResult{}, err
	}

	m.audit(ctx, domain.AuditEntry{
		UserID:  userID,
		Service: &service,
		Action:  domain.AuditTokenRefreshed,
		Details: map[string]any{
			"access_token_preview": domain.PreviewToken(updated.AccessToken),
			"expiry":               updated.Expiry,
		},
	}, meta)

	return AccessTokenResult{
		AccessToken: updated.AccessToken,
		TokenType:   updated.TokenType,
		Expiry:      updated.Expiry,
		Refreshed:   true,
	}, nil
}

// SaveCredentialParams are the caller-supplied fields for a direct save.
// Expiry wins when both it and ExpiresIn are set.
type SaveCredentialParams struct {
	UserID       string
	Service      string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	Expiry       time.Time
	ExpiresIn    int64
}

// SaveCredential validates and upserts one credential.
func (m *CredentialManager) SaveCredential(ctx context.Context, params SaveCredentialParams, meta domain.RequestMeta) error {
	if params.Expiry.IsZero() && params.ExpiresIn > 0 {
		params.Expiry = m.now().Add(time.Duration(params.ExpiresIn) * time.Second)
	}

	var missing []string
	if strings.TrimSpace(params.UserID) == "" {
		missing = append(missing, "user_id")
	}
	if strings.TrimSpace(params.AccessToken) == "" {
		missing = append(missing, "access_token")
	}
	if strings.TrimSpace(params.RefreshToken) == "" {
		missing = append(missing, "refresh_token")
	}
	if params.Expiry.IsZero() {
		missing = append(missing, "expiry")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing fields: %s", domain.ErrValidation, strings.Join(missing, ", "))
	}

	service, err := domain.ParseService(params.Service)
	if err != nil {
		return err
	}

	tokenType := params.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	cred := domain.Credential{
		UserID:       params.UserID,
		Service:      service,
		AccessToken:  params.AccessToken,
		RefreshToken: params.RefreshToken,
		TokenType:    tokenType,
		Scope:        params.Scope,
		Expiry:       params.Expiry,
		UpdatedAt:    m.now(),
	}

	if err := m.store.Upsert(ctx, cred); err != nil {
		return err
	}

	m.audit(ctx, domain.AuditEntry{
		UserID:  params.UserID,
		Service: &service,
		Action:  domain.AuditTokensCreated,
		Details: map[string]any{"source": "direct_save", "expiry": cred.Expiry},
	}, meta)

	return nil
}

// StartAuth mints a signed state for the user and returns the provider
// consent URL.
func (m *CredentialManager) StartAuth(ctx context.Context, userID string, meta domain.RequestMeta) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("%w: missing fields: user_id", domain.ErrValidation)
	}

	state, err := m.states.Sign(userID)
	if err != nil {
		return "", fmt.Errorf("failed to create auth state: %w", err)
	}

	m.audit(ctx, domain.AuditEntry{
		UserID: userID,
		Action: domain.AuditAuthStarted,
	}, meta)

	return m.provider.AuthCodeURL(state), nil
}

// HandleAuthCallback exchanges the authorization code, maps the granted
// scopes to services, and stores one credential per service. Returns the
// services that were connected.
func (m *CredentialManager) HandleAuthCallback(ctx context.Context, code, state string, meta domain.RequestMeta) ([]domain.Service, error) {
	if strings.TrimSpace(code) == "" || strings.TrimSpace(state) == "" {
		return nil, fmt.Errorf("%w: missing fields: code, state", domain.ErrValidation)
	}

	userID, err := m.states.Verify(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, m.refreshTimeout)
	defer cancel()

	result, err := m.provider.ExchangeCode(exchangeCtx, code)
	if err != nil {
		m.audit(ctx, domain.AuditEntry{
			UserID:  userID,
			Action:  domain.AuditAuthFailed,
			Details: map[string]any{"stage": "exchange", "error": err.Error()},
		}, meta)
		return nil, err
	}

	services := m.provider.ServicesForScope(result.Scope)
	if len(services) == 0 {
		m.audit(ctx, domain.AuditEntry{
			UserID:  userID,
			Action:  domain.AuditAuthFailed,
			Details: map[string]any{"stage": "scope_mapping", "scope": result.Scope},
		}, meta)
		return nil, fmt.Errorf("%w: granted scopes match no supported service", domain.ErrValidation)
	}

	tokenType := result.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	for _, service := range services {
		cred := domain.Credential{
			UserID:       userID,
			Service:      service,
			AccessToken:  result.AccessToken,
			RefreshToken: result.RefreshToken,
			TokenType:    tokenType,
			Scope:        result.Scope,
			Expiry:       result.Expiry,
			UpdatedAt:    m.now(),
		}
		if err := m.store.Upsert(ctx, cred); err != nil {
			return nil, err
		}

		m.audit(ctx, domain.AuditEntry{
			UserID:  userID,
			Service: &service,
			Action:  domain.AuditTokensCreated,
			Details: map[string]any{"source": "auth_callback", "scope": result.Scope},
		}, meta)
	}

	return services, nil
}

// RevokeAll deletes every stored credential for the user. The provider is
// notified best-effort per service; a failed upstream revoke never blocks
// local deletion. One audit entry enumerates every service actually deleted.
func (m *CredentialManager) RevokeAll(ctx context.Context, userID string, meta domain.RequestMeta) ([]domain.Service, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: missing fields: user_id", domain.ErrValidation)
	}

	creds, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, domain.ErrCredentialNotFound
	}

	var deleted []domain.Service
	var deleteErr error
	for _, cred := range creds {
		if err := m.provider.Revoke(ctx, cred.AccessToken); err != nil {
			log.Warn().
				Str("user_id", userID).
				Str("service", string(cred.Service)).
				Err(err).
				Msg("Provider revoke failed, deleting credential locally anyway")
		}

		if err := m.store.Delete(ctx, userID, cred.Service); err != nil {
			log.Error().
				Str("user_id", userID).
				Str("service", string(cred.Service)).
				Err(err).
				Msg("Failed to delete credential")
			deleteErr = err
			continue
		}
		deleted = append(deleted, cred.Service)
	}

	serviceNames := make([]string, len(deleted))
	for i, svc := range deleted {
		serviceNames[i] = string(svc)
	}
	m.audit(ctx, domain.AuditEntry{
		UserID:  userID,
		Action:  domain.AuditTokensRevoked,
		Details: map[string]any{"services": serviceNames},
	}, meta)

	if deleteErr != nil {
		return deleted, deleteErr
	}
	return deleted, nil
}

// ServiceStatus is the read-only connection projection for one service.
type ServiceStatus struct {
	Connected bool                   `json:"connected"`
	State     domain.CredentialState `json:"state"`
	Expiry    *time.Time             `json:"expiry,omitempty"`
}

// CheckStatus reports per-service connection state without mutating
// anything; it never triggers a refresh.
func (m *CredentialManager) CheckStatus(ctx context.Context, userID string) (map[domain.Service]ServiceStatus, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: missing fields: user_id", domain.ErrValidation)
	}

	now := m.now()
	statuses := make(map[domain.Service]ServiceStatus, len(domain.AllServices))
	for _, service := range domain.AllServices {
		statuses[service] = ServiceStatus{State: domain.StateAbsent}
	}

	creds, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	for _, cred := range creds {
		expiry := cred.Expiry
		statuses[cred.Service] = ServiceStatus{
			Connected: !cred.Expired(now),
			State:     cred.State(now, m.expiringWindow),
			Expiry:    &expiry,
		}
	}

	return statuses, nil
}

// GetStoredToken returns the stored access token without attempting a
// refresh. Expired tokens are reported as such, not refreshed.
func (m *CredentialManager) GetStoredToken(ctx context.Context, userID string, service domain.Service, meta domain.RequestMeta) (domain.Credential, error) {
	cred, err := m.store.Get(ctx, userID, service)
	if err != nil {
		return domain.Credential{}, err
	}

	if cred.Expired(m.now()) {
		// The denied access is still an operation attempt and gets its own
		// audit entry.
		m.audit(ctx, domain.AuditEntry{
			UserID:  userID,
			Service: &service,
			Action:  domain.AuditTokenAccessed,
			Details: map[string]any{"read_only": true, "granted": false, "state": string(domain.StateExpired)},
		}, meta)
		return cred, domain.ErrTokenExpired
	}

	m.audit(ctx, domain.AuditEntry{
		UserID:  userID,
		Service: &service,
		Action:  domain.AuditTokenAccessed,
		Details: map[string]any{"read_only": true, "granted": true},
	}, meta)

	return cred, nil
}

// Verify asks the provider whether the stored access token is currently
// recognized, returning the provider-reported identity when it is.
func (m *CredentialManager) Verify(ctx context.Context, userID string, service domain.Service, meta domain.RequestMeta) (domain.VerifyResult, error) {
	cred, err := m.store.Get(ctx, userID, service)
	if errors.Is(err, domain.ErrCredentialNotFound) {
		return domain.VerifyResult{}, domain.ErrRequiresAuth
	}
	if err != nil {
		return domain.VerifyResult{}, err
	}

	verifyCtx, cancel := context.WithTimeout(ctx, m.refreshTimeout)
	defer cancel()

	result := m.provider.Verify(verifyCtx, cred.AccessToken)

	m.audit(ctx, domain.AuditEntry{
		UserID:  userID,
		Service: &service,
		Action:  domain.AuditVerifyPerformed,
		Details: map[string]any{"valid": result.Valid},
	}, meta)

	return result, nil
}

// SweepExpired deletes credentials whose expiry is past the retention
// horizon. Housekeeping only; correctness never depends on it.
func (m *CredentialManager) SweepExpired(ctx context.Context) (int64, error) {
	cutoff := m.now().Add(-m.sweepRetention)

	deleted, err := m.store.DeleteExpiredBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("Swept long-expired credentials")
	}
	return deleted, nil
}

// StartSweeper schedules SweepExpired on the given cron expression
// (e.g. "@hourly"). The returned stop function halts the scheduler.
func (m *CredentialManager) StartSweeper(schedule string) (func(), error) {
	c := cron.New()
	err := c.AddFunc(schedule, func() {
		if _, err := m.SweepExpired(context.Background()); err != nil {
			log.Error().Err(err).Msg("Credential sweep failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	c.Start()
	return c.Stop, nil
}

// audit appends one entry to the audit log. A failed audit write must not
// fail the caller's primary operation; it is logged for operators instead.
func (m *CredentialManager) audit(ctx context.Context, entry domain.AuditEntry, meta domain.RequestMeta) {
	entry.IPAddress = meta.IPAddress
	entry.UserAgent = meta.UserAgent
	entry.CreatedAt = m.now()

	if _, err := m.store.AppendAudit(ctx, entry); err != nil {
		log.Warn().
			Str("action", string(entry.Action)).
			Str("user_id", entry.UserID).
			Err(err).
			Msg("Failed to append audit entry")
	}
}

func refreshKey(userID string, service domain.Service) string {
	return userID + "|" + string(service)
}
