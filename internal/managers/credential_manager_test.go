package managers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenbroker/tokenbroker/internal/auth"
	"github.com/tokenbroker/tokenbroker/internal/domain"
	"github.com/tokenbroker/tokenbroker/internal/storage"
)

type fakeProvider struct {
	mu             sync.Mutex
	refreshCalls   int
	refreshResult  domain.TokenResult
	refreshErr     error
	exchangeResult domain.TokenResult
	exchangeErr    error
	revokeErrs     map[string]error // keyed by access token
	revokeCalls    []string
	verifyResult   domain.VerifyResult
}

func (p *fakeProvider) AuthCodeURL(state string) string {
	return "https://provider.example.com/auth?state=" + state
}

func (p *fakeProvider) ExchangeCode(_ context.Context, code string) (domain.TokenResult, error) {
	if p.exchangeErr != nil {
		return domain.TokenResult{}, p.exchangeErr
	}
	return p.exchangeResult, nil
}

func (p *fakeProvider) Refresh(_ context.Context, refreshToken string) (domain.TokenResult, error) {
	p.mu.Lock()
	p.refreshCalls++
	p.mu.Unlock()

	// Widen the in-flight window so concurrent callers overlap.
	time.Sleep(20 * time.Millisecond)

	if p.refreshErr != nil {
		return domain.TokenResult{}, p.refreshErr
	}
	return p.refreshResult, nil
}

func (p *fakeProvider) Revoke(_ context.Context, accessToken string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revokeCalls = append(p.revokeCalls, accessToken)
	return p.revokeErrs[accessToken]
}

func (p *fakeProvider) Verify(_ context.Context, accessToken string) domain.VerifyResult {
	return p.verifyResult
}

func (p *fakeProvider) ServicesForScope(scope string) []domain.Service {
	var services []domain.Service
	if strings.Contains(scope, "mail") {
		services = append(services, domain.ServiceMail)
	}
	if strings.Contains(scope, "calendar") {
		services = append(services, domain.ServiceCalendar)
	}
	return services
}

func (p *fakeProvider) refreshCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshCalls
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, provider *fakeProvider) (*CredentialManager, *storage.MemoryStore, *testClock) {
	t.Helper()

	store := storage.NewMemoryStore()
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	manager := NewCredentialManager(CredentialManagerDependencies{
		Store:          store,
		Provider:       provider,
		States:         auth.NewStateSigner("test-signing-key", time.Minute),
		RefreshTimeout: time.Second,
		SweepRetention: 30 * 24 * time.Hour,
		Now:            clock.Now,
	})

	return manager, store, clock
}

func auditActions(store *storage.MemoryStore, action domain.AuditAction) []domain.AuditEntry {
	var matched []domain.AuditEntry
	for _, entry := range store.AuditEntries() {
		if entry.Action == action {
			matched = append(matched, entry)
		}
	}
	return matched
}

func saveValid(t *testing.T, manager *CredentialManager, clock *testClock, userID string, service domain.Service) {
	t.Helper()

	err := manager.SaveCredential(context.Background(), SaveCredentialParams{
		UserID:       userID,
		Service:      string(service),
		AccessToken:  "access-" + string(service),
		RefreshToken: "refresh-" + string(service),
		Expiry:       clock.Now().Add(time.Hour),
	}, domain.RequestMeta{IPAddress: "192.0.2.1", UserAgent: "test"})
	require.NoError(t, err)
}

func TestSaveCredentialValidation(t *testing.T) {
	manager, _, clock := newTestManager(t, &fakeProvider{})

	tests := []struct {
		name    string
		params  SaveCredentialParams
		wantErr error
	}{
		{
			name: "invalid service",
			params: SaveCredentialParams{
				UserID:       "u1",
				Service:      "contacts",
				AccessToken:  "a",
				RefreshToken: "r",
				Expiry:       clock.Now().Add(time.Hour),
			},
			wantErr: domain.ErrInvalidService,
		},
		{
			name: "missing user id",
			params: SaveCredentialParams{
				Service:      "mail",
				AccessToken:  "a",
				RefreshToken: "r",
				Expiry:       clock.Now().Add(time.Hour),
			},
			wantErr: domain.ErrValidation,
		},
		{
			name: "missing tokens",
			params: SaveCredentialParams{
				UserID:  "u1",
				Service: "mail",
				Expiry:  clock.Now().Add(time.Hour),
			},
			wantErr: domain.ErrValidation,
		},
		{
			name: "missing expiry",
			params: SaveCredentialParams{
				UserID:       "u1",
				Service:      "mail",
				AccessToken:  "a",
				RefreshToken: "r",
			},
			wantErr: domain.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := manager.SaveCredential(context.Background(), tt.params, domain.RequestMeta{})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestObtainValidAccessTokenBeforeExpiry(t *testing.T) {
	provider := &fakeProvider{}
	manager, store, clock := newTestManager(t, provider)

	saveValid(t, manager, clock, "u1", domain.ServiceMail)

	result, err := manager.ObtainValidAccessToken(context.Background(), "u1", domain.ServiceMail, domain.RequestMeta{})
	require.NoError(t, err)

	assert.Equal(t, "access-mail", result.AccessToken)
	assert.False(t, result.Refreshed)
	assert.Zero(t, provider.refreshCount())
	assert.Empty(t, auditActions(store, domain.AuditTokenRefreshed))
	assert.Len(t, auditActions(store, domain.AuditTokenAccessed), 1)
}

func TestObtainValidAccessTokenAbsent(t *testing.T) {
	manager, _, _ := newTestManager(t, &fakeProvider{})

	_, err := manager.ObtainValidAccessToken(context.Background(), "nobody", domain.ServiceMail, domain.RequestMeta{})
	assert.ErrorIs(t, err, domain.ErrRequiresAuth)
}

func TestObtainValidAccessTokenRefreshesExpired(t *testing.T) {
	provider := &fakeProvider{}
	manager, store, clock := newTestManager(t, provider)

	saveValid(t, manager, clock, "u1", domain.ServiceMail)
	clock.Advance(2 * time.Hour)

	provider.refreshResult = domain.TokenResult{
		AccessToken: "access-new",
		TokenType:   "Bearer",
		Expiry:      clock.Now().Add(time.Hour),
	}

	result, err := manager.ObtainValidAccessToken(context.Background(), "u1", domain.ServiceMail, domain.RequestMeta{})
	require.NoError(t, err)

	assert.Equal(t, "access-new", result.AccessToken)
	assert.True(t, result.Refreshed)
	assert.Equal(t, 1, provider.refreshCount())

	// refresh_token is preserved when the provider does not rotate it
	cred, err := store.Get(context.Background(), "u1", domain.ServiceMail)
	require.NoError(t, err)
	assert.Equal(t, "refresh-mail", cred.RefreshToken)
	assert.True(t, cred.Expiry.After(clock.Now()))

	assert.Len(t, auditActions(store, domain.AuditTokenRefreshed), 1)
}

func TestObtainValidAccessTokenRotatesRefreshToken(t *testing.T) {
	provider := &fakeProvider{}
	manager, store, clock := newTestManager(t, provider)

	saveValid(t, manager, clock, "u1", domain.ServiceMail)
	clock.Advance(2 * time.Hour)

	provider.refreshResult = domain.TokenResult{
		AccessToken:  "access-new",
		RefreshToken: "refresh-rotated",
		Expiry:       clock.Now().Add(time.Hour),
	}

	_, err := manager.ObtainValidAccessToken(context.Background(), "u1", domain.ServiceMail, domain.RequestMeta{})
	require.NoError(t, err)

	cred, err := store.Get(context.Background(), "u1", domain.ServiceMail)
	require.NoError(t, err)
	assert.Equal(t, "refresh-rotated", cred.RefreshToken)
}

func TestObtainValidAccessTokenSingleFlight(t *testing.T) {
	provider := &fakeProvider{}
	manager, store, clock := newTestManager(t, provider)

	saveValid(t, manager, clock, "u1", domain.ServiceMail)
	clock.Advance(2 * time.Hour)

	provider.refreshResult = domain.TokenResult{
		AccessToken: "access-new",
		Expiry:      clock.Now().Add(time.Hour),
	}

	const callers = 20
	var wg sync.WaitGroup
	results := make([]AccessTokenResult, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = manager.ObtainValidAccessToken(context.Background(), "u1", domain.ServiceMail, domain.RequestMeta{})
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-new", results[i].AccessToken)
	}

	// Exactly one upstream call and one refresh audit entry for the key.
	assert.Equal(t, 1, provider.refreshCount())
	assert.Len(t, auditActions(store, domain.AuditTokenRefreshed), 1)
}

func TestSingleFlightDoesNotBlockOtherKeys(t *testing.T) {
	provider := &fakeProvider{}
	manager, _, clock := newTestManager(t, provider)

	saveValid(t, manager, clock, "u1", domain.ServiceMail)
	saveValid(t, manager, clock, "u1", domain.ServiceCalendar)
	clock.Advance(2 * time.Hour)

	provider.refreshResult = domain.TokenResult{
		AccessToken: "access-new",
		Expiry:      clock.Now().Add(time.Hour),
	}

	var wg sync.WaitGroup
	for _, service := range domain.AllServices {
		wg.Add(1)
		go func(service domain.Service) {
			defer wg.Done()
			_, err := manager.ObtainValidAccessToken(context.Background(), "u1", service, domain.RequestMeta{})
			assert.NoError(t, err)
		}(service)
	}
	wg.Wait()

	// One refresh per key, not one globally.
	assert.Equal(t, 2, provider.refreshCount())
}

func TestObtainValidAccessTokenRefreshFailure(t *testing.T) {
	provider := &fakeProvider{refreshErr: fmt.Errorf("%w: token refresh failed", domain.ErrUpstream)}
	manager, store, clock := newTestManager(t, provider)

	saveValid(t, manager, clock, "u1", domain.ServiceMail)
	clock.Advance(2 * time.Hour)

	_, err := manager.ObtainValidAccessToken(context.Background(), "u1", domain.ServiceMail, domain.RequestMeta{})
	assert.ErrorIs(t, err, domain.ErrRequiresAuth)

	// The credential is kept: it still identifies the user.
	_, err = store.Get(context.Background(), "u1", domain.ServiceMail)
	require.NoError(t, err)

	assert.Len(t, auditActions(store, domain.AuditRefreshFailed), 1)
	assert.Empty(t, auditActions(store, domain.AuditTokenRefreshed))
}

func TestRevokeAllDeletesDespiteProviderFailure(t *testing.T) {
	provider := &fakeProvider{
		revokeErrs: map[string]error{
			"access-mail": errors.New("provider unavailable"),
		},
	}
	manager, store, clock := newTestManager(t, provider)

	saveValid(t, manager, clock, "u1", domain.ServiceMail)
	saveValid(t, manager, clock, "u1", domain.ServiceCalendar)

	deleted, err := manager.RevokeAll(context.Background(), "u1", domain.RequestMeta{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.Service{domain.ServiceMail, domain.ServiceCalendar}, deleted)

	creds, err := store.ListByUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, creds)

	// One audit entry enumerating every deleted service, not one per service.
	entries := auditActions(store, domain.AuditTokensRevoked)
	require.Len(t, entries, 1)
	assert.ElementsMatch(t, []any{"mail", "calendar"}, entries[0].Details["services"])
}

func TestRevokeAllNothingStored(t *testing.T) {
	manager, _, _ := newTestManager(t, &fakeProvider{})

	_, err := manager.RevokeAll(context.Background(), "u1", domain.RequestMeta{})
	assert.ErrorIs(t, err, domain.ErrCredentialNotFound)
}

func TestCheckStatusIsReadOnly(t *testing.T) {
	provider := &fakeProvider{}
	manager, store, clock := newTestManager(t, provider)

	saveValid(t, manager, clock, "u1", domain.ServiceMail)
	clock.Advance(2 * time.Hour)

	statuses, err := manager.CheckStatus(context.Background(), "u1")
	require.NoError(t, err)

	assert.False(t, statuses[domain.ServiceMail].Connected)
	assert.Equal(t, domain.StateExpired, statuses[domain.ServiceMail].State)
	assert.False(t, statuses[domain.ServiceCalendar].Connected)
	assert.Equal(t, domain.StateAbsent, statuses[domain.ServiceCalendar].State)

	// Status must never trigger a refresh.
	assert.Zero(t, provider.refreshCount())
	assert.Empty(t, auditActions(store, domain.AuditTokenRefreshed))
}

func TestGetStoredTokenExpired(t *testing.T) {
	manager, store, clock := newTestManager(t, &fakeProvider{})

	saveValid(t, manager, clock, "u1", domain.ServiceMail)
	clock.Advance(2 * time.Hour)

	_, err := manager.GetStoredToken(context.Background(), "u1", domain.ServiceMail, domain.RequestMeta{})
	assert.ErrorIs(t, err, domain.ErrTokenExpired)

	// The denied read is an operation attempt and must leave a trail.
	accessed := auditActions(store, domain.AuditTokenAccessed)
	require.Len(t, accessed, 1)
	assert.Equal(t, false, accessed[0].Details["granted"])
	assert.Equal(t, string(domain.StateExpired), accessed[0].Details["state"])
}

func TestSaveCredentialExpiresInUsesManagerClock(t *testing.T) {
	manager, store, clock := newTestManager(t, &fakeProvider{})

	err := manager.SaveCredential(context.Background(), SaveCredentialParams{
		UserID:       "u1",
		Service:      "mail",
		AccessToken:  "a",
		RefreshToken: "r",
		ExpiresIn:    3600,
	}, domain.RequestMeta{})
	require.NoError(t, err)

	cred, err := store.Get(context.Background(), "u1", domain.ServiceMail)
	require.NoError(t, err)
	assert.True(t, cred.Expiry.Equal(clock.Now().Add(time.Hour)))
}

func TestStartAuthAndCallbackRoundTrip(t *testing.T) {
	provider := &fakeProvider{}
	manager, store, clock := newTestManager(t, provider)

	authURL, err := manager.StartAuth(context.Background(), "u1", domain.RequestMeta{})
	require.NoError(t, err)
	require.Contains(t, authURL, "state=")

	state := authURL[strings.Index(authURL, "state=")+len("state="):]

	provider.exchangeResult = domain.TokenResult{
		AccessToken:  "access-granted",
		RefreshToken: "refresh-granted",
		Scope:        "provider.mail provider.calendar",
		Expiry:       clock.Now().Add(time.Hour),
	}

	services, err := manager.HandleAuthCallback(context.Background(), "code-123", state, domain.RequestMeta{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.Service{domain.ServiceMail, domain.ServiceCalendar}, services)

	for _, service := range domain.AllServices {
		cred, err := store.Get(context.Background(), "u1", service)
		require.NoError(t, err)
		assert.Equal(t, "access-granted", cred.AccessToken)
	}

	assert.Len(t, auditActions(store, domain.AuditAuthStarted), 1)
	assert.Len(t, auditActions(store, domain.AuditTokensCreated), 2)
}

func TestHandleAuthCallbackExchangeFailureIsAudited(t *testing.T) {
	provider := &fakeProvider{exchangeErr: fmt.Errorf("%w: code exchange failed", domain.ErrUpstream)}
	manager, store, _ := newTestManager(t, provider)

	authURL, err := manager.StartAuth(context.Background(), "u1", domain.RequestMeta{})
	require.NoError(t, err)
	state := authURL[strings.Index(authURL, "state=")+len("state="):]

	_, err = manager.HandleAuthCallback(context.Background(), "code-123", state, domain.RequestMeta{})
	assert.ErrorIs(t, err, domain.ErrUpstream)

	// A failed consent round-trip must leave more than the auth_started entry.
	failed := auditActions(store, domain.AuditAuthFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "u1", failed[0].UserID)
	assert.Equal(t, "exchange", failed[0].Details["stage"])
	assert.Empty(t, auditActions(store, domain.AuditTokensCreated))
}

func TestHandleAuthCallbackUnmatchedScopesAudited(t *testing.T) {
	provider := &fakeProvider{exchangeResult: domain.TokenResult{
		AccessToken:  "access-granted",
		RefreshToken: "refresh-granted",
		Scope:        "provider.contacts",
		Expiry:       time.Now().Add(time.Hour),
	}}
	manager, store, _ := newTestManager(t, provider)

	authURL, err := manager.StartAuth(context.Background(), "u1", domain.RequestMeta{})
	require.NoError(t, err)
	state := authURL[strings.Index(authURL, "state=")+len("state="):]

	_, err = manager.HandleAuthCallback(context.Background(), "code-123", state, domain.RequestMeta{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	failed := auditActions(store, domain.AuditAuthFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "scope_mapping", failed[0].Details["stage"])
}

func TestHandleAuthCallbackRejectsForgedState(t *testing.T) {
	manager, _, _ := newTestManager(t, &fakeProvider{})

	_, err := manager.HandleAuthCallback(context.Background(), "code-123", "not-a-valid-state", domain.RequestMeta{})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestVerifyUsesStoredToken(t *testing.T) {
	provider := &fakeProvider{verifyResult: domain.VerifyResult{Valid: true, Identity: "u1@example.com"}}
	manager, store, clock := newTestManager(t, provider)

	saveValid(t, manager, clock, "u1", domain.ServiceMail)

	result, err := manager.Verify(context.Background(), "u1", domain.ServiceMail, domain.RequestMeta{})
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, "u1@example.com", result.Identity)
	assert.Len(t, auditActions(store, domain.AuditVerifyPerformed), 1)
}

func TestSweepExpiredHonorsRetention(t *testing.T) {
	manager, store, clock := newTestManager(t, &fakeProvider{})

	// Long-dead credential, past the retention horizon.
	require.NoError(t, store.Upsert(context.Background(), domain.Credential{
		UserID:      "stale",
		Service:     domain.ServiceMail,
		AccessToken: "a", RefreshToken: "r",
		Expiry: clock.Now().Add(-31 * 24 * time.Hour),
	}))
	// Recently expired credential, still refreshable.
	require.NoError(t, store.Upsert(context.Background(), domain.Credential{
		UserID:      "recent",
		Service:     domain.ServiceMail,
		AccessToken: "a", RefreshToken: "r",
		Expiry: clock.Now().Add(-time.Hour),
	}))

	deleted, err := manager.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.Get(context.Background(), "stale", domain.ServiceMail)
	assert.ErrorIs(t, err, domain.ErrCredentialNotFound)
	_, err = store.Get(context.Background(), "recent", domain.ServiceMail)
	assert.NoError(t, err)
}
