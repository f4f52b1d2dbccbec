package domain

import (
	"context"
	"time"
)

// TokenStore is durable keyed storage for credentials plus the append-only
// audit log. Implementations must apply Upsert atomically per key.
type TokenStore interface {
	Upsert(ctx context.Context, cred Credential) error
	Get(ctx context.Context, userID string, service Service) (Credential, error)
	ListByUser(ctx context.Context, userID string) ([]Credential, error)
	Delete(ctx context.Context, userID string, service Service) error
	AppendAudit(ctx context.Context, entry AuditEntry) (int64, error)
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// TokenResult is the provider's response shape for exchange and refresh.
type TokenResult struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	Expiry       time.Time
}

// VerifyResult is the provider's token introspection result. Verify never
// fails with a transport error; problems surface in the Error field.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Identity string `json:"identity,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ProviderClient is the contract to the upstream OAuth provider.
type ProviderClient interface {
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (TokenResult, error)
	Refresh(ctx context.Context, refreshToken string) (TokenResult, error)
	Revoke(ctx context.Context, accessToken string) error
	Verify(ctx context.Context, accessToken string) VerifyResult
	ServicesForScope(scope string) []Service
}

// RateLimiter decides whether a client IP may proceed. A non-nil error means
// the limiter itself failed; callers must treat that as a rejection.
type RateLimiter interface {
	Allow(ctx context.Context, clientIP string) (bool, time.Duration, error)
}
