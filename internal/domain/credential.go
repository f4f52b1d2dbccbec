package domain

import (
	"strings"
	"time"
)

// Service identifies which upstream capability a credential grants access to.
type Service string

const (
	ServiceMail     Service = "mail"
	ServiceCalendar Service = "calendar"
)

// AllServices is the closed set of services the broker manages credentials for.
var AllServices = []Service{ServiceMail, ServiceCalendar}

// ParseService validates a caller-supplied service name against the closed set.
func ParseService(s string) (Service, error) {
	switch Service(strings.ToLower(strings.TrimSpace(s))) {
	case ServiceMail:
		return ServiceMail, nil
	case ServiceCalendar:
		return ServiceCalendar, nil
	}
	return "", ErrInvalidService
}

// CredentialState is the lifecycle position of a credential at a point in time.
type CredentialState string

const (
	StateAbsent   CredentialState = "absent"
	StateValid    CredentialState = "valid"
	StateExpiring CredentialState = "expiring"
	StateExpired  CredentialState = "expired"
)

// Credential is one stored access/refresh token pair for a (user, service) key.
// At most one credential exists per key; writes are upsert-by-key.
type Credential struct {
	UserID       string    `json:"user_id"`
	Service      Service   `json:"service"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenType    string    `json:"token_type"`
	Scope        string    `json:"scope"`
	Expiry       time.Time `json:"expiry"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Expired reports whether the access token must no longer be used.
func (c Credential) Expired(now time.Time) bool {
	return !now.Before(c.Expiry)
}

// State classifies the credential relative to now. A credential inside
// expiringWindow of its expiry is still usable; the state is informational.
func (c Credential) State(now time.Time, expiringWindow time.Duration) CredentialState {
	if c.Expired(now) {
		return StateExpired
	}
	if expiringWindow > 0 && !now.Before(c.Expiry.Add(-expiringWindow)) {
		return StateExpiring
	}
	return StateValid
}

// PreviewToken returns a truncated form of a bearer token safe for logs and
// audit details. Full token values are never logged.
func PreviewToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
