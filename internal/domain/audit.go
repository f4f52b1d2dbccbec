package domain

import "time"

// AuditAction is the name of a credential operation recorded in the audit log.
type AuditAction string

const (
	AuditAuthStarted     AuditAction = "auth_started"
	AuditAuthFailed      AuditAction = "auth_failed"
	AuditTokensCreated   AuditAction = "tokens_created"
	AuditTokenAccessed   AuditAction = "token_accessed"
	AuditTokenRefreshed  AuditAction = "token_refreshed"
	AuditRefreshFailed   AuditAction = "refresh_failed"
	AuditTokensRevoked   AuditAction = "tokens_revoked"
	AuditVerifyPerformed AuditAction = "verify_performed"
)

// AuditEntry is one immutable record of a credential operation attempt.
// Entries are append-only; the broker never updates or deletes them.
type AuditEntry struct {
	ID        int64          `json:"id"`
	UserID    string         `json:"user_id"`
	Service   *Service       `json:"service,omitempty"`
	Action    AuditAction    `json:"action"`
	IPAddress string         `json:"ip_address"`
	UserAgent string         `json:"user_agent"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// RequestMeta carries caller forensics attached to every audit entry.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}
