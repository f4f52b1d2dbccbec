package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation indicates missing or malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidService indicates a service outside the closed set.
	ErrInvalidService = errors.New("invalid service")

	// ErrRequiresAuth indicates no usable credential exists; the caller must
	// send the user through the consent flow again.
	ErrRequiresAuth = errors.New("re-authentication required")

	// ErrCredentialNotFound indicates no credential is stored for the key.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrTokenExpired indicates a stored access token is past its expiry.
	ErrTokenExpired = errors.New("access token expired")

	// ErrForbidden indicates the caller's IP is not allow-listed.
	ErrForbidden = errors.New("origin not allowed")

	// ErrRateLimited indicates the caller exceeded its request budget.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrUpstream indicates the OAuth provider rejected or failed a call.
	ErrUpstream = errors.New("upstream provider failure")

	// ErrStorage indicates the token store is unavailable.
	ErrStorage = errors.New("storage unavailable")
)

// RateLimitError wraps ErrRateLimited with a retry hint for the caller.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}
