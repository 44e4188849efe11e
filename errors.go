package authkit

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials covers unknown email and wrong password alike.
	// It is intentionally a single generic failure: rejection bodies must
	// not reveal whether the account exists.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrAccountInactive is returned for a deactivated account, and only
	// after the password verified, so it leaks no account existence.
	ErrAccountInactive = errors.New("account is deactivated")
	// ErrAccountNotFound is the AccountProvider contract for a missing
	// account. It never surfaces to callers of the engine.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInvalidCodeFormat rejects second-factor input that is neither a
	// six-digit code nor backup-code shaped, before any verification work.
	ErrInvalidCodeFormat = errors.New("malformed verification code")
	// ErrInvalidCode rejects a well-formed but wrong, replayed, or
	// already-consumed code.
	ErrInvalidCode = errors.New("invalid verification code")
	// ErrChallengeExpired covers an expired, consumed, or unknown login
	// challenge; the caller must restart from the password step.
	ErrChallengeExpired = errors.New("login challenge expired")
	// ErrChallengeExhausted is returned when a challenge burns through its
	// attempt budget and is destroyed ahead of its TTL.
	ErrChallengeExhausted = errors.New("too many verification attempts")
	// ErrRateLimited rejects a request over its action-class budget.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrTwoFactorNotEnabled guards operations that require an active
	// second factor.
	ErrTwoFactorNotEnabled = errors.New("two-factor authentication not enabled")
	// ErrTwoFactorAlreadyEnabled guards re-enrollment of an active factor.
	ErrTwoFactorAlreadyEnabled = errors.New("two-factor authentication already enabled")
	// ErrEnrollmentNotStarted is returned when verification is attempted
	// with no pending secret.
	ErrEnrollmentNotStarted = errors.New("two-factor enrollment not started")
	// ErrStorageUnavailable is the fail-closed outcome for storage errors
	// on credential and code verification paths.
	ErrStorageUnavailable = errors.New("authentication backend unavailable")
	// ErrEngineNotReady signals a misconfigured engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// RateLimitError carries the machine-readable budget details alongside
// ErrRateLimited so callers can implement backoff.
type RateLimitError struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.ResetAt.Format(time.RFC3339))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RetryAfter returns the wait until the window resets, never negative.
func (e *RateLimitError) RetryAfter(now time.Time) time.Duration {
	d := e.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
