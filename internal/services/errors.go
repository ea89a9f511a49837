package services

import (
	"errors"
	"fmt"
	"time"
)

// Stable error kinds surfaced to API callers.
const (
	KindValidation        = "validation_error"
	KindAuthorization     = "authorization_error"
	KindNotFound          = "not_found"
	KindInsufficientFunds = "insufficient_funds"
	KindStateConflict     = "state_conflict"
	KindChallengeExpired  = "challenge_expired"
	KindDecryption        = "decryption_error"
	KindRateLimit         = "rate_limited"
)

// KindedError is implemented by every error the API maps to a response.
type KindedError interface {
	error
	Kind() string
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Kind() string { return KindValidation }

type AuthorizationError struct {
	Message string
}

func (e *AuthorizationError) Error() string { return e.Message }
func (e *AuthorizationError) Kind() string  { return KindAuthorization }

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) Kind() string { return KindNotFound }

type InsufficientFundsError struct {
	UserID    string
	Required  int64
	Available int64
	Escrow    bool
}

func (e *InsufficientFundsError) Error() string {
	if e.Escrow {
		return fmt.Sprintf("insufficient escrow balance: have %d, need %d", e.Available, e.Required)
	}
	return fmt.Sprintf("insufficient balance: have %d, need %d", e.Available, e.Required)
}

func (e *InsufficientFundsError) Kind() string { return KindInsufficientFunds }

type StateConflictError struct {
	ChallengeID string
	Expected    string
	Actual      string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("challenge %s is %s, expected %s", e.ChallengeID, e.Actual, e.Expected)
}

func (e *StateConflictError) Kind() string { return KindStateConflict }

// ChallengeExpiredError is returned by accept when the challenge had already
// passed its expiry; the expire transition has been applied.
type ChallengeExpiredError struct {
	ChallengeID  string
	RefundAmount int64
}

func (e *ChallengeExpiredError) Error() string {
	return fmt.Sprintf("challenge %s has expired and the challenger was refunded", e.ChallengeID)
}

func (e *ChallengeExpiredError) Kind() string { return KindChallengeExpired }

type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string { return fmt.Sprintf("decrypt envelope: %v", e.Err) }
func (e *DecryptionError) Unwrap() error { return e.Err }
func (e *DecryptionError) Kind() string  { return KindDecryption }

type RateLimitError struct {
	Operation  string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry in %s", e.Operation, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Kind() string { return KindRateLimit }

// ErrorKind returns the kind of err, or "" for internal errors.
func ErrorKind(err error) string {
	var ke KindedError
	if errors.As(err, &ke) {
		return ke.Kind()
	}
	return ""
}
