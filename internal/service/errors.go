package service

import (
	"errors"
	"fmt"
	"time"
)

// MFA service errors
var (
	ErrMFAAlreadyEnabled  = errors.New("MFA method already enabled")
	ErrMFANotSetUp        = errors.New("MFA method not set up")
	ErrMFANotEnabled      = errors.New("MFA method not enabled")
	ErrMFAInvalidCode     = errors.New("invalid MFA code")
	ErrMFALockedOut       = errors.New("too many failed MFA attempts")
	ErrMFANoBackupCodes   = errors.New("no backup codes remaining")
	ErrUnsupportedMethod  = errors.New("unsupported MFA method")
	ErrInvalidPhoneNumber = errors.New("invalid phone number")
	ErrSMSResendCooldown  = errors.New("SMS code recently sent, please wait")
	ErrInvalidInput       = errors.New("invalid input")
)

// LockedOutError is returned while a (principal, channel) lockout is active
type LockedOutError struct {
	Channel string
	RetryAt time.Time
	// Attempts is the failure count that triggered the lockout, 0 when the
	// lockout was already in place
	Attempts int
}

func (e *LockedOutError) Error() string {
	return fmt.Sprintf("%s: %s locked until %s", ErrMFALockedOut, e.Channel, e.RetryAt.UTC().Format(time.RFC3339))
}

func (e *LockedOutError) Unwrap() error { return ErrMFALockedOut }

// RetryAfter returns how long until the lockout lifts
func (e *LockedOutError) RetryAfter(now time.Time) time.Duration {
	if d := e.RetryAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// InvalidCodeError is returned for a definitive wrong code
type InvalidCodeError struct {
	Channel string
	// RemainingAttempts is only meaningful when Throttled is true
	RemainingAttempts int
	Throttled         bool
}

func (e *InvalidCodeError) Error() string {
	if e.Throttled {
		return fmt.Sprintf("%s: %d attempts remaining", ErrMFAInvalidCode, e.RemainingAttempts)
	}
	return ErrMFAInvalidCode.Error()
}

func (e *InvalidCodeError) Unwrap() error { return ErrMFAInvalidCode }

// ValidationError rejects malformed input before any state change
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidInput
}
