package auth

import (
	"errors"
	"fmt"
	"time"
)

// Errors surfaced to callers. Every backend failure is converted to one of these at the
// flow boundary; match them with errors.Is.
var (
	ErrInvalidCredential     = errors.New("invalid email or password")
	ErrInvalidOrExpiredCode  = errors.New("code is invalid or has expired")
	ErrEmailInUse            = errors.New("an account with this email already exists")
	ErrWeakCredential        = errors.New("password does not meet requirements")
	ErrExpiredOrInvalidToken = errors.New("recovery link is invalid or has expired")
	ErrProvider              = errors.New("sign-in provider error")
	ErrNotSignedIn           = errors.New("not signed in")
	ErrCooldownActive        = errors.New("please wait before requesting another code")
	ErrNetwork               = errors.New("network error")
	ErrInvalidInput          = errors.New("invalid input")
)

// Error records which operation failed, the taxonomy kind and the underlying cause.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// CooldownError is returned when a passcode is requested again before the resend window
// has elapsed.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%v (%s remaining)", ErrCooldownActive, e.Remaining.Round(time.Second))
}

func (e *CooldownError) Unwrap() error { return ErrCooldownActive }

func fail(op string, kind, cause error) error {
	return &Error{Op: op, Kind: kind, Err: cause}
}
