package identity

import "errors"

// Errors returned by Backend implementations. Callers match them with errors.Is.
var (
	ErrInvalidCredentials = errors.New("invalid login credentials")
	ErrUserExists         = errors.New("user already registered")
	ErrWeakPassword       = errors.New("password is too weak")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidOTP         = errors.New("otp invalid or expired")
	ErrInvalidToken       = errors.New("token invalid or expired")
	ErrNoSession          = errors.New("no active session")
	ErrProvider           = errors.New("oauth provider error")
	ErrTransport          = errors.New("identity service unreachable")
)
