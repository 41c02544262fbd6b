// Package identity describes the remote identity service the session core depends on.
// The service owns credentials, sessions, one-time passcodes and federated sign-in; this
// package only defines the capability set and the values it hands back.
package identity

import (
	"context"
	"time"
)

// OTPType selects which kind of one-time passcode is being verified.
type OTPType string

const (
	OTPTypeEmail    OTPType = "email"    // passcode sign-in of an existing account
	OTPTypeSignup   OTPType = "signup"   // passcode confirming a new registration
	OTPTypeRecovery OTPType = "recovery" // passcode issued with a recovery link
)

// EventKind classifies a session-change notification.
type EventKind string

const (
	EventInitialSession   EventKind = "INITIAL_SESSION"
	EventSignedIn         EventKind = "SIGNED_IN"
	EventSignedOut        EventKind = "SIGNED_OUT"
	EventTokenRefreshed   EventKind = "TOKEN_REFRESHED"
	EventUserUpdated      EventKind = "USER_UPDATED"
	EventPasswordRecovery EventKind = "PASSWORD_RECOVERY"
)

// Handle identifies a signed-in principal. Handles are replaced wholesale on every change.
type Handle struct {
	Subject      string // Subject id issued by the identity service
	AccessToken  string // Bearer token material
	RefreshToken string
}

// Session is live proof of a signed-in principal. Only backends construct sessions.
type Session struct {
	Handle    Handle
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Subject returns the subject id of the session, or "" for a nil session.
func (s *Session) Subject() string {
	if s == nil {
		return ""
	}
	return s.Handle.Subject
}

// Expired reports whether the session has passed its expiry at the given time.
func (s *Session) Expired(now time.Time) bool {
	return s != nil && !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Metadata is what the identity service knows about a principal.
type Metadata struct {
	Subject     string
	Email       string
	DisplayName string
	Claims      map[string]any
}

// Event is a single session-change notification. Session is nil on sign out.
type Event struct {
	Kind    EventKind
	Session *Session
}

// SignUpRequest carries a registration.
type SignUpRequest struct {
	Email       string
	Password    string
	DisplayName string
	RedirectTo  string
}

// OTPRequest asks the service to send a one-time passcode.
type OTPRequest struct {
	Email string
	// CreateUser allows the service to create an account for an unknown email. Login
	// passcodes must always set this to false.
	CreateUser bool
}

// Backend is the identity service capability set.
type Backend interface {
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	// SignUp returns a nil session when the service requires the email to be confirmed first.
	SignUp(ctx context.Context, req SignUpRequest) (*Session, error)
	SignInWithOTP(ctx context.Context, req OTPRequest) error
	VerifyOTP(ctx context.Context, email, code string, otpType OTPType) (*Session, error)
	// SignInWithOAuth returns the URL the user agent must be sent to.
	SignInWithOAuth(ctx context.Context, provider, redirectTo string) (string, error)
	ExchangeCodeForSession(ctx context.Context, code string) (*Session, error)
	ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error
	ExchangeRecoveryToken(ctx context.Context, token string) (*Session, error)
	UpdatePassword(ctx context.Context, password string) error
	SignOut(ctx context.Context) error
	// GetSession returns the current session or nil when nobody is signed in.
	GetSession(ctx context.Context) (*Session, error)
	GetUser(ctx context.Context, handle Handle) (*Metadata, error)
	// OnSessionChange registers callback and returns a function that removes it.
	OnSessionChange(callback func(Event)) (unsubscribe func())
}
