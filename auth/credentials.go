package auth

import (
	"context"
	"strings"

	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/profiles"
	"github.com/pkg/errors"
)

// RegisterOutcome tells the caller what to show after a successful registration.
type RegisterOutcome int

const (
	// RegisteredSignedIn means the identity service signed the user in immediately.
	RegisteredSignedIn RegisterOutcome = iota
	// RegisteredAwaitingCode means a confirmation code was emailed and must be verified
	// through the passcode flow.
	RegisteredAwaitingCode
)

// Credentials implements email and password sign-in and registration.
type Credentials struct {
	backend     identity.Backend
	lookup      ProfileLookup
	provisioner Provisioner
	otp         *OTPFlow
	redirectTo  string
	settings    flowSettings
}

// CredentialsDeps are the collaborators of Credentials. Backend is required.
type CredentialsDeps struct {
	Backend     identity.Backend
	Profiles    ProfileLookup
	Provisioner Provisioner
	// OTP, when set, is told about registrations that wait for an emailed confirmation code.
	OTP *OTPFlow
	// RedirectTo is the confirmation link target sent with sign-ups.
	RedirectTo string
}

// NewCredentials creates the password authenticator.
func NewCredentials(deps CredentialsDeps, options ...FlowOption) (*Credentials, error) {
	if deps.Backend == nil {
		return nil, errors.New("[NewCredentials] backend is required")
	}
	return &Credentials{
		backend:     deps.Backend,
		lookup:      deps.Profiles,
		provisioner: deps.Provisioner,
		otp:         deps.OTP,
		redirectTo:  deps.RedirectTo,
		settings:    newFlowSettings(options),
	}, nil
}

// SignIn submits an email and password. Success only means the identity service accepted
// the credentials; the session arrives through the session-change stream.
func (c *Credentials) SignIn(ctx context.Context, email, password string) error {
	const op = "auth.SignIn"

	email = normalizeEmail(email)
	if email == "" || password == "" {
		return fail(op, ErrInvalidCredential, nil)
	}
	_, err := c.backend.SignInWithPassword(ctx, email, password)
	switch {
	case err == nil:
		c.settings.logger.Info().Str("email", email).Msg("password sign-in accepted")
		return nil
	case errors.Is(err, identity.ErrInvalidCredentials), errors.Is(err, identity.ErrUserNotFound):
		return fail(op, ErrInvalidCredential, nil)
	default:
		return fail(op, ErrNetwork, err)
	}
}

// Register creates an account. An existing profile with the same email is reported as
// ErrEmailInUse before the identity service is contacted.
func (c *Credentials) Register(ctx context.Context, name, email, password string) (RegisterOutcome, error) {
	const op = "auth.Register"

	email = normalizeEmail(email)
	name = strings.TrimSpace(name)
	if !validEmail(email) {
		return 0, fail(op, ErrInvalidInput, errors.New("email address is malformed"))
	}
	if password == "" {
		return 0, fail(op, ErrWeakCredential, nil)
	}

	if c.lookup != nil {
		_, err := c.lookup.GetByEmail(ctx, email)
		switch {
		case err == nil:
			return 0, fail(op, ErrEmailInUse, nil)
		case !errors.Is(err, profiles.ErrNotFound):
			return 0, fail(op, ErrNetwork, err)
		}
	}

	session, err := c.backend.SignUp(ctx, identity.SignUpRequest{
		Email:       email,
		Password:    password,
		DisplayName: name,
		RedirectTo:  c.redirectTo,
	})
	switch {
	case errors.Is(err, identity.ErrUserExists):
		return 0, fail(op, ErrEmailInUse, nil)
	case errors.Is(err, identity.ErrWeakPassword):
		return 0, fail(op, ErrWeakCredential, err)
	case err != nil:
		return 0, fail(op, ErrNetwork, err)
	}

	if session == nil {
		if c.otp != nil {
			c.otp.expectCode(email, PurposeRegistration)
		}
		c.settings.logger.Info().Str("email", email).Msg("registration awaiting email confirmation")
		return RegisteredAwaitingCode, nil
	}

	provisionInline(ctx, c.settings.logger, c.provisioner, session, name)
	c.settings.logger.Info().Str("user_id", session.Subject()).Msg("registered and signed in")
	return RegisteredSignedIn, nil
}

// SignOut ends the current session.
func (c *Credentials) SignOut(ctx context.Context) error {
	if err := c.backend.SignOut(ctx); err != nil {
		return fail("auth.SignOut", ErrNetwork, err)
	}
	return nil
}
