package auth

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/pkg/errors"
)

// Purpose is what a one-time passcode is for.
type Purpose string

const (
	PurposeLogin        Purpose = "login"
	PurposeRegistration Purpose = "registration"
)

// OTPState is the position of an email in the passcode state machine.
type OTPState int

const (
	AwaitingCodeRequest OTPState = iota
	AwaitingCodeEntry
	Resolved
)

func (s OTPState) String() string {
	switch s {
	case AwaitingCodeEntry:
		return "awaiting_code_entry"
	case Resolved:
		return "resolved"
	default:
		return "awaiting_code_request"
	}
}

type challenge struct {
	purpose  Purpose
	state    OTPState
	failures int
}

// OTPFlow is the two-step passcode flow: request a code, then verify it.
type OTPFlow struct {
	backend     identity.Backend
	provisioner Provisioner
	cooldowns   CooldownStore
	window      time.Duration
	settings    flowSettings

	mu         sync.Mutex
	challenges map[string]*challenge
}

// OTPDeps are the collaborators of OTPFlow. Backend is required; Cooldowns defaults to an
// in-memory store and Cooldown to DefaultResendCooldown.
type OTPDeps struct {
	Backend     identity.Backend
	Provisioner Provisioner
	Cooldowns   CooldownStore
	Cooldown    time.Duration
}

// NewOTPFlow creates the passcode flow.
func NewOTPFlow(deps OTPDeps, options ...FlowOption) (*OTPFlow, error) {
	if deps.Backend == nil {
		return nil, errors.New("[NewOTPFlow] backend is required")
	}
	settings := newFlowSettings(options)
	if deps.Cooldowns == nil {
		deps.Cooldowns = NewMemoryCooldowns(settings.nowTime)
	}
	if deps.Cooldown <= 0 {
		deps.Cooldown = DefaultResendCooldown
	}
	return &OTPFlow{
		backend:     deps.Backend,
		provisioner: deps.Provisioner,
		cooldowns:   deps.Cooldowns,
		window:      deps.Cooldown,
		settings:    settings,
		challenges:  make(map[string]*challenge),
	}, nil
}

// RequestCode asks for a passcode. Login codes are only sent to existing accounts; an
// unknown email is still reported as success so account existence does not leak.
// Registration codes are sent by the registration itself, so this only records intent.
// A repeat request inside the cooldown window fails with *CooldownError and does not
// reach the identity service.
func (f *OTPFlow) RequestCode(ctx context.Context, email string, purpose Purpose) error {
	const op = "auth.RequestCode"

	email = normalizeEmail(email)
	if !validEmail(email) {
		return fail(op, ErrInvalidInput, errors.New("email address is malformed"))
	}
	if purpose != PurposeLogin && purpose != PurposeRegistration {
		return fail(op, ErrInvalidInput, errors.Errorf("unknown purpose %q", purpose))
	}

	ok, remaining, err := f.cooldowns.Acquire(ctx, cooldownKey(email, purpose), f.window)
	if err != nil {
		return fail(op, ErrNetwork, err)
	}
	if !ok {
		return &CooldownError{Remaining: remaining}
	}

	if purpose == PurposeLogin {
		err := f.backend.SignInWithOTP(ctx, identity.OTPRequest{Email: email, CreateUser: false})
		switch {
		case errors.Is(err, identity.ErrUserNotFound):
			f.settings.logger.Debug().Str("email", email).Msg("login code requested for unknown account")
		case err != nil:
			// Nothing was sent, so the window must not block the retry.
			if releaseErr := f.cooldowns.Release(ctx, cooldownKey(email, purpose)); releaseErr != nil {
				f.settings.logger.Warn().Err(releaseErr).Str("email", email).Msg("failed to release passcode cooldown")
			}
			return fail(op, ErrNetwork, err)
		}
	}

	f.expectCode(email, purpose)
	return nil
}

// CooldownRemaining reports how long the caller must wait before requesting another code.
func (f *OTPFlow) CooldownRemaining(ctx context.Context, email string, purpose Purpose) (time.Duration, error) {
	remaining, err := f.cooldowns.Remaining(ctx, cooldownKey(normalizeEmail(email), purpose))
	if err != nil {
		return 0, fail("auth.CooldownRemaining", ErrNetwork, err)
	}
	return remaining, nil
}

// VerifyCode checks a passcode. A wrong or expired code leaves the flow awaiting code
// entry; requesting a new code is the recovery path.
func (f *OTPFlow) VerifyCode(ctx context.Context, email, code string) error {
	const op = "auth.VerifyCode"

	email = normalizeEmail(email)
	code = strings.TrimSpace(code)
	if code == "" || !allRunes(code, unicode.IsDigit) {
		f.recordFailure(email)
		return fail(op, ErrInvalidOrExpiredCode, nil)
	}

	otpType := identity.OTPTypeEmail
	if f.purpose(email) == PurposeRegistration {
		otpType = identity.OTPTypeSignup
	}

	session, err := f.backend.VerifyOTP(ctx, email, code, otpType)
	switch {
	case errors.Is(err, identity.ErrInvalidOTP), errors.Is(err, identity.ErrInvalidToken):
		f.recordFailure(email)
		return fail(op, ErrInvalidOrExpiredCode, nil)
	case err != nil:
		return fail(op, ErrNetwork, err)
	}

	f.mu.Lock()
	f.challengeLocked(email).state = Resolved
	f.mu.Unlock()

	provisionInline(ctx, f.settings.logger, f.provisioner, session, "")
	f.settings.logger.Info().Str("user_id", session.Subject()).Str("otp_type", string(otpType)).Msg("passcode verified")
	return nil
}

// State returns where email is in the passcode flow.
func (f *OTPFlow) State(email string) OTPState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.challenges[normalizeEmail(email)]; ok {
		return c.state
	}
	return AwaitingCodeRequest
}

// Reset forgets any challenge for email.
func (f *OTPFlow) Reset(email string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.challenges, normalizeEmail(email))
}

func (f *OTPFlow) expectCode(email string, purpose Purpose) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.challengeLocked(email)
	c.purpose = purpose
	c.state = AwaitingCodeEntry
	c.failures = 0
}

func (f *OTPFlow) recordFailure(email string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.challengeLocked(email)
	c.failures++
	c.state = AwaitingCodeEntry
}

func (f *OTPFlow) purpose(email string) Purpose {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.challenges[email]; ok && c.purpose != "" {
		return c.purpose
	}
	return PurposeLogin
}

func (f *OTPFlow) challengeLocked(email string) *challenge {
	c, ok := f.challenges[email]
	if !ok {
		c = &challenge{purpose: PurposeLogin}
		f.challenges[email] = c
	}
	return c
}

func cooldownKey(email string, purpose Purpose) string {
	return "otp:" + string(purpose) + ":" + email
}
