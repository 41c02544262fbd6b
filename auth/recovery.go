package auth

import (
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/pkg/errors"
)

// pendingResetTTL bounds how long an exchanged recovery session waits for an acceptable
// password.
const pendingResetTTL = 10 * time.Minute

type pendingReset struct {
	session     *identity.Session
	exchangedAt time.Time
}

// RecoveryFlow requests password-reset links and completes resets from the landing page.
type RecoveryFlow struct {
	backend    identity.Backend
	redirectTo string
	settings   flowSettings

	// mu serializes completions; pending holds sessions exchanged for a token whose new
	// password has not been accepted yet.
	mu      sync.Mutex
	pending map[string]pendingReset
}

// NewRecoveryFlow creates the recovery flow. redirectTo is the recovery landing URL
// embedded in emailed links.
func NewRecoveryFlow(backend identity.Backend, redirectTo string, options ...FlowOption) (*RecoveryFlow, error) {
	if backend == nil {
		return nil, errors.New("[NewRecoveryFlow] backend is required")
	}
	if redirectTo == "" {
		return nil, errors.New("[NewRecoveryFlow] redirect target is required")
	}
	return &RecoveryFlow{
		backend:    backend,
		redirectTo: redirectTo,
		settings:   newFlowSettings(options),
		pending:    make(map[string]pendingReset),
	}, nil
}

// RequestReset asks for a recovery link. It succeeds whether or not the email belongs to
// an account; only transport failures are reported.
func (f *RecoveryFlow) RequestReset(ctx context.Context, email string) error {
	const op = "auth.RequestReset"

	email = normalizeEmail(email)
	if !validEmail(email) {
		return fail(op, ErrInvalidInput, errors.New("email address is malformed"))
	}
	err := f.backend.ResetPasswordForEmail(ctx, email, f.redirectTo)
	switch {
	case err == nil, errors.Is(err, identity.ErrUserNotFound):
		f.settings.logger.Info().Str("email", email).Msg("password reset requested")
		return nil
	default:
		return fail(op, ErrNetwork, err)
	}
}

// CompleteReset exchanges the recovery token carried by inboundURL for a session and sets
// newPassword. The token is exchanged before the password is checked, so an expired link
// is reported as such whatever password was typed. A rejected password can be retried
// with the same link; once one password is accepted the link is spent.
func (f *RecoveryFlow) CompleteReset(ctx context.Context, inboundURL, newPassword string) error {
	const op = "auth.CompleteReset"

	token, err := ParseRecoveryURL(inboundURL)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.prunePendingLocked()

	pending, ok := f.pending[token.Value]
	if !ok {
		session, err := f.backend.ExchangeRecoveryToken(ctx, token.Value)
		switch {
		case errors.Is(err, identity.ErrInvalidToken), errors.Is(err, identity.ErrInvalidOTP):
			return fail(op, ErrExpiredOrInvalidToken, nil)
		case err != nil:
			return fail(op, ErrNetwork, err)
		}
		pending = pendingReset{session: session, exchangedAt: f.settings.nowTime()}
		f.pending[token.Value] = pending
		f.settings.logger.Info().
			Str("user_id", session.Subject()).
			Str("encoding", string(token.Encoding)).
			Msg("recovery token exchanged")
	}

	if err := ValidateResetPassword(newPassword); err != nil {
		return fail(op, ErrWeakCredential, err)
	}

	// The password is set on the backend's current session, which must still be the one
	// the token was exchanged for.
	current, err := f.backend.GetSession(ctx)
	if err != nil {
		return fail(op, ErrNetwork, err)
	}
	if current.Subject() != pending.session.Subject() {
		delete(f.pending, token.Value)
		f.settings.logger.Warn().
			Str("user_id", pending.session.Subject()).
			Str("current_user_id", current.Subject()).
			Msg("recovery session replaced before the new password was set")
		return fail(op, ErrExpiredOrInvalidToken, nil)
	}

	err = f.backend.UpdatePassword(ctx, newPassword)
	switch {
	case errors.Is(err, identity.ErrWeakPassword):
		return fail(op, ErrWeakCredential, err)
	case errors.Is(err, identity.ErrNoSession), errors.Is(err, identity.ErrInvalidToken):
		delete(f.pending, token.Value)
		return fail(op, ErrExpiredOrInvalidToken, err)
	case err != nil:
		return fail(op, ErrNetwork, err)
	}

	delete(f.pending, token.Value)
	return nil
}

func (f *RecoveryFlow) prunePendingLocked() {
	now := f.settings.nowTime()
	for token, p := range f.pending {
		if now.Sub(p.exchangedAt) >= pendingResetTTL || p.session.Expired(now) {
			delete(f.pending, token)
		}
	}
}

// ChangePassword sets a new password for the signed-in user under the reset policy.
func (f *RecoveryFlow) ChangePassword(ctx context.Context, newPassword string) error {
	const op = "auth.ChangePassword"

	if err := ValidateResetPassword(newPassword); err != nil {
		return fail(op, ErrWeakCredential, err)
	}
	err := f.backend.UpdatePassword(ctx, newPassword)
	switch {
	case errors.Is(err, identity.ErrWeakPassword):
		return fail(op, ErrWeakCredential, err)
	case errors.Is(err, identity.ErrNoSession):
		return fail(op, ErrNotSignedIn, nil)
	case err != nil:
		return fail(op, ErrNetwork, err)
	}
	return nil
}
