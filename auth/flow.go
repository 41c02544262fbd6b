// Package auth contains the user-initiated authentication flows: password sign-in and
// registration, one-time passcodes, password recovery and federated sign-in.
//
// Flows only call the identity service and report the outcome of that call. They never
// publish authentication state: a successful sign-in becomes visible to the application
// through the session coordinator's subscription to the identity service.
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/profiles"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Provisioner creates the application profile for a freshly established identity.
type Provisioner interface {
	Provision(ctx context.Context, handle identity.Handle, displayName string) (*profiles.UserProfile, error)
}

// ProfileLookup finds an existing profile by email.
type ProfileLookup interface {
	GetByEmail(ctx context.Context, email string) (*profiles.UserProfile, error)
}

type flowSettings struct {
	logger  zerolog.Logger
	nowTime func() time.Time
}

// FlowOption configures any of the flows.
type FlowOption func(*flowSettings)

// WithLogger sets the logger used by a flow.
func WithLogger(logger zerolog.Logger) FlowOption {
	return func(s *flowSettings) { s.logger = logger }
}

// WithNowTime sets the clock used by a flow (primarily for testing).
func WithNowTime(nowFunc func() time.Time) FlowOption {
	return func(s *flowSettings) { s.nowTime = nowFunc }
}

func newFlowSettings(options []FlowOption) flowSettings {
	s := flowSettings{logger: log.Logger, nowTime: time.Now}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// provisionInline creates the profile right after a flow established a session so the
// application does not briefly see a signed-in user without a profile. Failures are only
// logged: the coordinator resolves the profile again from the session-change event.
func provisionInline(ctx context.Context, logger zerolog.Logger, p Provisioner, session *identity.Session, displayName string) {
	if p == nil || session == nil {
		return
	}
	if _, err := p.Provision(ctx, session.Handle, displayName); err != nil {
		logger.Warn().Err(err).Str("user_id", session.Subject()).Msg("inline profile provisioning failed")
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	local, domain, ok := strings.Cut(email, "@")
	return ok && local != "" && domain != "" && !strings.ContainsAny(email, " \t\r\n")
}
