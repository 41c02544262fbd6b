// Package client is the surface the rest of an application uses for authentication. It
// owns one session coordinator and the user-initiated flows, all bound to the same
// identity backend and profile store.
package client

import (
	"context"
	"strings"
	"time"

	"github.com/jrsteele09/go-auth-session/auth"
	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/profiles"
	"github.com/jrsteele09/go-auth-session/session"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	callbackPath = "/auth/callback"
	recoveryPath = "/reset-password"
)

// Client is the application-facing authentication API.
type Client struct {
	coordinator *session.Coordinator
	credentials *auth.Credentials
	otp         *auth.OTPFlow
	recovery    *auth.RecoveryFlow
	federated   *auth.FederatedFlow
	logger      zerolog.Logger

	destinations *destinationStore
}

type settings struct {
	appBaseURL string
	provider   string
	navigator  auth.Navigator
	cooldowns  auth.CooldownStore
	cooldown   time.Duration
	registry   prometheus.Registerer
	logger     zerolog.Logger
	nowTime    func() time.Time
}

// Option configures a Client.
type Option func(*settings)

// WithAppBaseURL sets the application origin used to build landing URLs for federated
// sign-in, registration confirmation and password recovery.
func WithAppBaseURL(baseURL string) Option {
	return func(s *settings) { s.appBaseURL = strings.TrimRight(baseURL, "/") }
}

// WithFederatedProvider sets the external sign-in provider and how the user agent is sent
// to it.
func WithFederatedProvider(provider string, navigator auth.Navigator) Option {
	return func(s *settings) {
		s.provider = provider
		s.navigator = navigator
	}
}

// WithCooldownStore shares passcode resend cooldowns, for example across processes.
func WithCooldownStore(store auth.CooldownStore) Option {
	return func(s *settings) { s.cooldowns = store }
}

// WithResendCooldown changes the passcode resend window.
func WithResendCooldown(d time.Duration) Option {
	return func(s *settings) { s.cooldown = d }
}

// WithMetricsRegistry registers the session metrics with reg.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(s *settings) { s.registry = reg }
}

// WithLogger sets the logger for every component.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithNowTime sets the clock (primarily for testing).
func WithNowTime(nowFunc func() time.Time) Option {
	return func(s *settings) { s.nowTime = nowFunc }
}

// New wires a Client. Call Start before reading state.
func New(backend identity.Backend, repo profiles.Repo, options ...Option) (*Client, error) {
	if backend == nil {
		return nil, errors.New("[client.New] backend is required")
	}
	if repo == nil {
		return nil, errors.New("[client.New] profile repo is required")
	}
	s := settings{
		appBaseURL: "http://localhost:3000",
		logger:     log.Logger,
		nowTime:    time.Now,
	}
	for _, opt := range options {
		opt(&s)
	}

	resolver, err := profiles.NewResolver(repo, backend,
		profiles.WithLogger(s.logger),
		profiles.WithNowTime(s.nowTime),
	)
	if err != nil {
		return nil, errors.Wrap(err, "[client.New] resolver")
	}

	coordinator, err := session.NewCoordinator(backend, resolver,
		session.WithLogger(s.logger),
		session.WithMetrics(session.NewMetrics(s.registry)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "[client.New] coordinator")
	}

	flowOptions := []auth.FlowOption{auth.WithLogger(s.logger), auth.WithNowTime(s.nowTime)}
	otp, err := auth.NewOTPFlow(auth.OTPDeps{
		Backend:     backend,
		Provisioner: resolver,
		Cooldowns:   s.cooldowns,
		Cooldown:    s.cooldown,
	}, flowOptions...)
	if err != nil {
		return nil, errors.Wrap(err, "[client.New] otp flow")
	}
	credentials, err := auth.NewCredentials(auth.CredentialsDeps{
		Backend:     backend,
		Profiles:    repo,
		Provisioner: resolver,
		OTP:         otp,
		RedirectTo:  s.appBaseURL + "/",
	}, flowOptions...)
	if err != nil {
		return nil, errors.Wrap(err, "[client.New] credentials")
	}
	recovery, err := auth.NewRecoveryFlow(backend, s.appBaseURL+recoveryPath, flowOptions...)
	if err != nil {
		return nil, errors.Wrap(err, "[client.New] recovery flow")
	}

	c := &Client{
		coordinator:  coordinator,
		credentials:  credentials,
		otp:          otp,
		recovery:     recovery,
		logger:       s.logger,
		destinations: &destinationStore{},
	}
	if s.provider != "" {
		navigator := s.navigator
		if navigator == nil {
			navigator = c.logNavigator()
		}
		c.federated, err = auth.NewFederatedFlow(backend, navigator, s.provider, s.appBaseURL+callbackPath, flowOptions...)
		if err != nil {
			return nil, errors.Wrap(err, "[client.New] federated flow")
		}
	}
	return c, nil
}

// Start begins observing the identity service.
func (c *Client) Start(ctx context.Context) error {
	return c.coordinator.Start(ctx)
}

// Stop stops observing. It is safe to call more than once.
func (c *Client) Stop() {
	c.coordinator.Stop()
}

// CurrentState returns the latest authentication state.
func (c *Client) CurrentState() session.AuthState {
	return c.coordinator.CurrentState()
}

// Subscribe returns a channel of state changes and a cancel function.
func (c *Client) Subscribe() (<-chan session.AuthState, func()) {
	return c.coordinator.Subscribe()
}

// WaitUntilReady blocks until the initial state has been determined.
func (c *Client) WaitUntilReady(ctx context.Context) (session.AuthState, error) {
	return c.coordinator.WaitUntilReady(ctx)
}

// SignIn signs in with email and password.
func (c *Client) SignIn(ctx context.Context, email, password string) error {
	return c.credentials.SignIn(ctx, email, password)
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, name, email, password string) (auth.RegisterOutcome, error) {
	return c.credentials.Register(ctx, name, email, password)
}

// RequestOTP asks for a one-time passcode.
func (c *Client) RequestOTP(ctx context.Context, email string, purpose auth.Purpose) error {
	return c.otp.RequestCode(ctx, email, purpose)
}

// OTPCooldownRemaining reports how long until another passcode may be requested.
func (c *Client) OTPCooldownRemaining(ctx context.Context, email string, purpose auth.Purpose) (time.Duration, error) {
	return c.otp.CooldownRemaining(ctx, email, purpose)
}

// VerifyOTP submits a one-time passcode.
func (c *Client) VerifyOTP(ctx context.Context, email, code string) error {
	return c.otp.VerifyCode(ctx, email, code)
}

// StartFederatedSignIn redirects to the configured provider.
func (c *Client) StartFederatedSignIn(ctx context.Context) error {
	if c.federated == nil {
		return &auth.Error{Op: "auth.StartFederatedSignIn", Kind: auth.ErrProvider, Err: errors.New("no federated provider configured")}
	}
	return c.federated.Start(ctx)
}

// CompleteFederatedSignIn handles the provider's return to the callback landing URL.
func (c *Client) CompleteFederatedSignIn(ctx context.Context, callbackURL string) error {
	if c.federated == nil {
		return &auth.Error{Op: "auth.CompleteFederatedSignIn", Kind: auth.ErrProvider, Err: errors.New("no federated provider configured")}
	}
	return c.federated.Complete(ctx, callbackURL)
}

// RequestPasswordReset emails a recovery link.
func (c *Client) RequestPasswordReset(ctx context.Context, email string) error {
	return c.recovery.RequestReset(ctx, email)
}

// CompletePasswordReset sets a new password from the recovery landing URL.
func (c *Client) CompletePasswordReset(ctx context.Context, landingURL, newPassword string) error {
	return c.recovery.CompleteReset(ctx, landingURL, newPassword)
}

// ChangePassword sets a new password for the signed-in user.
func (c *Client) ChangePassword(ctx context.Context, newPassword string) error {
	return c.recovery.ChangePassword(ctx, newPassword)
}

// SignOut ends the session.
func (c *Client) SignOut(ctx context.Context) error {
	return c.credentials.SignOut(ctx)
}

// RememberDestination records where the user was going before being asked to sign in.
// Only same-origin relative paths are kept.
func (c *Client) RememberDestination(path string) bool {
	return c.destinations.remember(path)
}

// PostLoginDestination returns and forgets the remembered destination, or "/".
func (c *Client) PostLoginDestination() string {
	return c.destinations.take()
}

func (c *Client) logNavigator() auth.Navigator {
	return auth.NavigatorFunc(func(_ context.Context, target string) error {
		c.logger.Info().Str("url", target).Msg("open this URL to continue sign-in")
		return nil
	})
}
