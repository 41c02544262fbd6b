package auth

import (
	"context"
	"net/url"

	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/pkg/errors"
)

// Navigator sends the user agent to a URL.
type Navigator interface {
	Navigate(ctx context.Context, target string) error
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, target string) error

func (f NavigatorFunc) Navigate(ctx context.Context, target string) error { return f(ctx, target) }

// FederatedFlow starts a redirect-based sign-in with an external provider.
type FederatedFlow struct {
	backend    identity.Backend
	navigator  Navigator
	provider   string
	redirectTo string
	settings   flowSettings
}

// NewFederatedFlow creates the federated flow for provider. redirectTo is the landing URL
// the provider returns to.
func NewFederatedFlow(backend identity.Backend, navigator Navigator, provider, redirectTo string, options ...FlowOption) (*FederatedFlow, error) {
	if backend == nil {
		return nil, errors.New("[NewFederatedFlow] backend is required")
	}
	if navigator == nil {
		return nil, errors.New("[NewFederatedFlow] navigator is required")
	}
	if provider == "" || redirectTo == "" {
		return nil, errors.New("[NewFederatedFlow] provider and redirect target are required")
	}
	return &FederatedFlow{
		backend:    backend,
		navigator:  navigator,
		provider:   provider,
		redirectTo: redirectTo,
		settings:   newFlowSettings(options),
	}, nil
}

// Start initiates the redirect. A nil error means only that the redirect was initiated;
// the signed-in session is observed later through the session-change stream.
func (f *FederatedFlow) Start(ctx context.Context) error {
	const op = "auth.StartFederatedSignIn"

	target, err := f.backend.SignInWithOAuth(ctx, f.provider, f.redirectTo)
	switch {
	case errors.Is(err, identity.ErrTransport):
		return fail(op, ErrNetwork, err)
	case err != nil:
		return fail(op, ErrProvider, err)
	}
	if err := f.navigator.Navigate(ctx, target); err != nil {
		return fail(op, ErrProvider, err)
	}
	f.settings.logger.Info().Str("provider", f.provider).Msg("federated sign-in redirect initiated")
	return nil
}

// Complete handles the provider's return to the landing URL by exchanging the
// authorization code. The session itself is published by the session-change stream.
func (f *FederatedFlow) Complete(ctx context.Context, callbackURL string) error {
	const op = "auth.CompleteFederatedSignIn"

	u, err := url.Parse(callbackURL)
	if err != nil {
		return fail(op, ErrProvider, errors.Wrap(err, "malformed callback url"))
	}
	q := u.Query()
	if desc := firstNonEmpty(q.Get("error_description"), q.Get("error")); desc != "" {
		return fail(op, ErrProvider, errors.New(desc))
	}
	code := q.Get("code")
	if code == "" {
		return fail(op, ErrProvider, errors.New("callback has no authorization code"))
	}

	_, err = f.backend.ExchangeCodeForSession(ctx, code)
	switch {
	case errors.Is(err, identity.ErrTransport):
		return fail(op, ErrNetwork, err)
	case err != nil:
		return fail(op, ErrProvider, err)
	}
	return nil
}
