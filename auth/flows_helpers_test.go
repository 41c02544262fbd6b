package auth_test

import (
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-session/auth"
	"github.com/jrsteele09/go-auth-session/identity/fakebackend"
	"github.com/jrsteele09/go-auth-session/profiles"
	fakeprofilerepo "github.com/jrsteele09/go-auth-session/profiles/repofake"
	"github.com/stretchr/testify/require"
)

const landingURL = "https://app.example.com/reset-password"

type fixture struct {
	backend  *fakebackend.Backend
	repo     *fakeprofilerepo.FakeProfileRepo
	resolver *profiles.Resolver
	otp      *auth.OTPFlow
	creds    *auth.Credentials
	recovery *auth.RecoveryFlow
	clock    *fakeClock
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newFixture(t *testing.T, options ...fakebackend.Option) *fixture {
	t.Helper()

	clock := &fakeClock{now: time.Now()}
	backend := fakebackend.New(append([]fakebackend.Option{fakebackend.WithNowTime(clock.Now)}, options...)...)
	repo := fakeprofilerepo.NewFakeProfileRepo()
	resolver, err := profiles.NewResolver(repo, backend)
	require.NoError(t, err)

	otp, err := auth.NewOTPFlow(auth.OTPDeps{Backend: backend, Provisioner: resolver}, auth.WithNowTime(clock.Now))
	require.NoError(t, err)
	creds, err := auth.NewCredentials(auth.CredentialsDeps{
		Backend:     backend,
		Profiles:    repo,
		Provisioner: resolver,
		OTP:         otp,
		RedirectTo:  "https://app.example.com/",
	})
	require.NoError(t, err)
	recovery, err := auth.NewRecoveryFlow(backend, landingURL, auth.WithNowTime(clock.Now))
	require.NoError(t, err)

	return &fixture{
		backend:  backend,
		repo:     repo,
		resolver: resolver,
		otp:      otp,
		creds:    creds,
		recovery: recovery,
		clock:    clock,
	}
}

// lastCode returns the passcode most recently mailed to email.
func (f *fixture) lastCode(t *testing.T, email string) string {
	t.Helper()
	msg, ok := f.backend.LastMessage(email)
	require.True(t, ok, "no message sent to %s", email)
	require.NotEmpty(t, msg.Code)
	return msg.Code
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}
