package auth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-session/auth"
	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/identity/fakebackend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOTPFlow_RequiresBackend(t *testing.T) {
	_, err := auth.NewOTPFlow(auth.OTPDeps{})
	require.Error(t, err)
}

func TestOTPLogin_RequestAndVerify(t *testing.T) {
	f := newFixture(t, fakebackend.WithUser("a@x.com", "goodpass", "Alice"))
	ctx := context.Background()

	require.Equal(t, auth.AwaitingCodeRequest, f.otp.State("a@x.com"))
	require.NoError(t, f.otp.RequestCode(ctx, "a@x.com", auth.PurposeLogin))
	require.Equal(t, auth.AwaitingCodeEntry, f.otp.State("a@x.com"))

	code := f.lastCode(t, "a@x.com")
	require.NoError(t, f.otp.VerifyCode(ctx, "A@x.com", code))
	require.Equal(t, auth.Resolved, f.otp.State("a@x.com"))
	require.Equal(t, 1, f.repo.Count())
}

func TestOTPLogin_CooldownSuppressesSecondSend(t *testing.T) {
	f := newFixture(t, fakebackend.WithUser("a@x.com", "goodpass", "Alice"))
	ctx := context.Background()

	require.NoError(t, f.otp.RequestCode(ctx, "a@x.com", auth.PurposeLogin))

	f.clock.Advance(10 * time.Second)
	err := f.otp.RequestCode(ctx, "a@x.com", auth.PurposeLogin)
	require.ErrorIs(t, err, auth.ErrCooldownActive)
	var cooldown *auth.CooldownError
	require.True(t, errors.As(err, &cooldown))
	require.Equal(t, 20*time.Second, cooldown.Remaining)
	require.Equal(t, 1, f.backend.Calls("SignInWithOTP"))

	remaining, err := f.otp.CooldownRemaining(ctx, "a@x.com", auth.PurposeLogin)
	require.NoError(t, err)
	require.Equal(t, 20*time.Second, remaining)

	f.clock.Advance(20 * time.Second)
	require.NoError(t, f.otp.RequestCode(ctx, "a@x.com", auth.PurposeLogin))
	require.Equal(t, 2, f.backend.Calls("SignInWithOTP"))
}

func TestOTPLogin_FailedSendDoesNotStartCooldown(t *testing.T) {
	f := newFixture(t, fakebackend.WithUser("a@x.com", "goodpass", "Alice"))
	ctx := context.Background()

	f.backend.FailOTPSends(identity.ErrTransport)
	require.ErrorIs(t, f.otp.RequestCode(ctx, "a@x.com", auth.PurposeLogin), auth.ErrNetwork)
	remaining, err := f.otp.CooldownRemaining(ctx, "a@x.com", auth.PurposeLogin)
	require.NoError(t, err)
	require.Zero(t, remaining)

	f.backend.FailOTPSends(nil)
	require.NoError(t, f.otp.RequestCode(ctx, "a@x.com", auth.PurposeLogin))
	require.Len(t, f.backend.Outbox(), 1)
	require.ErrorIs(t, f.otp.RequestCode(ctx, "a@x.com", auth.PurposeLogin), auth.ErrCooldownActive)
}

func TestOTPLogin_CooldownIsPerPurpose(t *testing.T) {
	f := newFixture(t, fakebackend.WithUser("a@x.com", "goodpass", "Alice"))
	ctx := context.Background()

	require.NoError(t, f.otp.RequestCode(ctx, "a@x.com", auth.PurposeLogin))
	require.NoError(t, f.otp.RequestCode(ctx, "a@x.com", auth.PurposeRegistration))
	require.NoError(t, f.otp.RequestCode(ctx, "b@x.com", auth.PurposeLogin))
}

func TestOTPLogin_UnknownEmailReportsSuccessWithoutSending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.otp.RequestCode(ctx, "ghost@x.com", auth.PurposeLogin))
	require.Equal(t, auth.AwaitingCodeEntry, f.otp.State("ghost@x.com"))
	require.Empty(t, f.backend.Outbox())
	require.False(t, f.backend.HasAccount("ghost@x.com"))

	err := f.otp.VerifyCode(ctx, "ghost@x.com", "123456")
	require.ErrorIs(t, err, auth.ErrInvalidOrExpiredCode)
}

func TestOTPRegistration_RecordsIntentOnly(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.otp.RequestCode(context.Background(), "new@x.com", auth.PurposeRegistration))
	require.Equal(t, auth.AwaitingCodeEntry, f.otp.State("new@x.com"))
	require.Zero(t, f.backend.Calls("SignInWithOTP"))
}

func TestOTPVerify_InvalidCodes(t *testing.T) {
	f := newFixture(t, fakebackend.WithUser("a@x.com", "goodpass", "Alice"))
	ctx := context.Background()
	require.NoError(t, f.otp.RequestCode(ctx, "a@x.com", auth.PurposeLogin))
	code := f.lastCode(t, "a@x.com")

	for _, bad := range []string{"", "12ab56", wrongCode(code)} {
		err := f.otp.VerifyCode(ctx, "a@x.com", bad)
		require.ErrorIs(t, err, auth.ErrInvalidOrExpiredCode, "code %q", bad)
		require.Equal(t, auth.AwaitingCodeEntry, f.otp.State("a@x.com"))
	}
	require.Equal(t, 1, f.backend.Calls("VerifyOTP"), "malformed codes never reach the backend")

	require.NoError(t, f.otp.VerifyCode(ctx, "a@x.com", code))
}

func TestOTPVerify_ExpiredCode(t *testing.T) {
	f := newFixture(t, fakebackend.WithUser("a@x.com", "goodpass", "Alice"))
	ctx := context.Background()
	require.NoError(t, f.otp.RequestCode(ctx, "a@x.com", auth.PurposeLogin))
	code := f.lastCode(t, "a@x.com")

	f.clock.Advance(11 * time.Minute)
	require.ErrorIs(t, f.otp.VerifyCode(ctx, "a@x.com", code), auth.ErrInvalidOrExpiredCode)

	require.NoError(t, f.otp.RequestCode(ctx, "a@x.com", auth.PurposeLogin))
	require.NoError(t, f.otp.VerifyCode(ctx, "a@x.com", f.lastCode(t, "a@x.com")))
}

func TestOTPVerify_CodeIsSingleUse(t *testing.T) {
	f := newFixture(t, fakebackend.WithUser("a@x.com", "goodpass", "Alice"))
	ctx := context.Background()
	require.NoError(t, f.otp.RequestCode(ctx, "a@x.com", auth.PurposeLogin))
	code := f.lastCode(t, "a@x.com")

	require.NoError(t, f.otp.VerifyCode(ctx, "a@x.com", code))
	require.ErrorIs(t, f.otp.VerifyCode(ctx, "a@x.com", code), auth.ErrInvalidOrExpiredCode)
}

func TestOTPVerify_ConcurrentSubmissionsYieldOneProfile(t *testing.T) {
	f := newFixture(t, fakebackend.WithUser("a@x.com", "goodpass", "Alice"))
	ctx := context.Background()
	require.NoError(t, f.otp.RequestCode(ctx, "a@x.com", auth.PurposeLogin))
	code := f.lastCode(t, "a@x.com")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.otp.VerifyCode(ctx, "a@x.com", code)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, auth.ErrInvalidOrExpiredCode)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, successes)
	require.Equal(t, 1, f.repo.Count())
}

func TestOTPRequest_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.ErrorIs(t, f.otp.RequestCode(ctx, "bad", auth.PurposeLogin), auth.ErrInvalidInput)
	require.ErrorIs(t, f.otp.RequestCode(ctx, "a@x.com", auth.Purpose("other")), auth.ErrInvalidInput)
}

func TestOTPReset(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.otp.RequestCode(context.Background(), "new@x.com", auth.PurposeRegistration))

	f.otp.Reset("new@x.com")
	require.Equal(t, auth.AwaitingCodeRequest, f.otp.State("new@x.com"))
}

func TestMemoryCooldowns(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	store := auth.NewMemoryCooldowns(clock.Now)
	ctx := context.Background()

	ok, _, err := store.Acquire(ctx, "k", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(5 * time.Second)
	ok, remaining, err := store.Acquire(ctx, "k", 30*time.Second)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 25*time.Second, remaining)

	clock.Advance(25 * time.Second)
	remaining, err = store.Remaining(ctx, "k")
	require.NoError(t, err)
	require.Zero(t, remaining)
	ok, _, err = store.Acquire(ctx, "k", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.Release(ctx, "k"))
	ok, _, err = store.Acquire(ctx, "k", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}
