package auth_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jrsteele09/go-auth-session/auth"
	"github.com/jrsteele09/go-auth-session/identity/fakebackend"
	"github.com/jrsteele09/go-auth-session/profiles"
	"github.com/stretchr/testify/require"
)

func TestNewCredentials_RequiresBackend(t *testing.T) {
	_, err := auth.NewCredentials(auth.CredentialsDeps{})
	require.Error(t, err)
}

func TestSignIn(t *testing.T) {
	f := newFixture(t, fakebackend.WithUser("a@x.com", "goodpass", "Alice"))
	ctx := context.Background()

	tests := []struct {
		name     string
		email    string
		password string
		wantErr  error
	}{
		{name: "valid credentials", email: "a@x.com", password: "goodpass"},
		{name: "email is normalized", email: "  A@X.com ", password: "goodpass"},
		{name: "wrong password", email: "a@x.com", password: "badpass", wantErr: auth.ErrInvalidCredential},
		{name: "unknown email", email: "nobody@x.com", password: "goodpass", wantErr: auth.ErrInvalidCredential},
		{name: "empty password", email: "a@x.com", password: "", wantErr: auth.ErrInvalidCredential},
		{name: "empty email", email: "", password: "goodpass", wantErr: auth.ErrInvalidCredential},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.creds.SignIn(ctx, tt.email, tt.password)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
			var authErr *auth.Error
			require.True(t, errors.As(err, &authErr))
			require.Equal(t, "auth.SignIn", authErr.Op)
		})
	}
}

func TestSignIn_DoesNotRevealWhichFieldWasWrong(t *testing.T) {
	f := newFixture(t, fakebackend.WithUser("a@x.com", "goodpass", "Alice"))
	ctx := context.Background()

	wrongPassword := f.creds.SignIn(ctx, "a@x.com", "badpass")
	unknownEmail := f.creds.SignIn(ctx, "nobody@x.com", "badpass")
	require.Equal(t, wrongPassword.Error(), unknownEmail.Error())
}

func TestRegister_SignedInProvisionsProfileWithName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome, err := f.creds.Register(ctx, "  Bob ", "Bob@X.com", "secret1")
	require.NoError(t, err)
	require.Equal(t, auth.RegisteredSignedIn, outcome)

	p, err := f.repo.GetByEmail(ctx, "bob@x.com")
	require.NoError(t, err)
	require.Equal(t, "Bob", p.DisplayName)
	require.Equal(t, profiles.RoleConsumer, p.Role)
	require.True(t, p.IsVerified)
}

func TestRegister_ExistingProfileRejectedBeforeSignUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repo.Insert(ctx, &profiles.UserProfile{UserID: "u1", Email: "taken@x.com"}))

	_, err := f.creds.Register(ctx, "Tess", "taken@x.com", "secret1")
	require.ErrorIs(t, err, auth.ErrEmailInUse)
	require.Zero(t, f.backend.Calls("SignUp"))
}

func TestRegister_ExistingAccountWithoutProfile(t *testing.T) {
	f := newFixture(t, fakebackend.WithUser("a@x.com", "goodpass", "Alice"))

	_, err := f.creds.Register(context.Background(), "Alice", "a@x.com", "another")
	require.ErrorIs(t, err, auth.ErrEmailInUse)
}

func TestRegister_WeakPassword(t *testing.T) {
	f := newFixture(t)

	_, err := f.creds.Register(context.Background(), "Bob", "bob@x.com", "abc")
	require.ErrorIs(t, err, auth.ErrWeakCredential)
	require.False(t, f.backend.HasAccount("bob@x.com"))
}

func TestRegister_MalformedEmail(t *testing.T) {
	f := newFixture(t)

	_, err := f.creds.Register(context.Background(), "Bob", "not-an-email", "secret1")
	require.ErrorIs(t, err, auth.ErrInvalidInput)
	require.Zero(t, f.backend.Calls("SignUp"))
}

func TestRegister_ProfileStoreDown(t *testing.T) {
	f := newFixture(t)
	f.repo.FailWith(errors.New("connection refused"))

	_, err := f.creds.Register(context.Background(), "Bob", "bob@x.com", "secret1")
	require.ErrorIs(t, err, auth.ErrNetwork)
}

func TestRegister_AwaitingConfirmationThenVerify(t *testing.T) {
	f := newFixture(t, fakebackend.WithEmailConfirmation())
	ctx := context.Background()

	outcome, err := f.creds.Register(ctx, "Bob", "bob@x.com", "secret1")
	require.NoError(t, err)
	require.Equal(t, auth.RegisteredAwaitingCode, outcome)
	require.Equal(t, auth.AwaitingCodeEntry, f.otp.State("bob@x.com"))
	require.Zero(t, f.repo.Count(), "no profile before confirmation")

	msg, ok := f.backend.LastMessage("bob@x.com")
	require.True(t, ok)
	require.Equal(t, fakebackend.MessageSignupCode, msg.Kind)

	require.NoError(t, f.otp.VerifyCode(ctx, "bob@x.com", msg.Code))
	require.Equal(t, auth.Resolved, f.otp.State("bob@x.com"))

	p, err := f.repo.GetByEmail(ctx, "bob@x.com")
	require.NoError(t, err)
	require.Equal(t, "Bob", p.DisplayName)
}

func TestSignOut(t *testing.T) {
	f := newFixture(t, fakebackend.WithUser("a@x.com", "goodpass", "Alice"))
	ctx := context.Background()
	require.NoError(t, f.creds.SignIn(ctx, "a@x.com", "goodpass"))

	require.NoError(t, f.creds.SignOut(ctx))
	s, err := f.backend.GetSession(ctx)
	require.NoError(t, err)
	require.Nil(t, s)
}
