package config_test

import (
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-session/internal/config"
	"github.com/stretchr/testify/require"
)

func TestValidate_MissingRequired(t *testing.T) {
	t.Setenv("IDENTITY_BASE_URL", "")
	t.Setenv("IDENTITY_API_KEY", "")

	err := config.Validate(config.New())
	require.ErrorIs(t, err, config.ErrMissingEnv)
	require.Contains(t, err.Error(), "IDENTITY_BASE_URL")
	require.Contains(t, err.Error(), "IDENTITY_API_KEY")
}

func TestValidate_Present(t *testing.T) {
	t.Setenv("IDENTITY_BASE_URL", "https://project.example.com")
	t.Setenv("IDENTITY_API_KEY", "anon")

	c := config.New()
	require.NoError(t, config.Validate(c))
	base, err := c.GetIdentityBaseURL()
	require.NoError(t, err)
	require.Equal(t, "https://project.example.com", base)
	require.Equal(t, "https://project.example.com/auth/v1", c.GetTokenIssuer())
}

func TestDefaults(t *testing.T) {
	for _, name := range []string{"APP_NAME", "APP_BASE_URL", "METRICS_PORT", "OAUTH_PROVIDER", "OTP_RESEND_COOLDOWN", "REDIS_ADDR", "DATABASE_URL", "ENV"} {
		t.Setenv(name, "")
	}
	c := config.New()

	require.Equal(t, "Auth Session", c.GetAppName())
	require.Equal(t, "http://localhost:3000", c.GetAppBaseURL())
	require.Equal(t, "", c.GetMetricsPort())
	require.Equal(t, "", c.GetOAuthProvider())
	require.Equal(t, 30*time.Second, c.GetOTPResendCooldown())
	require.Equal(t, "", c.GetRedisAddr())
	require.Equal(t, "", c.GetDatabaseURL())
	require.Equal(t, "DEV", c.GetEnv())
	require.Equal(t, "authenticated", c.GetTokenAudience())
}

func TestOverrides(t *testing.T) {
	t.Setenv("METRICS_PORT", "9090")
	t.Setenv("OTP_RESEND_COOLDOWN", "45s")
	t.Setenv("OAUTH_PROVIDER", "google")

	c := config.New()
	require.Equal(t, ":9090", c.GetMetricsPort())
	require.Equal(t, 45*time.Second, c.GetOTPResendCooldown())
	require.Equal(t, "google", c.GetOAuthProvider())

	t.Setenv("OTP_RESEND_COOLDOWN", "soon")
	require.Equal(t, 30*time.Second, c.GetOTPResendCooldown())
}

func TestGetEnv(t *testing.T) {
	t.Setenv("SOME_SETTING", "")
	require.Equal(t, "fallback", config.GetEnv("SOME_SETTING", "fallback"))
	t.Setenv("SOME_SETTING", "set")
	require.Equal(t, "set", config.GetEnv("SOME_SETTING", "fallback"))
}
