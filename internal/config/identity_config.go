package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	identityBaseURLVar = "IDENTITY_BASE_URL"
	identityAPIKeyVar  = "IDENTITY_API_KEY"
	oauthProviderVar   = "OAUTH_PROVIDER"
	otpCooldownVar     = "OTP_RESEND_COOLDOWN"
	jwksURLVar         = "IDENTITY_JWKS_URL"
	tokenIssuerVar     = "IDENTITY_TOKEN_ISSUER"
	tokenAudienceVar   = "IDENTITY_TOKEN_AUDIENCE"

	defaultOTPCooldown = 30 * time.Second
)

// ErrMissingEnv is returned when a required environment variable is unset.
var ErrMissingEnv = errors.New("required environment variable is not set")

type Identity struct{}

var _ IdentityConfig = Identity{}

func (Identity) GetIdentityBaseURL() (string, error) {
	return requireEnv(identityBaseURLVar)
}

func (Identity) GetIdentityAPIKey() (string, error) {
	return requireEnv(identityAPIKeyVar)
}

// GetOAuthProvider returns the federated sign-in provider, or "" when federated sign-in
// is disabled.
func (Identity) GetOAuthProvider() string {
	return GetEnv(oauthProviderVar, "")
}

func (Identity) GetOTPResendCooldown() time.Duration {
	raw := GetEnv(otpCooldownVar, "")
	if raw == "" {
		return defaultOTPCooldown
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		log.Warn().Str("value", raw).Msgf("invalid %s, using %s", otpCooldownVar, defaultOTPCooldown)
		return defaultOTPCooldown
	}
	return d
}

// GetJWKSURL returns the key set used to verify access tokens. Verification is off when
// it is empty.
func (Identity) GetJWKSURL() string {
	return GetEnv(jwksURLVar, "")
}

func (i Identity) GetTokenIssuer() string {
	base, _ := i.GetIdentityBaseURL()
	return GetEnv(tokenIssuerVar, base+"/auth/v1")
}

func (Identity) GetTokenAudience() string {
	return GetEnv(tokenAudienceVar, "authenticated")
}

func requireEnv(name string) (string, error) {
	value := GetEnv(name, "")
	if value == "" {
		return "", errors.Wrap(ErrMissingEnv, name)
	}
	return value, nil
}
