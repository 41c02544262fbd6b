package config

import (
	"time"

	"github.com/pkg/errors"
)

type Config interface {
	EnvConfig
	IdentityConfig
	StorageConfig
}

type EnvConfig interface {
	GetAppName() string
	GetAppBaseURL() string
	GetMetricsPort() string
	GetEnv() string
}

type IdentityConfig interface {
	GetIdentityBaseURL() (string, error)
	GetIdentityAPIKey() (string, error)
	GetOAuthProvider() string
	GetOTPResendCooldown() time.Duration
	GetJWKSURL() string
	GetTokenIssuer() string
	GetTokenAudience() string
}

type StorageConfig interface {
	GetRedisAddr() string
	GetDatabaseURL() string
}

type mainConfig struct {
	EnvVars
	Identity
	Storage
}

func New() Config {
	return mainConfig{}
}

// Validate reports every missing required setting at once.
func Validate(c Config) error {
	var missing []string
	if _, err := c.GetIdentityBaseURL(); err != nil {
		missing = append(missing, identityBaseURLVar)
	}
	if _, err := c.GetIdentityAPIKey(); err != nil {
		missing = append(missing, identityAPIKeyVar)
	}
	if len(missing) > 0 {
		return errors.Wrapf(ErrMissingEnv, "%v", missing)
	}
	return nil
}
