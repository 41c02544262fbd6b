package config

import (
	"fmt"
	"os"
)

const (
	appNameVar     = "APP_NAME"
	appBaseURLVar  = "APP_BASE_URL"
	metricsPortVar = "METRICS_PORT"
)

type EnvVars struct{}

var _ EnvConfig = EnvVars{}

func (EnvVars) GetAppName() string {
	return GetEnv(appNameVar, "Auth Session")
}

// GetAppBaseURL returns the application origin (e.g., "https://app.example.com").
// Landing URLs for federated sign-in and password recovery are built from it.
func (EnvVars) GetAppBaseURL() string {
	return GetEnv(appBaseURLVar, "http://localhost:3000")
}

// GetMetricsPort returns the listen address for the metrics endpoint, or "" when metrics
// are not served.
func (EnvVars) GetMetricsPort() string {
	port := GetEnv(metricsPortVar, "")
	if port != "" && port[0] != ':' {
		port = fmt.Sprintf(":%s", port)
	}
	return port
}

func (EnvVars) GetEnv() string {
	env := os.Getenv("ENV")
	if env == "" {
		return "DEV"
	}
	return env
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}
