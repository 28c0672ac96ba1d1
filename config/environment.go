package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	appEnvVar              = "APP_ENV"
	projectRootVar         = "PROJECT_ROOT"
	environmentDevelopment = "development"
	environmentProduction  = "production"
	environmentStaging     = "staging"

	defaultConfigName = "data_collector.yaml"
)

const (
	EnvironmentDevelopment = environmentDevelopment
	EnvironmentProduction  = environmentProduction
	EnvironmentStaging     = environmentStaging
)

var environmentAliases = map[string]string{
	"dev":   environmentDevelopment,
	"prod":  environmentProduction,
	"stag":  environmentStaging,
	"stage": environmentStaging,
}

// getAppEnvironment reads the application environment from APP_ENV and
// defaults to development when no value is provided.
func getAppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return environmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// AppEnvironment exposes the normalised value of APP_ENV.
func AppEnvironment() string {
	return getAppEnvironment()
}

// ResolvePath returns path when set, otherwise the environment specific
// default config/<env>/data_collector.yaml under PROJECT_ROOT (or the
// working directory).
func ResolvePath(path string) string {
	if path != "" {
		return path
	}
	root := strings.TrimSpace(os.Getenv(projectRootVar))
	return filepath.Join(root, "config", getAppEnvironment(), defaultConfigName)
}

// IsProductionLike reports whether env should reject incomplete configuration
// such as missing sink credentials.
func IsProductionLike(env string) bool {
	switch env {
	case environmentProduction, environmentStaging:
		return true
	default:
		return false
	}
}
