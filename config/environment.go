package config

import (
	"os"
	"strings"
)

// The deployment environment comes from APP_ENV. Values are normalised so
// shorthand (and the occasional typo baked into deploy scripts) resolves to
// a canonical name.
const (
	appEnvVar = "APP_ENV"

	EnvironmentDevelopment = "development"
	EnvironmentStaging     = "staging"
	EnvironmentProduction  = "production"
)

var environmentAliases = map[string]string{
	"dev":         EnvironmentDevelopment,
	"prod":        EnvironmentProduction,
	"producation": EnvironmentProduction,
	"stag":        EnvironmentStaging,
	"stagging":    EnvironmentStaging,
}

// AppEnvironment returns the canonical deployment environment, defaulting
// to development when APP_ENV is unset.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return EnvironmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// IsProductionLike reports whether an environment must behave like a live
// deployment. Production and staging both refuse configurations that point
// the streamer at the testnet.
func IsProductionLike(env string) bool {
	return env == EnvironmentProduction || env == EnvironmentStaging
}

// resolveEnvSpecificPath swaps the default config path for the environment
// specific file registered for the current environment. A path the operator
// overrode explicitly always wins.
func resolveEnvSpecificPath(path, defaultPath string, envPaths map[string]string) string {
	if path == "" {
		path = defaultPath
	}
	envPath, ok := envPaths[AppEnvironment()]
	if !ok {
		return path
	}
	if path == defaultPath || path == envPath {
		return envPath
	}
	return path
}
