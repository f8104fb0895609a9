package backend

import (
	"os"
	"strings"
)

// apiKeyEnvVars are consulted in order when no key is configured explicitly.
var apiKeyEnvVars = []string{
	"BACKEND_API_KEY",
	"ANTHROPIC_API_KEY",
}

// resolveAPIKey returns the configured key, or the first non-empty fallback
// from the environment.
func resolveAPIKey(configured string) string {
	if configured != "" {
		return configured
	}
	for _, name := range apiKeyEnvVars {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// AvailableCredentials lists the names of credential-looking environment
// variables that are set, for diagnostics. Values are never returned.
func AvailableCredentials() []string {
	var available []string
	for _, env := range os.Environ() {
		name, value, ok := strings.Cut(env, "=")
		if !ok || value == "" {
			continue
		}
		lower := strings.ToLower(name)
		if strings.Contains(lower, "api_key") ||
			strings.Contains(lower, "apikey") ||
			strings.HasSuffix(lower, "_token") {
			available = append(available, name)
		}
	}
	return available
}
