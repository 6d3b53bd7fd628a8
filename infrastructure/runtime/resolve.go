// Package runtime provides environment/runtime detection helpers shared across
// Lighthouse processes.
package runtime

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ParseEnvInt parses an integer from the environment variable with the given
// key. Returns the parsed value and true if successful, or 0 and false if not
// set or invalid.
func ParseEnvInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return value, true
}

// ParseEnvDuration parses a duration from the environment variable with the
// given key. Returns the parsed duration and true if successful, or 0 and
// false if not set or invalid.
func ParseEnvDuration(key string) (time.Duration, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

// ParseBoolValue parses a boolean string. Accepts "true"/"1"/"yes"/"y"
// (case-insensitive) as true; everything else is false.
func ParseBoolValue(raw string) bool {
	lower := strings.ToLower(strings.TrimSpace(raw))
	return lower == "true" || lower == "1" || lower == "yes" || lower == "y"
}

// ResolveInt returns the first positive value from: cfgValue, env var, fallback.
// Useful for config fields that support env-var overrides with a default.
func ResolveInt(cfgValue int, envKey string, fallback int) int {
	if cfgValue > 0 {
		return cfgValue
	}
	if parsed, ok := ParseEnvInt(envKey); ok && parsed > 0 {
		return parsed
	}
	return fallback
}

// ResolveDuration returns the first positive value from: cfgValue, env var, fallback.
func ResolveDuration(cfgValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if cfgValue > 0 {
		return cfgValue
	}
	if parsed, ok := ParseEnvDuration(envKey); ok && parsed > 0 {
		return parsed
	}
	return fallback
}

// ResolveString returns the first non-empty value from: cfgValue, env var, fallback.
func ResolveString(cfgValue string, envKey string, fallback string) string {
	if v := strings.TrimSpace(cfgValue); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		return v
	}
	return fallback
}

// ResolveBool returns the env-var override if set, otherwise cfgValue.
// Unlike the other Resolve* helpers, bools cannot use "zero means unset" so
// the env var takes precedence only when it is explicitly set (non-empty).
func ResolveBool(cfgValue bool, envKey string) bool {
	if raw := strings.TrimSpace(os.Getenv(envKey)); raw != "" {
		return ParseBoolValue(raw)
	}
	return cfgValue
}
