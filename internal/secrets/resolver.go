// Package secrets resolves the model API credential through an ordered
// fallback chain: explicit config value, environment variable, then a
// secret file on disk. Every candidate is extracted and sanitized; an
// empty result is a valid outcome (the service starts without a key).
package secrets

import (
	"os"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

const (
	// EnvAPIKey is the primary environment variable for the model credential.
	EnvAPIKey = "RELAYD_MODEL_API_KEY"
	// EnvAPIKeyLegacy is accepted for compatibility with older deployments.
	EnvAPIKeyLegacy = "MODEL_API_KEY"
)

var (
	keyValuePattern     = regexp.MustCompile(`MODEL_API_KEY=([^;\s]+)`)
	genericKeyPattern   = regexp.MustCompile(`(?:^|[\s;])([A-Za-z0-9_-]{30,})`)
	controlCharsPattern = regexp.MustCompile(`[\x00-\x1f\x7f]`)
)

// Resolver resolves credentials with a config value, the environment,
// and an optional secret file as fallbacks, in that order.
type Resolver struct {
	configValue string
	secretFile  string
	logger      zerolog.Logger
}

// New creates a resolver. configValue and secretFile may be empty.
func New(configValue, secretFile string, logger zerolog.Logger) *Resolver {
	return &Resolver{
		configValue: configValue,
		secretFile:  secretFile,
		logger:      logger,
	}
}

// Resolve returns the first usable credential in the chain, or "" when
// none is available. A missing credential is not an error: the caller is
// expected to run in degraded mode.
func (r *Resolver) Resolve() string {
	if key := Sanitize(ExtractAPIKey(r.configValue)); key != "" {
		r.logger.Info().Str("source", "config").Msg("API key resolved")
		return key
	}

	for _, env := range []string{EnvAPIKey, EnvAPIKeyLegacy} {
		if key := Sanitize(ExtractAPIKey(os.Getenv(env))); key != "" {
			r.logger.Info().Str("source", "env").Str("var", env).Msg("API key resolved")
			return key
		}
	}

	if r.secretFile != "" {
		payload, err := os.ReadFile(r.secretFile)
		if err != nil {
			r.logger.Warn().Str("file", r.secretFile).Err(err).Msg("Failed to read secret file")
		} else if key := Sanitize(ExtractAPIKey(string(payload))); key != "" {
			r.logger.Info().Str("source", "file").Msg("API key resolved")
			return key
		}
	}

	r.logger.Warn().Msg("No model API key configured; model client will respond with fallback message")
	return ""
}

// ExtractAPIKey extracts an API key from the formats secret payloads
// show up in: a plain key string, a KEY=VALUE line, or concatenated
// key=value pairs without newlines.
func ExtractAPIKey(payload string) string {
	if payload == "" {
		return ""
	}

	if m := keyValuePattern.FindStringSubmatch(payload); m != nil {
		return m[1]
	}

	if m := genericKeyPattern.FindStringSubmatch(payload); m != nil {
		return m[1]
	}

	return strings.TrimSpace(payload)
}

// Sanitize strips whitespace and control characters from a candidate key.
func Sanitize(value string) string {
	value = strings.TrimSpace(value)
	value = controlCharsPattern.ReplaceAllString(value, "")
	return value
}
