// Package model talks to the LLM backends. One Client instance is shared
// across all requests; implementations are chosen at process start via
// the provider factory and must stay usable with zero credentials by
// degrading to a fixed fallback response.
package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mhadzic/relayd/internal/logger"
	"github.com/rs/zerolog"
)

// FallbackNotConfigured is returned as a successful response when no
// credential is available. Baseline availability beats failing closed
// here: the relay keeps answering even with zero external configuration.
const FallbackNotConfigured = "AI model not configured. Please contact administrator."

// DefaultEndpoint is the Gemini generative language API base.
const DefaultEndpoint = "https://generativelanguage.googleapis.com/v1beta/models"

// DefaultTimeout bounds a single backend call.
const DefaultTimeout = 25 * time.Second

// ErrUnsupported marks a capability the provider cannot serve (e.g.
// separate audio transcription on a text-only backend). Callers degrade,
// they do not surface this to end users.
var ErrUnsupported = errors.New("capability not supported by provider")

// VoiceResult is the outcome of a single-call voice exchange.
type VoiceResult struct {
	Response      string
	Transcription string
}

// Client is the capability set every backend implementation provides.
type Client interface {
	// Generate sends a text message within a backend session and returns
	// the model's text reply.
	Generate(ctx context.Context, message, sessionID string) (string, error)

	// GenerateFromAudio sends audio and returns both the transcription
	// and the reply via the in-band marker protocol.
	GenerateFromAudio(ctx context.Context, audioBase64, mimeType, sessionID string) (*VoiceResult, error)

	// Transcribe converts audio to text without generating a reply.
	Transcribe(ctx context.Context, audioBase64, mimeType, sessionID string) (string, error)

	// DescribeImage describes an image, optionally steered by a prompt.
	DescribeImage(ctx context.Context, imageBase64, mimeType, sessionID, prompt string) (string, error)

	// Provider returns the provider name
	Provider() string

	// Close releases the underlying transport.
	Close() error
}

// ErrorKind classifies a backend failure.
type ErrorKind string

const (
	ErrKindTimeout ErrorKind = "timeout"
	ErrKindHTTP    ErrorKind = "http"
	ErrKindOther   ErrorKind = "other"
)

// Error is the single error type surfaced for backend failures. The
// message is masked at construction; the raw cause stays private so a
// credential embedded in transport error text (e.g. a URL carrying the
// key) can never leak through logging or error bodies.
type Error struct {
	Kind     ErrorKind
	Provider string
	Status   int
	message  string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s backend %s error (status %d): %s", e.Provider, e.Kind, e.Status, e.message)
	}
	return fmt.Sprintf("%s backend %s error: %s", e.Provider, e.Kind, e.message)
}

func newError(provider string, kind ErrorKind, status int, cause error) *Error {
	return &Error{
		Kind:     kind,
		Provider: provider,
		Status:   status,
		message:  logger.MaskToken(cause.Error()),
	}
}

// Config selects and parameterizes a backend client.
type Config struct {
	Provider          string
	APIKey            string
	Model             string
	Endpoint          string
	Timeout           time.Duration
	SystemInstruction string
	Logger            zerolog.Logger
}

// New builds the backend client for the configured provider.
func New(cfg Config) (Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	switch cfg.Provider {
	case "gemini", "":
		return NewGemini(cfg), nil
	case "anthropic":
		return NewAnthropic(cfg), nil
	case "openai":
		return NewOpenAI(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

// ParseVoiceResponse splits raw model output on the transcription and
// response markers. Missing markers never fail: the whole trimmed text
// becomes the response and the transcription stays empty.
func ParseVoiceResponse(raw string) *VoiceResult {
	const (
		markerTranscription = "[TRANSCRIPTION]"
		markerResponse      = "[RESPONSE]"
	)

	if strings.Contains(raw, markerTranscription) && strings.Contains(raw, markerResponse) {
		before, after, _ := strings.Cut(raw, markerResponse)
		return &VoiceResult{
			Transcription: strings.TrimSpace(strings.ReplaceAll(before, markerTranscription, "")),
			Response:      strings.TrimSpace(after),
		}
	}

	return &VoiceResult{Response: strings.TrimSpace(raw)}
}
