package model

import (
	"context"
	"errors"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/mhadzic/relayd/internal/observability"
	"github.com/rs/zerolog"
)

const anthropicMaxTokens = 2048

// Anthropic implements Client for Anthropic Claude. Audio capabilities
// are unsupported; the processor degrades to text-only handling.
type Anthropic struct {
	client            anthropic.Client
	apiKey            string
	model             string
	systemInstruction string
	logger            zerolog.Logger
}

// NewAnthropic creates a new Anthropic client
func NewAnthropic(cfg Config) *Anthropic {
	return &Anthropic{
		client: anthropic.NewClient(
			option.WithAPIKey(cfg.APIKey),
			option.WithRequestTimeout(cfg.Timeout),
		),
		apiKey:            cfg.APIKey,
		model:             cfg.Model,
		systemInstruction: cfg.SystemInstruction,
		logger:            cfg.Logger,
	}
}

// Provider returns the provider name
func (a *Anthropic) Provider() string {
	return "anthropic"
}

// Generate sends a text message and returns the model reply.
func (a *Anthropic) Generate(ctx context.Context, message, sessionID string) (string, error) {
	if a.apiKey == "" {
		return FallbackNotConfigured, nil
	}

	a.logger.Info().
		Str("session_id", sessionID).
		Int("message_length", len(message)).
		Str("model", a.model).
		Msg("LLM request")

	return a.call(ctx, "text", []anthropic.ContentBlockParamUnion{
		anthropic.NewTextBlock(message),
	})
}

// GenerateFromAudio is not available on the Anthropic backend.
func (a *Anthropic) GenerateFromAudio(ctx context.Context, audioBase64, mimeType, sessionID string) (*VoiceResult, error) {
	return nil, ErrUnsupported
}

// Transcribe is not available on the Anthropic backend.
func (a *Anthropic) Transcribe(ctx context.Context, audioBase64, mimeType, sessionID string) (string, error) {
	return "", ErrUnsupported
}

// DescribeImage describes an image or answers a question about it.
func (a *Anthropic) DescribeImage(ctx context.Context, imageBase64, mimeType, sessionID, prompt string) (string, error) {
	if a.apiKey == "" {
		return FallbackNotConfigured, nil
	}

	promptText := describeInstruction
	if prompt != "" {
		promptText = "Look at this image and answer the following question: " + prompt
	}

	a.logger.Info().
		Str("session_id", sessionID).
		Int("image_size", len(imageBase64)*3/4).
		Str("mime_type", mimeType).
		Bool("has_prompt", prompt != "").
		Msg("Image description request")

	return a.call(ctx, "image", []anthropic.ContentBlockParamUnion{
		anthropic.NewImageBlockBase64(mimeType, imageBase64),
		anthropic.NewTextBlock(promptText),
	})
}

// Close releases the client.
func (a *Anthropic) Close() error {
	return nil
}

func (a *Anthropic) call(ctx context.Context, kind string, blocks []anthropic.ContentBlockParamUnion) (string, error) {
	reqParams := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: anthropicMaxTokens,
		Messages: []anthropic.MessageParam{
			{Role: anthropic.MessageParamRoleUser, Content: blocks},
		},
	}
	if a.systemInstruction != "" {
		reqParams.System = []anthropic.TextBlockParam{
			{Text: a.systemInstruction},
		}
	}

	start := time.Now()
	response, err := a.client.Messages.New(ctx, reqParams)
	observability.RecordModelCall("anthropic", kind, time.Since(start), err == nil)

	if err != nil {
		return "", a.classify(err)
	}

	content := ""
	for _, block := range response.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			content += b.Text
		}
	}
	return content, nil
}

func (a *Anthropic) classify(err error) *Error {
	var modelErr *Error
	switch {
	case isTimeout(err):
		modelErr = newError("anthropic", ErrKindTimeout, 0, err)
	default:
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			modelErr = newError("anthropic", ErrKindHTTP, apiErr.StatusCode, err)
		} else {
			modelErr = newError("anthropic", ErrKindOther, 0, err)
		}
	}

	observability.RecordModelError("anthropic", string(modelErr.Kind))
	a.logger.Error().
		Str("kind", string(modelErr.Kind)).
		Str("error", modelErr.Error()).
		Msg("LLM call failed")
	return modelErr
}
