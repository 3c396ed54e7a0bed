package model

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mhadzic/relayd/internal/observability"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
)

// OpenAI implements Client for OpenAI. Audio capabilities are
// unsupported; the processor degrades to text-only handling.
type OpenAI struct {
	client            openai.Client
	apiKey            string
	model             string
	systemInstruction string
	logger            zerolog.Logger
}

// NewOpenAI creates a new OpenAI client
func NewOpenAI(cfg Config) *OpenAI {
	return &OpenAI{
		client: openai.NewClient(
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
func (o *OpenAI) Provider() string {
	return "openai"
}

// Generate sends a text message and returns the model reply.
func (o *OpenAI) Generate(ctx context.Context, message, sessionID string) (string, error) {
	if o.apiKey == "" {
		return FallbackNotConfigured, nil
	}

	o.logger.Info().
		Str("session_id", sessionID).
		Int("message_length", len(message)).
		Str("model", o.model).
		Msg("LLM request")

	return o.call(ctx, "text", openai.UserMessage(message))
}

// GenerateFromAudio is not available on the OpenAI chat backend.
func (o *OpenAI) GenerateFromAudio(ctx context.Context, audioBase64, mimeType, sessionID string) (*VoiceResult, error) {
	return nil, ErrUnsupported
}

// Transcribe is not available on the OpenAI chat backend.
func (o *OpenAI) Transcribe(ctx context.Context, audioBase64, mimeType, sessionID string) (string, error) {
	return "", ErrUnsupported
}

// DescribeImage describes an image or answers a question about it.
func (o *OpenAI) DescribeImage(ctx context.Context, imageBase64, mimeType, sessionID, prompt string) (string, error) {
	if o.apiKey == "" {
		return FallbackNotConfigured, nil
	}

	promptText := describeInstruction
	if prompt != "" {
		promptText = "Look at this image and answer the following question: " + prompt
	}

	o.logger.Info().
		Str("session_id", sessionID).
		Int("image_size", len(imageBase64)*3/4).
		Str("mime_type", mimeType).
		Bool("has_prompt", prompt != "").
		Msg("Image description request")

	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: fmt.Sprintf("data:%s;base64,%s", mimeType, imageBase64),
		}),
		openai.TextContentPart(promptText),
	}

	return o.call(ctx, "image", openai.UserMessage(parts))
}

// Close releases the client.
func (o *OpenAI) Close() error {
	return nil
}

func (o *OpenAI) call(ctx context.Context, kind string, message openai.ChatCompletionMessageParamUnion) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if o.systemInstruction != "" {
		messages = append(messages, openai.SystemMessage(o.systemInstruction))
	}
	messages = append(messages, message)

	start := time.Now()
	response, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: messages,
	})
	observability.RecordModelCall("openai", kind, time.Since(start), err == nil)

	if err != nil {
		return "", o.classify(err)
	}
	if len(response.Choices) == 0 {
		return "", o.classify(errors.New("no response choices returned"))
	}

	return response.Choices[0].Message.Content, nil
}

func (o *OpenAI) classify(err error) *Error {
	var modelErr *Error
	switch {
	case isTimeout(err):
		modelErr = newError("openai", ErrKindTimeout, 0, err)
	default:
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			modelErr = newError("openai", ErrKindHTTP, apiErr.StatusCode, err)
		} else {
			modelErr = newError("openai", ErrKindOther, 0, err)
		}
	}

	observability.RecordModelError("openai", string(modelErr.Kind))
	o.logger.Error().
		Str("kind", string(modelErr.Kind)).
		Str("error", modelErr.Error()).
		Msg("LLM call failed")
	return modelErr
}
