// Package processor orchestrates text, voice, and image messages: it
// resolves the backend session for a conversation, calls the model, and
// records history and runtime events.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mhadzic/relayd/internal/observability"
	"github.com/mhadzic/relayd/internal/tracing"
	"github.com/mhadzic/relayd/pkg/model"
	"github.com/mhadzic/relayd/pkg/session"
	"github.com/mhadzic/relayd/pkg/store"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Fixed user-facing responses for degraded inputs. These are successful
// replies, not errors: the relay stays conversational even when it has
// nothing useful to work with.
const (
	EmptyMessageResponse    = "Empty message received. Please send a text message."
	EmptyAudioResponse      = "Empty audio received. Please send a voice message."
	EmptyImageResponse      = "Empty image received. Please send an image."
	NoResponseFallback      = "I couldn't generate a response. Please try again."
	NoTranscriptionResponse = "Could not transcribe the audio. Please try again."
	NoDescriptionResponse   = "Could not describe the image. Please try again."
	VoiceNotConfigured      = "Voice processing not configured."
	ImageNotConfigured      = "Image processing not configured."
)

// VoiceOutcome is the result of a voice exchange.
type VoiceOutcome struct {
	Response      string
	Transcription string
}

// ImageOutcome is the result of an image exchange.
type ImageOutcome struct {
	Response    string
	Description string
}

// SessionInfo reports runtime session state for a conversation.
type SessionInfo struct {
	ConversationID string
	SessionID      string
	SessionExists  bool
	MessageCount   *int
}

// Config assembles a processor.
type Config struct {
	Model    model.Client
	Store    *store.Store     // nil runs degraded: conversation id used as session id
	Sessions *session.Service // nil disables runtime event recording
	AppName  string
	Logger   zerolog.Logger
}

// Processor routes one request at a time; a single instance is shared
// across all concurrent requests and replaced wholesale on prompt reload.
type Processor struct {
	model    model.Client
	store    *store.Store
	sessions *session.Service
	appName  string
	logger   zerolog.Logger
}

// New creates a message processor.
func New(cfg Config) *Processor {
	return &Processor{
		model:    cfg.Model,
		store:    cfg.Store,
		sessions: cfg.Sessions,
		appName:  cfg.AppName,
		logger:   cfg.Logger,
	}
}

// Model returns the active backend client.
func (p *Processor) Model() model.Client {
	return p.model
}

// Process handles a text message and returns the model reply.
func (p *Processor) Process(ctx context.Context, conversationID, message string) (string, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"relayd.processor",
		"processor.process",
		attribute.String("conversation_id", conversationID),
	)
	defer span.End()
	ctx = tracing.WithConversationID(ctx, conversationID)
	logger := tracing.LoggerFromContext(ctx, p.logger)

	if strings.TrimSpace(message) == "" {
		return EmptyMessageResponse, nil
	}

	sessionID, err := p.resolveSession(ctx, conversationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	logger.Info().
		Str("session_id", sessionID).
		Int("message_length", len(message)).
		Msg("Processing message")

	response, err := p.model.Generate(ctx, message, sessionID)
	if err != nil {
		// The model error text is already masked; conversation id gives
		// the operator the thread to chase.
		logger.Error().
			Str("error", err.Error()).
			Msg("Processing error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordChatAudit(ctx, "chat", conversationID, "error", nil)
		return "", fmt.Errorf("failed to process message: %w", err)
	}

	if strings.TrimSpace(response) == "" {
		logger.Warn().Str("session_id", sessionID).Msg("No response from model")
		return NoResponseFallback, nil
	}

	p.recordExchange(ctx, conversationID, sessionID, message, response)

	logger.Info().
		Str("session_id", sessionID).
		Int("response_length", len(response)).
		Msg("Model response")
	observability.RecordChatAudit(ctx, "chat", conversationID, "success", nil)
	return response, nil
}

// ProcessVoice transcribes audio and re-enters the text path with the
// transcription, so voice messages share the conversation's context.
func (p *Processor) ProcessVoice(ctx context.Context, conversationID, audioBase64, mimeType string) (*VoiceOutcome, error) {
	ctx = tracing.WithConversationID(ctx, conversationID)

	if strings.TrimSpace(audioBase64) == "" {
		return &VoiceOutcome{Response: EmptyAudioResponse}, nil
	}

	sessionID, err := p.resolveSession(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	transcription, err := p.model.Transcribe(ctx, audioBase64, mimeType, sessionID)
	if errors.Is(err, model.ErrUnsupported) {
		return p.voiceSingleCall(ctx, conversationID, sessionID, audioBase64, mimeType)
	}
	if err != nil {
		p.logFailure(ctx, "Voice processing error", err)
		return nil, fmt.Errorf("failed to process voice message: %w", err)
	}

	if strings.TrimSpace(transcription) == "" {
		return &VoiceOutcome{Response: NoTranscriptionResponse}, nil
	}

	response, err := p.Process(ctx, conversationID, transcription)
	if err != nil {
		return nil, err
	}

	return &VoiceOutcome{Response: response, Transcription: transcription}, nil
}

// voiceSingleCall is the fallback for backends without a separate
// transcription capability: one multimodal call returns transcription
// and reply via the marker protocol.
func (p *Processor) voiceSingleCall(ctx context.Context, conversationID, sessionID, audioBase64, mimeType string) (*VoiceOutcome, error) {
	result, err := p.model.GenerateFromAudio(ctx, audioBase64, mimeType, sessionID)
	if errors.Is(err, model.ErrUnsupported) {
		return &VoiceOutcome{Response: VoiceNotConfigured}, nil
	}
	if err != nil {
		p.logFailure(ctx, "Voice processing error", err)
		return nil, fmt.Errorf("failed to process voice message: %w", err)
	}

	if result.Transcription != "" && result.Response != "" {
		p.recordExchange(ctx, conversationID, sessionID, result.Transcription, result.Response)
	}
	observability.RecordChatAudit(ctx, "voice", conversationID, "success", nil)
	return &VoiceOutcome{Response: result.Response, Transcription: result.Transcription}, nil
}

// ProcessImage describes the image and re-enters the text path with a
// composed message carrying the description.
func (p *Processor) ProcessImage(ctx context.Context, conversationID, imageBase64, mimeType, prompt string) (*ImageOutcome, error) {
	ctx = tracing.WithConversationID(ctx, conversationID)

	if strings.TrimSpace(imageBase64) == "" {
		return &ImageOutcome{Response: EmptyImageResponse}, nil
	}

	sessionID, err := p.resolveSession(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	description, err := p.model.DescribeImage(ctx, imageBase64, mimeType, sessionID, prompt)
	if errors.Is(err, model.ErrUnsupported) {
		return &ImageOutcome{Response: ImageNotConfigured}, nil
	}
	if err != nil {
		p.logFailure(ctx, "Image processing error", err)
		return nil, fmt.Errorf("failed to process image: %w", err)
	}

	if strings.TrimSpace(description) == "" {
		return &ImageOutcome{Response: NoDescriptionResponse}, nil
	}

	var message string
	if prompt != "" {
		message = fmt.Sprintf("[User sent an image with question: %s]\n\nImage description: %s", prompt, description)
	} else {
		message = fmt.Sprintf("[User sent an image]\n\nImage description: %s", description)
	}

	response, err := p.Process(ctx, conversationID, message)
	if err != nil {
		return nil, err
	}

	return &ImageOutcome{Response: response, Description: description}, nil
}

// SessionInfo reports whether a runtime session exists for the
// conversation and how many events it holds. Lookup failures degrade to
// "no session" rather than failing the request.
func (p *Processor) SessionInfo(ctx context.Context, conversationID string) (*SessionInfo, error) {
	info := &SessionInfo{
		ConversationID: conversationID,
		SessionID:      conversationID,
	}

	if p.sessions == nil {
		return info, nil
	}

	sess, err := p.sessions.GetSession(ctx, p.appName, conversationID, conversationID)
	if err != nil {
		p.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("Session info lookup failed")
		return info, nil
	}
	if sess != nil {
		info.SessionExists = true
		count := len(sess.Events)
		info.MessageCount = &count
	}
	return info, nil
}

// RecordMetadata merges caller-supplied metadata into the conversation
// mapping. Best-effort: metadata is advisory context, never worth
// failing a chat over.
func (p *Processor) RecordMetadata(ctx context.Context, conversationID string, metadata map[string]interface{}) {
	if p.store == nil || len(metadata) == 0 {
		return
	}
	if err := p.store.UpdateMetadata(ctx, conversationID, metadata); err != nil {
		logger := tracing.LoggerFromContext(ctx, p.logger)
		logger.Warn().
			Err(err).
			Str("conversation_id", conversationID).
			Msg("Failed to record conversation metadata")
	}
}

// resolveSession maps the conversation id to the model-facing session
// id. With a store configured this always goes through the provider
// binding; without one the conversation id itself is the session id
// (explicit degraded mode).
func (p *Processor) resolveSession(ctx context.Context, conversationID string) (string, error) {
	if p.store == nil {
		return conversationID, nil
	}
	return p.store.GetOrCreateProviderSession(ctx, conversationID, p.model.Provider())
}

// recordExchange persists the turn after a successful model response.
// Both writes are best-effort: the user already has the reply, losing a
// history turn beats failing the request.
func (p *Processor) recordExchange(ctx context.Context, conversationID, sessionID, userText, modelText string) {
	logger := tracing.LoggerFromContext(ctx, p.logger)

	if p.store != nil {
		if err := p.store.AppendHistory(ctx, conversationID, userText, modelText); err != nil {
			logger.Error().Err(err).Msg("Failed to append conversation history")
		}
	}

	if p.sessions == nil {
		return
	}

	sess, err := p.sessions.CreateSession(ctx, p.appName, conversationID, conversationID, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to ensure runtime session")
		return
	}
	if _, err := p.sessions.AppendEvent(ctx, sess, session.Event{Author: "user", Content: userText}); err != nil {
		logger.Warn().Err(err).Msg("Failed to record user event")
		return
	}
	if _, err := p.sessions.AppendEvent(ctx, sess, session.Event{Author: "model", Content: modelText}); err != nil {
		logger.Warn().Err(err).Msg("Failed to record model event")
	}
}

func (p *Processor) logFailure(ctx context.Context, msg string, err error) {
	logger := tracing.LoggerFromContext(ctx, p.logger)
	logger.Error().
		Str("error", err.Error()).
		Msg(msg)
}
