package api

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// BackendUnavailableMessage is the only error detail a caller ever sees
// for store or model failures.
const BackendUnavailableMessage = "Agent unavailable, please try again later"

// allowedImageMimes is the fixed allow-list for the image endpoint.
var allowedImageMimes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
}

// TelegramMetadata carries channel context forwarded by the Telegram
// relay front-end.
type TelegramMetadata struct {
	ChatID   int64  `json:"chat_id"`
	UserID   int64  `json:"user_id"`
	ChatType string `json:"chat_type"`
	Username string `json:"username,omitempty"`
}

// RequestMetadata is optional caller-supplied context.
type RequestMetadata struct {
	Telegram *TelegramMetadata `json:"telegram,omitempty"`
}

// conversationRef implements the conversation_id/session_id
// backward-compat rule shared by every request type.
type conversationRef struct {
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id"`
}

// resolve returns the effective conversation id: conversation_id wins,
// session_id is the legacy alias, neither is a validation error.
func (r conversationRef) resolve() (string, error) {
	if r.ConversationID != "" {
		return r.ConversationID, nil
	}
	if r.SessionID != "" {
		return r.SessionID, nil
	}
	return "", errors.New("conversation_id is required")
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	conversationRef
	Message  string           `json:"message"`
	Metadata *RequestMetadata `json:"metadata,omitempty"`
}

func (r *ChatRequest) validate() error {
	if r.Message == "" {
		return errors.New("message is required")
	}
	return nil
}

// VoiceRequest is the body of POST /api/voice.
type VoiceRequest struct {
	conversationRef
	AudioBase64 string `json:"audio_base64"`
	MimeType    string `json:"mime_type"`
}

func (r *VoiceRequest) validate() error {
	if r.AudioBase64 == "" {
		return errors.New("audio_base64 is required")
	}
	if r.MimeType == "" {
		return errors.New("mime_type is required")
	}
	return nil
}

// ImageRequest is the body of POST /api/image.
type ImageRequest struct {
	conversationRef
	ImageBase64 string `json:"image_base64"`
	MimeType    string `json:"mime_type"`
	Prompt      string `json:"prompt,omitempty"`
}

func (r *ImageRequest) validate() error {
	if r.ImageBase64 == "" {
		return errors.New("image_base64 is required")
	}
	if !allowedImageMimes[r.MimeType] {
		return fmt.Errorf("unsupported mime_type: %s", r.MimeType)
	}
	if _, err := base64.StdEncoding.DecodeString(r.ImageBase64); err != nil {
		return errors.New("image_base64 is not valid base64")
	}
	return nil
}

// SessionInfoRequest is the body of POST /api/session-info.
type SessionInfoRequest struct {
	conversationRef
}

// ChatResponse is the success body of POST /api/chat.
type ChatResponse struct {
	Response string `json:"response"`
}

// VoiceResponse is the success body of POST /api/voice.
type VoiceResponse struct {
	Response      string `json:"response"`
	Transcription string `json:"transcription"`
}

// ImageResponse is the success body of POST /api/image.
type ImageResponse struct {
	Response    string `json:"response"`
	Description string `json:"description"`
}

// SessionInfoResponse is the body of POST /api/session-info.
type SessionInfoResponse struct {
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id"`
	SessionExists  bool   `json:"session_exists"`
	MessageCount   *int   `json:"message_count"`
}

// ReloadResponse is the body of POST /api/reload-prompt.
type ReloadResponse struct {
	Status       string `json:"status"`
	PromptLength int    `json:"prompt_length,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ErrorResponse is the generic error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
