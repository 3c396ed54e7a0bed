package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/mhadzic/relayd/internal/observability"
	"github.com/rs/zerolog"
)

const voiceInstruction = "You received a voice message. " +
	"First, transcribe the audio exactly as spoken. " +
	"Then, respond to the content naturally.\n\n" +
	"Format your reply EXACTLY as:\n" +
	"[TRANSCRIPTION]\n<exact transcription>\n" +
	"[RESPONSE]\n<your response>"

const transcribeInstruction = "Transcribe this audio message exactly as spoken. " +
	"Output ONLY the transcription, nothing else."

const describeInstruction = "Describe this image in detail. Include what you see, " +
	"any text visible, and relevant context."

// Gemini talks to the generative language REST API. One instance shares
// one pooled HTTP client across all requests.
type Gemini struct {
	apiKey            string
	model             string
	endpoint          string
	systemInstruction string
	http              *http.Client
	logger            zerolog.Logger
}

// NewGemini creates a Gemini REST client.
func NewGemini(cfg Config) *Gemini {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	return &Gemini{
		apiKey:            cfg.APIKey,
		model:             cfg.Model,
		endpoint:          endpoint,
		systemInstruction: cfg.SystemInstruction,
		http:              &http.Client{Timeout: cfg.Timeout},
		logger:            cfg.Logger,
	}
}

// Provider returns the provider name
func (g *Gemini) Provider() string {
	return "gemini"
}

// Generate sends a text message and returns the model reply.
func (g *Gemini) Generate(ctx context.Context, message, sessionID string) (string, error) {
	if g.apiKey == "" {
		return FallbackNotConfigured, nil
	}

	g.logger.Info().
		Str("session_id", sessionID).
		Int("message_length", len(message)).
		Str("model", g.model).
		Msg("LLM request")

	text, err := g.call(ctx, "text", []geminiPart{{Text: message}})
	if err != nil {
		return "", err
	}

	g.logger.Info().
		Str("session_id", sessionID).
		Int("response_length", len(text)).
		Msg("LLM response")
	return text, nil
}

// GenerateFromAudio sends audio and parses the marker protocol reply.
func (g *Gemini) GenerateFromAudio(ctx context.Context, audioBase64, mimeType, sessionID string) (*VoiceResult, error) {
	if g.apiKey == "" {
		return &VoiceResult{Response: FallbackNotConfigured}, nil
	}

	g.logger.Info().
		Str("session_id", sessionID).
		Int("audio_size", len(audioBase64)*3/4).
		Str("mime_type", mimeType).
		Str("model", g.model).
		Msg("LLM voice request")

	raw, err := g.call(ctx, "audio", []geminiPart{
		{InlineData: &geminiInlineData{MimeType: mimeType, Data: audioBase64}},
		{Text: voiceInstruction},
	})
	if err != nil {
		return nil, err
	}

	result := ParseVoiceResponse(raw)
	g.logger.Info().
		Str("session_id", sessionID).
		Int("transcription_length", len(result.Transcription)).
		Int("response_length", len(result.Response)).
		Msg("LLM voice response")
	return result, nil
}

// Transcribe converts audio to text without generating a reply.
func (g *Gemini) Transcribe(ctx context.Context, audioBase64, mimeType, sessionID string) (string, error) {
	if g.apiKey == "" {
		return "", ErrUnsupported
	}

	g.logger.Info().
		Str("session_id", sessionID).
		Int("audio_size", len(audioBase64)*3/4).
		Str("mime_type", mimeType).
		Msg("Transcription request")

	return g.call(ctx, "audio", []geminiPart{
		{InlineData: &geminiInlineData{MimeType: mimeType, Data: audioBase64}},
		{Text: transcribeInstruction},
	})
}

// DescribeImage describes an image or answers a question about it.
func (g *Gemini) DescribeImage(ctx context.Context, imageBase64, mimeType, sessionID, prompt string) (string, error) {
	if g.apiKey == "" {
		return FallbackNotConfigured, nil
	}

	promptText := describeInstruction
	if prompt != "" {
		promptText = "Look at this image and answer the following question: " + prompt
	}

	g.logger.Info().
		Str("session_id", sessionID).
		Int("image_size", len(imageBase64)*3/4).
		Str("mime_type", mimeType).
		Bool("has_prompt", prompt != "").
		Msg("Image description request")

	return g.call(ctx, "image", []geminiPart{
		{InlineData: &geminiInlineData{MimeType: mimeType, Data: imageBase64}},
		{Text: promptText},
	})
}

// Close releases idle transport connections.
func (g *Gemini) Close() error {
	g.http.CloseIdleConnections()
	return nil
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// call runs one generateContent request and extracts the first text part.
func (g *Gemini) call(ctx context.Context, kind string, parts []geminiPart) (string, error) {
	start := time.Now()
	text, err := g.doCall(ctx, parts)
	observability.RecordModelCall("gemini", kind, time.Since(start), err == nil)

	if err != nil {
		var modelErr *Error
		if errors.As(err, &modelErr) {
			observability.RecordModelError("gemini", string(modelErr.Kind))
			g.logger.Error().
				Str("kind", string(modelErr.Kind)).
				Str("error", modelErr.Error()).
				Msg("LLM call failed")
		}
		return "", err
	}
	return text, nil
}

func (g *Gemini) doCall(ctx context.Context, parts []geminiPart) (string, error) {
	reqBody := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
	}
	if g.systemInstruction != "" {
		reqBody.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: g.systemInstruction}},
		}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", newError("gemini", ErrKindOther, 0, err)
	}

	// The key rides in the query string, so any transport error text may
	// embed it; everything funnels through masking in newError.
	callURL := fmt.Sprintf("%s/%s:generateContent?key=%s",
		g.endpoint, g.model, url.QueryEscape(g.apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callURL, bytes.NewReader(payload))
	if err != nil {
		return "", newError("gemini", ErrKindOther, 0, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return "", newError("gemini", ErrKindTimeout, 0, err)
		}
		return "", newError("gemini", ErrKindOther, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", newError("gemini", ErrKindOther, 0, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", newError("gemini", ErrKindHTTP, resp.StatusCode,
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(string(body), 512)))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", newError("gemini", ErrKindOther, 0, err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", newError("gemini", ErrKindOther, 0, errors.New("response contained no candidates"))
	}

	return parsed.Candidates[0].Content.Parts[0].Text, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
