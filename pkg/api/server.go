// Package api is the HTTP surface of the relay: chat, voice, image,
// session-info, prompt reload, health, metrics, and an operational
// WebSocket event stream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mhadzic/relayd/internal/observability"
	"github.com/mhadzic/relayd/internal/prompt"
	"github.com/mhadzic/relayd/internal/tracing"
	"github.com/mhadzic/relayd/pkg/processor"
	"github.com/rs/zerolog"
)

// RebuildFunc constructs a fresh processor around a new system
// instruction. Used by the reload endpoint to swap the active handle
// wholesale.
type RebuildFunc func(instruction string) (*processor.Processor, error)

// Config holds server configuration
type Config struct {
	Host            string
	Port            int
	SharedSecret    string
	ShutdownTimeout time.Duration
	Processor       *processor.Processor
	Prompts         *prompt.Manager
	Rebuild         RebuildFunc
	Logger          zerolog.Logger
}

// Server is the relay HTTP server. The active processor is held behind
// an atomic pointer: request handlers load it lock-free, the reload
// endpoint replaces it under a lock.
type Server struct {
	host            string
	port            int
	sharedSecret    string
	shutdownTimeout time.Duration
	server          *http.Server
	upgrader        websocket.Upgrader
	broadcaster     *Broadcaster
	processor       atomic.Pointer[processor.Processor]
	prompts         *prompt.Manager
	rebuild         RebuildFunc
	reloadMu        sync.Mutex
	logger          zerolog.Logger
	isShuttingDown  bool
	shutdownMu      sync.RWMutex
	inFlightReqs    sync.WaitGroup
}

// NewServer creates a new relay server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 9 * time.Second
	}

	s := &Server{
		host:            cfg.Host,
		port:            cfg.Port,
		sharedSecret:    cfg.SharedSecret,
		shutdownTimeout: cfg.ShutdownTimeout,
		broadcaster:     NewBroadcaster(cfg.Logger),
		prompts:         cfg.Prompts,
		rebuild:         cfg.Rebuild,
		logger:          cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Auth rides in the secret header
			},
		},
	}
	s.processor.Store(cfg.Processor)

	return s, nil
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", s.handle("chat", s.handleChat))
	mux.HandleFunc("/api/voice", s.handle("voice", s.handleVoice))
	mux.HandleFunc("/api/image", s.handle("image", s.handleImage))
	mux.HandleFunc("/api/session-info", s.handle("session-info", s.handleSessionInfo))
	mux.HandleFunc("/api/reload-prompt", s.handle("reload-prompt", s.handleReloadPrompt))
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Start binds the listen socket and starts serving. The bind happens
// synchronously so a caller that gets nil back can connect immediately.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	s.logger.Info().Int("port", s.port).Msg("Starting relay server")

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Relay server error")
		}
	}()

	return nil
}

// Stop gracefully stops the server, waiting for in-flight requests.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down relay server")

	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.broadcaster.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Relay server stopped")
	return nil
}

// Processor returns the active processor handle.
func (s *Server) Processor() *processor.Processor {
	return s.processor.Load()
}

// handle wraps a route handler with method filtering, tracing context,
// in-flight accounting, and request metrics.
func (s *Server) handle(route string, fn func(ctx context.Context, w http.ResponseWriter, r *http.Request) int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		s.inFlightReqs.Add(1)
		defer s.inFlightReqs.Done()

		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = tracing.NewTraceID()
		}
		ctx := tracing.WithTraceID(r.Context(), traceID)

		start := time.Now()
		status := fn(ctx, w, r)
		observability.RecordChatRequest(route, time.Since(start), fmt.Sprintf("%d", status))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status": "ok"}`))
}

func (s *Server) handleChat(ctx context.Context, w http.ResponseWriter, r *http.Request) int {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return s.writeError(w, http.StatusBadRequest, "Invalid JSON")
	}

	conversationID, err := req.resolve()
	if err != nil {
		return s.writeError(w, http.StatusBadRequest, err.Error())
	}
	if err := req.validate(); err != nil {
		return s.writeError(w, http.StatusBadRequest, err.Error())
	}

	ctx = tracing.WithConversationID(ctx, conversationID)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	proc := s.processor.Load()

	if req.Metadata != nil && req.Metadata.Telegram != nil {
		tg := req.Metadata.Telegram
		logger.Info().
			Int64("chat_id", tg.ChatID).
			Int64("user_id", tg.UserID).
			Str("chat_type", tg.ChatType).
			Msg("Chat request with Telegram metadata")

		proc.RecordMetadata(ctx, conversationID, map[string]interface{}{
			"chat_id":   tg.ChatID,
			"user_id":   tg.UserID,
			"chat_type": tg.ChatType,
			"username":  tg.Username,
		})
	}

	response, err := proc.Process(ctx, conversationID, req.Message)
	if err != nil {
		logger.Error().Str("error", err.Error()).Msg("Chat request failed")
		return s.writeError(w, http.StatusInternalServerError, BackendUnavailableMessage)
	}

	s.broadcaster.Broadcast("chat.completed", map[string]interface{}{
		"conversation_id": conversationID,
	})
	return s.writeJSON(w, http.StatusOK, ChatResponse{Response: response})
}

func (s *Server) handleVoice(ctx context.Context, w http.ResponseWriter, r *http.Request) int {
	var req VoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return s.writeError(w, http.StatusBadRequest, "Invalid JSON")
	}

	conversationID, err := req.resolve()
	if err != nil {
		return s.writeError(w, http.StatusBadRequest, err.Error())
	}
	if err := req.validate(); err != nil {
		return s.writeError(w, http.StatusBadRequest, err.Error())
	}

	ctx = tracing.WithConversationID(ctx, conversationID)
	logger := tracing.LoggerFromContext(ctx, s.logger)

	outcome, err := s.processor.Load().ProcessVoice(ctx, conversationID, req.AudioBase64, req.MimeType)
	if err != nil {
		logger.Error().Str("error", err.Error()).Msg("Voice request failed")
		return s.writeError(w, http.StatusInternalServerError, BackendUnavailableMessage)
	}

	s.broadcaster.Broadcast("voice.completed", map[string]interface{}{
		"conversation_id": conversationID,
	})
	return s.writeJSON(w, http.StatusOK, VoiceResponse{
		Response:      outcome.Response,
		Transcription: outcome.Transcription,
	})
}

func (s *Server) handleImage(ctx context.Context, w http.ResponseWriter, r *http.Request) int {
	var req ImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return s.writeError(w, http.StatusBadRequest, "Invalid JSON")
	}

	conversationID, err := req.resolve()
	if err != nil {
		return s.writeError(w, http.StatusBadRequest, err.Error())
	}
	if err := req.validate(); err != nil {
		return s.writeError(w, http.StatusBadRequest, err.Error())
	}

	ctx = tracing.WithConversationID(ctx, conversationID)
	logger := tracing.LoggerFromContext(ctx, s.logger)

	outcome, err := s.processor.Load().ProcessImage(ctx, conversationID, req.ImageBase64, req.MimeType, req.Prompt)
	if err != nil {
		logger.Error().Str("error", err.Error()).Msg("Image request failed")
		return s.writeError(w, http.StatusInternalServerError, BackendUnavailableMessage)
	}

	return s.writeJSON(w, http.StatusOK, ImageResponse{
		Response:    outcome.Response,
		Description: outcome.Description,
	})
}

func (s *Server) handleSessionInfo(ctx context.Context, w http.ResponseWriter, r *http.Request) int {
	var req SessionInfoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return s.writeError(w, http.StatusBadRequest, "Invalid JSON")
	}

	conversationID, err := req.resolve()
	if err != nil {
		return s.writeError(w, http.StatusBadRequest, err.Error())
	}

	info, err := s.processor.Load().SessionInfo(ctx, conversationID)
	if err != nil {
		return s.writeError(w, http.StatusInternalServerError, BackendUnavailableMessage)
	}

	return s.writeJSON(w, http.StatusOK, SessionInfoResponse{
		ConversationID: info.ConversationID,
		SessionID:      info.SessionID,
		SessionExists:  info.SessionExists,
		MessageCount:   info.MessageCount,
	})
}

// handleReloadPrompt re-reads the system prompt and swaps the active
// processor wholesale. Serialized: concurrent reloads queue up, request
// handlers keep using whichever handle they loaded.
func (s *Server) handleReloadPrompt(ctx context.Context, w http.ResponseWriter, r *http.Request) int {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if s.prompts == nil || s.rebuild == nil {
		return s.writeJSON(w, http.StatusInternalServerError, ReloadResponse{
			Status: "error",
			Error:  "prompt reload not configured",
		})
	}

	length, err := s.prompts.Reload()
	if err != nil {
		return s.writeJSON(w, http.StatusInternalServerError, ReloadResponse{
			Status: "error",
			Error:  err.Error(),
		})
	}

	if err := s.swapProcessor(s.prompts.Current()); err != nil {
		s.logger.Error().Err(err).Msg("Failed to rebuild processor after prompt reload")
		return s.writeJSON(w, http.StatusInternalServerError, ReloadResponse{
			Status: "error",
			Error:  "failed to apply new prompt",
		})
	}

	observability.RecordConfigAudit(ctx, "reload-prompt", "api", map[string]interface{}{
		"prompt_length": length,
	})
	s.logger.Info().Int("prompt_length", length).Msg("Prompt reloaded and processor swapped")

	return s.writeJSON(w, http.StatusOK, ReloadResponse{
		Status:       "ok",
		PromptLength: length,
	})
}

// ApplyInstruction rebuilds the processor around instruction and swaps
// it into the serving path. The prompt file watcher calls it when the
// file changes; the reload endpoint goes through the same swap.
func (s *Server) ApplyInstruction(instruction string) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	return s.swapProcessor(instruction)
}

// swapProcessor must be called with reloadMu held.
func (s *Server) swapProcessor(instruction string) error {
	if s.rebuild == nil {
		return fmt.Errorf("processor rebuild not configured")
	}

	newProc, err := s.rebuild(instruction)
	if err != nil {
		return err
	}

	old := s.processor.Swap(newProc)
	if old != nil && old.Model() != newProc.Model() {
		_ = old.Model().Close()
	}

	s.broadcaster.Broadcast("prompt.reloaded", map[string]interface{}{
		"prompt_length": len(instruction),
	})
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
	return status
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) int {
	return s.writeJSON(w, status, ErrorResponse{Error: message})
}
