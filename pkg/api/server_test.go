package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mhadzic/relayd/internal/prompt"
	"github.com/mhadzic/relayd/pkg/model"
	"github.com/mhadzic/relayd/pkg/processor"
	"github.com/mhadzic/relayd/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubModel answers every text request with a canned reply.
type stubModel struct {
	reply       string
	instruction string
	fail        bool
}

func (m *stubModel) Generate(ctx context.Context, message, sessionID string) (string, error) {
	if m.fail {
		return "", errors.New("backend down")
	}
	return m.reply, nil
}

func (m *stubModel) GenerateFromAudio(ctx context.Context, audioBase64, mimeType, sessionID string) (*model.VoiceResult, error) {
	if m.fail {
		return nil, errors.New("backend down")
	}
	return &model.VoiceResult{Response: m.reply, Transcription: "heard you"}, nil
}

func (m *stubModel) Transcribe(ctx context.Context, audioBase64, mimeType, sessionID string) (string, error) {
	return "", model.ErrUnsupported
}

func (m *stubModel) DescribeImage(ctx context.Context, imageBase64, mimeType, sessionID, prompt string) (string, error) {
	if m.fail {
		return "", errors.New("backend down")
	}
	return "a small boat", nil
}

func (m *stubModel) Provider() string { return "gemini" }
func (m *stubModel) Close() error     { return nil }

type testEnv struct {
	server *Server
	ts     *httptest.Server
	store  *store.Store
}

func newTestEnv(t *testing.T, m model.Client, opts ...func(*Config)) *testEnv {
	t.Helper()

	s, err := store.New(store.Config{
		Path:   filepath.Join(t.TempDir(), "relayd.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	proc := processor.New(processor.Config{
		Model:   m,
		Store:   s,
		AppName: "master_agent",
		Logger:  zerolog.Nop(),
	})

	cfg := Config{
		Port:      8080,
		Processor: proc,
		Logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	server, err := NewServer(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{server: server, ts: ts, store: s}
}

func (e *testEnv) post(t *testing.T, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(e.ts.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestChatSuccess(t *testing.T) {
	env := newTestEnv(t, &stubModel{reply: "hello back"})

	resp, body := env.post(t, "/api/chat", map[string]interface{}{
		"conversation_id": "c1",
		"message":         "hi",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello back", body["response"])
}

func TestChatSessionIDBackwardCompat(t *testing.T) {
	env := newTestEnv(t, &stubModel{reply: "ok"})

	resp, _ := env.post(t, "/api/chat", map[string]interface{}{
		"session_id": "legacy-1",
		"message":    "hi",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// conversation_id wins when both are present.
	resp, _ = env.post(t, "/api/chat", map[string]interface{}{
		"conversation_id": "new-1",
		"session_id":      "legacy-1",
		"message":         "hi",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	history, err := env.store.History(context.Background(), "new-1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestChatMissingConversationID(t *testing.T) {
	env := newTestEnv(t, &stubModel{reply: "ok"})

	resp, body := env.post(t, "/api/chat", map[string]interface{}{
		"message": "hi",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "conversation_id")
}

func TestChatMissingMessage(t *testing.T) {
	env := newTestEnv(t, &stubModel{reply: "ok"})

	resp, _ := env.post(t, "/api/chat", map[string]interface{}{
		"conversation_id": "c1",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatInvalidJSON(t *testing.T) {
	env := newTestEnv(t, &stubModel{reply: "ok"})

	resp, err := http.Post(env.ts.URL+"/api/chat", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatBackendFailure(t *testing.T) {
	env := newTestEnv(t, &stubModel{fail: true})

	resp, body := env.post(t, "/api/chat", map[string]interface{}{
		"conversation_id": "c1",
		"message":         "hi",
	})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, BackendUnavailableMessage, body["error"])
}

func TestChatMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, &stubModel{reply: "ok"})

	resp, err := http.Get(env.ts.URL + "/api/chat")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestChatRecordsTelegramMetadata(t *testing.T) {
	env := newTestEnv(t, &stubModel{reply: "ok"})

	resp, _ := env.post(t, "/api/chat", map[string]interface{}{
		"conversation_id": "c1",
		"message":         "hi",
		"metadata": map[string]interface{}{
			"telegram": map[string]interface{}{
				"chat_id":   int64(42),
				"user_id":   int64(7),
				"chat_type": "private",
			},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	mapping, err := env.store.Get(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.Equal(t, "private", mapping.Metadata["chat_type"])
}

func TestVoiceSuccess(t *testing.T) {
	env := newTestEnv(t, &stubModel{reply: "voice reply"})

	resp, body := env.post(t, "/api/voice", map[string]interface{}{
		"conversation_id": "c1",
		"audio_base64":    base64.StdEncoding.EncodeToString([]byte("audio")),
		"mime_type":       "audio/ogg",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "voice reply", body["response"])
	assert.Equal(t, "heard you", body["transcription"])
}

func TestVoiceMissingAudio(t *testing.T) {
	env := newTestEnv(t, &stubModel{reply: "ok"})

	resp, _ := env.post(t, "/api/voice", map[string]interface{}{
		"conversation_id": "c1",
		"mime_type":       "audio/ogg",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestImageSuccess(t *testing.T) {
	env := newTestEnv(t, &stubModel{reply: "it is a boat"})

	resp, body := env.post(t, "/api/image", map[string]interface{}{
		"conversation_id": "c1",
		"image_base64":    base64.StdEncoding.EncodeToString([]byte("image")),
		"mime_type":       "image/png",
		"prompt":          "what is this?",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "it is a boat", body["response"])
	assert.Equal(t, "a small boat", body["description"])
}

func TestImageRejectsBadMimeType(t *testing.T) {
	env := newTestEnv(t, &stubModel{reply: "ok"})

	resp, _ := env.post(t, "/api/image", map[string]interface{}{
		"conversation_id": "c1",
		"image_base64":    base64.StdEncoding.EncodeToString([]byte("image")),
		"mime_type":       "image/tiff",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestImageRejectsInvalidBase64(t *testing.T) {
	env := newTestEnv(t, &stubModel{reply: "ok"})

	resp, body := env.post(t, "/api/image", map[string]interface{}{
		"conversation_id": "c1",
		"image_base64":    "!!!not-base64!!!",
		"mime_type":       "image/png",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "base64")
}

func TestSessionInfo(t *testing.T) {
	env := newTestEnv(t, &stubModel{reply: "ok"})

	resp, body := env.post(t, "/api/session-info", map[string]interface{}{
		"conversation_id": "c1",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "c1", body["conversation_id"])
	assert.Equal(t, false, body["session_exists"])
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, &stubModel{reply: "ok"})

	for _, path := range []string{"/health", "/healthz"} {
		resp, err := http.Get(env.ts.URL + path)
		require.NoError(t, err)
		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok", body["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, &stubModel{reply: "ok"})

	resp, err := http.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReloadPromptSwapsProcessor(t *testing.T) {
	promptPath := filepath.Join(t.TempDir(), "prompt.txt")
	require.NoError(t, os.WriteFile(promptPath, []byte("be brief"), 0600))
	prompts := prompt.New(promptPath, zerolog.Nop())

	var rebuilt *stubModel
	env := newTestEnv(t, &stubModel{reply: "before"}, func(cfg *Config) {
		cfg.Prompts = prompts
		cfg.Rebuild = func(instruction string) (*processor.Processor, error) {
			rebuilt = &stubModel{reply: "after", instruction: instruction}
			return processor.New(processor.Config{
				Model:   rebuilt,
				AppName: "master_agent",
				Logger:  zerolog.Nop(),
			}), nil
		}
	})
	before := env.server.Processor()

	require.NoError(t, os.WriteFile(promptPath, []byte("be thorough"), 0600))
	resp, body := env.post(t, "/api/reload-prompt", map[string]interface{}{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(len("be thorough")), body["prompt_length"])

	require.NotNil(t, rebuilt)
	assert.Equal(t, "be thorough", rebuilt.instruction)
	assert.NotSame(t, before, env.server.Processor())

	// Subsequent requests use the swapped handle.
	resp, chat := env.post(t, "/api/chat", map[string]interface{}{
		"conversation_id": "c1",
		"message":         "hi",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "after", chat["response"])
}

func TestReloadPromptFailure(t *testing.T) {
	promptPath := filepath.Join(t.TempDir(), "prompt.txt")
	require.NoError(t, os.WriteFile(promptPath, []byte("loaded"), 0600))
	prompts := prompt.New(promptPath, zerolog.Nop())
	require.NoError(t, os.Remove(promptPath))

	env := newTestEnv(t, &stubModel{reply: "ok"}, func(cfg *Config) {
		cfg.Prompts = prompts
		cfg.Rebuild = func(instruction string) (*processor.Processor, error) {
			t.Fatal("rebuild must not run when reload fails")
			return nil, nil
		}
	})

	resp, body := env.post(t, "/api/reload-prompt", map[string]interface{}{})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "error", body["status"])
}

func TestWebSocketRequiresSecret(t *testing.T) {
	env := newTestEnv(t, &stubModel{reply: "ok"}, func(cfg *Config) {
		cfg.SharedSecret = "s3cret"
	})

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"X-Relayd-Secret": {"s3cret"}})
	require.NoError(t, err)
	defer conn.Close()
}

func TestWebSocketReceivesChatEvents(t *testing.T) {
	env := newTestEnv(t, &stubModel{reply: "ok"})

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Let the server register the observer before triggering the event.
	require.Eventually(t, func() bool {
		return env.server.broadcaster.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp, _ := env.post(t, "/api/chat", map[string]interface{}{
		"conversation_id": "c1",
		"message":         "hi",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event EventMessage
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "chat.completed", event.Event)
}

func TestStartServesImmediately(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	proc := processor.New(processor.Config{
		Model:   &stubModel{reply: "ok"},
		AppName: "master_agent",
		Logger:  zerolog.Nop(),
	})
	server, err := NewServer(Config{
		Host:      "127.0.0.1",
		Port:      port,
		Processor: proc,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })

	// The socket must accept connections as soon as Start returns.
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartFailsWhenPortTaken(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	port := l.Addr().(*net.TCPAddr).Port

	proc := processor.New(processor.Config{
		Model:   &stubModel{reply: "ok"},
		AppName: "master_agent",
		Logger:  zerolog.Nop(),
	})
	server, err := NewServer(Config{
		Host:      "127.0.0.1",
		Port:      port,
		Processor: proc,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	require.Error(t, server.Start())
}

func TestApplyInstructionSwapsProcessor(t *testing.T) {
	var rebuilt *stubModel
	env := newTestEnv(t, &stubModel{reply: "before"}, func(cfg *Config) {
		cfg.Rebuild = func(instruction string) (*processor.Processor, error) {
			rebuilt = &stubModel{reply: "after", instruction: instruction}
			return processor.New(processor.Config{
				Model:   rebuilt,
				AppName: "master_agent",
				Logger:  zerolog.Nop(),
			}), nil
		}
	})

	original := env.server.Processor()
	require.NoError(t, env.server.ApplyInstruction("be thorough"))

	require.NotNil(t, rebuilt)
	assert.Equal(t, "be thorough", rebuilt.instruction)
	assert.NotSame(t, original, env.server.Processor())

	resp, chat := env.post(t, "/api/chat", map[string]interface{}{
		"conversation_id": "c1",
		"message":         "hi",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "after", chat["response"])
}

func TestApplyInstructionRebuildFailure(t *testing.T) {
	env := newTestEnv(t, &stubModel{reply: "before"}, func(cfg *Config) {
		cfg.Rebuild = func(instruction string) (*processor.Processor, error) {
			return nil, errors.New("rebuild failed")
		}
	})

	original := env.server.Processor()
	require.Error(t, env.server.ApplyInstruction("broken"))
	assert.Same(t, original, env.server.Processor())
}
