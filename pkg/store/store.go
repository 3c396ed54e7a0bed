// Package store persists conversation-to-provider session mappings. It
// is the single source of truth for which backend session a conversation
// is bound to; callers re-resolve on every request and never cache
// mappings across requests.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/mhadzic/relayd/internal/observability"
	"github.com/mhadzic/relayd/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Store manages conversation mappings in SQLite
type Store struct {
	db         *sql.DB
	logger     zerolog.Logger
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// Config holds store configuration
type Config struct {
	Path   string
	Logger zerolog.Logger
}

// New creates a new conversation store
func New(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:         db,
		logger:     cfg.Logger,
		writeLocks: make(map[string]*sync.Mutex),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", cfg.Path).Msg("Conversation store initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			document TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// DB exposes the underlying handle so the runtime session service can
// share one database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

func validateConversationID(conversationID string) error {
	if conversationID == "" {
		return errors.New("conversation id cannot be empty")
	}
	if strings.Contains(conversationID, "\x00") {
		return errors.New("conversation id cannot contain null bytes")
	}
	return nil
}

// getWriteLock gets or creates a write lock for a conversation id
func (s *Store) getWriteLock(conversationID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, exists := s.writeLocks[conversationID]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	s.writeLocks[conversationID] = lock
	return lock
}

// Get fetches the current mapping. Absence is (nil, nil), never an
// error; a storage failure is an error, never a zeroed mapping.
func (s *Store) Get(ctx context.Context, conversationID string) (*Mapping, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"relayd.store",
		"store.get",
		attribute.String("conversation_id", conversationID),
	)
	defer span.End()
	start := time.Now()

	if err := validateConversationID(conversationID); err != nil {
		return nil, storeErr("get", err)
	}

	var document string
	err := s.db.QueryRowContext(ctx,
		"SELECT document FROM conversations WHERE id = ?", conversationID,
	).Scan(&document)

	if errors.Is(err, sql.ErrNoRows) {
		observability.RecordStoreOp("get", time.Since(start), nil)
		return nil, nil
	}
	observability.RecordStoreOp("get", time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, storeErr("get", err)
	}

	var mapping Mapping
	if err := json.Unmarshal([]byte(document), &mapping); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, storeErr("get", fmt.Errorf("corrupt document: %w", err))
	}
	if mapping.Providers == nil {
		mapping.Providers = make(map[string]ProviderSession)
	}
	if mapping.Metadata == nil {
		mapping.Metadata = make(map[string]interface{})
	}

	return &mapping, nil
}

// save persists the full mapping document, refreshing updated_at.
func (s *Store) save(ctx context.Context, conversationID string, mapping *Mapping) error {
	start := time.Now()
	mapping.UpdatedAt = time.Now().UTC()

	document, err := json.Marshal(mapping)
	if err != nil {
		return storeErr("save", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, document, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		conversationID, string(document), mapping.CreatedAt.Unix(), mapping.UpdatedAt.Unix(),
	)
	observability.RecordStoreOp("save", time.Since(start), err)
	if err != nil {
		return storeErr("save", err)
	}

	s.logger.Debug().Str("conversation_id", conversationID).Msg("Saved conversation mapping")
	return nil
}

// GetOrCreate returns the existing mapping or creates and persists an
// empty one. Two concurrent creators for a brand-new id may both observe
// absence; the insert keeps the first writer, which is harmless since a
// fresh mapping is empty.
func (s *Store) GetOrCreate(ctx context.Context, conversationID string) (*Mapping, error) {
	mapping, err := s.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if mapping != nil {
		return mapping, nil
	}

	mapping = NewMapping()
	document, err := json.Marshal(mapping)
	if err != nil {
		return nil, storeErr("create", err)
	}

	start := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, document, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		conversationID, string(document), mapping.CreatedAt.Unix(), mapping.UpdatedAt.Unix(),
	)
	observability.RecordStoreOp("create", time.Since(start), err)
	if err != nil {
		return nil, storeErr("create", err)
	}

	if rows, _ := res.RowsAffected(); rows == 0 {
		// A concurrent creator won; re-read its document.
		winner, err := s.Get(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if winner != nil {
			return winner, nil
		}
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Str("conversation_id", conversationID).Msg("Created new conversation mapping")
	return mapping, nil
}

// GetOrCreateProviderSession returns the provider session id bound to
// the conversation, minting and persisting a new one when absent.
// Creation is serialized per conversation id, so two concurrent first
// messages for the same new conversation get the same session id.
func (s *Store) GetOrCreateProviderSession(ctx context.Context, conversationID, provider string) (string, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"relayd.store",
		"store.get_or_create_provider_session",
		attribute.String("conversation_id", conversationID),
		attribute.String("provider", provider),
	)
	defer span.End()

	if err := validateConversationID(conversationID); err != nil {
		return "", storeErr("provider_session", err)
	}
	if provider == "" {
		return "", storeErr("provider_session", errors.New("provider cannot be empty"))
	}

	lock := s.getWriteLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	mapping, err := s.GetOrCreate(ctx, conversationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	if existing, ok := mapping.Providers[provider]; ok && existing.SessionID != "" {
		return existing.SessionID, nil
	}

	sessionID := newSessionID(provider)
	mapping.Providers[provider] = ProviderSession{
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.save(ctx, conversationID, mapping); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	observability.RecordProviderSessionCreated(provider)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("conversation_id", conversationID).
		Str("provider", provider).
		Str("session_id", sessionID).
		Msg("Created provider session")

	return sessionID, nil
}

// UpdateMetadata merges the patch into the mapping metadata with
// shallow key overwrite and persists.
func (s *Store) UpdateMetadata(ctx context.Context, conversationID string, patch map[string]interface{}) error {
	if len(patch) == 0 {
		return nil
	}

	lock := s.getWriteLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	mapping, err := s.GetOrCreate(ctx, conversationID)
	if err != nil {
		return err
	}

	for k, v := range patch {
		mapping.Metadata[k] = v
	}

	return s.save(ctx, conversationID, mapping)
}

// AppendHistory appends one user turn and one model turn, truncating to
// the most recent MaxHistoryEntries. It must only be called after a
// successful model response.
func (s *Store) AppendHistory(ctx context.Context, conversationID, userText, modelText string) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"relayd.store",
		"store.append_history",
		attribute.String("conversation_id", conversationID),
	)
	defer span.End()

	lock := s.getWriteLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	mapping, err := s.GetOrCreate(ctx, conversationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	mapping.History = append(mapping.History,
		Turn{Role: "user", Text: userText},
		Turn{Role: "model", Text: modelText},
	)
	if len(mapping.History) > MaxHistoryEntries {
		mapping.History = mapping.History[len(mapping.History)-MaxHistoryEntries:]
		observability.RecordHistoryTruncation()
	}

	if err := s.save(ctx, conversationID, mapping); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	s.logger.Debug().
		Str("conversation_id", conversationID).
		Int("history_length", len(mapping.History)).
		Msg("Appended to history")
	return nil
}

// History returns the conversation history, empty when the conversation
// has never been seen.
func (s *Store) History(ctx context.Context, conversationID string) ([]Turn, error) {
	mapping, err := s.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if mapping == nil {
		return []Turn{}, nil
	}
	return mapping.History, nil
}

// Count returns the number of conversation mappings.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations").Scan(&count)
	if err != nil {
		return 0, storeErr("count", err)
	}
	return count, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	s.locksMu.Lock()
	s.writeLocks = make(map[string]*sync.Mutex)
	s.locksMu.Unlock()
	return s.db.Close()
}

func newSessionID(provider string) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	return provider + "_" + suffix
}
