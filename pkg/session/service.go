package session

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
	"github.com/mhadzic/relayd/internal/observability"
	"github.com/mhadzic/relayd/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// MaxEvents bounds the persisted event log per session.
const MaxEvents = 100

// Event is a single runtime event in a session log. Partial events are
// streaming fragments and are never persisted.
type Event struct {
	ID        string                 `json:"id"`
	Author    string                 `json:"author"`
	Content   string                 `json:"content"`
	Partial   bool                   `json:"partial,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Session is an event-sourced runtime session.
type Session struct {
	ID             string                 `json:"id"`
	AppName        string                 `json:"app_name"`
	UserID         string                 `json:"user_id"`
	State          map[string]interface{} `json:"state"`
	Events         []Event                `json:"events"`
	LastUpdateTime time.Time              `json:"last_update_time"`
}

// Service manages runtime sessions in SQLite. It shares the database
// handle with the conversation store and does not own its lifecycle.
type Service struct {
	db         *sql.DB
	logger     zerolog.Logger
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// New creates a runtime session service on an existing database handle.
func New(db *sql.DB, logger zerolog.Logger) (*Service, error) {
	observability.EnsureRegistered()

	if db == nil {
		return nil, errors.New("database handle is required")
	}

	svc := &Service{
		db:         db,
		logger:     logger,
		writeLocks: make(map[string]*sync.Mutex),
	}

	if err := svc.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}

	svc.refreshActiveSessionsMetric()
	logger.Info().Msg("Runtime session service initialized")
	return svc, nil
}

func (svc *Service) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runtime_sessions (
			doc_id TEXT PRIMARY KEY,
			app_name TEXT NOT NULL,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			document TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runtime_sessions_scope ON runtime_sessions(app_name, user_id);
		CREATE INDEX IF NOT EXISTS idx_runtime_sessions_updated ON runtime_sessions(updated_at);
	`
	_, err := svc.db.Exec(schema)
	return err
}

// docID builds the deterministic composite document id.
func docID(appName, userID, sessionID string) string {
	return appName + ":" + userID + ":" + sessionID
}

func validateKeyPart(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if strings.Contains(value, "\x00") {
		return fmt.Errorf("%s cannot contain null bytes", name)
	}
	return nil
}

func (svc *Service) validateKey(appName, userID, sessionID string) error {
	if err := validateKeyPart("app name", appName); err != nil {
		return err
	}
	if err := validateKeyPart("user id", userID); err != nil {
		return err
	}
	return validateKeyPart("session id", sessionID)
}

// getWriteLock gets or creates a write lock for a session document
func (svc *Service) getWriteLock(id string) *sync.Mutex {
	svc.locksMu.Lock()
	defer svc.locksMu.Unlock()

	if lock, exists := svc.writeLocks[id]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	svc.writeLocks[id] = lock
	return lock
}

func (svc *Service) refreshActiveSessionsMetric() {
	count, err := svc.Count(context.Background())
	if err != nil {
		return
	}
	observability.SetRuntimeSessionsActive(count)
}

// CreateSession creates a session or returns the existing one unchanged.
// An empty sessionID mints a fresh uuid.
func (svc *Service) CreateSession(ctx context.Context, appName, userID, sessionID string, state map[string]interface{}) (*Session, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"relayd.session",
		"session.create",
		attribute.String("session_id", sessionID),
	)
	defer span.End()

	if err := svc.validateKey(appName, userID, sessionID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	id := docID(appName, userID, sessionID)
	lock := svc.getWriteLock(id)
	lock.Lock()
	defer lock.Unlock()

	existing, err := svc.getByDocID(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if existing != nil {
		svc.logger.Debug().Str("session_id", sessionID).Msg("Session already exists")
		return existing, nil
	}

	if state == nil {
		state = make(map[string]interface{})
	}
	sess := &Session{
		ID:             sessionID,
		AppName:        appName,
		UserID:         userID,
		State:          state,
		Events:         []Event{},
		LastUpdateTime: time.Now().UTC(),
	}

	if err := svc.save(ctx, sess); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	svc.refreshActiveSessionsMetric()
	observability.RecordSessionAudit(ctx, "session_created", userID, "success", map[string]interface{}{
		"session_id": sessionID,
		"app_name":   appName,
	})
	logger := tracing.LoggerFromContext(ctx, svc.logger)
	logger.Info().Str("session_id", sessionID).Str("app_name", appName).Msg("Created runtime session")
	return sess, nil
}

// GetSession returns the session, or (nil, nil) when it does not exist.
func (svc *Service) GetSession(ctx context.Context, appName, userID, sessionID string) (*Session, error) {
	if err := svc.validateKey(appName, userID, sessionID); err != nil {
		return nil, err
	}
	return svc.getByDocID(ctx, docID(appName, userID, sessionID))
}

func (svc *Service) getByDocID(ctx context.Context, id string) (*Session, error) {
	var document string
	err := svc.db.QueryRowContext(ctx,
		"SELECT document FROM runtime_sessions WHERE doc_id = ?", id,
	).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(document), &sess); err != nil {
		return nil, fmt.Errorf("corrupt session document: %w", err)
	}
	if sess.State == nil {
		sess.State = make(map[string]interface{})
	}
	if sess.Events == nil {
		sess.Events = []Event{}
	}
	return &sess, nil
}

func (svc *Service) save(ctx context.Context, sess *Session) error {
	if len(sess.Events) > MaxEvents {
		sess.Events = sess.Events[len(sess.Events)-MaxEvents:]
	}

	document, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	_, err = svc.db.ExecContext(ctx, `
		INSERT INTO runtime_sessions (doc_id, app_name, user_id, session_id, document, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		docID(sess.AppName, sess.UserID, sess.ID),
		sess.AppName, sess.UserID, sess.ID,
		string(document), sess.LastUpdateTime.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// ListSessions returns summaries for one app+user pair. Event payloads
// and state are omitted; other users' sessions are never visible.
func (svc *Service) ListSessions(ctx context.Context, appName, userID string) ([]*Session, error) {
	if err := validateKeyPart("app name", appName); err != nil {
		return nil, err
	}
	if err := validateKeyPart("user id", userID); err != nil {
		return nil, err
	}

	rows, err := svc.db.QueryContext(ctx, `
		SELECT session_id, updated_at FROM runtime_sessions
		WHERE app_name = ? AND user_id = ?
		ORDER BY updated_at DESC`,
		appName, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		var sessionID string
		var updatedAt int64
		if err := rows.Scan(&sessionID, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, &Session{
			ID:             sessionID,
			AppName:        appName,
			UserID:         userID,
			State:          map[string]interface{}{},
			Events:         []Event{},
			LastUpdateTime: time.Unix(updatedAt, 0).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session rows: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session document. Deleting an absent session
// is not an error.
func (svc *Service) DeleteSession(ctx context.Context, appName, userID, sessionID string) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"relayd.session",
		"session.delete",
		attribute.String("session_id", sessionID),
	)
	defer span.End()

	if err := svc.validateKey(appName, userID, sessionID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	id := docID(appName, userID, sessionID)
	lock := svc.getWriteLock(id)
	lock.Lock()
	defer lock.Unlock()

	if _, err := svc.db.ExecContext(ctx,
		"DELETE FROM runtime_sessions WHERE doc_id = ?", id,
	); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to delete session: %w", err)
	}

	svc.locksMu.Lock()
	delete(svc.writeLocks, id)
	svc.locksMu.Unlock()

	svc.refreshActiveSessionsMetric()
	observability.RecordSessionAudit(ctx, "session_deleted", userID, "success", map[string]interface{}{
		"session_id": sessionID,
		"app_name":   appName,
	})
	svc.logger.Info().Str("session_id", sessionID).Msg("Deleted runtime session")
	return nil
}

// AppendEvent appends the event to the in-memory session and persists
// the document. Partial events update only the in-memory session; the
// write is deferred until a complete event commits.
func (svc *Service) AppendEvent(ctx context.Context, sess *Session, event Event) (Event, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"relayd.session",
		"session.append_event",
		attribute.String("session_id", sess.ID),
		attribute.String("author", event.Author),
	)
	defer span.End()

	if event.Author == "" {
		return event, errors.New("event author cannot be empty")
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	sess.Events = append(sess.Events, event)

	if event.Partial {
		return event, nil
	}

	id := docID(sess.AppName, sess.UserID, sess.ID)
	lock := svc.getWriteLock(id)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	if now.After(sess.LastUpdateTime) {
		sess.LastUpdateTime = now
	}

	if err := svc.save(ctx, sess); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return event, err
	}

	svc.logger.Debug().
		Str("session_id", sess.ID).
		Int("events", len(sess.Events)).
		Msg("Appended event")
	return event, nil
}

// PruneOlderThan deletes sessions whose last update is older than age.
// It is the administrative deletion hook driven by the maintenance
// scheduler.
func (svc *Service) PruneOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age).Unix()

	res, err := svc.db.ExecContext(ctx,
		"DELETE FROM runtime_sessions WHERE updated_at < ?", cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}

	pruned64, _ := res.RowsAffected()
	pruned := int(pruned64)
	if pruned > 0 {
		observability.RecordRuntimeSessionsPruned(pruned)
		observability.RecordSessionAudit(ctx, "sessions_pruned", "maintenance", "success", map[string]interface{}{
			"pruned": pruned,
		})
		svc.logger.Info().Int("pruned", pruned).Dur("age", age).Msg("Pruned stale runtime sessions")
	}

	svc.refreshActiveSessionsMetric()
	return pruned, nil
}

// Count returns the number of persisted runtime sessions.
func (svc *Service) Count(ctx context.Context) (int, error) {
	var count int
	err := svc.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runtime_sessions").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

// Close releases per-session locks. The shared database handle is owned
// by the conversation store and stays open.
func (svc *Service) Close() error {
	svc.locksMu.Lock()
	svc.writeLocks = make(map[string]*sync.Mutex)
	svc.locksMu.Unlock()
	return nil
}
