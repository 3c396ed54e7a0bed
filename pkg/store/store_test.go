package store

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := New(Config{
		Path:   filepath.Join(t.TempDir(), "relayd.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetAbsentReturnsNilNotError(t *testing.T) {
	s := newTestStore(t)

	mapping, err := s.Get(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Nil(t, mapping)
}

func TestGetOrCreatePersistsEmptyMapping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.GetOrCreate(ctx, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Empty(t, created.Providers)
	assert.Empty(t, created.History)

	fetched, err := s.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, created.CreatedAt.Unix(), fetched.CreatedAt.Unix())
}

func TestProviderSessionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreateProviderSession(ctx, "conv-1", "gemini")
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := s.GetOrCreateProviderSession(ctx, "conv-1", "gemini")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestProviderSessionFormat(t *testing.T) {
	s := newTestStore(t)

	id, err := s.GetOrCreateProviderSession(context.Background(), "conv-1", "gemini")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^gemini_[0-9a-f]{12}$`), id)
}

func TestProviderSessionsIndependentPerProvider(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	gemini, err := s.GetOrCreateProviderSession(ctx, "conv-1", "gemini")
	require.NoError(t, err)
	anthropic, err := s.GetOrCreateProviderSession(ctx, "conv-1", "anthropic")
	require.NoError(t, err)

	assert.NotEqual(t, gemini, anthropic)

	// Creating the second provider must not disturb the first.
	again, err := s.GetOrCreateProviderSession(ctx, "conv-1", "gemini")
	require.NoError(t, err)
	assert.Equal(t, gemini, again)
}

func TestProviderSessionsDistinctPerConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.GetOrCreateProviderSession(ctx, "conv-a", "gemini")
	require.NoError(t, err)
	b, err := s.GetOrCreateProviderSession(ctx, "conv-b", "gemini")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestConcurrentSessionCreationSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const workers = 20
	ids := make([]string, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = s.GetOrCreateProviderSession(ctx, "conv-race", "gemini")
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
}

func TestAppendHistoryBounded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		err := s.AppendHistory(ctx, "conv-1",
			fmt.Sprintf("question %d", i),
			fmt.Sprintf("answer %d", i),
		)
		require.NoError(t, err)
	}

	history, err := s.History(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, history, MaxHistoryEntries)

	// The most recent exchange survives, the oldest is gone.
	assert.Equal(t, "question 29", history[len(history)-2].Text)
	assert.Equal(t, "user", history[len(history)-2].Role)
	assert.Equal(t, "answer 29", history[len(history)-1].Text)
	assert.Equal(t, "model", history[len(history)-1].Role)
	assert.Equal(t, "question 10", history[0].Text)
}

func TestHistoryEmptyForUnknownConversation(t *testing.T) {
	s := newTestStore(t)

	history, err := s.History(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestUpdateMetadataMergesShallow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateMetadata(ctx, "conv-1", map[string]interface{}{
		"chat_type": "private",
		"username":  "alice",
	}))
	require.NoError(t, s.UpdateMetadata(ctx, "conv-1", map[string]interface{}{
		"username": "bob",
	}))

	mapping, err := s.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.Equal(t, "private", mapping.Metadata["chat_type"])
	assert.Equal(t, "bob", mapping.Metadata["username"])
}

func TestMetadataDoesNotDisturbSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.GetOrCreateProviderSession(ctx, "conv-1", "gemini")
	require.NoError(t, err)

	require.NoError(t, s.UpdateMetadata(ctx, "conv-1", map[string]interface{}{"k": "v"}))

	again, err := s.GetOrCreateProviderSession(ctx, "conv-1", "gemini")
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestInvalidConversationIDRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "")
	assert.Error(t, err)

	_, err = s.GetOrCreateProviderSession(ctx, "", "gemini")
	assert.Error(t, err)

	_, err = s.GetOrCreateProviderSession(ctx, "conv-1", "")
	assert.Error(t, err)

	var storeError *Error
	_, err = s.Get(ctx, "bad\x00id")
	require.ErrorAs(t, err, &storeError)
	assert.Equal(t, "get", storeError.Op)
}

func TestCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, err = s.GetOrCreate(ctx, "conv-1")
	require.NoError(t, err)
	_, err = s.GetOrCreate(ctx, "conv-2")
	require.NoError(t, err)

	count, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
