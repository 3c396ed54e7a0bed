// Package prompt owns the system instruction: a built-in default, an
// optional external prompt file, and hot reload on file change or via
// the reload endpoint.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mhadzic/relayd/internal/observability"
	"github.com/rs/zerolog"
)

// DefaultInstruction is used when no prompt file is configured or the
// file cannot be read.
const DefaultInstruction = `You are a helpful AI assistant.
You engage in natural conversations and help users with their questions.
Be concise, friendly, and helpful in your responses.`

// Manager loads and watches the system instruction.
type Manager struct {
	path     string
	logger   zerolog.Logger
	debounce time.Duration

	mu       sync.RWMutex
	current  string
	onReload func(string)

	watcher *fsnotify.Watcher
	timer   *time.Timer
	stopCh  chan struct{}
}

// New creates a prompt manager and loads the initial instruction. A
// missing or unreadable file degrades to the default, never fails.
func New(path string, logger zerolog.Logger) *Manager {
	m := &Manager{
		path:     path,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		current:  DefaultInstruction,
		stopCh:   make(chan struct{}),
	}

	if path == "" {
		logger.Info().Msg("No prompt file configured, using default instruction")
		return m
	}

	if _, err := m.load(); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Failed to load prompt file, using default instruction")
	}
	return m
}

// Current returns the active system instruction.
func (m *Manager) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnReload registers a callback invoked with the new instruction after
// a successful file-change reload. Manual reloads via Reload do not
// fire it; the caller of Reload applies the instruction itself.
func (m *Manager) OnReload(fn func(string)) {
	m.mu.Lock()
	m.onReload = fn
	m.mu.Unlock()
}

// Reload re-reads the prompt file and returns the new prompt length.
// On failure the previous instruction stays active.
func (m *Manager) Reload() (int, error) {
	if m.path == "" {
		observability.RecordPromptReload(false)
		return 0, fmt.Errorf("no prompt file configured")
	}

	length, err := m.load()
	observability.RecordPromptReload(err == nil)
	if err != nil {
		return 0, err
	}

	m.logger.Info().Int("prompt_length", length).Msg("System prompt reloaded")
	return length, nil
}

func (m *Manager) load() (int, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return 0, fmt.Errorf("failed to read prompt file: %w", err)
	}

	instruction := strings.TrimSpace(string(data))
	if instruction == "" {
		return 0, fmt.Errorf("prompt file is empty")
	}

	m.mu.Lock()
	m.current = instruction
	m.mu.Unlock()

	return len(instruction), nil
}

func (m *Manager) notify() {
	m.mu.RLock()
	fn := m.onReload
	instruction := m.current
	m.mu.RUnlock()

	if fn != nil {
		fn(instruction)
	}
}

// Watch starts watching the prompt file's directory for changes.
func (m *Manager) Watch() error {
	if m.path == "" {
		return fmt.Errorf("no prompt file configured")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher

	// Watch the directory: editors replace files on save, which would
	// drop a watch on the file itself.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		m.watcher = nil
		return err
	}

	go m.run()

	m.logger.Info().Str("path", m.path).Msg("Watching prompt file")
	return nil
}

// Stop stops the file watcher.
func (m *Manager) Stop() error {
	close(m.stopCh)
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *Manager) run() {
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != filepath.Clean(m.path) {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				m.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Prompt file change detected")

				m.scheduleReload()
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error().Err(err).Msg("Prompt watcher error")

		case <-m.stopCh:
			return
		}
	}
}

// scheduleReload debounces the reload operation
func (m *Manager) scheduleReload() {
	if m.timer != nil {
		m.timer.Stop()
	}

	m.timer = time.AfterFunc(m.debounce, func() {
		if _, err := m.Reload(); err != nil {
			m.logger.Warn().Err(err).Msg("Prompt reload after file change failed")
			return
		}
		m.notify()
	})
}
