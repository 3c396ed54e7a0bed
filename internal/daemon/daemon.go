// Package daemon assembles the relay: configuration, logging, the
// conversation store, the runtime session service, the model client,
// the prompt manager, the HTTP surface, and the maintenance scheduler.
package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/mhadzic/relayd/internal/config"
	"github.com/mhadzic/relayd/internal/logger"
	"github.com/mhadzic/relayd/internal/observability"
	"github.com/mhadzic/relayd/internal/prompt"
	"github.com/mhadzic/relayd/internal/secrets"
	"github.com/mhadzic/relayd/internal/tracing"
	"github.com/mhadzic/relayd/pkg/api"
	"github.com/mhadzic/relayd/pkg/model"
	"github.com/mhadzic/relayd/pkg/processor"
	"github.com/mhadzic/relayd/pkg/session"
	"github.com/mhadzic/relayd/pkg/store"
	"github.com/robfig/cron/v3"
)

// Daemon represents the relayd daemon service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	store    *store.Store
	sessions *session.Service
	prompts  *prompt.Manager
	server   *api.Server

	scheduler *cron.Cron

	apiKey string

	running bool
	mu      sync.RWMutex

	tracingEnabled bool
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry("relayd"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	}

	d := &Daemon{
		config:         cfg,
		logger:         log,
		tracingEnabled: true,
	}

	if err := d.initialize(); err != nil {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
		return nil, fmt.Errorf("failed to initialize daemon: %w", err)
	}

	return d, nil
}

func (d *Daemon) initialize() error {
	zl := d.logger.GetZerolog()

	if d.config.DataDir != "" {
		if err := observability.InitAuditLogger(filepath.Join(d.config.DataDir, "audit.log")); err != nil {
			d.logger.Warn().Err(err).Msg("Audit log file unavailable, audit events go to stderr")
		}
	}

	// Credential resolution chain: config, environment, secret file.
	// An empty result is the degraded mode, not an error.
	resolver := secrets.New(d.config.Model.APIKey, d.config.Model.SecretFile, zl)
	d.apiKey = resolver.Resolve()
	if d.apiKey == "" {
		d.logger.Warn().Msg("No model API key available, serving degraded responses")
	}

	if d.config.Store.Enabled {
		s, err := store.New(store.Config{
			Path:   d.config.Store.Path,
			Logger: zl,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize conversation store: %w", err)
		}
		d.store = s

		sessions, err := session.New(s.DB(), zl)
		if err != nil {
			s.Close()
			return fmt.Errorf("failed to initialize session service: %w", err)
		}
		d.sessions = sessions
	} else {
		d.logger.Warn().Msg("Conversation store disabled, using conversation ids as session ids")
	}

	d.prompts = prompt.New(d.config.Model.PromptFile, zl)

	proc, err := d.buildProcessor(d.prompts.Current())
	if err != nil {
		d.closePartial()
		return err
	}

	server, err := api.NewServer(api.Config{
		Host:            d.config.Server.Host,
		Port:            d.config.Server.Port,
		SharedSecret:    d.config.Server.SharedSecret,
		ShutdownTimeout: time.Duration(d.config.Server.ShutdownTimeout) * time.Second,
		Processor:       proc,
		Prompts:         d.prompts,
		Rebuild:         d.buildProcessor,
		Logger:          zl,
	})
	if err != nil {
		d.closePartial()
		return fmt.Errorf("failed to initialize relay server: %w", err)
	}
	d.server = server

	// A file-change reload goes through the same rebuild-and-swap as the
	// manual endpoint, so the serving path picks up the new instruction.
	d.prompts.OnReload(func(instruction string) {
		if err := d.server.ApplyInstruction(instruction); err != nil {
			d.logger.Error().Err(err).Msg("Failed to apply reloaded prompt")
		}
	})

	if d.config.Maintenance.Enabled {
		if err := d.initMaintenance(); err != nil {
			d.closePartial()
			return err
		}
	}

	return nil
}

// closePartial releases services opened before an initialization failure.
func (d *Daemon) closePartial() {
	if d.sessions != nil {
		_ = d.sessions.Close()
		d.sessions = nil
	}
	if d.store != nil {
		_ = d.store.Close()
		d.store = nil
	}
}

// buildProcessor assembles a processor around a system instruction. The
// reload endpoint calls it again with the new instruction and swaps the
// result in wholesale; the store and session service are shared across
// swaps.
func (d *Daemon) buildProcessor(instruction string) (*processor.Processor, error) {
	client, err := model.New(model.Config{
		Provider:          d.config.Model.Provider,
		APIKey:            d.apiKey,
		Model:             d.config.Model.Name,
		Endpoint:          d.config.Model.Endpoint,
		Timeout:           time.Duration(d.config.Model.Timeout) * time.Second,
		SystemInstruction: instruction,
		Logger:            d.logger.GetZerolog(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize model client: %w", err)
	}

	return processor.New(processor.Config{
		Model:    client,
		Store:    d.store,
		Sessions: d.sessions,
		AppName:  d.config.Sessions.AppName,
		Logger:   d.logger.GetZerolog(),
	}), nil
}

// initMaintenance schedules stale-session pruning and gauge refresh.
func (d *Daemon) initMaintenance() error {
	d.scheduler = cron.New()

	_, err := d.scheduler.AddFunc(d.config.Maintenance.Schedule, d.runMaintenance)
	if err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", d.config.Maintenance.Schedule, err)
	}
	return nil
}

func (d *Daemon) runMaintenance() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if d.sessions != nil {
		maxAge := time.Duration(d.config.Sessions.MaxAge) * 24 * time.Hour
		pruned, err := d.sessions.PruneOlderThan(ctx, maxAge)
		if err != nil {
			d.logger.Error().Err(err).Msg("Session pruning failed")
		} else if pruned > 0 {
			d.logger.Info().Int("pruned", pruned).Msg("Maintenance pruned stale sessions")
		}
	}

	if d.store != nil {
		count, err := d.store.Count(ctx)
		if err != nil {
			d.logger.Error().Err(err).Msg("Conversation count failed")
		} else {
			observability.SetActiveConversations(count)
		}
	}
}

// Start starts the daemon services.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("daemon is already running")
	}

	if err := d.server.Start(); err != nil {
		return fmt.Errorf("failed to start relay server: %w", err)
	}

	if d.config.Model.PromptFile != "" {
		if err := d.prompts.Watch(); err != nil {
			d.logger.Warn().Err(err).Msg("Prompt file watching unavailable")
		}
	}

	if d.scheduler != nil {
		d.scheduler.Start()
		d.logger.Info().Str("schedule", d.config.Maintenance.Schedule).Msg("Maintenance scheduler started")
	}

	d.running = true
	d.logger.Info().
		Int("port", d.config.Server.Port).
		Str("provider", d.config.Model.Provider).
		Str("model", d.config.Model.Name).
		Bool("store_enabled", d.store != nil).
		Msg("Relay daemon started")

	return nil
}

// Stop gracefully stops the daemon services in reverse start order.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}

	d.logger.Info().Msg("Stopping relay daemon")

	if d.scheduler != nil {
		stopCtx := d.scheduler.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			d.logger.Warn().Msg("Maintenance jobs did not finish in time")
		}
	}

	if err := d.server.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Relay server shutdown failed")
	}

	_ = d.prompts.Stop()
	_ = d.server.Processor().Model().Close()

	if d.sessions != nil {
		_ = d.sessions.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Store close failed")
		}
	}

	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
	_ = observability.GetAuditLogger().Close()

	d.running = false
	d.logger.Info().Msg("Relay daemon stopped")
	return nil
}

// IsRunning reports whether the daemon has been started.
func (d *Daemon) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// Server exposes the HTTP surface, used by tests.
func (d *Daemon) Server() *api.Server {
	return d.server
}
