package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/plughost/internal/config"
	"github.com/harun/plughost/internal/logger"
	"github.com/harun/plughost/internal/observability"
	"github.com/harun/plughost/internal/tracing"
	"github.com/harun/plughost/pkg/host"
	"github.com/harun/plughost/pkg/loader"
	"github.com/harun/plughost/pkg/plugin"
)

// Version is the running loader version.
var Version = "0.1.0"

const serviceName = "plughost"

// Daemon runs one loader service against the configured backend and keeps it
// alive across frontend re-injections.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	host   *host.SlotTable
	native *plugin.NativeRuntime

	loaderMu sync.RWMutex
	loader   *loader.Service

	// Internal
	eventLoop  *EventLoop
	lifecycle  *LifecycleManager
	httpServer *http.Server
	listener   net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	if cfg.Metrics.Tracing {
		if err := tracing.InitOpenTelemetry(serviceName, Version); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			log.Info().Msg("Tracing initialized successfully")
		}
	}

	d := &Daemon{
		config:         cfg,
		logger:         log,
		host:           host.NewSlotTable(log.Component("host")),
		native:         plugin.NewNativeRuntime(),
		ctx:            ctx,
		cancel:         cancel,
		tracingEnabled: cfg.Metrics.Tracing,
	}

	auditPath := filepath.Join(cfg.DataDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize audit logger")
	}

	svc, err := d.newLoader()
	if err != nil {
		cancel()
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to create loader: %w", err)
	}
	d.loader = svc

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

func (d *Daemon) newLoader() (*loader.Service, error) {
	return loader.New(loader.Options{
		Config:     d.config,
		Host:       d.host,
		Native:     d.native,
		OnReinject: d.reinit,
		Logger:     d.logger.GetZerolog(),
	})
}

// reinit replaces the loader after the frontend was re-injected.
func (d *Daemon) reinit(old *loader.Service) {
	d.loaderMu.Lock()
	defer d.loaderMu.Unlock()
	if d.loader != old || d.ctx.Err() != nil {
		return
	}

	next, err := old.Reinit(d.ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to reinitialize loader")
		return
	}
	d.loader = next
	observability.RecordLoaderAudit(d.ctx, "reinit", "success", nil)
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Str("version", Version).Msg("Starting plughost daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setRunning(false)
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.config.Metrics.Enabled {
		if err := d.startHTTP(); err != nil {
			_ = d.lifecycle.Stop()
			d.setRunning(false)
			return fmt.Errorf("failed to start status server: %w", err)
		}
		logger.Info().Str("listen", d.listener.Addr().String()).Msg("Status server started")
	}

	// No shell integration is attached; the slot table is the host.
	d.host.MarkReady()

	if err := d.Loader().Start(d.ctx); err != nil {
		d.stopHTTP(logger)
		_ = d.lifecycle.Stop()
		d.setRunning(false)
		return fmt.Errorf("failed to start loader: %w", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	observability.RecordLoaderAudit(d.ctx, "start", "success", map[string]any{"version": Version})
	logger.Info().Msg("Daemon started")
	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping plughost daemon")

	d.stopHTTP(logger)
	d.cancel()

	d.loaderMu.Lock()
	if err := d.loader.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close loader")
	}
	d.loaderMu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	observability.RecordLoaderAudit(context.Background(), "stop", "success", nil)
	d.shutdownTracing()

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped")
	return nil
}

func (d *Daemon) setRunning(running bool) {
	d.mu.Lock()
	d.running = running
	d.mu.Unlock()
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.logger.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-d.ctx.Done():
		return
	}

	if err := d.Stop(); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// Loader returns the current loader instance. It changes after a reinit.
func (d *Daemon) Loader() *loader.Service {
	d.loaderMu.RLock()
	defer d.loaderMu.RUnlock()
	return d.loader
}

// Host returns the slot table plugins render into.
func (d *Daemon) Host() *host.SlotTable {
	return d.host
}

// Native returns the runtime for Go entry points. Register entries before
// Start.
func (d *Daemon) Native() *plugin.NativeRuntime {
	return d.native
}

// Status represents daemon status
type Status struct {
	Running   bool          `json:"running"`
	Uptime    time.Duration `json:"uptime"`
	StartTime time.Time     `json:"start_time"`
}
