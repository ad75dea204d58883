package daemon

import (
	"context"
	"time"

	"github.com/harun/plughost/internal/observability"
)

// EventLoop runs periodic maintenance while the daemon is up.
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: 30 * time.Second,
	}
}

// Run runs the event loop with periodic maintenance tasks
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

// processTasks refreshes gauges and logs backlog stats.
func (e *EventLoop) processTasks(ctx context.Context) {
	svc := e.daemon.Loader()
	manager := svc.Manager()

	observability.SetPendingCalls(svc.Router().Pending())
	observability.SetRegisteredPlugins(len(manager.Plugins()))

	stats := manager.Queue().Stats()
	if stats["queued"] > 0 || stats["running"] > 0 {
		e.daemon.logger.Debug().
			Int("queued", stats["queued"]).
			Int("running", stats["running"]).
			Msg("Reload queue stats")
	}

	st := svc.Status(ctx)
	e.daemon.logger.Debug().
		Str("connection", string(st.Connection)).
		Int("plugins", len(st.Plugins)).
		Int("pendingCalls", st.PendingCalls).
		Msg("Loader stats")
}
