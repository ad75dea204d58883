package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/harun/plughost/internal/observability"
	"github.com/harun/plughost/pkg/loader"
	"github.com/rs/zerolog"
)

// StatusReport is served on /status.
type StatusReport struct {
	Version string        `json:"version"`
	Daemon  Status        `json:"daemon"`
	Loader  loader.Status `json:"loader"`
}

func (d *Daemon) startHTTP() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/status", d.handleStatus)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ln, err := net.Listen("tcp", d.config.Metrics.Listen)
	if err != nil {
		return err
	}
	d.listener = ln
	d.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error().Err(err).Msg("Status server failed")
		}
	}()
	return nil
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	report := StatusReport{
		Version: Version,
		Daemon:  d.Status(),
		Loader:  d.Loader().Status(r.Context()),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to write status")
	}
}

// Addr returns the status server address, empty when it is disabled.
func (d *Daemon) stopHTTP(logger zerolog.Logger) {
	if d.httpServer == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop status server")
	}
}

func (d *Daemon) Addr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}
