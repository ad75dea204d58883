package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/harun/plughost/internal/daemon"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Show the current status of the plughost daemon service. When the
status server is enabled, the backend connection and loaded plugins are
shown too.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pidFile := pidFilePath(cfg)

	if !isRunning(pidFile) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	pid, err := daemon.ReadPIDFile(pidFile)
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if fileInfo, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(fileInfo.ModTime())))
	}

	if !cfg.Metrics.Enabled {
		return nil
	}

	report, err := fetchStatus("http://" + cfg.Metrics.Listen + "/status")
	if err != nil {
		fmt.Fprintf(out, "Details unavailable: %v\n", err)
		return nil
	}
	printReport(out, report)
	return nil
}

func fetchStatus(url string) (*daemon.StatusReport, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status server returned %s", resp.Status)
	}

	var report daemon.StatusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &report, nil
}

func printReport(out io.Writer, report *daemon.StatusReport) {
	st := report.Loader
	fmt.Fprintf(out, "Version: %s\n", report.Version)
	fmt.Fprintf(out, "Backend: %s (%d pending calls)\n", st.Connection, st.PendingCalls)
	if st.Backlog > 0 {
		fmt.Fprintf(out, "Reload backlog: %d\n", st.Backlog)
	}
	if st.UpdateAvailable {
		fmt.Fprintln(out, "Loader update available")
	}

	fmt.Fprintf(out, "Plugins: %d\n", len(st.Plugins))
	for _, p := range st.Plugins {
		line := fmt.Sprintf("  %s %s [%s]", p.Name, p.Version, p.State)
		if latest, ok := st.PluginUpdates[p.Name]; ok {
			line += fmt.Sprintf(" update %s", latest)
		}
		if p.Error != "" {
			line += ": " + p.Error
		}
		fmt.Fprintln(out, line)
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
