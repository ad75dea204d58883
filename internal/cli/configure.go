package cli

import (
	"fmt"

	"github.com/harun/plughost/internal/config"
	"github.com/spf13/cobra"
)

var configureOpts struct {
	backendURL string
	devDir     string
	catalogURL string
	store      string
	metrics    bool
	force      bool
}

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write a configuration file",
	Long: `Write a configuration file for plughost. Flags that are not given keep
their current value, or the default when no config file exists yet.`,
	RunE: runConfigure,
}

func init() {
	f := configureCmd.Flags()
	f.StringVar(&configureOpts.backendURL, "backend-url", "", "backend base URL (http or https)")
	f.StringVar(&configureOpts.devDir, "dev-dir", "", "load plugins from this directory and watch it for changes")
	f.StringVar(&configureOpts.catalogURL, "catalog-url", "", "plugin catalog URL for update checks")
	f.StringVar(&configureOpts.store, "settings-store", "", "settings store (sqlite, remote)")
	f.BoolVar(&configureOpts.metrics, "metrics", false, "enable the status and metrics server")
	f.BoolVar(&configureOpts.force, "force", false, "write even if the result does not validate")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	applyConfigureFlags(cmd, cfg)

	if err := cfg.Validate(); err != nil && !configureOpts.force {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", loader.GetConfigPath())
	fmt.Fprintln(cmd.OutOrStdout(), "You can now start the daemon with: plughost start")
	return nil
}

func applyConfigureFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("backend-url") {
		cfg.Backend.URL = configureOpts.backendURL
	}
	if f.Changed("dev-dir") {
		cfg.Plugins.DevDir = configureOpts.devDir
		cfg.Plugins.DevWatch = configureOpts.devDir != ""
	}
	if f.Changed("catalog-url") {
		cfg.Updates.CatalogURL = configureOpts.catalogURL
	}
	if f.Changed("settings-store") {
		cfg.Settings.Store = configureOpts.store
	}
	if f.Changed("metrics") {
		cfg.Metrics.Enabled = configureOpts.metrics
	}
}
