package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cfg := defaultConfig()
	root := &cobra.Command{
		Use:          "can-debugger",
		Short:        "Interactive client for the CAN bus debugger (BLE or TCP-JSON)",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&cfg.configFile, "config", "", "ini config file ([client] [ble] [tcp] [fep] [log])")
	pf.StringVar(&cfg.logFormat, "log-format", cfg.logFormat, "Log format: text|json")
	pf.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "Log level: debug|info|warn|error")
	pf.StringVar(&cfg.metricsAddr, "metrics-addr", cfg.metricsAddr, "Metrics HTTP listen address (e.g., :9100); empty disables")
	pf.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", cfg.logMetricsEvery, "If >0, periodically log metrics counters")

	root.AddCommand(newBLECmd(cfg), newTCPCmd(cfg), newDiscoverCmd(cfg), newFEPCmd(cfg), newVersionCmd())
	return root
}

// addClientFlags registers the flags shared by the ble and tcp commands.
func addClientFlags(cmd *cobra.Command, cfg *appConfig) {
	f := cmd.Flags()
	f.DurationVar(&cfg.heartbeat, "heartbeat", cfg.heartbeat, "Keep-alive interval")
	f.DurationVar(&cfg.connectTO, "connect-timeout", cfg.connectTO, "Connect timeout (0 = none)")
	f.IntVar(&cfg.retryAttempts, "retry", cfg.retryAttempts, "Connect attempts before giving up")
	f.BoolVar(&cfg.reconnect, "reconnect", cfg.reconnect, "Reconnect after the link drops")
	f.BoolVar(&cfg.noPrompt, "no-prompt", cfg.noPrompt, "Only log received traffic, no send prompt")
	f.StringVar(&cfg.mirrorIf, "mirror-if", cfg.mirrorIf, "Mirror received frames to this SocketCAN interface (e.g. vcan0)")
	f.BoolVar(&cfg.forward, "forward", cfg.forward, "Also send frames read from --mirror-if to the device")
}

// loadConfig applies ini file, then environment, to flags not set explicitly,
// validates and installs the logger.
func loadConfig(cmd *cobra.Command, cfg *appConfig) error {
	set := changedFlags(cmd.Flags())
	if cfg.configFile != "" {
		if err := applyIniFile(cfg, cfg.configFile, set); err != nil {
			return err
		}
	}
	if err := applyEnvOverrides(cfg, set); err != nil {
		return fmt.Errorf("environment override error: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Debug("build_info", "version", version, "commit", commit, "date", date)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "can-debugger %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
