package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/rover-link/config"
	"github.com/user/rover-link/logger"
)

var cfg = config.Load()

func main() {
	rootCmd := &cobra.Command{
		Use:   "roverctl",
		Short: "Drive a camera rover over its BLE UART link",
		Long: `roverctl scans for rovers, drives them with a keep-alive that feeds the
rover's fail-safe, captures photos into a local gallery and serves an
operator console.

Settings come from ROVERLINK_* environment variables; flags override them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger.Configure(cfg.LogLevel)
			return cfg.EnsureDirs()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.DataDir, "dir", cfg.DataDir, "data directory shared with the simulated radio")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "level, optionally with per-component overrides (INFO,link=TRACE)")
	flags.StringVar(&cfg.DevicePrefix, "prefix", cfg.DevicePrefix, "advertised name prefix of rovers")
	flags.DurationVar(&cfg.ScanWindow, "scan-window", cfg.ScanWindow, "how long a scan runs")

	rootCmd.AddCommand(
		scanCmd(),
		captureCmd(),
		driveCmd(),
		serveCmd(),
		simCmd(),
		photosCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}
