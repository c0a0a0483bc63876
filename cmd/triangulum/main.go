// Package main is the triangulum CLI: `run` hosts the supervisor, the other
// commands either talk to a running instance over HTTP or read the state
// directory offline.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"triangulum/internal/config"
	"triangulum/internal/logging"
)

var (
	// Global flags
	configPath string
	stateDir   string
	addr       string
	verbose    bool

	// Loaded in PersistentPreRunE
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "triangulum",
	Short: "Triangulum - supervised bug-remediation runtime",
	Long: `Triangulum queues bug tickets, admits them into a bounded agent pool
under a PID admission controller, and runs one repair session per admitted
ticket. Every state change is written to an append-only log before it takes
effect, so a crash loses nothing that was acknowledged.

Start the runtime with "triangulum run", then submit work with
"triangulum submit".`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if stateDir != "" {
			cfg.StateDir = stateDir
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", configPath, err)
		}
		if addr == "" {
			addr = cfg.Metrics.ListenAddr
		}

		// One-shot commands only log warnings unless -v
		opts := cfg.Logging.Options()
		if cmd.Name() != "run" && !verbose {
			opts.Level = "warn"
		}
		if err := logging.Initialize(opts); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "triangulum.yaml", "Config file (missing file means defaults)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "Override state_dir from config")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "Control API address (default: metrics.listen_addr)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(outcomesCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
