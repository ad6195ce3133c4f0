// Package cli implements presencectl, the operator tool for the presence
// ledger.
package cli

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/presence-ledger/internal/config"
)

// options are the global flags shared by every subcommand
type options struct {
	configPath string
	output     string
	verbose    bool

	cfg    *config.Config
	logger *slog.Logger
}

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "presencectl",
		Short: "Operator CLI for the presence ledger",
		Long: `presencectl talks to the game server and the presence event stream
without going through the ledger service.

It can run a single status probe against the configured server, follow the
presence events the service publishes to Kafka, and simulate a game server
for local development.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd.ErrOrStderr())
		},
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "Output format: text, json")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose output")

	// Add subcommands
	rootCmd.AddCommand(newProbeCmd(opts))
	rootCmd.AddCommand(newTailCmd(opts))
	rootCmd.AddCommand(newFakeServerCmd(opts))

	return rootCmd
}

// load reads the config file, falling back to defaults when it is missing
func (o *options) load(stderr io.Writer) error {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	o.logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	cfg, usedDefaults, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return err
	}
	if usedDefaults {
		o.logger.Debug("config file not found, using defaults", "path", o.configPath)
	}
	o.cfg = cfg
	return nil
}

// Execute runs the root command
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
