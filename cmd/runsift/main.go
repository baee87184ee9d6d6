// runsift deduplicates error events of test runs by embedding similarity.
//
// Usage:
//
//	runsift run
//	runsift ingest --run <uuid> --severity ERROR "connection refused to 10.0.0.5"
//	echo "timeout after 30s" | runsift sanitize
//	runsift prune --older-than 720h
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm/logger"

	"github.com/thebtf/runsift/internal/config"
	"github.com/thebtf/runsift/internal/db/gorm"
)

// Version is set at build time via ldflags.
var Version = "dev"

var debug bool

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "runsift",
		Short: "Deduplicate test run errors by embedding similarity",
		Long: `runsift consumes queued ERROR and CRITICAL events, embeds their sanitized
messages and links near-identical events of the same run to a canonical event.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(sanitizeCmd())
	rootCmd.AddCommand(pruneCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}

// setupLogging routes zerolog to stderr; stdout is reserved for command output.
func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if debug {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})
}

// loadConfig ensures the data directory exists and loads settings, falling back to defaults.
func loadConfig() *config.Config {
	if err := config.EnsureAll(); err != nil {
		log.Warn().Err(err).Msg("Failed to ensure data directory")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.Default()
	}
	setupLogging(cfg.LogLevel)
	return cfg
}

func openStore(cfg *config.Config) (*gorm.Store, error) {
	level := logger.Silent
	if debug {
		level = logger.Info
	}
	store, err := gorm.NewStore(gorm.Config{
		Driver:   cfg.DBDriver,
		DSN:      cfg.DBDSN,
		MaxConns: cfg.MaxConns,
		LogLevel: level,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.DBDriver, err)
	}
	return store, nil
}
