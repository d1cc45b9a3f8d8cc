/*
main.go - Application entry point

PURPOSE:
  Command-line entry point for the case package disposal engine. Serves the
  REST API and exposes the assignment workflow to operators.

COMMANDS:
  serve          Start the HTTP server (and the assignment sweep if enabled)
  migrate        Apply database migrations and print the schema version
  recommend      Rank organizations for one package
  batch-assign   Assign packages with a progress bar
  load-scenario  Reset the database and load a demo scenario
  version        Print the version

STARTUP SEQUENCE:
  1. Load .env (if present)
  2. Read config file, DISPOSAL_* environment and flags
  3. Configure logging
  4. Open the SQLite store (migrations run on open)
  5. Build strategies, assignment service and handler
  6. Run the command

CONFIGURATION PRECEDENCE (highest first):
  flags > DISPOSAL_* environment > disposal.yaml > defaults

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM the command context is cancelled:
  1. The scheduler stops after its current sweep
  2. The server stops accepting connections and drains (30s timeout)
  3. The database is closed

EXAMPLES:
  # Run with file database
  ./server serve --db=./data/disposal.db

  # Run with in-memory database and the sweep every 10 minutes
  DISPOSAL_SCHEDULER_ENABLED=true DISPOSAL_SCHEDULER_INTERVAL=10m ./server serve --db=":memory:"

  # Assign everything still published
  ./server batch-assign --strategy=performance

SEE ALSO:
  - internal/config/config.go: Configuration keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/warp/disposal-engine/internal/config"
	"github.com/warp/disposal-engine/internal/logging"
)

var version = "dev"

// app carries state shared by every command.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}

	root := &cobra.Command{
		Use:   "server",
		Short: "Case package assignment and matching engine",
		Long: `Assigns packages of delinquent-debt cases to external disposal organizations.

Packages move through a status lifecycle; assignment rules and weighted
strategies pick the best organization, and every change is audited.`,
		PersistentPreRunE: a.initConfig,
		SilenceUsage:      true,
	}

	// Global flags
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default: ./"+config.DefaultFile+" if present)")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "text", "log format (text, json)")
	root.PersistentFlags().String("db", "disposal.db", `SQLite database path (":memory:" for in-memory)`)

	// Bind flags to viper
	_ = a.v.BindPFlag("logging.level", root.PersistentFlags().Lookup("log-level"))
	_ = a.v.BindPFlag("logging.format", root.PersistentFlags().Lookup("log-format"))
	_ = a.v.BindPFlag("database.path", root.PersistentFlags().Lookup("db"))

	// Add commands
	root.AddCommand(a.serveCmd())
	root.AddCommand(a.migrateCmd())
	root.AddCommand(a.recommendCmd())
	root.AddCommand(a.batchAssignCmd())
	root.AddCommand(a.loadScenarioCmd())
	root.AddCommand(versionCmd())
	return root
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("Received interrupt signal, shutting down gracefully...")
		cancel()
	}()

	err := newRootCmd().ExecuteContext(ctx)
	cancel() // Always cleanup

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (a *app) initConfig(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level, _ := logging.ParseLevel(cfg.Logging.Level) // validated by Load
	logging.Init(level, cfg.Logging.Format)
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "disposal-engine", version)
		},
	}
}
