// Package main is the snapvault operator CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/MacJediWizard/snapvault/internal/config"
	"github.com/MacJediWizard/snapvault/internal/db"
	"github.com/MacJediWizard/snapvault/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

const commandTimeout = 5 * time.Minute

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalOptions struct {
	databaseURL string
	limitsFile  string
	verbose     bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "snapvault",
		Short: "Operate a snapvault installation",
		Long: `snapvault manages snapshot and archive backups from the command line.

Jobs created here are queued in the database and run by snapvault-server.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.databaseURL, "db", "", "Database URL (default $DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&opts.limitsFile, "limits", "", "Limits YAML file (default $LIMITS_FILE)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log debug output")

	rootCmd.AddCommand(
		newVersionCmd(),
		newMigrateCmd(opts),
		newEstimateCmd(opts),
		newSnapshotCmd(opts),
		newArchiveCmd(opts),
		newJobsCmd(opts),
		newUsageCmd(opts),
		newBackupCmd(opts),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "snapvault %s\n", Version)
			fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			fmt.Fprintf(out, "  Built:      %s\n", BuildDate)
			fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
		},
	}
}

func (o *globalOptions) logger() zerolog.Logger {
	level := zerolog.WarnLevel
	if o.verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

func (o *globalOptions) limits() (*config.Limits, error) {
	path := o.limitsFile
	if path == "" {
		path = os.Getenv("LIMITS_FILE")
	}
	return config.LoadLimits(path)
}

func (o *globalOptions) openDB(ctx context.Context) (*db.DB, error) {
	url := o.databaseURL
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		return nil, errors.New("database URL required: use --db or set DATABASE_URL")
	}

	cfg := db.DefaultConfig(url)
	cfg.MaxConns = 5
	cfg.MinConns = 1
	return db.New(ctx, cfg, o.logger())
}

// queuedOnly leaves new jobs in the database, where the server's dispatcher
// picks them up on its next poll.
type queuedOnly struct{}

func (queuedOnly) Enqueue(*models.BackupJob) {}

func parseID(name, value string) (uuid.UUID, error) {
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return id, nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), commandTimeout)
}
