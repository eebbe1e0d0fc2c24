package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/cellbridge/internal/config"
	"github.com/andresmejia3/cellbridge/internal/logging"
	"github.com/andresmejia3/cellbridge/internal/store"
	"github.com/andresmejia3/cellbridge/internal/utils"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// DB is the database connection shared by subcommands, opened on first use
	DB *store.Store

	// settings holds flags, environment and config file values of this invocation
	settings *viper.Viper
	logger   zerolog.Logger

	configPath string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "cellbridge",
	Short:         "Run CellProfiler pipelines over tables of microscopy images",
	Version:       Version, // This enables the --version flag
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Fresh settings per invocation: flags of the running command, env, optional file
		settings = config.New()
		if err := settings.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		if err := config.ReadFile(settings, configPath); err != nil {
			return err
		}

		var err error
		logger, err = logging.New(os.Stderr, settings.GetString(config.KeyLogLevel), settings.GetBool(config.KeyLogPretty))
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
			DB = nil
		}
	},
}

// openDB connects to PostgreSQL using --db, the POSTGRES_* variables or the local default.
func openDB(ctx context.Context) (*store.Store, error) {
	if DB != nil {
		return DB, nil
	}
	cfg, err := config.Load(settings)
	if err != nil {
		return nil, err
	}
	DB, err = store.New(ctx, config.ResolveDatabaseURL(cfg.DatabaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return DB, nil
}

// commandError carries the context line and worker output for the error box.
type commandError struct {
	context string
	err     error
	tail    []string
}

func (e *commandError) Error() string { return e.context + ": " + e.err.Error() }
func (e *commandError) Unwrap() error { return e.err }

func fail(context string, err error, tail []string) error {
	return &commandError{context: context, err: err, tail: tail}
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var ce *commandError
		if errors.As(err, &ce) {
			utils.Die(ce.context, ce.err, ce.tail)
		}
		utils.Die("Command failed", err, nil)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (YAML); flags and CELLBRIDGE_* variables override it")
	rootCmd.PersistentFlags().String(config.KeyDB, "", "PostgreSQL connection string (default: POSTGRES_* variables, then "+config.DefaultDatabaseURL+")")
	rootCmd.PersistentFlags().String(config.KeyLogLevel, "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool(config.KeyLogPretty, false, "Human-readable log output instead of JSON")
}
