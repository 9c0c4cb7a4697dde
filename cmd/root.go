// Package cmd implements the scrape-wallhaven command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xtream1101/scrape-wallhaven/internal/app"
	"github.com/xtream1101/scrape-wallhaven/internal/config"
	"github.com/xtream1101/scrape-wallhaven/internal/crawler"
	"github.com/xtream1101/scrape-wallhaven/internal/logging"
)

// Exit codes returned by Execute.
const (
	ExitOK    = 0
	ExitError = 1
	ExitUsage = 2
)

const restartArg = "restart"

type options struct {
	configPath  string
	envFiles    []string
	strictExit  bool
	resetCursor bool
}

// harvester is the part of *app.App the command drives.
type harvester interface {
	Run(ctx context.Context, forceRestart bool) (crawler.Summary, error)
	ResetCursor(ctx context.Context) error
	Close() error
}

// newHarvester is the application factory; tests replace it.
var newHarvester = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (harvester, error) {
	return app.New(ctx, cfg, logger)
}

// usageError marks failures caused by bad arguments.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// exitError carries the process exit code for a run that finished with an error.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }
func (e exitError) Unwrap() error { return e.err }

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "scrape-wallhaven <storage-root> [restart]",
		Short: "Harvest wallhaven wallpapers and their metadata into a local archive.",
		Long: `scrape-wallhaven walks every wallpaper id from the last one it stored up to
the newest one published, saving each image under <storage-root>/wallpapers and its
metadata in <storage-root>/wallhaven.sqlite (or Postgres when configured).

Passing "restart" walks from the first id again, skipping ids that are already stored.`,
		Args:          validateArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, args)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a config file (yaml, toml or json)")
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", config.DefaultEnvFiles, "dotenv files exported before reading configuration; missing files are skipped")
	cmd.Flags().BoolVar(&opts.strictExit, "strict-exit", false, "exit non-zero when the newest id cannot be discovered")
	cmd.Flags().BoolVar(&opts.resetCursor, "reset-cursor", false, "set the stored cursor back to zero before running")
	cmd.AddCommand(newTokenCmd(opts))
	return cmd
}

func loadConfig(opts *options) (config.Config, error) {
	if err := config.LoadEnvFiles(opts.envFiles...); err != nil {
		return config.Config{}, err
	}
	return config.Load(opts.configPath)
}

func validateArgs(_ *cobra.Command, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return usageError{fmt.Errorf("expected <storage-root> [restart], got %d argument(s)", len(args))}
	}
	if args[0] == "" {
		return usageError{errors.New("storage root must not be empty")}
	}
	if len(args) == 2 && args[1] != restartArg {
		return usageError{fmt.Errorf("unknown argument %q, only %q is accepted", args[1], restartArg)}
	}
	return nil
}

func run(ctx context.Context, opts *options, args []string) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	cfg.Storage.Dir = args[0]
	forceRestart := len(args) == 2

	var logOpts []logging.Option
	if f := cfg.Logging.File; f.Path != "" {
		logOpts = append(logOpts, logging.WithFile(logging.FileConfig{
			Filename:   f.Path,
			MaxSizeMB:  f.MaxSizeMB,
			MaxBackups: f.MaxBackups,
			MaxAgeDays: f.MaxAgeDays,
			Compress:   f.Compress,
		}))
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level, logOpts...)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	h, err := newHarvester(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer func() {
		if cerr := h.Close(); cerr != nil {
			logger.Warn("shutdown failed", zap.Error(cerr))
		}
	}()

	if opts.resetCursor {
		if err := h.ResetCursor(ctx); err != nil {
			return err
		}
	}

	summary, err := h.Run(ctx, forceRestart)
	switch {
	case errors.Is(err, crawler.ErrDiscovery):
		if opts.strictExit {
			return exitError{code: ExitError, err: err}
		}
		logger.Error("run aborted", zap.Error(err))
		return nil
	case err != nil:
		return err
	}
	if summary.Interrupted {
		logger.Info("stopped on signal", zap.Int64("cursor", summary.Cursor))
	}
	return nil
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return execute(ctx, newRootCmd(), os.Args[1:])
}

func execute(ctx context.Context, cmd *cobra.Command, args []string) int {
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)

	var usage usageError
	if errors.As(err, &usage) {
		fmt.Fprintln(cmd.ErrOrStderr(), cmd.UsageString())
		return ExitUsage
	}
	var exit exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	return ExitError
}
