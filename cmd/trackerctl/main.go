package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Prajjwal74/expense-tracker/internal/config"
	"github.com/Prajjwal74/expense-tracker/internal/daily"
	"github.com/Prajjwal74/expense-tracker/internal/launcher"
	"github.com/Prajjwal74/expense-tracker/internal/logx"
	"github.com/Prajjwal74/expense-tracker/internal/provider"
	"github.com/Prajjwal74/expense-tracker/internal/restore"
	"github.com/Prajjwal74/expense-tracker/internal/service"
	"github.com/Prajjwal74/expense-tracker/internal/snapshot"

	_ "github.com/Prajjwal74/expense-tracker/internal/provider/azure"
)

// Test seams, overridden in unit tests. Keep signatures in sync with packages.
var (
	loadConfig = config.Load
	newMirrors = provider.NewAll
	launch     = (*launcher.Launcher).Launch
	runBackup  = (*snapshot.Manager).Backup
	runRestore = (*restore.Manager).Run
	runDaily   = (*daily.Job).Run
	ensure     = (*service.Supervisor).EnsureRunning
	exit       = os.Exit
)

// Exit codes.
const (
	exitOK       = 0
	exitFailure  = 1
	exitUsage    = 2
	exitWarnings = 3
)

// exitError carries a specific exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error { return &exitError{code: exitUsage, err: err} }

func failure(err error) error { return &exitError{code: exitFailure, err: err} }

// main wires CLI -> .env -> logging -> config -> components.
// Exit codes: 0 success, 1 runtime error, 2 usage error, 3 completed with warnings.
func main() {
	loadDotenv()
	logx.InitFromEnv()

	root := newRootCommand(withSignals(context.Background()))
	root.SetArgs(os.Args[1:])
	exit(exitCode(root.Execute()))
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil && ee.code != exitWarnings {
			fmt.Fprintln(os.Stderr, "trackerctl:", ee.err)
		}
		return ee.code
	}
	if errors.Is(err, context.Canceled) {
		return exitFailure
	}
	// Anything cobra rejects before a command runs (unknown flag) is usage.
	fmt.Fprintln(os.Stderr, "trackerctl:", err)
	return exitUsage
}

// loadDotenv loads <TRACKER_DIR>/<ENV_FILE> into the environment, best-effort.
// Values already set in the environment win.
func loadDotenv() {
	name := os.Getenv("ENV_FILE")
	if name == "" {
		name = ".env"
	}
	if !filepath.IsAbs(name) {
		if dir := os.Getenv("TRACKER_DIR"); dir != "" {
			name = filepath.Join(dir, name)
		}
	}
	if err := godotenv.Load(name); err == nil {
		log.Debug().Str("file", name).Msg("loaded env file")
	}
}

func withSignals(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx
}

// app resolves configuration once per invocation.
type app struct {
	ctx context.Context
	cfg config.Config
}

func (a *app) load() error {
	cfg, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Msg("config error")
		return failure(err)
	}
	a.cfg = cfg
	return nil
}

func newRootCommand(ctx context.Context) *cobra.Command {
	a := &app{ctx: ctx}
	root := &cobra.Command{
		Use:   "trackerctl",
		Short: "Run, back up and bootstrap the expense tracker",
		Long: `trackerctl operates a local expense tracker checkout.

  start           reclaim the web UI port, launch it and supervise it
  backup          snapshot the database and commit/push the latest pointer
  restore         bootstrap: virtualenv, inference service, database, .env
  daily           ensure the inference service, ingest, then back up
  ensure-service  start the inference service if it is not answering
  status          show services, database and backups

Configuration comes from the environment, after loading .env.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          usageArgs(cobra.NoArgs),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd == cmd.Root() || cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}
			return a.load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Help()
			return usageError(nil)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError(err) })

	root.AddCommand(newStartCommand(a))
	root.AddCommand(newBackupCommand(a))
	root.AddCommand(newRestoreCommand(a))
	root.AddCommand(newDailyCommand(a))
	root.AddCommand(newEnsureServiceCommand(a))
	root.AddCommand(newStatusCommand(a))
	root.AddCommand(newVersionCommand())
	return root
}

// usageArgs maps argument validation errors to exit code 2.
func usageArgs(fn cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := fn(cmd, args); err != nil {
			_ = cmd.Usage()
			return usageError(err)
		}
		return nil
	}
}
