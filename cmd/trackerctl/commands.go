package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Prajjwal74/expense-tracker/internal/launcher"
	"github.com/Prajjwal74/expense-tracker/internal/logx"
	"github.com/Prajjwal74/expense-tracker/internal/restore"
	"github.com/Prajjwal74/expense-tracker/internal/service"
	"github.com/Prajjwal74/expense-tracker/internal/snapshot"
	"github.com/Prajjwal74/expense-tracker/internal/version"
)

func newStartCommand(a *app) *cobra.Command {
	var noBrowser, skipService bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Launch the web UI and supervise it until it exits",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !skipService {
				st := ensure(&service.Supervisor{}, a.ctx, ollamaDescriptor(a.cfg))
				if st.State == service.StateStartFailed {
					log.Warn().Err(st.Err).Str("action", "start").Msg("inference service unavailable, launching anyway")
				}
			}

			opt := launchOptions(a.cfg)
			if noBrowser {
				opt.OnReady = nil
			}
			res, err := launch(&launcher.Launcher{}, a.ctx, opt)
			if err != nil {
				return failure(err)
			}
			if a.ctx.Err() != nil {
				// Stopped by the operator.
				return nil
			}
			if res.ExitCode != 0 {
				return failure(fmt.Errorf("web UI exited with status %d", res.ExitCode))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "do not open a browser once the UI answers")
	cmd.Flags().BoolVar(&skipService, "skip-service", false, "do not check or start the inference service")
	return cmd
}

func newBackupCommand(a *app) *cobra.Command {
	var noPush bool
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the database, commit the latest pointer and push it",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := backupManager(a.cfg)
			if err != nil {
				return failure(err)
			}
			if noPush {
				m.Push = false
			}
			res, err := runBackup(m, a.ctx)
			if err != nil {
				log.Error().Err(err).Str("action", "backup").Msg("backup failed")
				return failure(err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "snapshot: %s\n", res.SnapshotPath)
			fmt.Fprintf(out, "latest:   %s\n", res.LatestPath)
			if res.Commit != "" {
				fmt.Fprintf(out, "commit:   %s (pushed: %t)\n", res.Commit, res.Pushed)
			}
			if res.Outcome == snapshot.OutcomeSucceededWithWarnings {
				for _, w := range res.Warnings {
					fmt.Fprintf(out, "warning:  %s\n", w)
				}
				return &exitError{code: exitWarnings, err: errors.New("backup completed with warnings")}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noPush, "no-push", false, "commit locally without pushing")
	return cmd
}

func newRestoreCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Bootstrap a checkout: virtualenv, inference service, database and .env",
		Long: `Every step checks before it acts: anything already in place is left alone,
so running restore on a working setup changes nothing. An existing database is
never overwritten.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := restoreManager(a.cfg, cmd.ErrOrStderr())
			if err != nil {
				return failure(err)
			}
			rep := runRestore(m, a.ctx)

			rows := make([][]string, 0, len(rep.Steps))
			for _, s := range rep.Steps {
				detail := s.Detail
				if s.Err != nil {
					detail = strings.TrimSpace(detail + " " + s.Err.Error())
				}
				rows = append(rows, []string{string(s.Step), string(s.Transition), detail})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Step", "Result", "Detail"}, rows, nil))

			if rep.Outcome() != restore.OutcomeComplete {
				return &exitError{code: exitWarnings, err: errors.New("restore incomplete")}
			}
			return nil
		},
	}
}

func newDailyCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "daily",
		Short: "Ensure the inference service, run ingestion, then back up",
		Long: `Intended for cron. Log lines and ingestion output are appended to DAILY_LOG.
Ingestion failures are logged and never prevent the backup.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := logx.AppendFile(a.cfg.Path(a.cfg.DailyLog))
			if err != nil {
				return failure(fmt.Errorf("open daily log: %w", err))
			}
			defer func() { _ = f.Close() }()

			m, err := backupManager(a.cfg)
			if err != nil {
				log.Error().Err(err).Str("action", "daily").Msg("backup setup failed")
				return failure(err)
			}
			rep := runDaily(dailyJob(a.cfg, m, f), a.ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d stage(s) failed\n", rep.RunID, len(rep.Failed()))
			return nil
		},
	}
}

func newEnsureServiceCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ensure-service",
		Short: "Start the inference service if it does not answer",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			st := ensure(&service.Supervisor{}, a.ctx, ollamaDescriptor(a.cfg))
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", st.Service, st.State)
			if st.State == service.StateStartFailed {
				return failure(st.Err)
			}
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  usageArgs(cobra.NoArgs),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
