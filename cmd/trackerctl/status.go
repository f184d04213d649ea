package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prajjwal74/expense-tracker/internal/config"
	"github.com/Prajjwal74/expense-tracker/internal/service"
	"github.com/Prajjwal74/expense-tracker/internal/snapshot"
	"github.com/Prajjwal74/expense-tracker/internal/store"
)

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show services, database and backups",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows := statusRows(a.ctx, a.cfg)
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Component", "State", "Detail"}, rows, nil))
			return nil
		},
	}
}

// statusRows inspects the checkout without changing anything.
func statusRows(ctx context.Context, cfg config.Config) [][]string {
	var rows [][]string

	probe := func(name, url string) {
		state := "up"
		if err := service.ProbeURL(ctx, nil, url, cfg.ProbeTimeout); err != nil {
			state = "down"
		}
		rows = append(rows, []string{name, state, url})
	}
	probe("ollama", cfg.Ollama.URL)
	probe("web ui", cfg.AppURL)

	db := cfg.DBPath()
	if info, err := os.Stat(db); err == nil {
		detail := fmt.Sprintf("%s (%s)", db, humanBytes(info.Size()))
		if n, err := store.CountRows(ctx, db, cfg.CountTable); err == nil {
			detail += fmt.Sprintf(", %d %s", n, cfg.CountTable)
		}
		rows = append(rows, []string{"database", "present", detail})
	} else {
		rows = append(rows, []string{"database", "missing", db})
	}

	latest := snapshot.LatestPath(cfg.BackupPath(), cfg.DBName)
	if info, err := os.Stat(latest); err == nil {
		rows = append(rows, []string{"latest backup", "present", info.ModTime().Format(time.DateTime)})
	} else {
		rows = append(rows, []string{"latest backup", "missing", latest})
	}

	snaps, err := snapshot.List(cfg.BackupPath(), cfg.DBName)
	switch {
	case err != nil:
		rows = append(rows, []string{"snapshots", "error", err.Error()})
	case len(snaps) == 0:
		rows = append(rows, []string{"snapshots", "0", "none"})
	default:
		newest := snaps[len(snaps)-1]
		rows = append(rows, []string{"snapshots", strconv.Itoa(len(snaps)), "newest " + newest.Timestamp.Format(time.DateTime)})
	}

	repo := repository(cfg)
	if hash, subject, err := repo.LastCommit(ctx); err == nil {
		// Backup commits carry the row count in their body.
		if body, err := repo.Body(ctx, hash); err == nil && body != "" {
			subject += " (" + strings.Join(strings.Fields(body), " ") + ")"
		}
		if len(hash) > 12 {
			hash = hash[:12]
		}
		rows = append(rows, []string{"git", hash, subject})
	} else {
		rows = append(rows, []string{"git", "unavailable", cfg.Dir})
	}

	present := func(name, p string) {
		state := "missing"
		if _, err := os.Stat(p); err == nil {
			state = "present"
		}
		rows = append(rows, []string{name, state, p})
	}
	present("virtualenv", cfg.Path(cfg.VenvDir))
	present("env file", cfg.Path(cfg.EnvFile))
	return rows
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
