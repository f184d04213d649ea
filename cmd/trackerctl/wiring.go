package main

import (
	"io"

	"github.com/Prajjwal74/expense-tracker/internal/config"
	"github.com/Prajjwal74/expense-tracker/internal/daily"
	"github.com/Prajjwal74/expense-tracker/internal/launcher"
	"github.com/Prajjwal74/expense-tracker/internal/process"
	"github.com/Prajjwal74/expense-tracker/internal/provider"
	"github.com/Prajjwal74/expense-tracker/internal/restore"
	"github.com/Prajjwal74/expense-tracker/internal/service"
	"github.com/Prajjwal74/expense-tracker/internal/snapshot"
	"github.com/Prajjwal74/expense-tracker/internal/vcs"
)

func ollamaDescriptor(cfg config.Config) service.Descriptor {
	return service.Descriptor{
		Name:         "ollama",
		ProbeURL:     cfg.Ollama.URL,
		Start:        cfg.Ollama.StartCommand,
		Dir:          cfg.Dir,
		ProbeTimeout: cfg.ProbeTimeout,
		Settle:       cfg.Ollama.Settle,
	}
}

func launchOptions(cfg config.Config) launcher.Options {
	opt := launcher.Options{
		Command:      cfg.AppCommand,
		Dir:          cfg.Dir,
		Port:         cfg.AppPort,
		ReadyURL:     cfg.AppURL,
		Poll:         cfg.ReadyOptions(),
		ProbeTimeout: cfg.ProbeTimeout,
	}
	if cfg.AppOpenBrowser {
		opt.OnReady = launcher.OpenBrowser(cfg.AppURL)
	}
	return opt
}

func mirrors(cfg config.Config) ([]provider.Provider, error) {
	if len(cfg.MirrorProviders) == 0 {
		return nil, nil
	}
	return newMirrors(cfg.MirrorProviders, cfg)
}

func repository(cfg config.Config) vcs.Git {
	return vcs.Git{Dir: cfg.Dir, Remote: cfg.Git.Remote, Branch: cfg.Git.Branch}
}

func backupManager(cfg config.Config) (*snapshot.Manager, error) {
	ms, err := mirrors(cfg)
	if err != nil {
		return nil, err
	}
	return &snapshot.Manager{
		Options: snapshot.Options{
			DBPath:       cfg.DBPath(),
			BackupDir:    cfg.BackupPath(),
			Name:         cfg.DBName,
			CountTable:   cfg.CountTable,
			Push:         cfg.Git.Push,
			MirrorPrefix: cfg.MirrorPrefix,
		},
		Repo:    repository(cfg),
		Mirrors: ms,
	}, nil
}

func restoreManager(cfg config.Config, out io.Writer) (*restore.Manager, error) {
	ms, err := mirrors(cfg)
	if err != nil {
		return nil, err
	}
	latest := snapshot.LatestPath(cfg.BackupPath(), cfg.DBName)
	m := &restore.Manager{
		Options: restore.Options{
			Dir:              cfg.Dir,
			VenvDir:          cfg.VenvDir,
			Python:           cfg.Python,
			RequirementsFile: cfg.RequirementsFile,
			Service:          ollamaDescriptor(cfg),
			ServiceBinary:    cfg.Ollama.Binary,
			InstallCommand:   cfg.Ollama.InstallCommand,
			Model:            cfg.Ollama.Model,
			DBPath:           cfg.DBPath(),
			LatestPath:       latest,
			MirrorKey:        snapshot.MirrorKey(cfg.MirrorPrefix, latest),
			EnvFile:          cfg.EnvFile,
			EnvTemplate:      cfg.EnvTemplate,
		},
		Output: out,
	}
	// Restore downloads from the first mirror only.
	if len(ms) > 0 {
		m.Mirror = ms[0]
	}
	return m, nil
}

func dailyJob(cfg config.Config, backups *snapshot.Manager, out io.Writer) *daily.Job {
	return &daily.Job{
		Service:  ollamaDescriptor(cfg),
		Services: &service.Supervisor{},
		Ingest:   process.Spec{Argv: cfg.IngestCommand, Dir: cfg.Dir, Stdout: out, Stderr: out},
		Backups:  backups,
	}
}
