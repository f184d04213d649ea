// Package daily is the unattended job: make sure the inference service is
// up, run the ingestion script, then back up. Ingestion failing never
// prevents the backup.
package daily

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Prajjwal74/expense-tracker/internal/process"
	"github.com/Prajjwal74/expense-tracker/internal/service"
	"github.com/Prajjwal74/expense-tracker/internal/snapshot"
)

const (
	StageService = "service"
	StageIngest  = "ingest"
	StageBackup  = "backup"
)

// Stage is the record of one step of a run.
type Stage struct {
	Name    string
	Skipped bool
	Err     error
	Elapsed time.Duration
}

// Report is the record of one run.
type Report struct {
	RunID   string
	Started time.Time
	Stages  []Stage
	Service service.Status
	Backup  snapshot.Result
}

// Failed returns the stages that ended with an error.
func (r Report) Failed() []Stage {
	var out []Stage
	for _, s := range r.Stages {
		if s.Err != nil {
			out = append(out, s)
		}
	}
	return out
}

// Ensurer keeps a service reachable.
type Ensurer interface {
	EnsureRunning(ctx context.Context, d service.Descriptor) service.Status
}

// Backuper takes one backup.
type Backuper interface {
	Backup(ctx context.Context) (snapshot.Result, error)
}

// Job wires the three stages. Exec defaults to process.Run; NewID to a
// random UUID.
type Job struct {
	Service  service.Descriptor
	Services Ensurer
	Ingest   process.Spec
	Backups  Backuper

	Exec  func(ctx context.Context, spec process.Spec) error
	NewID func() string
}

// Run executes every stage in order and always returns a full report.
// Every log line written during the run carries its run_id.
func (j *Job) Run(ctx context.Context) Report {
	newID := j.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	rep := Report{RunID: newID(), Started: time.Now()}

	prev := log.Logger
	log.Logger = prev.With().Str("run_id", rep.RunID).Logger()
	defer func() { log.Logger = prev }()

	log.Info().Str("action", "daily").Msg("daily run started")

	rep.Stages = append(rep.Stages, j.stage(StageService, func() (bool, error) {
		if j.Services == nil {
			return true, nil
		}
		rep.Service = j.Services.EnsureRunning(ctx, j.Service)
		return false, rep.Service.Err
	}))

	rep.Stages = append(rep.Stages, j.stage(StageIngest, func() (bool, error) {
		if len(j.Ingest.Argv) == 0 {
			return true, nil
		}
		exec := j.Exec
		if exec == nil {
			exec = process.Run
		}
		return false, exec(ctx, j.Ingest)
	}))

	rep.Stages = append(rep.Stages, j.stage(StageBackup, func() (bool, error) {
		if j.Backups == nil {
			return true, nil
		}
		res, err := j.Backups.Backup(ctx)
		rep.Backup = res
		return false, err
	}))

	ev := log.Info()
	if n := len(rep.Failed()); n > 0 {
		ev = log.Warn().Int("failed_stages", n)
	}
	ev.Str("action", "daily").
		Str("backup_outcome", string(rep.Backup.Outcome)).
		Dur("elapsed_ms", time.Since(rep.Started)).
		Msg("daily run finished")
	return rep
}

func (j *Job) stage(name string, fn func() (bool, error)) Stage {
	start := time.Now()
	skipped, err := fn()
	st := Stage{Name: name, Skipped: skipped, Err: err, Elapsed: time.Since(start)}

	ev := log.Info()
	switch {
	case err != nil:
		ev = log.Error().Err(err)
	case skipped:
		ev = log.Debug()
	}
	ev.Str("action", "daily_stage").
		Str("stage", name).
		Bool("skipped", skipped).
		Dur("elapsed_ms", st.Elapsed).
		Msg("stage finished")
	return st
}
