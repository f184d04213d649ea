// Package restore bootstraps a fresh or partial checkout: the Python sandbox,
// the inference service, the live database and the .env file. Each step
// checks before it acts, so running it again on a complete setup changes
// nothing.
package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/Prajjwal74/expense-tracker/internal/process"
	"github.com/Prajjwal74/expense-tracker/internal/provider"
	"github.com/Prajjwal74/expense-tracker/internal/service"
	"github.com/Prajjwal74/expense-tracker/internal/util"
)

// ErrTemplateMissing is reported by the config step when neither the env
// file nor its template exists.
var ErrTemplateMissing = errors.New("env template not found")

// Step names one bootstrap step.
type Step string

const (
	StepSandbox  Step = "sandbox"
	StepService  Step = "service"
	StepDatabase Step = "database"
	StepConfig   Step = "config"
)

// Transition is what a step did.
type Transition string

const (
	Created Transition = "created" // resource was missing and is now in place
	Skipped Transition = "skipped" // resource already present, untouched
	Started Transition = "started" // service was installed but down; start attempted
	Absent  Transition = "absent"  // nothing to restore from
	Failed  Transition = "failed"
)

// StepResult records one step.
type StepResult struct {
	Step       Step
	Transition Transition
	Detail     string
	Err        error
	Elapsed    time.Duration
}

// Outcome summarises a Report.
type Outcome string

const (
	OutcomeComplete   Outcome = "complete"
	OutcomeIncomplete Outcome = "incomplete"
)

// Report lists the steps in the order they ran.
type Report struct {
	Steps []StepResult
}

// Outcome is incomplete when any step failed.
func (r Report) Outcome() Outcome {
	for _, s := range r.Steps {
		if s.Transition == Failed {
			return OutcomeIncomplete
		}
	}
	return OutcomeComplete
}

// Get returns the result of step s.
func (r Report) Get(s Step) (StepResult, bool) {
	for _, res := range r.Steps {
		if res.Step == s {
			return res, true
		}
	}
	return StepResult{}, false
}

// Options holds resolved paths and commands. Relative paths resolve against Dir.
type Options struct {
	Dir string

	VenvDir          string
	Python           string
	RequirementsFile string

	Service        service.Descriptor
	ServiceBinary  string
	InstallCommand string // shell snippet
	Model          string

	DBPath     string
	LatestPath string
	// MirrorKey is the remote key of the latest pointer, used when no local
	// pointer exists and Mirror is set.
	MirrorKey string

	EnvFile     string
	EnvTemplate string
}

// Services is the part of the supervisor restore needs.
type Services interface {
	EnsureRunning(ctx context.Context, d service.Descriptor) service.Status
	AttemptStart(ctx context.Context, d service.Descriptor) (int, error)
}

// Manager runs the bootstrap. Services, Exec and LookPath default to the real
// implementations; Mirror is optional.
type Manager struct {
	Options
	Services Services
	Mirror   provider.Provider
	// Output receives the stdout and stderr of setup commands.
	Output io.Writer
	// OnTransition observes every finished step.
	OnTransition func(StepResult)

	Exec     func(ctx context.Context, spec process.Spec) error
	LookPath func(file string) (string, error)
}

// Run executes every step in order. A failing step is recorded and the next
// one still runs.
func (m *Manager) Run(ctx context.Context) Report {
	var rep Report
	steps := []struct {
		name Step
		fn   func(context.Context) (Transition, string, error)
	}{
		{StepSandbox, m.sandbox},
		{StepService, m.service},
		{StepDatabase, m.database},
		{StepConfig, m.config},
	}
	for _, s := range steps {
		start := time.Now()
		tr, detail, err := s.fn(ctx)
		if err != nil {
			tr = Failed
		}
		res := StepResult{Step: s.name, Transition: tr, Detail: detail, Err: err, Elapsed: time.Since(start)}
		rep.Steps = append(rep.Steps, res)

		ev := log.Info()
		if err != nil {
			ev = log.Error().Err(err)
		}
		ev.Str("action", "restore").
			Str("step", string(s.name)).
			Str("transition", string(tr)).
			Str("detail", detail).
			Dur("elapsed_ms", res.Elapsed).
			Msg("restore step finished")
		if m.OnTransition != nil {
			m.OnTransition(res)
		}
	}
	return rep
}

// requirementsMarker is written inside the venv once pip has installed the
// requirements file whose checksum it holds.
const requirementsMarker = ".requirements-installed"

func (m *Manager) sandbox(ctx context.Context) (Transition, string, error) {
	venv := m.path(m.VenvDir)
	present, err := util.Exists(venv)
	if err != nil {
		return Failed, "", err
	}
	if !present {
		python := m.Python
		if python == "" {
			python = "python3"
		}
		if err := m.run(ctx, python, "-m", "venv", venv); err != nil {
			return Failed, "", fmt.Errorf("create virtual environment: %w", err)
		}
	}
	detail := "virtual environment present"
	if !present {
		detail = "virtual environment created"
	}

	reqs := m.path(m.RequirementsFile)
	if ok, _ := util.Exists(reqs); !ok {
		if present {
			return Skipped, detail, nil
		}
		return Created, detail + ", no requirements file", nil
	}
	sum, _, err := util.SHA256File(reqs)
	if err != nil {
		return Failed, detail, fmt.Errorf("read requirements: %w", err)
	}
	marker := filepath.Join(venv, requirementsMarker)
	if present {
		if b, err := os.ReadFile(marker); err == nil && strings.TrimSpace(string(b)) == sum {
			return Skipped, detail, nil
		}
	}

	// The marker is only written after pip succeeds, so an interrupted or
	// failed install is retried by the next run.
	if err := m.run(ctx, filepath.Join(venv, "bin", "pip"), "install", "-r", reqs); err != nil {
		return Failed, detail, fmt.Errorf("install requirements: %w", err)
	}
	if err := os.WriteFile(marker, []byte(sum+"\n"), 0o644); err != nil {
		return Failed, detail, fmt.Errorf("record requirements: %w", err)
	}
	return Created, detail + ", requirements installed", nil
}

func (m *Manager) service(ctx context.Context) (Transition, string, error) {
	svc := m.services()
	binary := m.ServiceBinary
	if binary == "" && len(m.Service.Start) > 0 {
		binary = m.Service.Start[0]
	}

	if _, err := m.lookPath(binary); err == nil {
		var tr Transition
		var detail string
		st := svc.EnsureRunning(ctx, m.Service)
		switch st.State {
		case service.StateReady:
			tr, detail = Skipped, m.Service.Name+" already running"
		case service.StateStartAttempted:
			tr, detail = Started, fmt.Sprintf("%s start attempted (pid %d)", m.Service.Name, st.PID)
		default:
			return Failed, "", st.Err
		}
		pulled, err := m.ensureModel(ctx, binary)
		if err != nil {
			return Failed, detail, err
		}
		if pulled {
			return Created, fmt.Sprintf("%s, model %s pulled", detail, m.Model), nil
		}
		return tr, detail, nil
	}

	if m.InstallCommand == "" {
		return Failed, "", fmt.Errorf("%s not installed and no install command configured", binary)
	}
	if err := m.run(ctx, "sh", "-c", m.InstallCommand); err != nil {
		return Failed, "", fmt.Errorf("install %s: %w", m.Service.Name, err)
	}
	if _, err := svc.AttemptStart(ctx, m.Service); err != nil {
		return Failed, m.Service.Name + " installed", err
	}
	if m.Model != "" {
		if err := m.pull(ctx, binary); err != nil {
			return Failed, m.Service.Name + " installed and started", err
		}
	}
	return Created, m.Service.Name + " installed and started", nil
}

// ensureModel pulls Model when the service does not list it yet. It reports
// whether a pull happened.
func (m *Manager) ensureModel(ctx context.Context, binary string) (bool, error) {
	if m.Model == "" {
		return false, nil
	}
	if err := m.quiet(ctx, binary, "show", m.Model); err == nil {
		return false, nil
	}
	if err := m.pull(ctx, binary); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) pull(ctx context.Context, binary string) error {
	if err := m.run(ctx, binary, "pull", m.Model); err != nil {
		return fmt.Errorf("pull model %s: %w", m.Model, err)
	}
	return nil
}

func (m *Manager) database(ctx context.Context) (Transition, string, error) {
	db := m.path(m.DBPath)
	if ok, err := util.Exists(db); err != nil {
		return Failed, "", err
	} else if ok {
		return Skipped, "live database kept", nil
	}

	latest := m.path(m.LatestPath)
	ok, err := util.Exists(latest)
	if err != nil {
		return Failed, "", err
	}
	from := "latest backup"
	if !ok {
		if m.Mirror == nil {
			return Absent, "no backup to restore from", nil
		}
		if err := m.Mirror.Restore(ctx, m.MirrorKey, latest); err != nil {
			if errors.Is(err, provider.ErrNotFound) {
				return Absent, "no backup locally or in " + m.Mirror.Name(), nil
			}
			return Failed, "", fmt.Errorf("download from %s: %w", m.Mirror.Name(), err)
		}
		from = m.Mirror.Name() + " mirror"
	}

	if err := os.MkdirAll(filepath.Dir(db), 0o755); err != nil {
		return Failed, "", err
	}
	if _, err := util.CopyFile(latest, db); err != nil {
		return Failed, "", fmt.Errorf("copy latest backup: %w", err)
	}
	return Created, "restored from " + from, nil
}

func (m *Manager) config(context.Context) (Transition, string, error) {
	env := m.path(m.EnvFile)
	if ok, err := util.Exists(env); err != nil {
		return Failed, "", err
	} else if ok {
		return Skipped, filepath.Base(env) + " present", nil
	}

	tmpl := m.path(m.EnvTemplate)
	if ok, _ := util.Exists(tmpl); !ok {
		return Failed, "", fmt.Errorf("%w: %s", ErrTemplateMissing, tmpl)
	}
	vars, err := godotenv.Read(tmpl)
	if err != nil {
		return Failed, "", fmt.Errorf("parse %s: %w", tmpl, err)
	}
	if _, err := util.CopyFile(tmpl, env); err != nil {
		return Failed, "", err
	}
	return Created, fmt.Sprintf("%s created from template (%d keys)", filepath.Base(env), len(vars)), nil
}

func (m *Manager) run(ctx context.Context, argv ...string) error {
	return m.exec(ctx, process.Spec{Argv: argv, Dir: m.Dir, Stdout: m.Output, Stderr: m.Output})
}

// quiet runs a check whose output is not worth showing.
func (m *Manager) quiet(ctx context.Context, argv ...string) error {
	return m.exec(ctx, process.Spec{Argv: argv, Dir: m.Dir})
}

func (m *Manager) exec(ctx context.Context, spec process.Spec) error {
	if m.Exec != nil {
		return m.Exec(ctx, spec)
	}
	return process.Run(ctx, spec)
}

func (m *Manager) lookPath(file string) (string, error) {
	if file == "" {
		return "", exec.ErrNotFound
	}
	if m.LookPath != nil {
		return m.LookPath(file)
	}
	return exec.LookPath(file)
}

func (m *Manager) services() Services {
	if m.Services != nil {
		return m.Services
	}
	return &service.Supervisor{}
}

func (m *Manager) path(p string) string {
	if p == "" || filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}
