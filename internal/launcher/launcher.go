// Package launcher brings up the web UI: reclaim its port, start it, poll
// for readiness, run the on-ready action once, then supervise it to exit.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pkg/browser"
	"github.com/rs/zerolog/log"

	"github.com/Prajjwal74/expense-tracker/internal/process"
	"github.com/Prajjwal74/expense-tracker/internal/retry"
	"github.com/Prajjwal74/expense-tracker/internal/service"
)

// State is a step of the launch lifecycle.
type State string

const (
	StateStarting    State = "starting"
	StateProbing     State = "probing"
	StateReady       State = "ready"
	StateUnready     State = "unready"
	StateSupervising State = "supervising"
	StateTerminated  State = "terminated"
)

// Options describes what to launch.
type Options struct {
	Command  []string
	Dir      string
	Env      []string
	Port     int
	ReadyURL string
	// Poll bounds readiness polling; see retry.Fixed.
	Poll         retry.Options
	ProbeTimeout time.Duration
	// OnReady runs once, on the first successful probe. Errors are logged only.
	OnReady func(ctx context.Context) error
	// Grace is how long the child gets between SIGTERM and SIGKILL on interrupt.
	Grace time.Duration
}

// Result summarises one launch.
type Result struct {
	PID       int
	Reclaimed []int
	Ready     bool
	Attempts  int
	ExitCode  int
	States    []State
}

// Launcher holds the replaceable edges of a launch. The zero value uses the
// real port finder, process start and HTTP probe.
type Launcher struct {
	FindListeners process.PortFinder
	Start         func(process.Spec) (*process.Handle, error)
	Probe         func(ctx context.Context, url string, timeout time.Duration) error
	// OnState observes every transition.
	OnState func(State)
}

// ErrExitedBeforeReady stops readiness polling when the child dies first.
var ErrExitedBeforeReady = errors.New("process exited before becoming ready")

// OpenBrowser is the default OnReady action.
func OpenBrowser(url string) func(context.Context) error {
	return func(context.Context) error { return browser.OpenURL(url) }
}

// Launch runs the full lifecycle and blocks until the child exits or ctx is
// canceled, in which case the child is terminated first.
func (l *Launcher) Launch(ctx context.Context, opt Options) (Result, error) {
	var res Result
	enter := func(s State) {
		res.States = append(res.States, s)
		log.Debug().Str("action", "launch_state").Str("state", string(s)).Msg("transition")
		if l.OnState != nil {
			l.OnState(s)
		}
	}

	enter(StateStarting)
	killed, err := process.ReclaimPort(ctx, opt.Port, l.FindListeners)
	res.Reclaimed = killed
	if err != nil {
		// Best effort: a stale listener makes the new process fail to bind,
		// which supervision will report.
		log.Warn().Err(err).Str("action", "port_reclaim").Int("port", opt.Port).Msg("port reclaim failed")
	}

	start := l.Start
	if start == nil {
		start = process.Start
	}
	h, err := start(process.Spec{Argv: opt.Command, Dir: opt.Dir, Env: opt.Env})
	if err != nil {
		enter(StateTerminated)
		return res, fmt.Errorf("launch: %w", err)
	}
	res.PID = h.PID()
	log.Info().
		Str("action", "launch").
		Strs("argv", opt.Command).
		Int("pid", res.PID).
		Int("port", opt.Port).
		Msg("process started")

	enter(StateProbing)
	res.Ready, res.Attempts = l.pollReady(ctx, h, opt)
	if res.Ready {
		enter(StateReady)
		if opt.OnReady != nil {
			if err := opt.OnReady(ctx); err != nil {
				log.Warn().Err(err).Str("action", "on_ready").Msg("on-ready action failed")
			}
		}
	} else {
		enter(StateUnready)
		log.Warn().
			Str("action", "launch_probe").
			Str("url", opt.ReadyURL).
			Int("attempts", res.Attempts).
			Msg("not ready after polling, supervising anyway")
	}

	enter(StateSupervising)
	select {
	case <-h.Done():
	case <-ctx.Done():
		grace := opt.Grace
		if grace <= 0 {
			grace = 5 * time.Second
		}
		log.Info().Str("action", "launch").Int("pid", res.PID).Msg("interrupted, stopping process")
		if err := h.Terminate(grace); err != nil {
			log.Warn().Err(err).Str("action", "launch").Int("pid", res.PID).Msg("terminate failed")
		}
	}
	code, err := h.Wait()
	res.ExitCode = code
	enter(StateTerminated)
	log.Info().
		Str("action", "launch").
		Int("pid", res.PID).
		Int("exit_code", code).
		Msg("process exited")
	if err != nil {
		return res, fmt.Errorf("wait: %w", err)
	}
	return res, nil
}

func (l *Launcher) pollReady(ctx context.Context, h *process.Handle, opt Options) (bool, int) {
	probe := l.Probe
	if probe == nil {
		probe = func(ctx context.Context, url string, timeout time.Duration) error {
			return service.ProbeURL(ctx, nil, url, timeout)
		}
	}
	attempts := 0
	err := retry.Do(ctx, opt.Poll, nil, func(ctx context.Context) error {
		if h.Exited() {
			return retry.Permanent(ErrExitedBeforeReady)
		}
		attempts++
		return probe(ctx, opt.ReadyURL, opt.ProbeTimeout)
	})
	return err == nil, attempts
}
