// Package process owns child processes started by the operator: the web UI
// (supervised until exit), detached services (spawned and reaped in the background), and
// short-lived commands whose output goes to the log.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Spec describes a command to run.
type Spec struct {
	Argv   []string
	Dir    string
	Env    []string // appended to the current environment
	Stdout io.Writer
	Stderr io.Writer
}

// Handle is an owned, started child process.
type Handle struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu   sync.Mutex
	code int
	err  error
}

// ErrEmptyCommand is returned when Spec.Argv is empty.
var ErrEmptyCommand = errors.New("empty command")

// Start launches spec in its own process group and returns a handle to it.
func Start(spec Spec) (*Handle, error) {
	cmd, err := command(context.Background(), spec)
	if err != nil {
		return nil, err
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Argv[0], err)
	}

	h := &Handle{cmd: cmd, done: make(chan struct{})}
	go h.reap()
	log.Debug().
		Str("action", "process_start").
		Strs("argv", spec.Argv).
		Int("pid", cmd.Process.Pid).
		Msg("process started")
	return h, nil
}

func (h *Handle) reap() {
	err := h.cmd.Wait()
	code := 0
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			code = ee.ExitCode()
			err = nil
		} else {
			code = -1
		}
	}
	h.mu.Lock()
	h.code, h.err = code, err
	h.mu.Unlock()
	close(h.done)
}

// PID returns the OS process id.
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// Done is closed once the process has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the process has already terminated.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the process exits and returns its exit code. A process
// killed by a signal reports -1.
func (h *Handle) Wait() (int, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code, h.err
}

// Terminate sends SIGTERM to the process group, then SIGKILL if it is still
// alive after grace. It returns once the process has exited.
func (h *Handle) Terminate(grace time.Duration) error {
	if h.Exited() {
		return nil
	}
	pgid := -h.PID()
	if err := unix.Kill(pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("sigterm %d: %w", h.PID(), err)
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-timer.C:
	}
	log.Warn().
		Str("action", "process_terminate").
		Int("pid", h.PID()).
		Dur("grace", grace).
		Msg("process ignored SIGTERM, killing")
	if err := unix.Kill(pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("sigkill %d: %w", h.PID(), err)
	}
	<-h.done
	return nil
}

// Detach starts spec in a new session so it survives the operator's exit.
// The child is reaped in the background; nobody waits on its result.
func Detach(spec Spec) (int, error) {
	cmd, err := command(context.Background(), spec)
	if err != nil {
		return 0, err
	}
	// nil Stdout/Stderr go to the null device, so Wait has no copier
	// goroutine to block on.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", spec.Argv[0], err)
	}
	pid := cmd.Process.Pid
	go func() {
		err := cmd.Wait()
		log.Debug().
			Str("action", "process_detach").
			Int("pid", pid).
			AnErr("exit", err).
			Msg("detached process exited")
	}()
	return pid, nil
}

// Run executes spec to completion. A non-zero exit is returned as an error
// wrapping *exec.ExitError.
func Run(ctx context.Context, spec Spec) error {
	cmd, err := command(ctx, spec)
	if err != nil {
		return err
	}

	start := time.Now()
	err = cmd.Run()
	ev := log.Debug()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("action", "process_run").
		Strs("argv", spec.Argv).
		Dur("elapsed_ms", time.Since(start)).
		Msg("command finished")
	if err != nil {
		return fmt.Errorf("%s: %w", spec.Argv[0], err)
	}
	return nil
}

func command(ctx context.Context, spec Spec) (*exec.Cmd, error) {
	if len(spec.Argv) == 0 || spec.Argv[0] == "" {
		return nil, ErrEmptyCommand
	}
	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	return cmd, nil
}
