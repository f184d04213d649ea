// Package service keeps dependent background services (the local inference
// server) reachable. Probing and starting are separate steps: AttemptStart
// gives no guarantee, callers that need certainty Probe again.
package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Prajjwal74/expense-tracker/internal/process"
)

// Descriptor is the static configuration of one dependent service.
type Descriptor struct {
	Name         string
	ProbeURL     string
	Start        []string
	Dir          string
	ProbeTimeout time.Duration
	Settle       time.Duration
}

// State is the outcome of EnsureRunning.
type State string

const (
	StateReady          State = "ready"           // probe answered, nothing done
	StateStartAttempted State = "start_attempted" // spawned; not verified
	StateStartFailed    State = "start_failed"    // spawn itself failed
)

// Status is what EnsureRunning observed and did.
type Status struct {
	Service string
	State   State
	PID     int
	Err     error
}

// Supervisor probes and starts services. The zero value is usable.
type Supervisor struct {
	// Client overrides the HTTP client used for probes.
	Client *http.Client
	// Spawn overrides how the start command is launched (tests).
	Spawn func(process.Spec) (int, error)
	// Sleep overrides the settle wait (tests).
	Sleep func(ctx context.Context, d time.Duration) error
}

// Probe issues a GET against d.ProbeURL. Any HTTP response counts as up;
// connection errors and timeouts do not.
func (s *Supervisor) Probe(ctx context.Context, d Descriptor) error {
	return ProbeURL(ctx, s.client(), d.ProbeURL, d.ProbeTimeout)
}

// ProbeURL performs a single bounded GET against url.
func ProbeURL(ctx context.Context, client *http.Client, url string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

// AttemptStart launches d.Start detached and waits d.Settle without probing.
func (s *Supervisor) AttemptStart(ctx context.Context, d Descriptor) (int, error) {
	spawn := s.Spawn
	if spawn == nil {
		spawn = process.Detach
	}
	pid, err := spawn(process.Spec{Argv: d.Start, Dir: d.Dir})
	if err != nil {
		return 0, fmt.Errorf("start %s: %w", d.Name, err)
	}
	log.Info().
		Str("action", "service_start").
		Str("service", d.Name).
		Int("pid", pid).
		Dur("settle", d.Settle).
		Msg("service spawned, settling")
	if err := s.sleep(ctx, d.Settle); err != nil {
		return pid, err
	}
	return pid, nil
}

// EnsureRunning probes d and, if it is down, attempts a start. It never
// fails the caller: the spawn error, if any, is logged and carried in Status.
func (s *Supervisor) EnsureRunning(ctx context.Context, d Descriptor) Status {
	st := Status{Service: d.Name}
	err := s.Probe(ctx, d)
	if err == nil {
		log.Debug().Str("action", "service_probe").Str("service", d.Name).Msg("service already up")
		st.State = StateReady
		return st
	}
	log.Info().Err(err).Str("action", "service_probe").Str("service", d.Name).Msg("service not reachable")

	st.PID, st.Err = s.AttemptStart(ctx, d)
	if st.PID == 0 && st.Err != nil {
		log.Warn().Err(st.Err).Str("action", "service_start").Str("service", d.Name).Msg("service start failed")
		st.State = StateStartFailed
		return st
	}
	// Spawned; a settle wait cut short by ctx still leaves the attempt made.
	st.State = StateStartAttempted
	return st
}

func (s *Supervisor) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) error {
	if s.Sleep != nil {
		return s.Sleep(ctx, d)
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
