package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Prajjwal74/expense-tracker/internal/process"
)

type spawnRecorder struct {
	calls []process.Spec
	pid   int
	err   error
}

func (r *spawnRecorder) spawn(spec process.Spec) (int, error) {
	r.calls = append(r.calls, spec)
	return r.pid, r.err
}

func noSleep(slept *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
}

func downURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

func TestEnsureRunning_AlreadyUpHasNoSideEffect(t *testing.T) {
	// A non-2xx answer still proves the service is listening.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec := &spawnRecorder{pid: 42}
	var slept []time.Duration
	s := &Supervisor{Spawn: rec.spawn, Sleep: noSleep(&slept)}

	st := s.EnsureRunning(context.Background(), Descriptor{Name: "ollama", ProbeURL: srv.URL, Start: []string{"ollama", "serve"}})
	if st.State != StateReady {
		t.Fatalf("want ready, got %s", st.State)
	}
	if len(rec.calls) != 0 || len(slept) != 0 {
		t.Fatalf("ready service must not be started: spawns=%d sleeps=%d", len(rec.calls), len(slept))
	}
}

func TestEnsureRunning_DownStartsAndSettles(t *testing.T) {
	rec := &spawnRecorder{pid: 4242}
	var slept []time.Duration
	s := &Supervisor{Spawn: rec.spawn, Sleep: noSleep(&slept)}

	d := Descriptor{
		Name:         "ollama",
		ProbeURL:     downURL(t),
		Start:        []string{"ollama", "serve"},
		ProbeTimeout: 500 * time.Millisecond,
		Settle:       3 * time.Second,
	}
	st := s.EnsureRunning(context.Background(), d)
	if st.State != StateStartAttempted || st.PID != 4242 || st.Err != nil {
		t.Fatalf("unexpected status: %+v", st)
	}
	if len(rec.calls) != 1 || rec.calls[0].Argv[0] != "ollama" {
		t.Fatalf("want one spawn of ollama, got %+v", rec.calls)
	}
	if len(slept) != 1 || slept[0] != 3*time.Second {
		t.Fatalf("want one settle wait of 3s, got %v", slept)
	}
}

func TestEnsureRunning_SpawnFailureIsSwallowed(t *testing.T) {
	rec := &spawnRecorder{err: errors.New("exec: not found")}
	var slept []time.Duration
	s := &Supervisor{Spawn: rec.spawn, Sleep: noSleep(&slept)}

	st := s.EnsureRunning(context.Background(), Descriptor{Name: "ollama", ProbeURL: downURL(t), Start: []string{"ollama", "serve"}})
	if st.State != StateStartFailed || st.Err == nil {
		t.Fatalf("want start_failed with error, got %+v", st)
	}
	if len(slept) != 0 {
		t.Fatal("no settle wait after a failed spawn")
	}
}

func TestAttemptStart_RealDetachedProcess(t *testing.T) {
	s := &Supervisor{}
	pid, err := s.AttemptStart(context.Background(), Descriptor{Name: "true", Start: []string{"sh", "-c", "exit 0"}})
	if err != nil {
		t.Skipf("sh unavailable: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("want pid, got %d", pid)
	}
}

func TestAttemptStart_SettleHonoursContext(t *testing.T) {
	rec := &spawnRecorder{pid: 7}
	s := &Supervisor{Spawn: rec.spawn}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pid, err := s.AttemptStart(ctx, Descriptor{Name: "svc", Start: []string{"x"}, Settle: time.Hour})
	if pid != 7 || !errors.Is(err, context.Canceled) {
		t.Fatalf("want pid 7 and context.Canceled, got %d %v", pid, err)
	}
}

func TestProbe_Timeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { <-block }))
	defer srv.Close()
	defer close(block)

	s := &Supervisor{}
	start := time.Now()
	err := s.Probe(context.Background(), Descriptor{ProbeURL: srv.URL, ProbeTimeout: 100 * time.Millisecond})
	if err == nil {
		t.Fatal("want timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("probe was not bounded")
	}
}
