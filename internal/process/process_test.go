package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// TestHelperListener is not a real test: it is re-executed as a child that
// holds a TCP port open until killed.
func TestHelperListener(t *testing.T) {
	port := os.Getenv("TRACKER_HELPER_LISTEN")
	if port == "" {
		return
	}
	ln, err := net.Listen("tcp", "127.0.0.1:"+port)
	if err != nil {
		os.Exit(3)
	}
	defer ln.Close()
	for {
		conn, err := ln.Accept()
		if err != nil {
			os.Exit(4)
		}
		_ = conn.Close()
	}
}

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestStartWait_ExitCode(t *testing.T) {
	requireSh(t)
	h, err := Start(Spec{Argv: []string{"sh", "-c", "exit 3"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	code, err := h.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 3 {
		t.Fatalf("want exit 3, got %d", code)
	}
	if !h.Exited() {
		t.Fatal("handle should report exited")
	}
}

func TestStart_EmptyCommand(t *testing.T) {
	if _, err := Start(Spec{}); !errors.Is(err, ErrEmptyCommand) {
		t.Fatalf("want ErrEmptyCommand, got %v", err)
	}
}

func TestTerminate_StopsLongRunningChild(t *testing.T) {
	requireSh(t)
	h, err := Start(Spec{Argv: []string{"sleep", "30"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	start := time.Now()
	if err := h.Terminate(2 * time.Second); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("terminate took too long")
	}
	code, _ := h.Wait()
	if code == 0 {
		t.Fatalf("terminated child should not report success")
	}
}

func TestRun_CapturesOutputAndErrors(t *testing.T) {
	requireSh(t)
	var out bytes.Buffer
	if err := Run(context.Background(), Spec{Argv: []string{"sh", "-c", "echo hello"}, Stdout: &out}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(out.String()) != "hello" {
		t.Fatalf("unexpected output %q", out.String())
	}

	err := Run(context.Background(), Spec{Argv: []string{"sh", "-c", "exit 2"}})
	var ee *exec.ExitError
	if !errors.As(err, &ee) || ee.ExitCode() != 2 {
		t.Fatalf("want exit error 2, got %v", err)
	}
}

func TestDetach_ReturnsPID(t *testing.T) {
	requireSh(t)
	pid, err := Detach(Spec{Argv: []string{"sh", "-c", "exit 0"}})
	if err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("want a pid, got %d", pid)
	}
	if _, err := Detach(Spec{Argv: []string{"/definitely/not/a/binary"}}); err == nil {
		t.Fatal("want error for missing binary")
	}
}

func TestDetach_ReapsExitedChild(t *testing.T) {
	requireSh(t)
	pid, err := Detach(Spec{Argv: []string{"sh", "-c", "exit 0"}})
	if err != nil {
		t.Fatalf("Detach: %v", err)
	}
	// A zombie still accepts signal 0; only a reaped pid reports ESRCH.
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := unix.Kill(pid, 0)
		if errors.Is(err, unix.ESRCH) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("pid %d not reaped: kill(0) = %v", pid, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

const procNetTCP = `  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
   0: 0100007F:2135 00000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 424242 1 0000000000000000 100 0 0 10 0
   1: 0100007F:2135 0100007F:C350 01 00000000:00000000 00:00000000 00000000  1000        0 515151 1 0000000000000000 20 4 30 10 -1
   2: 00000000:2CAE 00000000:0000 0A 00000000:00000000 00:00000000 00000000     0        0 999 1 0000000000000000 100 0 0 10 0
`

func TestParseListeners(t *testing.T) {
	got, err := parseListeners(strings.NewReader(procNetTCP), 8501)
	if err != nil {
		t.Fatal(err)
	}
	// 0x2135 == 8501; only the LISTEN row counts.
	if len(got) != 1 || got[0] != "424242" {
		t.Fatalf("want [424242], got %v", got)
	}
	got, _ = parseListeners(strings.NewReader(procNetTCP), 11438)
	if len(got) != 1 || got[0] != "999" {
		t.Fatalf("want [999], got %v", got)
	}
	got, _ = parseListeners(strings.NewReader(procNetTCP), 80)
	if len(got) != 0 {
		t.Fatalf("want none, got %v", got)
	}
}

func TestReclaimPort_NothingListening(t *testing.T) {
	called := false
	killed, err := ReclaimPort(context.Background(), 8501, func(context.Context, int) ([]int, error) {
		called = true
		return nil, nil
	})
	if err != nil || len(killed) != 0 || !called {
		t.Fatalf("want no-op, got killed=%v err=%v called=%v", killed, err, called)
	}
}

func TestReclaimPort_FinderError(t *testing.T) {
	_, err := ReclaimPort(context.Background(), 8501, func(context.Context, int) ([]int, error) {
		return nil, errors.New("lsof exploded")
	})
	if err == nil {
		t.Fatal("want finder error surfaced")
	}
}

func TestReclaimPort_FreesBoundPort(t *testing.T) {
	if runtime.GOOS != "linux" {
		if _, err := exec.LookPath("lsof"); err != nil {
			t.Skip("needs procfs or lsof")
		}
	}
	port := freePort(t)

	cmd := exec.Command(os.Args[0], "-test.run=TestHelperListener")
	cmd.Env = append(os.Environ(), "TRACKER_HELPER_LISTEN="+strconv.Itoa(port))
	if err := cmd.Start(); err != nil {
		t.Fatalf("start helper: %v", err)
	}
	done := make(chan struct{})
	go func() { _ = cmd.Wait(); close(done) }()
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		<-done
	})
	waitListening(t, port)

	killed, err := ReclaimPort(context.Background(), port, ListenerPIDs)
	if err != nil {
		t.Fatalf("ReclaimPort: %v", err)
	}
	if len(killed) != 1 || killed[0] != cmd.Process.Pid {
		t.Fatalf("want helper pid %d killed, got %v", cmd.Process.Pid, killed)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("helper still running after reclaim")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("port should be free after reclaim: %v", err)
	}
	_ = ln.Close()
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func waitListening(t *testing.T, port int) {
	t.Helper()
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c, err := net.DialTimeout("tcp", addr, 100*time.Millisecond); err == nil {
			_ = c.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("helper never listened on %d", port)
}
