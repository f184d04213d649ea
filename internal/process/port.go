package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// PortFinder returns the PIDs of processes listening on a local TCP port.
type PortFinder func(ctx context.Context, port int) ([]int, error)

// ListenerPIDs finds listeners on port with lsof when available and falls
// back to scanning procfs.
func ListenerPIDs(ctx context.Context, port int) ([]int, error) {
	if _, err := exec.LookPath("lsof"); err == nil {
		return lsofPIDs(ctx, port)
	}
	return procPIDs("/proc", port)
}

func lsofPIDs(ctx context.Context, port int) ([]int, error) {
	out, err := exec.CommandContext(ctx, "lsof", "-nP", "-t", fmt.Sprintf("-iTCP:%d", port), "-sTCP:LISTEN").Output()
	if err != nil {
		// lsof exits 1 with no output when nothing matches.
		var ee *exec.ExitError
		if errors.As(err, &ee) && ee.ExitCode() == 1 && len(bytes.TrimSpace(out)) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("lsof: %w", err)
	}
	var pids []int
	for _, f := range strings.Fields(string(out)) {
		if pid, err := strconv.Atoi(f); err == nil {
			pids = append(pids, pid)
		}
	}
	return uniq(pids), nil
}

// procPIDs maps listening socket inodes from <root>/net/tcp{,6} to the
// processes holding them open.
func procPIDs(root string, port int) ([]int, error) {
	inodes := map[string]bool{}
	for _, name := range []string{"tcp", "tcp6"} {
		f, err := os.Open(filepath.Join(root, "net", name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		found, err := parseListeners(f, port)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		for _, ino := range found {
			inodes[ino] = true
		}
	}
	if len(inodes) == 0 {
		return nil, nil
	}

	procs, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, p := range procs {
		pid, err := strconv.Atoi(p.Name())
		if err != nil {
			continue
		}
		fds, err := os.ReadDir(filepath.Join(root, p.Name(), "fd"))
		if err != nil {
			continue // exited, or not ours to inspect
		}
		for _, fd := range fds {
			target, err := os.Readlink(filepath.Join(root, p.Name(), "fd", fd.Name()))
			if err != nil {
				continue
			}
			if strings.HasPrefix(target, "socket:[") && inodes[strings.TrimSuffix(target[len("socket:["):], "]")] {
				pids = append(pids, pid)
				break
			}
		}
	}
	return uniq(pids), nil
}

// parseListeners returns socket inodes in LISTEN state bound to port from a
// /proc/net/tcp style table.
func parseListeners(r io.Reader, port int) ([]string, error) {
	const stateListen = "0A"
	sc := bufio.NewScanner(r)
	var inodes []string
	first := true
	for sc.Scan() {
		if first {
			first = false
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 10 || fields[3] != stateListen {
			continue
		}
		i := strings.LastIndexByte(fields[1], ':')
		if i < 0 {
			continue
		}
		p, err := strconv.ParseUint(fields[1][i+1:], 16, 16)
		if err != nil || int(p) != port {
			continue
		}
		inodes = append(inodes, fields[9])
	}
	return inodes, sc.Err()
}

// ReclaimPort kills every process listening on port and waits for the port
// to be released. Nothing listening is not an error. Returns the killed PIDs.
func ReclaimPort(ctx context.Context, port int, find PortFinder) ([]int, error) {
	if find == nil {
		find = ListenerPIDs
	}
	pids, err := find(ctx, port)
	if err != nil {
		return nil, fmt.Errorf("find listeners on %d: %w", port, err)
	}
	self := os.Getpid()
	var killed []int
	for _, pid := range pids {
		if pid == self || pid <= 0 {
			continue
		}
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			return killed, fmt.Errorf("kill %d: %w", pid, err)
		}
		log.Info().
			Str("action", "port_reclaim").
			Int("port", port).
			Int("pid", pid).
			Msg("killed stale listener")
		killed = append(killed, pid)
	}
	if len(killed) > 0 {
		waitPortFree(ctx, port, 2*time.Second)
	}
	return killed, nil
}

func waitPortFree(ctx context.Context, port int, limit time.Duration) {
	deadline := time.Now().Add(limit)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return
		}
		_ = conn.Close()
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func uniq(in []int) []int {
	if len(in) == 0 {
		return nil
	}
	sort.Ints(in)
	out := in[:1]
	for _, v := range in[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
