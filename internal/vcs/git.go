// Package vcs drives the git working tree that versions the latest-pointer
// snapshot. Staging, committing and publishing are separate calls so a
// failed push never undoes a commit.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNotRepository is returned when Dir is not inside a git work tree.
var ErrNotRepository = errors.New("not a git repository")

// Git runs the git CLI inside Dir.
type Git struct {
	Dir    string
	Remote string
	Branch string
	// Binary overrides the git executable (default "git").
	Binary string
}

func (g Git) run(ctx context.Context, args ...string) (string, error) {
	bin := g.Binary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = g.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// IsRepository reports whether Dir is inside a git work tree.
func (g Git) IsRepository(ctx context.Context) bool {
	out, err := g.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// Add stages paths.
func (g Git) Add(ctx context.Context, paths ...string) error {
	if !g.IsRepository(ctx) {
		return ErrNotRepository
	}
	args := append([]string{"add", "--"}, paths...)
	_, err := g.run(ctx, args...)
	return err
}

// Commit records exactly one commit, even when nothing changed, and returns
// its hash. body is optional. With paths, only those paths are committed and
// anything else staged in the index stays staged; without, the whole index is.
func (g Git) Commit(ctx context.Context, subject, body string, paths ...string) (string, error) {
	args := []string{"commit", "--allow-empty", "--quiet", "-m", subject}
	if body != "" {
		args = append(args, "-m", body)
	}
	if len(paths) > 0 {
		args = append(args, "--only", "--")
		args = append(args, paths...)
	}
	start := time.Now()
	if _, err := g.run(ctx, args...); err != nil {
		return "", err
	}
	hash, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	log.Debug().
		Str("action", "git_commit").
		Str("commit", hash).
		Dur("elapsed_ms", time.Since(start)).
		Msg("commit OK")
	return hash, nil
}

// Push publishes the current HEAD to Remote/Branch. Conflicts are not merged
// or retried.
func (g Git) Push(ctx context.Context) error {
	remote := g.Remote
	if remote == "" {
		remote = "origin"
	}
	ref := "HEAD"
	if g.Branch != "" {
		ref = "HEAD:refs/heads/" + g.Branch
	}
	start := time.Now()
	if _, err := g.run(ctx, "push", "--quiet", remote, ref); err != nil {
		return err
	}
	log.Debug().
		Str("action", "git_push").
		Str("remote", remote).
		Str("branch", g.Branch).
		Dur("elapsed_ms", time.Since(start)).
		Msg("push OK")
	return nil
}

// LastCommit returns the hash and subject of HEAD.
func (g Git) LastCommit(ctx context.Context) (hash, subject string, err error) {
	out, err := g.run(ctx, "log", "-1", "--format=%H%x00%s")
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(out, "\x00", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("unexpected git log output %q", out)
	}
	return parts[0], parts[1], nil
}

// Message returns the full message of commit rev.
func (g Git) Message(ctx context.Context, rev string) (string, error) {
	return g.run(ctx, "log", "-1", "--format=%B", rev)
}

// Body returns the message of rev without its subject line.
func (g Git) Body(ctx context.Context, rev string) (string, error) {
	msg, err := g.Message(ctx, rev)
	if err != nil {
		return "", err
	}
	_, body, _ := strings.Cut(msg, "\n")
	return strings.TrimSpace(body), nil
}
