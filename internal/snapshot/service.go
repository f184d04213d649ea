// Package snapshot backs up the live database: an immutable timestamped copy,
// an overwritten latest pointer, one git commit of the pointer, a push, and
// optional mirror uploads. Only the local copies decide success; everything
// remote is reported as a warning on the Result.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"

	"github.com/Prajjwal74/expense-tracker/internal/provider"
	"github.com/Prajjwal74/expense-tracker/internal/store"
	"github.com/Prajjwal74/expense-tracker/internal/util"
)

var (
	// ErrDatabaseMissing means there is nothing to back up.
	ErrDatabaseMissing = errors.New("source database not found")
	// ErrLocked means another backup holds the lock.
	ErrLocked = errors.New("another backup is in progress")
	// ErrSnapshotExists means a snapshot with the same timestamp already exists.
	ErrSnapshotExists = errors.New("snapshot already exists")
)

// Outcome classifies a backup for callers and exit codes.
type Outcome string

const (
	OutcomeSucceeded             Outcome = "succeeded"
	OutcomeSucceededWithWarnings Outcome = "succeeded_with_warnings"
	OutcomeFailed                Outcome = "failed"
)

// Repository is the version-control side of a backup.
type Repository interface {
	Add(ctx context.Context, paths ...string) error
	// Commit records only paths, leaving anything else staged alone.
	Commit(ctx context.Context, subject, body string, paths ...string) (string, error)
	Push(ctx context.Context) error
}

// Options controls what is backed up and where.
type Options struct {
	// DBPath is the live database file.
	DBPath string
	// BackupDir holds snapshots and the latest pointer.
	BackupDir string
	// Name prefixes every snapshot file (default: DBPath's base name without .db).
	Name string
	// CountTable is counted for the commit body (default: transactions).
	CountTable string
	// Push publishes the commit to the remote.
	Push bool
	// MirrorPrefix is the key prefix used by mirror providers.
	MirrorPrefix string
}

// Manager runs backups. Repo and Mirrors are optional.
type Manager struct {
	Options
	Repo    Repository
	Mirrors []provider.Provider
	// Now and Count are seams for tests.
	Now   func() time.Time
	Count func(ctx context.Context, path, table string) (int64, error)
}

// PublishError is a post-copy failure: the local backup exists, something
// after it did not work.
type PublishError struct {
	Stage string // count, stage, commit, push, mirror:<name>, verify
	Err   error
}

func (e *PublishError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *PublishError) Unwrap() error { return e.Err }

// Result describes one backup.
type Result struct {
	SnapshotPath string
	LatestPath   string
	Timestamp    time.Time
	Size         int64
	SHA256       string
	// Transactions is the row count embedded in the commit, -1 if unknown.
	Transactions int64
	Commit       string
	Pushed       bool
	Mirrored     []string
	Warnings     []*PublishError
	Outcome      Outcome
}

// RemoteFailed reports a local success whose publish step failed.
func (r Result) RemoteFailed() bool {
	for _, w := range r.Warnings {
		if w.Stage == "stage" || w.Stage == "commit" || w.Stage == "push" || strings.HasPrefix(w.Stage, "mirror:") {
			return true
		}
	}
	return false
}

// CommitMessage builds the subject and body recorded for a backup.
func CommitMessage(ts time.Time, transactions int64) (subject, body string) {
	subject = "Backup database: " + ts.Format("2006-01-02 15:04:05")
	if transactions >= 0 {
		body = "Transactions: " + strconv.FormatInt(transactions, 10)
	}
	return subject, body
}

func (m *Manager) name() string {
	if m.Name != "" {
		return m.Name
	}
	return strings.TrimSuffix(filepath.Base(m.DBPath), filepath.Ext(m.DBPath))
}

// Backup copies the database and publishes the latest pointer. The returned
// error is non-nil only when no local snapshot could be produced; publish
// failures are in Result.Warnings.
func (m *Manager) Backup(ctx context.Context) (Result, error) {
	res := Result{Transactions: -1, Outcome: OutcomeFailed}
	start := time.Now()

	if ok, err := util.Exists(m.DBPath); err != nil {
		return res, fmt.Errorf("stat %s: %w", m.DBPath, err)
	} else if !ok {
		log.Error().Str("action", "backup").Str("db", m.DBPath).Msg("database not found, nothing to back up")
		return res, fmt.Errorf("%w: %s", ErrDatabaseMissing, m.DBPath)
	}

	// Serializes backups against each other only; the app may still be
	// writing while we copy.
	lock := flock.New(filepath.Join(filepath.Dir(m.DBPath), "."+m.name()+".backup.lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return res, fmt.Errorf("acquire backup lock: %w", err)
	}
	if !ok {
		return res, ErrLocked
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Warn().Err(err).Str("action", "backup").Msg("failed to release backup lock")
		}
	}()

	if err := os.MkdirAll(m.BackupDir, 0o755); err != nil {
		return res, fmt.Errorf("create backup dir: %w", err)
	}

	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	res.Timestamp = now()
	res.SnapshotPath = SnapshotPath(m.BackupDir, m.name(), res.Timestamp)
	res.LatestPath = LatestPath(m.BackupDir, m.name())

	if ok, _ := util.Exists(res.SnapshotPath); ok {
		return res, fmt.Errorf("%w: %s", ErrSnapshotExists, res.SnapshotPath)
	}
	n, err := util.CopyFile(m.DBPath, res.SnapshotPath)
	if err != nil {
		return res, fmt.Errorf("copy snapshot: %w", err)
	}
	res.Size = n
	if _, err := util.CopyFile(m.DBPath, res.LatestPath); err != nil {
		return res, fmt.Errorf("copy latest: %w", err)
	}
	log.Info().
		Str("action", "backup_copy").
		Str("snapshot", res.SnapshotPath).
		Str("latest", res.LatestPath).
		Int64("bytes", res.Size).
		Msg("snapshot written")

	warn := func(stage string, err error) {
		log.Warn().Err(err).Str("action", "backup").Str("stage", stage).Msg("backup step failed, continuing")
		res.Warnings = append(res.Warnings, &PublishError{Stage: stage, Err: err})
	}

	m.verify(&res, warn)
	m.publish(ctx, &res, warn)
	m.mirror(ctx, &res, warn)

	res.Outcome = OutcomeSucceeded
	if len(res.Warnings) > 0 {
		res.Outcome = OutcomeSucceededWithWarnings
	}
	log.Info().
		Str("action", "backup").
		Str("outcome", string(res.Outcome)).
		Str("commit", res.Commit).
		Bool("pushed", res.Pushed).
		Int("warnings", len(res.Warnings)).
		Dur("elapsed_ms", time.Since(start)).
		Msg("backup finished")
	return res, nil
}

// verify checks the two copies are byte-identical.
func (m *Manager) verify(res *Result, warn func(string, error)) {
	snapSum, _, err := util.SHA256File(res.SnapshotPath)
	if err != nil {
		warn("verify", err)
		return
	}
	latestSum, _, err := util.SHA256File(res.LatestPath)
	if err != nil {
		warn("verify", err)
		return
	}
	res.SHA256 = snapSum
	if snapSum != latestSum {
		warn("verify", fmt.Errorf("snapshot %s and latest pointer differ", snapSum[:12]))
	}
}

// publish commits the latest pointer and pushes it.
func (m *Manager) publish(ctx context.Context, res *Result, warn func(string, error)) {
	count := m.Count
	if count == nil {
		count = store.CountRows
	}
	table := m.CountTable
	if table == "" {
		table = "transactions"
	}
	if n, err := count(ctx, m.DBPath, table); err != nil {
		warn("count", err)
	} else {
		res.Transactions = n
	}

	if m.Repo == nil {
		return
	}
	if err := m.Repo.Add(ctx, res.LatestPath); err != nil {
		warn("stage", err)
		return
	}
	subject, body := CommitMessage(res.Timestamp, res.Transactions)
	hash, err := m.Repo.Commit(ctx, subject, body, res.LatestPath)
	if err != nil {
		warn("commit", err)
		return
	}
	res.Commit = hash
	log.Info().Str("action", "backup_commit").Str("commit", hash).Str("subject", subject).Msg("commit OK")

	if !m.Push {
		return
	}
	if err := m.Repo.Push(ctx); err != nil {
		warn("push", err)
		return
	}
	res.Pushed = true
}

// mirror uploads both copies to every configured provider.
func (m *Manager) mirror(ctx context.Context, res *Result, warn func(string, error)) {
	for _, p := range m.Mirrors {
		failed := false
		for _, local := range []string{res.SnapshotPath, res.LatestPath} {
			key := MirrorKey(m.MirrorPrefix, local)
			if err := p.Backup(ctx, local, key); err != nil {
				warn("mirror:"+p.Name(), fmt.Errorf("%s: %w", key, err))
				failed = true
				break
			}
		}
		if !failed {
			res.Mirrored = append(res.Mirrored, p.Name())
		}
	}
}

// MirrorKey is the remote key of a local backup file.
func MirrorKey(prefix, local string) string {
	return path.Join(strings.Trim(prefix, "/"), filepath.Base(local))
}
