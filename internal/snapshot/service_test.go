package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/Prajjwal74/expense-tracker/internal/util"
	"github.com/Prajjwal74/expense-tracker/internal/vcs"
)

/* ------------------------------- test fakes ------------------------------ */

type fakeRepo struct {
	added     []string
	committed []string
	subjects  []string
	bodies    []string
	pushes    int
	addErr    error
	pushErr   error
}

func (r *fakeRepo) Add(_ context.Context, paths ...string) error {
	if r.addErr != nil {
		return r.addErr
	}
	r.added = append(r.added, paths...)
	return nil
}

func (r *fakeRepo) Commit(_ context.Context, subject, body string, paths ...string) (string, error) {
	r.committed = append(r.committed, paths...)
	r.subjects = append(r.subjects, subject)
	r.bodies = append(r.bodies, body)
	return "c0ffee", nil
}

func (r *fakeRepo) Push(context.Context) error {
	r.pushes++
	return r.pushErr
}

type fakeMirror struct {
	name string
	keys []string
	err  error
}

func (m *fakeMirror) Name() string { return m.name }

func (m *fakeMirror) Backup(_ context.Context, _, target string) error {
	if m.err != nil {
		return m.err
	}
	m.keys = append(m.keys, target)
	return nil
}

func (m *fakeMirror) Restore(context.Context, string, string) error { return nil }

/* -------------------------------- helpers -------------------------------- */

func seedDB(t *testing.T, path string, rows int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS transactions (id INTEGER PRIMARY KEY, description TEXT)`); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < rows; i++ {
		if _, err := db.Exec(`INSERT INTO transactions (description) VALUES ('rent')`); err != nil {
			t.Fatal(err)
		}
	}
}

func fixedClock(ts time.Time) func() time.Time { return func() time.Time { return ts } }

func newManager(t *testing.T, repo Repository) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	dbPath := filepath.Join(root, "data", "expense_tracker.db")
	seedDB(t, dbPath, 4)
	return &Manager{
		Options: Options{
			DBPath:    dbPath,
			BackupDir: filepath.Join(root, "backups"),
			Push:      true,
		},
		Repo: repo,
		Now:  fixedClock(time.Date(2026, 10, 18, 20, 0, 5, 0, time.Local)),
	}, root
}

/* --------------------------------- tests -------------------------------- */

func TestBackup_CopiesAreByteIdentical(t *testing.T) {
	repo := &fakeRepo{}
	m, root := newManager(t, repo)

	res, err := m.Backup(context.Background())
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if res.Outcome != OutcomeSucceeded {
		t.Fatalf("want succeeded, got %s (%v)", res.Outcome, res.Warnings)
	}
	wantSnap := filepath.Join(root, "backups", "expense_tracker_20261018_200005.db")
	wantLatest := filepath.Join(root, "backups", "expense_tracker_latest.db")
	if res.SnapshotPath != wantSnap || res.LatestPath != wantLatest {
		t.Fatalf("unexpected paths %q %q", res.SnapshotPath, res.LatestPath)
	}

	src, _, _ := util.SHA256File(m.DBPath)
	snap, _, _ := util.SHA256File(res.SnapshotPath)
	latest, _, _ := util.SHA256File(res.LatestPath)
	if src != snap || snap != latest || res.SHA256 != src {
		t.Fatalf("copies differ: src=%s snap=%s latest=%s", src, snap, latest)
	}

	if len(repo.added) != 1 || repo.added[0] != wantLatest {
		t.Fatalf("only the latest pointer is staged, got %v", repo.added)
	}
	if len(repo.committed) != 1 || repo.committed[0] != wantLatest {
		t.Fatalf("only the latest pointer is committed, got %v", repo.committed)
	}
	if len(repo.subjects) != 1 || repo.subjects[0] != "Backup database: 2026-10-18 20:00:05" {
		t.Fatalf("unexpected commit subjects %v", repo.subjects)
	}
	if repo.bodies[0] != "Transactions: 4" || res.Transactions != 4 {
		t.Fatalf("unexpected commit body %q (count %d)", repo.bodies[0], res.Transactions)
	}
	if repo.pushes != 1 || !res.Pushed || res.Commit != "c0ffee" {
		t.Fatalf("push/commit not recorded: %+v", res)
	}
}

func TestBackup_MissingDatabaseIsFatal(t *testing.T) {
	root := t.TempDir()
	repo := &fakeRepo{}
	m := &Manager{Options: Options{
		DBPath:    filepath.Join(root, "data", "expense_tracker.db"),
		BackupDir: filepath.Join(root, "backups"),
	}, Repo: repo}

	res, err := m.Backup(context.Background())
	if !errors.Is(err, ErrDatabaseMissing) {
		t.Fatalf("want ErrDatabaseMissing, got %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("want failed outcome, got %s", res.Outcome)
	}
	if ok, _ := util.Exists(m.BackupDir); ok {
		t.Fatal("failed backup must not touch the backup dir")
	}
	if len(repo.subjects) != 0 {
		t.Fatal("no commit without a snapshot")
	}
}

func TestBackup_PushFailureKeepsLocalBackup(t *testing.T) {
	repo := &fakeRepo{pushErr: errors.New("rejected: non-fast-forward")}
	m, _ := newManager(t, repo)

	res, err := m.Backup(context.Background())
	if err != nil {
		t.Fatalf("push failure must not fail the backup: %v", err)
	}
	if res.Outcome != OutcomeSucceededWithWarnings || !res.RemoteFailed() {
		t.Fatalf("want local success with remote failure, got %s", res.Outcome)
	}
	if res.Commit == "" || res.Pushed {
		t.Fatalf("commit kept, push not recorded: %+v", res)
	}
	var pe *PublishError
	if !errors.As(res.Warnings[0], &pe) || pe.Stage != "push" {
		t.Fatalf("want push warning, got %v", res.Warnings)
	}
	for _, p := range []string{res.SnapshotPath, res.LatestPath} {
		if ok, _ := util.Exists(p); !ok {
			t.Fatalf("%s missing after push failure", p)
		}
	}
}

func TestBackup_CountFailureOmitsBody(t *testing.T) {
	repo := &fakeRepo{}
	m, _ := newManager(t, repo)
	m.Count = func(context.Context, string, string) (int64, error) { return 0, errors.New("database is locked") }

	res, err := m.Backup(context.Background())
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if repo.bodies[0] != "" || res.Transactions != -1 {
		t.Fatalf("count failure should drop the body, got %q", repo.bodies[0])
	}
	if res.RemoteFailed() {
		t.Fatal("a count failure is not a remote failure")
	}
	if res.Outcome != OutcomeSucceededWithWarnings {
		t.Fatalf("want warnings outcome, got %s", res.Outcome)
	}
}

func TestBackup_NoPushWhenDisabled(t *testing.T) {
	repo := &fakeRepo{}
	m, _ := newManager(t, repo)
	m.Push = false
	if _, err := m.Backup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if repo.pushes != 0 {
		t.Fatal("push disabled but attempted")
	}
}

func TestBackup_LockHeld(t *testing.T) {
	m, _ := newManager(t, nil)
	other := flock.New(filepath.Join(filepath.Dir(m.DBPath), ".expense_tracker.backup.lock"))
	ok, err := other.TryLock()
	if err != nil || !ok {
		t.Fatalf("could not take lock: %v", err)
	}
	defer other.Unlock()

	if _, err := m.Backup(context.Background()); !errors.Is(err, ErrLocked) {
		t.Fatalf("want ErrLocked, got %v", err)
	}
}

func TestBackup_SameSecondDoesNotOverwriteSnapshot(t *testing.T) {
	m, _ := newManager(t, nil)
	if _, err := m.Backup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Backup(context.Background()); !errors.Is(err, ErrSnapshotExists) {
		t.Fatalf("want ErrSnapshotExists, got %v", err)
	}
}

func TestBackup_SnapshotsImmutableLatestOverwritten(t *testing.T) {
	m, _ := newManager(t, nil)
	first, err := m.Backup(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	firstSum, _, _ := util.SHA256File(first.SnapshotPath)

	seedDB(t, m.DBPath, 10)
	m.Now = fixedClock(first.Timestamp.Add(24 * time.Hour))
	second, err := m.Backup(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !second.Timestamp.After(first.Timestamp) {
		t.Fatal("timestamp should advance")
	}
	if sum, _, _ := util.SHA256File(first.SnapshotPath); sum != firstSum {
		t.Fatal("older snapshot was modified")
	}
	if same, _ := util.SameContent(second.LatestPath, m.DBPath); !same {
		t.Fatal("latest pointer should follow the newest backup")
	}
	if second.Transactions != 14 {
		t.Fatalf("want 14 transactions, got %d", second.Transactions)
	}

	list, err := List(m.BackupDir, "expense_tracker")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Path != first.SnapshotPath || list[1].Path != second.SnapshotPath {
		t.Fatalf("unexpected listing %+v", list)
	}
}

func TestBackup_Mirrors(t *testing.T) {
	good := &fakeMirror{name: "azure"}
	bad := &fakeMirror{name: "flaky", err: errors.New("503")}
	m, _ := newManager(t, nil)
	m.MirrorPrefix = "/expense-tracker/backups/"
	m.Mirrors = append(m.Mirrors, good, bad)

	res, err := m.Backup(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"expense-tracker/backups/expense_tracker_20261018_200005.db",
		"expense-tracker/backups/expense_tracker_latest.db",
	}
	if strings.Join(good.keys, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected mirror keys %v", good.keys)
	}
	if len(res.Mirrored) != 1 || res.Mirrored[0] != "azure" {
		t.Fatalf("unexpected mirrored list %v", res.Mirrored)
	}
	if !res.RemoteFailed() || res.Warnings[0].Stage != "mirror:flaky" {
		t.Fatalf("want flaky mirror warning, got %v", res.Warnings)
	}
}

func TestBackup_WithGitRepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	t.Setenv("GIT_AUTHOR_NAME", "tracker")
	t.Setenv("GIT_AUTHOR_EMAIL", "tracker@example.invalid")
	t.Setenv("GIT_COMMITTER_NAME", "tracker")
	t.Setenv("GIT_COMMITTER_EMAIL", "tracker@example.invalid")
	t.Setenv("GIT_CONFIG_GLOBAL", os.DevNull)

	m, root := newManager(t, nil)
	for _, args := range [][]string{{"init", "--quiet"}, {"commit", "--quiet", "--allow-empty", "-m", "init"}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = root
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v %s", args, err, out)
		}
	}
	// Staged by hand; a backup commit must leave it alone.
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("wip\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if out, err := exec.Command("git", "-C", root, "add", "notes.txt").CombinedOutput(); err != nil {
		t.Fatalf("git add: %v %s", err, out)
	}
	g := vcs.Git{Dir: root, Remote: "origin", Branch: "main"}
	m.Repo = g

	res, err := m.Backup(context.Background())
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	// No origin configured: committed locally, push reported.
	if res.Commit == "" || res.Pushed || !res.RemoteFailed() {
		t.Fatalf("want local commit and push warning, got %+v", res)
	}
	msg, err := g.Message(context.Background(), res.Commit)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msg, "Backup database: 2026-10-18 20:00:05") || !strings.Contains(msg, "Transactions: 4") {
		t.Fatalf("unexpected commit message %q", msg)
	}
	out, err := exec.Command("git", "-C", root, "show", "--name-only", "--format=", res.Commit).Output()
	if err != nil {
		t.Fatal(err)
	}
	if files := strings.Fields(string(out)); len(files) != 1 || files[0] != "backups/expense_tracker_latest.db" {
		t.Fatalf("commit should hold only the latest pointer, got %v", files)
	}
	out, err = exec.Command("git", "-C", root, "diff", "--cached", "--name-only").Output()
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(out)) != "notes.txt" {
		t.Fatalf("hand-staged file should stay staged, got %q", out)
	}
}

func TestCommitMessage(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s, b := CommitMessage(ts, 0)
	if s != "Backup database: 2026-01-02 03:04:05" || b != "Transactions: 0" {
		t.Fatalf("unexpected %q %q", s, b)
	}
	if _, b := CommitMessage(ts, -1); b != "" {
		t.Fatalf("unknown count should give empty body, got %q", b)
	}
}

func TestList_IgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{
		"expense_tracker_20260101_000000.db",
		"expense_tracker_latest.db",
		"expense_tracker_garbage.db",
		"other_20260101_000000.db",
		"README.md",
	} {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	list, err := List(dir, "expense_tracker")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || filepath.Base(list[0].Path) != "expense_tracker_20260101_000000.db" {
		t.Fatalf("unexpected listing %+v", list)
	}
	if got, err := List(filepath.Join(dir, "missing"), "expense_tracker"); err != nil || got != nil {
		t.Fatalf("missing dir should list nothing, got %v %v", got, err)
	}
}
