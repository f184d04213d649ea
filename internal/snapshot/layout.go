package snapshot

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// TimestampLayout names immutable snapshots: <name>_<YYYYMMDD_HHMMSS>.db.
const TimestampLayout = "20060102_150405"

const latestSuffix = "_latest.db"

// LatestPath is the mutable pointer restores read from.
func LatestPath(backupDir, name string) string {
	return filepath.Join(backupDir, name+latestSuffix)
}

// SnapshotPath is the immutable copy taken at ts.
func SnapshotPath(backupDir, name string, ts time.Time) string {
	return filepath.Join(backupDir, name+"_"+ts.Format(TimestampLayout)+".db")
}

// Snapshot is one immutable file in the backup directory.
type Snapshot struct {
	Path      string
	Timestamp time.Time
	Size      int64
}

// List returns the timestamped snapshots of name in backupDir, oldest first.
// The latest pointer and unrelated files are ignored. A missing directory
// yields an empty list.
func List(backupDir, name string) ([]Snapshot, error) {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	prefix := name + "_"
	var out []Snapshot
	for _, e := range entries {
		fn := e.Name()
		if e.IsDir() || !strings.HasPrefix(fn, prefix) || !strings.HasSuffix(fn, ".db") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(fn, prefix), ".db")
		ts, err := time.ParseInLocation(TimestampLayout, stamp, time.Local)
		if err != nil {
			continue
		}
		s := Snapshot{Path: filepath.Join(backupDir, fn), Timestamp: ts}
		if info, err := e.Info(); err == nil {
			s.Size = info.Size()
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
