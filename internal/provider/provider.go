package provider

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Restore when the remote object does not exist.
var ErrNotFound = errors.New("remote object not found")

// Provider defines the contract for off-site mirrors of database snapshots.
// Paths/keys are plain strings so implementations can decide their own format.
type Provider interface {
	// Backup uploads local data (source) to remote storage (target).
	Backup(ctx context.Context, source, target string) error
	// Restore downloads remote data (source) to a local path (target).
	// Must return an error wrapping ErrNotFound when source does not exist.
	Restore(ctx context.Context, source, target string) error
	// Name returns the provider identifier (e.g. "azure").
	Name() string
}
