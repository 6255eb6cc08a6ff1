package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned by Backend.Get when the task has no value under key.
var ErrNotFound = errors.New("not found")

// Backend stores opaque values per (task, key). Values written through Store
// are always JSON documents.
type Backend interface {
	Get(ctx context.Context, taskID, key string) ([]byte, error)
	Set(ctx context.Context, taskID, key string, value []byte) error
	// Replace swaps the whole record of taskID for record in one step,
	// so a crash never leaves a half-written record behind.
	Replace(ctx context.Context, taskID string, record map[string][]byte) error
	Remove(ctx context.Context, taskID string) error
	TaskIDs(ctx context.Context) ([]string, error)
	Close() error
}

// Kind selects a backend implementation.
type Kind int

const (
	KeyValueFile       Kind = iota // bolt database file
	StructuredFile                 // JSON document
	EmbeddedRelational             // SQLite database
)

var kindNames = map[Kind]string{
	KeyValueFile:       "bolt",
	StructuredFile:     "json",
	EmbeddedRelational: "sqlite",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind maps a configuration name to a Kind.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "bolt", "kv", "dbm":
		return KeyValueFile, nil
	case "json":
		return StructuredFile, nil
	case "sqlite", "sqlite3", "":
		return EmbeddedRelational, nil
	}
	return 0, fmt.Errorf("unknown backend %q (want bolt, json or sqlite)", name)
}

// OpenOptions tunes Open.
type OpenOptions struct {
	// Timeout bounds how long Open retries while another process holds the
	// state file. Zero means a single attempt.
	Timeout time.Duration
	// InitialInterval is the first retry delay (default 50ms).
	InitialInterval time.Duration
}

// Open opens the state file at path with the backend selected by kind.
// Lock contention is retried with exponential backoff until opts.Timeout
// elapses; any other failure is returned immediately.
func Open(ctx context.Context, kind Kind, path string, opts OpenOptions) (Backend, error) {
	var b Backend
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		var err error
		b, err = openKind(ctx, kind, path)
		if err != nil && !isLockContention(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.InitialInterval
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = 50 * time.Millisecond
	}
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = opts.Timeout
	if opts.Timeout <= 0 {
		bo.MaxElapsedTime = time.Nanosecond
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("opening %s state file %s: %w", kind, path, err)
	}
	return b, nil
}

func openKind(ctx context.Context, kind Kind, path string) (Backend, error) {
	switch kind {
	case KeyValueFile:
		return NewBoltBackend(path)
	case StructuredFile:
		return NewJSONBackend(path)
	case EmbeddedRelational:
		return NewSQLiteBackend(ctx, path)
	}
	return nil, fmt.Errorf("unsupported backend kind %s", kind)
}

// isLockContention reports whether err means another process holds the file.
func isLockContention(err error) bool {
	if errors.Is(err, bolt.ErrTimeout) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
