// Package storage provides the durable key-value stores used for
// checkpoints, backups, heartbeats and compacted archives.
//
// Keys are slash separated strings such as "backups/20260301T120000Z".
// Values are opaque byte slices. Every backend is safe for concurrent use.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"
)

var (
	// ErrIO is matched by every backend failure.
	ErrIO = errors.New("storage: i/o error")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("storage: store closed")

	// ErrInvalidKey is returned for empty keys.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// IOError records the operation and key of a failed backend call.
type IOError struct {
	Op  string
	Key string
	Err error
}

func (e *IOError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrIO) match.
func (e *IOError) Is(target error) bool { return target == ErrIO }

func ioErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Key: key, Err: err}
}

// Store is a durable byte store.
type Store interface {
	// Write stores data under key, replacing any previous value.
	Write(ctx context.Context, key string, data []byte) error

	// Read returns the value under key, or nil and no error when the key
	// does not exist.
	Read(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys with the given prefix in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases the backend.
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// Config selects and configures a backend.
type Config struct {
	Backend string
	Path    string

	// SyncWrites forces an fsync on every write for file and badger.
	SyncWrites bool

	// GCInterval is the badger value log GC period. Zero disables it.
	GCInterval time.Duration

	Logger *slog.Logger
}

// Open creates the backend described by cfg.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile:
		return OpenFileStore(cfg.Path, cfg.SyncWrites)
	case BackendBadger:
		return OpenBadgerStore(BadgerConfig{
			Path:           cfg.Path,
			SyncWrites:     cfg.SyncWrites,
			GCInterval:     cfg.GCInterval,
			GCDiscardRatio: 0.5,
			Logger:         cfg.Logger,
		})
	case BackendSQLite:
		path := cfg.Path
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, "state.db")
		}
		return OpenSQLiteStore(path)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}

func checkKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return nil
}
