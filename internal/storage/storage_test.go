package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"file": func(t *testing.T) Store {
			s, err := OpenFileStore(t.TempDir(), true)
			require.NoError(t, err)
			return s
		},
		"badger": func(t *testing.T) Store {
			s, err := OpenBadgerStore(BadgerConfig{InMemory: true})
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "kv.db"))
			require.NoError(t, err)
			return s
		},
	}
}

func TestBackendContract(t *testing.T) {
	ctx := context.Background()

	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			got, err := s.Read(ctx, "checkpoint")
			require.NoError(t, err)
			assert.Nil(t, got, "missing key reads as nil")

			require.NoError(t, s.Write(ctx, "checkpoint", []byte("v1")))
			require.NoError(t, s.Write(ctx, "checkpoint", []byte("v2")))
			got, err = s.Read(ctx, "checkpoint")
			require.NoError(t, err)
			assert.Equal(t, []byte("v2"), got)

			for _, k := range []string{"backups/003", "backups/001", "backups/002", "archive/doc/1"} {
				require.NoError(t, s.Write(ctx, k, []byte(k)))
			}
			keys, err := s.List(ctx, "backups/")
			require.NoError(t, err)
			assert.Equal(t, []string{"backups/001", "backups/002", "backups/003"}, keys)

			all, err := s.List(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 5)

			require.NoError(t, s.Delete(ctx, "backups/002"))
			require.NoError(t, s.Delete(ctx, "never-written"))
			keys, err = s.List(ctx, "backups/")
			require.NoError(t, err)
			assert.Equal(t, []string{"backups/001", "backups/003"}, keys)

			assert.ErrorIs(t, s.Write(ctx, "", []byte("x")), ErrInvalidKey)
		})
	}
}

func TestBackendConcurrentWriters(t *testing.T) {
	ctx := context.Background()

	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < 10; j++ {
						key := fmt.Sprintf("w%d/%02d", i, j)
						assert.NoError(t, s.Write(ctx, key, []byte(key)))
					}
				}()
			}
			wg.Wait()

			keys, err := s.List(ctx, "w3/")
			require.NoError(t, err)
			assert.Len(t, keys, 10)
		})
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenFileStore(dir, false)
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, "archive/notes%2Fa.md/7", []byte("payload")))
	require.NoError(t, s.Close())

	s, err = OpenFileStore(dir, false)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Read(ctx, "archive/notes%2Fa.md/7")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	keys, err := s.List(ctx, "archive/")
	require.NoError(t, err)
	assert.Equal(t, []string{"archive/notes%2Fa.md/7"}, keys)
}

func TestFileStoreLocksDirectory(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenFileStore(dir, false)
	require.NoError(t, err)

	_, err = OpenFileStore(dir, false)
	assert.ErrorIs(t, err, ErrIO)

	require.NoError(t, s.Close())
	again, err := OpenFileStore(dir, false)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestClosedStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Write(ctx, "k", nil), ErrClosed)
	_, err := s.Read(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpenSelectsBackend(t *testing.T) {
	s, err := Open(Config{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(Config{Backend: BackendSQLite, Path: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(Config{Backend: "tape"})
	assert.Error(t, err)
}

func TestIOErrorMatching(t *testing.T) {
	err := fmt.Errorf("checkpoint: %w", ioErr("write", "checkpoint", assert.AnError))
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), `write "checkpoint"`)
}
