package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

const (
	fileSuffix = ".val"
	lockName   = ".lock"
)

// FileStore keeps one file per key in a directory. Writes go to a temporary
// file that is renamed over the target, so readers never see a partial
// value. The directory is locked against other processes while open.
type FileStore struct {
	dir  string
	sync bool

	mu     sync.RWMutex
	lock   *os.File
	closed bool
}

// OpenFileStore opens or creates a FileStore rooted at dir.
func OpenFileStore(dir string, syncWrites bool) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("storage: file backend requires a path")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, ioErr("open", dir, err)
	}
	lock, err := os.OpenFile(filepath.Join(dir, lockName), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, ioErr("open", dir, err)
	}
	if err := lockFile(lock); err != nil {
		lock.Close()
		return nil, ioErr("lock", dir, err)
	}
	return &FileStore{dir: dir, sync: syncWrites, lock: lock}, nil
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, url.PathEscape(key)+fileSuffix)
}

func (f *FileStore) Write(ctx context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrClosed
	}

	tmp, err := os.CreateTemp(f.dir, "write-*.tmp")
	if err != nil {
		return ioErr("write", key, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return ioErr("write", key, err)
	}
	if f.sync {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return ioErr("sync", key, err)
		}
	}
	if err := tmp.Close(); err != nil {
		return ioErr("write", key, err)
	}
	if err := os.Rename(tmpName, f.path(key)); err != nil {
		return ioErr("rename", key, err)
	}
	return nil
}

func (f *FileStore) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, ioErr("read", key, err)
	}
	return data, nil
}

func (f *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrClosed
	}
	err := os.Remove(f.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ioErr("delete", key, err)
	}
	return nil
}

func (f *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, ioErr("list", prefix, err)
	}
	keys := make([]string, 0)
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), fileSuffix)
		if !ok || e.IsDir() {
			continue
		}
		key, err := url.PathUnescape(name)
		if err != nil {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if err := unlockFile(f.lock); err != nil {
		f.lock.Close()
		return ioErr("unlock", f.dir, err)
	}
	if err := f.lock.Close(); err != nil {
		return fmt.Errorf("storage: close lock: %w", err)
	}
	return nil
}
