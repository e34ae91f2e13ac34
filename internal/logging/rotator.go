package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// rotatedLayout is sortable, so name order is age order.
const rotatedLayout = "20060102-150405.000"

// FileRotator is an io.Writer over a log file that is rotated when it
// outgrows MaxSize megabytes or the day changes. Rotated files are named
// <name>-<timestamp><ext>, optionally gzipped, and pruned by MaxBackups
// and MaxAge days.
type FileRotator struct {
	path       string
	dir        string
	stem, ext  string
	maxBytes   int64
	maxAge     time.Duration
	maxBackups int
	compress   bool
	now        func() time.Time

	mu     sync.Mutex
	file   *os.File
	size   int64
	opened time.Time

	// compression and pruning of rotated files
	pending sync.WaitGroup
}

// NewFileRotator opens cfg.FilePath for appending, creating its directory.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	if cfg.FilePath == "" {
		return nil, errors.New("logging: rotator requires a file path")
	}
	base := filepath.Base(cfg.FilePath)
	ext := filepath.Ext(base)
	r := &FileRotator{
		path:       cfg.FilePath,
		dir:        filepath.Dir(cfg.FilePath),
		stem:       strings.TrimSuffix(base, ext),
		ext:        ext,
		maxBytes:   cfg.MaxSize << 20,
		maxAge:     time.Duration(cfg.MaxAge) * 24 * time.Hour,
		maxBackups: cfg.MaxBackups,
		compress:   cfg.Compress,
		now:        time.Now,
	}
	if err := os.MkdirAll(r.dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file, r.size, r.opened = f, info.Size(), r.now()
	return nil
}

// Write appends p, rotating first when p would not fit.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.due(int64(len(p))) {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) due(incoming int64) bool {
	if r.size == 0 {
		return false
	}
	if r.maxBytes > 0 && r.size+incoming > r.maxBytes {
		return true
	}
	y1, m1, d1 := r.opened.Date()
	y2, m2, d2 := r.now().Date()
	return y1 != y2 || m1 != m2 || d1 != d2
}

func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	r.file = nil

	rotated := r.rotatedName(r.now())
	if err := os.Rename(r.path, rotated); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("rename log file: %w", err)
	}
	if err := r.open(); err != nil {
		return err
	}

	r.pending.Go(func() {
		if r.compress {
			if err := gzipFile(rotated); err != nil {
				fmt.Fprintf(os.Stderr, "logging: compress %s: %v\n", rotated, err)
			}
		}
		r.prune()
	})
	return nil
}

// rotatedName picks a free name for a file rotated at t.
func (r *FileRotator) rotatedName(t time.Time) string {
	name := filepath.Join(r.dir, r.stem+"-"+t.Format(rotatedLayout)+r.ext)
	for i := 1; ; i++ {
		_, err := os.Stat(name)
		_, gzErr := os.Stat(name + ".gz")
		if errors.Is(err, os.ErrNotExist) && errors.Is(gzErr, os.ErrNotExist) {
			return name
		}
		name = filepath.Join(r.dir, fmt.Sprintf("%s-%s.%d%s", r.stem, t.Format(rotatedLayout), i, r.ext))
	}
}

// gzipFile replaces path with path.gz.
func gzipFile(path string) (err error) {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path + ".gz")
		}
	}()

	gz, err := gzip.NewWriterLevel(out, gzip.BestSpeed)
	if err != nil {
		return err
	}
	gz.Name = filepath.Base(path)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// rotated lists rotated files, oldest first.
func (r *FileRotator) rotated() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(r.dir, r.stem+"-*"+r.ext+"*"))
	if err != nil {
		return nil, err
	}
	slices.Sort(matches)
	return matches, nil
}

// prune enforces MaxBackups and MaxAge. Zero disables either limit.
func (r *FileRotator) prune() {
	files, err := r.rotated()
	if err != nil {
		return
	}
	if r.maxBackups > 0 && len(files) > r.maxBackups {
		for _, f := range files[:len(files)-r.maxBackups] {
			os.Remove(f)
		}
		files = files[len(files)-r.maxBackups:]
	}
	if r.maxAge <= 0 {
		return
	}
	cutoff := r.now().Add(-r.maxAge)
	for _, f := range files {
		if info, err := os.Stat(f); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(f)
		}
	}
}

// Close waits for background compression and closes the file.
func (r *FileRotator) Close() error {
	r.pending.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}

// LogFiles returns the current file followed by the rotated ones, oldest
// first.
func (r *FileRotator) LogFiles() ([]string, error) {
	files, err := r.rotated()
	return append([]string{r.path}, files...), err
}
