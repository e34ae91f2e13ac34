package logging

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"slices"
	"sync"
	"time"
)

// ErrPanic is returned by Guard when the wrapped function panicked.
var ErrPanic = errors.New("logging: recovered panic")

const crashGlob = "crash-*.json"

// CrashReport is the dump written for a recovered panic.
type CrashReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	Version      string         `json:"version"`
	GoVersion    string         `json:"go_version"`
	GOOS         string         `json:"goos"`
	GOARCH       string         `json:"goarch"`
	NumGoroutine int            `json:"num_goroutine"`
	HeapAlloc    uint64         `json:"heap_alloc"`
	PanicValue   string         `json:"panic_value"`
	StackTrace   string         `json:"stack_trace"`
	Component    string         `json:"component,omitempty"`
	Task         string         `json:"task,omitempty"`
	Context      map[string]any `json:"context,omitempty"`

	// Path is where the report was read from.
	Path string `json:"-"`
}

// CrashHandler turns panics in background tasks into crash dumps.
type CrashHandler struct {
	dir       string
	version   string
	component string
	logger    *slog.Logger
	stderr    io.Writer
	onCrash   func(CrashReport)

	mu sync.Mutex
}

// CrashHandlerConfig configures the crash handler.
type CrashHandlerConfig struct {
	// CrashDir receives the dumps. Defaults to DefaultCrashDir.
	CrashDir  string
	Version   string
	Component string

	// Logger receives a summary of each crash.
	Logger *slog.Logger

	// OnCrash is called after the dump is written.
	OnCrash func(CrashReport)
}

// DefaultCrashDir returns the platform-specific default crash directory.
func DefaultCrashDir() string {
	return filepath.Join(DefaultStateDir(), "crashes")
}

// NewCrashHandler creates a handler; the dump directory is created lazily.
func NewCrashHandler(cfg *CrashHandlerConfig) *CrashHandler {
	if cfg == nil {
		cfg = &CrashHandlerConfig{}
	}
	h := &CrashHandler{
		dir:       cmp.Or(cfg.CrashDir, DefaultCrashDir()),
		version:   cfg.Version,
		component: cfg.Component,
		logger:    cfg.Logger,
		stderr:    os.Stderr,
		onCrash:   cfg.OnCrash,
	}
	if h.logger == nil {
		h.logger = slog.New(slog.DiscardHandler)
	}
	return h
}

// Guard wraps a background task so that a panic is recorded as a crash
// report and returned as an error wrapping ErrPanic. It fits errgroup.Go.
// A nil handler still converts the panic but writes no report.
func (h *CrashHandler) Guard(task string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				if h != nil {
					h.HandlePanic(r, map[string]any{"task": task})
				}
				err = fmt.Errorf("%w in %s: %v", ErrPanic, task, r)
			}
		}()
		return fn()
	}
}

// HandlePanic writes a crash dump for panicValue. The "task" entry of
// details, if any, is lifted into the report.
func (h *CrashHandler) HandlePanic(panicValue any, details map[string]any) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		GoVersion:    runtime.Version(),
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		HeapAlloc:    mem.HeapAlloc,
		PanicValue:   fmt.Sprint(panicValue),
		StackTrace:   string(debug.Stack()),
		Component:    h.component,
		Context:      details,
	}
	report.Task, _ = details["task"].(string)

	h.mu.Lock()
	defer h.mu.Unlock()

	path, err := h.write(report)
	if err != nil {
		h.logger.Error("crash dump not written", "error", err)
	}
	h.logger.Error("recovered panic", "panic", report.PanicValue, "task", report.Task, "dump", path)
	fmt.Fprintf(h.stderr, "editstate: panic in %s: %s (dump: %s)\n",
		cmp.Or(report.Task, report.Component, "unknown task"), report.PanicValue, path)

	if h.onCrash != nil {
		report.Path = path
		h.onCrash(report)
	}
}

func (h *CrashHandler) write(report CrashReport) (string, error) {
	if err := os.MkdirAll(h.dir, 0o750); err != nil {
		return "", fmt.Errorf("create crash directory: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	name := fmt.Sprintf("crash-%s-%s.json",
		cmp.Or(report.Component, "editstate"),
		report.Timestamp.Format("20060102-150405.000000000"))
	path := filepath.Join(h.dir, name)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Reports reads the stored crash dumps, newest first. Unreadable files
// are skipped.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(h.dir, crashGlob))
	if err != nil {
		return nil, err
	}
	reports := make([]CrashReport, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		var r CrashReport
		if json.Unmarshal(data, &r) != nil {
			continue
		}
		r.Path = f
		reports = append(reports, r)
	}
	slices.SortFunc(reports, func(a, b CrashReport) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	return reports, nil
}

// PruneReports deletes dumps older than maxAge and returns how many.
func (h *CrashHandler) PruneReports(maxAge time.Duration) (int, error) {
	files, err := filepath.Glob(filepath.Join(h.dir, crashGlob))
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if os.Remove(f) == nil {
			removed++
		}
	}
	return removed, nil
}
