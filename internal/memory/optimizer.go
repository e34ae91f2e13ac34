package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"editstate/internal/state"
	"editstate/internal/storage"
)

// ArchivePrefix is the storage key prefix for compacted history.
const ArchivePrefix = "archive/"

// Config tunes the optimizer.
type Config struct {
	RecentWindow    time.Duration
	KeepSnapshots   int
	MinSavings      float64
	IdleCompress    time.Duration
	EvictAfter      time.Duration
	SizeThreshold   int
	ScanInterval    time.Duration
	MemoryThreshold uint64
}

// DefaultConfig returns the standard optimizer settings.
func DefaultConfig() Config {
	return Config{
		RecentWindow:    24 * time.Hour,
		KeepSnapshots:   3,
		MinSavings:      0.2,
		IdleCompress:    5 * time.Minute,
		EvictAfter:      30 * time.Minute,
		SizeThreshold:   4 << 10,
		ScanInterval:    30 * time.Second,
		MemoryThreshold: 100 << 20,
	}
}

// Observer receives optimizer activity.
type Observer interface {
	Compacted(docID string, res CompactionResult)
	Collected(res GCResult)
}

// CompactionResult describes one document compaction.
type CompactionResult struct {
	Key               string
	Encoding          Encoding
	RawSize           int
	StoredSize        int
	ArchivedChanges   int
	ArchivedSessions  int
	ArchivedSnapshots int
}

// Optimizer moves cold document history into durable archives and keeps
// recently loaded archives in a tiered cache.
type Optimizer struct {
	states  *state.Store
	durable storage.Store
	cfg     Config
	cache   *Cache[ArchivedState]

	logger    *slog.Logger
	observer  Observer
	now       func() time.Time
	heapAlloc func() uint64

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures an Optimizer.
type Option func(*Optimizer)

func WithLogger(l *slog.Logger) Option {
	return func(o *Optimizer) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Optimizer) { o.now = now }
}

func WithObserver(obs Observer) Option {
	return func(o *Optimizer) { o.observer = obs }
}

// WithHeapAlloc replaces the heap usage check.
func WithHeapAlloc(fn func() uint64) Option {
	return func(o *Optimizer) { o.heapAlloc = fn }
}

// NewOptimizer creates an optimizer over states persisting archives to
// durable.
func NewOptimizer(states *state.Store, durable storage.Store, cfg Config, opts ...Option) *Optimizer {
	def := DefaultConfig()
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = def.RecentWindow
	}
	if cfg.MinSavings <= 0 || cfg.MinSavings >= 1 {
		cfg.MinSavings = def.MinSavings
	}
	if cfg.IdleCompress <= 0 {
		cfg.IdleCompress = def.IdleCompress
	}
	if cfg.EvictAfter <= 0 {
		cfg.EvictAfter = def.EvictAfter
	}
	if cfg.SizeThreshold <= 0 {
		cfg.SizeThreshold = def.SizeThreshold
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = def.ScanInterval
	}
	if cfg.MemoryThreshold == 0 {
		cfg.MemoryThreshold = def.MemoryThreshold
	}

	o := &Optimizer{
		states:    states,
		durable:   durable,
		cfg:       cfg,
		logger:    slog.New(slog.DiscardHandler),
		now:       func() time.Time { return time.Now().UTC() },
		heapAlloc: heapAlloc,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.cache = NewCache(Codec[ArchivedState]{Encode: o.encodeArchived, Decode: decodeArchived},
		cfg.IdleCompress, cfg.EvictAfter, cfg.SizeThreshold, cfg.MinSavings, o.now)
	return o
}

func heapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

func (o *Optimizer) encodeArchived(a *ArchivedState) ([]byte, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	blob, _, err := compress(raw, o.cfg.MinSavings)
	return blob, err
}

func decodeArchived(blob []byte) (*ArchivedState, error) {
	return (&Archive{Blob: blob}).Decode()
}

// Policy returns the split policy derived from the configuration.
func (o *Optimizer) Policy() Policy {
	return Policy{RecentWindow: o.cfg.RecentWindow, KeepSnapshots: o.cfg.KeepSnapshots, MinSavings: o.cfg.MinSavings}
}

// OptimizeDocumentState splits st without touching the store.
func (o *Optimizer) OptimizeDocumentState(st *state.DocumentState) (*OptimizedDocumentState, error) {
	return Optimize(st, o.Policy(), o.now())
}

// ArchiveKey returns the storage key of the archive taken at version.
func ArchiveKey(docID string, version uint64) string {
	return fmt.Sprintf("%s%s/%020d", ArchivePrefix, url.PathEscape(docID), version)
}

// Compact archives the cold history of docID and removes it from the live
// state. The archive is written before the state is trimmed. A nil result
// means there was nothing to archive.
func (o *Optimizer) Compact(ctx context.Context, docID string) (*CompactionResult, error) {
	st, err := o.states.Get(docID)
	if err != nil {
		return nil, err
	}
	opt, err := o.OptimizeDocumentState(st)
	if err != nil {
		return nil, err
	}
	if opt.Archive == nil {
		return nil, nil
	}

	key := ArchiveKey(docID, st.Version)
	if err := o.durable.Write(ctx, key, opt.Archive.Blob); err != nil {
		return nil, fmt.Errorf("memory: write archive %s: %w", key, err)
	}
	if err := o.states.Compact(docID, opt.Plan); err != nil {
		if derr := o.durable.Delete(ctx, key); derr != nil {
			o.logger.Warn("failed to remove orphaned archive", "key", key, "error", derr)
		}
		return nil, err
	}

	res := &CompactionResult{
		Key:               key,
		Encoding:          opt.Archive.Encoding,
		RawSize:           opt.Archive.RawSize,
		StoredSize:        len(opt.Archive.Blob),
		ArchivedChanges:   opt.ArchivedChanges,
		ArchivedSessions:  opt.ArchivedSessions,
		ArchivedSnapshots: opt.ArchivedSnapshots,
	}
	o.logger.Info("document compacted",
		"document", docID,
		"key", key,
		"encoding", res.Encoding.String(),
		"raw_bytes", res.RawSize,
		"stored_bytes", res.StoredSize,
		"changes", res.ArchivedChanges)
	if o.observer != nil {
		o.observer.Compacted(docID, *res)
	}
	return res, nil
}

// CompactAll compacts every tracked document. Failures are logged and
// joined; the remaining documents are still compacted.
func (o *Optimizer) CompactAll(ctx context.Context) (int, error) {
	var errs []error
	n := 0
	for _, id := range o.states.Documents() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		res, err := o.Compact(ctx, id)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				continue
			}
			o.logger.Warn("compaction failed", "document", id, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		if res != nil {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// Archives lists the archive keys of docID, oldest first.
func (o *Optimizer) Archives(ctx context.Context, docID string) ([]string, error) {
	return o.durable.List(ctx, ArchivePrefix+url.PathEscape(docID)+"/")
}

// LoadArchive returns the archived state stored under key, using the cache
// when possible.
func (o *Optimizer) LoadArchive(ctx context.Context, key string) (*ArchivedState, error) {
	if !strings.HasPrefix(key, ArchivePrefix) {
		return nil, fmt.Errorf("%w: %q is not an archive key", storage.ErrInvalidKey, key)
	}
	if a, ok := o.cache.Get(key); ok {
		return a, nil
	}
	blob, err := o.durable.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, fmt.Errorf("memory: archive %s: %w", key, state.ErrNotFound)
	}
	a, err := (&Archive{Blob: blob}).Decode()
	if err != nil {
		return nil, fmt.Errorf("memory: archive %s: %w", key, err)
	}
	raw, _ := json.Marshal(a)
	o.cache.Put(key, a, len(raw))
	return a, nil
}

// CacheStats reports the archive cache tiers.
func (o *Optimizer) CacheStats() CacheStats {
	return o.cache.Stats()
}

// ForceGarbageCollection runs a cache collection pass immediately.
func (o *Optimizer) ForceGarbageCollection() GCResult {
	res := o.cache.Collect()
	o.logger.Debug("memory collection finished",
		"collected", res.ObjectsCollected,
		"freed_bytes", res.MemoryFreed,
		"compressed", res.ObjectsCompressed,
		"evicted", res.ObjectsEvicted,
		"duration", res.Duration)
	if o.observer != nil {
		o.observer.Collected(res)
	}
	return res
}

// Scan checks heap usage and, above the threshold, collects the cache and
// compacts all documents. It reports whether the threshold was exceeded.
func (o *Optimizer) Scan(ctx context.Context) bool {
	used := o.heapAlloc()
	if used <= o.cfg.MemoryThreshold {
		return false
	}
	o.logger.Warn("memory threshold exceeded", "heap_bytes", used, "threshold", o.cfg.MemoryThreshold)
	o.ForceGarbageCollection()
	if _, err := o.CompactAll(ctx); err != nil && ctx.Err() == nil {
		o.logger.Warn("compaction pass incomplete", "error", err)
	}
	return true
}

// Run scans memory usage every ScanInterval until ctx is done.
func (o *Optimizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.Scan(ctx)
		}
	}
}

// Start runs the scan loop in the background.
func (o *Optimizer) Start(ctx context.Context) {
	if !o.running.CompareAndSwap(false, true) {
		return
	}
	ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_ = o.Run(ctx)
	}()
}

// Stop halts the scan loop and waits for it to exit.
func (o *Optimizer) Stop() {
	if !o.running.CompareAndSwap(true, false) {
		return
	}
	o.cancel()
	o.wg.Wait()
}
