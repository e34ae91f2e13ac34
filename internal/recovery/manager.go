// Package recovery makes the state store durable across restarts.
//
// A Manager periodically writes a heartbeat and a checksummed checkpoint of
// every document to durable storage. On startup a stale heartbeat means the
// previous process died without shutting down; the Manager then restores the
// newest checkpoint or backup that passes validation.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"editstate/internal/state"
	"editstate/internal/storage"
)

// Storage keys.
const (
	HeartbeatKey  = "heartbeat"
	CheckpointKey = "checkpoint"
	BackupPrefix  = "backups/"
)

const backupLayout = "20060102T150405.000000000Z"

var (
	ErrChecksumMismatch  = errors.New("recovery: checksum mismatch")
	ErrCorruptPayload    = errors.New("recovery: corrupt payload")
	ErrRecoveryExhausted = errors.New("recovery: no valid checkpoint or backup")
	ErrRecovering        = errors.New("recovery: recovery in progress")
)

// Source is the state the Manager checkpoints and restores.
type Source interface {
	ExportStates() []*state.DocumentState
	ActiveSessions() []state.SessionState
	RestoreStates(states []*state.DocumentState) error
}

// Contents is everything one checkpoint captures.
type Contents struct {
	States   []*state.DocumentState
	Sessions []state.SessionState
	Queued   []QueuedConflict
}

// QueueSource is a Source that also holds conflicts outside the state
// store. Export must capture the states and the queue at the same instant.
// RestoreQueue runs after RestoreStates and returns how many conflicts were
// requeued.
type QueueSource interface {
	Source
	Export() Contents
	RestoreQueue(queued []QueuedConflict) (int, error)
}

// Observer is notified of checkpoint and recovery outcomes.
type Observer interface {
	CheckpointSaved(size int, took time.Duration)
	CheckpointFailed(err error)
	Recovered(info *RecoveryInfo)
}

// Config controls the recovery timers and backup retention.
type Config struct {
	HeartbeatInterval  time.Duration
	CheckpointInterval time.Duration

	// StaleFactor multiplies HeartbeatInterval to decide that a heartbeat
	// belongs to a crashed process.
	StaleFactor int

	MaxBackups      int
	BackupRetention time.Duration

	// BackupEvery takes a backup after every that many periodic
	// checkpoints. Zero disables periodic backups.
	BackupEvery int
}

// DefaultConfig returns the default timers and retention.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  5 * time.Second,
		CheckpointInterval: 30 * time.Second,
		StaleFactor:        3,
		MaxBackups:         10,
		BackupRetention:    7 * 24 * time.Hour,
		BackupEvery:        10,
	}
}

// Phase is the lifecycle state of a Manager.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseRecovering
)

func (p Phase) String() string {
	if p == PhaseRecovering {
		return "recovering"
	}
	return "idle"
}

// Heartbeat is the liveness record of a running process.
type Heartbeat struct {
	Timestamp time.Time `json:"timestamp"`
	PID       int       `json:"pid"`
}

// RecoveryInfo reports the outcome of a recovery attempt.
type RecoveryInfo struct {
	CrashDetected      bool      `json:"crashDetected"`
	LastHeartbeat      time.Time `json:"lastHeartbeat,omitzero"`
	RecoveredAt        time.Time `json:"recoveredAt"`
	Success            bool      `json:"success"`
	DocumentsRecovered int       `json:"documentsRecovered"`
	SessionsRecovered  int       `json:"sessionsRecovered"`
	ConflictsRecovered int       `json:"conflictsRecovered"`
	Source             string    `json:"source,omitempty"`
	Errors             []string  `json:"errors,omitempty"`

	// Err is ErrRecoveryExhausted when no source could be restored.
	Err error `json:"-"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithObserver registers an observer for checkpoints and recoveries.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// Manager owns heartbeats, checkpoints, backups and crash recovery.
type Manager struct {
	store    storage.Store
	source   Source
	cfg      Config
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
	pid      int

	phase   atomic.Int32
	running atomic.Bool
	flight  singleflight.Group
	backups sync.Mutex

	lastCheckpoint atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a Manager over store that checkpoints source.
func NewManager(store storage.Store, source Source, cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = def.CheckpointInterval
	}
	if cfg.StaleFactor <= 0 {
		cfg.StaleFactor = def.StaleFactor
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = def.MaxBackups
	}
	if cfg.BackupRetention <= 0 {
		cfg.BackupRetention = def.BackupRetention
	}
	cfg.BackupEvery = max(cfg.BackupEvery, 0)

	m := &Manager{
		store:  store,
		source: source,
		cfg:    cfg,
		logger: slog.New(slog.DiscardHandler),
		now:    func() time.Time { return time.Now().UTC() },
		pid:    os.Getpid(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Phase returns the current lifecycle state.
func (m *Manager) Phase() Phase {
	return Phase(m.phase.Load())
}

// LastCheckpoint returns the time of the last successful checkpoint.
func (m *Manager) LastCheckpoint() time.Time {
	ns := m.lastCheckpoint.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// WriteHeartbeat records that this process is alive. It is skipped while
// recovering.
func (m *Manager) WriteHeartbeat(ctx context.Context) error {
	if m.Phase() == PhaseRecovering {
		return nil
	}
	data, err := json.Marshal(Heartbeat{Timestamp: m.now(), PID: m.pid})
	if err != nil {
		return err
	}
	if err := m.store.Write(ctx, HeartbeatKey, data); err != nil {
		return fmt.Errorf("recovery: write heartbeat: %w", err)
	}
	return nil
}

// ReadHeartbeat returns the stored heartbeat, or nil if there is none.
func (m *Manager) ReadHeartbeat(ctx context.Context) (*Heartbeat, error) {
	data, err := m.store.Read(ctx, HeartbeatKey)
	if err != nil {
		return nil, fmt.Errorf("recovery: read heartbeat: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return nil, fmt.Errorf("%w: heartbeat: %v", ErrCorruptPayload, err)
	}
	return &hb, nil
}

func (m *Manager) snapshot() ([]byte, error) {
	cp := &Checkpoint{Timestamp: m.now(), Version: FormatVersion}
	if qs, ok := m.source.(QueueSource); ok {
		c := qs.Export()
		cp.DocumentStates, cp.SessionStates, cp.QueuedConflicts = c.States, c.Sessions, c.Queued
	} else {
		cp.DocumentStates = m.source.ExportStates()
		cp.SessionStates = m.source.ActiveSessions()
	}
	return Encode(cp)
}

// SaveCheckpoint writes a checkpoint of every document and refreshes the
// heartbeat. Concurrent calls share one write.
func (m *Manager) SaveCheckpoint(ctx context.Context) error {
	if m.Phase() == PhaseRecovering {
		return ErrRecovering
	}
	_, err, _ := m.flight.Do(CheckpointKey, func() (any, error) {
		start := time.Now()
		data, err := m.snapshot()
		if err == nil {
			err = m.store.Write(ctx, CheckpointKey, data)
		}
		if err != nil {
			err = fmt.Errorf("recovery: save checkpoint: %w", err)
			if m.observer != nil {
				m.observer.CheckpointFailed(err)
			}
			return nil, err
		}
		m.lastCheckpoint.Store(m.now().UnixNano())
		if m.observer != nil {
			m.observer.CheckpointSaved(len(data), time.Since(start))
		}
		m.logger.Debug("checkpoint saved", "bytes", len(data))
		return nil, m.WriteHeartbeat(ctx)
	})
	return err
}

// CreateBackup writes the current state under a new backup key and prunes
// backups beyond the retention count. It returns the key written.
func (m *Manager) CreateBackup(ctx context.Context) (string, error) {
	if m.Phase() == PhaseRecovering {
		return "", ErrRecovering
	}
	data, err := m.snapshot()
	if err != nil {
		return "", err
	}

	m.backups.Lock()
	defer m.backups.Unlock()

	key := BackupPrefix + m.now().Format(backupLayout)
	if err := m.store.Write(ctx, key, data); err != nil {
		return "", fmt.Errorf("recovery: create backup: %w", err)
	}

	keys, err := m.store.List(ctx, BackupPrefix)
	if err != nil {
		return key, fmt.Errorf("recovery: list backups: %w", err)
	}
	for len(keys) > m.cfg.MaxBackups {
		if err := m.store.Delete(ctx, keys[0]); err != nil {
			return key, fmt.Errorf("recovery: prune backup: %w", err)
		}
		keys = keys[1:]
	}
	m.logger.Info("backup created", "key", key, "bytes", len(data))
	return key, nil
}

// Backups returns the backup keys, oldest first.
func (m *Manager) Backups(ctx context.Context) ([]string, error) {
	return m.store.List(ctx, BackupPrefix)
}

// Cleanup removes backups older than the retention period and returns how
// many were removed.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	m.backups.Lock()
	defer m.backups.Unlock()

	keys, err := m.store.List(ctx, BackupPrefix)
	if err != nil {
		return 0, fmt.Errorf("recovery: list backups: %w", err)
	}
	cutoff := m.now().Add(-m.cfg.BackupRetention)
	removed := 0
	for _, key := range keys {
		ts, err := time.Parse(backupLayout, strings.TrimPrefix(key, BackupPrefix))
		if err != nil || !ts.Before(cutoff) {
			continue
		}
		if err := m.store.Delete(ctx, key); err != nil {
			return removed, fmt.Errorf("recovery: delete backup: %w", err)
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("expired backups removed", "count", removed)
	}
	return removed, nil
}

// ForceCleanup deletes the heartbeat, the checkpoint and every backup.
func (m *Manager) ForceCleanup(ctx context.Context) error {
	m.backups.Lock()
	defer m.backups.Unlock()

	keys, err := m.store.List(ctx, BackupPrefix)
	if err != nil {
		return fmt.Errorf("recovery: list backups: %w", err)
	}
	keys = append(keys, HeartbeatKey, CheckpointKey)
	var errs []error
	for _, key := range keys {
		if err := m.store.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	m.logger.Warn("durable recovery state removed", "keys", len(keys))
	return errors.Join(errs...)
}

// CheckForCrash reads the last heartbeat. A heartbeat older than
// StaleFactor heartbeat intervals belongs to a process that did not shut
// down cleanly, and recovery runs. It returns nil when no crash is detected.
func (m *Manager) CheckForCrash(ctx context.Context) *RecoveryInfo {
	hb, err := m.ReadHeartbeat(ctx)
	switch {
	case errors.Is(err, ErrCorruptPayload):
		m.logger.Warn("heartbeat unreadable, assuming crash", "error", err)
	case err != nil:
		m.logger.Error("crash check failed", "error", err)
		return nil
	case hb == nil:
		return nil
	default:
		stale := time.Duration(m.cfg.StaleFactor) * m.cfg.HeartbeatInterval
		if age := m.now().Sub(hb.Timestamp); age <= stale {
			return nil
		}
	}

	m.logger.Warn("unclean shutdown detected")
	info := m.PerformRecovery(ctx)
	info.CrashDetected = true
	if hb != nil {
		info.LastHeartbeat = hb.Timestamp
	}
	return info
}

// Resume brings the source back to the last persisted state at startup.
// After a crash it behaves like CheckForCrash. After a clean shutdown the
// final checkpoint is restored, falling back to backups like any recovery.
// It returns nil when nothing was ever persisted.
func (m *Manager) Resume(ctx context.Context) *RecoveryInfo {
	if info := m.CheckForCrash(ctx); info != nil {
		return info
	}
	cp, err := m.store.Read(ctx, CheckpointKey)
	if err != nil {
		m.logger.Error("resume failed", "error", err)
		return nil
	}
	backups, err := m.store.List(ctx, BackupPrefix)
	if err != nil {
		m.logger.Error("resume failed", "error", err)
		return nil
	}
	if cp == nil && len(backups) == 0 {
		return nil
	}
	return m.PerformRecovery(ctx)
}

// PerformRecovery restores the newest valid checkpoint or backup into the
// source. It never fails: problems are reported in the returned info.
func (m *Manager) PerformRecovery(ctx context.Context) *RecoveryInfo {
	m.phase.Store(int32(PhaseRecovering))
	defer m.phase.Store(int32(PhaseIdle))

	info := &RecoveryInfo{RecoveredAt: m.now()}
	defer func() {
		if m.observer != nil {
			m.observer.Recovered(info)
		}
	}()

	candidates := []string{CheckpointKey}
	backups, err := m.store.List(ctx, BackupPrefix)
	if err != nil {
		info.Errors = append(info.Errors, fmt.Sprintf("list backups: %v", err))
	}
	slices.Reverse(backups)
	candidates = append(candidates, backups...)

	for _, key := range candidates {
		cp, err := m.load(ctx, key)
		if err == nil && cp == nil {
			continue
		}
		if err == nil {
			err = m.source.RestoreStates(cp.DocumentStates)
		}
		if err != nil {
			m.logger.Warn("recovery source rejected", "key", key, "error", err)
			info.Errors = append(info.Errors, fmt.Sprintf("%s: %v", key, err))
			continue
		}

		if qs, ok := m.source.(QueueSource); ok {
			n, err := qs.RestoreQueue(cp.QueuedConflicts)
			if err != nil {
				m.logger.Warn("queued conflicts partly restored", "key", key, "error", err)
				info.Errors = append(info.Errors, fmt.Sprintf("%s: queued conflicts: %v", key, err))
			}
			info.ConflictsRecovered = n
		}

		info.Success = true
		info.Source = key
		info.DocumentsRecovered = len(cp.DocumentStates)
		info.SessionsRecovered = len(cp.SessionStates)
		m.logger.Info("state recovered",
			"source", key,
			"documents", info.DocumentsRecovered,
			"sessions", info.SessionsRecovered,
			"conflicts", info.ConflictsRecovered,
			"checkpoint_time", cp.Timestamp)
		return info
	}

	info.Err = ErrRecoveryExhausted
	info.Errors = append(info.Errors, ErrRecoveryExhausted.Error())
	m.logger.Error("recovery failed", "attempts", len(candidates))
	return info
}

func (m *Manager) load(ctx context.Context, key string) (*Checkpoint, error) {
	data, err := m.store.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	return Decode(data)
}

// Run writes heartbeats and checkpoints until ctx is done, taking a backup
// after every BackupEvery checkpoints. Backups older than the retention
// period are pruned first. When ctx ends, a final checkpoint is written and
// the heartbeat removed, marking a clean shutdown.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("recovery: manager already running")
	}
	defer m.running.Store(false)

	if _, err := m.Cleanup(ctx); err != nil {
		m.logger.Warn("backup cleanup failed", "error", err)
	}

	heartbeat := time.NewTicker(m.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	checkpoint := time.NewTicker(m.cfg.CheckpointInterval)
	defer checkpoint.Stop()

	m.logger.Info("recovery timers started",
		"heartbeat_interval", m.cfg.HeartbeatInterval,
		"checkpoint_interval", m.cfg.CheckpointInterval,
		"backup_every", m.cfg.BackupEvery)

	saved := 0

	for {
		select {
		case <-ctx.Done():
			return m.shutdown(context.WithoutCancel(ctx))
		case <-heartbeat.C:
			if err := m.WriteHeartbeat(ctx); err != nil {
				m.logger.Warn("heartbeat failed", "error", err)
			}
		case <-checkpoint.C:
			if err := m.SaveCheckpoint(ctx); err != nil {
				if !errors.Is(err, ErrRecovering) {
					// Retried on the next tick.
					m.logger.Warn("checkpoint failed", "error", err)
				}
				continue
			}
			saved++
			if m.cfg.BackupEvery > 0 && saved%m.cfg.BackupEvery == 0 {
				if _, err := m.CreateBackup(ctx); err != nil {
					m.logger.Warn("periodic backup failed", "error", err)
				}
			}
		}
	}
}

func (m *Manager) shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := m.SaveCheckpoint(ctx); err != nil {
		m.logger.Error("final checkpoint failed", "error", err)
		return err
	}
	if err := m.store.Delete(ctx, HeartbeatKey); err != nil {
		return fmt.Errorf("recovery: remove heartbeat: %w", err)
	}
	m.logger.Info("recovery timers stopped")
	return nil
}

// Start runs the timers in the background until Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		if err := m.Run(ctx); err != nil {
			m.logger.Error("recovery manager stopped with error", "error", err)
		}
	}()
}

// Stop ends the timers started by Start and waits for the final
// checkpoint.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
