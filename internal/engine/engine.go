// Package engine ties the state store, the conflict resolver, crash
// recovery and the memory optimizer into one service that producers submit
// edits to and review surfaces read conflicts from.
package engine

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"editstate/internal/config"
	"editstate/internal/conflict"
	"editstate/internal/health"
	"editstate/internal/logging"
	"editstate/internal/memory"
	"editstate/internal/metrics"
	"editstate/internal/recovery"
	"editstate/internal/state"
	"editstate/internal/storage"
)

// Options tunes the engine and the components it builds.
type Options struct {
	MaxSnapshots        int
	ChangeTTL           time.Duration
	MaintenanceInterval time.Duration
	SessionIdle         time.Duration
	ClusterGap          int

	// RateLimit is submissions per second per producer; zero disables it.
	RateLimit               float64
	Burst                   int
	MaxChangesPerSubmission int

	Conflict conflict.Options
	Recovery recovery.Config
	Memory   memory.Config
}

// DefaultOptions returns the defaults of a fresh configuration.
func DefaultOptions() Options {
	return Options{
		MaxSnapshots:            10,
		ChangeTTL:               7 * 24 * time.Hour,
		MaintenanceInterval:     time.Hour,
		SessionIdle:             30 * time.Minute,
		ClusterGap:              50,
		Burst:                   10,
		MaxChangesPerSubmission: 1000,
		Conflict:                conflict.DefaultOptions(),
		Recovery:                recovery.DefaultConfig(),
		Memory:                  memory.DefaultConfig(),
	}
}

// OptionsFromConfig converts a loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxSnapshots:            cfg.State.MaxSnapshots,
		ChangeTTL:               cfg.State.ChangeTTL.D(),
		MaintenanceInterval:     cfg.State.MaintenanceInterval.D(),
		SessionIdle:             cfg.State.SessionIdle.D(),
		ClusterGap:              cfg.State.ClusterGap,
		RateLimit:               cfg.Producers.RateLimit,
		Burst:                   cfg.Producers.Burst,
		MaxChangesPerSubmission: cfg.Producers.MaxChangesPerSubmission,
		Conflict:                cfg.ConflictOptions(),
		Recovery:                cfg.RecoveryOptions(),
		Memory:                  cfg.MemoryOptions(),
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Components log under their own names.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithAudit records finalizations, resolutions, checkpoints and recoveries.
func WithAudit(a *logging.AuditLogger) Option {
	return func(e *Engine) { e.audit = a }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCrashHandler records panics of background tasks.
func WithCrashHandler(h *logging.CrashHandler) Option {
	return func(e *Engine) { e.crash = h }
}

// WithHealth marks the checker ready once startup recovery is done.
func WithHealth(c *health.Checker) Option {
	return func(e *Engine) { e.health = c }
}

// WithVersion sets the version reported in startup audit records.
func WithVersion(v string) Option {
	return func(e *Engine) { e.version = v }
}

// WithClock replaces the time source of the engine and its components.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is safe for concurrent use. Submissions for one document are
// serialized; different documents proceed in parallel.
type Engine struct {
	opts    Options
	logger  *slog.Logger
	audit   *logging.AuditLogger
	metrics *metrics.Metrics
	crash   *logging.CrashHandler
	health  *health.Checker
	now     func() time.Time
	version string

	states    *state.Store
	resolver  *conflict.Resolver
	durable   storage.Store
	recovery  *recovery.Manager
	optimizer *memory.Optimizer
	limits    *producerLimits

	// persist is held shared by mutations that touch both the store and
	// the queue, and exclusively while a checkpoint captures the two.
	persist sync.RWMutex

	// mu guards the queue and listeners. The queue of a document is only
	// modified while that document is locked.
	mu           sync.Mutex
	queue        map[string]*queued
	listeners    map[int]func(*conflict.Conflict)
	nextListener int

	running   atomic.Bool
	recovered atomic.Pointer[recovery.RecoveryInfo]
}

// queued is a conflict waiting for a decision.
type queued struct {
	conflict *conflict.Conflict
	// stored holds the ids of changes that were already in the store
	// when the conflict was detected.
	stored   map[string]bool
	queuedAt time.Time
}

// New builds an engine persisting to durable.
func New(durable storage.Store, opts Options, options ...Option) *Engine {
	e := &Engine{
		opts:      opts,
		logger:    slog.New(slog.DiscardHandler),
		now:       func() time.Time { return time.Now().UTC() },
		durable:   durable,
		queue:     make(map[string]*queued),
		listeners: make(map[int]func(*conflict.Conflict)),
	}
	for _, o := range options {
		o(e)
	}

	component := func(name string) *slog.Logger { return e.logger.With("component", name) }
	obs := &observer{metrics: e.metrics, audit: e.audit, logger: component("engine")}

	e.states = state.NewStore(
		state.WithMaxSnapshots(opts.MaxSnapshots),
		state.WithClock(e.now),
		state.WithLogger(component("state")),
	)
	e.resolver = conflict.NewResolver(opts.Conflict, component("conflict"))
	e.recovery = recovery.NewManager(durable, checkpointSource{e}, opts.Recovery,
		recovery.WithLogger(component("recovery")),
		recovery.WithClock(e.now),
		recovery.WithObserver(obs),
	)
	e.optimizer = memory.NewOptimizer(e.states, durable, opts.Memory,
		memory.WithLogger(component("memory")),
		memory.WithClock(e.now),
		memory.WithObserver(obs),
	)
	e.limits = newProducerLimits(rate.Limit(opts.RateLimit), opts.Burst)

	if e.metrics != nil {
		e.states.Subscribe(func(ev state.Event) {
			switch ev.Type {
			case state.EventDocumentCreated, state.EventDocumentRemoved, state.EventDocumentRestored:
				e.metrics.Documents.Set(float64(len(e.states.Documents())))
			}
		})
	}
	return e
}

// States returns the underlying store.
func (e *Engine) States() *state.Store { return e.states }

// Recovery returns the crash recovery manager.
func (e *Engine) Recovery() *recovery.Manager { return e.recovery }

// Optimizer returns the memory optimizer.
func (e *Engine) Optimizer() *memory.Optimizer { return e.optimizer }

// Storage returns the durable store.
func (e *Engine) Storage() storage.Store { return e.durable }

// OnConflict registers fn to be called for every conflict that starts
// waiting for a decision. fn runs without any lock held.
func (e *Engine) OnConflict(fn func(*conflict.Conflict)) (cancel func()) {
	e.mu.Lock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

func (e *Engine) notify(conflicts []*conflict.Conflict) {
	if len(conflicts) == 0 {
		return
	}
	e.mu.Lock()
	fns := make([]func(*conflict.Conflict), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, c := range conflicts {
		for _, fn := range fns {
			fn(c)
		}
	}
}

// RegisterHealth adds the engine's checks to c.
func (e *Engine) RegisterHealth(c *health.Checker, dataPath string) {
	c.RegisterFunc("storage", true, health.StorageCheck(e.durable))
	c.RegisterFunc("checkpoint", false, health.CheckpointAgeCheck(
		e.recovery.LastCheckpoint,
		3*e.opts.Recovery.CheckpointInterval,
		2*e.opts.Recovery.CheckpointInterval,
	))
	c.RegisterFunc("memory", false, health.MemoryCheck(e.opts.Memory.MemoryThreshold))
	if dataPath != "" {
		c.RegisterFunc("disk", false, health.DiskSpaceCheck(dataPath, 64<<20))
	}
}

// producerLimits holds one token bucket per producer.
type producerLimits struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newProducerLimits(limit rate.Limit, burst int) *producerLimits {
	return &producerLimits{limit: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (p *producerLimits) allow(producer string) bool {
	p.mu.Lock()
	if p.limit <= 0 {
		p.mu.Unlock()
		return true
	}
	l, ok := p.limiters[producer]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.limiters[producer] = l
	}
	p.mu.Unlock()
	return l.Allow()
}

func (p *producerLimits) set(limit rate.Limit, burst int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limit, p.burst = limit, burst
	for _, l := range p.limiters {
		l.SetLimit(limit)
		l.SetBurst(burst)
	}
}

// SetProducerLimits changes the per-producer submission rate. Existing
// buckets keep their tokens. A limit of zero disables limiting.
func (e *Engine) SetProducerLimits(perSecond float64, burst int) {
	e.limits.set(rate.Limit(perSecond), burst)
	e.logger.Info("producer limits updated", "rate", perSecond, "burst", burst)
}
