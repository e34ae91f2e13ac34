// Package config handles configuration loading, validation, and management
// for editstated.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"editstate/internal/conflict"
	"editstate/internal/logging"
	"editstate/internal/memory"
	"editstate/internal/recovery"
	"editstate/internal/storage"
)

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds the complete daemon configuration.
type Config struct {
	// Storage selects the durable backend for checkpoints and archives.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// State tunes the in-memory document store and its maintenance.
	State StateConfig `toml:"state" json:"state" yaml:"state"`

	// Conflict tunes detection and resolution.
	Conflict ConflictConfig `toml:"conflict" json:"conflict" yaml:"conflict"`

	// Recovery controls heartbeats, checkpoints and backups.
	Recovery RecoveryConfig `toml:"recovery" json:"recovery" yaml:"recovery"`

	// Memory controls archiving of cold history.
	Memory MemoryConfig `toml:"memory" json:"memory" yaml:"memory"`

	// Producers limits submissions per producer.
	Producers ProducersConfig `toml:"producers" json:"producers" yaml:"producers"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// IPC configures the local socket producers connect to.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Backend is one of "memory", "file", "badger" or "sqlite".
	Backend string `toml:"backend" json:"backend" yaml:"backend" validate:"oneof=memory file badger sqlite"`

	// Path is the directory (or sqlite file) holding durable state.
	Path string `toml:"path" json:"path" yaml:"path" validate:"required_unless=Backend memory"`

	// SyncWrites fsyncs every write.
	SyncWrites bool `toml:"sync_writes" json:"sync_writes" yaml:"sync_writes"`

	// GCInterval is the badger value log GC period.
	GCInterval Duration `toml:"gc_interval" json:"gc_interval" yaml:"gc_interval" validate:"gte=0"`
}

// StateConfig holds document store settings.
type StateConfig struct {
	// MaxSnapshots bounds the snapshots kept per document.
	MaxSnapshots int `toml:"max_snapshots" json:"max_snapshots" yaml:"max_snapshots" validate:"gte=1,lte=1000"`

	// ChangeTTL is how long finalized changes are kept before pruning.
	ChangeTTL Duration `toml:"change_ttl" json:"change_ttl" yaml:"change_ttl" validate:"gt=0"`

	// MaintenanceInterval is the period of TTL pruning.
	MaintenanceInterval Duration `toml:"maintenance_interval" json:"maintenance_interval" yaml:"maintenance_interval" validate:"gt=0"`

	// SessionIdle ends tracking sessions without activity for this long.
	SessionIdle Duration `toml:"session_idle" json:"session_idle" yaml:"session_idle" validate:"gt=0"`

	// ClusterGap is the largest distance between clustered changes.
	ClusterGap int `toml:"cluster_gap" json:"cluster_gap" yaml:"cluster_gap" validate:"gte=0"`
}

// ConflictConfig holds resolver tuning.
type ConflictConfig struct {
	AdjacencyTolerance   int     `toml:"adjacency_tolerance" json:"adjacency_tolerance" yaml:"adjacency_tolerance" validate:"gte=0"`
	SemanticThreshold    float64 `toml:"semantic_threshold" json:"semantic_threshold" yaml:"semantic_threshold" validate:"gte=0,lte=1"`
	EquivalenceThreshold float64 `toml:"equivalence_threshold" json:"equivalence_threshold" yaml:"equivalence_threshold" validate:"gte=0,lte=1"`
	PreserveSemantics    bool    `toml:"preserve_semantics" json:"preserve_semantics" yaml:"preserve_semantics"`
	PreserveFormatting   bool    `toml:"preserve_formatting" json:"preserve_formatting" yaml:"preserve_formatting"`
}

// RecoveryConfig holds crash recovery settings.
type RecoveryConfig struct {
	HeartbeatInterval  Duration `toml:"heartbeat_interval" json:"heartbeat_interval" yaml:"heartbeat_interval" validate:"gt=0"`
	CheckpointInterval Duration `toml:"checkpoint_interval" json:"checkpoint_interval" yaml:"checkpoint_interval" validate:"gt=0"`
	StaleFactor        int      `toml:"stale_factor" json:"stale_factor" yaml:"stale_factor" validate:"gte=2"`
	MaxBackups         int      `toml:"max_backups" json:"max_backups" yaml:"max_backups" validate:"gte=1"`
	BackupRetention    Duration `toml:"backup_retention" json:"backup_retention" yaml:"backup_retention" validate:"gt=0"`
	// BackupEvery takes a backup every that many checkpoints; 0 disables.
	BackupEvery        int      `toml:"backup_every" json:"backup_every" yaml:"backup_every" validate:"gte=0"`
}

// MemoryConfig holds memory optimizer settings.
type MemoryConfig struct {
	RecentWindow       Duration `toml:"recent_window" json:"recent_window" yaml:"recent_window" validate:"gt=0"`
	KeepSnapshots      int      `toml:"keep_snapshots" json:"keep_snapshots" yaml:"keep_snapshots" validate:"gte=0"`
	MinSavings         float64  `toml:"min_savings" json:"min_savings" yaml:"min_savings" validate:"gt=0,lt=1"`
	IdleCompress       Duration `toml:"idle_compress" json:"idle_compress" yaml:"idle_compress" validate:"gt=0"`
	EvictAfter         Duration `toml:"evict_after" json:"evict_after" yaml:"evict_after" validate:"gtfield=IdleCompress"`
	SizeThresholdBytes int      `toml:"size_threshold_bytes" json:"size_threshold_bytes" yaml:"size_threshold_bytes" validate:"gte=0"`
	ScanInterval       Duration `toml:"scan_interval" json:"scan_interval" yaml:"scan_interval" validate:"gt=0"`
	ThresholdMB        int      `toml:"threshold_mb" json:"threshold_mb" yaml:"threshold_mb" validate:"gte=1"`
}

// ProducersConfig holds submission limits.
type ProducersConfig struct {
	// RateLimit is the sustained submissions per second per producer.
	// Zero disables limiting.
	RateLimit float64 `toml:"rate_limit" json:"rate_limit" yaml:"rate_limit" validate:"gte=0"`

	// Burst is the bucket size when RateLimit is set.
	Burst int `toml:"burst" json:"burst" yaml:"burst" validate:"gte=0"`

	// MaxChangesPerSubmission caps one submission.
	MaxChangesPerSubmission int `toml:"max_changes_per_submission" json:"max_changes_per_submission" yaml:"max_changes_per_submission" validate:"gte=1"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level" validate:"oneof=debug info warn error"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format" validate:"oneof=text json"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output" validate:"oneof=stdout stderr file both"`

	// FilePath is the path to the log file (when Output is "file" or "both").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb" validate:"gte=1"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups" validate:"gte=0"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days" validate:"gte=0"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`

	// AuditPath is the audit trail file. Empty disables the audit trail.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`

	// CrashDir receives crash dumps of recovered panics.
	CrashDir string `toml:"crash_dir" json:"crash_dir" yaml:"crash_dir"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" json:"listen" yaml:"listen" validate:"omitempty,hostname_port"`
}

// IPCConfig holds the producer socket configuration.
type IPCConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// ReadOnly refuses submissions and review decisions over the socket.
	ReadOnly       bool `toml:"read_only" json:"read_only" yaml:"read_only"`
	MaxConnections int  `toml:"max_connections" json:"max_connections" yaml:"max_connections" validate:"gte=1"`
}

// DefaultConfig returns the default configuration rooted at DataDir.
func DefaultConfig() *Config {
	dir := DataDir()
	rec := recovery.DefaultConfig()
	mem := memory.DefaultConfig()
	opts := conflict.DefaultOptions()
	return &Config{
		Storage: StorageConfig{
			Backend:    storage.BackendFile,
			Path:       filepath.Join(dir, "state"),
			SyncWrites: true,
			GCInterval: Duration(10 * time.Minute),
		},
		State: StateConfig{
			MaxSnapshots:        10,
			ChangeTTL:           Duration(7 * 24 * time.Hour),
			MaintenanceInterval: Duration(time.Hour),
			SessionIdle:         Duration(30 * time.Minute),
			ClusterGap:          50,
		},
		Conflict: ConflictConfig{
			AdjacencyTolerance:   opts.AdjacencyTolerance,
			SemanticThreshold:    opts.SemanticThreshold,
			EquivalenceThreshold: opts.EquivalenceThreshold,
			PreserveSemantics:    opts.PreserveSemantics,
			PreserveFormatting:   opts.PreserveFormatting,
		},
		Recovery: RecoveryConfig{
			HeartbeatInterval:  Duration(rec.HeartbeatInterval),
			CheckpointInterval: Duration(rec.CheckpointInterval),
			StaleFactor:        rec.StaleFactor,
			MaxBackups:         rec.MaxBackups,
			BackupRetention:    Duration(rec.BackupRetention),
			BackupEvery:        rec.BackupEvery,
		},
		Memory: MemoryConfig{
			RecentWindow:       Duration(mem.RecentWindow),
			KeepSnapshots:      mem.KeepSnapshots,
			MinSavings:         mem.MinSavings,
			IdleCompress:       Duration(mem.IdleCompress),
			EvictAfter:         Duration(mem.EvictAfter),
			SizeThresholdBytes: mem.SizeThreshold,
			ScanInterval:       Duration(mem.ScanInterval),
			ThresholdMB:        int(mem.MemoryThreshold >> 20),
		},
		Producers: ProducersConfig{
			Burst:                   10,
			MaxChangesPerSubmission: 1000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "logs", "editstated.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
			AuditPath:  filepath.Join(dir, "logs", "audit.log"),
			CrashDir:   filepath.Join(dir, "crashes"),
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9464",
		},
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     filepath.Join(dir, "editstated.sock"),
			MaxConnections: 100,
		},
	}
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
// Environment overrides are applied; the result is not validated.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Logging.FilePath),
		filepath.Dir(c.Logging.AuditPath),
		c.Logging.CrashDir,
	}
	if c.IPC.Enabled {
		dirs = append(dirs, filepath.Dir(c.IPC.SocketPath))
	}
	switch c.Storage.Backend {
	case storage.BackendFile, storage.BackendBadger:
		dirs = append(dirs, c.Storage.Path)
	case storage.BackendSQLite:
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with EDITSTATE_ and use underscores.
func (c *Config) ApplyEnvOverrides() error {
	if v := os.Getenv("EDITSTATE_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("EDITSTATE_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("EDITSTATE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("EDITSTATE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("EDITSTATE_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("EDITSTATE_METRICS_LISTEN"); v != "" {
		c.Metrics.Enabled = true
		c.Metrics.Listen = v
	}
	if v := os.Getenv("EDITSTATE_SOCKET"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("EDITSTATE_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("EDITSTATE_RATE_LIMIT: %w", err)
		}
		c.Producers.RateLimit = f
	}
	if v := os.Getenv("EDITSTATE_MEMORY_THRESHOLD_MB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("EDITSTATE_MEMORY_THRESHOLD_MB: %w", err)
		}
		c.Memory.ThresholdMB = n
	}
	return nil
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// StorageOptions converts the storage section.
func (c *Config) StorageOptions() storage.Config {
	return storage.Config{
		Backend:    c.Storage.Backend,
		Path:       c.Storage.Path,
		SyncWrites: c.Storage.SyncWrites,
		GCInterval: c.Storage.GCInterval.D(),
	}
}

// ConflictOptions converts the conflict section.
func (c *Config) ConflictOptions() conflict.Options {
	return conflict.Options{
		AdjacencyTolerance:   c.Conflict.AdjacencyTolerance,
		SemanticThreshold:    c.Conflict.SemanticThreshold,
		EquivalenceThreshold: c.Conflict.EquivalenceThreshold,
		PreserveSemantics:    c.Conflict.PreserveSemantics,
		PreserveFormatting:   c.Conflict.PreserveFormatting,
	}
}

// RecoveryOptions converts the recovery section.
func (c *Config) RecoveryOptions() recovery.Config {
	return recovery.Config{
		HeartbeatInterval:  c.Recovery.HeartbeatInterval.D(),
		CheckpointInterval: c.Recovery.CheckpointInterval.D(),
		StaleFactor:        c.Recovery.StaleFactor,
		MaxBackups:         c.Recovery.MaxBackups,
		BackupRetention:    c.Recovery.BackupRetention.D(),
		BackupEvery:        c.Recovery.BackupEvery,
	}
}

// MemoryOptions converts the memory section.
func (c *Config) MemoryOptions() memory.Config {
	return memory.Config{
		RecentWindow:    c.Memory.RecentWindow.D(),
		KeepSnapshots:   c.Memory.KeepSnapshots,
		MinSavings:      c.Memory.MinSavings,
		IdleCompress:    c.Memory.IdleCompress.D(),
		EvictAfter:      c.Memory.EvictAfter.D(),
		SizeThreshold:   c.Memory.SizeThresholdBytes,
		ScanInterval:    c.Memory.ScanInterval.D(),
		MemoryThreshold: uint64(c.Memory.ThresholdMB) << 20,
	}
}

// LoggingOptions converts the logging section. The section is assumed valid.
func (c *Config) LoggingOptions() *logging.Config {
	level, _ := logging.ParseLevel(c.Logging.Level)
	format, _ := logging.ParseFormat(c.Logging.Format)
	return &logging.Config{
		Level:      level,
		Format:     format,
		Output:     c.Logging.Output,
		FilePath:   c.Logging.FilePath,
		MaxSize:    int64(c.Logging.MaxSizeMB),
		MaxAge:     c.Logging.MaxAgeDays,
		MaxBackups: c.Logging.MaxBackups,
		Compress:   c.Logging.Compress,
		Component:  "editstated",
	}
}

// SaveConfig writes cfg to path as TOML.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		f.Close()
		return fmt.Errorf("encode TOML: %w", err)
	}
	return f.Close()
}
