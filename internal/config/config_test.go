package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"editstate/internal/storage"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("EDITSTATE_DATA_DIR", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	for _, k := range []string{
		"EDITSTATE_STORAGE_BACKEND", "EDITSTATE_STORAGE_PATH", "EDITSTATE_LOG_LEVEL",
		"EDITSTATE_LOG_FORMAT", "EDITSTATE_LOG_PATH", "EDITSTATE_METRICS_LISTEN",
		"EDITSTATE_RATE_LIMIT", "EDITSTATE_MEMORY_THRESHOLD_MB",
	} {
		t.Setenv(k, "")
	}
	return dir
}

func TestDefaultConfigIsValid(t *testing.T) {
	dir := isolate(t)

	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Empty(t, Check(cfg))

	assert.Equal(t, storage.BackendFile, cfg.Storage.Backend)
	assert.Equal(t, filepath.Join(dir, "state"), cfg.Storage.Path)
	assert.Equal(t, 7*24*time.Hour, cfg.State.ChangeTTL.D())
	assert.Equal(t, uint64(100<<20), cfg.MemoryOptions().MemoryThreshold)
	assert.Equal(t, 5*time.Second, cfg.RecoveryOptions().HeartbeatInterval)
}

func TestLoadNonexistentReturnsDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadFormats(t *testing.T) {
	isolate(t)

	files := map[string]string{
		"editstate.toml": `
[storage]
backend = "badger"
path = "/var/lib/editstate"

[recovery]
heartbeat_interval = "2s"
`,
		"editstate.json": `{"storage":{"backend":"badger","path":"/var/lib/editstate"},
"recovery":{"heartbeat_interval":"2s"}}`,
		"editstate.yaml": `
storage:
  backend: badger
  path: /var/lib/editstate
recovery:
  heartbeat_interval: 2s
`,
	}
	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, os.WriteFile(path, []byte(body), 0600))

			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, "badger", cfg.Storage.Backend)
			assert.Equal(t, "/var/lib/editstate", cfg.Storage.Path)
			assert.Equal(t, 2*time.Second, cfg.Recovery.HeartbeatInterval.D())
			// untouched sections keep their defaults
			assert.Equal(t, 10, cfg.State.MaxSnapshots)
		})
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	isolate(t)

	path := filepath.Join(t.TempDir(), "editstate.toml")
	require.NoError(t, os.WriteFile(path, []byte("[state]\nchange_ttl = \"soon\"\n"), 0600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "decode TOML")
}

func TestEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("EDITSTATE_STORAGE_BACKEND", "sqlite")
	t.Setenv("EDITSTATE_LOG_LEVEL", "debug")
	t.Setenv("EDITSTATE_METRICS_LISTEN", "127.0.0.1:9999")
	t.Setenv("EDITSTATE_RATE_LIMIT", "2.5")
	t.Setenv("EDITSTATE_SOCKET", "/run/editstate/es.sock")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9999", cfg.Metrics.Listen)
	assert.InDelta(t, 2.5, cfg.Producers.RateLimit, 1e-9)
	assert.Equal(t, "/run/editstate/es.sock", cfg.IPC.SocketPath)

	t.Setenv("EDITSTATE_RATE_LIMIT", "fast")
	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorContains(t, err, "EDITSTATE_RATE_LIMIT")
}

func TestValidation(t *testing.T) {
	isolate(t)

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown backend", func(c *Config) { c.Storage.Backend = "etcd" }, "storage.backend"},
		{"missing path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"zero snapshots", func(c *Config) { c.State.MaxSnapshots = 0 }, "state.max_snapshots"},
		{"threshold above one", func(c *Config) { c.Conflict.SemanticThreshold = 1.5 }, "conflict.semantic_threshold"},
		{"stale factor", func(c *Config) { c.Recovery.StaleFactor = 1 }, "recovery.stale_factor"},
		{"evict before compress", func(c *Config) { c.Memory.EvictAfter = c.Memory.IdleCompress }, "memory.evict_after"},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"metrics without listen", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Listen = "" }, "metrics.listen"},
		{"bad listen", func(c *Config) { c.Metrics.Listen = "nowhere" }, "metrics.listen"},
		{"zero burst", func(c *Config) { c.Producers.RateLimit = 1; c.Producers.Burst = 0 }, "producers.burst"},
		{"socket without path", func(c *Config) { c.IPC.SocketPath = "" }, "ipc.socket_path"},
		{"no connections", func(c *Config) { c.IPC.MaxConnections = 0 }, "ipc.max_connections"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)

			var errs ValidationErrors
			require.ErrorAs(t, err, &errs)
			fields := make([]string, 0, len(errs))
			for _, e := range errs {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestMemoryBackendIsOnlyAWarning(t *testing.T) {
	isolate(t)

	cfg := DefaultConfig()
	cfg.Storage.Backend = storage.BackendMemory
	cfg.Storage.Path = ""

	assert.NoError(t, cfg.Validate())
	warnings := Check(cfg).Warnings()
	require.Len(t, warnings, 1)
	assert.Equal(t, "storage.backend", warnings[0].Field)
	assert.False(t, Check(cfg).HasErrors())
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	isolate(t)

	cfg := DefaultConfig()
	cfg.State.ChangeTTL = Duration(36 * time.Hour)
	cfg.Conflict.PreserveFormatting = true
	path := filepath.Join(t.TempDir(), "nested", "editstate.toml")
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadOrCreate(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "editstate.toml")

	cfg, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.FileExists(t, path)

	again, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, cfg, again)
}

func TestLoaderWatchReloads(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "editstate.toml")
	require.NoError(t, SaveConfig(DefaultConfig(), path))

	l := NewLoader(path, nil)
	_, err := l.Load()
	require.NoError(t, err)

	changed := make(chan *Config, 1)
	l.OnChange(func(_, cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	})
	require.NoError(t, l.Watch())
	defer l.Close()

	cfg := DefaultConfig()
	cfg.State.MaxSnapshots = 42
	require.NoError(t, SaveConfig(cfg, path))

	select {
	case got := <-changed:
		assert.Equal(t, 42, got.State.MaxSnapshots)
		assert.Equal(t, 42, l.Config().State.MaxSnapshots)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}
}

func TestLoaderKeepsConfigOnInvalidReload(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "editstate.toml")
	require.NoError(t, SaveConfig(DefaultConfig(), path))

	l := NewLoader(path, nil)
	_, err := l.Load()
	require.NoError(t, err)
	require.NoError(t, l.Watch())
	defer l.Close()

	require.NoError(t, os.WriteFile(path, []byte("[state]\nmax_snapshots = 0\n"), 0600))

	select {
	case err := <-l.Errors():
		assert.ErrorIs(t, err, ErrInvalidConfig)
	case <-time.After(5 * time.Second):
		t.Fatal("no error for invalid reload")
	}
	assert.Equal(t, 10, l.Config().State.MaxSnapshots)
}

func TestEnsureDirectories(t *testing.T) {
	dir := isolate(t)

	cfg := DefaultConfig()
	require.NoError(t, cfg.EnsureDirectories())
	assert.DirExists(t, filepath.Join(dir, "state"))
	assert.DirExists(t, filepath.Join(dir, "logs"))
	assert.DirExists(t, filepath.Join(dir, "crashes"))
}
