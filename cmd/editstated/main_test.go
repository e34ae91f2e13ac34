package main

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"editstate/internal/health"
	"editstate/internal/metrics"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	t.Cleanup(func() {
		configPath, forceAll, overwrite = "", false, false
	})
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestConfigInitThenCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "editstate.toml")

	require.NoError(t, execute(t, "config", "init", "-c", path))
	assert.FileExists(t, path)

	err := execute(t, "config", "init", "-c", path)
	assert.ErrorContains(t, err, "already exists")
	require.NoError(t, execute(t, "config", "init", "--force", "-c", path))

	require.NoError(t, execute(t, "config", "check", "-c", path))
}

func TestConfigCheckReportsErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "editstate.toml")
	require.NoError(t, os.WriteFile(path, []byte("[state]\nmax_snapshots = 0\n"), 0o600))

	err := execute(t, "config", "check", "-c", path)
	assert.ErrorContains(t, err, "errors")
}

func TestOfflineCommands(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "editstate.toml")
	body := fmt.Sprintf("[storage]\nbackend = \"file\"\npath = %q\n\n[ipc]\nenabled = false\n\n[logging]\ncrash_dir = %q\n",
		filepath.Join(dir, "data"), filepath.Join(dir, "crashes"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	require.NoError(t, execute(t, "status", "-c", path))
	require.NoError(t, execute(t, "cleanup", "-c", path))
	require.NoError(t, execute(t, "crashes", "-c", path))

	// Nothing was ever checkpointed.
	assert.Error(t, execute(t, "recover", "-c", path))
}

func TestObservabilityMux(t *testing.T) {
	hc := health.NewChecker()
	mux := observabilityMux(metrics.New(), hc)

	for path, want := range map[string]int{
		"/livez":   http.StatusOK,
		"/readyz":  http.StatusServiceUnavailable,
		"/healthz": http.StatusOK,
		"/metrics": http.StatusOK,
	} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, rec.Code, path)
	}

	hc.SetReady(true)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	observabilityMux(nil, hc).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
