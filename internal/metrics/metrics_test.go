package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"editstate/internal/memory"
	"editstate/internal/recovery"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordSubmission("committed", time.Millisecond)
		m.RecordChanges("pending", 3)
		m.RecordConflict("OVERLAPPING_EDITS", "LOW")
		m.RecordResolution("MERGE_COMPATIBLE")
		m.RecordRateLimited("spellcheck")
		m.RecordPruned(2)
		m.SetState(1, 1, 1)
		m.CheckpointSaved(10, time.Millisecond)
		m.CheckpointFailed(errors.New("disk full"))
		m.Recovered(&recovery.RecoveryInfo{Success: true})
		m.Compacted("doc", memory.CompactionResult{})
		m.Collected(memory.GCResult{})
	})
	assert.Nil(t, m.Registry())
}

func TestRecorders(t *testing.T) {
	m := New()

	m.RecordSubmission("committed", 2*time.Millisecond)
	m.RecordSubmission("committed", 3*time.Millisecond)
	m.RecordSubmission("queued", time.Millisecond)
	m.RecordChanges("pending", 4)
	m.RecordChanges("pending", 0)
	m.RecordConflict("SEMANTIC_CONFLICT", "HIGH")
	m.RecordResolution("PRIORITY_WINS")
	m.RecordPruned(5)
	m.SetState(3, 2, 1)

	assert.InDelta(t, 2, testutil.ToFloat64(m.SubmissionsTotal.WithLabelValues("committed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.SubmissionsTotal.WithLabelValues("queued")), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(m.ChangesTotal.WithLabelValues("pending")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ConflictsDetected.WithLabelValues("SEMANTIC_CONFLICT", "HIGH")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ConflictsResolved.WithLabelValues("PRIORITY_WINS")), 0)
	assert.InDelta(t, 5, testutil.ToFloat64(m.PrunedChangesTotal), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.Documents), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.ActiveSessions), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.PendingConflicts), 0)
}

func TestObserverCallbacks(t *testing.T) {
	m := New()

	m.CheckpointSaved(2048, 5*time.Millisecond)
	m.CheckpointFailed(errors.New("disk full"))
	m.Recovered(&recovery.RecoveryInfo{Success: false})
	m.Compacted("notes.md", memory.CompactionResult{Encoding: memory.EncodingZstd, StoredSize: 300})
	m.Collected(memory.GCResult{MemoryFreed: 1000, Duration: time.Millisecond})

	assert.InDelta(t, 1, testutil.ToFloat64(m.CheckpointsTotal.WithLabelValues("success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.CheckpointsTotal.WithLabelValues("failure")), 0)
	assert.InDelta(t, 2048, testutil.ToFloat64(m.CheckpointBytes), 0)
	assert.Positive(t, testutil.ToFloat64(m.LastCheckpointTs))
	assert.InDelta(t, 1, testutil.ToFloat64(m.RecoveriesTotal.WithLabelValues("failure")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.CompactionsTotal.WithLabelValues("zstd")), 0)
	assert.InDelta(t, 300, testutil.ToFloat64(m.ArchivedBytesTotal), 0)
	assert.InDelta(t, 1000, testutil.ToFloat64(m.GCFreedBytesTotal), 0)
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.RecordSubmission("committed", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `editstate_submissions_total{outcome="committed"} 1`)
	assert.Contains(t, body, "editstate_uptime_seconds")
	assert.True(t, strings.Contains(body, "go_goroutines"))
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.RecordPruned(1)
	assert.InDelta(t, 0, testutil.ToFloat64(b.PrunedChangesTotal), 0)
}
