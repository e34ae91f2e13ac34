package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"editstate/internal/conflict"
	"editstate/internal/state"
	"editstate/internal/storage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingObserver struct {
	mu        sync.Mutex
	saved     int
	failed    int
	recovered []*RecoveryInfo
}

func (o *recordingObserver) CheckpointSaved(int, time.Duration) {
	o.mu.Lock()
	o.saved++
	o.mu.Unlock()
}

func (o *recordingObserver) CheckpointFailed(error) {
	o.mu.Lock()
	o.failed++
	o.mu.Unlock()
}

func (o *recordingObserver) Recovered(info *RecoveryInfo) {
	o.mu.Lock()
	o.recovered = append(o.recovered, info)
	o.mu.Unlock()
}

func populatedStore(t *testing.T, c *clock, docs ...string) *state.Store {
	t.Helper()
	s := state.NewStore(state.WithClock(c.Now))
	for _, doc := range docs {
		s.InitializeDocument(doc)
		for i := 0; i < 3; i++ {
			require.NoError(t, s.AddChange(doc, &state.Change{
				ID:         fmt.Sprintf("%s-c%d", doc, i),
				Timestamp:  c.Now(),
				Type:       state.ChangeReplace,
				Range:      state.Range{Start: i * 10, End: i*10 + 4},
				BeforeText: "teh ",
				AfterText:  "the ",
				Source:     state.Source{ProducerID: "spell", Priority: 2},
				Confidence: 0.75,
				Category:   "spelling",
			}))
		}
		_, err := s.StartSession(doc, "spell")
		require.NoError(t, err)
		_, err = s.ClusterPending(doc, 10)
		require.NoError(t, err)
		_, err = s.CreateSnapshot(doc, "teh quick brown fox")
		require.NoError(t, err)
	}
	return s
}

func newManager(t *testing.T, store storage.Store, src Source, c *clock, opts ...Option) *Manager {
	t.Helper()
	return NewManager(store, src, DefaultConfig(), append([]Option{WithClock(c.Now)}, opts...)...)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := newClock()
	src := populatedStore(t, c, "a.md", "b.md")

	cp := &Checkpoint{
		Timestamp:      c.Now(),
		DocumentStates: src.ExportStates(),
		SessionStates:  src.ActiveSessions(),
	}
	data, err := Encode(cp)
	require.NoError(t, err)
	assert.NotEmpty(t, cp.Checksum)

	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, back.Version)
	assert.Equal(t, cp.Checksum, back.Checksum)
	assert.Equal(t, src.ExportStates(), back.DocumentStates)
	assert.Len(t, back.SessionStates, 2)
}

func TestDecodeRejectsEverySingleByteMutation(t *testing.T) {
	c := newClock()
	src := populatedStore(t, c, "doc.md")
	data, err := Encode(&Checkpoint{Timestamp: c.Now(), DocumentStates: src.ExportStates()})
	require.NoError(t, err)

	for i := range data {
		mutated := bytes.Clone(data)
		mutated[i] ^= 0x01
		_, err := Decode(mutated)
		require.Error(t, err, "mutation at byte %d (%q) was accepted", i, data[i])
	}
}

func TestDecodeAcceptsTextThatIsNotUTF8(t *testing.T) {
	c := newClock()
	src := state.NewStore(state.WithClock(c.Now))
	src.InitializeDocument("menu.md")
	require.NoError(t, src.AddChange("menu.md", &state.Change{
		ID:         "c1",
		Timestamp:  c.Now(),
		Type:       state.ChangeInsert,
		Range:      state.Range{Start: 0, End: 0},
		AfterText:  "caf\xe9",
		Source:     state.Source{ProducerID: "legacy"},
		Confidence: 1,
	}))

	data, err := Encode(&Checkpoint{Timestamp: c.Now(), DocumentStates: src.ExportStates()})
	require.NoError(t, err)
	back, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, back.DocumentStates, 1)
	assert.Equal(t, "caf\uFFFD", back.DocumentStates[0].Changes["c1"].AfterText)
}

func TestDecodeRejectsSchemaViolations(t *testing.T) {
	_, err := Decode([]byte(`{"timestamp":"2026-03-01T12:00:00Z","version":"1.0.0","checksum":"0"}`))
	assert.ErrorIs(t, err, ErrCorruptPayload)

	_, err = Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrCorruptPayload)
}

func TestCheckForCrashRecoversFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	store := storage.NewMemoryStore()

	before := populatedStore(t, c, "notes.md")
	first := newManager(t, store, before, c)
	require.NoError(t, first.SaveCheckpoint(ctx))

	// The process dies; no clean shutdown removes the heartbeat.
	c.Advance(16 * time.Second)

	after := state.NewStore()
	obs := &recordingObserver{}
	second := newManager(t, store, after, c, WithObserver(obs))

	info := second.CheckForCrash(ctx)
	require.NotNil(t, info)
	assert.True(t, info.CrashDetected)
	assert.True(t, info.Success)
	assert.NoError(t, info.Err)
	assert.GreaterOrEqual(t, info.DocumentsRecovered, 1)
	assert.Equal(t, 1, info.SessionsRecovered)
	assert.Equal(t, CheckpointKey, info.Source)
	assert.False(t, info.LastHeartbeat.IsZero())

	assert.Equal(t, before.ExportStates(), after.ExportStates())
	assert.Equal(t, PhaseIdle, second.Phase())
	require.Len(t, obs.recovered, 1)
}

func TestCheckForCrashWithFreshOrMissingHeartbeat(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	store := storage.NewMemoryStore()
	m := newManager(t, store, populatedStore(t, c, "a"), c)

	assert.Nil(t, m.CheckForCrash(ctx), "first run has no heartbeat")

	require.NoError(t, m.WriteHeartbeat(ctx))
	c.Advance(14 * time.Second)
	assert.Nil(t, m.CheckForCrash(ctx), "heartbeat within three intervals")
}

func TestRecoveryFallsBackToBackup(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	store := storage.NewMemoryStore()

	src := populatedStore(t, c, "draft.md")
	m := newManager(t, store, src, c)
	_, err := m.CreateBackup(ctx)
	require.NoError(t, err)
	require.NoError(t, m.SaveCheckpoint(ctx))

	raw, err := store.Read(ctx, CheckpointKey)
	require.NoError(t, err)
	cp, err := Decode(raw)
	require.NoError(t, err)
	store.Corrupt(CheckpointKey, func(b []byte) []byte {
		return bytes.Replace(b, []byte(`"checksum":"`+cp.Checksum+`"`), []byte(`"checksum":"zzzz"`), 1)
	})

	c.Advance(time.Minute)
	restored := state.NewStore()
	info := newManager(t, store, restored, c).CheckForCrash(ctx)
	require.NotNil(t, info)
	assert.True(t, info.Success)
	assert.Equal(t, 1, info.DocumentsRecovered)
	assert.Contains(t, info.Source, BackupPrefix)
	require.NotEmpty(t, info.Errors)
	assert.Contains(t, info.Errors[0], "checksum mismatch")
	assert.True(t, restored.Has("draft.md"))
}

func TestRecoveryExhausted(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Write(ctx, CheckpointKey, []byte(`{"broken":`)))
	require.NoError(t, store.Write(ctx, BackupPrefix+"20260301T000000.000000000Z", []byte(`{}`)))

	info := newManager(t, store, state.NewStore(), c).PerformRecovery(ctx)
	assert.False(t, info.Success)
	assert.ErrorIs(t, info.Err, ErrRecoveryExhausted)
	assert.Len(t, info.Errors, 3)
}

func TestBackupsAreBoundedAndExpire(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	store := storage.NewMemoryStore()
	m := newManager(t, store, populatedStore(t, c, "a"), c)

	var keys []string
	for i := 0; i < 12; i++ {
		key, err := m.CreateBackup(ctx)
		require.NoError(t, err)
		keys = append(keys, key)
		c.Advance(time.Hour)
	}
	backups, err := m.Backups(ctx)
	require.NoError(t, err)
	assert.Equal(t, keys[2:], backups)

	c.Advance(7*24*time.Hour - 5*time.Hour)
	removed, err := m.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, removed)

	backups, err = m.Backups(ctx)
	require.NoError(t, err)
	assert.Equal(t, keys[8:], backups)
}

func TestForceCleanup(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	store := storage.NewMemoryStore()
	m := newManager(t, store, populatedStore(t, c, "a"), c)

	require.NoError(t, m.SaveCheckpoint(ctx))
	_, err := m.CreateBackup(ctx)
	require.NoError(t, err)

	require.NoError(t, m.ForceCleanup(ctx))
	keys, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestConcurrentCheckpointsAreCoalesced(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	obs := &recordingObserver{}
	m := newManager(t, storage.NewMemoryStore(), populatedStore(t, c, "a", "b", "c"), c, WithObserver(obs))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.SaveCheckpoint(ctx))
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, obs.saved, 1)
	assert.LessOrEqual(t, obs.saved, 16)
	assert.False(t, m.LastCheckpoint().IsZero())
}

func TestCheckpointFailureIsReported(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Close())

	obs := &recordingObserver{}
	m := newManager(t, store, populatedStore(t, c, "a"), c, WithObserver(obs))
	err := m.SaveCheckpoint(ctx)
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.Equal(t, 1, obs.failed)
}

func TestRunShutsDownCleanly(t *testing.T) {
	c := newClock()
	store := storage.NewMemoryStore()
	cfg := Config{HeartbeatInterval: 5 * time.Millisecond, CheckpointInterval: 10 * time.Millisecond}
	m := NewManager(store, populatedStore(t, c, "a"), cfg, WithClock(c.Now))

	m.Start(context.Background())
	require.Eventually(t, func() bool {
		data, _ := store.Read(context.Background(), CheckpointKey)
		return data != nil
	}, 2*time.Second, 5*time.Millisecond)
	m.Stop()

	hb, err := m.ReadHeartbeat(context.Background())
	require.NoError(t, err)
	assert.Nil(t, hb, "clean shutdown removes the heartbeat")
	assert.Nil(t, m.CheckForCrash(context.Background()))
}

func TestRunTakesPeriodicBackups(t *testing.T) {
	c := newClock()
	store := storage.NewMemoryStore()
	obs := &recordingObserver{}
	cfg := Config{HeartbeatInterval: 5 * time.Millisecond, CheckpointInterval: 2 * time.Millisecond, BackupEvery: 2}
	m := NewManager(store, populatedStore(t, c, "a"), cfg, WithClock(c.Now), WithObserver(obs))

	m.Start(context.Background())
	require.Eventually(t, func() bool {
		keys, _ := m.Backups(context.Background())
		return len(keys) > 0
	}, 2*time.Second, 5*time.Millisecond)
	m.Stop()

	keys, err := m.Backups(context.Background())
	require.NoError(t, err)
	obs.mu.Lock()
	saved := obs.saved
	obs.mu.Unlock()
	assert.LessOrEqual(t, len(keys), saved/2, "one backup per two checkpoints")
}

func TestRunWithoutBackupCadence(t *testing.T) {
	c := newClock()
	store := storage.NewMemoryStore()
	obs := &recordingObserver{}
	cfg := Config{HeartbeatInterval: 5 * time.Millisecond, CheckpointInterval: 2 * time.Millisecond}
	m := NewManager(store, populatedStore(t, c, "a"), cfg, WithClock(c.Now), WithObserver(obs))

	m.Start(context.Background())
	require.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return obs.saved >= 4
	}, 2*time.Second, 5*time.Millisecond)
	m.Stop()

	keys, err := m.Backups(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

// queueSource keeps conflicts next to a state store.
type queueSource struct {
	*state.Store
	queued   []QueuedConflict
	restored []QueuedConflict
}

func (q *queueSource) Export() Contents {
	return Contents{States: q.ExportStates(), Sessions: q.ActiveSessions(), Queued: q.queued}
}

func (q *queueSource) RestoreQueue(items []QueuedConflict) (int, error) {
	q.restored = items
	return len(items), nil
}

func TestQueuedConflictsAreCheckpointed(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	store := storage.NewMemoryStore()

	pending := &state.Change{
		ID: "b1", Timestamp: c.Now(), Type: state.ChangeInsert,
		Range: state.Range{Start: 10, End: 10}, AfterText: "beta", Confidence: 1,
	}
	qc := QueuedConflict{
		Conflict: &conflict.Conflict{
			ID:         "cf-1",
			DocumentID: "doc.md",
			Type:       conflict.TypePriorityConflict,
			Strategy:   conflict.UserChoice,
			Operations: []*conflict.EditOperation{
				{ID: "op-a", PluginID: "p1", Priority: 1, Changes: []*state.Change{{ID: "doc.md-c0", Range: state.Range{Start: 0, End: 4}}}},
				{ID: "op-b", PluginID: "p2", Priority: 1, Changes: []*state.Change{pending}},
			},
			DetectedAt: c.Now(),
		},
		StoredChangeIDs: []string{"doc.md-c0"},
		QueuedAt:        c.Now(),
	}
	before := &queueSource{Store: populatedStore(t, c, "doc.md"), queued: []QueuedConflict{qc}}
	require.NoError(t, newManager(t, store, before, c).SaveCheckpoint(ctx))

	after := &queueSource{Store: state.NewStore()}
	m := newManager(t, store, after, c)
	info := m.PerformRecovery(ctx)
	require.True(t, info.Success)
	assert.Equal(t, 1, info.ConflictsRecovered)
	require.Len(t, after.restored, 1)
	got := after.restored[0]
	assert.Equal(t, "cf-1", got.Conflict.ID)
	assert.Equal(t, []string{"doc.md-c0"}, got.StoredChangeIDs)
	assert.Equal(t, []string{"doc.md-c0", "b1"}, got.Conflict.ChangeIDs())
	assert.Equal(t, "beta", got.Conflict.Operations[1].Changes[0].AfterText)
	assert.True(t, qc.QueuedAt.Equal(got.QueuedAt))

	st, err := m.Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Sources[0].Conflicts)
}

func TestInspect(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	store := storage.NewMemoryStore()
	m := newManager(t, store, populatedStore(t, c, "a"), c)
	require.NoError(t, m.SaveCheckpoint(ctx))
	require.NoError(t, store.Write(ctx, BackupPrefix+"20260101T000000.000000000Z", []byte("junk")))

	st, err := m.Inspect(ctx)
	require.NoError(t, err)
	require.Len(t, st.Sources, 2)
	assert.Equal(t, CheckpointKey, st.Sources[0].Key)
	assert.True(t, st.Sources[0].Valid)
	assert.False(t, st.Sources[1].Valid)
	assert.NotNil(t, st.Heartbeat)

	out, err := json.Marshal(st)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"phase":"idle"`)
}

func TestResume(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	store := storage.NewMemoryStore()

	fresh := state.NewStore(state.WithClock(c.Now))
	assert.Nil(t, newManager(t, store, fresh, c).Resume(ctx), "nothing persisted yet")

	m := newManager(t, store, populatedStore(t, c, "a", "b"), c)
	require.NoError(t, m.SaveCheckpoint(ctx))
	require.NoError(t, store.Delete(ctx, HeartbeatKey))

	restarted := state.NewStore(state.WithClock(c.Now))
	info := newManager(t, store, restarted, c).Resume(ctx)
	require.NotNil(t, info)
	assert.True(t, info.Success)
	assert.False(t, info.CrashDetected)
	assert.Equal(t, CheckpointKey, info.Source)
	assert.Equal(t, []string{"a", "b"}, restarted.Documents())
}
