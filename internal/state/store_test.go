package state

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	clock := newFakeClock()
	return NewStore(append([]Option{WithClock(clock.Now)}, opts...)...)
}

func testChange(id string, start, end int) *Change {
	return &Change{
		ID:         id,
		Timestamp:  time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
		Type:       ChangeReplace,
		Range:      Range{Start: start, End: end},
		BeforeText: "old",
		AfterText:  "new",
		Source:     Source{ProducerID: "p1", Priority: 1},
		Confidence: 0.8,
	}
}

func TestInitializeDocumentIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	first := s.InitializeDocument("doc.md")
	second := s.InitializeDocument("doc.md")

	assert.Same(t, first, second)
	assert.Equal(t, []string{"doc.md"}, s.Documents())
}

func TestMutationsOnUnknownDocument(t *testing.T) {
	s := newTestStore(t)

	err := s.AddChange("missing", testChange("c1", 0, 1))
	assert.ErrorIs(t, err, ErrNotFound)

	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "document", nf.Kind)

	s.InitializeDocument("doc")
	assert.ErrorIs(t, s.UpdateChange("doc", "nope", ChangePatch{}), ErrNotFound)
	assert.ErrorIs(t, s.RemoveChange("doc", "nope"), ErrNotFound)
}

func TestAddChangeDefaultsAndCopies(t *testing.T) {
	s := newTestStore(t)
	s.InitializeDocument("doc")

	c := testChange("c1", 2, 5)
	require.NoError(t, s.AddChange("doc", c))
	c.AfterText = "mutated by caller"

	got, err := s.Get("doc")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Changes["c1"].Status)
	assert.Equal(t, "new", got.Changes["c1"].AfterText)
	assert.Equal(t, uint64(1), got.Version)

	assert.ErrorIs(t, s.AddChange("doc", testChange("c1", 0, 1)), ErrDuplicate)
	assert.ErrorIs(t, s.AddChange("doc", testChange("c2", 5, 2)), ErrInvalidRange)
}

func TestStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	s.InitializeDocument("doc")
	require.NoError(t, s.AddChange("doc", testChange("c1", 0, 3)))

	accepted := StatusAccepted
	rejected := StatusRejected
	pending := StatusPending

	require.NoError(t, s.UpdateChange("doc", "c1", ChangePatch{Status: &accepted}))
	assert.ErrorIs(t, s.UpdateChange("doc", "c1", ChangePatch{Status: &rejected}), ErrInvalidTransition)
	assert.ErrorIs(t, s.UpdateChange("doc", "c1", ChangePatch{Status: &pending}), ErrInvalidTransition)

	got, err := s.Get("doc")
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, got.Changes["c1"].Status)
}

func TestVersionCountsMutations(t *testing.T) {
	s := newTestStore(t)
	s.InitializeDocument("doc")

	rng := rand.New(rand.NewSource(7))
	var ids []string
	mutations := 0
	var last uint64

	for i := 0; i < 200; i++ {
		var err error
		switch op := rng.Intn(3); {
		case op == 0 || len(ids) == 0:
			id := fmt.Sprintf("c%d", i)
			start := rng.Intn(100)
			err = s.AddChange("doc", testChange(id, start, start+rng.Intn(10)))
			ids = append(ids, id)
		case op == 1:
			r := Range{Start: rng.Intn(50), End: 60}
			err = s.UpdateChange("doc", ids[rng.Intn(len(ids))], ChangePatch{Range: &r})
		default:
			idx := rng.Intn(len(ids))
			err = s.RemoveChange("doc", ids[idx])
			ids = append(ids[:idx], ids[idx+1:]...)
		}
		require.NoError(t, err)
		mutations++

		got, err := s.Get("doc")
		require.NoError(t, err)
		require.Greater(t, got.Version, last)
		last = got.Version
	}
	assert.Equal(t, uint64(mutations), last)
}

func TestEventsEmittedInOrder(t *testing.T) {
	s := newTestStore(t)

	var events []Event
	cancel := s.Subscribe(func(ev Event) { events = append(events, ev) })

	s.InitializeDocument("doc")
	require.NoError(t, s.AddChange("doc", testChange("c1", 0, 1)))
	require.NoError(t, s.RemoveChange("doc", "c1"))
	cancel()
	require.NoError(t, s.AddChange("doc", testChange("c2", 0, 1)))

	require.Len(t, events, 3)
	assert.Equal(t, EventDocumentCreated, events[0].Type)
	assert.Equal(t, EventChangeAdded, events[1].Type)
	assert.Equal(t, uint64(1), events[1].Version)
	assert.Equal(t, EventChangeRemoved, events[2].Type)
	assert.Equal(t, uint64(2), events[2].Version)
}

func TestClusterLifecycle(t *testing.T) {
	s := newTestStore(t)
	s.InitializeDocument("doc")
	require.NoError(t, s.AddChange("doc", testChange("a", 0, 4)))
	require.NoError(t, s.AddChange("doc", testChange("b", 6, 8)))
	require.NoError(t, s.AddChange("doc", testChange("c", 200, 210)))

	err := s.AddCluster("doc", &ChangeCluster{ID: "bad", ChangeIDs: []string{"a", "ghost"}})
	assert.ErrorIs(t, err, ErrInvalidCluster)

	clusters, err := s.ClusterPending("doc", 5)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, []string{"a", "b"}, clusters[0].ChangeIDs)
	assert.InDelta(t, 0.8, clusters[0].Confidence, 1e-9)

	rejected := StatusRejected
	require.NoError(t, s.UpdateChange("doc", "a", ChangePatch{Status: &rejected}))
	got, err := s.Get("doc")
	require.NoError(t, err)
	require.Len(t, got.Clusters, 1)
	for _, cl := range got.Clusters {
		assert.Equal(t, []string{"b"}, cl.ChangeIDs)
	}

	require.NoError(t, s.RemoveChange("doc", "b"))
	got, err = s.Get("doc")
	require.NoError(t, err)
	assert.Empty(t, got.Clusters)
	require.NoError(t, got.Validate())
}

func TestSnapshotsAreBounded(t *testing.T) {
	s := newTestStore(t, WithMaxSnapshots(3))
	s.InitializeDocument("doc")

	for i := 0; i < 5; i++ {
		snap, err := s.CreateSnapshot("doc", fmt.Sprintf("content number %d", i))
		require.NoError(t, err)
		assert.True(t, snap.Valid())
	}

	got, err := s.Get("doc")
	require.NoError(t, err)
	require.Len(t, got.Snapshots, 3)
	assert.Equal(t, "content number 2", got.Snapshots[0].Content)
	assert.Equal(t, "content number 4", got.Snapshots[2].Content)
	assert.Equal(t, 3, got.Metadata.WordCount)
	assert.Equal(t, ContentHash("content number 4"), got.Metadata.Checksum)
	assert.Zero(t, got.Version, "snapshots do not advance the version")
}

func TestSessions(t *testing.T) {
	s := newTestStore(t)
	s.InitializeDocument("doc")

	a, err := s.StartSession("doc", "typist")
	require.NoError(t, err)
	b, err := s.StartSession("doc", "typist")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	require.Len(t, s.ActiveSessions(), 1)
	require.NoError(t, s.EndSession("doc", a.ID))
	assert.Empty(t, s.ActiveSessions())

	c, err := s.StartSession("doc", "typist")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestPruneFinalized(t *testing.T) {
	s := newTestStore(t)
	s.InitializeDocument("doc")

	old := testChange("old", 0, 1)
	old.Status = StatusAccepted
	old.Timestamp = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.AddChange("doc", old))

	pendingOld := testChange("pending-old", 5, 6)
	pendingOld.Timestamp = old.Timestamp
	require.NoError(t, s.AddChange("doc", pendingOld))

	removed, err := s.PruneFinalized("doc", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "old", removed[0].ID)

	got, err := s.Get("doc")
	require.NoError(t, err)
	assert.Contains(t, got.Changes, "pending-old")
}

func TestCompactRefusesPending(t *testing.T) {
	s := newTestStore(t)
	s.InitializeDocument("doc")
	require.NoError(t, s.AddChange("doc", testChange("c1", 0, 1)))

	err := s.Compact("doc", CompactionPlan{ChangeIDs: []string{"c1"}})
	assert.ErrorIs(t, err, ErrCompactPending)
}

func TestCompactDropsOnlyNamedSnapshots(t *testing.T) {
	s := newTestStore(t)
	s.InitializeDocument("doc")
	var ids []string
	for i := range 4 {
		snap, err := s.CreateSnapshot("doc", fmt.Sprintf("v%d", i))
		require.NoError(t, err)
		ids = append(ids, snap.ID)
	}

	require.NoError(t, s.Compact("doc", CompactionPlan{SnapshotIDs: ids[:2]}))
	got, err := s.Get("doc")
	require.NoError(t, err)
	require.Len(t, got.Snapshots, 2)
	assert.Equal(t, ids[2], got.Snapshots[0].ID)
	assert.Equal(t, ids[3], got.Snapshots[1].ID)

	require.NoError(t, s.Compact("doc", CompactionPlan{}))
	got, err = s.Get("doc")
	require.NoError(t, err)
	assert.Len(t, got.Snapshots, 2, "an empty plan keeps every snapshot")
}

func TestRestoreAndDisable(t *testing.T) {
	s := newTestStore(t)
	s.InitializeDocument("doc")
	require.NoError(t, s.AddChange("doc", testChange("c1", 0, 1)))
	exported := s.ExportStates()

	other := newTestStore(t)
	require.NoError(t, other.RestoreStates(exported))
	got, err := other.Get("doc")
	require.NoError(t, err)
	assert.Equal(t, exported[0], got)

	final, err := other.DisableTracking("doc")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), final.Version)
	assert.False(t, other.Has("doc"))
	_, err = other.DisableTracking("doc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentDocumentsDoNotInterfere(t *testing.T) {
	s := NewStore()
	const docs, perDoc = 8, 50

	var wg sync.WaitGroup
	for d := 0; d < docs; d++ {
		id := fmt.Sprintf("doc-%d", d)
		s.InitializeDocument(id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perDoc; i++ {
				_ = s.AddChange(id, testChange(fmt.Sprintf("c%d", i), i, i+1))
			}
		}()
	}
	wg.Wait()

	for _, st := range s.ExportStates() {
		assert.Equal(t, uint64(perDoc), st.Version, st.ID)
		assert.Len(t, st.Changes, perDoc)
	}
}
