package state

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func populatedState(t *testing.T) *DocumentState {
	t.Helper()
	s := newTestStore(t)
	s.InitializeDocument("notes/draft.md")

	for i := 0; i < 6; i++ {
		c := testChange(fmt.Sprintf("c%d", i), i*3, i*3+2)
		c.Category = "style"
		c.Timestamp = time.Date(2026, 3, 1, 10, i, 0, 0, time.UTC)
		require.NoError(t, s.AddChange("notes/draft.md", c))
	}
	accepted := StatusAccepted
	require.NoError(t, s.UpdateChange("notes/draft.md", "c5", ChangePatch{Status: &accepted}))
	_, err := s.ClusterPending("notes/draft.md", 2)
	require.NoError(t, err)

	sess, err := s.StartSession("notes/draft.md", "grammar")
	require.NoError(t, err)
	require.NoError(t, s.EndSession("notes/draft.md", sess.ID))
	_, err = s.StartSession("notes/draft.md", "typist")
	require.NoError(t, err)

	_, err = s.CreateSnapshot("notes/draft.md", "Hello, wörld 🌍")
	require.NoError(t, err)

	st, err := s.Get("notes/draft.md")
	require.NoError(t, err)
	return st
}

func TestDocumentStateRoundTrip(t *testing.T) {
	st := populatedState(t)

	data, err := json.Marshal(st)
	require.NoError(t, err)

	var back DocumentState
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, st, &back)
	require.NoError(t, back.Validate())

	again, err := json.Marshal(&back)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again), "encoding is deterministic")
}

func TestDocumentStateMapsAsEntryArrays(t *testing.T) {
	st := populatedState(t)

	data, err := json.Marshal(st)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))

	var changes [][]json.RawMessage
	require.NoError(t, json.Unmarshal(raw["changes"], &changes))
	require.Len(t, changes, 6)
	for i, pair := range changes {
		require.Len(t, pair, 2)
		var key string
		require.NoError(t, json.Unmarshal(pair[0], &key))
		assert.Equal(t, fmt.Sprintf("c%d", i), key)
	}
}

func TestUnmarshalRejectsMalformedEntries(t *testing.T) {
	var st DocumentState
	err := json.Unmarshal([]byte(`{"id":"d","changes":[["only-key"]]}`), &st)
	assert.Error(t, err)
}

func TestValidateCatchesDanglingClusterMember(t *testing.T) {
	st := populatedState(t)
	for _, cl := range st.Clusters {
		cl.ChangeIDs = append(cl.ChangeIDs, "ghost")
		break
	}
	assert.ErrorIs(t, st.Validate(), ErrInvalidCluster)
}
