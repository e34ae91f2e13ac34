package conflict

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"editstate/internal/state"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func op(id string, priority int, offset time.Duration, changes ...*state.Change) *EditOperation {
	o := &EditOperation{ID: id, PluginID: "plugin-" + id, Priority: priority, Timestamp: base.Add(offset)}
	for _, c := range changes {
		c.OperationID = id
		c.Source = state.Source{ProducerID: o.PluginID, Priority: priority}
		if c.Confidence == 0 {
			c.Confidence = 0.9
		}
		o.Changes = append(o.Changes, c)
	}
	return o
}

func change(id string, typ state.ChangeType, start, end int, before, after string) *state.Change {
	return &state.Change{
		ID:         id,
		Type:       typ,
		Range:      state.Range{Start: start, End: end},
		BeforeText: before,
		AfterText:  after,
		Timestamp:  base,
		Status:     state.StatusPending,
	}
}

func ids(changes []*state.Change) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.ID
	}
	return out
}

func TestPriorityWinsRejectsLowerPriority(t *testing.T) {
	r := NewResolver(DefaultOptions(), nil)
	ops := []*EditOperation{
		op("p2", 2, time.Second, change("b", state.ChangeInsert, 10, 15, "hello", "second voice")),
		op("p1", 1, 2*time.Second, change("a", state.ChangeInsert, 10, 15, "hello", "first voice")),
	}

	conflicts := r.Detect("doc", ops)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, SeverityHigh, c.Severity)
	assert.Equal(t, PriorityWins, c.Strategy)
	assert.Equal(t, "p1", c.Operations[0].ID)

	res, err := r.Resolve(c, PriorityWins, nil, 100)
	require.NoError(t, err)
	require.NoError(t, res.Err())

	assert.Equal(t, []string{"a"}, ids(res.Committed))
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "b", res.Rejected[0].ID)
	assert.Equal(t, state.StatusRejected, res.Rejected[0].Status)
	assert.Contains(t, res.Rejected[0].Reason, "priority 1")
	assert.Contains(t, res.Rejected[0].Reason, "p1")
}

func TestMergeCompatibleReanchorsAdjacentInserts(t *testing.T) {
	r := NewResolver(DefaultOptions(), nil)
	ops := []*EditOperation{
		op("p1", 1, 0, change("a", state.ChangeInsert, 10, 10, "", "abc")),
		op("p2", 2, time.Second, change("b", state.ChangeInsert, 12, 12, "", "de")),
	}

	conflicts := r.Detect("doc", ops)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, TypeOverlappingEdits, c.Type)
	assert.Equal(t, SeverityLow, c.Severity)
	assert.Equal(t, MergeCompatible, c.Strategy)

	res, err := r.Resolve(c, MergeCompatible, nil, 40)
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.Empty(t, res.Rejected)
	require.Len(t, res.Committed, 2)
	assert.Equal(t, state.Range{Start: 10, End: 10}, res.Committed[0].Range)
	assert.Equal(t, state.Range{Start: 15, End: 15}, res.Committed[1].Range)

	// The submitted changes are left untouched.
	assert.Equal(t, 12, ops[1].Changes[0].Range.Start)
}

func TestDetectIgnoresDistantAndSameOperationChanges(t *testing.T) {
	r := NewResolver(DefaultOptions(), nil)
	ops := []*EditOperation{
		op("p1", 1, 0,
			change("a1", state.ChangeReplace, 0, 5, "hello", "howdy"),
			change("a2", state.ChangeReplace, 5, 9, "abcd", "wxyz")),
		op("p2", 2, 0, change("b", state.ChangeInsert, 20, 20, "", "far away")),
	}
	assert.Empty(t, r.Detect("doc", ops))
}

func TestDetectMergesChainedOperations(t *testing.T) {
	r := NewResolver(DefaultOptions(), nil)
	ops := []*EditOperation{
		op("p1", 1, 0, change("a", state.ChangeInsert, 0, 0, "", "x")),
		op("p2", 2, 0, change("b", state.ChangeInsert, 2, 2, "", "y")),
		op("p3", 3, 0, change("c", state.ChangeInsert, 4, 4, "", "z")),
		op("p4", 4, 0, change("d", state.ChangeInsert, 50, 50, "", "w")),
	}

	conflicts := r.Detect("doc", ops)
	require.Len(t, conflicts, 1)
	assert.Len(t, conflicts[0].Operations, 3)
	assert.Equal(t, []string{"a", "b", "c"}, conflicts[0].ChangeIDs())
}

func TestClassification(t *testing.T) {
	r := NewResolver(DefaultOptions(), nil)

	tests := []struct {
		name     string
		a, b     *EditOperation
		typ      Type
		severity Severity
		strategy Strategy
	}{
		{
			name:     "delete against rewrite",
			a:        op("p1", 1, 0, change("a", state.ChangeDelete, 0, 10, "the cat sat", "")),
			b:        op("p2", 2, 0, change("b", state.ChangeReplace, 0, 10, "the cat sat", "the dog sat")),
			typ:      TypeSemanticConflict,
			severity: SeverityHigh,
			strategy: PriorityWins,
		},
		{
			name:     "unrelated rewrites",
			a:        op("p1", 1, 0, change("a", state.ChangeReplace, 0, 10, "the cat sat", "a feline rested")),
			b:        op("p2", 2, 0, change("b", state.ChangeReplace, 0, 10, "the cat sat", "dogs were running")),
			typ:      TypeSemanticConflict,
			severity: SeverityHigh,
			strategy: PriorityWins,
		},
		{
			name:     "equal priority overlap",
			a:        op("p1", 1, 0, change("a", state.ChangeReplace, 0, 10, "the cat sat", "the cat sat down")),
			b:        op("p2", 1, 0, change("b", state.ChangeReplace, 8, 14, "sat on", "cat sat!")),
			typ:      TypePriorityConflict,
			severity: SeverityMedium,
			strategy: UserChoice,
		},
		{
			name:     "partial overlap",
			a:        op("p1", 1, 0, change("a", state.ChangeReplace, 0, 10, "the cat sat", "the cat sat down")),
			b:        op("p2", 2, 0, change("b", state.ChangeReplace, 8, 14, "sat on", "cat sat!")),
			typ:      TypeOverlappingEdits,
			severity: SeverityMedium,
			strategy: MergeCompatible,
		},
		{
			name: "declared dependency",
			a:    op("p1", 1, 0, change("a", state.ChangeInsert, 5, 5, "", "x")),
			b: func() *EditOperation {
				o := op("p2", 2, 0, change("b", state.ChangeInsert, 6, 6, "", "y"))
				o.Metadata.DependsOn = []string{"p1"}
				return o
			}(),
			typ:      TypeDependencyViolation,
			severity: SeverityLow,
			strategy: SequentialProcessing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conflicts := r.Detect("doc", []*EditOperation{tt.a, tt.b})
			require.Len(t, conflicts, 1)
			c := conflicts[0]
			assert.Equal(t, tt.typ, c.Type)
			assert.Equal(t, tt.severity, c.Severity)
			assert.Equal(t, tt.strategy, c.Strategy)
		})
	}
}

func TestSequentialAppliesDependenciesFirst(t *testing.T) {
	r := NewResolver(DefaultOptions(), nil)
	first := op("p1", 5, 0, change("a", state.ChangeReplace, 0, 4, "abcd", "ab"))
	second := op("p2", 1, 0, change("b", state.ChangeInsert, 6, 6, "", "zz"))
	second.Metadata.DependsOn = []string{"p1"}

	conflicts := r.Detect("doc", []*EditOperation{second, first})
	require.Len(t, conflicts, 1)

	res, err := r.Resolve(conflicts[0], SequentialProcessing, nil, 20)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(res.Committed))
	assert.Equal(t, state.Range{Start: 4, End: 4}, res.Committed[1].Range)
}

func TestMergeFallsBackToPriorityForOverlaps(t *testing.T) {
	r := NewResolver(DefaultOptions(), nil)
	ops := []*EditOperation{
		op("p1", 1, 0, change("a", state.ChangeReplace, 0, 10, "the cat sat", "the cat sat down")),
		op("p2", 2, 0,
			change("b", state.ChangeReplace, 8, 12, "sat.", "sat!"),
			change("c", state.ChangeInsert, 30, 30, "", "tail")),
	}
	conflicts := r.Detect("doc", ops)
	require.Len(t, conflicts, 1)

	res, err := r.Resolve(conflicts[0], MergeCompatible, nil, 40)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(res.Committed))
	assert.Equal(t, []string{"b"}, ids(res.Rejected))
	assert.NotEmpty(t, res.Warnings)
	assert.Equal(t, 36, res.Committed[1].Range.Start)
}

func TestMergeRejectsDuplicates(t *testing.T) {
	r := NewResolver(DefaultOptions(), nil)
	ops := []*EditOperation{
		op("p1", 1, 0, change("a", state.ChangeReplace, 3, 6, "teh", "the")),
		op("p2", 2, 0, change("b", state.ChangeReplace, 3, 6, "teh", "the")),
	}
	conflicts := r.Detect("doc", ops)
	require.Len(t, conflicts, 1)

	res, err := r.Resolve(conflicts[0], MergeCompatible, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(res.Committed))
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "duplicate of change a", res.Rejected[0].Reason)
}

func TestSemanticMerge(t *testing.T) {
	r := NewResolver(DefaultOptions(), nil)

	equivalent := []*EditOperation{
		op("p1", 1, 0, change("a", state.ChangeReplace, 0, 20, "results was good", "the results were very good")),
		op("p2", 2, 0, change("b", state.ChangeReplace, 0, 18, "results was good", "the results were very good.")),
	}
	conflicts := r.Detect("doc", equivalent)
	require.Len(t, conflicts, 1)
	res, err := r.Resolve(conflicts[0], SemanticMerge, nil, 50)
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.Equal(t, []string{"a"}, ids(res.Committed))
	assert.Contains(t, res.Rejected[0].Reason, "semantically equivalent")

	different := []*EditOperation{
		op("p1", 1, 0, change("a", state.ChangeReplace, 0, 20, "results was good", "the results were very good")),
		op("p2", 2, 0, change("b", state.ChangeReplace, 0, 18, "results was good", "outcomes exceeded expectations")),
	}
	conflicts = r.Detect("doc", different)
	require.Len(t, conflicts, 1)
	res, err = r.Resolve(conflicts[0], SemanticMerge, nil, 50)
	require.NoError(t, err)
	assert.False(t, res.Resolved)
	assert.ErrorIs(t, res.Err(), ErrConflictUnresolved)
	assert.ElementsMatch(t, []string{"a", "b"}, res.Unresolved)
}

func TestUserChoice(t *testing.T) {
	r := NewResolver(DefaultOptions(), nil)
	ops := []*EditOperation{
		op("p1", 1, 0, change("a", state.ChangeReplace, 0, 10, "0123456789", "number zero")),
		op("p2", 1, time.Second, change("b", state.ChangeReplace, 5, 10, "56789", "number five")),
	}
	conflicts := r.Detect("doc", ops)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	require.Equal(t, UserChoice, c.Strategy)

	deferred, err := r.Resolve(c, UserChoice, nil, 10)
	require.NoError(t, err)
	assert.False(t, deferred.Resolved)
	assert.Equal(t, []string{"a", "b"}, deferred.Unresolved)
	assert.Equal(t, 1, deferred.Impact.SectionsAffected)
	assert.Equal(t, 22, deferred.Impact.CharactersChanged)
	assert.InDelta(t, 0.9, deferred.Confidence, 1e-9)

	chosen, err := r.Resolve(c, UserChoice, []string{"b"}, 10)
	require.NoError(t, err)
	assert.True(t, chosen.Resolved)
	assert.Equal(t, []string{"b"}, ids(chosen.Committed))
	assert.Equal(t, "not selected", chosen.Rejected[0].Reason)

	_, err = r.Resolve(c, UserChoice, []string{"ghost"}, 10)
	assert.ErrorIs(t, err, ErrUnknownChange)

	_, err = r.Resolve(c, Strategy("COIN_FLIP"), nil, 10)
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestResolutionIsDeterministicAndComplete(t *testing.T) {
	r := NewResolver(DefaultOptions(), nil)

	build := func() []*EditOperation {
		var ops []*EditOperation
		for i := 0; i < 6; i++ {
			var changes []*state.Change
			for j := 0; j < 3; j++ {
				start := (i*7 + j*11) % 40
				changes = append(changes, change(fmt.Sprintf("op%d-c%d", i, j),
					state.ChangeReplace, start, start+4, "abcd", fmt.Sprintf("text %d %d", i, j)))
			}
			ops = append(ops, op(fmt.Sprintf("op%d", i), i%3, time.Duration(i)*time.Second, changes...))
		}
		return ops
	}

	for _, strategy := range []Strategy{PriorityWins, SequentialProcessing, MergeCompatible, SemanticMerge} {
		t.Run(string(strategy), func(t *testing.T) {
			var first *Result
			for run := 0; run < 5; run++ {
				conflicts := r.Detect("doc", build())
				require.NotEmpty(t, conflicts)
				res, err := r.Resolve(conflicts[0], strategy, nil, 100)
				require.NoError(t, err)

				seen := map[string]int{}
				for _, id := range ids(res.Committed) {
					seen[id]++
				}
				for _, id := range ids(res.Rejected) {
					seen[id]++
				}
				for _, id := range res.Unresolved {
					seen[id]++
				}
				for _, id := range conflicts[0].ChangeIDs() {
					assert.Equal(t, 1, seen[id], "change %s accounted once", id)
				}

				if first == nil {
					first = res
					continue
				}
				assert.Equal(t, ids(first.Committed), ids(res.Committed))
				assert.Equal(t, ids(first.Rejected), ids(res.Rejected))
				assert.Equal(t, first.Unresolved, res.Unresolved)
			}
		})
	}
}

func TestConflictIDIsStable(t *testing.T) {
	r := NewResolver(DefaultOptions(), nil)
	a := op("p1", 1, 0, change("a", state.ChangeInsert, 1, 1, "", "x"))
	b := op("p2", 2, 0, change("b", state.ChangeInsert, 1, 1, "", "y"))

	first := r.Detect("doc", []*EditOperation{a, b})
	second := r.Detect("doc", []*EditOperation{b, a})
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.NotEqual(t, first[0].ID, r.Detect("other", []*EditOperation{a, b})[0].ID)
}

func TestPreview(t *testing.T) {
	r := NewResolver(DefaultOptions(), nil)
	merge := r.Detect("doc", []*EditOperation{
		op("p1", 1, 0, change("a", state.ChangeInsert, 10, 10, "", "abc")),
		op("p2", 2, 0, change("b", state.ChangeInsert, 12, 12, "", "de")),
	})
	choice := r.Detect("doc", []*EditOperation{
		op("p3", 1, 0, change("c", state.ChangeReplace, 50, 60, "0123456789", "number zero")),
		op("p4", 1, 0, change("d", state.ChangeReplace, 55, 60, "56789", "number five")),
	})

	pv, err := r.Preview(append(merge, choice...), 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(pv.MergedChanges))
	assert.Len(t, pv.Warnings, 1)
	assert.Equal(t, 3, pv.EstimatedImpact.SectionsAffected)
	assert.Greater(t, pv.Confidence, 0.0)
}

func TestMapPos(t *testing.T) {
	replace := change("r", state.ChangeReplace, 10, 15, "hello", "hi")
	insert := change("i", state.ChangeInsert, 10, 10, "", "abc")

	assert.Equal(t, 5, mapPos(5, replace))
	assert.Equal(t, 10, mapPos(10, replace))
	assert.Equal(t, 12, mapPos(12, replace))
	assert.Equal(t, 17, mapPos(20, replace))
	assert.Equal(t, 13, mapPos(10, insert))
	assert.Equal(t, 9, mapPos(9, insert))
}
