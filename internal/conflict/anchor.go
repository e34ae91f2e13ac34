package conflict

import (
	"cmp"
	"slices"
	"unicode/utf8"

	"editstate/internal/state"
)

// mapPos translates a document offset across one applied change. Offsets
// before the change are unaffected, offsets at or after its end shift by its
// delta and offsets inside it collapse to the end of the inserted text.
func mapPos(p int, c *state.Change) int {
	cs, ce := c.Range.Start, c.Range.End
	switch {
	case p < cs, p == cs && cs < ce:
		return p
	case p >= ce:
		return p + c.Delta()
	default:
		return cs + utf8.RuneCountInString(c.AfterText)
	}
}

// batch is the changes of one operation, expressed in the coordinates of
// the document before any of them is applied.
type batch []*state.Change

// mapRange translates r across every change of b.
func (b batch) mapRange(r state.Range) state.Range {
	desc := slices.Clone(b)
	slices.SortFunc(desc, func(x, y *state.Change) int {
		return cmp.Or(
			cmp.Compare(y.Range.Start, x.Range.Start),
			cmp.Compare(y.Range.End, x.Range.End),
		)
	})
	for _, c := range desc {
		r = state.Range{Start: mapPos(r.Start, c), End: mapPos(r.End, c)}
	}
	return r
}

// reanchor applies batches in order and returns copies of their changes with
// ranges translated into the coordinates produced by every earlier batch.
func reanchor(batches []batch) []*state.Change {
	var applied []batch
	var out []*state.Change
	for _, b := range batches {
		moved := make(batch, 0, len(b))
		for _, c := range b {
			cp := c.Clone()
			for _, prior := range applied {
				cp.Range = prior.mapRange(cp.Range)
			}
			moved = append(moved, cp)
		}
		applied = append(applied, moved)
		out = append(out, moved...)
	}
	return out
}
