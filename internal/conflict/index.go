package conflict

import (
	"cmp"
	"slices"

	"editstate/internal/state"
)

type interval struct {
	op     int
	change *state.Change
}

// candidatePairs sweeps the ranges of all changes in start order and returns
// every pair from different operations whose ranges intersect or lie within
// tolerance characters of each other.
func candidatePairs(ops []*EditOperation, tolerance int) [][2]interval {
	var items []interval
	for i, op := range ops {
		for _, c := range op.Changes {
			items = append(items, interval{op: i, change: c})
		}
	}
	slices.SortFunc(items, func(a, b interval) int {
		return cmp.Or(
			cmp.Compare(a.change.Range.Start, b.change.Range.Start),
			cmp.Compare(a.change.Range.End, b.change.Range.End),
			cmp.Compare(ops[a.op].ID, ops[b.op].ID),
			cmp.Compare(a.change.ID, b.change.ID),
		)
	})

	var out [][2]interval
	for i, a := range items {
		for _, b := range items[i+1:] {
			if b.change.Range.Start > a.change.Range.End+tolerance {
				break
			}
			if a.op == b.op {
				continue
			}
			out = append(out, [2]interval{a, b})
		}
	}
	return out
}

// unionFind groups operation indexes into connected components.
type unionFind []int

func newUnionFind(n int) unionFind {
	uf := make(unionFind, n)
	for i := range uf {
		uf[i] = i
	}
	return uf
}

func (uf unionFind) find(i int) int {
	for uf[i] != i {
		uf[i] = uf[uf[i]]
		i = uf[i]
	}
	return i
}

func (uf unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	if ra < rb {
		uf[rb] = ra
	} else {
		uf[ra] = rb
	}
}
