package state

import (
	"cmp"
	"slices"
)

type changeGroup struct {
	category string
	ids      []string
}

// groupPending groups changes of one category whose ranges lie within
// maxGap characters of the previous member. Groups with a single member are
// dropped. The result is ordered by position.
func groupPending(changes []*Change, maxGap int) []changeGroup {
	byCategory := make(map[string][]*Change)
	for _, c := range changes {
		byCategory[c.Category] = append(byCategory[c.Category], c)
	}

	categories := make([]string, 0, len(byCategory))
	for cat := range byCategory {
		categories = append(categories, cat)
	}
	slices.Sort(categories)

	type positioned struct {
		start int
		g     changeGroup
	}
	var all []positioned

	for _, cat := range categories {
		members := byCategory[cat]
		slices.SortFunc(members, func(a, b *Change) int {
			return cmp.Or(
				cmp.Compare(a.Range.Start, b.Range.Start),
				cmp.Compare(a.Range.End, b.Range.End),
				cmp.Compare(a.ID, b.ID),
			)
		})

		cur := positioned{start: members[0].Range.Start, g: changeGroup{category: cat, ids: []string{members[0].ID}}}
		end := members[0].Range.End
		flush := func() {
			if len(cur.g.ids) > 1 {
				all = append(all, cur)
			}
		}
		for _, c := range members[1:] {
			if c.Range.Start-end <= maxGap {
				cur.g.ids = append(cur.g.ids, c.ID)
				end = max(end, c.Range.End)
				continue
			}
			flush()
			cur = positioned{start: c.Range.Start, g: changeGroup{category: cat, ids: []string{c.ID}}}
			end = c.Range.End
		}
		flush()
	}

	slices.SortStableFunc(all, func(a, b positioned) int { return cmp.Compare(a.start, b.start) })
	out := make([]changeGroup, len(all))
	for i, p := range all {
		out[i] = p.g
	}
	return out
}
