package conflict

import (
	"fmt"
	"slices"

	"editstate/internal/state"
)

// plan is the working set of a resolution: every change of the involved
// operations ends up committed, rejected or unresolved.
type plan struct {
	ops      []*EditOperation
	rejected map[string]string // change id -> reason
	order    map[string]int
	warnings []string
}

func newPlan(ops []*EditOperation) *plan {
	p := &plan{ops: ops, rejected: make(map[string]string), order: make(map[string]int)}
	n := 0
	for _, op := range ops {
		for _, c := range op.Changes {
			p.order[c.ID] = n
			n++
		}
	}
	return p
}

func (p *plan) reject(id, reason string) {
	if _, ok := p.rejected[id]; !ok {
		p.rejected[id] = reason
	}
}

func (p *plan) warn(format string, args ...any) {
	p.warnings = append(p.warnings, fmt.Sprintf(format, args...))
}

// result splits the operations into committed changes, re-anchored in
// operation order, and rejected changes carrying their reason.
func (p *plan) result(strategy Strategy) *Result {
	res := &Result{Strategy: strategy, Resolved: true, Warnings: p.warnings}

	var batches []batch
	for _, op := range p.ops {
		var b batch
		for _, c := range op.Changes {
			if reason, ok := p.rejected[c.ID]; ok {
				cp := c.Clone()
				cp.Status = state.StatusRejected
				cp.Reason = reason
				res.Rejected = append(res.Rejected, cp)
				continue
			}
			b = append(b, c)
		}
		if len(b) > 0 {
			batches = append(batches, b)
		}
	}
	res.Committed = reanchor(batches)
	return res
}

func (p *plan) unresolved(strategy Strategy) *Result {
	res := &Result{Strategy: strategy, Warnings: p.warnings}
	for _, op := range p.ops {
		for _, c := range op.Changes {
			res.Unresolved = append(res.Unresolved, c.ID)
		}
	}
	return res
}

// Resolve applies strategy to c. Selected change ids are only used by
// USER_CHOICE; without them USER_CHOICE leaves the conflict unresolved.
// Resolution is deterministic for the same operations and strategy.
func (r *Resolver) Resolve(c *Conflict, strategy Strategy, selected []string, docLength int) (*Result, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	var res *Result
	var err error
	switch strategy {
	case PriorityWins:
		res = r.priorityWins(c)
	case SequentialProcessing:
		res = r.sequential(c)
	case MergeCompatible:
		res = r.merge(c, false)
	case SemanticMerge:
		res = r.merge(c, true)
	case UserChoice:
		res, err = r.userChoice(c, selected)
	}
	if err != nil {
		return nil, err
	}

	res.ConflictIDs = []string{c.ID}
	r.score(res, c, docLength)

	r.logger.Debug("conflict resolved",
		"conflict", c.ID,
		"strategy", strategy,
		"resolved", res.Resolved,
		"committed", len(res.Committed),
		"rejected", len(res.Rejected),
		"unresolved", len(res.Unresolved))
	return res, nil
}

func (r *Resolver) priorityWins(c *Conflict) *Result {
	ops := slices.Clone(c.Operations)
	slices.SortFunc(ops, compareOperations)
	p := newPlan(ops)

	winner := ops[0]
	for _, op := range ops[1:] {
		reason := fmt.Sprintf("superseded by operation %s from %s (priority %d)",
			winner.ID, winner.PluginID, winner.Priority)
		for _, ch := range op.Changes {
			p.reject(ch.ID, reason)
		}
	}
	return p.result(PriorityWins)
}

func (r *Resolver) sequential(c *Conflict) *Result {
	ops, cyclic := orderWithDependencies(c.Operations)
	p := newPlan(ops)
	if cyclic {
		p.warn("operations %s declare cyclic dependencies; applied in priority order", joinIDs(ops))
	}
	return p.result(SequentialProcessing)
}

// merge composes every pair that can be applied together. Pairs that do not
// compose fall back to priority order: the change of the lower ranked
// operation is rejected. With semantic set, overlapping pairs that say the
// same thing keep only the higher ranked change and any other overlap
// leaves the conflict unresolved.
func (r *Resolver) merge(c *Conflict, semantic bool) *Result {
	strategy := MergeCompatible
	if semantic {
		strategy = SemanticMerge
	}
	ops, _ := orderWithDependencies(c.Operations)
	p := newPlan(ops)

	rank := make(map[string]int, len(ops))
	changes := make(map[string]*state.Change)
	owner := make(map[string]*EditOperation)
	for i, op := range ops {
		rank[op.ID] = i
		for _, ch := range op.Changes {
			changes[ch.ID] = ch
			owner[ch.ID] = op
		}
	}

	pairs := slices.Clone(c.Pairs)
	slices.SortFunc(pairs, func(x, y Pair) int {
		if d := min(p.order[x.A], p.order[x.B]) - min(p.order[y.A], p.order[y.B]); d != 0 {
			return d
		}
		return max(p.order[x.A], p.order[x.B]) - max(p.order[y.A], p.order[y.B])
	})

	for _, pr := range pairs {
		hi, lo := changes[pr.A], changes[pr.B]
		if rank[owner[hi.ID].ID] > rank[owner[lo.ID].ID] {
			hi, lo = lo, hi
		}
		if _, gone := p.rejected[hi.ID]; gone {
			continue
		}
		if _, gone := p.rejected[lo.ID]; gone {
			continue
		}

		switch {
		case duplicates(hi, lo):
			p.reject(lo.ID, fmt.Sprintf("duplicate of change %s", hi.ID))
		case r.composes(hi, lo, pr):
		case semantic && hi.Range.Overlap(lo.Range) > 0 &&
			wordOverlap(hi.AfterText, lo.AfterText) >= r.opts.EquivalenceThreshold:
			p.reject(lo.ID, fmt.Sprintf("semantically equivalent to change %s", hi.ID))
		case semantic:
			p.warn("changes %s and %s overlap with different meaning", hi.ID, lo.ID)
			return p.unresolved(strategy)
		default:
			hop := owner[hi.ID]
			p.warn("changes %s and %s cannot be merged; kept %s by priority", hi.ID, lo.ID, hi.ID)
			p.reject(lo.ID, fmt.Sprintf("overlaps change %s of operation %s (priority %d)",
				hi.ID, hop.ID, hop.Priority))
		}
	}
	return p.result(strategy)
}

// composes reports whether two changes of a conflicting pair can both be
// applied without losing either edit. Overlapping changes never compose;
// neighbouring ones do unless a preservation flag forbids it.
func (r *Resolver) composes(a, b *state.Change, pr Pair) bool {
	if pr.Overlap > 0 {
		return false
	}
	if r.opts.PreserveSemantics && deleteMeetsRewrite(a, b) {
		return false
	}
	if r.opts.PreserveFormatting && (dropsLineBreaks(a) || dropsLineBreaks(b)) {
		return false
	}
	return true
}

func (r *Resolver) userChoice(c *Conflict, selected []string) (*Result, error) {
	ops, _ := orderWithDependencies(c.Operations)
	p := newPlan(ops)
	if len(selected) == 0 {
		return p.unresolved(UserChoice), nil
	}

	keep := make(map[string]bool, len(selected))
	for _, id := range selected {
		if _, ok := p.order[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownChange, id)
		}
		keep[id] = true
	}
	for _, op := range ops {
		for _, ch := range op.Changes {
			if !keep[ch.ID] {
				p.reject(ch.ID, "not selected")
			}
		}
	}
	return p.result(UserChoice), nil
}

// orderWithDependencies orders operations so that declared dependencies come
// first, breaking ties by priority, timestamp and id. When dependencies form
// a cycle the remaining operations follow in priority order and cyclic is
// reported.
func orderWithDependencies(ops []*EditOperation) (ordered []*EditOperation, cyclic bool) {
	present := make(map[string]bool, len(ops))
	for _, op := range ops {
		present[op.ID] = true
	}

	remaining := slices.Clone(ops)
	slices.SortFunc(remaining, compareOperations)
	done := make(map[string]bool, len(ops))

	for len(remaining) > 0 {
		idx := slices.IndexFunc(remaining, func(op *EditOperation) bool {
			for _, dep := range op.Metadata.DependsOn {
				if present[dep] && !done[dep] {
					return false
				}
			}
			return true
		})
		if idx < 0 {
			cyclic = true
			idx = 0
		}
		op := remaining[idx]
		ordered = append(ordered, op)
		done[op.ID] = true
		remaining = slices.Delete(remaining, idx, idx+1)
	}
	return ordered, cyclic
}

func joinIDs(ops []*EditOperation) string {
	s := ""
	for i, op := range ops {
		if i > 0 {
			s += ", "
		}
		s += op.ID
	}
	return s
}
