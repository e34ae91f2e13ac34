package conflict

import (
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"editstate/internal/state"
)

// conflictNamespace seeds the name-based conflict ids.
var conflictNamespace = uuid.MustParse("0b6c3f4e-5d2a-4f0e-9a57-3c1e8d7b2a90")

// Resolver detects conflicts between edit operations and resolves them.
// It holds no per-document state and is safe for concurrent use.
type Resolver struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewResolver returns a Resolver using opts. A nil logger discards output.
func NewResolver(opts Options, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Resolver{
		opts:   opts,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Options returns the resolver's tuning.
func (r *Resolver) Options() Options { return r.opts }

// Detect finds the conflicts among ops. Operations that overlap directly or
// through a chain of other operations form one conflict. Conflicts are
// returned in document order; their ids depend only on the operations they
// contain.
func (r *Resolver) Detect(docID string, ops []*EditOperation) []*Conflict {
	if len(ops) < 2 {
		return nil
	}

	uf := newUnionFind(len(ops))
	type opPair struct {
		a, b int
		p    Pair
	}
	var pairs []opPair
	for _, cand := range candidatePairs(ops, r.opts.AdjacencyTolerance) {
		a, b := cand[0], cand[1]
		p := r.classify(ops[a.op], a.change, ops[b.op], b.change)
		uf.union(a.op, b.op)
		pairs = append(pairs, opPair{a.op, b.op, p})
	}
	if len(pairs) == 0 {
		return nil
	}

	byRoot := make(map[int]*Conflict)
	var roots []int
	for _, pr := range pairs {
		root := uf.find(pr.a)
		c, ok := byRoot[root]
		if !ok {
			c = &Conflict{DocumentID: docID, Type: TypeOverlappingEdits, Severity: SeverityLow}
			byRoot[root] = c
			roots = append(roots, root)
		}
		c.Pairs = append(c.Pairs, pr.p)
		if pr.p.Type.rank() > c.Type.rank() {
			c.Type = pr.p.Type
		}
		if pr.p.Severity.rank() > c.Severity.rank() {
			c.Severity = pr.p.Severity
		}
	}

	now := r.now()
	out := make([]*Conflict, 0, len(roots))
	for _, root := range roots {
		c := byRoot[root]
		for i, op := range ops {
			if uf.find(i) == root {
				c.Operations = append(c.Operations, op)
			}
		}
		slices.SortFunc(c.Operations, compareOperations)
		c.ID = conflictID(docID, c.Operations)
		c.Strategy = defaultStrategy(c.Type, c.Severity)
		c.DetectedAt = now
		out = append(out, c)

		r.logger.Debug("conflict detected",
			"document", docID,
			"conflict", c.ID,
			"type", c.Type,
			"severity", c.Severity,
			"operations", len(c.Operations),
			"strategy", c.Strategy)
	}
	return out
}

func conflictID(docID string, ops []*EditOperation) string {
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	slices.Sort(ids)
	return uuid.NewSHA1(conflictNamespace, []byte(docID+"\x00"+strings.Join(ids, "\x00"))).String()
}

func (r *Resolver) classify(opA *EditOperation, a *state.Change, opB *EditOperation, b *state.Change) Pair {
	p := Pair{
		A:       a.ID,
		B:       b.ID,
		Overlap: a.Range.Overlap(b.Range),
		Gap:     a.Range.Gap(b.Range),
	}
	overlapping := a.Range.Intersects(b.Range)

	switch {
	case opA.dependsOn(opB.ID) || opB.dependsOn(opA.ID):
		p.Type = TypeDependencyViolation
	case p.Overlap > 0 && exclusive(a, b, r.opts.SemanticThreshold):
		p.Type = TypeSemanticConflict
	case overlapping && opA.Priority == opB.Priority:
		p.Type = TypePriorityConflict
	default:
		p.Type = TypeOverlappingEdits
	}

	switch {
	case p.Type == TypeSemanticConflict:
		p.Severity = SeverityHigh
	case !overlapping:
		p.Severity = SeverityLow
	case overlapRatio(a.Range, b.Range) < 0.5:
		p.Severity = SeverityMedium
	default:
		p.Severity = SeverityHigh
	}
	return p
}

// overlapRatio is the shared length relative to the shorter range.
func overlapRatio(a, b state.Range) float64 {
	shorter := min(a.Len(), b.Len())
	if shorter == 0 {
		return 0
	}
	return float64(a.Overlap(b)) / float64(shorter)
}

func defaultStrategy(t Type, s Severity) Strategy {
	switch {
	case t == TypeDependencyViolation:
		return SequentialProcessing
	case t == TypePriorityConflict:
		return UserChoice
	case t == TypeSemanticConflict || s == SeverityHigh:
		return PriorityWins
	default:
		return MergeCompatible
	}
}
