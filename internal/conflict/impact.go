package conflict

import (
	"cmp"
	"slices"
	"unicode/utf8"

	"editstate/internal/state"
)

// score fills the confidence and impact of res. The impact of an
// unresolved result covers every candidate change.
func (r *Resolver) score(res *Result, c *Conflict, docLength int) {
	changes := res.Committed
	if !res.Resolved {
		changes = nil
		for _, op := range c.Operations {
			changes = append(changes, op.Changes...)
		}
	}
	res.Confidence = confidence(changes, len(res.Warnings))
	res.Impact = estimateImpact(changes, docLength)
}

// confidence is the mean confidence of changes, reduced by a tenth for each
// warning raised while resolving.
func confidence(changes []*state.Change, warnings int) float64 {
	if len(changes) == 0 {
		return 0
	}
	var sum float64
	for _, c := range changes {
		sum += c.Confidence
	}
	v := sum / float64(len(changes)) * (1 - 0.1*float64(warnings))
	return max(0, min(1, v))
}

func estimateImpact(changes []*state.Change, docLength int) Impact {
	if len(changes) == 0 {
		return Impact{ContentPreserved: 100}
	}

	removed := 0
	imp := Impact{}
	ranges := make([]state.Range, 0, len(changes))
	for _, c := range changes {
		inserted := utf8.RuneCountInString(c.AfterText)
		imp.CharactersChanged += max(c.Range.Len(), inserted)
		removed += c.Range.Len()
		ranges = append(ranges, c.Range)
		docLength = max(docLength, c.Range.End)
	}

	slices.SortFunc(ranges, func(a, b state.Range) int {
		return cmp.Or(cmp.Compare(a.Start, b.Start), cmp.Compare(a.End, b.End))
	})
	end := -1
	for _, rg := range ranges {
		if rg.Start > end {
			imp.SectionsAffected++
		}
		end = max(end, rg.End)
	}

	if docLength > 0 {
		imp.ContentPreserved = max(0, 100*(1-float64(removed)/float64(docLength)))
	} else {
		imp.ContentPreserved = 100
	}
	return imp
}

// Preview resolves each conflict with its default strategy without
// committing anything and merges the outcomes.
func (r *Resolver) Preview(conflicts []*Conflict, docLength int) (*Preview, error) {
	pv := &Preview{}
	var all []*state.Change
	for _, c := range conflicts {
		res, err := r.Resolve(c, c.Strategy, nil, docLength)
		if err != nil {
			return nil, err
		}
		if !res.Resolved {
			pv.Warnings = append(pv.Warnings, "conflict "+c.ID+" requires a decision")
			for _, op := range c.Operations {
				all = append(all, op.Changes...)
			}
			continue
		}
		pv.MergedChanges = append(pv.MergedChanges, res.Committed...)
		pv.Warnings = append(pv.Warnings, res.Warnings...)
		all = append(all, res.Committed...)
	}
	pv.Confidence = confidence(all, len(pv.Warnings))
	pv.EstimatedImpact = estimateImpact(all, docLength)
	return pv, nil
}
