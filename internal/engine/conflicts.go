package engine

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"editstate/internal/conflict"
	"editstate/internal/state"
)

// ReasonCancelled is the rejection reason of changes in a cancelled conflict.
const ReasonCancelled = "resolution-cancelled"

// applied is what a resolution changed in the store.
type applied struct {
	committed []*state.Change
	rejected  []*state.Change
	warnings  []string
}

type resolution struct {
	conflict *conflict.Conflict
	result   *conflict.Result
	applied  applied
}

func (e *Engine) enqueue(c *conflict.Conflict, stored map[string]bool, now time.Time) {
	e.mu.Lock()
	e.queue[c.ID] = &queued{conflict: c, stored: stored, queuedAt: now}
	n := len(e.queue)
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.PendingConflicts.Set(float64(n))
	}
}

func (e *Engine) dequeue(id string) {
	e.mu.Lock()
	delete(e.queue, id)
	n := len(e.queue)
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.PendingConflicts.Set(float64(n))
	}
}

func (e *Engine) lookup(id string) (*queued, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queue[id]
	return q, ok
}

// apply writes a resolved result. Changes that were already stored keep
// their coordinates; only rejections are recorded for them. New changes
// are added with the ranges the resolver computed.
func (e *Engine) apply(tx *state.Tx, r *conflict.Result, stored map[string]bool) (applied, error) {
	var ap applied
	for _, c := range r.Committed {
		if stored[c.ID] {
			if tx.Change(c.ID) == nil {
				ap.warnings = append(ap.warnings, fmt.Sprintf("change %s no longer exists", c.ID))
			}
			continue
		}
		if err := tx.AddChange(c); err != nil {
			return ap, err
		}
		ap.committed = append(ap.committed, c.Clone())
	}

	rejected := state.StatusRejected
	for _, c := range r.Rejected {
		if !stored[c.ID] {
			if err := tx.AddChange(c); err != nil {
				return ap, err
			}
			ap.rejected = append(ap.rejected, c.Clone())
			continue
		}
		cur := tx.Change(c.ID)
		switch {
		case cur == nil:
			ap.warnings = append(ap.warnings, fmt.Sprintf("change %s no longer exists", c.ID))
			continue
		case cur.Status != state.StatusPending:
			ap.warnings = append(ap.warnings, fmt.Sprintf("change %s was already %s", c.ID, cur.Status))
			continue
		}
		reason := c.Reason
		if err := tx.UpdateChange(c.ID, state.ChangePatch{Status: &rejected, Reason: &reason}); err != nil {
			return ap, err
		}
		ap.rejected = append(ap.rejected, tx.Change(c.ID).Clone())
	}
	return ap, nil
}

// finishResolution records a resolution that was applied. It runs after
// the document lock is released.
func (e *Engine) finishResolution(ctx context.Context, docID string, r resolution) {
	e.audit.LogConflictResolved(ctx, docID, r.conflict.ID, string(r.result.Strategy),
		len(r.result.Committed), len(r.result.Rejected))
	for _, c := range r.applied.rejected {
		e.audit.LogChangeFinalized(ctx, docID, c.ID, c.Source.ProducerID, false, c.Reason)
	}
	e.metrics.RecordResolution(string(r.result.Strategy))
	e.metrics.RecordChanges(string(state.StatusRejected), len(r.applied.rejected))

	e.logger.Info("conflict resolved",
		"document", docID,
		"conflict", r.conflict.ID,
		"type", r.conflict.Type,
		"strategy", r.result.Strategy,
		"committed", len(r.result.Committed),
		"rejected", len(r.result.Rejected),
		"confidence", r.result.Confidence)
}

// GetUnresolvedConflicts returns the conflicts of docID waiting for a
// decision, oldest first. The returned conflicts must not be modified.
func (e *Engine) GetUnresolvedConflicts(docID string) []*conflict.Conflict {
	e.mu.Lock()
	var out []*conflict.Conflict
	for _, q := range e.queue {
		if q.conflict.DocumentID == docID {
			out = append(out, q.conflict)
		}
	}
	e.mu.Unlock()

	slices.SortFunc(out, func(a, b *conflict.Conflict) int {
		return cmp.Or(a.DetectedAt.Compare(b.DetectedAt), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// ResolveConflict decides a queued conflict. An empty strategy uses the
// conflict's own. USER_CHOICE commits the selected changes and rejects the
// rest; without a selection the conflict stays queued and the returned
// result reports conflict.ErrConflictUnresolved through Err.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, strategy conflict.Strategy, selected []string) (*conflict.Result, error) {
	q, ok := e.lookup(conflictID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strategy == "" {
		strategy = q.conflict.Strategy
	}

	docID := q.conflict.DocumentID
	var (
		res *conflict.Result
		ap  applied
	)
	e.persist.RLock()
	err := e.states.WithDocument(docID, func(tx *state.Tx) error {
		cur, ok := e.lookup(conflictID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
		}
		r, err := e.resolver.Resolve(cur.conflict, strategy, selected, tx.State().Metadata.ContentLength)
		if err != nil {
			return err
		}
		res = r
		if !r.Resolved {
			return nil
		}
		if ap, err = e.apply(tx, r, cur.stored); err != nil {
			return err
		}
		e.dequeue(conflictID)
		_, err = tx.ClusterPending(e.opts.ClusterGap)
		return err
	})
	e.persist.RUnlock()
	if err != nil {
		return nil, err
	}
	if !res.Resolved {
		return res, nil
	}

	res.Warnings = append(res.Warnings, ap.warnings...)
	e.metrics.RecordChanges(string(state.StatusPending), len(ap.committed))
	e.finishResolution(ctx, docID, resolution{conflict: q.conflict, result: res, applied: ap})
	return res, nil
}

// PreviewConsolidation shows what resolving the named conflicts would
// produce without changing anything. Conflicts may span documents; the
// impact is summed and the confidence is that of the weakest document.
func (e *Engine) PreviewConsolidation(conflictIDs []string) (*conflict.Preview, error) {
	byDoc := make(map[string][]*conflict.Conflict)
	var docs []string
	for _, id := range conflictIDs {
		q, ok := e.lookup(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, id)
		}
		doc := q.conflict.DocumentID
		if _, seen := byDoc[doc]; !seen {
			docs = append(docs, doc)
		}
		byDoc[doc] = append(byDoc[doc], q.conflict)
	}

	out := &conflict.Preview{Confidence: 1, EstimatedImpact: conflict.Impact{ContentPreserved: 100}}
	for _, doc := range docs {
		var length int
		err := e.states.WithDocument(doc, func(tx *state.Tx) error {
			length = tx.State().Metadata.ContentLength
			return nil
		})
		if err != nil {
			return nil, err
		}
		pv, err := e.resolver.Preview(byDoc[doc], length)
		if err != nil {
			return nil, err
		}
		out.MergedChanges = append(out.MergedChanges, pv.MergedChanges...)
		out.Warnings = append(out.Warnings, pv.Warnings...)
		out.Confidence = min(out.Confidence, pv.Confidence)
		out.EstimatedImpact.CharactersChanged += pv.EstimatedImpact.CharactersChanged
		out.EstimatedImpact.SectionsAffected += pv.EstimatedImpact.SectionsAffected
		out.EstimatedImpact.ContentPreserved = min(out.EstimatedImpact.ContentPreserved, pv.EstimatedImpact.ContentPreserved)
	}
	if len(docs) == 0 {
		out.Confidence = 0
	}
	return out, nil
}

// CancelConflict abandons a queued conflict. Every change it holds is
// rejected with ReasonCancelled.
func (e *Engine) CancelConflict(ctx context.Context, conflictID string) ([]*state.Change, error) {
	q, ok := e.lookup(conflictID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}

	docID := q.conflict.DocumentID
	var ap applied
	e.persist.RLock()
	err := e.states.WithDocument(docID, func(tx *state.Tx) error {
		cur, ok := e.lookup(conflictID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
		}
		r := &conflict.Result{ConflictIDs: []string{conflictID}, Resolved: true}
		for _, o := range cur.conflict.Operations {
			for _, c := range o.Changes {
				cp := c.Clone()
				cp.Status = state.StatusRejected
				cp.Reason = ReasonCancelled
				r.Rejected = append(r.Rejected, cp)
			}
		}
		var err error
		if ap, err = e.apply(tx, r, cur.stored); err != nil {
			return err
		}
		e.dequeue(conflictID)
		_, err = tx.ClusterPending(e.opts.ClusterGap)
		return err
	})
	e.persist.RUnlock()
	if err != nil {
		return nil, err
	}

	e.audit.LogConflictCancelled(ctx, docID, conflictID, len(ap.rejected))
	for _, c := range ap.rejected {
		e.audit.LogChangeFinalized(ctx, docID, c.ID, c.Source.ProducerID, false, c.Reason)
	}
	e.metrics.RecordChanges(string(state.StatusRejected), len(ap.rejected))
	e.logger.Info("conflict cancelled", "document", docID, "conflict", conflictID, "rejected", len(ap.rejected))
	return ap.rejected, nil
}
