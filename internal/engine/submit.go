package engine

import (
	"context"
	"fmt"
	"slices"
	"time"

	"editstate/internal/conflict"
	"editstate/internal/state"
)

// SubmitChanges validates a batch of changes from producerID and applies it
// to the document named in opts. Lower priority values win conflicts.
//
// The batch is checked against the operations still live in the document:
// pending changes of earlier submissions and operations waiting in the
// conflict queue. Conflicts the batch takes part in are resolved with their
// default strategy, or opts.Strategy when set. Conflicts that need a
// decision are queued and reported through OnConflict; none of their
// changes are applied until ResolveConflict or CancelConflict.
//
// Invalid batches return a *ValidationError and leave the state untouched.
func (e *Engine) SubmitChanges(ctx context.Context, changes []ChangeSubmission, producerID string, priority int, opts SubmitOptions) (*SubmissionResult, error) {
	start := time.Now()
	sub := &submission{ProducerID: producerID, Changes: changes, Options: opts}
	if err := validateSubmission(sub, e.opts.MaxChangesPerSubmission); err != nil {
		e.metrics.RecordSubmission("invalid", time.Since(start))
		return nil, err
	}
	if !e.limits.allow(producerID) {
		e.metrics.RecordRateLimited(producerID)
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, producerID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := e.now()
	op := sub.operation(priority, now)
	docID := opts.DocumentID
	e.states.InitializeDocument(docID)

	res := &SubmissionResult{OperationID: op.ID, DocumentID: docID}
	var (
		queuedNow []*conflict.Conflict
		resolved  []resolution
	)
	e.persist.RLock()
	err := e.states.WithDocument(docID, func(tx *state.Tx) error {
		live := e.liveOperations(tx)
		if err := checkUnique(tx, op, live); err != nil {
			return err
		}

		all := append(live.operations(), op)
		var conflicts []*conflict.Conflict
		for _, c := range e.resolver.Detect(docID, all) {
			if slices.ContainsFunc(c.Operations, func(o *conflict.EditOperation) bool { return o == op }) {
				conflicts = append(conflicts, c)
			}
		}

		if len(conflicts) == 0 {
			for _, c := range op.Changes {
				if err := tx.AddChange(c); err != nil {
					return err
				}
				res.Committed = append(res.Committed, c.Clone())
			}
		}

		docLength := tx.State().Metadata.ContentLength
		for _, c := range conflicts {
			e.metrics.RecordConflict(string(c.Type), string(c.Severity))

			stored := make(map[string]bool)
			absorbed := false
			for _, o := range c.Operations {
				if qid, ok := live.queuedBy[o.ID]; ok {
					e.dequeue(qid)
					absorbed = true
				}
				for _, ch := range o.Changes {
					if tx.Change(ch.ID) != nil {
						stored[ch.ID] = true
					}
				}
			}

			switch {
			case absorbed:
				c.Strategy = conflict.UserChoice
			case opts.Strategy != "":
				c.Strategy = opts.Strategy
			}
			r, err := e.resolver.Resolve(c, c.Strategy, nil, docLength)
			if err != nil {
				return err
			}
			res.Conflicts = append(res.Conflicts, c)
			res.Resolutions = append(res.Resolutions, r)

			if !r.Resolved {
				e.enqueue(c, stored, now)
				res.Queued = append(res.Queued, c.ID)
				queuedNow = append(queuedNow, c)
				continue
			}

			ap, err := e.apply(tx, r, stored)
			if err != nil {
				return err
			}
			for _, ch := range ap.committed {
				if ch.OperationID == op.ID {
					res.Committed = append(res.Committed, ch)
				}
			}
			res.Rejected = append(res.Rejected, ap.rejected...)
			res.Warnings = append(res.Warnings, r.Warnings...)
			res.Warnings = append(res.Warnings, ap.warnings...)
			resolved = append(resolved, resolution{conflict: c, result: r, applied: ap})
		}

		sess, err := tx.StartSession(producerID)
		if err != nil {
			return err
		}
		if err := tx.RecordActivity(sess.ID, len(op.Changes)); err != nil {
			return err
		}
		if _, err := tx.ClusterPending(e.opts.ClusterGap); err != nil {
			return err
		}
		res.Version = tx.State().Version
		return nil
	})
	e.persist.RUnlock()
	if err != nil {
		e.metrics.RecordSubmission("failed", time.Since(start))
		return nil, err
	}

	e.metrics.RecordChanges(string(state.StatusPending), len(res.Committed))
	for _, r := range resolved {
		e.finishResolution(ctx, docID, r)
	}
	e.metrics.RecordSubmission(res.Outcome(), time.Since(start))
	e.notify(queuedNow)

	e.logger.Debug("submission applied",
		"document", docID,
		"operation", op.ID,
		"producer", producerID,
		"priority", priority,
		"committed", len(res.Committed),
		"rejected", len(res.Rejected),
		"queued", len(res.Queued),
		"version", res.Version)
	for _, id := range res.Queued {
		e.logger.Info("conflict awaiting decision", "document", docID, "conflict", id, "operation", op.ID)
	}
	return res, nil
}

// liveSet is the set of operations a new submission is checked against.
type liveSet struct {
	queued []*conflict.EditOperation
	stored []*conflict.EditOperation

	// queuedBy maps operation ids to the queued conflict holding them.
	queuedBy map[string]string
	changes  map[string]bool
}

func (l *liveSet) operations() []*conflict.EditOperation {
	out := make([]*conflict.EditOperation, 0, len(l.queued)+len(l.stored)+1)
	out = append(out, l.queued...)
	return append(out, l.stored...)
}

// liveOperations collects the queued operations of the document and
// rebuilds operations from its pending changes. Pending changes that belong
// to a queued conflict are represented by that conflict.
func (e *Engine) liveOperations(tx *state.Tx) *liveSet {
	st := tx.State()
	l := &liveSet{queuedBy: make(map[string]string), changes: make(map[string]bool)}

	e.mu.Lock()
	for id, q := range e.queue {
		if q.conflict.DocumentID != st.ID {
			continue
		}
		for _, o := range q.conflict.Operations {
			if _, dup := l.queuedBy[o.ID]; dup {
				continue
			}
			l.queuedBy[o.ID] = id
			l.queued = append(l.queued, o)
			for _, ch := range o.Changes {
				l.changes[ch.ID] = true
			}
		}
	}
	e.mu.Unlock()

	byOp := make(map[string]*conflict.EditOperation)
	var order []string
	for _, ch := range st.PendingChanges() {
		if l.changes[ch.ID] {
			continue
		}
		opID := ch.OperationID
		if opID == "" {
			opID = ch.ID
		}
		o, ok := byOp[opID]
		if !ok {
			o = &conflict.EditOperation{
				ID:        opID,
				PluginID:  ch.Source.ProducerID,
				Priority:  ch.Source.Priority,
				Timestamp: ch.Timestamp,
			}
			byOp[opID] = o
			order = append(order, opID)
		}
		if ch.Timestamp.Before(o.Timestamp) {
			o.Timestamp = ch.Timestamp
		}
		o.Changes = append(o.Changes, ch.Clone())
	}
	slices.Sort(order)
	for _, id := range order {
		l.stored = append(l.stored, byOp[id])
	}
	return l
}

// checkUnique rejects change ids that already exist in the document or in
// its queued conflicts, and operation ids that are still live.
func checkUnique(tx *state.Tx, op *conflict.EditOperation, live *liveSet) error {
	verr := &ValidationError{}
	_, queued := live.queuedBy[op.ID]
	if queued || slices.ContainsFunc(live.stored, func(o *conflict.EditOperation) bool { return o.ID == op.ID }) {
		verr.add("options.operationId", fmt.Sprintf("operation %s is already live", op.ID))
	}
	for i, c := range op.Changes {
		if tx.Change(c.ID) != nil || live.changes[c.ID] {
			verr.add(fmt.Sprintf("changes[%d].id", i), fmt.Sprintf("change %s already exists", c.ID))
		}
	}
	return verr.orNil()
}
