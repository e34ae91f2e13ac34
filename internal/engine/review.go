package engine

import (
	"context"

	"editstate/internal/state"
)

// AcceptChange finalizes a pending change as accepted.
func (e *Engine) AcceptChange(ctx context.Context, docID, changeID string) (*state.Change, error) {
	return e.finalize(ctx, docID, changeID, state.StatusAccepted, "")
}

// RejectChange finalizes a pending change as rejected with reason.
func (e *Engine) RejectChange(ctx context.Context, docID, changeID, reason string) (*state.Change, error) {
	return e.finalize(ctx, docID, changeID, state.StatusRejected, reason)
}

func (e *Engine) finalize(ctx context.Context, docID, changeID string, status state.Status, reason string) (*state.Change, error) {
	var out *state.Change
	err := e.states.WithDocument(docID, func(tx *state.Tx) error {
		patch := state.ChangePatch{Status: &status}
		if reason != "" {
			patch.Reason = &reason
		}
		if err := tx.UpdateChange(changeID, patch); err != nil {
			return err
		}
		out = tx.Change(changeID).Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	accepted := status == state.StatusAccepted
	e.audit.LogChangeFinalized(ctx, docID, changeID, out.Source.ProducerID, accepted, reason)
	e.metrics.RecordChanges(string(status), 1)
	e.logger.Debug("change finalized", "document", docID, "change", changeID, "status", status)
	return out, nil
}

// DisableTracking stops tracking docID. Cold history is archived first;
// queued conflicts of the document are dropped. The final state is
// returned.
func (e *Engine) DisableTracking(ctx context.Context, docID string) (*state.DocumentState, error) {
	if _, err := e.optimizer.Compact(ctx, docID); err != nil {
		e.logger.Warn("archive before disabling tracking failed", "document", docID, "error", err)
	}
	e.persist.RLock()
	defer e.persist.RUnlock()
	final, err := e.states.DisableTracking(docID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	dropped := 0
	for id, q := range e.queue {
		if q.conflict.DocumentID == docID {
			delete(e.queue, id)
			dropped++
		}
	}
	n := len(e.queue)
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.PendingConflicts.Set(float64(n))
	}

	e.audit.LogTrackingDisabled(ctx, docID, final.Version, len(final.Changes))
	e.logger.Info("tracking disabled",
		"document", docID,
		"version", final.Version,
		"changes", len(final.Changes),
		"dropped_conflicts", dropped)
	return final, nil
}

// CreateSnapshot records the current content of docID, starting tracking
// if needed.
func (e *Engine) CreateSnapshot(docID, content string) (*state.DocumentSnapshot, error) {
	e.states.InitializeDocument(docID)
	return e.states.CreateSnapshot(docID, content)
}

// Document returns a copy of the state of docID.
func (e *Engine) Document(docID string) (*state.DocumentState, error) {
	return e.states.Get(docID)
}

// Documents returns the ids of every tracked document.
func (e *Engine) Documents() []string {
	return e.states.Documents()
}
