package engine

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"editstate/internal/recovery"
	"editstate/internal/state"
)

// checkpointSource is what the recovery manager persists: the state store
// together with the conflicts waiting for a decision, whose unstored
// changes exist nowhere else.
type checkpointSource struct{ e *Engine }

func (s checkpointSource) ExportStates() []*state.DocumentState { return s.e.states.ExportStates() }

func (s checkpointSource) ActiveSessions() []state.SessionState { return s.e.states.ActiveSessions() }

func (s checkpointSource) RestoreStates(states []*state.DocumentState) error {
	return s.e.states.RestoreStates(states)
}

// Export captures the store and the queue with no submission or resolution
// in between.
func (s checkpointSource) Export() recovery.Contents {
	e := s.e
	e.persist.Lock()
	defer e.persist.Unlock()

	out := recovery.Contents{
		States:   e.states.ExportStates(),
		Sessions: e.states.ActiveSessions(),
	}
	e.mu.Lock()
	for _, q := range e.queue {
		stored := make([]string, 0, len(q.stored))
		for id, ok := range q.stored {
			if ok {
				stored = append(stored, id)
			}
		}
		slices.Sort(stored)
		out.Queued = append(out.Queued, recovery.QueuedConflict{
			Conflict:        q.conflict.Clone(),
			StoredChangeIDs: stored,
			QueuedAt:        q.queuedAt,
		})
	}
	e.mu.Unlock()

	slices.SortFunc(out.Queued, func(a, b recovery.QueuedConflict) int {
		return cmp.Or(a.QueuedAt.Compare(b.QueuedAt), cmp.Compare(a.Conflict.ID, b.Conflict.ID))
	})
	return out
}

// RestoreQueue replaces the queue with recovered conflicts. A conflict is
// dropped when its document is not tracked or when one of its unstored
// changes is already in the store.
func (s checkpointSource) RestoreQueue(items []recovery.QueuedConflict) (int, error) {
	e := s.e
	restored := make(map[string]*queued, len(items))
	var errs []error
	for _, item := range items {
		c := item.Conflict
		stored := make(map[string]bool, len(item.StoredChangeIDs))
		for _, id := range item.StoredChangeIDs {
			stored[id] = true
		}
		err := e.states.WithDocument(c.DocumentID, func(tx *state.Tx) error {
			for _, id := range c.ChangeIDs() {
				if !stored[id] && tx.Change(id) != nil {
					return fmt.Errorf("%w: change %s", state.ErrDuplicate, id)
				}
			}
			return nil
		})
		if err != nil {
			e.logger.Warn("queued conflict dropped", "conflict", c.ID, "document", c.DocumentID, "error", err)
			errs = append(errs, fmt.Errorf("conflict %s: %w", c.ID, err))
			continue
		}
		restored[c.ID] = &queued{conflict: c, stored: stored, queuedAt: item.QueuedAt}
	}

	e.mu.Lock()
	e.queue = restored
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.PendingConflicts.Set(float64(len(restored)))
	}
	if len(restored) > 0 {
		e.logger.Info("queued conflicts restored", "count", len(restored))
	}
	return len(restored), errors.Join(errs...)
}
