package recovery

import (
	"context"
	"errors"
	"time"
)

// SourceStatus describes one stored checkpoint or backup.
type SourceStatus struct {
	Key       string    `json:"key"`
	Valid     bool      `json:"valid"`
	Timestamp time.Time `json:"timestamp,omitzero"`
	Documents int       `json:"documents"`
	Sessions  int       `json:"sessions"`
	Conflicts int       `json:"conflicts"`
	Error     string    `json:"error,omitempty"`
}

// Status summarizes the durable recovery state.
type Status struct {
	Phase     string         `json:"phase"`
	Heartbeat *Heartbeat     `json:"heartbeat,omitempty"`
	Stale     bool           `json:"stale"`
	Sources   []SourceStatus `json:"sources"`
}

// Inspect validates every stored checkpoint and backup without restoring
// anything.
func (m *Manager) Inspect(ctx context.Context) (*Status, error) {
	st := &Status{Phase: m.Phase().String()}

	hb, err := m.ReadHeartbeat(ctx)
	if err != nil && !errors.Is(err, ErrCorruptPayload) {
		return nil, err
	}
	st.Heartbeat = hb
	if hb != nil {
		st.Stale = m.now().Sub(hb.Timestamp) > time.Duration(m.cfg.StaleFactor)*m.cfg.HeartbeatInterval
	}

	backups, err := m.store.List(ctx, BackupPrefix)
	if err != nil {
		return nil, err
	}
	keys := append([]string{CheckpointKey}, backups...)
	for _, key := range keys {
		cp, err := m.load(ctx, key)
		if err == nil && cp == nil {
			continue
		}
		src := SourceStatus{Key: key}
		if err != nil {
			src.Error = err.Error()
		} else {
			src.Valid = true
			src.Timestamp = cp.Timestamp
			src.Documents = len(cp.DocumentStates)
			src.Sessions = len(cp.SessionStates)
			src.Conflicts = len(cp.QueuedConflicts)
		}
		st.Sources = append(st.Sources, src)
	}
	return st, nil
}
