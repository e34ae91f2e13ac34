package state

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// entry is a map entry serialized as a two element array: [key, value].
type entry[V any] struct {
	Key   string
	Value V
}

func (e entry[V]) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.Key, e.Value})
}

func (e *entry[V]) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("state: map entry has %d elements, want 2", len(raw))
	}
	if err := json.Unmarshal(raw[0], &e.Key); err != nil {
		return fmt.Errorf("state: map entry key: %w", err)
	}
	if err := json.Unmarshal(raw[1], &e.Value); err != nil {
		return fmt.Errorf("state: map entry %q: %w", e.Key, err)
	}
	return nil
}

func entriesOf[V any](m map[string]V) []entry[V] {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([]entry[V], 0, len(keys))
	for _, k := range keys {
		out = append(out, entry[V]{Key: k, Value: m[k]})
	}
	return out
}

func mapOf[V any](entries []entry[V]) map[string]V {
	m := make(map[string]V, len(entries))
	for _, e := range entries {
		m[e.Key] = e.Value
	}
	return m
}

type documentStateJSON struct {
	ID           string                    `json:"id"`
	FilePath     string                    `json:"filePath"`
	Version      uint64                    `json:"version"`
	CreatedAt    time.Time                 `json:"createdAt"`
	LastModified time.Time                 `json:"lastModified"`
	Changes      []entry[*Change]          `json:"changes"`
	Clusters     []entry[*ChangeCluster]   `json:"clusters"`
	Sessions     []entry[*TrackingSession] `json:"sessions"`
	Metadata     DocumentMetadata          `json:"metadata"`
	Snapshots    []DocumentSnapshot        `json:"snapshots"`
}

// MarshalJSON encodes d with its maps as key-sorted [key, value] arrays.
func (d *DocumentState) MarshalJSON() ([]byte, error) {
	return json.Marshal(documentStateJSON{
		ID:           d.ID,
		FilePath:     d.FilePath,
		Version:      d.Version,
		CreatedAt:    d.CreatedAt,
		LastModified: d.LastModified,
		Changes:      entriesOf(d.Changes),
		Clusters:     entriesOf(d.Clusters),
		Sessions:     entriesOf(d.Sessions),
		Metadata:     d.Metadata,
		Snapshots:    d.Snapshots,
	})
}

// UnmarshalJSON rebuilds the change, cluster and session maps.
func (d *DocumentState) UnmarshalJSON(data []byte) error {
	var w documentStateJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*d = DocumentState{
		ID:           w.ID,
		FilePath:     w.FilePath,
		Version:      w.Version,
		CreatedAt:    w.CreatedAt,
		LastModified: w.LastModified,
		Changes:      mapOf(w.Changes),
		Clusters:     mapOf(w.Clusters),
		Sessions:     mapOf(w.Sessions),
		Metadata:     w.Metadata,
		Snapshots:    w.Snapshots,
	}
	return nil
}

// Validate checks the structural invariants of a deserialized state.
func (d *DocumentState) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("state: document without id")
	}
	for id, c := range d.Changes {
		if c == nil || c.ID != id {
			return fmt.Errorf("state: document %s: change entry %q is inconsistent", d.ID, id)
		}
	}
	for id, cl := range d.Clusters {
		if cl == nil || cl.ID != id {
			return fmt.Errorf("state: document %s: cluster entry %q is inconsistent", d.ID, id)
		}
		for _, cid := range cl.ChangeIDs {
			if _, ok := d.Changes[cid]; !ok {
				return fmt.Errorf("%w: document %s cluster %s change %s", ErrInvalidCluster, d.ID, id, cid)
			}
		}
	}
	for id, s := range d.Sessions {
		if s == nil || s.ID != id {
			return fmt.Errorf("state: document %s: session entry %q is inconsistent", d.ID, id)
		}
	}
	return nil
}
