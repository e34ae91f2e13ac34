// Package state holds the authoritative in-memory model of tracked documents.
//
// A DocumentState aggregates every Change submitted against one file together
// with the clusters used for review, the producer sessions that created them
// and a bounded history of content snapshots. The Store owns all document
// states and serializes mutation per document; it never performs I/O.
package state

import (
	"slices"
	"time"
)

// ChangeType discriminates the kind of edit a Change performs.
type ChangeType string

const (
	ChangeInsert  ChangeType = "insert"
	ChangeDelete  ChangeType = "delete"
	ChangeReplace ChangeType = "replace"
)

// Valid reports whether t is one of the known change types.
func (t ChangeType) Valid() bool {
	switch t {
	case ChangeInsert, ChangeDelete, ChangeReplace:
		return true
	}
	return false
}

// Status is the review status of a Change.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Final reports whether the status can no longer change.
func (s Status) Final() bool {
	return s == StatusAccepted || s == StatusRejected
}

// ClusterStatus is the aggregate status of a ChangeCluster.
type ClusterStatus string

const (
	ClusterPending  ClusterStatus = "pending"
	ClusterAccepted ClusterStatus = "accepted"
	ClusterRejected ClusterStatus = "rejected"
	ClusterPartial  ClusterStatus = "partial"
)

// Range is a half-open [Start, End) span of character offsets.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of characters covered by the range.
func (r Range) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

// Intersects reports whether r and o share at least one offset. Two empty
// ranges at the same point intersect.
func (r Range) Intersects(o Range) bool {
	if r.Start == r.End && o.Start == o.End {
		return r.Start == o.Start
	}
	return (r.Start < o.End && o.Start < r.End) || r.Start == o.Start
}

// Gap returns the number of characters separating r and o, 0 when they touch
// or overlap.
func (r Range) Gap(o Range) int {
	switch {
	case o.Start >= r.End:
		return o.Start - r.End
	case r.Start >= o.End:
		return r.Start - o.End
	default:
		return 0
	}
}

// Overlap returns the number of characters shared by r and o.
func (r Range) Overlap(o Range) int {
	lo := max(r.Start, o.Start)
	hi := min(r.End, o.End)
	if hi <= lo {
		return 0
	}
	return hi - lo
}

// Source identifies the producer of a Change.
type Source struct {
	ProducerID string `json:"producerId"`
	Priority   int    `json:"priority"`
	Kind       string `json:"kind,omitempty"`
}

// Change is an atomic edit. Only Status, Reason and Range change after
// creation.
type Change struct {
	ID          string     `json:"id"`
	OperationID string     `json:"operationId,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
	Type        ChangeType `json:"type"`
	Range       Range      `json:"range"`
	BeforeText  string     `json:"beforeText"`
	AfterText   string     `json:"afterText"`
	Source      Source     `json:"source"`
	Confidence  float64    `json:"confidence"`
	Status      Status     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	Category    string     `json:"category,omitempty"`
}

// Delta is the offset shift the change introduces for text after it.
func (c *Change) Delta() int {
	return len([]rune(c.AfterText)) - c.Range.Len()
}

// Clone returns a copy of c.
func (c *Change) Clone() *Change {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// ChangePatch describes the mutable fields of a Change. Nil fields are left
// untouched.
type ChangePatch struct {
	Status *Status
	Reason *string
	Range  *Range
}

// ChangeCluster groups pending changes for review.
type ChangeCluster struct {
	ID         string        `json:"id"`
	ChangeIDs  []string      `json:"changeIds"`
	Category   string        `json:"category,omitempty"`
	Status     ClusterStatus `json:"status"`
	Confidence float64       `json:"confidence"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// Clone returns a deep copy of c.
func (c *ChangeCluster) Clone() *ChangeCluster {
	if c == nil {
		return nil
	}
	cp := *c
	cp.ChangeIDs = slices.Clone(c.ChangeIDs)
	return &cp
}

// TrackingSession records the activity of one producer on one document.
type TrackingSession struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"documentId"`
	ProducerID   string    `json:"producerId"`
	StartedAt    time.Time `json:"startedAt"`
	LastActivity time.Time `json:"lastActivity"`
	EndedAt      time.Time `json:"endedAt,omitzero"`
	ChangeCount  int       `json:"changeCount"`
}

// Active reports whether the session has not ended.
func (s *TrackingSession) Active() bool {
	return s.EndedAt.IsZero()
}

// Clone returns a copy of s.
func (s *TrackingSession) Clone() *TrackingSession {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// DocumentMetadata summarizes the latest known content of a document.
type DocumentMetadata struct {
	WordCount        int    `json:"wordCount"`
	ContentLength    int    `json:"contentLength"`
	Checksum         string `json:"checksum,omitempty"`
	CompressionLevel int    `json:"compressionLevel"`
}

// DocumentSnapshot is a point-in-time copy of document content.
type DocumentSnapshot struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Version   uint64    `json:"version"`
	Content   string    `json:"content"`
	ChangeIDs []string  `json:"changeIds"`
	Checksum  string    `json:"checksum"`
}

// Valid reports whether the snapshot content still matches its checksum.
func (s *DocumentSnapshot) Valid() bool {
	return s.Checksum == Checksum([]byte(s.Content))
}

// Clone returns a deep copy of s.
func (s DocumentSnapshot) Clone() DocumentSnapshot {
	s.ChangeIDs = slices.Clone(s.ChangeIDs)
	return s
}

// DocumentState is the per-document aggregate.
type DocumentState struct {
	ID           string
	FilePath     string
	Version      uint64
	CreatedAt    time.Time
	LastModified time.Time
	Changes      map[string]*Change
	Clusters     map[string]*ChangeCluster
	Sessions     map[string]*TrackingSession
	Metadata     DocumentMetadata
	Snapshots    []DocumentSnapshot
}

func newDocumentState(id string, now time.Time) *DocumentState {
	return &DocumentState{
		ID:           id,
		FilePath:     id,
		CreatedAt:    now,
		LastModified: now,
		Changes:      make(map[string]*Change),
		Clusters:     make(map[string]*ChangeCluster),
		Sessions:     make(map[string]*TrackingSession),
		Snapshots:    make([]DocumentSnapshot, 0),
	}
}

// Clone returns a deep copy of d.
func (d *DocumentState) Clone() *DocumentState {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Changes = make(map[string]*Change, len(d.Changes))
	for id, c := range d.Changes {
		cp.Changes[id] = c.Clone()
	}
	cp.Clusters = make(map[string]*ChangeCluster, len(d.Clusters))
	for id, c := range d.Clusters {
		cp.Clusters[id] = c.Clone()
	}
	cp.Sessions = make(map[string]*TrackingSession, len(d.Sessions))
	for id, s := range d.Sessions {
		cp.Sessions[id] = s.Clone()
	}
	if d.Snapshots != nil {
		cp.Snapshots = make([]DocumentSnapshot, len(d.Snapshots))
		for i, s := range d.Snapshots {
			cp.Snapshots[i] = s.Clone()
		}
	}
	return &cp
}

// PendingChanges returns the pending changes of d.
func (d *DocumentState) PendingChanges() []*Change {
	out := make([]*Change, 0, len(d.Changes))
	for _, c := range d.Changes {
		if c.Status == StatusPending {
			out = append(out, c)
		}
	}
	return out
}

// SessionState is the checkpointed summary of a tracking session.
type SessionState struct {
	SessionID    string    `json:"sessionId"`
	DocumentID   string    `json:"documentId"`
	ProducerID   string    `json:"producerId"`
	StartedAt    time.Time `json:"startedAt"`
	LastActivity time.Time `json:"lastActivity"`
	ChangeCount  int       `json:"changeCount"`
}

// EventType names a state-change event.
type EventType string

const (
	EventDocumentCreated  EventType = "document_created"
	EventDocumentRemoved  EventType = "document_removed"
	EventDocumentRestored EventType = "document_restored"
	EventChangeAdded      EventType = "change_added"
	EventChangeUpdated    EventType = "change_updated"
	EventChangeRemoved    EventType = "change_removed"
	EventClusterAdded     EventType = "cluster_added"
	EventClusterRemoved   EventType = "cluster_removed"
	EventSessionUpdated   EventType = "session_updated"
	EventSnapshotCreated  EventType = "snapshot_created"
	EventCompacted        EventType = "compacted"
)

// Event describes one state mutation.
type Event struct {
	Type       EventType
	DocumentID string
	ObjectID   string
	Version    uint64
	Timestamp  time.Time
}
