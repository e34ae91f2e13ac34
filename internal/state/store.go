package state

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxSnapshots is the number of snapshots retained per document.
const DefaultMaxSnapshots = 10

// Option configures a Store.
type Option func(*Store)

// WithMaxSnapshots bounds the snapshot history of each document.
func WithMaxSnapshots(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxSnapshots = n
		}
	}
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger used for state transitions.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// document pairs a state with the lock that serializes its mutation.
type document struct {
	mu      sync.Mutex
	state   *DocumentState
	removed bool
}

// Store is the authoritative in-memory state of all tracked documents.
// Mutations of one document are serialized; distinct documents proceed in
// parallel.
type Store struct {
	mu   sync.RWMutex
	docs map[string]*document

	maxSnapshots int
	now          func() time.Time
	logger       *slog.Logger

	subMu   sync.RWMutex
	subs    map[uint64]func(Event)
	nextSub uint64
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		docs:         make(map[string]*document),
		maxSnapshots: DefaultMaxSnapshots,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       slog.New(slog.DiscardHandler),
		subs:         make(map[uint64]func(Event)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers fn for state-change events and returns a function that
// removes the subscription. Events are delivered after the document lock is
// released, in mutation order per document.
func (s *Store) Subscribe(fn func(Event)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	s.subMu.RLock()
	subs := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.RUnlock()

	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// InitializeDocument returns the state tracked for fileID, creating it on
// first use. Repeated calls return the same instance. The returned state is
// owned by the store: read it only under WithDocument, or use Get for a copy.
func (s *Store) InitializeDocument(fileID string) *DocumentState {
	s.mu.Lock()
	if d, ok := s.docs[fileID]; ok {
		s.mu.Unlock()
		return d.state
	}
	st := newDocumentState(fileID, s.now())
	s.docs[fileID] = &document{state: st}
	s.mu.Unlock()

	s.logger.Debug("document initialized", "document", fileID)
	s.emit([]Event{{Type: EventDocumentCreated, DocumentID: fileID, Timestamp: st.CreatedAt}})
	return st
}

// Has reports whether docID is tracked.
func (s *Store) Has(docID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.docs[docID]
	return ok
}

// Documents returns the ids of all tracked documents in sorted order.
func (s *Store) Documents() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// WithDocument runs fn while holding the lock of docID. All mutations made
// through tx are atomic with respect to other users of the document; events
// are emitted once fn returns, whether or not it failed.
func (s *Store) WithDocument(docID string, fn func(tx *Tx) error) error {
	s.mu.RLock()
	d, ok := s.docs[docID]
	s.mu.RUnlock()
	if !ok {
		return notFound("document", docID)
	}

	d.mu.Lock()
	if d.removed {
		d.mu.Unlock()
		return notFound("document", docID)
	}
	tx := &Tx{store: s, state: d.state}
	err := fn(tx)
	d.mu.Unlock()

	s.emit(tx.events)
	return err
}

// Get returns a deep copy of the state of docID.
func (s *Store) Get(docID string) (*DocumentState, error) {
	var out *DocumentState
	err := s.WithDocument(docID, func(tx *Tx) error {
		out = tx.state.Clone()
		return nil
	})
	return out, err
}

// AddChange adds a new change to docID.
func (s *Store) AddChange(docID string, c *Change) error {
	return s.WithDocument(docID, func(tx *Tx) error { return tx.AddChange(c) })
}

// UpdateChange applies patch to an existing change.
func (s *Store) UpdateChange(docID, changeID string, patch ChangePatch) error {
	return s.WithDocument(docID, func(tx *Tx) error { return tx.UpdateChange(changeID, patch) })
}

// RemoveChange deletes a change and drops it from every cluster.
func (s *Store) RemoveChange(docID, changeID string) error {
	return s.WithDocument(docID, func(tx *Tx) error { return tx.RemoveChange(changeID) })
}

// AddCluster adds a cluster over existing pending changes.
func (s *Store) AddCluster(docID string, cl *ChangeCluster) error {
	return s.WithDocument(docID, func(tx *Tx) error { return tx.AddCluster(cl) })
}

// RemoveCluster deletes a cluster.
func (s *Store) RemoveCluster(docID, clusterID string) error {
	return s.WithDocument(docID, func(tx *Tx) error { return tx.RemoveCluster(clusterID) })
}

// ClusterPending regroups the pending changes of docID. See Tx.ClusterPending.
func (s *Store) ClusterPending(docID string, maxGap int) ([]*ChangeCluster, error) {
	var out []*ChangeCluster
	err := s.WithDocument(docID, func(tx *Tx) error {
		var err error
		out, err = tx.ClusterPending(maxGap)
		return err
	})
	return out, err
}

// StartSession returns the active session of producerID on docID, starting
// one if needed.
func (s *Store) StartSession(docID, producerID string) (*TrackingSession, error) {
	var out *TrackingSession
	err := s.WithDocument(docID, func(tx *Tx) error {
		sess, err := tx.StartSession(producerID)
		out = sess.Clone()
		return err
	})
	return out, err
}

// TouchSession records n more changes made in a session.
func (s *Store) TouchSession(docID, sessionID string, n int) error {
	return s.WithDocument(docID, func(tx *Tx) error { return tx.RecordActivity(sessionID, n) })
}

// EndSession marks a session as ended.
func (s *Store) EndSession(docID, sessionID string) error {
	return s.WithDocument(docID, func(tx *Tx) error { return tx.EndSession(sessionID) })
}

// CreateSnapshot records the current content of docID.
func (s *Store) CreateSnapshot(docID, content string) (*DocumentSnapshot, error) {
	var out *DocumentSnapshot
	err := s.WithDocument(docID, func(tx *Tx) error {
		snap := tx.CreateSnapshot(content)
		cp := snap.Clone()
		out = &cp
		return nil
	})
	return out, err
}

// PruneFinalized removes accepted and rejected changes of docID created
// before cutoff and returns them.
func (s *Store) PruneFinalized(docID string, cutoff time.Time) ([]*Change, error) {
	var out []*Change
	err := s.WithDocument(docID, func(tx *Tx) error {
		out = tx.PruneFinalized(cutoff)
		return nil
	})
	return out, err
}

// CompactionPlan lists the cold items the memory optimizer moved out of the
// live state. Everything is named by id so that items added after the plan
// was drawn up are never dropped.
type CompactionPlan struct {
	ChangeIDs        []string
	SessionIDs       []string
	SnapshotIDs      []string
	CompressionLevel int
}

// Compact drops the items named in plan from docID.
func (s *Store) Compact(docID string, plan CompactionPlan) error {
	return s.WithDocument(docID, func(tx *Tx) error { return tx.Compact(plan) })
}

// ExportStates returns deep copies of all document states, sorted by id.
func (s *Store) ExportStates() []*DocumentState {
	ids := s.Documents()
	out := make([]*DocumentState, 0, len(ids))
	for _, id := range ids {
		st, err := s.Get(id)
		if err != nil {
			// Removed since Documents was read.
			continue
		}
		out = append(out, st)
	}
	return out
}

// ActiveSessions returns a summary of every session that has not ended.
func (s *Store) ActiveSessions() []SessionState {
	var out []SessionState
	for _, id := range s.Documents() {
		_ = s.WithDocument(id, func(tx *Tx) error {
			for _, sess := range tx.state.Sessions {
				if !sess.Active() {
					continue
				}
				out = append(out, SessionState{
					SessionID:    sess.ID,
					DocumentID:   sess.DocumentID,
					ProducerID:   sess.ProducerID,
					StartedAt:    sess.StartedAt,
					LastActivity: sess.LastActivity,
					ChangeCount:  sess.ChangeCount,
				})
			}
			return nil
		})
	}
	slices.SortFunc(out, func(a, b SessionState) int {
		if a.DocumentID != b.DocumentID {
			if a.DocumentID < b.DocumentID {
				return -1
			}
			return 1
		}
		if a.SessionID < b.SessionID {
			return -1
		}
		if a.SessionID > b.SessionID {
			return 1
		}
		return 0
	})
	return out
}

// RestoreStates reinstates recovered document states, replacing any state
// already tracked under the same id. The states are copied.
func (s *Store) RestoreStates(states []*DocumentState) error {
	for _, st := range states {
		if err := st.Validate(); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
	}

	events := make([]Event, 0, len(states))
	for _, st := range states {
		cp := st.Clone()
		s.mu.Lock()
		d, ok := s.docs[cp.ID]
		if !ok {
			s.docs[cp.ID] = &document{state: cp}
			s.mu.Unlock()
		} else {
			s.mu.Unlock()
			d.mu.Lock()
			d.state = cp
			d.mu.Unlock()
		}
		events = append(events, Event{
			Type:       EventDocumentRestored,
			DocumentID: cp.ID,
			Version:    cp.Version,
			Timestamp:  s.now(),
		})
	}
	s.logger.Info("document states restored", "documents", len(states))
	s.emit(events)
	return nil
}

// DisableTracking stops tracking docID and returns its final state.
func (s *Store) DisableTracking(docID string) (*DocumentState, error) {
	s.mu.Lock()
	d, ok := s.docs[docID]
	if !ok {
		s.mu.Unlock()
		return nil, notFound("document", docID)
	}
	delete(s.docs, docID)
	s.mu.Unlock()

	d.mu.Lock()
	d.removed = true
	final := d.state
	d.mu.Unlock()

	s.logger.Info("document tracking disabled", "document", docID, "version", final.Version)
	s.emit([]Event{{Type: EventDocumentRemoved, DocumentID: docID, Version: final.Version, Timestamp: s.now()}})
	return final, nil
}

// Tx is the mutation handle passed to WithDocument callbacks. It must not be
// retained after the callback returns.
type Tx struct {
	store  *Store
	state  *DocumentState
	events []Event
}

// State returns the live state. Callers must not mutate it directly.
func (tx *Tx) State() *DocumentState {
	return tx.state
}

// Change returns the live change with id, or nil.
func (tx *Tx) Change(id string) *Change {
	return tx.state.Changes[id]
}

func (tx *Tx) touch(t EventType, objectID string) {
	now := tx.store.now()
	tx.state.Version++
	tx.state.LastModified = now
	tx.events = append(tx.events, Event{
		Type:       t,
		DocumentID: tx.state.ID,
		ObjectID:   objectID,
		Version:    tx.state.Version,
		Timestamp:  now,
	})
}

// AddChange stores a copy of c. A missing status defaults to pending.
func (tx *Tx) AddChange(c *Change) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("state: change without id")
	}
	if _, ok := tx.state.Changes[c.ID]; ok {
		return fmt.Errorf("%w: change %s", ErrDuplicate, c.ID)
	}
	if c.Range.Start < 0 || c.Range.End < c.Range.Start {
		return fmt.Errorf("%w: change %s [%d,%d)", ErrInvalidRange, c.ID, c.Range.Start, c.Range.End)
	}
	cp := c.Clone()
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	tx.state.Changes[cp.ID] = cp
	tx.touch(EventChangeAdded, cp.ID)
	return nil
}

// UpdateChange applies patch to change id.
func (tx *Tx) UpdateChange(id string, patch ChangePatch) error {
	c, ok := tx.state.Changes[id]
	if !ok {
		return notFound("change", id)
	}
	if patch.Status != nil && *patch.Status != c.Status {
		if c.Status != StatusPending || !patch.Status.Final() {
			return fmt.Errorf("%w: change %s %s -> %s", ErrInvalidTransition, id, c.Status, *patch.Status)
		}
	}
	if patch.Range != nil && (patch.Range.Start < 0 || patch.Range.End < patch.Range.Start) {
		return fmt.Errorf("%w: change %s [%d,%d)", ErrInvalidRange, id, patch.Range.Start, patch.Range.End)
	}

	if patch.Status != nil {
		c.Status = *patch.Status
	}
	if patch.Reason != nil {
		c.Reason = *patch.Reason
	}
	if patch.Range != nil {
		c.Range = *patch.Range
	}
	if c.Status.Final() {
		tx.detach(id)
	}
	tx.touch(EventChangeUpdated, id)
	return nil
}

// RemoveChange deletes change id.
func (tx *Tx) RemoveChange(id string) error {
	if _, ok := tx.state.Changes[id]; !ok {
		return notFound("change", id)
	}
	delete(tx.state.Changes, id)
	tx.detach(id)
	tx.touch(EventChangeRemoved, id)
	return nil
}

// detach removes change id from every cluster, deleting clusters that no
// longer hold a pending change.
func (tx *Tx) detach(id string) {
	for cid, cl := range tx.state.Clusters {
		idx := slices.Index(cl.ChangeIDs, id)
		if idx < 0 {
			continue
		}
		cl.ChangeIDs = slices.Delete(cl.ChangeIDs, idx, idx+1)
		if len(cl.ChangeIDs) == 0 {
			delete(tx.state.Clusters, cid)
			continue
		}
		tx.refreshCluster(cl)
	}
}

func (tx *Tx) refreshCluster(cl *ChangeCluster) {
	var sum float64
	for _, id := range cl.ChangeIDs {
		sum += tx.state.Changes[id].Confidence
	}
	cl.Confidence = sum / float64(len(cl.ChangeIDs))
	cl.Status = ClusterPending
}

// AddCluster stores a copy of cl. Every member must be a pending change of
// this document.
func (tx *Tx) AddCluster(cl *ChangeCluster) error {
	if cl == nil || len(cl.ChangeIDs) == 0 {
		return fmt.Errorf("state: empty cluster")
	}
	cp := cl.Clone()
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if _, ok := tx.state.Clusters[cp.ID]; ok {
		return fmt.Errorf("%w: cluster %s", ErrDuplicate, cp.ID)
	}
	for _, id := range cp.ChangeIDs {
		c, ok := tx.state.Changes[id]
		if !ok {
			return fmt.Errorf("%w: cluster %s change %s", ErrInvalidCluster, cp.ID, id)
		}
		if c.Status != StatusPending {
			return fmt.Errorf("%w: cluster %s change %s is %s", ErrInvalidCluster, cp.ID, id, c.Status)
		}
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = tx.store.now()
	}
	tx.refreshCluster(cp)
	tx.state.Clusters[cp.ID] = cp
	tx.touch(EventClusterAdded, cp.ID)
	return nil
}

// RemoveCluster deletes cluster id.
func (tx *Tx) RemoveCluster(id string) error {
	if _, ok := tx.state.Clusters[id]; !ok {
		return notFound("cluster", id)
	}
	delete(tx.state.Clusters, id)
	tx.touch(EventClusterRemoved, id)
	return nil
}

// ClusterPending replaces the clusters of the document with groups of
// pending changes that share a category and lie within maxGap characters of
// each other. Singletons are not clustered.
func (tx *Tx) ClusterPending(maxGap int) ([]*ChangeCluster, error) {
	groups := groupPending(tx.state.PendingChanges(), maxGap)

	changed := len(tx.state.Clusters) > 0 || len(groups) > 0
	clear(tx.state.Clusters)

	now := tx.store.now()
	out := make([]*ChangeCluster, 0, len(groups))
	for _, g := range groups {
		cl := &ChangeCluster{
			ID:        uuid.NewString(),
			ChangeIDs: g.ids,
			Category:  g.category,
			CreatedAt: now,
		}
		tx.refreshCluster(cl)
		tx.state.Clusters[cl.ID] = cl
		out = append(out, cl.Clone())
	}
	if changed {
		tx.touch(EventClusterAdded, "")
	}
	return out, nil
}

// StartSession returns the active session of producerID, starting one if
// needed.
func (tx *Tx) StartSession(producerID string) (*TrackingSession, error) {
	for _, sess := range tx.state.Sessions {
		if sess.ProducerID == producerID && sess.Active() {
			return sess, nil
		}
	}
	now := tx.store.now()
	sess := &TrackingSession{
		ID:           uuid.NewString(),
		DocumentID:   tx.state.ID,
		ProducerID:   producerID,
		StartedAt:    now,
		LastActivity: now,
	}
	tx.state.Sessions[sess.ID] = sess
	tx.touch(EventSessionUpdated, sess.ID)
	return sess, nil
}

// RecordActivity adds n changes to the activity of a session.
func (tx *Tx) RecordActivity(sessionID string, n int) error {
	sess, ok := tx.state.Sessions[sessionID]
	if !ok {
		return notFound("session", sessionID)
	}
	sess.ChangeCount += n
	sess.LastActivity = tx.store.now()
	tx.touch(EventSessionUpdated, sessionID)
	return nil
}

// EndSession marks a session as ended. Ending an ended session is a no-op.
func (tx *Tx) EndSession(sessionID string) error {
	sess, ok := tx.state.Sessions[sessionID]
	if !ok {
		return notFound("session", sessionID)
	}
	if !sess.Active() {
		return nil
	}
	sess.EndedAt = tx.store.now()
	tx.touch(EventSessionUpdated, sessionID)
	return nil
}

// CreateSnapshot appends a snapshot of content, pruning the oldest snapshots
// beyond the retention bound, and refreshes the document metadata. Snapshots
// record the version; they do not advance it.
func (tx *Tx) CreateSnapshot(content string) DocumentSnapshot {
	ids := make([]string, 0, len(tx.state.Changes))
	for id := range tx.state.Changes {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	now := tx.store.now()
	snap := DocumentSnapshot{
		ID:        uuid.NewString(),
		Timestamp: now,
		Version:   tx.state.Version,
		Content:   content,
		ChangeIDs: ids,
		Checksum:  Checksum([]byte(content)),
	}
	tx.state.Snapshots = append(tx.state.Snapshots, snap)
	if over := len(tx.state.Snapshots) - tx.store.maxSnapshots; over > 0 {
		tx.state.Snapshots = slices.Delete(tx.state.Snapshots, 0, over)
	}

	tx.state.Metadata.WordCount = WordCount(content)
	tx.state.Metadata.ContentLength = len([]rune(content))
	tx.state.Metadata.Checksum = ContentHash(content)
	tx.state.LastModified = now

	tx.events = append(tx.events, Event{
		Type:       EventSnapshotCreated,
		DocumentID: tx.state.ID,
		ObjectID:   snap.ID,
		Version:    tx.state.Version,
		Timestamp:  now,
	})
	return snap
}

// PruneFinalized removes finalized changes created before cutoff.
func (tx *Tx) PruneFinalized(cutoff time.Time) []*Change {
	var removed []*Change
	for id, c := range tx.state.Changes {
		if c.Status.Final() && c.Timestamp.Before(cutoff) {
			removed = append(removed, c)
			delete(tx.state.Changes, id)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	slices.SortFunc(removed, func(a, b *Change) int { return a.Timestamp.Compare(b.Timestamp) })
	tx.touch(EventChangeRemoved, "")
	return removed
}

// Compact applies a compaction plan.
func (tx *Tx) Compact(plan CompactionPlan) error {
	for _, id := range plan.ChangeIDs {
		c, ok := tx.state.Changes[id]
		if !ok {
			return notFound("change", id)
		}
		if c.Status == StatusPending {
			return fmt.Errorf("%w: %s", ErrCompactPending, id)
		}
	}
	for _, id := range plan.ChangeIDs {
		delete(tx.state.Changes, id)
		tx.detach(id)
	}
	for _, id := range plan.SessionIDs {
		delete(tx.state.Sessions, id)
	}
	if len(plan.SnapshotIDs) > 0 {
		tx.state.Snapshots = slices.DeleteFunc(tx.state.Snapshots, func(s DocumentSnapshot) bool {
			return slices.Contains(plan.SnapshotIDs, s.ID)
		})
	}
	tx.state.Metadata.CompressionLevel = plan.CompressionLevel
	tx.touch(EventCompacted, "")
	return nil
}
