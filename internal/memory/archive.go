// Package memory bounds the footprint of tracked documents by moving cold
// history out of the live state into compressed archives.
package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"editstate/internal/state"
)

// Encoding identifies how an archive blob is stored.
type Encoding byte

const (
	EncodingJSON Encoding = 'j'
	EncodingZstd Encoding = 'z'
)

func (e Encoding) String() string {
	switch e {
	case EncodingJSON:
		return "json"
	case EncodingZstd:
		return "zstd"
	}
	return fmt.Sprintf("unknown(%d)", byte(e))
}

var ErrBadArchive = errors.New("memory: malformed archive")

var codec = sync.OnceValues(func() (*zstdCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
})

// zstdCodec wraps a shared encoder and decoder. EncodeAll and DecodeAll are
// safe for concurrent use.
type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// compress encodes raw with zstd when that saves at least minSavings of its
// size and returns the blob with its encoding tag prepended.
func compress(raw []byte, minSavings float64) ([]byte, Encoding, error) {
	c, err := codec()
	if err != nil {
		return nil, 0, fmt.Errorf("memory: zstd: %w", err)
	}
	packed := c.enc.EncodeAll(raw, make([]byte, 1, len(raw)/2+1))
	if float64(len(packed)-1) <= float64(len(raw))*(1-minSavings) {
		packed[0] = byte(EncodingZstd)
		return packed, EncodingZstd, nil
	}
	out := make([]byte, 0, len(raw)+1)
	out = append(out, byte(EncodingJSON))
	return append(out, raw...), EncodingJSON, nil
}

func decompress(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, ErrBadArchive
	}
	switch Encoding(blob[0]) {
	case EncodingJSON:
		return blob[1:], nil
	case EncodingZstd:
		c, err := codec()
		if err != nil {
			return nil, fmt.Errorf("memory: zstd: %w", err)
		}
		raw, err := c.dec.DecodeAll(blob[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadArchive, err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("%w: encoding %q", ErrBadArchive, blob[0])
	}
}

// ArchivedState is the cold part of a document moved out of the live state.
// Clusters never appear here: a cluster only holds pending changes and is
// deleted once the last of them is decided, so there is nothing cold to
// keep.
type ArchivedState struct {
	DocumentID string                   `json:"documentId"`
	Version    uint64                   `json:"version"`
	ArchivedAt time.Time                `json:"archivedAt"`
	Changes    []*state.Change          `json:"changes"`
	Sessions   []*state.TrackingSession `json:"sessions"`
	Snapshots  []state.DocumentSnapshot `json:"snapshots"`
}

// Empty reports whether nothing was archived.
func (a *ArchivedState) Empty() bool {
	return len(a.Changes) == 0 && len(a.Sessions) == 0 && len(a.Snapshots) == 0
}

// Archive is an encoded ArchivedState.
type Archive struct {
	Encoding Encoding
	RawSize  int
	Blob     []byte
}

// Decode returns the archived state held by a.
func (a *Archive) Decode() (*ArchivedState, error) {
	raw, err := decompress(a.Blob)
	if err != nil {
		return nil, err
	}
	var st ArchivedState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArchive, err)
	}
	return &st, nil
}

// OptimizedDocumentState is a document split into the part that stays live
// and the archive of everything cold.
type OptimizedDocumentState struct {
	Live    *state.DocumentState
	Archive *Archive
	Plan    state.CompactionPlan

	// ArchivedChanges etc. count what moved to the archive.
	ArchivedChanges   int
	ArchivedSessions  int
	ArchivedSnapshots int
}

// Policy decides which parts of a document are cold.
type Policy struct {
	RecentWindow  time.Duration
	KeepSnapshots int
	MinSavings    float64
}

// Optimize splits st according to p. Changes that are still pending or
// newer than the recent window stay live, as do clusters, active sessions
// and the newest snapshots. st is not modified.
func Optimize(st *state.DocumentState, p Policy, now time.Time) (*OptimizedDocumentState, error) {
	live := st.Clone()
	cutoff := now.Add(-p.RecentWindow)
	arch := &ArchivedState{DocumentID: st.ID, Version: st.Version, ArchivedAt: now}

	for _, id := range sortedKeys(live.Changes) {
		c := live.Changes[id]
		if c.Status == state.StatusPending || !c.Timestamp.Before(cutoff) {
			continue
		}
		arch.Changes = append(arch.Changes, c)
		delete(live.Changes, id)
	}
	for _, id := range sortedKeys(live.Sessions) {
		s := live.Sessions[id]
		if s.Active() {
			continue
		}
		arch.Sessions = append(arch.Sessions, s)
		delete(live.Sessions, id)
	}
	if p.KeepSnapshots > 0 && len(live.Snapshots) > p.KeepSnapshots {
		over := len(live.Snapshots) - p.KeepSnapshots
		arch.Snapshots = slices.Clone(live.Snapshots[:over])
		live.Snapshots = slices.Delete(live.Snapshots, 0, over)
	}

	out := &OptimizedDocumentState{
		Live:              live,
		ArchivedChanges:   len(arch.Changes),
		ArchivedSessions:  len(arch.Sessions),
		ArchivedSnapshots: len(arch.Snapshots),
	}
	if arch.Empty() {
		return out, nil
	}

	raw, err := json.Marshal(arch)
	if err != nil {
		return nil, fmt.Errorf("memory: encode archive: %w", err)
	}
	blob, enc, err := compress(raw, p.MinSavings)
	if err != nil {
		return nil, err
	}
	live.Metadata.CompressionLevel = compressionLevel(enc)

	out.Archive = &Archive{Encoding: enc, RawSize: len(raw), Blob: blob}
	out.Plan = state.CompactionPlan{
		ChangeIDs:        idsOf(arch.Changes, func(c *state.Change) string { return c.ID }),
		SessionIDs:       idsOf(arch.Sessions, func(s *state.TrackingSession) string { return s.ID }),
		SnapshotIDs:      idsOf(arch.Snapshots, func(s state.DocumentSnapshot) string { return s.ID }),
		CompressionLevel: live.Metadata.CompressionLevel,
	}
	return out, nil
}

// Restore merges the archive back into the live state and returns the
// reconstructed document.
func Restore(o *OptimizedDocumentState) (*state.DocumentState, error) {
	st := o.Live.Clone()
	if o.Archive == nil {
		return st, nil
	}
	arch, err := o.Archive.Decode()
	if err != nil {
		return nil, err
	}
	for _, c := range arch.Changes {
		st.Changes[c.ID] = c
	}
	for _, s := range arch.Sessions {
		st.Sessions[s.ID] = s
	}
	if len(arch.Snapshots) > 0 {
		st.Snapshots = append(slices.Clone(arch.Snapshots), st.Snapshots...)
	}
	st.Metadata.CompressionLevel = 0
	return st, nil
}

func compressionLevel(e Encoding) int {
	if e == EncodingZstd {
		return int(zstd.SpeedDefault)
	}
	return 0
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func idsOf[T any](items []T, id func(T) string) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = id(it)
	}
	return out
}
