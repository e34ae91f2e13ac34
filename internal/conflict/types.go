// Package conflict detects and resolves overlapping edit operations submitted
// by independent producers against the same document.
package conflict

import (
	"cmp"
	"errors"
	"slices"
	"time"

	"editstate/internal/state"
)

var (
	// ErrConflictUnresolved marks a result that still awaits a caller
	// decision. It is a state, not a failure.
	ErrConflictUnresolved = errors.New("conflict: unresolved")

	// ErrUnknownChange is returned when a caller references a change that is
	// not part of the supplied operations.
	ErrUnknownChange = errors.New("conflict: unknown change")

	// ErrUnknownStrategy is returned for strategies outside the known set.
	ErrUnknownStrategy = errors.New("conflict: unknown strategy")
)

// OperationMetadata carries producer-supplied hints about an operation.
type OperationMetadata struct {
	UserInitiated bool     `json:"userInitiated"`
	DependsOn     []string `json:"dependsOn,omitempty"`
	Intent        string   `json:"intent,omitempty"`
}

// EditOperation is a batch of changes submitted atomically by one producer.
// The ranges of its changes share the coordinates of the document at
// submission time.
type EditOperation struct {
	ID        string            `json:"id"`
	PluginID  string            `json:"pluginId"`
	Priority  int               `json:"priority"`
	Timestamp time.Time         `json:"timestamp"`
	Changes   []*state.Change   `json:"changes"`
	Metadata  OperationMetadata `json:"metadata"`
}

// dependsOn reports whether o declares a dependency on id.
func (o *EditOperation) dependsOn(id string) bool {
	return slices.Contains(o.Metadata.DependsOn, id)
}

// compareOperations orders by priority ascending (lower wins), then
// timestamp, then id.
func compareOperations(a, b *EditOperation) int {
	return cmp.Or(
		cmp.Compare(a.Priority, b.Priority),
		a.Timestamp.Compare(b.Timestamp),
		cmp.Compare(a.ID, b.ID),
	)
}

// Type classifies a conflict.
type Type string

const (
	TypeOverlappingEdits    Type = "overlapping_edits"
	TypeSemanticConflict    Type = "semantic_conflict"
	TypeDependencyViolation Type = "dependency_violation"
	TypePriorityConflict    Type = "priority_conflict"
)

func (t Type) rank() int {
	switch t {
	case TypeDependencyViolation:
		return 3
	case TypeSemanticConflict:
		return 2
	case TypePriorityConflict:
		return 1
	}
	return 0
}

// Severity grades a conflict.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) rank() int {
	switch s {
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	}
	return 0
}

// Strategy names a resolution strategy.
type Strategy string

const (
	MergeCompatible      Strategy = "MERGE_COMPATIBLE"
	PriorityWins         Strategy = "PRIORITY_WINS"
	SequentialProcessing Strategy = "SEQUENTIAL_PROCESSING"
	SemanticMerge        Strategy = "SEMANTIC_MERGE"
	UserChoice           Strategy = "USER_CHOICE"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case MergeCompatible, PriorityWins, SequentialProcessing, SemanticMerge, UserChoice:
		return true
	}
	return false
}

// Pair is two conflicting changes from different operations.
type Pair struct {
	A        string   `json:"a"`
	B        string   `json:"b"`
	Type     Type     `json:"type"`
	Severity Severity `json:"severity"`
	Overlap  int      `json:"overlap"`
	Gap      int      `json:"gap"`
}

// Conflict is a connected group of operations whose changes overlap.
type Conflict struct {
	ID         string           `json:"id"`
	DocumentID string           `json:"documentId"`
	Type       Type             `json:"type"`
	Severity   Severity         `json:"severity"`
	Operations []*EditOperation `json:"operations"`
	Pairs      []Pair           `json:"pairs"`
	Strategy   Strategy         `json:"strategy"`
	DetectedAt time.Time        `json:"detectedAt"`
}

// ChangeIDs returns the ids of every change carried by the conflict's
// operations, in operation order.
func (c *Conflict) ChangeIDs() []string {
	var ids []string
	for _, op := range c.Operations {
		for _, ch := range op.Changes {
			ids = append(ids, ch.ID)
		}
	}
	return ids
}

// Clone returns a deep copy of o.
func (o *EditOperation) Clone() *EditOperation {
	cp := *o
	cp.Changes = make([]*state.Change, len(o.Changes))
	for i, c := range o.Changes {
		cp.Changes[i] = c.Clone()
	}
	cp.Metadata.DependsOn = slices.Clone(o.Metadata.DependsOn)
	return &cp
}

// Clone returns a deep copy of c.
func (c *Conflict) Clone() *Conflict {
	cp := *c
	cp.Operations = make([]*EditOperation, len(c.Operations))
	for i, o := range c.Operations {
		cp.Operations[i] = o.Clone()
	}
	cp.Pairs = slices.Clone(c.Pairs)
	return &cp
}

// Impact estimates how much of the document a resolution touches.
type Impact struct {
	CharactersChanged int     `json:"charactersChanged"`
	SectionsAffected  int     `json:"sectionsAffected"`
	ContentPreserved  float64 `json:"contentPreserved"`
}

// Result is the outcome of resolving one or more conflicts. Every change of
// the involved operations appears in exactly one of Committed, Rejected or
// Unresolved.
type Result struct {
	ConflictIDs []string        `json:"conflictIds"`
	Strategy    Strategy        `json:"strategy"`
	Resolved    bool            `json:"resolved"`
	Committed   []*state.Change `json:"committed"`
	Rejected    []*state.Change `json:"rejected"`
	Unresolved  []string        `json:"unresolved,omitempty"`
	Confidence  float64         `json:"confidence"`
	Impact      Impact          `json:"impact"`
	Warnings    []string        `json:"warnings,omitempty"`
}

// Err returns ErrConflictUnresolved when the result awaits a decision.
func (r *Result) Err() error {
	if r.Resolved {
		return nil
	}
	return ErrConflictUnresolved
}

// Preview summarizes the consolidation the default strategies would produce.
type Preview struct {
	MergedChanges   []*state.Change `json:"mergedChanges"`
	Confidence      float64         `json:"confidence"`
	Warnings        []string        `json:"warnings,omitempty"`
	EstimatedImpact Impact          `json:"estimatedImpact"`
}

// Options tunes detection and resolution.
type Options struct {
	// AdjacencyTolerance is the largest gap, in characters, at which two
	// disjoint changes still conflict.
	AdjacencyTolerance int `validate:"gte=0"`

	// SemanticThreshold is the word-overlap ratio below which two rewrites
	// of the same text are treated as incompatible.
	SemanticThreshold float64 `validate:"gte=0,lte=1"`

	// EquivalenceThreshold is the word-overlap ratio at or above which
	// SEMANTIC_MERGE treats two overlapping changes as the same edit.
	EquivalenceThreshold float64 `validate:"gte=0,lte=1"`

	// PreserveSemantics stops a deletion from merging with a rewrite of
	// the text next to it.
	PreserveSemantics bool

	// PreserveFormatting stops a change that removes line breaks from
	// merging with its neighbours.
	PreserveFormatting bool
}

// DefaultOptions returns the default tuning.
func DefaultOptions() Options {
	return Options{
		AdjacencyTolerance:   3,
		SemanticThreshold:    0.3,
		EquivalenceThreshold: 0.8,
		PreserveSemantics:    true,
	}
}
