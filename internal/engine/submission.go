package engine

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"editstate/internal/conflict"
	"editstate/internal/state"
)

// ChangeSubmission is one change as a producer submits it. From and To are
// offsets into the document as the producer saw it.
type ChangeSubmission struct {
	ID         string           `json:"id" validate:"required"`
	Timestamp  time.Time        `json:"timestamp" validate:"required"`
	Type       state.ChangeType `json:"type" validate:"required,oneof=insert delete replace"`
	From       int              `json:"from" validate:"gte=0"`
	To         int              `json:"to" validate:"gtefield=From"`
	BeforeText string           `json:"beforeText,omitempty"`
	AfterText  string           `json:"afterText,omitempty"`

	// Confidence defaults to 1 when omitted.
	Confidence *float64 `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
	Category   string   `json:"category,omitempty"`
}

// SubmitOptions carries the operation context of a submission.
type SubmitOptions struct {
	// DocumentID is the file the changes apply to. Tracking starts on
	// the first submission for a document.
	DocumentID string `json:"documentId" validate:"required"`

	// OperationID identifies the batch. A random id is used when empty.
	OperationID string `json:"operationId,omitempty"`

	// PluginID defaults to the producer id.
	PluginID string `json:"pluginId,omitempty"`

	// Kind describes the producer, e.g. "human" or "assistant".
	Kind string `json:"kind,omitempty"`

	// Timestamp defaults to the time of submission.
	Timestamp     time.Time `json:"timestamp,omitzero"`
	UserInitiated bool      `json:"userInitiated"`
	DependsOn     []string  `json:"dependsOn,omitempty"`
	Intent        string    `json:"intent,omitempty"`

	// Strategy overrides the default strategy of conflicts the
	// submission creates.
	Strategy conflict.Strategy `json:"strategy,omitempty"`
}

// SubmissionResult reports what happened to a submission.
type SubmissionResult struct {
	OperationID string `json:"operationId"`
	DocumentID  string `json:"documentId"`
	Version     uint64 `json:"version"`

	// Committed holds the changes now pending review, with their final
	// ranges. Rejected holds changes that lost a conflict.
	Committed []*state.Change `json:"committed"`
	Rejected  []*state.Change `json:"rejected"`

	// Conflicts are the conflicts the submission took part in; Queued
	// names those that wait for a decision.
	Conflicts   []*conflict.Conflict `json:"conflicts,omitempty"`
	Resolutions []*conflict.Result   `json:"resolutions,omitempty"`
	Queued      []string             `json:"queued,omitempty"`
	Warnings    []string             `json:"warnings,omitempty"`
}

// Outcome summarizes the result for metrics and logs.
func (r *SubmissionResult) Outcome() string {
	switch {
	case len(r.Queued) > 0:
		return "queued"
	case len(r.Conflicts) > 0:
		return "resolved"
	default:
		return "committed"
	}
}

// submission is the validated envelope.
type submission struct {
	ProducerID string             `json:"producerId" validate:"required"`
	Changes    []ChangeSubmission `json:"changes" validate:"required,min=1,dive"`
	Options    SubmitOptions      `json:"options"`
}

var validate = sync.OnceValue(func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
})

func validateSubmission(sub *submission, maxChanges int) error {
	verr := &ValidationError{}

	if err := validate().Struct(sub); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			verr.add(fieldPath(fe.Namespace()), describe(fe))
		}
	}

	if maxChanges > 0 && len(sub.Changes) > maxChanges {
		verr.add("changes", fmt.Sprintf("at most %d changes per submission", maxChanges))
	}
	// Text that is not UTF-8 would not survive a checkpoint unchanged.
	checkUTF8 := func(field, v string) {
		if !utf8.ValidString(v) {
			verr.add(field, "must be valid UTF-8")
		}
	}
	checkUTF8("producerId", sub.ProducerID)
	checkUTF8("options.documentId", sub.Options.DocumentID)
	checkUTF8("options.operationId", sub.Options.OperationID)
	checkUTF8("options.pluginId", sub.Options.PluginID)
	for i, c := range sub.Changes {
		checkUTF8(fmt.Sprintf("changes[%d].id", i), c.ID)
		checkUTF8(fmt.Sprintf("changes[%d].beforeText", i), c.BeforeText)
		checkUTF8(fmt.Sprintf("changes[%d].afterText", i), c.AfterText)
		checkUTF8(fmt.Sprintf("changes[%d].category", i), c.Category)
	}

	seen := make(map[string]int, len(sub.Changes))
	for i, c := range sub.Changes {
		if c.ID == "" {
			continue
		}
		if j, ok := seen[c.ID]; ok {
			verr.add(fmt.Sprintf("changes[%d].id", i), fmt.Sprintf("duplicates changes[%d]", j))
			continue
		}
		seen[c.ID] = i
	}
	for i, dep := range sub.Options.DependsOn {
		if dep == sub.Options.OperationID && dep != "" {
			verr.add(fmt.Sprintf("options.dependsOn[%d]", i), "operation depends on itself")
		}
	}
	if s := sub.Options.Strategy; s != "" && !s.Valid() {
		verr.add("options.strategy", fmt.Sprintf("unknown strategy %q", s))
	}
	return verr.orNil()
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "min":
		return "at least " + fe.Param() + " required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "gtefield":
		return "must not be before " + strings.ToLower(fe.Param())
	default:
		return "failed " + fe.Tag()
	}
}

// operation turns a validated submission into an EditOperation.
func (sub *submission) operation(priority int, now time.Time) *conflict.EditOperation {
	opts := sub.Options
	op := &conflict.EditOperation{
		ID:        opts.OperationID,
		PluginID:  opts.PluginID,
		Priority:  priority,
		Timestamp: opts.Timestamp,
		Metadata: conflict.OperationMetadata{
			UserInitiated: opts.UserInitiated,
			DependsOn:     opts.DependsOn,
			Intent:        opts.Intent,
		},
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.PluginID == "" {
		op.PluginID = sub.ProducerID
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = now
	}

	src := state.Source{ProducerID: sub.ProducerID, Priority: priority, Kind: opts.Kind}
	for _, c := range sub.Changes {
		confidence := 1.0
		if c.Confidence != nil {
			confidence = *c.Confidence
		}
		op.Changes = append(op.Changes, &state.Change{
			ID:          c.ID,
			OperationID: op.ID,
			Timestamp:   c.Timestamp,
			Type:        c.Type,
			Range:       state.Range{Start: c.From, End: c.To},
			BeforeText:  c.BeforeText,
			AfterText:   c.AfterText,
			Source:      src,
			Confidence:  confidence,
			Status:      state.StatusPending,
			Category:    c.Category,
		})
	}
	return op
}
