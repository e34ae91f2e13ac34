package engine

import (
	"errors"
	"strings"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("engine: invalid submission")

	// ErrConflictNotFound is returned for conflict ids that are not
	// waiting for a decision.
	ErrConflictNotFound = errors.New("engine: conflict not found")

	// ErrRateLimited is returned when a producer exceeds its submission rate.
	ErrRateLimited = errors.New("engine: producer rate limit exceeded")

	// ErrRunning is returned by Run when the engine is already running.
	ErrRunning = errors.New("engine: already running")
)

// FieldError is one rejected field of a submission.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every problem found in a submission. Nothing from
// a submission that fails validation enters the state.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "engine: invalid submission: " + strings.Join(parts, "; ")
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) add(field, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: msg})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}
