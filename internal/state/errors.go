package state

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("state: not found")
	ErrDuplicate         = errors.New("state: duplicate id")
	ErrInvalidTransition = errors.New("state: invalid status transition")
	ErrInvalidCluster    = errors.New("state: cluster references unknown change")
	ErrInvalidRange      = errors.New("state: invalid range")
	ErrCompactPending    = errors.New("state: cannot compact pending change")
)

// NotFoundError reports an unknown document, change, cluster or session.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("state: %s %q not found", e.Kind, e.ID)
}

// Is makes errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func notFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}
