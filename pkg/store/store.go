// Package store persists image records, the per-upload processing ledger
// and annotations.
package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrConflict matches every *ConflictError via errors.Is
	ErrConflict = errors.New("unique constraint conflict")
)

// Constraint names reported by ConflictError
const (
	ConstraintContentHash = "content_hash"
	ConstraintAnnotation  = "annotation"
	ConstraintLogEntry    = "processing_log"
)

// ConflictError reports a uniqueness violation. ExistingID identifies the
// row that holds the constraint when it is known.
type ConflictError struct {
	Constraint string
	ExistingID string
	Err        error
}

func (e *ConflictError) Error() string {
	if e.ExistingID != "" {
		return fmt.Sprintf("conflict on %s: held by %s", e.Constraint, e.ExistingID)
	}
	return fmt.Sprintf("conflict on %s", e.Constraint)
}

// Is lets errors.Is(err, ErrConflict) match
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}
