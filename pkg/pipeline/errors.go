// pkg/pipeline/errors.go
package pipeline

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies why an ingestion did not succeed
type ErrorKind int

const (
	// KindNone marks a successful ingestion
	KindNone ErrorKind = iota
	// KindValidation is a user-correctable problem with the image or its metadata
	KindValidation
	// KindCompliance means protected health information was detected
	KindCompliance
	// KindDuplicate means the canonical content is already held by another record
	KindDuplicate
	// KindStorage is a failure writing the canonical bytes
	KindStorage
	// KindPersistence is a failure writing the record or the ledger
	KindPersistence
	// KindInternal covers cancellation and unexpected faults
	KindInternal
)

// String returns a string representation of the error kind
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "None"
	case KindValidation:
		return "Validation"
	case KindCompliance:
		return "Compliance"
	case KindDuplicate:
		return "Duplicate"
	case KindStorage:
		return "Storage"
	case KindPersistence:
		return "Persistence"
	case KindInternal:
		return "Internal"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// HTTPStatus maps the kind onto the status code returned to uploaders
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindNone:
		return http.StatusCreated
	case KindValidation, KindCompliance:
		return http.StatusBadRequest
	case KindDuplicate:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// internalMessage is the only text exposed for unexpected faults
const internalMessage = "internal error while processing image"

// StageError is the hard error that halted an ingestion
type StageError struct {
	Kind     ErrorKind
	Stage    string
	Messages []string
	Err      error

	details string // ledger details for the failed entry
}

// newStageError creates a StageError with a single message
func newStageError(kind ErrorKind, stage string, err error, message string) *StageError {
	return &StageError{Kind: kind, Stage: stage, Messages: []string{message}, Err: err}
}

// Error implements the error interface
func (e *StageError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Kind, e.Stage))
	if len(e.Messages) > 0 {
		sb.WriteString(": ")
		sb.WriteString(strings.Join(e.Messages, "; "))
	}
	if e.Err != nil {
		sb.WriteString(fmt.Sprintf(" (%v)", e.Err))
	}
	return sb.String()
}

// Unwrap returns the underlying cause
func (e *StageError) Unwrap() error {
	return e.Err
}

// PanicError is the cause recorded when a stage panics
type PanicError struct {
	Stage string
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in stage %s: %v", e.Stage, e.Value)
}
