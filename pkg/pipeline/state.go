// pkg/pipeline/state.go
package pipeline

import (
	"fmt"

	"github.com/David-Botos/endo-ingress/pkg/model"
)

// State is the position of one upload in the ingestion lifecycle
type State string

const (
	StateStarted           State = "started"
	StateValidated         State = "validated"
	StateComplianceChecked State = "compliance_checked"
	StateAnonymized        State = "anonymized"
	StateNormalized        State = "normalized"
	StateDedupChecked      State = "dedup_checked"
	StateStored            State = "stored"
	StateMetadataSaved     State = "metadata_saved"
	StateSplitAssigned     State = "split_assigned"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
	StateDuplicateRejected State = "duplicate_rejected"
)

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateDuplicateRejected:
		return true
	}
	return false
}

// Step names recorded in the processing ledger
const (
	StepValidation    = "validation"
	StepCompliance    = "compliance"
	StepAnonymization = "anonymization"
	StepNormalization = "normalization"
	StepDeduplication = "deduplication"
	StepStorage       = "storage"
	StepMetadata      = "metadata"
	StepSplit         = "split_assignment"
	StepCompletion    = "completion"
	StepDuplicate     = "duplicate_rejected"
)

// stage describes the work leaving a non-terminal state
type stage struct {
	step     string
	next     State
	optional bool
}

var stages = map[State]stage{
	StateStarted:           {step: StepValidation, next: StateValidated},
	StateValidated:         {step: StepCompliance, next: StateComplianceChecked},
	StateComplianceChecked: {step: StepAnonymization, next: StateAnonymized},
	StateAnonymized:        {step: StepNormalization, next: StateNormalized},
	StateNormalized:        {step: StepDeduplication, next: StateDedupChecked},
	StateDedupChecked:      {step: StepStorage, next: StateStored},
	StateStored:            {step: StepMetadata, next: StateMetadataSaved},
	StateMetadataSaved:     {step: StepSplit, next: StateSplitAssigned, optional: true},
	StateSplitAssigned:     {step: StepCompletion, next: StateCompleted},
}

// EventKind is the outcome reported by a stage
type EventKind int

const (
	// EventStarted records intent before a side-effecting stage; the state is unchanged
	EventStarted EventKind = iota
	EventCompleted
	EventSkipped
	EventFailed
	// EventDuplicate is only valid once the content hash has been checked
	EventDuplicate
)

// String returns a string representation of the event kind
func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "Started"
	case EventCompleted:
		return "Completed"
	case EventSkipped:
		return "Skipped"
	case EventFailed:
		return "Failed"
	case EventDuplicate:
		return "Duplicate"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// Event is one stage outcome
type Event struct {
	Kind    EventKind
	Message string
	Details string
}

// Transition computes the next state for ev and the ledger entry describing
// it. The entry carries step, status, message and details only; the caller
// stamps the image id, sequence number and times.
func Transition(from State, ev Event) (State, model.ProcessingLogEntry, error) {
	if from.Terminal() {
		return from, model.ProcessingLogEntry{}, fmt.Errorf("no transition from terminal state %s", from)
	}
	st, ok := stages[from]
	if !ok {
		return from, model.ProcessingLogEntry{}, fmt.Errorf("unknown state %q", from)
	}

	entry := model.ProcessingLogEntry{
		Step:    st.step,
		Message: ev.Message,
		Details: ev.Details,
	}

	switch ev.Kind {
	case EventStarted:
		entry.Status = model.StepStarted
		return from, entry, nil
	case EventCompleted:
		entry.Status = model.StepCompleted
		return st.next, entry, nil
	case EventSkipped:
		if !st.optional {
			return from, model.ProcessingLogEntry{}, fmt.Errorf("stage %s cannot be skipped", st.step)
		}
		entry.Status = model.StepSkipped
		return st.next, entry, nil
	case EventFailed:
		entry.Status = model.StepFailed
		return StateFailed, entry, nil
	case EventDuplicate:
		if from != StateDedupChecked {
			return from, model.ProcessingLogEntry{}, fmt.Errorf("duplicate event in state %s", from)
		}
		entry.Step = StepDuplicate
		entry.Status = model.StepFailed
		return StateDuplicateRejected, entry, nil
	default:
		return from, model.ProcessingLogEntry{}, fmt.Errorf("unknown event %s", ev.Kind)
	}
}
