package pipeline

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/David-Botos/endo-ingress/pkg/model"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name     string
		from     State
		event    EventKind
		want     State
		step     string
		status   model.StepStatus
		wantFail bool
	}{
		{"validation passes", StateStarted, EventCompleted, StateValidated, StepValidation, model.StepCompleted, false},
		{"validation fails", StateStarted, EventFailed, StateFailed, StepValidation, model.StepFailed, false},
		{"compliance passes", StateValidated, EventCompleted, StateComplianceChecked, StepCompliance, model.StepCompleted, false},
		{"anonymized", StateComplianceChecked, EventCompleted, StateAnonymized, StepAnonymization, model.StepCompleted, false},
		{"normalized", StateAnonymized, EventCompleted, StateNormalized, StepNormalization, model.StepCompleted, false},
		{"reserve intent keeps state", StateNormalized, EventStarted, StateNormalized, StepDeduplication, model.StepStarted, false},
		{"reserved", StateNormalized, EventCompleted, StateDedupChecked, StepDeduplication, model.StepCompleted, false},
		{"duplicate", StateDedupChecked, EventDuplicate, StateDuplicateRejected, StepDuplicate, model.StepFailed, false},
		{"stored", StateDedupChecked, EventCompleted, StateStored, StepStorage, model.StepCompleted, false},
		{"storage fails", StateDedupChecked, EventFailed, StateFailed, StepStorage, model.StepFailed, false},
		{"metadata saved", StateStored, EventCompleted, StateMetadataSaved, StepMetadata, model.StepCompleted, false},
		{"split skipped", StateMetadataSaved, EventSkipped, StateSplitAssigned, StepSplit, model.StepSkipped, false},
		{"split assigned", StateMetadataSaved, EventCompleted, StateSplitAssigned, StepSplit, model.StepCompleted, false},
		{"completed", StateSplitAssigned, EventCompleted, StateCompleted, StepCompletion, model.StepCompleted, false},

		{"duplicate before dedup", StateNormalized, EventDuplicate, StateNormalized, "", "", true},
		{"skip mandatory stage", StateStarted, EventSkipped, StateStarted, "", "", true},
		{"from completed", StateCompleted, EventCompleted, StateCompleted, "", "", true},
		{"from failed", StateFailed, EventFailed, StateFailed, "", "", true},
		{"from duplicate", StateDuplicateRejected, EventStarted, StateDuplicateRejected, "", "", true},
		{"unknown state", State("bogus"), EventCompleted, State("bogus"), "", "", true},
		{"unknown event", StateStarted, EventKind(42), StateStarted, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, entry, err := Transition(tt.from, Event{Kind: tt.event, Message: "m", Details: `{"a":1}`})
			assert.Equal(t, tt.want, next)
			if tt.wantFail {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.step, entry.Step)
			assert.Equal(t, tt.status, entry.Status)
			assert.Equal(t, "m", entry.Message)
			assert.Equal(t, `{"a":1}`, entry.Details)
			assert.Empty(t, entry.ImageID)
		})
	}
}

func TestEveryNonTerminalStateCanFail(t *testing.T) {
	for from := range stages {
		next, entry, err := Transition(from, Event{Kind: EventFailed})
		require.NoError(t, err, from)
		assert.Equal(t, StateFailed, next)
		assert.Equal(t, model.StepFailed, entry.Status)
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		kind   ErrorKind
		name   string
		status int
	}{
		{KindNone, "None", http.StatusCreated},
		{KindValidation, "Validation", http.StatusBadRequest},
		{KindCompliance, "Compliance", http.StatusBadRequest},
		{KindDuplicate, "Duplicate", http.StatusConflict},
		{KindStorage, "Storage", http.StatusInternalServerError},
		{KindPersistence, "Persistence", http.StatusInternalServerError},
		{KindInternal, "Internal", http.StatusInternalServerError},
		{ErrorKind(99), "Unknown(99)", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.name, tt.kind.String())
		assert.Equal(t, tt.status, tt.kind.HTTPStatus())
	}
}

func TestStageErrorWrapsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := error(newStageError(KindStorage, StepStorage, cause, "Failed to store image"))

	assert.ErrorIs(t, err, cause)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindStorage, se.Kind)
	assert.Equal(t, "[Storage] storage: Failed to store image (connection reset)", err.Error())
}
