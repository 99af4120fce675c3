// pkg/model/log.go
package model

import "time"

// StepStatus is the outcome recorded for one pipeline step
type StepStatus string

const (
	StepStarted   StepStatus = "started"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// ProcessingLogEntry is one append-only ledger line for an upload.
// Entries of one upload are ordered by Seq.
type ProcessingLogEntry struct {
	ImageID     string     `json:"imageId"`
	Seq         int        `json:"seq"`
	Step        string     `json:"step"`
	Status      StepStatus `json:"status"`
	Message     string     `json:"message"`
	Details     string     `json:"details,omitempty"` // JSON summary
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}
