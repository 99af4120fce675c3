// pkg/model/cleaning.go
package model

import "fmt"

// CleaningOperation represents a single normalization applied to declared metadata
type CleaningOperation struct {
	Field             string // Metadata key that was cleaned
	OriginalValue     string // Value before cleaning
	NewValue          string // Value after cleaning
	CleaningOperation string // Type of cleaning performed (e.g., "trim_whitespace")
	CleaningReason    string // Reason for cleaning (e.g., "surrounding_whitespace")
}

// String returns a human readable description used as a pipeline warning
func (op CleaningOperation) String() string {
	return fmt.Sprintf("Normalized %s: %q -> %q (%s)",
		op.Field, op.OriginalValue, op.NewValue, op.CleaningOperation)
}
