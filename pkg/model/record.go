// pkg/model/record.go
package model

import (
	"encoding/json"
	"time"
)

// ValidationStatus is the lifecycle state of an ImageRecord
type ValidationStatus string

const (
	StatusPending     ValidationStatus = "pending"
	StatusValidated   ValidationStatus = "validated"
	StatusRejected    ValidationStatus = "rejected"
	StatusNeedsReview ValidationStatus = "needs_review"
)

// Split is the dataset partition a record belongs to
type Split string

const (
	SplitTrain      Split = "train"
	SplitVal        Split = "val"
	SplitTest       Split = "test"
	SplitUnassigned Split = "unassigned"
)

// Valid reports whether s is one of the known partitions
func (s Split) Valid() bool {
	switch s {
	case SplitTrain, SplitVal, SplitTest, SplitUnassigned:
		return true
	}
	return false
}

// BoundingBox locates a finding inside the image, in pixels
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ClinicalMetadata holds the declared clinical fields required for every upload
type ClinicalMetadata struct {
	Category        string            `json:"category"`
	Sex             string            `json:"sex"`
	AgeRange        string            `json:"ageRange"`
	Location        string            `json:"location"`
	BoundingBox     BoundingBox       `json:"bbox"`
	Confidence      float64           `json:"confidence"`
	Classifications map[string]string `json:"classifications,omitempty"`
}

// ImageRecord is a dataset entry produced by the ingestion pipeline.
// ContentHash is unique across all records.
type ImageRecord struct {
	ID          string           `json:"id"`
	ContentHash string           `json:"contentHash"`
	StorageKey  string           `json:"storageKey,omitempty"`
	Width       int              `json:"width"`
	Height      int              `json:"height"`
	Clinical    ClinicalMetadata `json:"clinical"`
	Attributes  json.RawMessage  `json:"attributes,omitempty"`
	Anonymized  bool             `json:"anonymized"`
	Status      ValidationStatus `json:"status"`
	Split       Split            `json:"split"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// SplitCounts holds the number of records per partition within one category
type SplitCounts struct {
	Train int
	Val   int
	Test  int
}

// Total returns the number of assigned records
func (c SplitCounts) Total() int {
	return c.Train + c.Val + c.Test
}

// Annotation is a lesion marked on an image by one annotator
type Annotation struct {
	ID          string      `json:"id"`
	ImageID     string      `json:"imageId"`
	AnnotatorID string      `json:"annotatorId"`
	LesionID    string      `json:"lesionId"`
	Category    string      `json:"category"`
	BoundingBox BoundingBox `json:"bbox"`
	Confidence  float64     `json:"confidence"`
	CreatedAt   time.Time   `json:"createdAt"`
}
