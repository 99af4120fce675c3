// Package dataset turns accepted image records into training manifests,
// exports them to a warehouse and verifies stored content.
package dataset

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/David-Botos/endo-ingress/pkg/model"
)

// CategoryNormal is the category of images without findings
const CategoryNormal = "normal"

// BasePrompt is the instruction paired with every image
const BasePrompt = "Analyze this endoscopic image and provide a detailed clinical assessment."

// AlternativePrompts are used to augment entries with findings
var AlternativePrompts = []string{
	"Analyze this endoscopic image and describe any pathological findings.",
	"What abnormalities can you identify in this endoscopy image? Provide clinical assessment.",
	"Examine this endoscopic image for lesions. Include classification and recommendations.",
	"Perform a detailed analysis of this endoscopy image, noting any concerning features.",
}

// Turn is one message of a training conversation
type Turn struct {
	From  string `json:"from"`
	Value string `json:"value"`
}

// EntryMetadata describes the image behind an entry
type EntryMetadata struct {
	ImageID         string            `json:"image_id"`
	ContentHash     string            `json:"content_hash"`
	Category        string            `json:"category"`
	Sex             string            `json:"sex"`
	AgeRange        string            `json:"age_range"`
	Location        string            `json:"location"`
	BoundingBox     model.BoundingBox `json:"bbox"`
	Confidence      float64           `json:"confidence"`
	Classifications map[string]string `json:"classifications,omitempty"`
	Split           model.Split       `json:"split"`
	HasAnnotations  bool              `json:"has_annotations"`
	AnnotationCount int               `json:"annotation_count"`
}

// Entry is one training example
type Entry struct {
	ImagePath     string        `json:"image_path"`
	Conversations []Turn        `json:"conversations"`
	Metadata      EntryMetadata `json:"metadata"`
}

// Prompt returns the human turn
func (e Entry) Prompt() string {
	if len(e.Conversations) == 0 {
		return ""
	}
	return e.Conversations[0].Value
}

// withPrompt returns a copy of e with the human turn replaced
func (e Entry) withPrompt(prompt string) Entry {
	turns := make([]Turn, len(e.Conversations))
	copy(turns, e.Conversations)
	if len(turns) > 0 {
		turns[0].Value = prompt
	}
	e.Conversations = turns
	return e
}

// Source lists accepted records and their annotations
type Source interface {
	ListByStatus(ctx context.Context, status model.ValidationStatus) ([]model.ImageRecord, error)
	Annotations(ctx context.Context, imageID string) ([]model.Annotation, error)
}

// Builder creates entries from the metadata store
type Builder struct {
	src       Source
	imageRoot string
	logger    *zap.Logger
}

// NewBuilder creates a Builder. imageRoot prefixes storage keys in
// image_path, e.g. a bucket URL or a local directory.
func NewBuilder(src Source, imageRoot string, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{src: src, imageRoot: imageRoot, logger: logger.Named("dataset")}
}

// Build returns one entry per validated record, ordered by image id
func (b *Builder) Build(ctx context.Context) ([]Entry, error) {
	records, err := b.src.ListByStatus(ctx, model.StatusValidated)
	if err != nil {
		return nil, fmt.Errorf("failed to list validated records: %w", err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		anns, err := b.src.Annotations(ctx, rec.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load annotations of %s: %w", rec.ID, err)
		}
		entries = append(entries, b.entryFor(rec, anns))
	}

	b.logger.Info("Built dataset entries", zap.Int("entries", len(entries)))
	return entries, nil
}

func (b *Builder) entryFor(rec model.ImageRecord, anns []model.Annotation) Entry {
	return Entry{
		ImagePath: b.imagePath(rec.StorageKey),
		Conversations: []Turn{
			{From: "human", Value: BasePrompt},
			{From: "gpt", Value: Describe(rec, anns)},
		},
		Metadata: EntryMetadata{
			ImageID:         rec.ID,
			ContentHash:     rec.ContentHash,
			Category:        rec.Clinical.Category,
			Sex:             rec.Clinical.Sex,
			AgeRange:        rec.Clinical.AgeRange,
			Location:        rec.Clinical.Location,
			BoundingBox:     rec.Clinical.BoundingBox,
			Confidence:      rec.Clinical.Confidence,
			Classifications: rec.Clinical.Classifications,
			Split:           rec.Split,
			HasAnnotations:  len(anns) > 0,
			AnnotationCount: len(anns),
		},
	}
}

func (b *Builder) imagePath(key string) string {
	if b.imageRoot == "" {
		return key
	}
	return strings.TrimSuffix(b.imageRoot, "/") + "/" + key
}

// Describe renders the assessment used as the model response
func Describe(rec model.ImageRecord, anns []model.Annotation) string {
	c := rec.Clinical
	var sb strings.Builder

	if strings.EqualFold(c.Category, CategoryNormal) {
		sb.WriteString("No pathological findings identified.")
		if c.Location != "" {
			sb.WriteString(fmt.Sprintf(" Normal mucosa in the %s.", c.Location))
		}
	} else {
		sb.WriteString(fmt.Sprintf("Finding: %s", c.Category))
		if c.Location != "" {
			sb.WriteString(" in the " + c.Location)
		}
		sb.WriteString(".")
		bb := c.BoundingBox
		sb.WriteString(fmt.Sprintf(" Region: x=%.0f, y=%.0f, width=%.0f, height=%.0f.",
			bb.X, bb.Y, bb.Width, bb.Height))
	}

	if len(c.Classifications) > 0 {
		keys := make([]string, 0, len(c.Classifications))
		for k := range c.Classifications {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + " " + c.Classifications[k]
		}
		sb.WriteString(" Classification: " + strings.Join(parts, ", ") + ".")
	}

	sb.WriteString(fmt.Sprintf(" Confidence: %.2f.", c.Confidence))

	if c.Sex != "" || c.AgeRange != "" {
		sb.WriteString(fmt.Sprintf(" Patient: %s, age %s.", orUnknown(c.Sex), orUnknown(c.AgeRange)))
	}

	if n := distinctAnnotators(anns); n > 0 {
		sb.WriteString(fmt.Sprintf(" Reviewed by %d annotator(s) marking %d lesion(s).", n, len(anns)))
	}

	return sb.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func distinctAnnotators(anns []model.Annotation) int {
	seen := make(map[string]bool, len(anns))
	for _, a := range anns {
		seen[a.AnnotatorID] = true
	}
	return len(seen)
}
