package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/David-Botos/endo-ingress/pkg/model"
	"github.com/David-Botos/endo-ingress/pkg/split"
)

// MemoryStore is an in-process implementation with the same constraint
// semantics as SQLStore
type MemoryStore struct {
	mu          sync.Mutex
	records     map[string]model.ImageRecord
	byHash      map[string]string
	logs        map[string][]model.ProcessingLogEntry
	annotations map[[3]string]model.Annotation
	now         func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[string]model.ImageRecord),
		byHash:      make(map[string]string),
		logs:        make(map[string][]model.ProcessingLogEntry),
		annotations: make(map[[3]string]model.Annotation),
		now:         time.Now,
	}
}

// Insert reserves rec.ContentHash and returns the id of the record holding
// it. A hash held by a rejected record is reclaimed in place: that record is
// reset to pending with the new content and keeps its id and history.
func (s *MemoryStore) Insert(ctx context.Context, rec model.ImageRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if rec.Status == "" {
		rec.Status = model.StatusPending
	}
	if rec.Split == "" {
		rec.Split = model.SplitUnassigned
	}
	rec.Attributes = cloneRaw(rec.Attributes)
	rec.UpdatedAt = now

	if existingID, ok := s.byHash[rec.ContentHash]; ok {
		existing := s.records[existingID]
		if existing.Status != model.StatusRejected {
			return "", &ConflictError{Constraint: ConstraintContentHash, ExistingID: existingID}
		}
		rec.ID = existingID
		rec.CreatedAt = existing.CreatedAt
		s.records[existingID] = rec
		return existingID, nil
	}

	rec.CreatedAt = now
	s.records[rec.ID] = rec
	s.byHash[rec.ContentHash] = rec.ID
	return rec.ID, nil
}

// Save updates the mutable fields of an existing record
func (s *MemoryStore) Save(ctx context.Context, rec model.ImageRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[rec.ID]
	if !ok {
		return ErrNotFound
	}
	existing.StorageKey = rec.StorageKey
	existing.Width = rec.Width
	existing.Height = rec.Height
	existing.Clinical = rec.Clinical
	existing.Attributes = cloneRaw(rec.Attributes)
	existing.Anonymized = rec.Anonymized
	existing.UpdatedAt = s.now().UTC()
	s.records[rec.ID] = existing
	return nil
}

// UpdateStatus sets the validation status of a record
func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status model.ValidationStatus) error {
	return s.update(ctx, id, func(r *model.ImageRecord) { r.Status = status })
}

// UpdateSplit sets the split of a record
func (s *MemoryStore) UpdateSplit(ctx context.Context, id string, sp model.Split) error {
	return s.update(ctx, id, func(r *model.ImageRecord) { r.Split = sp })
}

func (s *MemoryStore) update(ctx context.Context, id string, fn func(*model.ImageRecord)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	fn(&rec)
	rec.UpdatedAt = s.now().UTC()
	s.records[id] = rec
	return nil
}

// AppendLog appends a ledger entry. (ImageID, Seq) is unique.
func (s *MemoryStore) AppendLog(ctx context.Context, entry model.ProcessingLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.logs[entry.ImageID] {
		if e.Seq == entry.Seq {
			return &ConflictError{Constraint: ConstraintLogEntry}
		}
	}
	s.logs[entry.ImageID] = append(s.logs[entry.ImageID], entry)
	return nil
}

// SplitCounts counts assigned, non-rejected records of a category
func (s *MemoryStore) SplitCounts(ctx context.Context, category string) (model.SplitCounts, error) {
	if err := ctx.Err(); err != nil {
		return model.SplitCounts{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var c model.SplitCounts
	for _, r := range s.records {
		if r.Clinical.Category != category || r.Status == model.StatusRejected {
			continue
		}
		switch r.Split {
		case model.SplitTrain:
			c.Train++
		case model.SplitVal:
			c.Val++
		case model.SplitTest:
			c.Test++
		}
	}
	return c, nil
}

// Get returns a record by id
func (s *MemoryStore) Get(ctx context.Context, id string) (model.ImageRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.ImageRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return model.ImageRecord{}, ErrNotFound
	}
	rec.Attributes = cloneRaw(rec.Attributes)
	return rec, nil
}

// Logs returns the ledger of an upload ordered by sequence
func (s *MemoryStore) Logs(ctx context.Context, imageID string) ([]model.ProcessingLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.ProcessingLogEntry, len(s.logs[imageID]))
	copy(out, s.logs[imageID])
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// ListByStatus returns records with the given status ordered by id
func (s *MemoryStore) ListByStatus(ctx context.Context, status model.ValidationStatus) ([]model.ImageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.ImageRecord
	for _, r := range s.records {
		if r.Status == status {
			r.Attributes = cloneRaw(r.Attributes)
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ValidatedMembers lists validated records for split reassignment
func (s *MemoryStore) ValidatedMembers(ctx context.Context) ([]split.Member, error) {
	recs, err := s.ListByStatus(ctx, model.StatusValidated)
	if err != nil {
		return nil, err
	}
	out := make([]split.Member, len(recs))
	for i, r := range recs {
		out[i] = split.Member{ID: r.ID, Category: r.Clinical.Category}
	}
	return out, nil
}

// ApplySplits updates all splits atomically
func (s *MemoryStore) ApplySplits(ctx context.Context, splits map[string]model.Split) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range splits {
		if _, ok := s.records[id]; !ok {
			return ErrNotFound
		}
	}
	now := s.now().UTC()
	for id, sp := range splits {
		rec := s.records[id]
		rec.Split = sp
		rec.UpdatedAt = now
		s.records[id] = rec
	}
	return nil
}

// InsertAnnotation stores an annotation. (ImageID, AnnotatorID, LesionID) is unique.
func (s *MemoryStore) InsertAnnotation(ctx context.Context, ann model.Annotation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[ann.ImageID]; !ok {
		return ErrNotFound
	}
	key := [3]string{ann.ImageID, ann.AnnotatorID, ann.LesionID}
	if existing, ok := s.annotations[key]; ok {
		return &ConflictError{Constraint: ConstraintAnnotation, ExistingID: existing.ID}
	}
	if ann.CreatedAt.IsZero() {
		ann.CreatedAt = s.now().UTC()
	}
	s.annotations[key] = ann
	return nil
}

// Annotations returns the annotations of an image ordered by creation
func (s *MemoryStore) Annotations(ctx context.Context, imageID string) ([]model.Annotation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Annotation
	for _, a := range s.annotations {
		if a.ImageID == imageID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	cp := make(json.RawMessage, len(raw))
	copy(cp, raw)
	return cp
}
