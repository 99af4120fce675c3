// Package pipeline drives one upload through validation, compliance,
// anonymization, normalization, deduplication, storage and split assignment,
// recording every stage outcome in the processing ledger.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/David-Botos/endo-ingress/pkg/anonymizer"
	"github.com/David-Botos/endo-ingress/pkg/cleaner"
	"github.com/David-Botos/endo-ingress/pkg/compliance"
	"github.com/David-Botos/endo-ingress/pkg/config"
	"github.com/David-Botos/endo-ingress/pkg/dedup"
	"github.com/David-Botos/endo-ingress/pkg/imagemeta"
	"github.com/David-Botos/endo-ingress/pkg/model"
	"github.com/David-Botos/endo-ingress/pkg/normalizer"
	"github.com/David-Botos/endo-ingress/pkg/split"
	"github.com/David-Botos/endo-ingress/pkg/storage"
	"github.com/David-Botos/endo-ingress/pkg/tree"
	"github.com/David-Botos/endo-ingress/pkg/validator"
)

// bookkeepingTimeout bounds failure bookkeeping after the caller's context is gone
const bookkeepingTimeout = 10 * time.Second

// MetadataStore persists image records and the processing ledger.
// Insert returns the id of the record holding the content hash and must
// report a collision as *store.ConflictError.
type MetadataStore interface {
	Insert(ctx context.Context, rec model.ImageRecord) (string, error)
	Save(ctx context.Context, rec model.ImageRecord) error
	UpdateStatus(ctx context.Context, id string, status model.ValidationStatus) error
	UpdateSplit(ctx context.Context, id string, sp model.Split) error
	AppendLog(ctx context.Context, entry model.ProcessingLogEntry) error
	SplitCounts(ctx context.Context, category string) (model.SplitCounts, error)
}

// Config holds the pipeline settings
type Config struct {
	TargetWidth  int
	TargetHeight int
	JPEGQuality  int
	Level        anonymizer.Level
	Ratios       split.Ratios
	Seed         int64
	AutoSplit    bool
}

// DefaultConfig returns the canonical 896x896 moderate-level configuration
func DefaultConfig() Config {
	return Config{
		TargetWidth:  validator.DefaultTargetWidth,
		TargetHeight: validator.DefaultTargetHeight,
		JPEGQuality:  normalizer.DefaultJPEGQuality,
		Level:        anonymizer.LevelModerate,
		Ratios:       split.DefaultRatios(),
		Seed:         42,
		AutoSplit:    true,
	}
}

// FromConfig converts the application pipeline section
func FromConfig(pc config.PipelineConfig) Config {
	return Config{
		TargetWidth:  pc.TargetWidth,
		TargetHeight: pc.TargetHeight,
		JPEGQuality:  pc.JPEGQuality,
		Level:        pc.AnonymizationLevel,
		Ratios:       pc.SplitRatios,
		Seed:         pc.SplitSeed,
		AutoSplit:    pc.AutoSplit,
	}
}

// Upload is one image submitted for ingestion. Metadata is the declared
// clinical metadata as JSON.
type Upload struct {
	Image    []byte
	Filename string
	Metadata []byte
}

// Result is the outcome of one ingestion. UploadID keys the ledger of this
// attempt; ImageID is the record the upload ended up in, which is an
// earlier rejected record when its content hash was reclaimed.
type Result struct {
	Success     bool        `json:"success"`
	ImageID     string      `json:"imageId,omitempty"`
	UploadID    string      `json:"uploadId,omitempty"`
	ExistingID  string      `json:"existingId,omitempty"`
	Errors      []string    `json:"errors,omitempty"`
	Warnings    []string    `json:"warnings,omitempty"`
	Kind        ErrorKind   `json:"-"`
	State       State       `json:"state"`
	Split       model.Split `json:"split,omitempty"`
	ContentHash string      `json:"contentHash,omitempty"`
	StorageKey  string      `json:"storageKey,omitempty"`
	Err         error       `json:"-"`
}

// HTTPStatus maps the result onto 201, 400, 409 or 500
func (r Result) HTTPStatus() int {
	return r.Kind.HTTPStatus()
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithClock overrides the time source used for ledger timestamps
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithIDGenerator overrides the generator of upload ids
func WithIDGenerator(gen func() string) Option {
	return func(p *Pipeline) { p.newID = gen }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline is the ingestion orchestrator. It is safe for concurrent use and
// holds no locks; concurrent uploads are arbitrated by the metadata store.
type Pipeline struct {
	cfg        Config
	store      MetadataStore
	objects    storage.Storage
	cleaner    *cleaner.DataCleaner
	validator  *validator.Validator
	scanner    *compliance.Scanner
	anonymizer *anonymizer.Anonymizer
	normalizer *normalizer.Normalizer
	dedup      *dedup.Deduplicator
	assigner   *split.Assigner
	metrics    *Metrics
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
}

// New creates a Pipeline over the given collaborators
func New(cfg Config, meta MetadataStore, objects storage.Storage, logger *zap.Logger, opts ...Option) (*Pipeline, error) {
	if meta == nil {
		return nil, errors.New("metadata store is required")
	}
	if objects == nil {
		return nil, errors.New("object storage is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Level == "" {
		cfg.Level = anonymizer.LevelModerate
	}

	assigner, err := split.NewAssigner(cfg.Ratios, cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("failed to create split assigner: %w", err)
	}

	p := &Pipeline{
		cfg:        cfg,
		store:      meta,
		objects:    objects,
		cleaner:    cleaner.NewDataCleaner(logger.Named("cleaner")),
		validator:  validator.New(cfg.TargetWidth, cfg.TargetHeight, logger.Named("validator")),
		scanner:    compliance.NewScanner(logger.Named("compliance")),
		anonymizer: anonymizer.New(logger.Named("anonymizer"), anonymizer.WithJPEGQuality(cfg.JPEGQuality)),
		normalizer: normalizer.New(cfg.TargetWidth, cfg.TargetHeight, cfg.JPEGQuality, logger.Named("normalizer")),
		dedup:      dedup.New(meta, logger.Named("dedup")),
		assigner:   assigner,
		logger:     logger.Named("pipeline"),
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics, _ = NewMetrics(nil, logger)
	}
	return p, nil
}

// Metrics returns the pipeline metrics
func (p *Pipeline) Metrics() *Metrics {
	return p.metrics
}

// Assigner returns the split assigner used for new records
func (p *Pipeline) Assigner() *split.Assigner {
	return p.assigner
}

// Ingest runs one upload to a terminal state. It never panics; every
// failure is reported through the Result.
func (p *Pipeline) Ingest(ctx context.Context, up Upload) Result {
	start := time.Now()
	r := &run{
		p:      p,
		ctx:    ctx,
		id:     p.newID(),
		state:  StateStarted,
		logger: p.logger,
	}
	r.logger = p.logger.With(zap.String("image_id", r.id))
	r.res.ImageID = r.id
	r.res.UploadID = r.id

	r.execute(up)
	r.res.State = r.state

	p.metrics.RecordIngest(r.res, len(up.Image), time.Since(start))
	return r.res
}

// run is the mutable state of one ingestion
type run struct {
	p          *Pipeline
	ctx        context.Context
	id         string
	recordID   string
	seq        int
	state      State
	stageStart time.Time
	reserved   bool
	res        Result
	logger     *zap.Logger

	declared   tree.Node
	validation validator.Result
	anonymized anonymizer.Result
	canonical  normalizer.Canonical
	record     model.ImageRecord
}

func (r *run) execute(up Upload) {
	stages := []struct {
		step string
		fn   func() error
	}{
		{StepValidation, func() error { return r.validate(up) }},
		{StepCompliance, func() error { return r.checkCompliance(up) }},
		{StepAnonymization, func() error { return r.anonymize(up) }},
		{StepNormalization, r.normalize},
		{StepDeduplication, r.reserve},
		{StepStorage, r.store},
		{StepMetadata, r.saveMetadata},
		{StepSplit, r.assignSplit},
		{StepCompletion, r.complete},
	}

	for _, s := range stages {
		if err := r.exec(s.step, s.fn); err != nil {
			r.fail(s.step, err)
			return
		}
		if r.state == StateDuplicateRejected {
			return
		}
	}

	r.res.Success = true
	r.logger.Info("Image ingested",
		zap.String("content_hash", r.record.ContentHash),
		zap.String("split", string(r.res.Split)),
		zap.Int("warnings", len(r.res.Warnings)))
}

// exec runs one stage, converting panics and cancellation into stage errors
func (r *run) exec(step string, fn func() error) (err error) {
	r.stageStart = r.p.now()
	timer := time.Now()
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("Recovered from panic in pipeline stage",
				zap.String("stage", step),
				zap.Any("panic", v),
				zap.Stack("stack"))
			err = newStageError(KindInternal, step, &PanicError{Stage: step, Value: v}, internalMessage)
		}
		r.p.metrics.ObserveStage(step, time.Since(timer))
	}()

	if cerr := r.ctx.Err(); cerr != nil {
		return newStageError(KindInternal, step, cerr, "processing cancelled")
	}
	return fn()
}

// append computes the transition for ev and writes its ledger entry. The
// state only advances once the entry is durable.
func (r *run) append(ctx context.Context, ev Event) error {
	next, entry, err := Transition(r.state, ev)
	if err != nil {
		return newStageError(KindInternal, string(r.state), err, internalMessage)
	}

	r.seq++
	entry.ImageID = r.id
	entry.Seq = r.seq
	entry.StartedAt = r.stageStart
	if ev.Kind != EventStarted {
		done := r.p.now()
		entry.CompletedAt = &done
	}

	if err := r.p.store.AppendLog(ctx, entry); err != nil {
		return &StageError{
			Kind:     KindPersistence,
			Stage:    entry.Step,
			Messages: []string{"Failed to write processing log"},
			Err:      err,
		}
	}
	r.state = next
	return nil
}

func (r *run) started(message string) error {
	return r.append(r.ctx, Event{Kind: EventStarted, Message: message})
}

func (r *run) completed(message string, details interface{}) error {
	return r.append(r.ctx, Event{Kind: EventCompleted, Message: message, Details: detailsJSON(details)})
}

func (r *run) warn(messages ...string) {
	r.res.Warnings = append(r.res.Warnings, messages...)
}

// fail records the halting error. Bookkeeping runs on a detached context so
// a cancelled caller still leaves a consistent ledger and record.
func (r *run) fail(step string, err error) {
	var se *StageError
	if !errors.As(err, &se) {
		se = newStageError(KindInternal, step, err, internalMessage)
	}
	r.res.Kind = se.Kind
	r.res.Errors = append(r.res.Errors, se.Messages...)
	r.res.Err = se

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), bookkeepingTimeout)
	defer cancel()

	if !r.state.Terminal() {
		ev := Event{
			Kind:    EventFailed,
			Message: strings.Join(se.Messages, "; "),
			Details: se.details,
		}
		if ev.Details == "" {
			ev.Details = detailsJSON(map[string]interface{}{"kind": se.Kind.String()})
		}
		if aerr := r.append(ctx, ev); aerr != nil {
			r.logger.Error("Failed to record stage failure",
				zap.String("stage", step),
				zap.Error(aerr))
		}
		r.state = StateFailed
	}

	if r.reserved {
		if uerr := r.p.store.UpdateStatus(ctx, r.recordID, model.StatusRejected); uerr != nil {
			r.logger.Error("Failed to mark record rejected", zap.Error(uerr))
		}
	}

	fields := []zap.Field{
		zap.String("stage", step),
		zap.String("kind", se.Kind.String()),
		zap.Strings("errors", se.Messages),
	}
	if se.Err != nil {
		fields = append(fields, zap.Error(se.Err))
	}
	if se.Kind == KindValidation || se.Kind == KindCompliance {
		r.logger.Info("Image rejected", fields...)
	} else {
		r.logger.Error("Image ingestion failed", fields...)
	}
}

func (r *run) validate(up Upload) error {
	declared := tree.Null()
	if len(bytes.TrimSpace(up.Metadata)) > 0 {
		n, err := tree.Parse(up.Metadata)
		if err != nil {
			return newStageError(KindValidation, StepValidation, err,
				fmt.Sprintf("Metadata is not valid JSON: %v", err))
		}
		declared = n
	}

	cleaned, ops := r.p.cleaner.CleanMetadata(declared)
	for _, op := range ops {
		r.warn(op.String())
	}

	v := r.p.validator.Validate(up.Image, cleaned)
	r.warn(v.Warnings...)
	if !v.Valid {
		se := &StageError{Kind: KindValidation, Stage: StepValidation, Messages: v.Errors}
		se.details = detailsJSON(map[string]interface{}{
			"errors":   len(v.Errors),
			"format":   v.Format,
			"width":    v.Width,
			"height":   v.Height,
			"channels": v.Channels,
		})
		return se
	}

	r.declared = cleaned
	r.validation = v
	return r.completed(
		fmt.Sprintf("Validated %s image %dx%d", v.Format, v.Width, v.Height),
		map[string]interface{}{
			"format":   v.Format,
			"width":    v.Width,
			"height":   v.Height,
			"category": v.Metadata.Category,
			"warnings": len(v.Warnings),
			"cleaned":  len(ops),
		})
}

func (r *run) checkCompliance(up Upload) error {
	report := r.p.scanner.Scan(imagemeta.ExtractTags(up.Image), r.declared)

	for _, f := range report.BySeverity(compliance.SeverityWarning) {
		r.warn(fmt.Sprintf("Compliance warning on %s: %s", f.Field, f.Detail))
	}

	if !report.Compliant() {
		var messages []string
		for _, f := range report.BySeverity(compliance.SeverityFail) {
			messages = append(messages, fmt.Sprintf("PHI detected in %s: %s (%s)", f.Field, f.Detail, f.Basis))
		}
		se := &StageError{Kind: KindCompliance, Stage: StepCompliance, Messages: messages}
		se.details = report.SummaryJSON()
		return se
	}

	summary := report.Summary()
	return r.append(r.ctx, Event{
		Kind:    EventCompleted,
		Message: fmt.Sprintf("Compliance check passed with %d warnings", summary.Warnings),
		Details: report.SummaryJSON(),
	})
}

func (r *run) anonymize(up Upload) error {
	res := r.p.anonymizer.Anonymize(anonymizer.Input{
		Image:    up.Image,
		Data:     r.declared,
		Filename: up.Filename,
	}, r.p.cfg.Level)
	if res.Image == nil {
		return newStageError(KindInternal, StepAnonymization,
			errors.New("anonymized image is empty"), internalMessage)
	}
	r.anonymized = res

	masked, removed := res.Counts()
	return r.completed(
		fmt.Sprintf("Anonymized at %s level with %d operations", r.p.cfg.Level, len(res.Operations)),
		map[string]interface{}{
			"level":      string(r.p.cfg.Level),
			"operations": len(res.Operations),
			"masked":     masked,
			"removed":    removed,
			"filename":   res.Filename,
		})
}

func (r *run) normalize() error {
	c, err := r.p.normalizer.Normalize(r.anonymized.Image)
	if err != nil {
		return newStageError(KindInternal, StepNormalization, err, internalMessage)
	}
	r.canonical = c
	return r.completed(
		fmt.Sprintf("Normalized to %dx%d", c.Width, c.Height),
		map[string]interface{}{
			"width":       c.Width,
			"height":      c.Height,
			"contentType": c.ContentType,
			"bytes":       len(c.Bytes),
		})
}

func (r *run) reserve() error {
	dgst := dedup.Hash(r.canonical.Bytes)
	r.res.ContentHash = dgst.String()

	var attrs json.RawMessage
	if r.anonymized.Data.Kind() != tree.KindNull {
		b, err := r.anonymized.Data.MarshalJSON()
		if err != nil {
			return newStageError(KindInternal, StepDeduplication, err, internalMessage)
		}
		attrs = b
	}

	now := r.p.now()
	rec := model.ImageRecord{
		ID:          r.id,
		ContentHash: dgst.String(),
		Width:       r.canonical.Width,
		Height:      r.canonical.Height,
		Clinical:    r.validation.Metadata,
		Attributes:  attrs,
		Anonymized:  true,
		Status:      model.StatusPending,
		Split:       model.SplitUnassigned,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := r.started("Reserving content hash " + dgst.String()); err != nil {
		return err
	}

	out, err := r.p.dedup.CheckAndReserve(r.ctx, rec)
	if err != nil {
		return newStageError(KindPersistence, StepDeduplication, err, "Failed to reserve content hash")
	}

	if out.Accepted {
		r.reserved = true
		r.recordID = out.RecordID
		rec.ID = out.RecordID
		r.record = rec
		r.res.ImageID = out.RecordID
		details := map[string]interface{}{"digest": dgst.String()}
		if out.RecordID != r.id {
			r.logger = r.logger.With(zap.String("record_id", out.RecordID))
			details["reclaimedId"] = out.RecordID
			return r.completed("Content hash reclaimed from rejected image "+out.RecordID, details)
		}
		return r.completed("Content hash reserved", details)
	}

	details := map[string]interface{}{"digest": dgst.String(), "existingId": out.ExistingID}
	if err := r.completed("Content hash already held", details); err != nil {
		return err
	}
	if err := r.append(r.ctx, Event{
		Kind:    EventDuplicate,
		Message: "Duplicate of image " + out.ExistingID,
		Details: detailsJSON(details),
	}); err != nil {
		return err
	}

	r.res.Kind = KindDuplicate
	r.res.ExistingID = out.ExistingID
	r.res.Errors = append(r.res.Errors, "Duplicate image: identical content already exists as "+out.ExistingID)
	r.logger.Info("Duplicate image rejected", zap.String("existing_id", out.ExistingID))
	return nil
}

func (r *run) store() error {
	key := storage.KeyFor(dedup.Hash(r.canonical.Bytes).Encoded(), ".jpg")
	if err := r.started("Storing canonical image at " + key); err != nil {
		return err
	}
	if err := r.p.objects.Put(r.ctx, key, r.canonical.Bytes, r.canonical.ContentType); err != nil {
		return newStageError(KindStorage, StepStorage, err, "Failed to store image")
	}
	r.record.StorageKey = key
	r.res.StorageKey = key
	return r.completed("Stored canonical image", map[string]interface{}{
		"key":   key,
		"bytes": len(r.canonical.Bytes),
	})
}

func (r *run) saveMetadata() error {
	if err := r.started("Saving image metadata"); err != nil {
		return err
	}
	r.record.UpdatedAt = r.p.now()
	if err := r.p.store.Save(r.ctx, r.record); err != nil {
		return newStageError(KindPersistence, StepMetadata, err, "Failed to save image metadata")
	}
	return r.completed("Saved image metadata", map[string]interface{}{
		"category": r.record.Clinical.Category,
	})
}

func (r *run) assignSplit() error {
	if !r.p.cfg.AutoSplit {
		r.res.Split = model.SplitUnassigned
		return r.append(r.ctx, Event{Kind: EventSkipped, Message: "Automatic split assignment disabled"})
	}

	category := r.record.Clinical.Category
	if err := r.started("Assigning split for category " + category); err != nil {
		return err
	}
	counts, err := r.p.store.SplitCounts(r.ctx, category)
	if err != nil {
		return newStageError(KindPersistence, StepSplit, err, "Failed to read split counts")
	}
	sp := r.p.assigner.Assign(counts)
	if err := r.p.store.UpdateSplit(r.ctx, r.recordID, sp); err != nil {
		return newStageError(KindPersistence, StepSplit, err, "Failed to assign split")
	}
	r.record.Split = sp
	r.res.Split = sp
	return r.completed(fmt.Sprintf("Assigned to %s split", sp), map[string]interface{}{
		"split":    string(sp),
		"category": category,
		"train":    counts.Train,
		"val":      counts.Val,
		"test":     counts.Test,
	})
}

func (r *run) complete() error {
	if err := r.started("Marking image validated"); err != nil {
		return err
	}
	if err := r.p.store.UpdateStatus(r.ctx, r.recordID, model.StatusValidated); err != nil {
		return newStageError(KindPersistence, StepCompletion, err, "Failed to mark image validated")
	}
	r.record.Status = model.StatusValidated
	return r.completed("Image accepted", nil)
}

// detailsJSON renders v for a ledger entry; nil renders as empty
func detailsJSON(v interface{}) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
