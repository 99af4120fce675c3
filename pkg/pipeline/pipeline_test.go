package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/David-Botos/endo-ingress/pkg/imagemeta/imagetest"
	"github.com/David-Botos/endo-ingress/pkg/model"
	"github.com/David-Botos/endo-ingress/pkg/storage"
	"github.com/David-Botos/endo-ingress/pkg/store"
)

const validMetadata = `{
	"category": "polyp",
	"sex": "female",
	"ageRange": "50-59",
	"location": "sigmoid colon",
	"bbox": {"x": 100, "y": 120, "width": 200, "height": 180},
	"confidence": 0.92
}`

type fixture struct {
	pipeline *Pipeline
	store    *store.MemoryStore
	objects  *storage.MemoryStorage
}

func newFixture(t *testing.T, meta MetadataStore, objects storage.Storage, mutate ...func(*Config)) *Pipeline {
	t.Helper()
	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	p, err := New(cfg, meta, objects, zaptest.NewLogger(t))
	require.NoError(t, err)
	return p
}

func setup(t *testing.T, mutate ...func(*Config)) fixture {
	t.Helper()
	ms := store.NewMemoryStore()
	objects := storage.NewMemoryStorage()
	return fixture{
		pipeline: newFixture(t, ms, objects, mutate...),
		store:    ms,
		objects:  objects,
	}
}

func canonicalImage(t *testing.T) []byte {
	return imagetest.JPEG(t, imagetest.Gradient(896, 896))
}

func solidImage(t *testing.T, shade uint8) []byte {
	return imagetest.JPEG(t, imagetest.Solid(896, 896, color.RGBA{R: shade, G: 255 - shade, B: 90, A: 255}))
}

func upload(image []byte, metadata string) Upload {
	return Upload{Image: image, Filename: "case.jpg", Metadata: []byte(metadata)}
}

func steps(t *testing.T, ms *store.MemoryStore, id string) []string {
	t.Helper()
	logs, err := ms.Logs(context.Background(), id)
	require.NoError(t, err)
	out := make([]string, len(logs))
	for i, e := range logs {
		assert.Equal(t, i+1, e.Seq)
		out[i] = fmt.Sprintf("%s:%s", e.Step, e.Status)
	}
	return out
}

func TestIngestAcceptsCanonicalImage(t *testing.T) {
	f := setup(t)

	res := f.pipeline.Ingest(context.Background(), upload(canonicalImage(t), validMetadata))

	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, http.StatusCreated, res.HTTPStatus())
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, KindNone, res.Kind)
	assert.Contains(t, []model.Split{model.SplitTrain, model.SplitVal, model.SplitTest}, res.Split)
	assert.Equal(t, storage.KeyFor(res.ContentHash[len("sha256:"):], ".jpg"), res.StorageKey)

	rec, err := f.store.Get(context.Background(), res.ImageID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusValidated, rec.Status)
	assert.Equal(t, res.Split, rec.Split)
	assert.Equal(t, res.StorageKey, rec.StorageKey)
	assert.Equal(t, "polyp", rec.Clinical.Category)
	assert.True(t, rec.Anonymized)
	assert.Equal(t, 896, rec.Width)

	stored, err := f.objects.Get(context.Background(), res.StorageKey)
	require.NoError(t, err)
	assert.NotEmpty(t, stored)
	assert.Equal(t, "image/jpeg", f.objects.ContentType(res.StorageKey))

	assert.Equal(t, []string{
		"validation:completed",
		"compliance:completed",
		"anonymization:completed",
		"normalization:completed",
		"deduplication:started",
		"deduplication:completed",
		"storage:started",
		"storage:completed",
		"metadata:started",
		"metadata:completed",
		"split_assignment:started",
		"split_assignment:completed",
		"completion:started",
		"completion:completed",
	}, steps(t, f.store, res.ImageID))
}

func TestIngestWrongDimensionsYieldsOneEntry(t *testing.T) {
	f := setup(t)
	img := imagetest.JPEG(t, imagetest.Gradient(900, 900))

	res := f.pipeline.Ingest(context.Background(), upload(img, validMetadata))

	assert.False(t, res.Success)
	assert.Equal(t, KindValidation, res.Kind)
	assert.Equal(t, http.StatusBadRequest, res.HTTPStatus())
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, []string{"Invalid dimensions: 900x900. Expected: 896x896"}, res.Errors)
	assert.Equal(t, []string{"validation:failed"}, steps(t, f.store, res.ImageID))

	_, err := f.store.Get(context.Background(), res.ImageID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, f.objects.Len())
}

func TestIngestGrayscaleYieldsOneEntry(t *testing.T) {
	f := setup(t)
	gray := image.NewGray(image.Rect(0, 0, 896, 896))
	for i := range gray.Pix {
		gray.Pix[i] = uint8(i % 251)
	}

	res := f.pipeline.Ingest(context.Background(), upload(imagetest.JPEG(t, gray), validMetadata))

	assert.False(t, res.Success)
	assert.Equal(t, KindValidation, res.Kind)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, []string{"Invalid channel count: 1. Expected: 3 (RGB)"}, res.Errors)
	assert.Equal(t, []string{"validation:failed"}, steps(t, f.store, res.ImageID))

	_, err := f.store.Get(context.Background(), res.ImageID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, f.objects.Len())
}

func TestIngestRejectsConfidenceOutOfRange(t *testing.T) {
	f := setup(t)
	meta := `{"category":"polyp","sex":"male","ageRange":"40-49","location":"cecum",
		"bbox":{"x":1,"y":1,"width":10,"height":10},"confidence":1.5}`

	res := f.pipeline.Ingest(context.Background(), upload(canonicalImage(t), meta))

	assert.Equal(t, KindValidation, res.Kind)
	assert.Equal(t, []string{"Invalid confidence: 1.5. Expected a value between 0 and 1"}, res.Errors)
	assert.Equal(t, []string{"validation:failed"}, steps(t, f.store, res.ImageID))
}

func TestIngestRejectsMalformedMetadata(t *testing.T) {
	f := setup(t)

	res := f.pipeline.Ingest(context.Background(), upload(canonicalImage(t), `{"category":`))

	assert.Equal(t, KindValidation, res.Kind)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "Metadata is not valid JSON")
}

func TestIngestReportsCleaningAsWarnings(t *testing.T) {
	f := setup(t)
	meta := `{"category":" Polyp ","sex":"F","ageRange":"50-59","location":"sigmoid colon",
		"bbox":{"x":100,"y":120,"width":200,"height":180},"confidence":0.5}`

	res := f.pipeline.Ingest(context.Background(), upload(canonicalImage(t), meta))

	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.NotEmpty(t, res.Warnings)

	rec, err := f.store.Get(context.Background(), res.ImageID)
	require.NoError(t, err)
	assert.Equal(t, "polyp", rec.Clinical.Category)
	assert.Equal(t, "female", rec.Clinical.Sex)
}

func TestIngestComplianceFailure(t *testing.T) {
	f := setup(t)
	img := imagetest.WithEXIF(t, canonicalImage(t), imagetest.EXIF{GPSLatitudeRef: "N"})

	res := f.pipeline.Ingest(context.Background(), upload(img, validMetadata))

	assert.Equal(t, KindCompliance, res.Kind)
	assert.Equal(t, http.StatusBadRequest, res.HTTPStatus())
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "PHI detected in GPSLatitudeRef")
	assert.Equal(t, []string{"validation:completed", "compliance:failed"}, steps(t, f.store, res.ImageID))
}

func TestIngestDuplicate(t *testing.T) {
	f := setup(t)
	img := canonicalImage(t)

	first := f.pipeline.Ingest(context.Background(), upload(img, validMetadata))
	require.True(t, first.Success, "errors: %v", first.Errors)

	second := f.pipeline.Ingest(context.Background(), upload(img, validMetadata))
	assert.False(t, second.Success)
	assert.Equal(t, KindDuplicate, second.Kind)
	assert.Equal(t, http.StatusConflict, second.HTTPStatus())
	assert.Equal(t, first.ImageID, second.ExistingID)
	assert.Equal(t, StateDuplicateRejected, second.State)

	ledger := steps(t, f.store, second.ImageID)
	assert.Equal(t, "deduplication:completed", ledger[len(ledger)-2])
	assert.Equal(t, "duplicate_rejected:failed", ledger[len(ledger)-1])

	_, err := f.store.Get(context.Background(), second.ImageID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 1, f.objects.Len())
}

type flakyStorage struct {
	storage.Storage
	failures int32
}

func (f *flakyStorage) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return errors.New("bucket unavailable")
	}
	return f.Storage.Put(ctx, key, data, contentType)
}

func TestIngestStorageFailureIsRetryable(t *testing.T) {
	ms := store.NewMemoryStore()
	objects := &flakyStorage{Storage: storage.NewMemoryStorage(), failures: 1}
	p := newFixture(t, ms, objects)
	img := canonicalImage(t)

	res := p.Ingest(context.Background(), upload(img, validMetadata))
	assert.Equal(t, KindStorage, res.Kind)
	assert.Equal(t, http.StatusInternalServerError, res.HTTPStatus())
	assert.Equal(t, []string{"Failed to store image"}, res.Errors)

	rec, err := ms.Get(context.Background(), res.ImageID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, rec.Status)

	ledger := steps(t, ms, res.ImageID)
	assert.Equal(t, "storage:failed", ledger[len(ledger)-1])

	retry := p.Ingest(context.Background(), upload(img, validMetadata))
	require.True(t, retry.Success, "errors: %v", retry.Errors)
	assert.Equal(t, res.ContentHash, retry.ContentHash)
	assert.Equal(t, res.ImageID, retry.ImageID)
	assert.NotEqual(t, res.UploadID, retry.UploadID)

	// the rejected record is reclaimed in place and both ledgers survive
	rec, err = ms.Get(context.Background(), res.ImageID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusValidated, rec.Status)
	assert.Equal(t, retry.StorageKey, rec.StorageKey)
	assert.Equal(t, retry.Split, rec.Split)

	assert.Equal(t, ledger, steps(t, ms, res.UploadID))
	retried := steps(t, ms, retry.UploadID)
	assert.Equal(t, "completion:completed", retried[len(retried)-1])

	_, err = ms.Get(context.Background(), retry.UploadID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

type panickingStore struct {
	*store.MemoryStore
}

func (s panickingStore) Save(ctx context.Context, rec model.ImageRecord) error {
	panic("driver exploded")
}

func TestIngestRecoversPanic(t *testing.T) {
	ms := store.NewMemoryStore()
	p := newFixture(t, panickingStore{ms}, storage.NewMemoryStorage())

	var res Result
	require.NotPanics(t, func() {
		res = p.Ingest(context.Background(), upload(canonicalImage(t), validMetadata))
	})

	assert.Equal(t, KindInternal, res.Kind)
	assert.Equal(t, []string{"internal error while processing image"}, res.Errors)
	var pe *PanicError
	assert.ErrorAs(t, res.Err, &pe)
	assert.Equal(t, StepMetadata, pe.Stage)

	rec, err := ms.Get(context.Background(), res.ImageID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, rec.Status)

	ledger := steps(t, ms, res.ImageID)
	assert.Equal(t, "metadata:failed", ledger[len(ledger)-1])
}

type brokenLedger struct {
	*store.MemoryStore
}

func (s brokenLedger) AppendLog(ctx context.Context, entry model.ProcessingLogEntry) error {
	return errors.New("disk full")
}

func TestIngestLedgerFailureHalts(t *testing.T) {
	ms := store.NewMemoryStore()
	objects := storage.NewMemoryStorage()
	p := newFixture(t, brokenLedger{ms}, objects)

	res := p.Ingest(context.Background(), upload(canonicalImage(t), validMetadata))

	assert.Equal(t, KindPersistence, res.Kind)
	assert.Equal(t, []string{"Failed to write processing log"}, res.Errors)
	assert.Equal(t, StateFailed, res.State)
	assert.Zero(t, objects.Len())
}

func TestIngestSkipsSplitWhenDisabled(t *testing.T) {
	f := setup(t, func(c *Config) { c.AutoSplit = false })

	res := f.pipeline.Ingest(context.Background(), upload(canonicalImage(t), validMetadata))

	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, model.SplitUnassigned, res.Split)
	assert.Contains(t, steps(t, f.store, res.ImageID), "split_assignment:skipped")
}

func TestIngestCancelledContext(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.pipeline.Ingest(ctx, upload(canonicalImage(t), validMetadata))

	assert.Equal(t, KindInternal, res.Kind)
	assert.Equal(t, []string{"processing cancelled"}, res.Errors)
	assert.ErrorIs(t, res.Err, context.Canceled)
	// the failure is still recorded
	assert.Equal(t, []string{"validation:failed"}, steps(t, f.store, res.ImageID))
}

func TestIngestConcurrentDuplicates(t *testing.T) {
	f := setup(t)
	img := canonicalImage(t)

	const n = 6
	results := make(chan Result, n)
	for i := 0; i < n; i++ {
		go func() { results <- f.pipeline.Ingest(context.Background(), upload(img, validMetadata)) }()
	}

	var accepted, duplicates int
	for i := 0; i < n; i++ {
		r := <-results
		switch {
		case r.Success:
			accepted++
		case r.Kind == KindDuplicate:
			duplicates++
		default:
			t.Errorf("unexpected failure: %v", r.Errors)
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, n-1, duplicates)
}

func TestMetricsRecordOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg, zaptest.NewLogger(t))
	require.NoError(t, err)

	ms := store.NewMemoryStore()
	p, err := New(DefaultConfig(), ms, storage.NewMemoryStorage(), zaptest.NewLogger(t), WithMetrics(m))
	require.NoError(t, err)

	p.Ingest(context.Background(), upload(canonicalImage(t), validMetadata))
	p.Ingest(context.Background(), upload(canonicalImage(t), validMetadata))
	p.Ingest(context.Background(), upload(imagetest.JPEG(t, imagetest.Gradient(10, 10)), validMetadata))

	assert.Equal(t, 3, m.Total())
	assert.Equal(t, 1, m.Succeeded)
	assert.Equal(t, 1, m.Outcomes[KindDuplicate])
	assert.Equal(t, 1, m.Outcomes[KindValidation])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ingestTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ingestTotal.WithLabelValues("Duplicate")))
	assert.Contains(t, m.GenerateMetricsReport(), "Duplicate: 1")

	b, err := m.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, string(b), `"succeeded":1`)

	_, err = NewMetrics(reg, nil)
	assert.Error(t, err, "duplicate registration")
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(DefaultConfig(), nil, storage.NewMemoryStorage(), nil)
	assert.Error(t, err)
	_, err = New(DefaultConfig(), store.NewMemoryStore(), nil, nil)
	assert.Error(t, err)
}
