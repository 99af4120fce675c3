package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/David-Botos/endo-ingress/pkg/imagemeta/imagetest"
	"github.com/David-Botos/endo-ingress/pkg/model"
	"github.com/David-Botos/endo-ingress/pkg/storage"
	"github.com/David-Botos/endo-ingress/pkg/store"
)

func TestBatchRunner(t *testing.T) {
	f := setup(t)

	jobs := []IngestJob{
		NewIngestJob(upload(solidImage(t, 10), validMetadata)),
		NewIngestJob(upload(solidImage(t, 120), validMetadata)),
		NewIngestJob(upload(solidImage(t, 230), validMetadata)),
		NewIngestJob(upload(solidImage(t, 10), validMetadata)),
		NewIngestJob(upload(imagetest.JPEG(t, imagetest.Gradient(64, 64)), validMetadata)),
	}

	runner := NewBatchRunner(f.pipeline, 3, zaptest.NewLogger(t))
	assert.Equal(t, 3, runner.WorkerCount())

	summary, results := runner.Run(context.Background(), jobs)

	assert.Len(t, results, 5)
	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 3, summary.Succeeded)
	assert.Equal(t, 1, summary.Duplicates)
	assert.Equal(t, 1, summary.Failed[KindValidation])
	assert.Equal(t, 1, summary.FailedCount())
	assert.Equal(t, 3, summary.Splits["train"]+summary.Splits["val"]+summary.Splits["test"])

	seen := make(map[string]bool)
	for _, r := range results {
		seen[r.JobID] = true
	}
	for _, j := range jobs {
		assert.True(t, seen[j.ID], "missing result for %s", j.ID)
	}
}

func TestBatchRunnerCancelled(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	jobs := []IngestJob{NewIngestJob(upload(solidImage(t, 1), validMetadata))}
	summary, results := f.pipeline.IngestBatch(ctx, jobs, 2)

	// a job may or may not be dispatched before cancellation is observed
	assert.LessOrEqual(t, len(results), 1)
	assert.Equal(t, len(results), summary.Total)
	assert.Zero(t, summary.Succeeded)
}

func TestJobsFromDir(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, data []byte) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	}
	write("b.png", imagetest.PNG(t, imagetest.Gradient(896, 896)))
	write("b.json", []byte(validMetadata))
	write("a.jpg", solidImage(t, 50))
	write("a.json", []byte(validMetadata))
	write("c.JPEG", solidImage(t, 60))
	write("notes.txt", []byte("ignored"))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.jpg"), 0o755))

	jobs, err := JobsFromDir(dir)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, filepath.Join(dir, "a.jpg"), jobs[0].ImagePath)
	assert.Equal(t, filepath.Join(dir, "a.json"), jobs[0].MetadataPath)
	assert.Equal(t, filepath.Join(dir, "b.png"), jobs[1].ImagePath)
	assert.Equal(t, filepath.Join(dir, "c.JPEG"), jobs[2].ImagePath)
	assert.Empty(t, jobs[2].MetadataPath)

	f := setup(t)
	summary, _ := f.pipeline.IngestBatch(context.Background(), jobs, 2)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed[KindValidation])

	_, err = JobsFromDir(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestWorkerReportsUnreadableJob(t *testing.T) {
	f := setup(t)
	w := NewWorker(7, f.pipeline, zaptest.NewLogger(t))

	jr := w.ProcessJob(context.Background(), NewFileJob(filepath.Join(t.TempDir(), "gone.jpg"), ""))

	assert.Equal(t, 7, jr.WorkerID)
	assert.False(t, jr.Result.Success)
	assert.Equal(t, KindInternal, jr.Result.Kind)
	assert.Equal(t, WorkerStateIdle, w.GetState())
	assert.Nil(t, w.GetCurrentJob())
}

// cancellingStore cancels the run's context once the first ledger entry is
// written
type cancellingStore struct {
	*store.MemoryStore
	once   sync.Once
	cancel context.CancelFunc
}

func (s *cancellingStore) AppendLog(ctx context.Context, entry model.ProcessingLogEntry) error {
	err := s.MemoryStore.AppendLog(ctx, entry)
	s.once.Do(s.cancel)
	return err
}

func TestWorkerDeliversResultAfterCancellation(t *testing.T) {
	ms := &cancellingStore{MemoryStore: store.NewMemoryStore()}
	p := newFixture(t, ms, storage.NewMemoryStorage())
	w := NewWorker(1, p, zaptest.NewLogger(t))

	// cancellation races the result send, so repeat to catch a dropped result
	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		ms.once = sync.Once{}
		ms.cancel = cancel

		jobs := make(chan IngestJob, 1)
		jobs <- NewIngestJob(upload(solidImage(t, uint8(i)), validMetadata))
		close(jobs)
		results := make(chan JobResult, 1)

		w.Start(ctx, jobs, results)
		cancel()

		require.Len(t, results, 1, "result dropped on iteration %d", i)
		jr := <-results
		assert.False(t, jr.Result.Success)
		assert.ErrorIs(t, jr.Result.Err, context.Canceled)
	}
}
