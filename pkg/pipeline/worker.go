// pkg/pipeline/worker.go
package pipeline

import (
	"context"
	"math"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WorkerState represents the current state of a worker
type WorkerState string

const (
	WorkerStateIdle      WorkerState = "idle"
	WorkerStateWorking   WorkerState = "working"
	WorkerStateCompleted WorkerState = "completed"
)

// Worker ingests queued jobs one at a time
type Worker struct {
	ID         int
	pipeline   *Pipeline
	logger     *zap.Logger
	state      WorkerState
	currentJob *IngestJob
	stateLock  sync.RWMutex
}

// NewWorker creates a new worker
func NewWorker(id int, p *Pipeline, logger *zap.Logger) *Worker {
	return &Worker{
		ID:       id,
		pipeline: p,
		logger:   logger.With(zap.Int("workerID", id)),
		state:    WorkerStateIdle,
	}
}

// GetState returns the current state of the worker
func (w *Worker) GetState() WorkerState {
	w.stateLock.RLock()
	defer w.stateLock.RUnlock()
	return w.state
}

func (w *Worker) setState(state WorkerState) {
	w.stateLock.Lock()
	defer w.stateLock.Unlock()

	prev := w.state
	w.state = state
	if prev != state {
		w.logger.Debug("Worker state changed",
			zap.String("from", string(prev)),
			zap.String("to", string(state)))
	}
}

// GetCurrentJob returns the job currently being processed
func (w *Worker) GetCurrentJob() *IngestJob {
	w.stateLock.RLock()
	defer w.stateLock.RUnlock()
	return w.currentJob
}

func (w *Worker) setCurrentJob(job *IngestJob) {
	w.stateLock.Lock()
	defer w.stateLock.Unlock()
	w.currentJob = job
}

// Start begins the worker processing loop
func (w *Worker) Start(ctx context.Context, jobs <-chan IngestJob, results chan<- JobResult) {
	w.setState(WorkerStateWorking)
	defer w.setState(WorkerStateCompleted)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopping due to context cancellation")
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}

			// the receiver drains results until every worker returns, so a
			// finished job is always reported
			results <- w.ProcessJob(ctx, job)
		}
	}
}

// ProcessJob ingests a single job
func (w *Worker) ProcessJob(ctx context.Context, job IngestJob) JobResult {
	w.setCurrentJob(&job)
	defer w.setCurrentJob(nil)

	jr := JobResult{
		JobID:     job.ID,
		Name:      job.Name(),
		WorkerID:  w.ID,
		StartTime: time.Now(),
	}

	up, err := job.load()
	if err != nil {
		w.logger.Warn("Failed to load job", zap.String("job", job.Name()), zap.Error(err))
		jr.Result = Result{
			Kind:   KindInternal,
			State:  StateStarted,
			Errors: []string{err.Error()},
			Err:    err,
		}
	} else {
		jr.Result = w.pipeline.Ingest(ctx, up)
	}

	jr.EndTime = time.Now()
	jr.Duration = jr.EndTime.Sub(jr.StartTime)

	if jr.Result.Success {
		w.logger.Info("Job ingested",
			zap.String("job", jr.Name),
			zap.String("imageId", jr.Result.ImageID),
			zap.Duration("duration", jr.Duration))
	} else {
		w.logger.Warn("Job not ingested",
			zap.String("job", jr.Name),
			zap.String("kind", jr.Result.Kind.String()),
			zap.Strings("errors", jr.Result.Errors))
	}
	return jr
}

// BatchRunner fans a list of jobs out over a worker pool
type BatchRunner struct {
	pipeline    *Pipeline
	logger      *zap.Logger
	workerCount int
}

// NewBatchRunner creates a runner. A non-positive workerCount selects a
// count based on available CPUs.
func NewBatchRunner(p *Pipeline, workerCount int, logger *zap.Logger) *BatchRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workerCount <= 0 {
		workerCount = calculateOptimalWorkerCount()
	}
	return &BatchRunner{
		pipeline:    p,
		logger:      logger.Named("batch"),
		workerCount: workerCount,
	}
}

// WorkerCount returns the pool size
func (b *BatchRunner) WorkerCount() int {
	return b.workerCount
}

// Run ingests every job and returns the summary with one result per
// processed job. Jobs not yet dispatched when ctx is cancelled are skipped.
func (b *BatchRunner) Run(ctx context.Context, jobs []IngestJob) (*BatchSummary, []JobResult) {
	start := time.Now()
	workers := b.workerCount
	if workers > len(jobs) && len(jobs) > 0 {
		workers = len(jobs)
	}

	jobQueue := make(chan IngestJob, workers*10)
	resultQueue := make(chan JobResult, workers*10)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Start(ctx, jobQueue, resultQueue)
		}(NewWorker(i, b.pipeline, b.logger))
	}

	go func() {
		defer close(jobQueue)
		for _, job := range jobs {
			select {
			case jobQueue <- job:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultQueue)
	}()

	summary := NewBatchSummary()
	results := make([]JobResult, 0, len(jobs))
	for r := range resultQueue {
		summary.Add(r)
		results = append(results, r)
	}
	summary.Complete(time.Since(start))

	b.logger.Info("Batch ingestion finished",
		zap.Int("jobs", len(jobs)),
		zap.Int("processed", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("failed", summary.FailedCount()),
		zap.Duration("duration", summary.Duration))

	return summary, results
}

// IngestBatch runs jobs through the pipeline on a worker pool
func (p *Pipeline) IngestBatch(ctx context.Context, jobs []IngestJob, workerCount int) (*BatchSummary, []JobResult) {
	return NewBatchRunner(p, workerCount, p.logger).Run(ctx, jobs)
}

// calculateOptimalWorkerCount sizes the pool from the CPU count. Image
// decoding is CPU bound, so three quarters of the cores are used, between 2
// and 12 workers.
func calculateOptimalWorkerCount() int {
	n := int(math.Ceil(float64(runtime.NumCPU()) * 0.75))
	if n < 2 {
		n = 2
	} else if n > 12 {
		n = 12
	}
	return n
}
