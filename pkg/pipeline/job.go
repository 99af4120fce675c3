// pkg/pipeline/job.go
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IngestJob is one upload queued for batch ingestion. When Upload.Image is
// nil the worker reads ImagePath and MetadataPath instead.
type IngestJob struct {
	ID           string
	Upload       Upload
	ImagePath    string
	MetadataPath string
	CreatedAt    time.Time
}

// NewIngestJob creates a job for an in-memory upload
func NewIngestJob(up Upload) IngestJob {
	return IngestJob{
		ID:        uuid.New().String(),
		Upload:    up,
		CreatedAt: time.Now(),
	}
}

// NewFileJob creates a job that loads its upload from disk
func NewFileJob(imagePath, metadataPath string) IngestJob {
	return IngestJob{
		ID:           uuid.New().String(),
		ImagePath:    imagePath,
		MetadataPath: metadataPath,
		CreatedAt:    time.Now(),
	}
}

// Name returns a label for logs
func (j IngestJob) Name() string {
	if j.ImagePath != "" {
		return j.ImagePath
	}
	if j.Upload.Filename != "" {
		return j.Upload.Filename
	}
	return j.ID
}

// load resolves the upload, reading from disk when needed
func (j IngestJob) load() (Upload, error) {
	if j.Upload.Image != nil || j.ImagePath == "" {
		return j.Upload, nil
	}
	img, err := os.ReadFile(j.ImagePath)
	if err != nil {
		return Upload{}, fmt.Errorf("failed to read image %s: %w", j.ImagePath, err)
	}
	up := Upload{Image: img, Filename: filepath.Base(j.ImagePath)}
	if j.MetadataPath != "" {
		meta, err := os.ReadFile(j.MetadataPath)
		if err != nil {
			return Upload{}, fmt.Errorf("failed to read metadata %s: %w", j.MetadataPath, err)
		}
		up.Metadata = meta
	}
	return up, nil
}

// JobsFromDir pairs every name.jpg, name.jpeg or name.png in dir with
// name.json. Images without a metadata file are still queued and will fail
// validation. Jobs are ordered by file name.
func JobsFromDir(dir string) ([]IngestJob, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	jobs := make([]IngestJob, 0, len(names))
	for _, name := range names {
		imagePath := filepath.Join(dir, name)
		metaPath := filepath.Join(dir, strings.TrimSuffix(name, filepath.Ext(name))+".json")
		if _, err := os.Stat(metaPath); err != nil {
			metaPath = ""
		}
		jobs = append(jobs, NewFileJob(imagePath, metaPath))
	}
	return jobs, nil
}

// JobResult is the outcome of one batch job
type JobResult struct {
	JobID     string
	Name      string
	WorkerID  int
	Result    Result
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
}

// BatchSummary aggregates a batch run
type BatchSummary struct {
	Total      int
	Succeeded  int
	Duplicates int
	Failed     map[ErrorKind]int
	Splits     map[string]int
	Duration   time.Duration
	Throughput float64 // images per second
}

// NewBatchSummary creates an empty summary
func NewBatchSummary() *BatchSummary {
	return &BatchSummary{
		Failed: make(map[ErrorKind]int),
		Splits: make(map[string]int),
	}
}

// Add folds one job result into the summary
func (s *BatchSummary) Add(r JobResult) {
	s.Total++
	switch {
	case r.Result.Success:
		s.Succeeded++
		s.Splits[string(r.Result.Split)]++
	case r.Result.Kind == KindDuplicate:
		s.Duplicates++
	default:
		s.Failed[r.Result.Kind]++
	}
}

// FailedCount returns the number of jobs that neither succeeded nor were duplicates
func (s *BatchSummary) FailedCount() int {
	n := 0
	for _, c := range s.Failed {
		n += c
	}
	return n
}

// Complete stamps the duration and throughput
func (s *BatchSummary) Complete(d time.Duration) {
	s.Duration = d
	if d > 0 {
		s.Throughput = float64(s.Total) / d.Seconds()
	}
}
