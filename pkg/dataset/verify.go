package dataset

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/David-Botos/endo-ingress/pkg/dedup"
	"github.com/David-Botos/endo-ingress/pkg/model"
	"github.com/David-Botos/endo-ingress/pkg/storage"
)

// ObjectDiscrepancy is a stored object whose bytes no longer hash to the
// recorded content hash
type ObjectDiscrepancy struct {
	ImageID  string `json:"imageId"`
	Key      string `json:"key"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// IntegrityIssue is a record that could not be checked
type IntegrityIssue struct {
	ImageID     string `json:"imageId"`
	IssueType   string `json:"issueType"`
	Description string `json:"description"`
}

// VerificationReport contains the results of a storage verification
type VerificationReport struct {
	VerificationTime time.Time           `json:"verificationTime"`
	Checked          int                 `json:"checked"`
	Verified         int                 `json:"verified"`
	Missing          []string            `json:"missing,omitempty"`
	Mismatched       []ObjectDiscrepancy `json:"mismatched,omitempty"`
	Issues           []IntegrityIssue    `json:"issues,omitempty"`
	RowCountChecked  bool                `json:"rowCountChecked"`
	ExpectedRows     int64               `json:"expectedRows,omitempty"`
	WarehouseRows    int64               `json:"warehouseRows,omitempty"`
	Duration         time.Duration       `json:"duration"`
}

// OK reports whether every record verified
func (r *VerificationReport) OK() bool {
	if r.RowCountChecked && r.ExpectedRows != r.WarehouseRows {
		return false
	}
	return len(r.Missing) == 0 && len(r.Mismatched) == 0 && len(r.Issues) == 0
}

// Verifier re-reads stored images and checks them against their records
type Verifier struct {
	objects     storage.Storage
	logger      *zap.Logger
	concurrency int
	timeout     time.Duration
}

// NewVerifier creates a new verifier
func NewVerifier(objects storage.Storage, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{
		objects:     objects,
		logger:      logger.Named("verifier"),
		concurrency: 8,
		timeout:     5 * time.Minute,
	}
}

// WithConcurrency sets how many objects are fetched at once
func (v *Verifier) WithConcurrency(n int) *Verifier {
	if n > 0 {
		v.concurrency = n
	}
	return v
}

// WithTimeout sets a custom timeout for verification operations
func (v *Verifier) WithTimeout(timeout time.Duration) *Verifier {
	v.timeout = timeout
	return v
}

// VerifyObjects checks that every record's stored bytes exist and hash to
// its ContentHash. Per-record problems go into the report; the error is
// reserved for cancellation.
func (v *Verifier) VerifyObjects(ctx context.Context, records []model.ImageRecord) (*VerificationReport, error) {
	start := time.Now()
	report := &VerificationReport{VerificationTime: start, Checked: len(records)}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)

	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcome := v.check(gctx, rec)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case outcome.err != nil:
				if errors.Is(outcome.err, context.Canceled) || errors.Is(outcome.err, context.DeadlineExceeded) {
					return outcome.err
				}
				report.Issues = append(report.Issues, IntegrityIssue{
					ImageID:     rec.ID,
					IssueType:   outcome.issue,
					Description: outcome.err.Error(),
				})
			case outcome.missing:
				report.Missing = append(report.Missing, rec.ID)
			case outcome.mismatch != nil:
				report.Mismatched = append(report.Mismatched, *outcome.mismatch)
			default:
				report.Verified++
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("verification aborted: %w", err)
	}

	sort.Strings(report.Missing)
	sort.Slice(report.Mismatched, func(i, j int) bool { return report.Mismatched[i].ImageID < report.Mismatched[j].ImageID })
	sort.Slice(report.Issues, func(i, j int) bool { return report.Issues[i].ImageID < report.Issues[j].ImageID })
	report.Duration = time.Since(start)

	v.logger.Info("Verified stored objects",
		zap.Int("checked", report.Checked),
		zap.Int("verified", report.Verified),
		zap.Int("missing", len(report.Missing)),
		zap.Int("mismatched", len(report.Mismatched)),
		zap.Int("issues", len(report.Issues)),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// VerifyRowCount records whether the exported table holds expected rows
func (v *Verifier) VerifyRowCount(ctx context.Context, report *VerificationReport, exp *Exporter, expected int64) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	n, err := exp.RowCount(ctx)
	if err != nil {
		return err
	}
	report.RowCountChecked = true
	report.ExpectedRows = expected
	report.WarehouseRows = n

	if n != expected {
		v.logger.Warn("Warehouse row count mismatch",
			zap.String("table", exp.Table()),
			zap.Int64("expected", expected),
			zap.Int64("actual", n))
	}
	return nil
}

type checkOutcome struct {
	missing  bool
	mismatch *ObjectDiscrepancy
	issue    string
	err      error
}

func (v *Verifier) check(ctx context.Context, rec model.ImageRecord) checkOutcome {
	if rec.StorageKey == "" {
		return checkOutcome{issue: "no_storage_key", err: errors.New("record has no storage key")}
	}

	data, err := v.objects.Get(ctx, rec.StorageKey)
	if errors.Is(err, storage.ErrNotFound) {
		return checkOutcome{missing: true}
	}
	if err != nil {
		return checkOutcome{issue: "read_failed", err: err}
	}

	actual := dedup.Hash(data).String()
	if actual != rec.ContentHash {
		return checkOutcome{mismatch: &ObjectDiscrepancy{
			ImageID:  rec.ID,
			Key:      rec.StorageKey,
			Expected: rec.ContentHash,
			Actual:   actual,
		}}
	}
	return checkOutcome{}
}
