// pkg/pipeline/metrics.go
package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// StageMetrics aggregates durations for one ledger step
type StageMetrics struct {
	Count int
	Total time.Duration
	Max   time.Duration
}

// Average returns the mean stage duration
func (sm StageMetrics) Average() time.Duration {
	if sm.Count == 0 {
		return 0
	}
	return sm.Total / time.Duration(sm.Count)
}

// Metrics tracks ingestion outcomes in process and mirrors them to Prometheus
type Metrics struct {
	mu             sync.Mutex
	logger         *zap.Logger
	StartTime      time.Time
	Succeeded      int
	Outcomes       map[ErrorKind]int
	Stages         map[string]*StageMetrics
	BytesIngested  int64
	TotalDuration  time.Duration
	ingestTotal    *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	ingestDuration prometheus.Histogram
}

// NewMetrics creates a Metrics instance. Collectors are registered with reg
// when it is non-nil.
func NewMetrics(reg prometheus.Registerer, logger *zap.Logger) (*Metrics, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		logger:    logger,
		StartTime: time.Now(),
		Outcomes:  make(map[ErrorKind]int),
		Stages:    make(map[string]*StageMetrics),
		ingestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "endoset",
			Name:      "ingest_total",
			Help:      "Image ingestions by outcome.",
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "endoset",
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual pipeline stages.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"stage"}),
		ingestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "endoset",
			Name:      "ingest_duration_seconds",
			Help:      "End to end duration of an ingestion.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.ingestTotal, m.stageDuration, m.ingestDuration} {
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("failed to register pipeline collector: %w", err)
			}
		}
	}
	return m, nil
}

// ObserveStage records the duration of one stage
func (m *Metrics) ObserveStage(step string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sm, ok := m.Stages[step]
	if !ok {
		sm = &StageMetrics{}
		m.Stages[step] = sm
	}
	sm.Count++
	sm.Total += d
	if d > sm.Max {
		sm.Max = d
	}
	m.stageDuration.WithLabelValues(step).Observe(d.Seconds())
}

// RecordIngest records the outcome of one ingestion
func (m *Metrics) RecordIngest(res Result, size int, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	outcome := "success"
	if res.Success {
		m.Succeeded++
		m.BytesIngested += int64(size)
	} else {
		m.Outcomes[res.Kind]++
		outcome = res.Kind.String()
	}
	m.TotalDuration += d

	m.ingestTotal.WithLabelValues(outcome).Inc()
	m.ingestDuration.Observe(d.Seconds())
}

// Total returns the number of recorded ingestions
func (m *Metrics) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total()
}

func (m *Metrics) total() int {
	n := m.Succeeded
	for _, c := range m.Outcomes {
		n += c
	}
	return n
}

// Throughput returns ingestions per second since the metrics were created
func (m *Metrics) Throughput() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.throughput()
}

func (m *Metrics) throughput() float64 {
	elapsed := time.Since(m.StartTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(m.total()) / elapsed
}

// getPercentage safely calculates a percentage, avoiding division by zero
func getPercentage(value, total float64) float64 {
	if total == 0 {
		return 0
	}
	return (value / total) * 100
}

// formatDuration formats a duration to a human-readable string
func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}

func (m *Metrics) sortedStages() []string {
	names := make([]string, 0, len(m.Stages))
	for name := range m.Stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GenerateMetricsReport creates a human readable report
func (m *Metrics) GenerateMetricsReport() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := m.total()
	report := fmt.Sprintf(`
Ingestion Metrics Report
========================
Running Since:           %s
Total Ingestions:        %d
Succeeded:               %d (%.1f%%)
Bytes Ingested:          %d
Average Throughput:      %.2f images/sec
`,
		m.StartTime.Format(time.RFC3339),
		total,
		m.Succeeded, getPercentage(float64(m.Succeeded), float64(total)),
		m.BytesIngested,
		m.throughput(),
	)

	if len(m.Outcomes) > 0 {
		report += "\nFailure Distribution\n--------------------\n"
		kinds := make([]int, 0, len(m.Outcomes))
		for k := range m.Outcomes {
			kinds = append(kinds, int(k))
		}
		sort.Ints(kinds)
		for _, k := range kinds {
			count := m.Outcomes[ErrorKind(k)]
			report += fmt.Sprintf("- %s: %d (%.1f%%)\n",
				ErrorKind(k), count, getPercentage(float64(count), float64(total)))
		}
	}

	if len(m.Stages) > 0 {
		report += "\nStage Durations\n---------------\n"
		for _, name := range m.sortedStages() {
			sm := m.Stages[name]
			report += fmt.Sprintf("- %s: %d runs, avg %s, max %s\n",
				name, sm.Count, formatDuration(sm.Average()), formatDuration(sm.Max))
		}
	}

	return report
}

// ToJSON serializes metrics to JSON
func (m *Metrics) ToJSON() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	failures := make(map[string]int, len(m.Outcomes))
	for k, c := range m.Outcomes {
		failures[k.String()] = c
	}
	stages := make(map[string]float64, len(m.Stages))
	for name, sm := range m.Stages {
		stages[name] = sm.Average().Seconds()
	}

	return json.Marshal(struct {
		Total         int                `json:"total"`
		Succeeded     int                `json:"succeeded"`
		Failures      map[string]int     `json:"failures"`
		BytesIngested int64              `json:"bytesIngested"`
		Throughput    float64            `json:"throughput"`
		StageAverages map[string]float64 `json:"stageAverageSeconds"`
	}{
		Total:         m.total(),
		Succeeded:     m.Succeeded,
		Failures:      failures,
		BytesIngested: m.BytesIngested,
		Throughput:    m.throughput(),
		StageAverages: stages,
	})
}
