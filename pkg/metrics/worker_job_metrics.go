// Package metrics keeps in-process counters for queue jobs and DB pools.
package metrics

import (
	"slices"
	"sync"
	"time"
)

// =============================================================================
// Job Metrics - per job type durations and outcomes
// =============================================================================

const defaultWindow = 500

// JobMetrics records how long each job type takes and how it ends.
type JobMetrics struct {
	mu     sync.Mutex
	window int
	types  map[string]*jobSeries
}

type jobSeries struct {
	completed int64
	failed    int64
	samples   []time.Duration // ring buffer
	next      int
}

// NewJobMetrics keeps the last window durations per type for percentiles.
func NewJobMetrics(window int) *JobMetrics {
	if window <= 0 {
		window = defaultWindow
	}
	return &JobMetrics{
		window: window,
		types:  make(map[string]*jobSeries),
	}
}

// Observe records one finished handler run.
func (m *JobMetrics) Observe(jobType string, d time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.types[jobType]
	if !ok {
		s = &jobSeries{samples: make([]time.Duration, 0, m.window)}
		m.types[jobType] = s
	}
	if err != nil {
		s.failed++
	} else {
		s.completed++
	}

	if len(s.samples) < m.window {
		s.samples = append(s.samples, d)
		return
	}
	s.samples[s.next] = d
	s.next = (s.next + 1) % m.window
}

// JobStats summarises one job type.
type JobStats struct {
	Completed int64   `json:"completed"`
	Failed    int64   `json:"failed"`
	Samples   int     `json:"samples"`
	AvgMs     float64 `json:"avg_ms"`
	P50Ms     float64 `json:"p50_ms"`
	P95Ms     float64 `json:"p95_ms"`
	MaxMs     float64 `json:"max_ms"`
}

// Snapshot returns stats for every observed job type.
func (m *JobMetrics) Snapshot() map[string]JobStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make(map[string]JobStats, len(m.types))
	for name, s := range m.types {
		result[name] = s.stats()
	}
	return result
}

func (s *jobSeries) stats() JobStats {
	st := JobStats{Completed: s.completed, Failed: s.failed, Samples: len(s.samples)}
	if len(s.samples) == 0 {
		return st
	}

	sorted := slices.Clone(s.samples)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	n := len(sorted)
	st.AvgMs = ms(sum / time.Duration(n))
	st.P50Ms = ms(sorted[(n-1)*50/100])
	st.P95Ms = ms(sorted[(n-1)*95/100])
	st.MaxMs = ms(sorted[n-1])
	return st
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
