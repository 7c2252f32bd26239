// Package stats holds the process-wide download counters. All mutation
// goes through the methods here; counters are atomic and reset only by
// process restart.
package stats

import (
	"time"

	"go.uber.org/atomic"
)

// Stats accumulates service counters from process start.
type Stats struct {
	total   atomic.Int64
	active  atomic.Int64
	failed  atomic.Int64
	started time.Time
}

// New initialises the counters at process start.
func New() *Stats {
	return &Stats{started: time.Now()}
}

// DownloadStarted marks a request entering the orchestrator.
func (s *Stats) DownloadStarted() {
	s.active.Inc()
}

// DownloadFinished marks a request leaving the orchestrator, on any
// path. Callers pair it with DownloadStarted exactly once per request.
func (s *Stats) DownloadFinished() {
	s.active.Dec()
}

// DownloadSucceeded increments the completed-download total.
func (s *Stats) DownloadSucceeded() {
	s.total.Inc()
}

// DownloadFailed increments the failed-download total.
func (s *Stats) DownloadFailed() {
	s.failed.Inc()
}

// Snapshot returns (total, active, failed).
func (s *Stats) Snapshot() (int64, int64, int64) {
	return s.total.Load(), s.active.Load(), s.failed.Load()
}

// Uptime reports time elapsed since New.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.started)
}
