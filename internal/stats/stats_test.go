package stats

import (
	"sync"
	"testing"
)

func TestCounters(t *testing.T) {
	s := New()

	s.DownloadStarted()
	s.DownloadStarted()
	s.DownloadSucceeded()
	s.DownloadFailed()
	s.DownloadFinished()

	total, active, failed := s.Snapshot()
	if total != 1 {
		t.Errorf("total = %d, want 1", total)
	}
	if active != 1 {
		t.Errorf("active = %d, want 1", active)
	}
	if failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
}

func TestCountersConcurrent(t *testing.T) {
	s := New()

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.DownloadStarted()
			if i%2 == 0 {
				s.DownloadSucceeded()
			} else {
				s.DownloadFailed()
			}
			s.DownloadFinished()
		}(i)
	}
	wg.Wait()

	total, active, failed := s.Snapshot()
	if active != 0 {
		t.Errorf("active = %d, want 0 after all requests finished", active)
	}
	if total != n/2 {
		t.Errorf("total = %d, want %d", total, n/2)
	}
	if failed != n/2 {
		t.Errorf("failed = %d, want %d", failed, n/2)
	}
}

func TestUptime(t *testing.T) {
	s := New()
	if s.Uptime() < 0 {
		t.Error("uptime went backwards")
	}
}
