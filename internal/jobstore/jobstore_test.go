package jobstore

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), ttl, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func writeSlotFile(t *testing.T, dir, name string, content []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), content, 0600); err != nil {
		t.Fatalf("writing slot file: %v", err)
	}
}

func TestAllocateRejectsTraversal(t *testing.T) {
	s := openTestStore(t, time.Minute)

	for _, id := range []string{
		"",
		".",
		"..",
		"../escape",
		"a/../../b",
		"nested/path",
		`back\slash`,
	} {
		if _, err := s.Allocate(id); !errors.Is(err, ErrInvalidJobID) {
			t.Errorf("Allocate(%q) = %v, want ErrInvalidJobID", id, err)
		}
	}

	// Nothing may have been created outside the storage root.
	parent := filepath.Dir(s.root)
	if _, err := os.Stat(filepath.Join(parent, "escape")); !os.IsNotExist(err) {
		t.Error("traversal identifier created a directory outside the storage root")
	}
}

func TestAllocateRecordResolveRoundTrip(t *testing.T) {
	s := openTestStore(t, time.Minute)

	dir, err := s.Allocate("job-1")
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	content := []byte("fake video bytes")
	writeSlotFile(t, dir, "video.mp4", content)

	before := time.Now()
	slot, err := s.Record("job-1", Slot{Filename: "video.mp4", SizeBytes: int64(len(content)), Format: "mp4"})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	wantExpiry := before.Add(time.Minute)
	if slot.ExpiresAt.Before(wantExpiry.Add(-time.Second)) || slot.ExpiresAt.After(wantExpiry.Add(time.Second)) {
		t.Errorf("expiry %v not within a second of record-time + TTL", slot.ExpiresAt)
	}

	resolved, err := s.Resolve("job-1", "video.mp4")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.SizeBytes != int64(len(content)) || resolved.Format != "mp4" {
		t.Errorf("resolved metadata mismatch: %+v", resolved)
	}

	// Round-trip: the served file must be byte-identical.
	got, err := os.ReadFile(filepath.Join(resolved.Dir, resolved.Filename))
	if err != nil {
		t.Fatalf("reading resolved file: %v", err)
	}
	if string(got) != string(content) {
		t.Error("resolved file content differs from recorded content")
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	s := openTestStore(t, time.Minute)

	dir, _ := s.Allocate("job-1")
	writeSlotFile(t, dir, "video.mp4", []byte("x"))
	if _, err := s.Record("job-1", Slot{Filename: "video.mp4", SizeBytes: 1, Format: "mp4"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	first, err := s.Resolve("job-1", "video.mp4")
	if err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}
	second, err := s.Resolve("job-1", "video.mp4")
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if !first.ExpiresAt.Equal(second.ExpiresAt) {
		t.Error("resolving extended or reset the expiry")
	}
	if *first != *second {
		t.Errorf("resolving twice returned different metadata: %+v vs %+v", first, second)
	}
}

func TestResolveDistinguishesExpiredFromNotFound(t *testing.T) {
	s := openTestStore(t, 50*time.Millisecond)

	if _, err := s.Resolve("never-created", "video.mp4"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve(unknown) = %v, want ErrNotFound", err)
	}

	dir, _ := s.Allocate("job-1")
	writeSlotFile(t, dir, "video.mp4", []byte("x"))
	if _, err := s.Record("job-1", Slot{Filename: "video.mp4", SizeBytes: 1, Format: "mp4"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if _, err := s.Resolve("job-1", "other.mp4"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve(wrong filename) = %v, want ErrNotFound", err)
	}

	time.Sleep(80 * time.Millisecond)

	if _, err := s.Resolve("job-1", "video.mp4"); !errors.Is(err, ErrExpired) {
		t.Errorf("Resolve(expired) = %v, want ErrExpired", err)
	}

	n, err := s.SweepExpired()
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if n != 1 {
		t.Errorf("SweepExpired reclaimed %d, want 1", n)
	}

	// After the sweep the slot is gone entirely.
	if _, err := s.Resolve("job-1", "video.mp4"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve(after sweep) = %v, want ErrNotFound", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("sweep left the job directory on disk")
	}
}

func TestSweepSkipsLiveSlots(t *testing.T) {
	s := openTestStore(t, time.Minute)

	dir, _ := s.Allocate("job-1")
	writeSlotFile(t, dir, "video.mp4", []byte("x"))
	if _, err := s.Record("job-1", Slot{Filename: "video.mp4", SizeBytes: 1, Format: "mp4"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	n, err := s.SweepExpired()
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if n != 0 {
		t.Errorf("SweepExpired reclaimed %d live slots", n)
	}
	if _, err := s.Resolve("job-1", "video.mp4"); err != nil {
		t.Errorf("live slot vanished after sweep: %v", err)
	}
}

func TestReallocateOverwritesAndResetsExpiry(t *testing.T) {
	s := openTestStore(t, time.Minute)

	dir, _ := s.Allocate("123")
	writeSlotFile(t, dir, "video.mp4", []byte("first"))
	first, err := s.Record("123", Slot{Filename: "video.mp4", SizeBytes: 5, Format: "mp4"})
	if err != nil {
		t.Fatalf("first Record failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	dir2, err := s.Allocate("123")
	if err != nil {
		t.Fatalf("re-Allocate failed: %v", err)
	}
	if dir2 != dir {
		t.Errorf("re-allocation moved the job directory: %s vs %s", dir2, dir)
	}
	// Old file is gone after truncation.
	if _, err := os.Stat(filepath.Join(dir, "video.mp4")); !os.IsNotExist(err) {
		t.Error("re-allocation did not truncate the previous slot's file")
	}
	// Mid-download, the old slot is no longer resolvable.
	if _, err := s.Resolve("123", "video.mp4"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve(mid-redownload) = %v, want ErrNotFound", err)
	}

	writeSlotFile(t, dir2, "video.mp4", []byte("second"))
	second, err := s.Record("123", Slot{Filename: "video.mp4", SizeBytes: 6, Format: "mp4"})
	if err != nil {
		t.Fatalf("second Record failed: %v", err)
	}
	if !second.ExpiresAt.After(first.ExpiresAt) {
		t.Error("re-recording did not reset the expiry")
	}

	got, _ := os.ReadFile(filepath.Join(dir2, "video.mp4"))
	if string(got) != "second" {
		t.Errorf("slot file = %q, want the overwritten content", got)
	}
}

func TestAllocateRespectsDiskFloor(t *testing.T) {
	s, err := Open(t.TempDir(), time.Minute, math.MaxUint64)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if _, err := s.Allocate("job-1"); !errors.Is(err, ErrDiskFull) {
		t.Errorf("Allocate below floor = %v, want ErrDiskFull", err)
	}
}

func TestDiscardRemovesEverything(t *testing.T) {
	s := openTestStore(t, time.Minute)

	dir, _ := s.Allocate("job-1")
	writeSlotFile(t, dir, "video.mp4", []byte("x"))
	if _, err := s.Record("job-1", Slot{Filename: "video.mp4", SizeBytes: 1, Format: "mp4"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	if err := s.Discard("job-1"); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
	if _, err := s.Resolve("job-1", "video.mp4"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve(discarded) = %v, want ErrNotFound", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("Discard left the job directory on disk")
	}
}

func TestSlotsSurviveReopen(t *testing.T) {
	root := t.TempDir()

	s, err := Open(root, time.Minute, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	dir, _ := s.Allocate("job-1")
	writeSlotFile(t, dir, "video.mp4", []byte("persisted"))
	if _, err := s.Record("job-1", Slot{Filename: "video.mp4", SizeBytes: 9, Format: "mp4"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	// An allocated-but-never-recorded directory simulates a crash.
	if _, err := s.Allocate("half-done"); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2, err := Open(root, time.Minute, 0)
	if err != nil {
		t.Fatalf("re-Open failed: %v", err)
	}
	defer s2.Close()

	slot, err := s2.Resolve("job-1", "video.mp4")
	if err != nil {
		t.Fatalf("Resolve after reopen failed: %v", err)
	}
	if slot.SizeBytes != 9 {
		t.Errorf("rehydrated slot size = %d, want 9", slot.SizeBytes)
	}

	// The orphan directory was reclaimed at startup.
	if _, err := os.Stat(filepath.Join(root, "half-done")); !os.IsNotExist(err) {
		t.Error("orphaned job directory survived reopen")
	}
}

func lockEntries(s *Store) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.locks)
}

func TestLockMapStaysBounded(t *testing.T) {
	s := openTestStore(t, time.Minute)

	// A daemon generating a fresh identifier per request must not keep
	// a lock entry for every job it has ever handled.
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("job-%d", i)
		dir, err := s.Allocate(id)
		if err != nil {
			t.Fatalf("Allocate(%s) failed: %v", id, err)
		}
		writeSlotFile(t, dir, "video.mp4", []byte("x"))
		if _, err := s.Record(id, Slot{Filename: "video.mp4", SizeBytes: 1, Format: "mp4"}); err != nil {
			t.Fatalf("Record(%s) failed: %v", id, err)
		}
		if err := s.Discard(id); err != nil {
			t.Fatalf("Discard(%s) failed: %v", id, err)
		}
	}

	if n := lockEntries(s); n != 0 {
		t.Errorf("lock map holds %d entries after all jobs were discarded, want 0", n)
	}
}

func TestLockMapReclaimedAfterSweep(t *testing.T) {
	s := openTestStore(t, 30*time.Millisecond)

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("job-%d", i)
		dir, _ := s.Allocate(id)
		writeSlotFile(t, dir, "video.mp4", []byte("x"))
		if _, err := s.Record(id, Slot{Filename: "video.mp4", SizeBytes: 1, Format: "mp4"}); err != nil {
			t.Fatalf("Record(%s) failed: %v", id, err)
		}
	}

	time.Sleep(60 * time.Millisecond)
	if _, err := s.SweepExpired(); err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}

	if n := lockEntries(s); n != 0 {
		t.Errorf("lock map holds %d entries after the sweep, want 0", n)
	}
}

func TestLockMapSerializesUnderContention(t *testing.T) {
	s := openTestStore(t, time.Minute)

	// Entry reclamation must not break mutual exclusion for waiters
	// queued behind the same identifier.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dir, err := s.Allocate("contended")
			if err != nil {
				t.Errorf("Allocate failed: %v", err)
				return
			}
			if err := os.WriteFile(filepath.Join(dir, "video.mp4"), []byte("x"), 0600); err != nil {
				t.Errorf("writing slot file: %v", err)
				return
			}
			if _, err := s.Record("contended", Slot{Filename: "video.mp4", SizeBytes: 1, Format: "mp4"}); err != nil {
				t.Errorf("Record failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if _, err := s.Resolve("contended", "video.mp4"); err != nil {
		t.Errorf("slot not resolvable after contended writes: %v", err)
	}
	if err := s.Discard("contended"); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
	if n := lockEntries(s); n != 0 {
		t.Errorf("lock map holds %d entries after discard, want 0", n)
	}
}

func TestDiskUsagePercentBounds(t *testing.T) {
	s := openTestStore(t, time.Minute)

	pct := s.DiskUsagePercent()
	if pct < 0 || pct > 100 {
		t.Errorf("DiskUsagePercent() = %f, want 0..100", pct)
	}
}
