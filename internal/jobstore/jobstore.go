// Package jobstore manages per-job download slots under a single
// storage root: allocation, TTL expiry, sweep-based reclamation and
// disk-pressure accounting. Slot metadata is mirrored into a bitcask
// registry under the root so live slots survive a restart.
package jobstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"git.mills.io/prologic/bitcask"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// registryDir is the bitcask database directory inside the storage
// root. Its leading dot keeps it out of the job-directory namespace.
const registryDir = ".registry"

var (
	ErrInvalidJobID = errors.New("invalid job identifier")
	ErrNotFound     = errors.New("slot not found")
	ErrExpired      = errors.New("slot expired")
	ErrDiskFull     = errors.New("storage below free-space floor")
)

// Slot is the on-disk footprint plus metadata for one job's file. A
// slot becomes resolvable only once Record has run.
type Slot struct {
	JobID           string    `json:"job_id"`
	Dir             string    `json:"dir"`
	Filename        string    `json:"filename"`
	SizeBytes       int64     `json:"size_bytes"`
	Format          string    `json:"format"`
	Checksum        string    `json:"checksum,omitempty"`
	Title           string    `json:"title,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Store is the registry of job identifier to slot. The registry mutex
// only ever guards short map operations; disk I/O happens outside it,
// serialized per job identifier by the lock map.
type Store struct {
	root      string
	ttl       time.Duration
	diskFloor uint64

	db *bitcask.Bitcask

	mu    sync.RWMutex
	slots map[string]*Slot
	locks map[string]*jobLock
}

// jobLock serializes mutations for one job identifier. Entries are
// refcounted under Store.mu and removed when the last holder releases,
// so the lock map stays bounded by in-flight operations rather than
// growing with every identifier ever seen.
type jobLock struct {
	mu   sync.Mutex
	refs int
}

// Open initialises the storage root and rehydrates unexpired slots from
// the registry. Job directories with no registry entry (crash leftovers)
// are removed.
func Open(root string, ttl time.Duration, diskFloorBytes uint64) (*Store, error) {
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("creating storage root %s: %w", root, err)
	}

	db, err := bitcask.Open(filepath.Join(root, registryDir))
	if err != nil {
		return nil, fmt.Errorf("opening slot registry: %w", err)
	}

	s := &Store{
		root:      root,
		ttl:       ttl,
		diskFloor: diskFloorBytes,
		db:        db,
		slots:     make(map[string]*Slot),
		locks:     make(map[string]*jobLock),
	}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}

	log.Infof("Job store initialized at %s (TTL: %s, %d slots rehydrated)", root, ttl, len(s.slots))
	return s, nil
}

// load rebuilds the in-memory registry from bitcask and reconciles it
// against the directories actually present under the root.
func (s *Store) load() error {
	for key := range s.db.Keys() {
		raw, err := s.db.Get(key)
		if err != nil {
			log.WithError(err).Warnf("Dropping unreadable registry entry %q", string(key))
			_ = s.db.Delete(key)
			continue
		}

		var slot Slot
		if err := json.Unmarshal(raw, &slot); err != nil {
			log.WithError(err).Warnf("Dropping corrupt registry entry %q", string(key))
			_ = s.db.Delete(key)
			continue
		}

		if _, err := os.Stat(filepath.Join(slot.Dir, slot.Filename)); err != nil {
			log.Warnf("Registry entry %q has no backing file, dropping", slot.JobID)
			_ = s.db.Delete(key)
			_ = os.RemoveAll(slot.Dir)
			continue
		}

		s.slots[slot.JobID] = &slot
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("scanning storage root: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == registryDir {
			continue
		}
		if _, ok := s.slots[entry.Name()]; !ok {
			log.Infof("Removing orphaned job directory %q", entry.Name())
			_ = os.RemoveAll(filepath.Join(s.root, entry.Name()))
		}
	}
	return nil
}

// Close flushes and closes the slot registry.
func (s *Store) Close() error {
	return s.db.Close()
}

// TTL returns the configured slot time-to-live.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

func validateJobID(jobID string) error {
	if jobID == "" || jobID == "." {
		return ErrInvalidJobID
	}
	if strings.Contains(jobID, "..") || strings.ContainsAny(jobID, `/\`) {
		return ErrInvalidJobID
	}
	return nil
}

// lockJob acquires the per-job mutex, creating the entry on demand.
// The refcount covers waiters too, so an entry is never removed while
// another goroutine is queued behind it.
func (s *Store) lockJob(jobID string) *jobLock {
	s.mu.Lock()
	l, ok := s.locks[jobID]
	if !ok {
		l = &jobLock{}
		s.locks[jobID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return l
}

// unlockJob releases the per-job mutex and drops the map entry once the
// last holder is gone.
func (s *Store) unlockJob(jobID string, l *jobLock) {
	l.mu.Unlock()

	s.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, jobID)
	}
	s.mu.Unlock()
}

// Allocate validates the job identifier, checks the free-space floor
// and creates (or truncates) the job directory. Any previously recorded
// slot for the identifier stops being resolvable; its file is replaced
// when the new download records.
func (s *Store) Allocate(jobID string) (string, error) {
	if err := validateJobID(jobID); err != nil {
		return "", err
	}

	free, err := s.FreeBytes()
	if err != nil {
		return "", fmt.Errorf("checking free space: %w", err)
	}
	if free < s.diskFloor {
		return "", fmt.Errorf("%w: %d bytes free, floor is %d", ErrDiskFull, free, s.diskFloor)
	}

	l := s.lockJob(jobID)
	defer s.unlockJob(jobID, l)

	s.mu.Lock()
	delete(s.slots, jobID)
	s.mu.Unlock()
	if err := s.db.Delete([]byte(jobID)); err != nil && !errors.Is(err, bitcask.ErrKeyNotFound) {
		log.WithError(err).Warnf("Failed to clear stale registry entry for %q", jobID)
	}

	dir := filepath.Join(s.root, jobID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("truncating job directory %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("creating job directory %s: %w", dir, err)
	}
	return dir, nil
}

// Record attaches final metadata to an allocated slot and makes it
// resolvable with expiry = now + TTL. The caller guarantees the file is
// fully written and flushed before recording.
func (s *Store) Record(jobID string, slot Slot) (*Slot, error) {
	if err := validateJobID(jobID); err != nil {
		return nil, err
	}

	l := s.lockJob(jobID)
	defer s.unlockJob(jobID, l)

	now := time.Now()
	slot.JobID = jobID
	slot.Dir = filepath.Join(s.root, jobID)
	slot.CreatedAt = now
	slot.ExpiresAt = now.Add(s.ttl)

	raw, err := json.Marshal(&slot)
	if err != nil {
		return nil, fmt.Errorf("marshalling slot %q: %w", jobID, err)
	}
	if err := s.db.Put([]byte(jobID), raw); err != nil {
		return nil, fmt.Errorf("persisting slot %q: %w", jobID, err)
	}

	s.mu.Lock()
	s.slots[jobID] = &slot
	s.mu.Unlock()

	out := slot
	return &out, nil
}

// Resolve returns the live slot for (jobID, filename). ErrNotFound and
// ErrExpired are distinct so the serving boundary can answer 404 vs
// 410. Resolving never mutates expiry.
func (s *Store) Resolve(jobID, filename string) (*Slot, error) {
	if err := validateJobID(jobID); err != nil {
		return nil, ErrNotFound
	}

	s.mu.RLock()
	slot, ok := s.slots[jobID]
	s.mu.RUnlock()

	if !ok || slot.Filename != filename {
		return nil, ErrNotFound
	}
	if time.Now().After(slot.ExpiresAt) {
		return nil, ErrExpired
	}

	out := *slot
	return &out, nil
}

// Discard removes a job's directory and any registry trace. Used for
// inline deliveries (which never record a slot) and failed downloads.
func (s *Store) Discard(jobID string) error {
	if err := validateJobID(jobID); err != nil {
		return err
	}

	l := s.lockJob(jobID)
	defer s.unlockJob(jobID, l)

	return s.remove(jobID)
}

// remove drops the registry entry and backing directory. Callers hold
// the job lock.
func (s *Store) remove(jobID string) error {
	s.mu.Lock()
	delete(s.slots, jobID)
	s.mu.Unlock()

	if err := s.db.Delete([]byte(jobID)); err != nil && !errors.Is(err, bitcask.ErrKeyNotFound) {
		return fmt.Errorf("deleting registry entry %q: %w", jobID, err)
	}
	if err := os.RemoveAll(filepath.Join(s.root, jobID)); err != nil {
		return fmt.Errorf("removing job directory %q: %w", jobID, err)
	}
	return nil
}

// SweepExpired reclaims every slot whose expiry has passed and returns
// the number removed. Safe to run concurrently with Allocate/Record for
// other job identifiers; a failure on one slot does not stop the sweep.
func (s *Store) SweepExpired() (int, error) {
	now := time.Now()

	s.mu.RLock()
	var expired []string
	for id, slot := range s.slots {
		if now.After(slot.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	reclaimed := 0
	var errs []error
	for _, id := range expired {
		l := s.lockJob(id)

		s.mu.RLock()
		slot, ok := s.slots[id]
		stillExpired := ok && now.After(slot.ExpiresAt)
		s.mu.RUnlock()

		if !stillExpired {
			// Re-recorded while we were sweeping.
			s.unlockJob(id, l)
			continue
		}

		if err := s.remove(id); err != nil {
			errs = append(errs, err)
		} else {
			reclaimed++
		}
		s.unlockJob(id, l)
	}

	return reclaimed, errors.Join(errs...)
}

// DiskUsagePercent reports utilization of the volume backing the
// storage root.
func (s *Store) DiskUsagePercent() float64 {
	var fs unix.Statfs_t
	if err := unix.Statfs(s.root, &fs); err != nil {
		log.WithError(err).Warn("Failed to stat storage volume")
		return 0
	}
	if fs.Blocks == 0 {
		return 0
	}
	used := fs.Blocks - fs.Bfree
	return float64(used) / float64(fs.Blocks) * 100
}

// FreeBytes reports the space available to unprivileged writers on the
// storage volume.
func (s *Store) FreeBytes() (uint64, error) {
	var fs unix.Statfs_t
	if err := unix.Statfs(s.root, &fs); err != nil {
		return 0, err
	}
	return fs.Bavail * uint64(fs.Bsize), nil
}
