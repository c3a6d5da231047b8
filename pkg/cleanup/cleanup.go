package cleanup

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"syscall"
	"time"

	"transcription-orchestrator/pkg/config"
	"transcription-orchestrator/pkg/models"
	"transcription-orchestrator/pkg/storage"
)

// ErrDiskSpaceExhausted rejects new job admission while emergency cleanup is
// reclaiming space. Callers surface it explicitly instead of queueing.
var ErrDiskSpaceExhausted = errors.New("disk space exhausted, new jobs rejected until space is reclaimed")

// Service tracks temporary files and reclaims the ones no live job or
// session still owns. The protected set is recomputed from a registry
// snapshot on every sweep; jobs never mutate cleanup state directly.
type Service struct {
	cfg      config.CleanupConfig
	registry *storage.Registry
	files    storage.DiskStore

	mu      sync.Mutex
	records map[string]models.CleanupRecord

	emergencyMu sync.RWMutex
	emergency   bool

	// Injectable for tests.
	remove    func(string) error
	freeBytes func(string) (uint64, error)
	now       func() time.Time
}

func NewService(cfg config.CleanupConfig, registry *storage.Registry, files storage.DiskStore) *Service {
	return &Service{
		cfg:       cfg,
		registry:  registry,
		files:     files,
		records:   make(map[string]models.CleanupRecord),
		remove:    os.Remove,
		freeBytes: freeDiskBytes,
		now:       time.Now,
	}
}

// Track registers a temp path. ownerID ties the path's lifetime to a job or
// session; an empty ownerID means the path is owned by nobody and becomes
// eligible as soon as the grace period passes.
func (s *Service) Track(path, ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[path] = models.CleanupRecord{
		Path:      path,
		OwnerID:   ownerID,
		CreatedAt: s.now(),
	}
}

// Protect pins a path so no sweep ever deletes it, regardless of owner state.
func (s *Service) Protect(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[path]; ok {
		rec.Protected = true
		s.records[path] = rec
	}
}

// Untrack forgets a path without deleting it.
func (s *Service) Untrack(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, path)
}

// TrackedCount reports how many paths are currently tracked.
func (s *Service) TrackedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// AdmissionError returns ErrDiskSpaceExhausted while emergency mode is on.
func (s *Service) AdmissionError() error {
	s.emergencyMu.RLock()
	defer s.emergencyMu.RUnlock()
	if s.emergency {
		return ErrDiskSpaceExhausted
	}
	return nil
}

// Run executes periodic sweeps until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	log.Println("Cleanup Service: Running.")

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-ctx.Done():
			log.Println("Cleanup Service: Shutting down.")
			return
		}
	}
}

// OnTerminal is invoked synchronously when a job or session reaches a
// terminal state: the owner's paths become immediately eligible.
func (s *Service) OnTerminal(ownerID string) {
	active := s.registry.ActiveOwnerIDs()

	s.mu.Lock()
	var victims []models.CleanupRecord
	for path, rec := range s.records {
		if rec.Protected || rec.OwnerID != ownerID {
			continue
		}
		if _, stillActive := active[ownerID]; stillActive {
			continue
		}
		victims = append(victims, rec)
		delete(s.records, path)
	}
	s.mu.Unlock()

	for _, rec := range victims {
		s.reclaim(rec)
	}
}

// Sweep deletes every unprotected path whose owner is terminal (or absent)
// and whose grace period has passed. Under disk pressure the grace period is
// bypassed and admission of new jobs is rejected until space recovers.
func (s *Service) Sweep() int {
	emergency := s.checkDiskSpace()
	active := s.registry.ActiveOwnerIDs()
	cutoff := s.now().Add(-s.cfg.GracePeriod)

	s.mu.Lock()
	var victims []models.CleanupRecord
	for path, rec := range s.records {
		if rec.Protected {
			continue
		}
		if rec.OwnerID != "" {
			if _, stillActive := active[rec.OwnerID]; stillActive {
				continue
			}
		}
		if !emergency && rec.CreatedAt.After(cutoff) {
			continue
		}
		victims = append(victims, rec)
		delete(s.records, path)
	}
	s.mu.Unlock()

	for _, rec := range victims {
		s.reclaim(rec)
	}
	if len(victims) > 0 {
		log.Printf("Cleanup Service: Reclaimed %d temp paths (emergency=%v).", len(victims), emergency)
	}
	return len(victims)
}

// reclaim deletes the path and, for upload paths tracked under their file id,
// drops the file record so a deleted upload cannot resurface via file lookup.
// Owner ids that are job or session ids have no file record; the drops no-op.
func (s *Service) reclaim(rec models.CleanupRecord) {
	s.removePath(rec.Path)
	if rec.OwnerID == "" {
		return
	}
	s.registry.DeleteFile(rec.OwnerID)
	if s.files != nil {
		if err := s.files.DeleteFile(rec.OwnerID); err != nil {
			log.Printf("Cleanup Service: Failed to drop file record %s: %v", rec.OwnerID, err)
		}
	}
}

func (s *Service) removePath(path string) {
	if err := s.remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Cleanup Service: Failed to remove %s: %v", path, err)
	}
}

func (s *Service) checkDiskSpace() bool {
	if s.cfg.MinFreeBytes == 0 {
		return false
	}
	free, err := s.freeBytes(s.cfg.TempDir)
	if err != nil {
		log.Printf("Cleanup Service: Disk space probe failed: %v", err)
		return false
	}
	emergency := free < s.cfg.MinFreeBytes

	s.emergencyMu.Lock()
	if emergency != s.emergency {
		if emergency {
			log.Printf("Cleanup Service: Free space %d below threshold %d, entering emergency mode.", free, s.cfg.MinFreeBytes)
		} else {
			log.Println("Cleanup Service: Disk space recovered, leaving emergency mode.")
		}
	}
	s.emergency = emergency
	s.emergencyMu.Unlock()
	return emergency
}

func freeDiskBytes(dir string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
