package storage

import (
	"errors"
	"sync"

	"transcription-orchestrator/pkg/models"
)

var (
	ErrFileNotFound    = errors.New("file not found")
	ErrJobNotFound     = errors.New("job not found")
	ErrBatchNotFound   = errors.New("batch not found")
	ErrSessionNotFound = errors.New("session not found")
)

// jobRecord pairs one job with its own lock so unrelated jobs never contend.
type jobRecord struct {
	mu  sync.Mutex
	job models.TranscriptionJob
}

type sessionRecord struct {
	mu      sync.Mutex
	session models.StreamingSession
}

// Registry holds all live job, batch, file and session state. The outer maps
// are guarded by a single RWMutex for insert/lookup only; every mutation of a
// job or session happens under that record's own lock.
type Registry struct {
	mu       sync.RWMutex
	files    map[string]models.FileInfo
	jobs     map[string]*jobRecord
	batches  map[string]models.BatchJob
	sessions map[string]*sessionRecord
}

func NewRegistry() *Registry {
	return &Registry{
		files:    make(map[string]models.FileInfo),
		jobs:     make(map[string]*jobRecord),
		batches:  make(map[string]models.BatchJob),
		sessions: make(map[string]*sessionRecord),
	}
}

func (r *Registry) PutFile(f models.FileInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[f.ID] = f
}

func (r *Registry) GetFile(id string) (models.FileInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.files[id]
	if !ok {
		return models.FileInfo{}, ErrFileNotFound
	}
	return f, nil
}

func (r *Registry) DeleteFile(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.files, id)
}

func (r *Registry) PutJob(job models.TranscriptionJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = &jobRecord{job: job}
}

// GetJob returns a snapshot of the job. Callers never receive a live pointer.
func (r *Registry) GetJob(id string) (models.TranscriptionJob, error) {
	r.mu.RLock()
	rec, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return models.TranscriptionJob{}, ErrJobNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.job, nil
}

// UpdateJob applies fn to the job under its own lock and returns the updated
// snapshot.
func (r *Registry) UpdateJob(id string, fn func(*models.TranscriptionJob)) (models.TranscriptionJob, error) {
	r.mu.RLock()
	rec, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return models.TranscriptionJob{}, ErrJobNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	fn(&rec.job)
	return rec.job, nil
}

// Jobs returns snapshots of all registered jobs.
func (r *Registry) Jobs() []models.TranscriptionJob {
	r.mu.RLock()
	recs := make([]*jobRecord, 0, len(r.jobs))
	for _, rec := range r.jobs {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]models.TranscriptionJob, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.job)
		rec.mu.Unlock()
	}
	return out
}

func (r *Registry) PutBatch(b models.BatchJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[b.ID] = b
}

func (r *Registry) GetBatch(id string) (models.BatchJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.batches[id]
	if !ok {
		return models.BatchJob{}, ErrBatchNotFound
	}
	return b, nil
}

func (r *Registry) PutSession(s models.StreamingSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = &sessionRecord{session: s}
}

func (r *Registry) GetSession(id string) (models.StreamingSession, error) {
	r.mu.RLock()
	rec, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return models.StreamingSession{}, ErrSessionNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.session, nil
}

func (r *Registry) UpdateSession(id string, fn func(*models.StreamingSession)) (models.StreamingSession, error) {
	r.mu.RLock()
	rec, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return models.StreamingSession{}, ErrSessionNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	fn(&rec.session)
	return rec.session, nil
}

// Sessions returns snapshots of all registered sessions.
func (r *Registry) Sessions() []models.StreamingSession {
	r.mu.RLock()
	recs := make([]*sessionRecord, 0, len(r.sessions))
	for _, rec := range r.sessions {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]models.StreamingSession, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.session)
		rec.mu.Unlock()
	}
	return out
}

// ActiveOwnerIDs returns ids of every job and session not yet in a terminal
// state, plus the files those jobs still read. The cleanup service derives
// its protected-path set from this snapshot instead of sharing locks with
// the scheduler.
func (r *Registry) ActiveOwnerIDs() map[string]struct{} {
	active := make(map[string]struct{})
	for _, job := range r.Jobs() {
		if !job.Status.Terminal() {
			active[job.ID] = struct{}{}
			active[job.FileID] = struct{}{}
		}
	}
	for _, s := range r.Sessions() {
		if !s.Status.Terminal() {
			active[s.ID] = struct{}{}
		}
	}
	return active
}

// FileReferenced reports whether any non-terminal job still reads the file.
func (r *Registry) FileReferenced(fileID string) bool {
	for _, job := range r.Jobs() {
		if job.FileID == fileID && !job.Status.Terminal() {
			return true
		}
	}
	return false
}
