package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"transcription-orchestrator/pkg/broadcast"
	"transcription-orchestrator/pkg/config"
	"transcription-orchestrator/pkg/engine"
	"transcription-orchestrator/pkg/models"
	"transcription-orchestrator/pkg/planner"
	"transcription-orchestrator/pkg/storage"
)

var (
	// ErrBatchTooLarge rejects batches outside the 1..MaxBatchSize range.
	ErrBatchTooLarge = errors.New("batch size out of range")
	// ErrJobNotCancellable is returned when cancelling a terminal job.
	ErrJobNotCancellable = errors.New("job already in a terminal state")
)

// Admission gates new job creation. The cleanup service implements it with
// its disk-pressure check.
type Admission interface {
	AdmissionError() error
	OnTerminal(ownerID string)
}

// ChunkLoader yields the audio bytes for one planned chunk window.
type ChunkLoader interface {
	Load(ctx context.Context, file models.FileInfo, chunk models.AudioChunk) ([]byte, error)
}

// Scheduler owns the job and batch lifecycle: it plans chunks, runs them
// through the bounded worker pool, merges results and reports progress.
type Scheduler struct {
	cfg       config.SchedulerConfig
	chunking  config.ChunkingConfig
	callTO    time.Duration
	registry  *storage.Registry
	disk      storage.DiskStore
	engine    engine.Client
	loader    ChunkLoader
	hub       *broadcast.Hub
	admission Admission

	// globalSem caps in-flight engine calls across all jobs.
	globalSem chan struct{}

	ctx context.Context

	now func() time.Time
}

func New(
	cfg config.SchedulerConfig,
	chunking config.ChunkingConfig,
	callTimeout time.Duration,
	registry *storage.Registry,
	disk storage.DiskStore,
	eng engine.Client,
	loader ChunkLoader,
	hub *broadcast.Hub,
	admission Admission,
) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		chunking:  chunking,
		callTO:    callTimeout,
		registry:  registry,
		disk:      disk,
		engine:    eng,
		loader:    loader,
		hub:       hub,
		admission: admission,
		globalSem: make(chan struct{}, cfg.GlobalMaxInFlight),
		ctx:       context.Background(),
		now:       time.Now,
	}
}

// Start binds the scheduler's background work to ctx; jobs started after a
// cancel of ctx stop dispatching.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
}

// SubmitFile validates the request, plans the chunk windows and starts the
// job asynchronously. Validation failures never enter the state machine.
func (s *Scheduler) SubmitFile(fileID string, cfg models.TranscribeConfig) (models.TranscriptionJob, error) {
	job, err := s.createJob(fileID, "", cfg)
	if err != nil {
		return models.TranscriptionJob{}, err
	}
	go s.runJob(s.ctx, job.ID)
	return job, nil
}

// SubmitBatch creates one job per file and runs them concurrently under the
// global in-flight ceiling. Batch aggregates stay derived from job state.
func (s *Scheduler) SubmitBatch(fileIDs []string, cfg models.TranscribeConfig) (models.BatchJob, error) {
	if len(fileIDs) < 1 || len(fileIDs) > s.cfg.MaxBatchSize {
		return models.BatchJob{}, fmt.Errorf("%w: got %d files, want 1..%d", ErrBatchTooLarge, len(fileIDs), s.cfg.MaxBatchSize)
	}

	batch := models.BatchJob{
		ID:              models.NewID(),
		ContinueOnError: cfg.ContinueOnError,
		CreatedAt:       s.now(),
	}

	// Build every job before registering any: a rejected file must not leave
	// earlier jobs stranded in queued, where they would protect their files
	// from cleanup forever.
	jobs := make([]models.TranscriptionJob, 0, len(fileIDs))
	for _, fileID := range fileIDs {
		job, err := s.buildJob(fileID, batch.ID, cfg)
		if err != nil {
			return models.BatchJob{}, fmt.Errorf("file %s: %w", fileID, err)
		}
		jobs = append(jobs, job)
		batch.JobIDs = append(batch.JobIDs, job.ID)
	}

	s.registry.PutBatch(batch)
	for _, job := range jobs {
		s.registry.PutJob(job)
		go s.runJob(s.ctx, job.ID)
	}
	log.Printf("Scheduler: Batch %s submitted with %d jobs.", batch.ID, len(jobs))
	return batch, nil
}

func (s *Scheduler) createJob(fileID, batchID string, cfg models.TranscribeConfig) (models.TranscriptionJob, error) {
	job, err := s.buildJob(fileID, batchID, cfg)
	if err != nil {
		return models.TranscriptionJob{}, err
	}
	s.registry.PutJob(job)
	log.Printf("Scheduler: Job %s queued with %d chunks for file %s.", job.ID, len(job.Chunks), job.FileID)
	return job, nil
}

// buildJob validates the request and plans the chunk windows without
// registering anything.
func (s *Scheduler) buildJob(fileID, batchID string, cfg models.TranscribeConfig) (models.TranscriptionJob, error) {
	if err := s.admission.AdmissionError(); err != nil {
		return models.TranscriptionJob{}, err
	}

	file, err := s.registry.GetFile(fileID)
	if errors.Is(err, storage.ErrFileNotFound) && s.disk != nil {
		file, err = s.disk.GetFile(fileID)
	}
	if err != nil {
		return models.TranscriptionJob{}, err
	}

	profile := cfg.ChunkProfile
	if profile == "" {
		profile = s.chunking.DefaultProfile
	}
	chunkDur, err := planner.ChunkDuration(profile)
	if err != nil {
		return models.TranscriptionJob{}, err
	}
	chunks, err := planner.Plan(file.ID, file.Duration, chunkDur, s.chunking.OverlapSeconds)
	if err != nil {
		return models.TranscriptionJob{}, err
	}

	job := models.TranscriptionJob{
		ID:        models.NewID(),
		FileID:    file.ID,
		BatchID:   batchID,
		Config:    cfg,
		Chunks:    chunks,
		Status:    models.JobStatusQueued,
		CreatedAt: s.now(),
	}
	return job, nil
}

// Cancel flips a non-terminal job to cancelled. New chunk dispatch stops
// immediately; in-flight engine calls drain naturally and their results are
// discarded.
func (s *Scheduler) Cancel(jobID string) (models.TranscriptionJob, error) {
	var rejected error
	job, err := s.registry.UpdateJob(jobID, func(j *models.TranscriptionJob) {
		if j.Status.Terminal() {
			rejected = ErrJobNotCancellable
			return
		}
		j.Status = models.JobStatusCancelled
		now := s.now()
		j.FinishedAt = &now
	})
	if err != nil {
		return models.TranscriptionJob{}, err
	}
	if rejected != nil {
		return job, rejected
	}
	log.Printf("Scheduler: Job %s cancelled.", jobID)
	s.publishProgress(job)
	s.finishJob(job)
	return job, nil
}

// Progress derives the client-facing progress view. Finished jobs evicted
// from memory are served from the disk store.
func (s *Scheduler) Progress(jobID string) (models.JobProgress, error) {
	job, err := s.registry.GetJob(jobID)
	if errors.Is(err, storage.ErrJobNotFound) && s.disk != nil {
		job, err = s.disk.GetJob(jobID)
	}
	if err != nil {
		return models.JobProgress{}, err
	}
	return s.progressOf(job), nil
}

// Transcript returns the merged transcript of a completed job.
func (s *Scheduler) Transcript(jobID string) (*models.Transcript, error) {
	job, err := s.registry.GetJob(jobID)
	if errors.Is(err, storage.ErrJobNotFound) && s.disk != nil {
		job, err = s.disk.GetJob(jobID)
	}
	if err != nil {
		return nil, err
	}
	if job.Transcript == nil {
		return nil, fmt.Errorf("job %s has no transcript (status %s)", jobID, job.Status)
	}
	return job.Transcript, nil
}

// BatchProgress derives the aggregate batch view from its constituent jobs
// at call time, so the counts can never go stale.
func (s *Scheduler) BatchProgress(batchID string) (models.BatchSnapshot, error) {
	batch, err := s.registry.GetBatch(batchID)
	if err != nil {
		return models.BatchSnapshot{}, err
	}

	snap := models.BatchSnapshot{BatchID: batch.ID}
	var sum float64
	for _, jobID := range batch.JobIDs {
		job, err := s.registry.GetJob(jobID)
		if err != nil {
			continue
		}
		p := s.progressOf(job)
		snap.Jobs = append(snap.Jobs, p)
		sum += p.Progress
		switch job.Status {
		case models.JobStatusCompleted:
			snap.CompletedFiles++
		case models.JobStatusFailed, models.JobStatusCancelled:
			snap.FailedFiles++
		}
	}
	if len(batch.JobIDs) > 0 {
		snap.OverallProgress = sum / float64(len(batch.JobIDs))
	}
	return snap, nil
}

func (s *Scheduler) progressOf(job models.TranscriptionJob) models.JobProgress {
	p := models.JobProgress{
		JobID:       job.ID,
		Status:      job.Status,
		Progress:    job.Progress,
		TotalChunks: len(job.Chunks),
		Error:       job.Error,
	}
	p.CurrentChunk = job.ChunksCompleted + job.ChunksFailed
	if job.StartedAt != nil {
		end := s.now()
		if job.FinishedAt != nil {
			end = *job.FinishedAt
		}
		p.TimeElapsed = end.Sub(*job.StartedAt).Seconds()
	}
	done := job.ChunksCompleted + job.ChunksFailed
	if done > 0 && done < len(job.Chunks) && !job.Status.Terminal() {
		perChunk := p.TimeElapsed / float64(done)
		p.TimeRemaining = perChunk * float64(len(job.Chunks)-done)
	}
	return p
}

// publishProgress emits job:progress at the state-change site so per-job
// event order matches state-change order.
func (s *Scheduler) publishProgress(job models.TranscriptionJob) {
	s.hub.Publish(broadcast.Event{
		Type:     "job:progress",
		EntityID: job.ID,
		Payload:  s.progressOf(job),
	})
	if job.BatchID != "" {
		if snap, err := s.BatchProgress(job.BatchID); err == nil {
			s.hub.Publish(broadcast.Event{
				Type:     "batch:progress",
				EntityID: job.BatchID,
				Payload:  snap,
			})
		}
	}
}

// finishJob runs the terminal-state side effects: persistence, cleanup and
// batch failure policy.
func (s *Scheduler) finishJob(job models.TranscriptionJob) {
	if s.disk != nil {
		if err := s.disk.StoreJob(job); err != nil {
			log.Printf("Scheduler: Failed to persist job %s: %v", job.ID, err)
		}
	}
	s.admission.OnTerminal(job.ID)

	if job.BatchID != "" && job.Status == models.JobStatusFailed {
		batch, err := s.registry.GetBatch(job.BatchID)
		if err == nil && !batch.ContinueOnError {
			for _, siblingID := range batch.JobIDs {
				if siblingID == job.ID {
					continue
				}
				if sibling, err := s.registry.GetJob(siblingID); err == nil && !sibling.Status.Terminal() {
					if _, err := s.Cancel(siblingID); err != nil && !errors.Is(err, ErrJobNotCancellable) {
						log.Printf("Scheduler: Failed to cancel sibling job %s: %v", siblingID, err)
					}
				}
			}
		}
	}
}
