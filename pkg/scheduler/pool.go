package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"transcription-orchestrator/pkg/engine"
	"transcription-orchestrator/pkg/merge"
	"transcription-orchestrator/pkg/models"
)

// chunkTask carries the retry state for one chunk so the pool can inspect
// and bound it declaratively.
type chunkTask struct {
	chunk       models.AudioChunk
	attempts    int
	nextRetryAt time.Time
}

type chunkOutcome struct {
	task   chunkTask
	result *models.ChunkResult
	err    error
}

// runJob executes one job's chunk list with at most MaxConcurrentChunks in
// flight for this job, additionally bounded by the global semaphore shared
// across jobs. Every chunk completion updates job progress and is broadcast
// before the next dispatch proceeds.
func (s *Scheduler) runJob(ctx context.Context, jobID string) {
	job, err := s.registry.GetJob(jobID)
	if err != nil {
		log.Printf("Worker Pool: Job %s vanished before start: %v", jobID, err)
		return
	}
	file, err := s.registry.GetFile(job.FileID)
	if err != nil {
		s.failJob(jobID, fmt.Sprintf("file %s unavailable: %v", job.FileID, err))
		return
	}

	pending := make([]chunkTask, 0, len(job.Chunks))
	for _, c := range job.Chunks {
		pending = append(pending, chunkTask{chunk: c})
	}

	done := make(chan chunkOutcome)
	inflight := 0
	started := false
	aborted := false
	abortMsg := ""
	results := make([]models.ChunkResult, 0, len(pending))

	for len(pending) > 0 || inflight > 0 {
		snapshot, err := s.registry.GetJob(jobID)
		if err != nil {
			return
		}
		cancelled := snapshot.Status == models.JobStatusCancelled

		if cancelled || aborted {
			// Stop dispatching; in-flight calls drain naturally below and
			// their results are discarded.
			pending = nil
		}

		// Dispatch every ready task up to the per-job bound.
		var retryTimer *time.Timer
		var wait <-chan time.Time
		for inflight < s.cfg.MaxConcurrentChunks && len(pending) > 0 {
			idx, readyAt := nextReady(pending, s.now())
			if idx < 0 {
				retryTimer = time.NewTimer(readyAt.Sub(s.now()))
				wait = retryTimer.C
				break
			}
			task := pending[idx]
			pending = append(pending[:idx], pending[idx+1:]...)

			if acquired := s.acquireGlobalSlot(ctx); !acquired {
				pending = nil
				break
			}
			if !started {
				started = true
				updated, err := s.registry.UpdateJob(jobID, func(j *models.TranscriptionJob) {
					if j.Status == models.JobStatusQueued {
						j.Status = models.JobStatusProcessing
						now := s.now()
						j.StartedAt = &now
					}
				})
				if err == nil {
					s.publishProgress(updated)
				}
			}

			inflight++
			go s.executeChunk(ctx, file, snapshot.Config, task, done)
		}

		if inflight == 0 {
			if len(pending) == 0 {
				break
			}
			// Everything pending is backing off; sleep until the earliest.
			select {
			case <-wait:
			case <-ctx.Done():
				pending = nil
			}
			stopTimer(retryTimer)
			continue
		}

		var out chunkOutcome
		select {
		case out = <-done:
		case <-wait:
			stopTimer(retryTimer)
			continue
		}
		stopTimer(retryTimer)
		inflight--

		if cancelled {
			continue // discarded, never merged
		}

		switch {
		case out.err == nil:
			results = append(results, *out.result)
			mutated := false
			updated, uerr := s.registry.UpdateJob(jobID, func(j *models.TranscriptionJob) {
				if j.Status.Terminal() {
					return // cancel won the race, result discarded
				}
				j.ChunksCompleted++
				j.Results = append(j.Results, *out.result)
				j.Progress = progressPct(j)
				mutated = true
			})
			if uerr == nil && mutated {
				s.publishProgress(updated)
			}

		case engine.Retryable(out.err) && out.task.attempts <= s.cfg.MaxRetries:
			task := out.task
			task.nextRetryAt = s.now().Add(s.backoff(task.attempts))
			log.Printf("Worker Pool: Chunk %d of job %s failed (attempt %d), retrying: %v",
				task.chunk.Index, jobID, task.attempts, out.err)
			pending = append(pending, task)

		default:
			log.Printf("Worker Pool: Chunk %d of job %s failed terminally: %v",
				out.task.chunk.Index, jobID, out.err)
			mutated := false
			updated, uerr := s.registry.UpdateJob(jobID, func(j *models.TranscriptionJob) {
				if j.Status.Terminal() {
					return
				}
				j.ChunksFailed++
				j.Progress = progressPct(j)
				mutated = true
			})
			if uerr == nil && mutated {
				s.publishProgress(updated)
			}
			if !snapshot.Config.ContinueOnError {
				aborted = true
				abortMsg = fmt.Sprintf("chunk %d failed: %v", out.task.chunk.Index, out.err)
			}
		}
	}

	s.finalizeJob(jobID, job.Chunks, results, aborted, abortMsg)
}

// nextReady returns the index of the first dispatchable task, or -1 and the
// earliest retry time when all pending tasks are still backing off.
func nextReady(pending []chunkTask, now time.Time) (int, time.Time) {
	earliest := time.Time{}
	for i, task := range pending {
		if !task.nextRetryAt.After(now) {
			return i, time.Time{}
		}
		if earliest.IsZero() || task.nextRetryAt.Before(earliest) {
			earliest = task.nextRetryAt
		}
	}
	return -1, earliest
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (s *Scheduler) acquireGlobalSlot(ctx context.Context) bool {
	select {
	case s.globalSem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.cfg.RetryBackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}

// executeChunk holds the global slot only for the duration of the engine
// call. It is released before the outcome is handed back: the dispatch loop
// may be blocked acquiring a slot for another chunk and must never depend on
// this job's receive to free one.
func (s *Scheduler) executeChunk(ctx context.Context, file models.FileInfo, cfg models.TranscribeConfig, task chunkTask, done chan<- chunkOutcome) {
	task.attempts++

	audio, err := s.loader.Load(ctx, file, task.chunk)
	if err != nil {
		<-s.globalSem
		done <- chunkOutcome{task: task, err: &engine.EngineError{
			Kind: engine.KindTerminal, Message: "failed to load chunk audio", Err: err,
		}}
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTO)
	defer cancel()

	start := s.now()
	res, err := s.engine.Transcribe(callCtx, audio, formatOf(file.MimeType), engine.Config{
		SystemPrompt: cfg.SystemPrompt,
		Language:     cfg.Language,
	})
	<-s.globalSem
	if err != nil {
		done <- chunkOutcome{task: task, err: err}
		return
	}

	done <- chunkOutcome{task: task, result: &models.ChunkResult{
		ChunkID:        task.chunk.ID,
		Index:          task.chunk.Index,
		Text:           res.Text,
		Segments:       res.Segments,
		Language:       res.Language,
		ProcessingTime: s.now().Sub(start),
	}}
}

// finalizeJob applies the terminal transition and, on success, merges the
// chunk results into the whole-file transcript. Progress reaches 100 only
// here, in the same update that flips the status.
func (s *Scheduler) finalizeJob(jobID string, chunks []models.AudioChunk, results []models.ChunkResult, aborted bool, abortMsg string) {
	snapshot, err := s.registry.GetJob(jobID)
	if err != nil {
		return
	}
	if snapshot.Status == models.JobStatusCancelled {
		// Cancel already ran the terminal side effects.
		return
	}

	if aborted {
		s.failJob(jobID, abortMsg)
		return
	}
	if len(results) == 0 {
		s.failJob(jobID, "all chunks failed")
		return
	}

	transcript, err := merge.Merge(jobID, chunks, results)
	if err != nil {
		s.failJob(jobID, fmt.Sprintf("merge failed: %v", err))
		return
	}

	mutated := false
	updated, err := s.registry.UpdateJob(jobID, func(j *models.TranscriptionJob) {
		if j.Status.Terminal() {
			return // cancel won the race after the snapshot above
		}
		j.Status = models.JobStatusCompleted
		j.Transcript = transcript
		j.Progress = 100
		now := s.now()
		j.FinishedAt = &now
		mutated = true
	})
	if err != nil || !mutated {
		return
	}
	log.Printf("Worker Pool: Job %s completed (%d/%d chunks).", jobID, updated.ChunksCompleted, len(chunks))
	s.publishProgress(updated)
	s.finishJob(updated)
}

func (s *Scheduler) failJob(jobID, msg string) {
	mutated := false
	updated, err := s.registry.UpdateJob(jobID, func(j *models.TranscriptionJob) {
		if j.Status.Terminal() {
			return
		}
		j.Status = models.JobStatusFailed
		j.Error = msg
		now := s.now()
		j.FinishedAt = &now
		mutated = true
	})
	if err != nil || !mutated {
		return
	}
	log.Printf("Worker Pool: Job %s failed: %s", jobID, msg)
	s.publishProgress(updated)
	s.finishJob(updated)
}

// progressPct computes chunk-completion progress, held under 100 until the
// terminal transition applies the final value.
func progressPct(j *models.TranscriptionJob) float64 {
	total := len(j.Chunks)
	if total == 0 {
		return 0
	}
	done := j.ChunksCompleted + j.ChunksFailed
	pct := float64(done) / float64(total) * 100
	if pct >= 100 && !j.Status.Terminal() {
		pct = 99
	}
	return pct
}

func formatOf(mimeType string) string {
	switch mimeType {
	case "audio/wav", "audio/x-wav":
		return "wav"
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/ogg":
		return "ogg"
	case "audio/flac", "audio/x-flac":
		return "flac"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return "m4a"
	case "video/webm", "audio/webm":
		return "webm"
	default:
		return "bin"
	}
}
