package models

import (
	"time"

	"github.com/google/uuid"
)

// FileInfo describes one uploaded audio file. Immutable once registered.
type FileInfo struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Duration float64   `json:"duration"`
	MimeType string    `json:"mime_type"`
	Path     string    `json:"path"`
	Uploaded time.Time `json:"uploaded"`
}

// AudioChunk is one time window of a file, computed once by the planner.
type AudioChunk struct {
	ID          string  `json:"id"`
	FileID      string  `json:"file_id"`
	Index       int     `json:"index"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	OverlapNext float64 `json:"overlap_next"`
}

// Duration returns the window length in seconds.
func (c AudioChunk) Duration() float64 {
	return c.End - c.Start
}

// Segment is one timed span of transcribed text.
type Segment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// ChunkResult is the engine output for one chunk. Written exactly once by the
// worker pool, consumed exactly once by the merger.
type ChunkResult struct {
	ChunkID        string        `json:"chunk_id"`
	Index          int           `json:"index"`
	Text           string        `json:"text"`
	Segments       []Segment     `json:"segments"`
	Language       string        `json:"language,omitempty"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// Transcript is the merged whole-file result.
type Transcript struct {
	JobID    string    `json:"job_id"`
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
	Language string    `json:"language,omitempty"`
	Duration float64   `json:"duration"`
}

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transitions can occur.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// TranscribeConfig carries the per-request engine options.
type TranscribeConfig struct {
	ChunkProfile    string `json:"chunk_profile,omitempty"`
	SystemPrompt    string `json:"system_prompt,omitempty"`
	Language        string `json:"language,omitempty"`
	ContinueOnError bool   `json:"continue_on_error,omitempty"`
}

// TranscriptionJob is the unit of work transcribing one file end-to-end.
// Mutated only by the scheduler under the job's own lock.
type TranscriptionJob struct {
	ID              string           `json:"id"`
	FileID          string           `json:"file_id"`
	BatchID         string           `json:"batch_id,omitempty"`
	Config          TranscribeConfig `json:"config"`
	Chunks          []AudioChunk     `json:"chunks"`
	Status          JobStatus        `json:"status"`
	Progress        float64          `json:"progress"`
	ChunksCompleted int              `json:"chunks_completed"`
	ChunksFailed    int              `json:"chunks_failed"`
	Results         []ChunkResult    `json:"results,omitempty"`
	Transcript      *Transcript      `json:"transcript,omitempty"`
	Error           string           `json:"error,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	FinishedAt      *time.Time       `json:"finished_at,omitempty"`
}

// BatchJob groups jobs submitted together. Aggregate counts and progress are
// derived from the constituent jobs on every query, never stored.
type BatchJob struct {
	ID              string    `json:"id"`
	JobIDs          []string  `json:"job_ids"`
	ContinueOnError bool      `json:"continue_on_error"`
	CreatedAt       time.Time `json:"created_at"`
}

// BatchSnapshot is the derived view of a batch at one instant.
type BatchSnapshot struct {
	BatchID         string        `json:"batch_id"`
	CompletedFiles  int           `json:"completed_files"`
	FailedFiles     int           `json:"failed_files"`
	OverallProgress float64       `json:"overall_progress"`
	Jobs            []JobProgress `json:"jobs"`
}

// JobProgress is the progress view served to clients and broadcast on state
// changes.
type JobProgress struct {
	JobID         string    `json:"job_id"`
	Status        JobStatus `json:"status"`
	Progress      float64   `json:"progress"`
	CurrentChunk  int       `json:"current_chunk"`
	TotalChunks   int       `json:"total_chunks"`
	TimeElapsed   float64   `json:"time_elapsed"`
	TimeRemaining float64   `json:"time_remaining"`
	Error         string    `json:"error,omitempty"`
}

type SessionStatus string

const (
	SessionCreated  SessionStatus = "created"
	SessionActive   SessionStatus = "active"
	SessionStopped  SessionStatus = "stopped"
	SessionTimedOut SessionStatus = "timed_out"
)

// Terminal reports whether the session accepts no further frames.
func (s SessionStatus) Terminal() bool {
	return s == SessionStopped || s == SessionTimedOut
}

// StreamConfig is the audio format negotiated at stream:start.
type StreamConfig struct {
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Format     string `json:"format"`
}

// StreamingSession is one live microphone stream, distinct from file jobs.
type StreamingSession struct {
	ID            string        `json:"id"`
	Config        StreamConfig  `json:"config"`
	Status        SessionStatus `json:"status"`
	LastSequence  int64         `json:"last_sequence"`
	AudioDuration float64       `json:"audio_duration"`
	CreatedAt     time.Time     `json:"created_at"`
	LastFrameAt   time.Time     `json:"last_frame_at"`
}

// CleanupRecord tracks one temp path and its owner. A path is eligible for
// deletion only when unprotected and its owner (if any) is terminal.
type CleanupRecord struct {
	Path      string    `json:"path"`
	OwnerID   string    `json:"owner_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Protected bool      `json:"protected"`
}

// NewID returns a fresh uuid string.
func NewID() string {
	return uuid.New().String()
}
