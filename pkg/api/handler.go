package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/gorilla/mux"

	"transcription-orchestrator/pkg/cleanup"
	"transcription-orchestrator/pkg/models"
	"transcription-orchestrator/pkg/render"
	"transcription-orchestrator/pkg/scheduler"
	"transcription-orchestrator/pkg/storage"
	"transcription-orchestrator/pkg/stream"
)

const maxUploadBytes = 500 << 20 // 500MB, ~2h audio

var allowedMimeTypes = map[string]bool{
	"audio/wav": true, "audio/x-wav": true,
	"audio/mpeg": true, "audio/mp3": true,
	"audio/ogg": true, "audio/flac": true, "audio/x-flac": true,
	"audio/mp4": true, "audio/m4a": true, "audio/x-m4a": true,
	"audio/webm": true, "video/webm": true,
}

// Handlers wires the REST surface to the scheduler and its collaborators.
type Handlers struct {
	sched        *scheduler.Scheduler
	registry     *storage.Registry
	disk         storage.DiskStore
	cleaner      *cleanup.Service
	sessions     *stream.Manager
	tempDir      string
	maxPromptLen int
}

func NewHandlers(sched *scheduler.Scheduler, registry *storage.Registry, disk storage.DiskStore, cleaner *cleanup.Service, sessions *stream.Manager, tempDir string, maxPromptLen int) *Handlers {
	return &Handlers{
		sched:        sched,
		registry:     registry,
		disk:         disk,
		cleaner:      cleaner,
		sessions:     sessions,
		tempDir:      tempDir,
		maxPromptLen: maxPromptLen,
	}
}

// UploadHandler registers an uploaded audio file and stores its bytes in the
// temp dir under cleanup tracking.
func (h *Handlers) UploadHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.cleaner.AdmissionError(); err != nil {
		writeError(w, http.StatusInsufficientStorage, err.Error())
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse upload form")
		return
	}

	duration, err := strconv.ParseFloat(r.FormValue("duration"), 64)
	if err != nil || duration <= 0 {
		writeError(w, http.StatusBadRequest, "duration (seconds) is required")
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	if !allowedMimeTypes[mimeType] {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported audio type %q", mimeType))
		return
	}

	id := models.NewID()
	path := filepath.Join(h.tempDir, "upload-"+id)
	dst, err := os.Create(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}
	size, err := io.Copy(dst, file)
	dst.Close()
	if err != nil {
		os.Remove(path)
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	info := models.FileInfo{
		ID:       id,
		Name:     header.Filename,
		Size:     size,
		Duration: duration,
		MimeType: mimeType,
		Path:     path,
		Uploaded: time.Now(),
	}
	h.registry.PutFile(info)
	if h.disk != nil {
		if err := h.disk.StoreFile(info); err != nil {
			log.Printf("API: Failed to persist file record %s: %v", id, err)
		}
	}
	h.cleaner.Track(path, id)

	log.Printf("API: File %s uploaded (%s, %d bytes, %.1fs).", id, header.Filename, size, duration)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"file_id":  id,
		"size":     size,
		"duration": duration,
	})
}

// DeleteFileHandler removes an upload no non-terminal job still references.
func (h *Handlers) DeleteFileHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	f, err := h.registry.GetFile(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if h.registry.FileReferenced(id) {
		writeError(w, http.StatusConflict, "file is referenced by an active job")
		return
	}

	h.cleaner.Untrack(f.Path)
	h.registry.DeleteFile(id)
	if h.disk != nil {
		if err := h.disk.DeleteFile(id); err != nil {
			log.Printf("API: Failed to drop file record %s: %v", id, err)
		}
	}
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("API: Failed to remove upload %s: %v", f.Path, err)
	}

	log.Printf("API: File %s deleted.", id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"file_id": id, "deleted": true})
}

type transcribeFileRequest struct {
	FileID string                  `json:"file_id"`
	Config models.TranscribeConfig `json:"config"`
}

// TranscribeFileHandler submits one file job.
func (h *Handlers) TranscribeFileHandler(w http.ResponseWriter, r *http.Request) {
	var req transcribeFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !h.validateConfig(w, req.Config) {
		return
	}

	job, err := h.sched.SubmitFile(req.FileID, req.Config)
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id": job.ID,
		"status": job.Status,
	})
}

type transcribeBatchRequest struct {
	FileIDs []string                `json:"file_ids"`
	Config  models.TranscribeConfig `json:"config"`
}

// TranscribeBatchHandler submits a batch of file jobs.
func (h *Handlers) TranscribeBatchHandler(w http.ResponseWriter, r *http.Request) {
	var req transcribeBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !h.validateConfig(w, req.Config) {
		return
	}

	batch, err := h.sched.SubmitBatch(req.FileIDs, req.Config)
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"batch_id": batch.ID,
		"status":   models.JobStatusQueued,
		"jobs":     batch.JobIDs,
	})
}

// ProgressHandler serves the derived job progress view.
func (h *Handlers) ProgressHandler(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	progress, err := h.sched.Progress(jobID)
	if err != nil {
		if errors.Is(err, storage.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// BatchProgressHandler serves the derived batch aggregate view.
func (h *Handlers) BatchProgressHandler(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["id"]
	snap, err := h.sched.BatchProgress(batchID)
	if err != nil {
		if errors.Is(err, storage.ErrBatchNotFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load batch")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// CancelHandler cancels a non-terminal job.
func (h *Handlers) CancelHandler(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	job, err := h.sched.Cancel(jobID)
	switch {
	case errors.Is(err, storage.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, scheduler.ErrJobNotCancellable):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": job.ID,
		"status": job.Status,
	})
}

// TranscriptHandler renders a finished transcript as json/txt/srt/vtt.
func (h *Handlers) TranscriptHandler(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	format := render.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = render.FormatJSON
	}

	transcript, err := h.sched.Transcript(jobID)
	if err != nil {
		if errors.Is(err, storage.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	out, err := render.Render(transcript, format)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

func (h *Handlers) validateConfig(w http.ResponseWriter, cfg models.TranscribeConfig) bool {
	// Character bound, not bytes: multibyte prompts count by rune.
	if utf8.RuneCountInString(cfg.SystemPrompt) > h.maxPromptLen {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("system prompt exceeds %d characters", h.maxPromptLen))
		return false
	}
	return true
}

func (h *Handlers) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cleanup.ErrDiskSpaceExhausted):
		writeError(w, http.StatusInsufficientStorage, err.Error())
	case errors.Is(err, storage.ErrFileNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrBatchTooLarge):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
