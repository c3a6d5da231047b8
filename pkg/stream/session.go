package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"transcription-orchestrator/pkg/broadcast"
	"transcription-orchestrator/pkg/config"
	"transcription-orchestrator/pkg/engine"
	"transcription-orchestrator/pkg/models"
	"transcription-orchestrator/pkg/storage"
)

var (
	// ErrSessionIDReused rejects stream:start with an id seen before.
	ErrSessionIDReused = errors.New("session id already used")
	// ErrSessionNotActive rejects frames for stopped or timed-out sessions.
	ErrSessionNotActive = errors.New("session is not active")
)

// FrameError is a frame-level rejection that leaves the session active.
type FrameError struct {
	Sequence int64
	Reason   string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame %d rejected: %s", e.Sequence, e.Reason)
}

// Partial is the transcription:partial payload for one accepted frame.
type Partial struct {
	SessionID      string  `json:"session_id"`
	Text           string  `json:"text"`
	Confidence     float64 `json:"confidence"`
	SequenceNumber int64   `json:"sequence_number"`
}

// Final is the transcription:final payload emitted when a session ends.
type Final struct {
	SessionID string                 `json:"session_id"`
	Text      string                 `json:"text"`
	Segments  []models.Segment       `json:"segments"`
	Duration  float64                `json:"duration"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// Cleaner receives terminal notifications so session temp state is reclaimed.
type Cleaner interface {
	OnTerminal(ownerID string)
}

// session is the live, mutable state of one stream. Its lock is held across
// the engine call so frame processing is strictly sequential per session.
type session struct {
	mu       sync.Mutex
	id       string
	cfg      models.StreamConfig
	done     bool
	lastSeq  int64
	gotFrame bool
	texts    []string
	segments []models.Segment
	confSum  float64
	confN    int
	audioDur float64
	frames   int
}

// Manager owns all live streaming sessions, one independent concurrent task
// per session, each with strictly sequential frame processing inside.
type Manager struct {
	cfg      config.StreamConfig
	registry *storage.Registry
	engine   engine.Client
	hub      *broadcast.Hub
	cleaner  Cleaner
	callTO   time.Duration

	mu   sync.Mutex
	live map[string]*session

	now func() time.Time
}

func NewManager(cfg config.StreamConfig, registry *storage.Registry, eng engine.Client, hub *broadcast.Hub, cleaner Cleaner, callTimeout time.Duration) *Manager {
	return &Manager{
		cfg:      cfg,
		registry: registry,
		engine:   eng,
		hub:      hub,
		cleaner:  cleaner,
		callTO:   callTimeout,
		live:     make(map[string]*session),
		now:      time.Now,
	}
}

// Run sweeps for inactive sessions until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	log.Println("Session Manager: Running.")

	for {
		select {
		case <-ticker.C:
			m.sweepInactive()
		case <-ctx.Done():
			log.Println("Session Manager: Shutting down.")
			return
		}
	}
}

// Start creates a new live session. Session ids are never reused, even after
// the original session ended: the registry record of every past session is
// the authority, so no separate seen-set has to grow alongside it.
func (m *Manager) Start(sessionID string, cfg models.StreamConfig) (models.StreamingSession, error) {
	if sessionID == "" {
		sessionID = models.NewID()
	}

	m.mu.Lock()
	if _, live := m.live[sessionID]; live {
		m.mu.Unlock()
		return models.StreamingSession{}, ErrSessionIDReused
	}
	if _, err := m.registry.GetSession(sessionID); err == nil {
		m.mu.Unlock()
		return models.StreamingSession{}, ErrSessionIDReused
	}
	m.live[sessionID] = &session{id: sessionID, cfg: cfg, lastSeq: -1}
	m.mu.Unlock()

	record := models.StreamingSession{
		ID:           sessionID,
		Config:       cfg,
		Status:       models.SessionActive,
		LastSequence: -1,
		CreatedAt:    m.now(),
		LastFrameAt:  m.now(),
	}
	m.registry.PutSession(record)
	log.Printf("Session Manager: Session %s started (%dHz, %dch, %s).",
		sessionID, cfg.SampleRate, cfg.Channels, cfg.Format)
	return record, nil
}

// Frame applies one audio frame. Sequence numbers must strictly increase;
// gaps are tolerated, decreases and duplicates are rejected with a
// *FrameError while the session stays active.
func (m *Manager) Frame(ctx context.Context, sessionID string, data []byte, seq int64) (*Partial, error) {
	m.mu.Lock()
	sess, ok := m.live[sessionID]
	m.mu.Unlock()
	if !ok {
		if _, err := m.registry.GetSession(sessionID); err == nil {
			return nil, ErrSessionNotActive
		}
		return nil, storage.ErrSessionNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	// A finalize that raced this frame's pointer fetch already emitted the
	// final event; no partial may follow it.
	if sess.done {
		return nil, ErrSessionNotActive
	}
	if sess.gotFrame && seq <= sess.lastSeq {
		return nil, &FrameError{Sequence: seq, Reason: fmt.Sprintf("sequence not increasing (last %d)", sess.lastSeq)}
	}
	if len(data) == 0 {
		return nil, &FrameError{Sequence: seq, Reason: "empty frame"}
	}

	callCtx, cancel := context.WithTimeout(ctx, m.callTO)
	defer cancel()

	res, err := m.engine.Transcribe(callCtx, data, sess.cfg.Format, engine.Config{})
	if err != nil {
		// The frame is consumed either way: sequence state advances so a
		// client retransmit with the same number is still a duplicate.
		sess.lastSeq = seq
		sess.gotFrame = true
		return nil, fmt.Errorf("engine rejected frame %d: %w", seq, err)
	}

	frameDur := frameDuration(sess.cfg, len(data))
	for _, seg := range res.Segments {
		sess.segments = append(sess.segments, models.Segment{
			Start:      seg.Start + sess.audioDur,
			End:        seg.End + sess.audioDur,
			Text:       seg.Text,
			Confidence: seg.Confidence,
		})
		sess.confSum += seg.Confidence
		sess.confN++
	}
	if res.Text != "" {
		sess.texts = append(sess.texts, res.Text)
	}
	sess.lastSeq = seq
	sess.gotFrame = true
	sess.audioDur += frameDur
	sess.frames++

	m.registry.UpdateSession(sessionID, func(s *models.StreamingSession) {
		s.LastSequence = seq
		s.AudioDuration = sess.audioDur
		s.LastFrameAt = m.now()
	})

	partial := &Partial{
		SessionID:      sessionID,
		Text:           strings.Join(sess.texts, " "),
		Confidence:     sess.confidence(),
		SequenceNumber: seq,
	}
	m.hub.Publish(broadcast.Event{Type: "transcription:partial", EntityID: sessionID, Payload: partial})
	return partial, nil
}

// Stop finalizes the session, flushes the buffered partial result as the
// final transcription and frees its resources.
func (m *Manager) Stop(sessionID string) (*Final, error) {
	return m.finalize(sessionID, models.SessionStopped)
}

func (m *Manager) finalize(sessionID string, status models.SessionStatus) (*Final, error) {
	m.mu.Lock()
	sess, ok := m.live[sessionID]
	if ok {
		delete(m.live, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		if _, err := m.registry.GetSession(sessionID); err == nil {
			return nil, ErrSessionNotActive
		}
		return nil, storage.ErrSessionNotFound
	}

	sess.mu.Lock()
	sess.done = true
	final := &Final{
		SessionID: sessionID,
		Text:      strings.Join(sess.texts, " "),
		Segments:  sess.segments,
		Duration:  sess.audioDur,
		Metadata: map[string]interface{}{
			"frames":     sess.frames,
			"confidence": sess.confidence(),
		},
	}
	sess.mu.Unlock()

	m.registry.UpdateSession(sessionID, func(s *models.StreamingSession) {
		s.Status = status
	})
	m.hub.Publish(broadcast.Event{Type: "transcription:final", EntityID: sessionID, Payload: final})
	if m.cleaner != nil {
		m.cleaner.OnTerminal(sessionID)
	}
	log.Printf("Session Manager: Session %s %s after %d frames (%.1fs audio).",
		sessionID, status, final.Metadata["frames"], final.Duration)
	return final, nil
}

// sweepInactive times out sessions with no frames inside the window.
func (m *Manager) sweepInactive() {
	cutoff := m.now().Add(-m.cfg.InactivityTimeout)

	m.mu.Lock()
	var stale []string
	for id := range m.live {
		if rec, err := m.registry.GetSession(id); err == nil && rec.LastFrameAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		if _, err := m.finalize(id, models.SessionTimedOut); err == nil {
			log.Printf("Session Manager: Session %s timed out.", id)
		}
	}
}

// LiveCount reports the number of active sessions.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

func (s *session) confidence() float64 {
	if s.confN == 0 {
		return 0
	}
	return s.confSum / float64(s.confN)
}

// frameDuration estimates seconds of audio in a frame from the negotiated
// format, assuming 16-bit samples for PCM payloads.
func frameDuration(cfg models.StreamConfig, size int) float64 {
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return 0
	}
	return float64(size) / float64(cfg.SampleRate*cfg.Channels*2)
}
