package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"transcription-orchestrator/pkg/broadcast"
	"transcription-orchestrator/pkg/config"
	"transcription-orchestrator/pkg/engine"
	"transcription-orchestrator/pkg/models"
	"transcription-orchestrator/pkg/storage"
)

type echoEngine struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (e *echoEngine) Transcribe(ctx context.Context, audio []byte, format string, cfg engine.Config) (*engine.Result, error) {
	e.mu.Lock()
	e.calls++
	fail := e.fail
	e.mu.Unlock()
	if fail {
		return nil, &engine.EngineError{Kind: engine.KindRetryable, Message: "engine down"}
	}
	return &engine.Result{
		Text:     string(audio),
		Segments: []models.Segment{{Start: 0, End: 0.5, Text: string(audio), Confidence: 0.8}},
	}, nil
}

type cleanerStub struct {
	mu  sync.Mutex
	ids []string
}

func (c *cleanerStub) OnTerminal(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
}

func newTestManager() (*Manager, *storage.Registry, *broadcast.Hub, *echoEngine, *cleanerStub) {
	reg := storage.NewRegistry()
	hub := broadcast.NewHub()
	eng := &echoEngine{}
	cl := &cleanerStub{}
	m := NewManager(config.StreamConfig{
		InactivityTimeout: 30 * time.Second,
		SweepInterval:     time.Second,
	}, reg, eng, hub, cl, time.Second)
	return m, reg, hub, eng, cl
}

func pcmConfig() models.StreamConfig {
	return models.StreamConfig{SampleRate: 16000, Channels: 1, Format: "pcm16"}
}

func TestSessionLifecycle(t *testing.T) {
	m, reg, _, _, cl := newTestManager()

	sess, err := m.Start("s1", pcmConfig())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if sess.Status != models.SessionActive {
		t.Errorf("status = %s, want active", sess.Status)
	}

	if _, err := m.Frame(context.Background(), "s1", []byte("hello"), 0); err != nil {
		t.Fatalf("Frame failed: %v", err)
	}
	final, err := m.Stop("s1")
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if final.Text != "hello" {
		t.Errorf("final text = %q", final.Text)
	}

	rec, err := reg.GetSession("s1")
	if err != nil {
		t.Fatalf("session record missing: %v", err)
	}
	if rec.Status != models.SessionStopped {
		t.Errorf("record status = %s, want stopped", rec.Status)
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if len(cl.ids) != 1 || cl.ids[0] != "s1" {
		t.Errorf("cleaner notified with %v, want [s1]", cl.ids)
	}
}

func TestSequenceOrderEnforced(t *testing.T) {
	m, _, _, _, _ := newTestManager()
	m.Start("s1", pcmConfig())
	ctx := context.Background()

	// Frames 0, 1, 3 accepted (gap tolerated); 2 is a decrease and rejected.
	for _, seq := range []int64{0, 1, 3} {
		if _, err := m.Frame(ctx, "s1", []byte("x"), seq); err != nil {
			t.Fatalf("frame %d rejected: %v", seq, err)
		}
	}
	_, err := m.Frame(ctx, "s1", []byte("x"), 2)
	var fe *FrameError
	if !errors.As(err, &fe) {
		t.Fatalf("decreasing frame: err = %v, want *FrameError", err)
	}

	// Session must remain active and keep accepting newer frames.
	if m.LiveCount() != 1 {
		t.Error("session terminated by a frame-level error")
	}
	if _, err := m.Frame(ctx, "s1", []byte("x"), 4); err != nil {
		t.Errorf("frame after rejection failed: %v", err)
	}

	// Duplicates are rejected too.
	if _, err := m.Frame(ctx, "s1", []byte("x"), 4); !errors.As(err, &fe) {
		t.Errorf("duplicate frame: err = %v, want *FrameError", err)
	}
}

func TestSessionIDNeverReused(t *testing.T) {
	m, _, _, _, _ := newTestManager()
	m.Start("s1", pcmConfig())
	m.Stop("s1")

	if _, err := m.Start("s1", pcmConfig()); !errors.Is(err, ErrSessionIDReused) {
		t.Errorf("restart with used id: err = %v, want ErrSessionIDReused", err)
	}
}

func TestPartialEventsAccumulate(t *testing.T) {
	m, _, hub, _, _ := newTestManager()
	ch := hub.Register("watcher", 16)
	m.Start("s1", pcmConfig())
	hub.Subscribe("watcher", "s1")
	ctx := context.Background()

	m.Frame(ctx, "s1", []byte("hello"), 0)
	p, err := m.Frame(ctx, "s1", []byte("world"), 1)
	if err != nil {
		t.Fatalf("Frame failed: %v", err)
	}
	if p.Text != "hello world" {
		t.Errorf("cumulative text = %q", p.Text)
	}
	if p.Confidence != 0.8 {
		t.Errorf("cumulative confidence = %v", p.Confidence)
	}
	if p.SequenceNumber != 1 {
		t.Errorf("sequence = %d", p.SequenceNumber)
	}

	ev := <-ch
	if ev.Type != "transcription:partial" {
		t.Errorf("event type = %s", ev.Type)
	}
}

func TestFinalCarriesShiftedSegments(t *testing.T) {
	m, _, _, _, _ := newTestManager()
	m.Start("s1", pcmConfig())
	ctx := context.Background()

	// 16000 Hz mono pcm16: 32000 bytes = 1 second.
	oneSecond := make([]byte, 32000)
	m.Frame(ctx, "s1", oneSecond, 0)
	m.Frame(ctx, "s1", oneSecond, 1)

	final, err := m.Stop("s1")
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if len(final.Segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(final.Segments))
	}
	if final.Segments[1].Start != 1 {
		t.Errorf("second frame's segment start = %v, want shifted to 1", final.Segments[1].Start)
	}
	if final.Duration != 2 {
		t.Errorf("duration = %v, want 2", final.Duration)
	}
}

// gatedEngine blocks inside the call until released, so tests can hold a
// frame mid-flight while another goroutine races the session shutdown.
type gatedEngine struct {
	entered chan struct{}
	release chan struct{}
}

func (e *gatedEngine) Transcribe(ctx context.Context, audio []byte, format string, cfg engine.Config) (*engine.Result, error) {
	close(e.entered)
	<-e.release
	return &engine.Result{
		Text:     string(audio),
		Segments: []models.Segment{{Start: 0, End: 0.5, Text: string(audio), Confidence: 0.8}},
	}, nil
}

// A Stop racing an in-flight frame must never emit the final event before
// that frame's partial.
func TestStopDuringFrameKeepsEventOrder(t *testing.T) {
	reg := storage.NewRegistry()
	hub := broadcast.NewHub()
	eng := &gatedEngine{entered: make(chan struct{}), release: make(chan struct{})}
	m := NewManager(config.StreamConfig{
		InactivityTimeout: 30 * time.Second,
		SweepInterval:     time.Second,
	}, reg, eng, hub, &cleanerStub{}, time.Second)

	ch := hub.Register("watcher", 16)
	m.Start("s1", pcmConfig())
	hub.Subscribe("watcher", "s1")

	frameDone := make(chan error, 1)
	go func() {
		_, err := m.Frame(context.Background(), "s1", []byte("hello"), 0)
		frameDone <- err
	}()
	<-eng.entered

	stopDone := make(chan struct{})
	go func() {
		m.Stop("s1")
		close(stopDone)
	}()
	time.Sleep(10 * time.Millisecond) // let Stop reach the session lock
	close(eng.release)

	if err := <-frameDone; err != nil {
		t.Fatalf("frame failed: %v", err)
	}
	<-stopDone

	first := <-ch
	second := <-ch
	if first.Type != "transcription:partial" || second.Type != "transcription:final" {
		t.Errorf("event order = %s, %s; want partial then final", first.Type, second.Type)
	}
}

func TestEngineFailureDoesNotKillSession(t *testing.T) {
	m, _, _, eng, _ := newTestManager()
	m.Start("s1", pcmConfig())
	ctx := context.Background()

	eng.fail = true
	if _, err := m.Frame(ctx, "s1", []byte("x"), 0); err == nil {
		t.Fatal("expected engine failure to surface")
	}
	if m.LiveCount() != 1 {
		t.Error("engine failure terminated the session")
	}

	eng.fail = false
	if _, err := m.Frame(ctx, "s1", []byte("x"), 1); err != nil {
		t.Errorf("frame after engine recovery failed: %v", err)
	}
}

func TestInactivityTimeout(t *testing.T) {
	m, reg, _, _, _ := newTestManager()
	m.cfg.InactivityTimeout = 10 * time.Millisecond
	m.Start("s1", pcmConfig())

	time.Sleep(30 * time.Millisecond)
	m.sweepInactive()

	if m.LiveCount() != 0 {
		t.Fatal("inactive session not swept")
	}
	rec, _ := reg.GetSession("s1")
	if rec.Status != models.SessionTimedOut {
		t.Errorf("status = %s, want timed_out", rec.Status)
	}
}

func TestFrameForUnknownSession(t *testing.T) {
	m, _, _, _, _ := newTestManager()
	_, err := m.Frame(context.Background(), "ghost", []byte("x"), 0)
	if !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestFrameForStoppedSession(t *testing.T) {
	m, _, _, _, _ := newTestManager()
	m.Start("s1", pcmConfig())
	m.Stop("s1")

	_, err := m.Frame(context.Background(), "s1", []byte("x"), 0)
	if !errors.Is(err, ErrSessionNotActive) {
		t.Errorf("err = %v, want ErrSessionNotActive", err)
	}
}
