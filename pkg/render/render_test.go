package render

import (
	"encoding/json"
	"strings"
	"testing"

	"transcription-orchestrator/pkg/models"
)

func sampleTranscript() *models.Transcript {
	return &models.Transcript{
		JobID: "j1",
		Text:  "hello world goodbye",
		Segments: []models.Segment{
			{Start: 0, End: 2.5, Text: "hello world", Confidence: 0.9},
			{Start: 3661.25, End: 3662, Text: "goodbye", Confidence: 0.8},
		},
		Language: "en",
		Duration: 3662,
	}
}

func TestRenderJSON(t *testing.T) {
	out, err := Render(sampleTranscript(), FormatJSON)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var decoded models.Transcript
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if len(decoded.Segments) != 2 || decoded.Text != "hello world goodbye" {
		t.Errorf("unexpected decoded transcript: %+v", decoded)
	}
}

func TestRenderTXT(t *testing.T) {
	out, err := Render(sampleTranscript(), FormatTXT)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if string(out) != "hello world goodbye\n" {
		t.Errorf("txt output = %q", out)
	}
}

func TestRenderSRT(t *testing.T) {
	out, err := Render(sampleTranscript(), FormatSRT)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	text := string(out)
	if !strings.HasPrefix(text, "1\n00:00:00,000 --> 00:00:02,500\nhello world\n") {
		t.Errorf("srt cue 1 malformed:\n%s", text)
	}
	if !strings.Contains(text, "2\n01:01:01,250 --> 01:01:02,000\ngoodbye\n") {
		t.Errorf("srt cue 2 malformed:\n%s", text)
	}
}

func TestRenderVTT(t *testing.T) {
	out, err := Render(sampleTranscript(), FormatVTT)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	text := string(out)
	if !strings.HasPrefix(text, "WEBVTT\n\n") {
		t.Errorf("vtt output missing header:\n%s", text)
	}
	if !strings.Contains(text, "00:00:00.000 --> 00:00:02.500\nhello world\n") {
		t.Errorf("vtt cue 1 malformed:\n%s", text)
	}
	if !strings.Contains(text, "01:01:01.250 --> 01:01:02.000\ngoodbye\n") {
		t.Errorf("vtt cue 2 malformed:\n%s", text)
	}
}

func TestRenderUnknownFormat(t *testing.T) {
	if _, err := Render(sampleTranscript(), Format("pdf")); err == nil {
		t.Error("expected error for unknown format")
	}
}
