package render

import (
	"encoding/json"
	"fmt"
	"strings"

	"transcription-orchestrator/pkg/models"
)

// Format selects one of the closed set of transcript renderers.
type Format string

const (
	FormatJSON Format = "json"
	FormatTXT  Format = "txt"
	FormatSRT  Format = "srt"
	FormatVTT  Format = "vtt"
)

// ContentType returns the MIME type served for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatSRT:
		return "application/x-subrip"
	case FormatVTT:
		return "text/vtt"
	default:
		return "text/plain; charset=utf-8"
	}
}

// Render serializes a finished transcript in the requested format.
func Render(tr *models.Transcript, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.MarshalIndent(tr, "", "  ")
	case FormatTXT:
		return renderTXT(tr), nil
	case FormatSRT:
		return renderSRT(tr), nil
	case FormatVTT:
		return renderVTT(tr), nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

func renderTXT(tr *models.Transcript) []byte {
	return []byte(tr.Text + "\n")
}

func renderSRT(tr *models.Transcript) []byte {
	var b strings.Builder
	for i, seg := range tr.Segments {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			i+1, srtTimestamp(seg.Start), srtTimestamp(seg.End), seg.Text)
	}
	return []byte(b.String())
}

func renderVTT(tr *models.Transcript) []byte {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, seg := range tr.Segments {
		fmt.Fprintf(&b, "%s --> %s\n%s\n\n",
			vttTimestamp(seg.Start), vttTimestamp(seg.End), seg.Text)
	}
	return []byte(b.String())
}

// srtTimestamp renders seconds as HH:MM:SS,mmm.
func srtTimestamp(seconds float64) string {
	h, m, s, ms := splitTime(seconds)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// vttTimestamp renders seconds as HH:MM:SS.mmm.
func vttTimestamp(seconds float64) string {
	h, m, s, ms := splitTime(seconds)
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

func splitTime(seconds float64) (h, m, s, ms int) {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds * 1000)
	ms = total % 1000
	total /= 1000
	s = total % 60
	total /= 60
	m = total % 60
	h = total / 60
	return h, m, s, ms
}
