package merge

import (
	"fmt"
	"sort"
	"strings"

	"transcription-orchestrator/pkg/models"
)

// Merge assembles the per-chunk results for one job into a single transcript.
// Results may arrive in any order; they are re-sorted by chunk sequence index
// before merging. For the overlap window shared by two adjacent chunks the
// earlier chunk's rendering wins: the later chunk only contributes segments
// that start at or after the earlier chunk's window end. All timestamps are
// shifted from chunk-relative into whole-file time. Merging the same result
// set twice yields identical output.
func Merge(jobID string, chunks []models.AudioChunk, results []models.ChunkResult) (*models.Transcript, error) {
	if len(results) == 0 {
		return nil, fmt.Errorf("no chunk results to merge")
	}

	byIndex := make(map[int]models.AudioChunk, len(chunks))
	for _, c := range chunks {
		byIndex[c.Index] = c
	}

	sorted := make([]models.ChunkResult, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	var (
		segments []models.Segment
		texts    []string
		language string
		cutoff   float64 // absolute time below which content is already covered
	)

	for _, res := range sorted {
		chunk, ok := byIndex[res.Index]
		if !ok {
			return nil, fmt.Errorf("result for unknown chunk index %d", res.Index)
		}
		if language == "" {
			language = res.Language
		}

		kept := 0
		for _, seg := range res.Segments {
			abs := models.Segment{
				Start:      seg.Start + chunk.Start,
				End:        seg.End + chunk.Start,
				Text:       seg.Text,
				Confidence: seg.Confidence,
			}
			if abs.Start < cutoff {
				continue
			}
			// Clamp minor boundary jitter so output never overlaps.
			if n := len(segments); n > 0 && abs.Start < segments[n-1].End {
				abs.Start = segments[n-1].End
				if abs.End < abs.Start {
					abs.End = abs.Start
				}
			}
			segments = append(segments, abs)
			texts = append(texts, seg.Text)
			kept++
		}
		if kept == 0 && len(res.Segments) == 0 && res.Text != "" {
			// Engines without segment timing still contribute their text.
			texts = append(texts, res.Text)
		}

		// The earlier chunk had full right-context for the shared window,
		// so the next chunk contributes only past the earlier window's end.
		cutoff = chunk.End
	}

	duration := 0.0
	if len(segments) > 0 {
		duration = segments[len(segments)-1].End
	}

	return &models.Transcript{
		JobID:    jobID,
		Text:     strings.Join(texts, " "),
		Segments: segments,
		Language: language,
		Duration: duration,
	}, nil
}
