package planner

import (
	"fmt"
	"math"

	"transcription-orchestrator/pkg/models"
)

// Chunk duration in seconds per profile.
const (
	ProfileSmall  = "small"
	ProfileMedium = "medium"
	ProfileLarge  = "large"
)

var profileDurations = map[string]float64{
	ProfileSmall:  180,
	ProfileMedium: 300,
	ProfileLarge:  600,
}

// ChunkDuration resolves a profile name to its chunk duration.
func ChunkDuration(profile string) (float64, error) {
	d, ok := profileDurations[profile]
	if !ok {
		return 0, fmt.Errorf("unknown chunk profile %q", profile)
	}
	return d, nil
}

// Plan computes the ordered chunk windows for a file of duration total
// seconds, chunk duration chunkDur and overlap between adjacent chunks.
// Windows are contiguous and monotonically increasing; every chunk except
// the last overlaps its successor by exactly overlap seconds.
func Plan(fileID string, total, chunkDur, overlap float64) ([]models.AudioChunk, error) {
	if total <= 0 {
		return nil, fmt.Errorf("non-positive duration %v", total)
	}
	if overlap < 0 || overlap >= chunkDur {
		return nil, fmt.Errorf("overlap %v must be in [0, chunk duration %v)", overlap, chunkDur)
	}

	if total <= chunkDur {
		return []models.AudioChunk{{
			ID:     models.NewID(),
			FileID: fileID,
			Index:  0,
			Start:  0,
			End:    total,
		}}, nil
	}

	// Ceiling, not truncation: truncating under-counts the final partial
	// chunk and drops trailing audio.
	step := chunkDur - overlap
	n := int(math.Ceil(total / step))

	chunks := make([]models.AudioChunk, 0, n)
	for i := 0; i < n; i++ {
		start := float64(i) * step
		if start >= total {
			// total divisible by step: no trailing zero-length chunk.
			break
		}
		end := math.Min(start+chunkDur, total)
		c := models.AudioChunk{
			ID:     models.NewID(),
			FileID: fileID,
			Index:  i,
			Start:  start,
			End:    end,
		}
		if end < total {
			c.OverlapNext = overlap
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}
