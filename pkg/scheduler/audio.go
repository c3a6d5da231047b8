package scheduler

import (
	"context"
	"fmt"
	"io"
	"os"

	"transcription-orchestrator/pkg/models"
)

// FileChunkLoader slices chunk audio out of the uploaded file by mapping the
// chunk's time window onto the file's byte range proportionally. Decoding the
// container format is the engine's concern; the engine contract takes raw
// bytes plus the declared format.
type FileChunkLoader struct{}

func (FileChunkLoader) Load(ctx context.Context, file models.FileInfo, chunk models.AudioChunk) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(file.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer f.Close()

	if file.Duration <= 0 || chunk.Start <= 0 && chunk.End >= file.Duration {
		return io.ReadAll(f)
	}

	startByte := int64(chunk.Start / file.Duration * float64(file.Size))
	endByte := int64(chunk.End / file.Duration * float64(file.Size))
	if endByte > file.Size {
		endByte = file.Size
	}
	if startByte >= endByte {
		return nil, fmt.Errorf("chunk window [%v,%v] maps to empty byte range", chunk.Start, chunk.End)
	}

	if _, err := f.Seek(startByte, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek chunk start: %w", err)
	}
	buf := make([]byte, endByte-startByte)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("failed to read chunk bytes: %w", err)
	}
	return buf, nil
}
