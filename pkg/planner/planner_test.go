package planner

import (
	"math"
	"testing"
)

func TestPlanShortFileSingleChunk(t *testing.T) {
	chunks, err := Plan("f1", 120, 600, 10)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	c := chunks[0]
	if c.Start != 0 || c.End != 120 {
		t.Errorf("expected window [0,120], got [%v,%v]", c.Start, c.End)
	}
	if c.OverlapNext != 0 {
		t.Errorf("single chunk must carry no overlap, got %v", c.OverlapNext)
	}
}

func TestPlanThirtySevenMinuteFile(t *testing.T) {
	// 37 minutes, 10-minute chunks, 10-second overlap.
	chunks, err := Plan("f1", 2220, 600, 10)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(chunks))
	}
	if chunks[0].Start != 0 || chunks[0].End != 600 {
		t.Errorf("chunk 0: got [%v,%v]", chunks[0].Start, chunks[0].End)
	}
	if last := chunks[3]; last.End != 2220 {
		t.Errorf("last chunk must end at 2220, got %v", last.End)
	}
	for i := 0; i < len(chunks)-1; i++ {
		overlap := chunks[i].End - chunks[i+1].Start
		if math.Abs(overlap-10) > 1e-9 {
			t.Errorf("chunks %d/%d overlap %v, want 10", i, i+1, overlap)
		}
	}
}

func TestPlanFormulaProperties(t *testing.T) {
	cases := []struct {
		name        string
		total, c, o float64
	}{
		{"two hours large", 7200, 600, 10},
		{"uneven medium", 3333, 300, 10},
		{"small profile", 1000, 180, 10},
		{"no overlap", 1500, 300, 0},
		{"just over one chunk", 601, 600, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chunks, err := Plan("f1", tc.total, tc.c, tc.o)
			if err != nil {
				t.Fatalf("Plan failed: %v", err)
			}
			step := tc.c - tc.o
			want := int(math.Ceil(tc.total / step))
			if tc.total <= tc.c {
				want = 1
			}
			if len(chunks) != want {
				t.Fatalf("chunk count %d, want %d", len(chunks), want)
			}
			for i, c := range chunks {
				if c.Index != i {
					t.Errorf("chunk %d has index %d", i, c.Index)
				}
				if c.End <= c.Start {
					t.Errorf("chunk %d empty window [%v,%v]", i, c.Start, c.End)
				}
				if i > 0 && c.Start <= chunks[i-1].Start {
					t.Errorf("chunk %d start %v not increasing", i, c.Start)
				}
				if i < len(chunks)-1 {
					overlap := c.End - chunks[i+1].Start
					if math.Abs(overlap-tc.o) > 1e-9 {
						t.Errorf("chunks %d/%d overlap %v, want %v", i, i+1, overlap, tc.o)
					}
					if c.OverlapNext != tc.o {
						t.Errorf("chunk %d OverlapNext %v, want %v", i, c.OverlapNext, tc.o)
					}
				}
			}
			if last := chunks[len(chunks)-1]; last.End != tc.total {
				t.Errorf("last chunk ends at %v, want %v", last.End, tc.total)
			}
		})
	}
}

func TestPlanExactlyDivisibleNoEmptyTail(t *testing.T) {
	// total = 2 * step: must not produce a trailing zero-length chunk.
	chunks, err := Plan("f1", 1180, 600, 10)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Duration() <= 0 {
			t.Errorf("chunk %d has zero-length window", i)
		}
	}
}

func TestPlanRejectsBadInput(t *testing.T) {
	if _, err := Plan("f1", 0, 600, 10); err == nil {
		t.Error("expected error for zero duration")
	}
	if _, err := Plan("f1", 100, 600, 600); err == nil {
		t.Error("expected error for overlap >= chunk duration")
	}
	if _, err := Plan("f1", 100, 600, -1); err == nil {
		t.Error("expected error for negative overlap")
	}
}

func TestChunkDurationProfiles(t *testing.T) {
	for profile, want := range map[string]float64{
		ProfileSmall: 180, ProfileMedium: 300, ProfileLarge: 600,
	} {
		got, err := ChunkDuration(profile)
		if err != nil {
			t.Fatalf("ChunkDuration(%q) failed: %v", profile, err)
		}
		if got != want {
			t.Errorf("ChunkDuration(%q) = %v, want %v", profile, got, want)
		}
	}
	if _, err := ChunkDuration("gigantic"); err == nil {
		t.Error("expected error for unknown profile")
	}
}
