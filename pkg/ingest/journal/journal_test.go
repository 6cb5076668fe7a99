package journal

import (
	"testing"
	"time"

	"github.com/tinypipe/tinypipe/pkg/sample"
)

func open(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func reading(v float64) sample.Reading {
	return sample.Reading{Value: v, CapturedAt: time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)}
}

func collect(t *testing.T, j *Journal) []float64 {
	t.Helper()
	var out []float64
	err := j.Replay(func(seq uint64, r sample.Reading) error {
		out = append(out, r.Value)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	return out
}

func TestAppendReplayOrder(t *testing.T) {
	j := open(t)

	for _, v := range []float64{1, 2, 3} {
		if _, err := j.Append(reading(v)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	got := collect(t, j)
	want := []float64{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("Expected %d entries, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Entry %d = %v, want %v (replay must be oldest first)", i, got[i], want[i])
		}
	}
}

func TestDeleteRemovesSingleEntry(t *testing.T) {
	j := open(t)

	var seqs []uint64
	for _, v := range []float64{1, 2, 3} {
		seq, err := j.Append(reading(v))
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		seqs = append(seqs, seq)
	}

	if err := j.Delete(seqs[1]); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	got := collect(t, j)
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Errorf("Expected entries [1 3] after delete, got %v", got)
	}
}

func TestTrimRemovesUpToSequence(t *testing.T) {
	j := open(t)

	var seqs []uint64
	for _, v := range []float64{1, 2, 3, 4} {
		seq, err := j.Append(reading(v))
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		seqs = append(seqs, seq)
	}

	if err := j.Trim(seqs[2]); err != nil {
		t.Fatalf("Trim failed: %v", err)
	}

	got := collect(t, j)
	if len(got) != 1 || got[0] != 4 {
		t.Errorf("Expected only entry 4 after trim, got %v", got)
	}

	// The sequence keeps advancing past trimmed entries.
	seq, err := j.Append(reading(5))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if seq <= seqs[3] {
		t.Errorf("Expected sequence to advance, got %d after %d", seq, seqs[3])
	}
}
