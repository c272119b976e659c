package stitch

import (
	"io"
	"log/slog"
	"testing"

	"github.com/siftlab/sift/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// frag builds a stored fragment over a window with hourly samples.
func frag(rID int64, start, end string, values ...int64) types.Fragment {
	return types.Fragment{RID: rID, Start: ts(start), End: ts(end), Values: values}
}

func TestAverageCollapsesDuplicateWindows(t *testing.T) {
	frags := []types.Fragment{
		frag(1, "2022-01-01T00:00:00", "2022-01-01T02:00:00", 10, 20, 30),
		frag(2, "2022-01-01T00:00:00", "2022-01-01T02:00:00", 20, 40, 50),
	}
	out := Average(frags, testLogger)
	if len(out) != 1 {
		t.Fatalf("windows = %d, want 1", len(out))
	}
	want := []float64{15, 30, 40}
	for i := range want {
		if !approx(out[0].Values[i], want[i]) {
			t.Errorf("values = %v, want %v", out[0].Values, want)
			break
		}
	}
	if len(out[0].Labels) != 3 || !out[0].Labels[1].Equal(ts("2022-01-01T01:00:00")) {
		t.Errorf("labels = %v", out[0].Labels)
	}
}

func TestAverageKeepsSmallestRequestID(t *testing.T) {
	frags := []types.Fragment{
		frag(9, "2022-01-01T00:00:00", "2022-01-01T02:00:00", 10, 20, 30),
		frag(4, "2022-01-01T00:00:00", "2022-01-01T02:00:00", 20, 40, 50),
	}
	out := Average(frags, testLogger)
	if len(out) != 1 {
		t.Fatalf("windows = %d, want 1", len(out))
	}
	if out[0].RID != 4 {
		t.Errorf("r_id = %d, want 4", out[0].RID)
	}
}

func TestAverageKeepsDistinctWindowsApart(t *testing.T) {
	frags := []types.Fragment{
		frag(1, "2022-01-01T00:00:00", "2022-01-01T02:00:00", 10, 20, 30),
		frag(2, "2022-01-01T02:00:00", "2022-01-01T04:00:00", 15, 6, 9),
	}
	out := Average(frags, testLogger)
	if len(out) != 2 {
		t.Fatalf("windows = %d, want 2", len(out))
	}
}

func TestAverageDropsInconsistentWindow(t *testing.T) {
	frags := []types.Fragment{
		frag(1, "2022-01-01T00:00:00", "2022-01-01T02:00:00", 10, 20, 30),
		frag(2, "2022-01-01T00:00:00", "2022-01-01T02:00:00", 10, 20),
		frag(3, "2022-01-01T02:00:00", "2022-01-01T04:00:00", 15, 6, 9),
	}
	out := Average(frags, testLogger)
	if len(out) != 1 {
		t.Fatalf("windows = %d, want 1 (inconsistent window dropped)", len(out))
	}
	if !out[0].Start.Equal(ts("2022-01-01T02:00:00")) {
		t.Errorf("surviving window starts %v", out[0].Start)
	}
}

func TestAverageDropsUnreconstructibleWindow(t *testing.T) {
	// Five samples fit no cadence of a two-hour window.
	frags := []types.Fragment{
		frag(1, "2022-01-01T00:00:00", "2022-01-01T02:00:00", 1, 2, 3, 4, 5),
	}
	out := Average(frags, testLogger)
	if len(out) != 0 {
		t.Fatalf("windows = %d, want 0", len(out))
	}
}

func TestAverageKeepsEmptyWindow(t *testing.T) {
	frags := []types.Fragment{
		frag(1, "2022-01-01T00:00:00", "2022-01-01T02:00:00"),
		frag(2, "2022-01-01T02:00:00", "2022-01-01T04:00:00", 15, 6, 9),
	}
	out := Average(frags, testLogger)
	if len(out) != 2 {
		t.Fatalf("windows = %d, want 2", len(out))
	}
	if len(out[0].Labels) != 0 || len(out[0].Values) != 0 {
		t.Errorf("empty window came out with labels %v values %v", out[0].Labels, out[0].Values)
	}
}
