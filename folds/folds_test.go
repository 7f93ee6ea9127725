package folds

import (
	"errors"
	"testing"

	"github.com/Noofbiz/hierCast/hierarchy"
)

// testPanel builds a small in-memory panel with the given number of
// timesteps over two bottom series.
func testPanel(steps int) *hierarchy.Panel {
	values := map[string][]float64{
		"AAA": make([]float64, steps),
		"BAA": make([]float64, steps),
		"all": make([]float64, steps),
	}
	for i := 0; i < steps; i++ {
		values["AAA"][i] = float64(i + 1)
		values["BAA"][i] = float64(2 * (i + 1))
		values["all"][i] = values["AAA"][i] + values["BAA"][i]
	}
	return &hierarchy.Panel{
		Bottom:     []string{"AAA", "BAA"},
		Aggregates: []string{"all"},
		Values:     values,
		Steps:      steps,
	}
}

func TestSplit_FoldGeometry(t *testing.T) {
	// 10 timesteps, horizon 2, at least 6 training steps: exactly two folds.
	fs, err := Split(10, 2, 6, 8)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(fs) != 2 {
		t.Fatalf("expected 2 folds, got %d", len(fs))
	}
	for i, f := range fs {
		if f.Index != i {
			t.Fatalf("fold %d has index %d", i, f.Index)
		}
		if f.TestEnd-f.TestStart != 2 {
			t.Fatalf("fold %d test window is %d steps, want horizon 2", i, f.TestEnd-f.TestStart)
		}
		if f.TrainEnd != f.TestStart {
			t.Fatalf("fold %d train window ends at %d, test starts at %d", i, f.TrainEnd, f.TestStart)
		}
		if f.TrainEnd-f.TrainStart < 6 {
			t.Fatalf("fold %d train window shorter than minimum: %d", i, f.TrainEnd-f.TrainStart)
		}
	}
	// Oldest origin first and disjoint test windows.
	if fs[0].TestStart >= fs[1].TestStart {
		t.Fatalf("folds not ordered oldest first: %+v", fs)
	}
	if fs[0].TestEnd > fs[1].TestStart {
		t.Fatalf("test windows overlap: %+v", fs)
	}
	if fs[1].TestEnd != 10 {
		t.Fatalf("last fold must cover the most recent data, test ends at %d", fs[1].TestEnd)
	}
}

func TestSplit_Insufficient(t *testing.T) {
	if _, err := Split(7, 2, 6, 8); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestBuild_ValidationCarving(t *testing.T) {
	panel := testPanel(20)
	fs, err := Split(panel.Steps, 4, 8, 16)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	splits, err := Build(panel, fs, false)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	for _, ds := range splits {
		if ds.Val != nil {
			t.Fatalf("fold %d has a validation window without requesting one", ds.Fold.Index)
		}
	}

	splits, err = Build(panel, fs, true)
	if err != nil {
		t.Fatalf("Build with validation failed: %v", err)
	}
	for _, ds := range splits {
		if ds.Val == nil {
			t.Fatalf("fold %d missing validation window", ds.Fold.Index)
		}
		if ds.Val.Steps() != ds.Fold.Horizon {
			t.Fatalf("fold %d validation window is %d steps, want %d", ds.Fold.Index, ds.Val.Steps(), ds.Fold.Horizon)
		}
		if ds.Train.End != ds.Val.Start || ds.Val.End != ds.Fold.TrainEnd {
			t.Fatalf("fold %d validation window misplaced: train [%d,%d) val [%d,%d)",
				ds.Fold.Index, ds.Train.Start, ds.Train.End, ds.Val.Start, ds.Val.End)
		}
	}
}

func TestWindow_Series(t *testing.T) {
	panel := testPanel(10)
	w := &Window{Panel: panel, Start: 2, End: 6}
	v, err := w.Series("AAA")
	if err != nil {
		t.Fatalf("Series failed: %v", err)
	}
	if len(v) != 4 || v[0] != 3 || v[3] != 6 {
		t.Fatalf("unexpected windowed values: %v", v)
	}
	if _, err := w.Series("nope"); err == nil {
		t.Fatalf("expected error for unknown series")
	}
}

func TestSampler_Draw(t *testing.T) {
	panel := testPanel(20)
	train := &Window{Panel: panel, Start: 0, End: 16}
	s, err := NewSampler(train, 7)
	if err != nil {
		t.Fatalf("NewSampler failed: %v", err)
	}
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		name, start, err := s.Draw(4)
		if err != nil {
			t.Fatalf("Draw failed: %v", err)
		}
		if name != "AAA" && name != "BAA" {
			t.Fatalf("sampler drew non-bottom series %q", name)
		}
		if start < 0 || start+4 > train.Steps() {
			t.Fatalf("sub-window [%d,%d) outside train window of %d steps", start, start+4, train.Steps())
		}
		seen[name] = true
	}
	// BAA has twice the magnitude, both should appear over 50 draws.
	if !seen["AAA"] || !seen["BAA"] {
		t.Fatalf("bucket sampling never drew one of the series: %v", seen)
	}

	if _, _, err := s.Draw(0); err == nil {
		t.Fatalf("expected error for zero-width sub-window")
	}
	if _, _, err := s.Draw(17); err == nil {
		t.Fatalf("expected error for sub-window wider than the train window")
	}
}
