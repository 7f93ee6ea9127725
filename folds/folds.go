package folds

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/Noofbiz/hierCast/hierarchy"
)

// ErrInsufficientData is returned when the panel does not contain enough
// timesteps to produce a single rolling-origin fold.
var ErrInsufficientData = errors.New("folds: not enough timesteps for any fold")

// Fold is one rolling-origin train/test split over a contiguous time
// window. Windows are half-open [start, end) timestep ranges into the
// panel. The train window always ends exactly where the test window
// begins, and the test window is exactly the forecast horizon long.
type Fold struct {
	Index      int
	Horizon    int
	TrainStart int
	TrainEnd   int
	TestStart  int
	TestEnd    int
}

// Split produces the ordered fold sequence for a panel with the given
// number of timesteps. The origin walks backward from the final
// observation in steps of one horizon, so test windows are pairwise
// disjoint and cover the most recent data; folds are returned oldest
// origin first and re-indexed 0..K-1. The train window grows up to
// maxTrainSize and a fold is only emitted when at least minTrainSize
// training timesteps remain before it.
func Split(steps, horizon, minTrainSize, maxTrainSize int) ([]Fold, error) {
	if horizon <= 0 {
		return nil, fmt.Errorf("folds: horizon must be positive, got %d", horizon)
	}
	if minTrainSize <= 0 {
		return nil, fmt.Errorf("folds: minTrainSize must be positive, got %d", minTrainSize)
	}
	if maxTrainSize < minTrainSize {
		return nil, fmt.Errorf("folds: maxTrainSize %d below minTrainSize %d", maxTrainSize, minTrainSize)
	}

	var out []Fold
	for testEnd := steps; testEnd-horizon >= minTrainSize; testEnd -= horizon {
		testStart := testEnd - horizon
		trainEnd := testStart
		trainStart := trainEnd - maxTrainSize
		if trainStart < 0 {
			trainStart = 0
		}
		if trainEnd-trainStart < minTrainSize {
			break
		}
		out = append(out, Fold{
			Horizon:    horizon,
			TrainStart: trainStart,
			TrainEnd:   trainEnd,
			TestStart:  testStart,
			TestEnd:    testEnd,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: steps=%d horizon=%d minTrainSize=%d", ErrInsufficientData, steps, horizon, minTrainSize)
	}

	// Oldest origin first, indices following fold order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	for i := range out {
		out[i].Index = i
	}
	return out, nil
}

// Window is a contiguous [Start, End) view over every series of a panel.
type Window struct {
	Panel *hierarchy.Panel
	Start int
	End   int
}

// Steps returns the number of timesteps in the window.
func (w *Window) Steps() int { return w.End - w.Start }

// Series returns the windowed observations of one series. The returned
// slice aliases the panel; callers must treat it as read-only.
func (w *Window) Series(name string) ([]float64, error) {
	v, ok := w.Panel.Values[name]
	if !ok {
		return nil, fmt.Errorf("folds: unknown series %q", name)
	}
	return v[w.Start:w.End], nil
}

// DataSplit is the (train, validation-or-absent, test) triple for one fold.
// Val is nil when no validation set was requested; an empty validation
// window is never produced, so nil unambiguously means "absent".
type DataSplit struct {
	Fold  Fold
	Train *Window
	Val   *Window
	Test  *Window
}

// Build materializes the fold windows over a panel. When includeValidation
// is set, the final horizon timesteps of each train window are carved off
// as the validation window and the train window shrinks accordingly.
func Build(panel *hierarchy.Panel, fs []Fold, includeValidation bool) ([]DataSplit, error) {
	out := make([]DataSplit, len(fs))
	for i, f := range fs {
		if f.TestEnd > panel.Steps {
			return nil, fmt.Errorf("folds: fold %d test window [%d,%d) exceeds panel steps %d", f.Index, f.TestStart, f.TestEnd, panel.Steps)
		}
		ds := DataSplit{
			Fold:  f,
			Train: &Window{Panel: panel, Start: f.TrainStart, End: f.TrainEnd},
			Test:  &Window{Panel: panel, Start: f.TestStart, End: f.TestEnd},
		}
		if includeValidation {
			valStart := f.TrainEnd - f.Horizon
			if valStart <= f.TrainStart {
				return nil, fmt.Errorf("%w: fold %d train window too short to carve validation", ErrInsufficientData, f.Index)
			}
			ds.Val = &Window{Panel: panel, Start: valStart, End: f.TrainEnd}
			ds.Train = &Window{Panel: panel, Start: f.TrainStart, End: valStart}
		}
		out[i] = ds
	}
	return out, nil
}

// Sampler draws training sub-windows for one fold, weighting bottom series
// by their average magnitude so large series are visited proportionally
// more often (bucket sampling). A Sampler is owned by the fold it was built
// for and must not be shared between concurrently fitted cells.
type Sampler struct {
	names   []string
	weights []float64
	total   float64
	steps   int
	rng     *rand.Rand
}

// NewSampler builds a sampler over the bottom-level series of a train
// window. The seed makes draws reproducible per fold.
func NewSampler(train *Window, seed int64) (*Sampler, error) {
	names := train.Panel.Bottom
	if len(names) == 0 {
		return nil, fmt.Errorf("folds: panel has no bottom series")
	}
	weights := make([]float64, len(names))
	total := 0.0
	for i, name := range names {
		v, err := train.Series(name)
		if err != nil {
			return nil, err
		}
		sum := 0.0
		for _, x := range v {
			if x < 0 {
				sum -= x
			} else {
				sum += x
			}
		}
		w := sum / float64(len(v))
		if w <= 0 {
			w = 1e-9
		}
		weights[i] = w
		total += w
	}
	return &Sampler{
		names:   names,
		weights: weights,
		total:   total,
		steps:   train.Steps(),
		rng:     rand.New(rand.NewSource(seed)),
	}, nil
}

// Samplers builds one sampler per fold from the training windows, seeded by
// fold index so every run draws the same sub-windows.
func Samplers(splits []DataSplit, seed int64) ([]*Sampler, error) {
	out := make([]*Sampler, len(splits))
	for i, ds := range splits {
		s, err := NewSampler(ds.Train, seed+int64(ds.Fold.Index))
		if err != nil {
			return nil, fmt.Errorf("fold %d: %w", ds.Fold.Index, err)
		}
		out[i] = s
	}
	return out, nil
}

// Draw picks one (series, window start) pair for a training sub-window of
// the given width. Series are sampled proportionally to their bucket
// weight; the start is uniform over valid positions.
func (s *Sampler) Draw(width int) (string, int, error) {
	if width <= 0 || width > s.steps {
		return "", 0, fmt.Errorf("folds: sub-window width %d out of range (train steps %d)", width, s.steps)
	}
	target := s.rng.Float64() * s.total
	acc := 0.0
	choice := len(s.names) - 1
	for i, w := range s.weights {
		acc += w
		if target <= acc {
			choice = i
			break
		}
	}
	start := 0
	if s.steps > width {
		start = s.rng.Intn(s.steps - width + 1)
	}
	return s.names[choice], start, nil
}
