package evaluation

import (
	"errors"
	"io/fs"
	"math"
	"path/filepath"
	"testing"

	"github.com/Noofbiz/hierCast/fitting"
	"github.com/Noofbiz/hierCast/folds"
	"github.com/Noofbiz/hierCast/hierarchy"
)

// fixture builds a two-bottom-series panel with a grand total, split into a
// train window and a 2-step test window.
func fixture() (*folds.Window, *folds.Window, hierarchy.LevelMapping, hierarchy.AggMapping) {
	steps := 10
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
	panel := &hierarchy.Panel{
		Bottom:     []string{"AAA", "BAA"},
		Aggregates: []string{"all"},
		Values:     values,
		Steps:      steps,
	}
	train := &folds.Window{Panel: panel, Start: 0, End: 8}
	test := &folds.Window{Panel: panel, Start: 8, End: 10}
	levelOf := hierarchy.LevelMapping{"all": "all", "AAA": "bottom", "BAA": "bottom"}
	agg := hierarchy.AggMapping{"all": {"AAA", "BAA"}}
	return train, test, levelOf, agg
}

// truthArtifact forecasts the test window exactly.
type truthArtifact struct {
	test *folds.Window
}

func (a *truthArtifact) Forecast(h int) (map[string][]float64, error) {
	out := make(map[string][]float64)
	for _, name := range a.test.Panel.Names() {
		v, err := a.test.Series(name)
		if err != nil {
			return nil, err
		}
		out[name] = v[:h]
	}
	return out, nil
}

func TestMASE(t *testing.T) {
	train := []float64{1, 2, 3, 4, 5}
	truth := []float64{6, 7}
	// Perfect forecast scores zero.
	if got := MASE(truth, []float64{6, 7}, train); got != 0 {
		t.Fatalf("perfect forecast MASE = %v, want 0", got)
	}
	// Off-by-one everywhere equals the naive scale, so MASE is 1.
	if got := MASE(truth, []float64{7, 8}, train); math.Abs(got-1) > 1e-12 {
		t.Fatalf("off-by-one MASE = %v, want 1", got)
	}
	if got := MASE(truth, []float64{6}, train); !math.IsNaN(got) {
		t.Fatalf("shape-mismatched MASE = %v, want NaN", got)
	}
}

func TestEvaluateFitted_PerLevelRecords(t *testing.T) {
	train, test, levelOf, agg := fixture()
	cfg := fitting.VariantConfig{Name: "DeepAR-Cat-Var"}

	recs, err := EvaluateFitted(&truthArtifact{test: test}, train, test, levelOf, agg, cfg, 1, "", nil)
	if err != nil {
		t.Fatalf("EvaluateFitted failed: %v", err)
	}
	// One record per hierarchy level.
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d: %+v", len(recs), recs)
	}
	seen := make(map[string]bool)
	for _, r := range recs {
		if r.Variant != "DeepAR-Cat-Var" || r.Fold != 1 {
			t.Fatalf("record carries wrong identity: %+v", r)
		}
		if r.Score != 0 {
			t.Fatalf("perfect forecast scored %v at level %s", r.Score, r.Level)
		}
		seen[r.Level] = true
	}
	if !seen["all"] || !seen["bottom"] {
		t.Fatalf("missing level records: %+v", recs)
	}
}

func TestEvaluateFitted_PersistsForecast(t *testing.T) {
	train, test, levelOf, agg := fixture()
	cfg := fitting.VariantConfig{Name: "DeepAR-Cat-Var"}
	out := filepath.Join(t.TempDir(), "preds", "DeepAR-Cat-Var-fold-0.csv")

	if _, err := EvaluateFitted(&truthArtifact{test: test}, train, test, levelOf, agg, cfg, 0, out, nil); err != nil {
		t.Fatalf("EvaluateFitted failed: %v", err)
	}
	preds, err := fitting.ReadPredictions(out, test.Steps())
	if err != nil {
		t.Fatalf("persisted forecast unreadable: %v", err)
	}
	truth, _ := test.Series("AAA")
	for i := range truth {
		if preds["AAA"][i] != truth[i] {
			t.Fatalf("persisted forecast differs at step %d: %v vs %v", i, preds["AAA"][i], truth[i])
		}
	}
}

// bottomOnlyArtifact forecasts only the bottom series; aggregate scores must
// come from the rollup.
type bottomOnlyArtifact struct {
	test *folds.Window
}

func (a *bottomOnlyArtifact) Forecast(h int) (map[string][]float64, error) {
	out := make(map[string][]float64)
	for _, name := range a.test.Panel.Bottom {
		v, err := a.test.Series(name)
		if err != nil {
			return nil, err
		}
		out[name] = v[:h]
	}
	return out, nil
}

func TestEvaluateFitted_RollsUpAggregates(t *testing.T) {
	train, test, levelOf, agg := fixture()
	cfg := fitting.VariantConfig{Name: "DeepAR-Cat-Var"}

	recs, err := EvaluateFitted(&bottomOnlyArtifact{test: test}, train, test, levelOf, agg, cfg, 0, "", nil)
	if err != nil {
		t.Fatalf("EvaluateFitted failed: %v", err)
	}
	// Bottom forecasts are exact and the aggregate is their sum, so the
	// rolled-up aggregate score is also zero.
	for _, r := range recs {
		if r.Score != 0 {
			t.Fatalf("rollup produced nonzero score at level %s: %v", r.Level, r.Score)
		}
	}
}

func TestEvaluateFromFile(t *testing.T) {
	train, test, levelOf, agg := fixture()
	cfg := fitting.VariantConfig{Name: "Arima-Baseline", ForecastsAggregates: true}
	dir := t.TempDir()

	// Write an exact forecast table including the aggregate column.
	preds := make(map[string][]float64)
	for _, name := range test.Panel.Names() {
		v, _ := test.Series(name)
		preds[name] = v
	}
	path := fitting.PredictionFile(dir, cfg.Name, 0)
	if err := fitting.WritePredictions(path, test.Panel.Names(), preds); err != nil {
		t.Fatalf("WritePredictions failed: %v", err)
	}

	recs, err := EvaluateFromFile(path, train, test, levelOf, agg, cfg, 0, nil)
	if err != nil {
		t.Fatalf("EvaluateFromFile failed: %v", err)
	}
	for _, r := range recs {
		if r.Score != 0 {
			t.Fatalf("exact file forecast scored %v at level %s", r.Score, r.Level)
		}
	}

	// A missing file is fatal and reports fs.ErrNotExist.
	missing := fitting.PredictionFile(dir, cfg.Name, 9)
	if _, err := EvaluateFromFile(missing, train, test, levelOf, agg, cfg, 9, nil); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist for missing file, got %v", err)
	}
}

func TestLedger_AppendOnly(t *testing.T) {
	l := NewLedger()
	l.Append("a", []Record{{Variant: "a", Fold: 0, Level: "all", Score: 1}})
	l.Append("b", []Record{{Variant: "b", Fold: 0, Level: "all", Score: 2}})
	l.Append("a", []Record{{Variant: "a", Fold: 1, Level: "all", Score: 3}})

	names := l.Variants()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("unexpected variant order: %v", names)
	}
	if got := len(l.Records("a")); got != 2 {
		t.Fatalf("expected 2 records for a, got %d", got)
	}
	if got := len(l.Records("b")); got != 1 {
		t.Fatalf("expected 1 record for b, got %d", got)
	}
}
