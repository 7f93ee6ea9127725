// Package evaluation scores fitted artifacts and persisted forecast files
// against held-out folds, rolls errors up the hierarchy, and aggregates the
// per-fold records into the final comparison table.
package evaluation

import (
	"fmt"
	"math"

	"github.com/Noofbiz/hierCast/fitting"
	"github.com/Noofbiz/hierCast/folds"
	"github.com/Noofbiz/hierCast/hierarchy"

	"gonum.org/v1/gonum/stat"
)

// Record is one (variant, fold, hierarchy level) error measurement. Every
// active variant produces exactly one record per fold per level.
type Record struct {
	Variant string
	Fold    int
	Level   string
	Score   float64
}

// Metric scores one series' forecast against its truth. The train window
// is provided for scale-dependent metrics; both the fitted and file-based
// evaluation paths use the same metric so results stay comparable.
type Metric func(truth, forecast, train []float64) float64

// MASE is the default metric: mean absolute error scaled by the in-sample
// one-step naive error.
func MASE(truth, forecast, train []float64) float64 {
	if len(truth) == 0 || len(truth) != len(forecast) {
		return math.NaN()
	}
	var scale float64
	for i := 1; i < len(train); i++ {
		scale += math.Abs(train[i] - train[i-1])
	}
	if len(train) > 1 {
		scale /= float64(len(train) - 1)
	}
	if scale == 0 {
		scale = 1
	}
	var mae float64
	for i := range truth {
		mae += math.Abs(truth[i] - forecast[i])
	}
	mae /= float64(len(truth))
	return mae / scale
}

// EvaluateFitted scores a (reloaded) artifact against the held-out test
// window. The forecast is rolled up to every declared hierarchy level; when
// outFile is non-empty the raw per-series forecast is also persisted so the
// external reconciliation step has its input.
func EvaluateFitted(art fitting.Artifact, train, test *folds.Window,
	levelOf hierarchy.LevelMapping, agg hierarchy.AggMapping,
	cfg fitting.VariantConfig, fold int, outFile string, metric Metric) ([]Record, error) {

	preds, err := art.Forecast(test.Steps())
	if err != nil {
		return nil, fmt.Errorf("evaluation: forecast %s fold %d: %w", cfg.Name, fold, err)
	}
	if outFile != "" {
		if err := fitting.WritePredictions(outFile, test.Panel.Names(), preds); err != nil {
			return nil, fmt.Errorf("evaluation: persist forecast %s fold %d: %w", cfg.Name, fold, err)
		}
	}
	return score(preds, train, test, levelOf, agg, cfg.ForecastsAggregates, cfg.Name, fold, metric)
}

// EvaluateFromFile scores a persisted forecast table against the held-out
// test window; used for the classical baseline and for externally
// reconciled forecasts. Only the final horizon rows of the file are
// consumed. A missing file is fatal and reports fs.ErrNotExist naming the
// filename.
func EvaluateFromFile(path string, train, test *folds.Window,
	levelOf hierarchy.LevelMapping, agg hierarchy.AggMapping,
	cfg fitting.VariantConfig, fold int, metric Metric) ([]Record, error) {

	preds, err := fitting.ReadPredictions(path, test.Steps())
	if err != nil {
		return nil, fmt.Errorf("evaluation: variant %s fold %d: %w", cfg.Name, fold, err)
	}
	return score(preds, train, test, levelOf, agg, cfg.ForecastsAggregates, cfg.Name, fold, metric)
}

// score computes one record per hierarchy level. Aggregate-level truth is
// always the panel's summed column; the aggregate-level forecast is the sum
// of the bottom forecasts through the agg mapping unless the variant
// forecasts aggregates directly, in which case its own columns are used
// as-is.
func score(preds map[string][]float64, train, test *folds.Window,
	levelOf hierarchy.LevelMapping, agg hierarchy.AggMapping,
	forecastsAggregates bool, variant string, fold int, metric Metric) ([]Record, error) {

	if metric == nil {
		metric = MASE
	}

	// Levels in panel order, first occurrence wins.
	var levels []string
	seen := make(map[string]bool)
	for _, name := range test.Panel.Names() {
		lv, ok := levelOf[name]
		if !ok {
			return nil, fmt.Errorf("evaluation: series %q has no hierarchy level", name)
		}
		if !seen[lv] {
			seen[lv] = true
			levels = append(levels, lv)
		}
	}

	records := make([]Record, 0, len(levels))
	for _, lv := range levels {
		var scores []float64
		for _, name := range test.Panel.LevelSeries(levelOf, lv) {
			truth, err := test.Series(name)
			if err != nil {
				return nil, err
			}
			trainSeries, err := train.Series(name)
			if err != nil {
				return nil, err
			}
			forecast, err := seriesForecast(preds, agg, name, forecastsAggregates)
			if err != nil {
				return nil, fmt.Errorf("evaluation: variant %s fold %d: %w", variant, fold, err)
			}
			if len(forecast) != len(truth) {
				return nil, fmt.Errorf("evaluation: variant %s fold %d series %q: forecast has %d steps, test window has %d",
					variant, fold, name, len(forecast), len(truth))
			}
			scores = append(scores, metric(truth, forecast, trainSeries))
		}
		records = append(records, Record{
			Variant: variant,
			Fold:    fold,
			Level:   lv,
			Score:   stat.Mean(scores, nil),
		})
	}
	return records, nil
}

func seriesForecast(preds map[string][]float64, agg hierarchy.AggMapping, name string, direct bool) ([]float64, error) {
	if direct {
		if f, ok := preds[name]; ok {
			return f, nil
		}
	}
	if _, isAgg := agg[name]; isAgg {
		return agg.Sum(preds, name)
	}
	f, ok := preds[name]
	if !ok {
		return nil, fmt.Errorf("no forecast for series %q", name)
	}
	return f, nil
}

// Ledger accumulates evaluation records per variant across the pipeline's
// stages. It is append-only and keyed by variant name, so appending the
// optional and reconciled variants later cannot reorder or displace earlier
// results.
type Ledger struct {
	order []string
	recs  map[string][]Record
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{recs: make(map[string][]Record)}
}

// Append adds records under a variant name, registering the name on first
// use. Variant order is first-append order.
func (l *Ledger) Append(variant string, recs []Record) {
	if _, ok := l.recs[variant]; !ok {
		l.order = append(l.order, variant)
	}
	l.recs[variant] = append(l.recs[variant], recs...)
}

// Variants returns the variant names in first-append order.
func (l *Ledger) Variants() []string {
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out
}

// Records returns the accumulated records for one variant.
func (l *Ledger) Records(variant string) []Record {
	return l.recs[variant]
}
