package fitting

import (
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"

	"github.com/Noofbiz/hierCast/folds"
	"github.com/Noofbiz/hierCast/hierarchy"
)

// ErrFitFailure wraps any error raised by the external fit capability. A
// single failed (variant, fold) cell aborts the whole run; this is an
// experiment driver, not a service, so there is no partial-success path.
var ErrFitFailure = errors.New("fitting: model fit failed")

// Variant names in pipeline order. The reconciled names are evaluated from
// externally produced files, never fit by the matrix.
const (
	VariantCatVar         = "DeepAR-Cat-Var"
	VariantEmbedAggCosine = "DeepAR-Embed-Agg-Cosine"
	VariantEmbedAggL2     = "DeepAR-Embed-Agg-L2"
	VariantSelfSup        = "DeepAR-Self-Sup"
	VariantBaseline       = "Arima-Baseline"

	// ReconciledSuffix joins a fit variant name to its reconciled twin.
	ReconciledSuffix = "-MinT"
)

// VariantConfig is the immutable configuration of one model variant.
type VariantConfig struct {
	Name string

	// Fit configuration forwarded to the external fit capability.
	UseCatVar             bool
	EmbeddingDimRatio     int
	EmbeddingAggPenalty   float64
	EmbeddingDistMetric   string
	SelfSupervisedPenalty float64

	// ForecastsAggregates marks variants whose artifacts emit aggregate
	// level forecasts directly; evaluation then uses those columns instead
	// of rolling bottom forecasts up.
	ForecastsAggregates bool

	// Baseline marks the classical per-series model: fit independently per
	// fold and persisted straight to a predictions file, bypassing the
	// artifact store.
	Baseline bool

	// Reconciled marks variants scored from externally reconciled files.
	Reconciled bool
}

// Options selects which optional variants are configured.
type Options struct {
	IncludeSelfSupervised bool
	IncludeBaseline       bool
	EmbedDimRatio         int
	EmbedPenaltyLambda    float64
	SelfSupPenaltyLambda  float64
}

// BuildVariants computes the full, ordered variant list once from the
// requested options. The list is never mutated afterwards; pipeline stages
// work with index ranges over it, so toggling an optional variant cannot
// reorder or corrupt another stage's view.
func BuildVariants(opts Options) []VariantConfig {
	ratio := opts.EmbedDimRatio
	if ratio <= 0 {
		ratio = 2
	}
	lambda := opts.EmbedPenaltyLambda
	if lambda == 0 {
		lambda = 1
	}

	variants := []VariantConfig{
		{Name: VariantCatVar, UseCatVar: true, EmbeddingDimRatio: ratio},
		{Name: VariantEmbedAggCosine, UseCatVar: true, EmbeddingDimRatio: ratio,
			EmbeddingAggPenalty: lambda, EmbeddingDistMetric: "cosine"},
		{Name: VariantEmbedAggL2, UseCatVar: true, EmbeddingDimRatio: ratio,
			EmbeddingAggPenalty: lambda, EmbeddingDistMetric: "l2"},
	}
	if opts.IncludeSelfSupervised {
		variants = append(variants, VariantConfig{
			Name: VariantSelfSup, UseCatVar: true, EmbeddingDimRatio: ratio,
			SelfSupervisedPenalty: opts.SelfSupPenaltyLambda,
		})
	}
	// File-scored variants carry aggregate columns in their forecast tables
	// and are evaluated from them directly.
	if opts.IncludeBaseline {
		variants = append(variants, VariantConfig{Name: VariantBaseline, Baseline: true, ForecastsAggregates: true})
		variants = append(variants, VariantConfig{Name: VariantBaseline + ReconciledSuffix, Reconciled: true, ForecastsAggregates: true})
	}
	variants = append(variants,
		VariantConfig{Name: VariantCatVar + ReconciledSuffix, Reconciled: true, ForecastsAggregates: true},
		VariantConfig{Name: VariantEmbedAggCosine + ReconciledSuffix, Reconciled: true, ForecastsAggregates: true},
		VariantConfig{Name: VariantEmbedAggL2 + ReconciledSuffix, Reconciled: true, ForecastsAggregates: true},
	)
	return variants
}

// FitSet filters the variants the fitting matrix is responsible for: the
// model variants that produce serialized artifacts.
func FitSet(variants []VariantConfig) []VariantConfig {
	var out []VariantConfig
	for _, v := range variants {
		if !v.Baseline && !v.Reconciled {
			out = append(out, v)
		}
	}
	return out
}

// FitRequest carries everything one (variant, fold) cell hands to the
// external fit capability. The aggregation mapping is shared and read-only;
// the sampler is exclusively owned by the cell's fold.
type FitRequest struct {
	Train      *folds.Window
	Validation *folds.Window
	Horizon    int
	Epochs     int

	UseCatVar   bool
	Cardinality int
	Sampler     *folds.Sampler
	AggMapping  hierarchy.AggMapping

	EmbeddingDimRatio     int
	EmbeddingAggPenalty   float64
	EmbeddingDistMetric   string
	SelfSupervisedPenalty float64
}

// Artifact is the opaque result of fitting one variant on one fold. It is
// created by the fit capability, optionally serialized and reloaded, then
// consumed exactly once by evaluation. Forecast returns per-series point
// forecasts for the next h timesteps after the train window.
type Artifact interface {
	Forecast(h int) (map[string][]float64, error)
}

// FitFunc is the external fit capability.
type FitFunc func(req FitRequest) (Artifact, error)

// BaselineFunc is the external classical fit+predict capability: it fits a
// per-series model on the train window and returns the next horizon of
// point forecasts for every series.
type BaselineFunc func(train *folds.Window, horizon int) (map[string][]float64, error)

// Matrix fits every configured variant on every fold.
type Matrix struct {
	Fit FitFunc

	// Workers bounds fit concurrency; 0 means NumCPU. Cells are disjoint
	// (own train window, own sampler, own output slot) so the grid is
	// embarrassingly parallel.
	Workers int
}

type fitCell struct {
	vi, fi int
}

// FitAll runs the (variant, fold) grid and returns artifacts indexed
// [variant][fold]. Any cell failure aborts the run with ErrFitFailure
// naming the cell.
func (m *Matrix) FitAll(variants []VariantConfig, splits []folds.DataSplit, samplers []*folds.Sampler,
	agg hierarchy.AggMapping, horizon, epochs int) ([][]Artifact, error) {

	if m.Fit == nil {
		return nil, fmt.Errorf("%w: no fit capability configured", ErrFitFailure)
	}
	if len(samplers) != len(splits) {
		return nil, fmt.Errorf("fitting: %d samplers for %d folds", len(samplers), len(splits))
	}

	out := make([][]Artifact, len(variants))
	for vi := range variants {
		out[vi] = make([]Artifact, len(splits))
	}

	cells := make([]fitCell, 0, len(variants)*len(splits))
	for vi := range variants {
		for fi := range splits {
			cells = append(cells, fitCell{vi: vi, fi: fi})
		}
	}

	workers := m.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(cells) {
		workers = len(cells)
	}

	jobs := make(chan fitCell, len(cells))
	errCh := make(chan error, workers)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for cell := range jobs {
				v := variants[cell.vi]
				ds := splits[cell.fi]
				req := FitRequest{
					Train:                 ds.Train,
					Validation:            ds.Val,
					Horizon:               horizon,
					Epochs:                epochs,
					UseCatVar:             v.UseCatVar,
					Cardinality:           len(ds.Train.Panel.Names()),
					Sampler:               samplers[cell.fi],
					AggMapping:            agg,
					EmbeddingDimRatio:     v.EmbeddingDimRatio,
					EmbeddingAggPenalty:   v.EmbeddingAggPenalty,
					EmbeddingDistMetric:   v.EmbeddingDistMetric,
					SelfSupervisedPenalty: v.SelfSupervisedPenalty,
				}
				art, err := m.Fit(req)
				if err != nil {
					errCh <- fmt.Errorf("%w: variant %s fold %d: %v", ErrFitFailure, v.Name, ds.Fold.Index, err)
					return
				}
				out[cell.vi][cell.fi] = art
			}
		}()
	}

	for _, cell := range cells {
		jobs <- cell
	}
	close(jobs)
	wg.Wait()
	close(errCh)

	if err, ok := <-errCh; ok {
		return nil, err
	}
	log.Printf("[fit] completed %d variants x %d folds", len(variants), len(splits))
	return out, nil
}

// PredictionFile names the persisted forecast for one (variant, fold) cell.
func PredictionFile(dir, variant string, fold int) string {
	return fmt.Sprintf("%s/%s-fold-%d.csv", dir, variant, fold)
}

// ReconciledFile names the externally reconciled forecast for one
// (reconciled variant, fold) cell; the "-MinT" suffix is stripped because
// the reconciliation step works on the unreconciled variant's files.
func ReconciledFile(dir, variant string, fold int) string {
	base := variant
	if n := len(ReconciledSuffix); len(base) > n && base[len(base)-n:] == ReconciledSuffix {
		base = base[:len(base)-n]
	}
	return fmt.Sprintf("%s/%s-fold-%d-reconciled.csv", dir, base, fold)
}

// FitPredictBaseline fits the classical baseline independently per fold and
// writes each fold's forecast straight to its predictions file. The
// baseline is also consumed directly by evaluation from these files, so no
// artifact is kept in memory.
func FitPredictBaseline(fn BaselineFunc, splits []folds.DataSplit, horizon int, dir, name string) error {
	if fn == nil {
		return fmt.Errorf("%w: no baseline capability configured", ErrFitFailure)
	}
	for _, ds := range splits {
		preds, err := fn(ds.Train, horizon)
		if err != nil {
			return fmt.Errorf("%w: variant %s fold %d: %v", ErrFitFailure, name, ds.Fold.Index, err)
		}
		path := PredictionFile(dir, name, ds.Fold.Index)
		if err := WritePredictions(path, ds.Train.Panel.Names(), preds); err != nil {
			return fmt.Errorf("variant %s fold %d: %w", name, ds.Fold.Index, err)
		}
	}
	log.Printf("[fit] baseline %s predicted %d folds", name, len(splits))
	return nil
}
