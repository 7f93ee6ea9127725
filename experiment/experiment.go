// Package experiment wires the pipeline stages together: preprocess the raw
// panel into a hierarchy and rolling-origin folds, fit the variant matrix,
// checkpoint the artifacts, score everything against the held-out windows
// and render the comparison table.
package experiment

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/Noofbiz/hierCast/artifacts"
	"github.com/Noofbiz/hierCast/evaluation"
	"github.com/Noofbiz/hierCast/fitting"
	"github.com/Noofbiz/hierCast/folds"
	"github.com/Noofbiz/hierCast/hierarchy"
	"github.com/Noofbiz/hierCast/model"
)

// Config collects every knob of one benchmark run. The zero value is not
// usable; start from DefaultConfig.
type Config struct {
	// DataPath points at the raw bottom-level panel CSV.
	DataPath string

	// Output locations. PredsDir receives per-fold forecast tables,
	// ModelsDir the serialized artifacts, ReconciledDir is where the
	// external reconciliation step leaves its output, and MetricsFile is
	// the final comparison table.
	PredsDir      string
	ModelsDir     string
	ReconciledDir string
	MetricsFile   string

	// Fold geometry. MinTrainSize of 0 means TrainSize, i.e. every fold
	// carries a full-length train window.
	Horizon      int
	TrainSize    int
	MinTrainSize int

	// Fit configuration.
	Epochs               int
	ValSet               bool
	IncludeSelfSup       bool
	IncludeBaseline      bool
	EmbedDimRatio        int
	EmbedPenaltyLambda   float64
	SelfSupPenaltyLambda float64
	Workers              int
	Seed                 int64

	// Hierarchy declaration.
	Levels      []hierarchy.Level
	BottomLevel string

	// Capabilities. Nil selects the built-in model package.
	Fit      fitting.FitFunc
	Baseline fitting.BaselineFunc
	Metric   evaluation.Metric
}

// DefaultConfig mirrors the published benchmark setup: monthly tourism data,
// a 12-step horizon over 108-step train windows, 50 epochs.
func DefaultConfig() Config {
	return Config{
		DataPath:             "data/tourism.csv",
		PredsDir:             "data/preds",
		ModelsDir:            "data/models",
		ReconciledDir:        "data/reconciled_preds",
		MetricsFile:          "data/metrics/baseline.txt",
		Horizon:              12,
		TrainSize:            108,
		Epochs:               50,
		EmbedDimRatio:        2,
		EmbedPenaltyLambda:   1,
		SelfSupPenaltyLambda: 1e-6,
		Seed:                 1,
		Levels:               hierarchy.DefaultLevels(),
		BottomLevel:          hierarchy.DefaultBottomLevel,
	}
}

// Experiment holds the state threaded through the pipeline stages. Stages
// must run in order; each one validates the state it depends on.
type Experiment struct {
	cfg      Config
	variants []fitting.VariantConfig
	fitSet   []fitting.VariantConfig

	panel   *hierarchy.Panel
	agg     hierarchy.AggMapping
	levelOf hierarchy.LevelMapping

	splits   []folds.DataSplit
	samplers []*folds.Sampler
	fitted   [][]fitting.Artifact

	ledger *evaluation.Ledger
}

// New prepares an experiment. The variant list is computed once here and
// never mutated afterwards.
func New(cfg Config) *Experiment {
	if cfg.Fit == nil {
		cfg.Fit = model.Fit
	}
	if cfg.Baseline == nil {
		cfg.Baseline = model.FitPredictBaseline
	}
	if cfg.Metric == nil {
		cfg.Metric = evaluation.MASE
	}
	if cfg.MinTrainSize == 0 {
		cfg.MinTrainSize = cfg.TrainSize
	}
	variants := fitting.BuildVariants(fitting.Options{
		IncludeSelfSupervised: cfg.IncludeSelfSup,
		IncludeBaseline:       cfg.IncludeBaseline,
		EmbedDimRatio:         cfg.EmbedDimRatio,
		EmbedPenaltyLambda:    cfg.EmbedPenaltyLambda,
		SelfSupPenaltyLambda:  cfg.SelfSupPenaltyLambda,
	})
	return &Experiment{
		cfg:      cfg,
		variants: variants,
		fitSet:   fitting.FitSet(variants),
		ledger:   evaluation.NewLedger(),
	}
}

// Variants returns the full configured variant list in pipeline order.
func (e *Experiment) Variants() []fitting.VariantConfig { return e.variants }

// Ledger exposes the accumulated evaluation records.
func (e *Experiment) Ledger() *evaluation.Ledger { return e.ledger }

// Preprocess loads the raw panel, derives the hierarchy and materializes the
// rolling-origin folds and their samplers.
func (e *Experiment) Preprocess() error {
	if e.cfg.DataPath == "" {
		return fmt.Errorf("experiment: no data path configured")
	}
	panel, agg, levelOf, err := hierarchy.Build(e.cfg.DataPath, e.cfg.Levels, e.cfg.BottomLevel)
	if err != nil {
		return err
	}
	e.panel, e.agg, e.levelOf = panel, agg, levelOf

	fs, err := folds.Split(panel.Steps, e.cfg.Horizon, e.cfg.MinTrainSize, e.cfg.TrainSize)
	if err != nil {
		return err
	}
	splits, err := folds.Build(panel, fs, e.cfg.ValSet)
	if err != nil {
		return err
	}
	samplers, err := folds.Samplers(splits, e.cfg.Seed)
	if err != nil {
		return err
	}
	e.splits, e.samplers = splits, samplers

	for _, dir := range []string{e.cfg.PredsDir, e.cfg.ModelsDir, e.cfg.ReconciledDir, filepath.Dir(e.cfg.MetricsFile)} {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("experiment: mkdir %s: %w", dir, err)
		}
	}

	log.Printf("[preprocess] %d bottom series, %d aggregates, %d timesteps, %d folds",
		len(panel.Bottom), len(panel.Aggregates), panel.Steps, len(splits))
	return nil
}

// Fit runs the variant/fold fitting matrix and, when configured, fits the
// classical baseline and persists its per-fold forecasts. All fitting side
// effects live in this stage; evaluation only reads what Fit produced.
func (e *Experiment) Fit() error {
	if e.splits == nil {
		return fmt.Errorf("experiment: fit before preprocess")
	}
	matrix := &fitting.Matrix{Fit: e.cfg.Fit, Workers: e.cfg.Workers}
	fitted, err := matrix.FitAll(e.fitSet, e.splits, e.samplers, e.agg, e.cfg.Horizon, e.cfg.Epochs)
	if err != nil {
		return err
	}
	e.fitted = fitted

	if e.cfg.IncludeBaseline {
		if err := fitting.FitPredictBaseline(e.cfg.Baseline, e.splits, e.cfg.Horizon,
			e.cfg.PredsDir, fitting.VariantBaseline); err != nil {
			return err
		}
	}
	return nil
}

// Serialize checkpoints every fitted artifact to the model directory.
func (e *Experiment) Serialize() error {
	if e.fitted == nil {
		return fmt.Errorf("experiment: serialize before fit")
	}
	store := &artifacts.Store{Dir: e.cfg.ModelsDir}
	for vi, v := range e.fitSet {
		if err := store.Save(e.fitted[vi], v.Name); err != nil {
			return err
		}
	}
	return nil
}

// Unserialize reloads every fit variant's artifacts from the model
// directory, replacing the in-memory grid. Evaluation after Unserialize
// therefore exercises exactly what a separate process would see.
func (e *Experiment) Unserialize() error {
	store := &artifacts.Store{Dir: e.cfg.ModelsDir}
	fitted := make([][]fitting.Artifact, len(e.fitSet))
	for vi, v := range e.fitSet {
		arts, err := store.Load(v.Name)
		if err != nil {
			return err
		}
		fitted[vi] = arts
	}
	e.fitted = fitted
	log.Printf("[unserialize] reloaded %d variants", len(e.fitSet))
	return nil
}

// persistForecast reports whether a variant's raw forecasts are written to
// the predictions directory during evaluation. Only the variants that feed
// the external reconciliation step are persisted.
func persistForecast(name string) bool {
	switch name {
	case fitting.VariantCatVar, fitting.VariantEmbedAggCosine, fitting.VariantEmbedAggL2:
		return true
	}
	return false
}

// Evaluate scores every fitted variant on every fold, persisting the
// forecasts the reconciliation step needs, then scores the classical
// baseline from the fold files the fit stage persisted. Evaluate never
// fits anything, so re-running it cannot disturb the files an external
// reconciliation consumed.
func (e *Experiment) Evaluate() error {
	if e.fitted == nil {
		return fmt.Errorf("experiment: evaluate before fit")
	}
	for vi, v := range e.fitSet {
		for fi, ds := range e.splits {
			outFile := ""
			if persistForecast(v.Name) {
				outFile = fitting.PredictionFile(e.cfg.PredsDir, v.Name, ds.Fold.Index)
			}
			recs, err := evaluation.EvaluateFitted(e.fitted[vi][fi], ds.Train, ds.Test,
				e.levelOf, e.agg, v, ds.Fold.Index, outFile, e.cfg.Metric)
			if err != nil {
				return err
			}
			e.ledger.Append(v.Name, recs)
		}
		log.Printf("[evaluate] %s scored on %d folds", v.Name, len(e.splits))
	}

	if e.cfg.IncludeBaseline {
		cfg := e.variantByName(fitting.VariantBaseline)
		for _, ds := range e.splits {
			path := fitting.PredictionFile(e.cfg.PredsDir, fitting.VariantBaseline, ds.Fold.Index)
			recs, err := evaluation.EvaluateFromFile(path, ds.Train, ds.Test,
				e.levelOf, e.agg, cfg, ds.Fold.Index, e.cfg.Metric)
			if err != nil {
				return err
			}
			e.ledger.Append(cfg.Name, recs)
		}
		log.Printf("[evaluate] %s scored on %d folds", fitting.VariantBaseline, len(e.splits))
	}
	return nil
}

// EvaluateReconciled scores the externally reconciled forecast files. The
// reconciliation step runs outside this process between Evaluate and this
// stage; a missing file means it has not run yet and aborts the stage.
func (e *Experiment) EvaluateReconciled() error {
	if e.splits == nil {
		return fmt.Errorf("experiment: evaluate-reconciled before preprocess")
	}
	for _, v := range e.variants {
		if !v.Reconciled {
			continue
		}
		for _, ds := range e.splits {
			path := fitting.ReconciledFile(e.cfg.ReconciledDir, v.Name, ds.Fold.Index)
			recs, err := evaluation.EvaluateFromFile(path, ds.Train, ds.Test,
				e.levelOf, e.agg, v, ds.Fold.Index, e.cfg.Metric)
			if err != nil {
				return err
			}
			e.ledger.Append(v.Name, recs)
		}
		log.Printf("[evaluate-reconciled] %s scored on %d folds", v.Name, len(e.splits))
	}
	return nil
}

// Compare aggregates the ledger into fold means and writes the comparison
// table. Rows appear in evaluation order; columns follow the hierarchy's
// level order, top level first, as recorded per fold in the ledger.
func (e *Experiment) Compare() error {
	names := e.ledger.Variants()
	if len(names) == 0 {
		return fmt.Errorf("experiment: compare with empty ledger")
	}
	levels := evaluation.Levels(e.ledger.Records(names[0]))
	aggs := make([]evaluation.Aggregated, len(names))
	for i, name := range names {
		aggs[i] = evaluation.Aggregate(e.ledger.Records(name))
	}
	if err := evaluation.Compare(aggs, names, levels, e.cfg.MetricsFile); err != nil {
		return err
	}
	log.Printf("[compare] %d variants x %d levels written to %s", len(names), len(levels), e.cfg.MetricsFile)
	return nil
}

func (e *Experiment) variantByName(name string) fitting.VariantConfig {
	for _, v := range e.variants {
		if v.Name == name {
			return v
		}
	}
	return fitting.VariantConfig{Name: name}
}

// Reproduce runs the full benchmark without the reconciliation comparison:
// preprocess, fit, checkpoint round trip, evaluate, compare.
func (e *Experiment) Reproduce() error {
	for _, stage := range []func() error{
		e.Preprocess, e.Fit, e.Serialize, e.Unserialize, e.Evaluate, e.Compare,
	} {
		if err := stage(); err != nil {
			return err
		}
	}
	return nil
}

// OptimalReconciliation resumes from the checkpoint a previous Reproduce
// run serialized: artifacts are reloaded, never refit, because the external
// reconciliation was computed from those fits' persisted forecasts. It then
// scores the unreconciled and reconciled forecasts and renders the final
// comparison. The reconciled files must already be present under the
// reconciled directory.
func (e *Experiment) OptimalReconciliation() error {
	for _, stage := range []func() error{
		e.Preprocess, e.Unserialize, e.Evaluate, e.EvaluateReconciled, e.Compare,
	} {
		if err := stage(); err != nil {
			return err
		}
	}
	return nil
}
