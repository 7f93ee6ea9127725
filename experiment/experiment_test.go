package experiment

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/Noofbiz/hierCast/fitting"
	"github.com/Noofbiz/hierCast/folds"
	"github.com/Noofbiz/hierCast/model"
)

// writePanelCSV writes a 4-series seasonal panel with the given number of
// timesteps.
func writePanelCSV(t *testing.T, path string, steps int) {
	t.Helper()
	var b strings.Builder
	names := []string{"AAA", "AAB", "BAA", "BAB"}
	b.WriteString(strings.Join(names, ",") + "\n")
	for i := 0; i < steps; i++ {
		row := make([]string, len(names))
		for s := range names {
			v := 20.0*float64(s+1) + 0.5*float64(i) + 3.0*float64(i%12)
			row[s] = fmt.Sprintf("%.2f", v)
		}
		b.WriteString(strings.Join(row, ",") + "\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		t.Fatalf("write panel csv: %v", err)
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	data := filepath.Join(dir, "tourism.csv")
	writePanelCSV(t, data, 36)

	cfg := DefaultConfig()
	cfg.DataPath = data
	cfg.PredsDir = filepath.Join(dir, "preds")
	cfg.ModelsDir = filepath.Join(dir, "models")
	cfg.ReconciledDir = filepath.Join(dir, "reconciled_preds")
	cfg.MetricsFile = filepath.Join(dir, "metrics", "baseline.txt")
	cfg.Horizon = 6
	cfg.TrainSize = 24
	cfg.MinTrainSize = 18
	cfg.Epochs = 5
	cfg.ValSet = true
	cfg.Workers = 2
	return cfg
}

func TestReproduce_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	cfg.IncludeBaseline = true
	exp := New(cfg)

	if err := exp.Reproduce(); err != nil {
		t.Fatalf("Reproduce failed: %v", err)
	}

	// The ledger carries the three fit variants plus the baseline.
	names := exp.Ledger().Variants()
	want := []string{
		fitting.VariantCatVar,
		fitting.VariantEmbedAggCosine,
		fitting.VariantEmbedAggL2,
		fitting.VariantBaseline,
	}
	if len(names) != len(want) {
		t.Fatalf("unexpected ledger variants: %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("ledger variant %d: got %s, want %s", i, names[i], want[i])
		}
	}

	// Three folds over 36 steps with horizon 6 and an 18..24 step train
	// window, three levels per fold.
	for _, name := range names {
		recs := exp.Ledger().Records(name)
		if len(recs) != 3*3 {
			t.Fatalf("variant %s has %d records, want 9", name, len(recs))
		}
	}

	// The comparison table has one row per variant.
	data, err := os.ReadFile(cfg.MetricsFile)
	if err != nil {
		t.Fatalf("read metrics table: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1+len(want) {
		t.Fatalf("expected %d table lines, got %d:\n%s", 1+len(want), len(lines), data)
	}
	if lines[0] != "model,all,country,region-by-travel" {
		t.Fatalf("unexpected table header: %s", lines[0])
	}

	// Forecasts for the reconciliation inputs are persisted per fold.
	for _, name := range want[:3] {
		for fold := 0; fold < 3; fold++ {
			path := fitting.PredictionFile(cfg.PredsDir, name, fold)
			if _, err := os.Stat(path); err != nil {
				t.Fatalf("missing persisted forecast %s: %v", path, err)
			}
		}
	}

	// Serialized artifacts round-tripped through the store.
	for _, name := range want[:3] {
		manifest := filepath.Join(cfg.ModelsDir, name+"-manifest.json")
		if _, err := os.Stat(manifest); err != nil {
			t.Fatalf("missing artifact manifest %s: %v", manifest, err)
		}
	}
}

func TestOptimalReconciliation_ScoresReconciledFiles(t *testing.T) {
	cfg := testConfig(t)

	// First run produces the per-fold forecasts the reconciliation step
	// would consume.
	if err := New(cfg).Reproduce(); err != nil {
		t.Fatalf("Reproduce failed: %v", err)
	}

	copyToReconciled(t, cfg, []string{
		fitting.VariantCatVar, fitting.VariantEmbedAggCosine, fitting.VariantEmbedAggL2,
	}, 3)

	exp := New(cfg)
	if err := exp.OptimalReconciliation(); err != nil {
		t.Fatalf("OptimalReconciliation failed: %v", err)
	}
	names := exp.Ledger().Variants()
	if len(names) != 6 {
		t.Fatalf("expected 6 ledger variants, got %v", names)
	}
	for _, name := range names[3:] {
		if !strings.HasSuffix(name, fitting.ReconciledSuffix) {
			t.Fatalf("expected reconciled variant, got %s", name)
		}
	}

	data, err := os.ReadFile(cfg.MetricsFile)
	if err != nil {
		t.Fatalf("read metrics table: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 7 {
		t.Fatalf("expected 7 table lines, got %d:\n%s", len(lines), data)
	}
}

// copyToReconciled stands in for the external reconciliation step: every
// persisted forecast is copied to its reconciled location.
func copyToReconciled(t *testing.T, cfg Config, names []string, numFolds int) {
	t.Helper()
	if err := os.MkdirAll(cfg.ReconciledDir, 0755); err != nil {
		t.Fatalf("mkdir reconciled dir: %v", err)
	}
	for _, name := range names {
		for fold := 0; fold < numFolds; fold++ {
			src := fitting.PredictionFile(cfg.PredsDir, name, fold)
			data, err := os.ReadFile(src)
			if err != nil {
				t.Fatalf("read forecast %s: %v", src, err)
			}
			dst := fitting.ReconciledFile(cfg.ReconciledDir, name+fitting.ReconciledSuffix, fold)
			if err := os.WriteFile(dst, data, 0644); err != nil {
				t.Fatalf("write reconciled forecast %s: %v", dst, err)
			}
		}
	}
}

func TestOptimalReconciliation_ResumesFromCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.IncludeBaseline = true

	var fitCalls, baselineCalls int64
	cfg.Fit = func(req fitting.FitRequest) (fitting.Artifact, error) {
		atomic.AddInt64(&fitCalls, 1)
		return model.Fit(req)
	}
	cfg.Baseline = func(train *folds.Window, horizon int) (map[string][]float64, error) {
		atomic.AddInt64(&baselineCalls, 1)
		return model.FitPredictBaseline(train, horizon)
	}

	if err := New(cfg).Reproduce(); err != nil {
		t.Fatalf("Reproduce failed: %v", err)
	}
	// Three fit variants and the baseline over three folds each.
	if got := atomic.LoadInt64(&fitCalls); got != 9 {
		t.Fatalf("expected 9 fit calls during Reproduce, got %d", got)
	}
	if got := atomic.LoadInt64(&baselineCalls); got != 3 {
		t.Fatalf("expected 3 baseline fits during Reproduce, got %d", got)
	}

	copyToReconciled(t, cfg, []string{
		fitting.VariantCatVar, fitting.VariantEmbedAggCosine,
		fitting.VariantEmbedAggL2, fitting.VariantBaseline,
	}, 3)

	manifest := filepath.Join(cfg.ModelsDir, fitting.VariantCatVar+"-manifest.json")
	before, err := os.ReadFile(manifest)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}

	// The reconciliation pipeline resumes from the serialized checkpoint the
	// reconciled files were derived from: nothing may be refit or rewritten.
	atomic.StoreInt64(&fitCalls, 0)
	atomic.StoreInt64(&baselineCalls, 0)
	exp := New(cfg)
	if err := exp.OptimalReconciliation(); err != nil {
		t.Fatalf("OptimalReconciliation failed: %v", err)
	}
	if got := atomic.LoadInt64(&fitCalls); got != 0 {
		t.Fatalf("expected no fit calls during OptimalReconciliation, got %d", got)
	}
	if got := atomic.LoadInt64(&baselineCalls); got != 0 {
		t.Fatalf("expected no baseline fits during OptimalReconciliation, got %d", got)
	}
	after, err := os.ReadFile(manifest)
	if err != nil {
		t.Fatalf("re-read manifest: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Fatalf("checkpoint manifest changed across OptimalReconciliation")
	}

	names := exp.Ledger().Variants()
	want := []string{
		fitting.VariantCatVar,
		fitting.VariantEmbedAggCosine,
		fitting.VariantEmbedAggL2,
		fitting.VariantBaseline,
		fitting.VariantBaseline + fitting.ReconciledSuffix,
		fitting.VariantCatVar + fitting.ReconciledSuffix,
		fitting.VariantEmbedAggCosine + fitting.ReconciledSuffix,
		fitting.VariantEmbedAggL2 + fitting.ReconciledSuffix,
	}
	if len(names) != len(want) {
		t.Fatalf("unexpected ledger variants: %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("ledger variant %d: got %s, want %s", i, names[i], want[i])
		}
	}
}

func TestOptimalReconciliation_MissingReconciledFilesFatal(t *testing.T) {
	cfg := testConfig(t)
	if err := New(cfg).Reproduce(); err != nil {
		t.Fatalf("Reproduce failed: %v", err)
	}
	// The checkpoint exists but the reconciliation step never ran, so the
	// reconciled stage must fail with a not-exist error naming the file.
	err := New(cfg).OptimalReconciliation()
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestOptimalReconciliation_MissingCheckpointFatal(t *testing.T) {
	cfg := testConfig(t)
	// Without a prior Reproduce run there is no serialized checkpoint to
	// resume from; reloading must fail rather than silently refitting.
	err := New(cfg).OptimalReconciliation()
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestStageOrderEnforced(t *testing.T) {
	cfg := testConfig(t)
	exp := New(cfg)
	if err := exp.Fit(); err == nil {
		t.Fatalf("expected error fitting before preprocess")
	}
	if err := exp.Serialize(); err == nil {
		t.Fatalf("expected error serializing before fit")
	}
	if err := exp.Evaluate(); err == nil {
		t.Fatalf("expected error evaluating before fit")
	}
	if err := exp.Compare(); err == nil {
		t.Fatalf("expected error comparing with an empty ledger")
	}
}
