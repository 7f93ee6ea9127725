package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/Noofbiz/hierCast/experiment"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: hiercast [flags] <command>\n\n")
	fmt.Fprintf(os.Stderr, "commands:\n")
	fmt.Fprintf(os.Stderr, "  reproduce     run the full benchmark without reconciliation\n")
	fmt.Fprintf(os.Stderr, "  optimal-rec   run the benchmark and score externally reconciled forecasts\n\n")
	fmt.Fprintf(os.Stderr, "flags:\n")
	flag.PrintDefaults()
}

func main() {
	defaults := experiment.DefaultConfig()

	// CLI flags
	dataPath := flag.String("data", defaults.DataPath, "path to the raw bottom-level panel CSV")
	predsDir := flag.String("preds-dir", defaults.PredsDir, "directory for per-fold forecast CSV files")
	modelsDir := flag.String("models-dir", defaults.ModelsDir, "directory for serialized model artifacts")
	reconciledDir := flag.String("reconciled-dir", defaults.ReconciledDir, "directory holding externally reconciled forecast CSV files")
	metricsFile := flag.String("metrics", defaults.MetricsFile, "output path for the comparison table")
	horizon := flag.Int("horizon", defaults.Horizon, "forecast horizon in timesteps")
	trainSize := flag.Int("train-size", defaults.TrainSize, "train window length per fold")
	minTrainSize := flag.Int("min-train-size", 0, "minimum train window length (0 = train-size)")
	epochs := flag.Int("epochs", defaults.Epochs, "training epochs per fit")
	valSet := flag.Bool("val-set", false, "carve a validation window from each train window")
	selfSup := flag.Bool("self-sup", false, "include the self-supervised reconciliation variant")
	baseline := flag.Bool("baseline", false, "include the classical per-series baseline")
	embedRatio := flag.Int("embed-dim-ratio", defaults.EmbedDimRatio, "hidden-dim to embedding-dim ratio")
	embedLambda := flag.Float64("embed-lambda", defaults.EmbedPenaltyLambda, "embedding aggregation penalty weight")
	selfSupLambda := flag.Float64("self-sup-lambda", defaults.SelfSupPenaltyLambda, "self-supervised penalty weight")
	workers := flag.Int("workers", 0, "fit concurrency (0 = NumCPU)")
	seed := flag.Int64("seed", defaults.Seed, "random seed for fold samplers")

	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	cfg := defaults
	cfg.DataPath = *dataPath
	cfg.PredsDir = *predsDir
	cfg.ModelsDir = *modelsDir
	cfg.ReconciledDir = *reconciledDir
	cfg.MetricsFile = *metricsFile
	cfg.Horizon = *horizon
	cfg.TrainSize = *trainSize
	cfg.MinTrainSize = *minTrainSize
	cfg.Epochs = *epochs
	cfg.ValSet = *valSet
	cfg.IncludeSelfSup = *selfSup
	cfg.IncludeBaseline = *baseline
	cfg.EmbedDimRatio = *embedRatio
	cfg.EmbedPenaltyLambda = *embedLambda
	cfg.SelfSupPenaltyLambda = *selfSupLambda
	cfg.Workers = *workers
	cfg.Seed = *seed

	exp := experiment.New(cfg)

	switch cmd := flag.Arg(0); cmd {
	case "reproduce":
		if err := exp.Reproduce(); err != nil {
			log.Fatalf("reproduce failed: %v", err)
		}
	case "optimal-rec":
		if err := exp.OptimalReconciliation(); err != nil {
			log.Fatalf("optimal reconciliation failed: %v", err)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	log.Printf("done: comparison table at %s", cfg.MetricsFile)
}
