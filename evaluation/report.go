package evaluation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// ErrShapeMismatch reports a comparison request whose variant names and
// aggregated results do not line up one-to-one.
var ErrShapeMismatch = errors.New("evaluation: comparison shape mismatch")

// Aggregated is one variant's fold-mean error per hierarchy level.
type Aggregated struct {
	Variant string
	Folds   int
	ByLevel map[string]float64
}

// Aggregate collapses a variant's per-fold records into per-level means.
// Records may arrive in any fold order; the mean is order-insensitive.
func Aggregate(recs []Record) Aggregated {
	agg := Aggregated{ByLevel: make(map[string]float64)}
	scores := make(map[string][]float64)
	foldsSeen := make(map[int]bool)
	for _, r := range recs {
		if agg.Variant == "" {
			agg.Variant = r.Variant
		}
		scores[r.Level] = append(scores[r.Level], r.Score)
		foldsSeen[r.Fold] = true
	}
	for lv, s := range scores {
		agg.ByLevel[lv] = stat.Mean(s, nil)
	}
	agg.Folds = len(foldsSeen)
	return agg
}

// Compare renders the final comparison table, one row per variant and one
// column per hierarchy level, and writes it to outFile. Identical inputs
// produce byte-identical output. The names slice fixes the row order and
// must match the aggregated results one-to-one.
func Compare(aggs []Aggregated, names []string, levels []string, outFile string) error {
	if len(aggs) != len(names) {
		return fmt.Errorf("%w: %d results for %d variant names", ErrShapeMismatch, len(aggs), len(names))
	}
	byName := make(map[string]Aggregated, len(aggs))
	for _, a := range aggs {
		byName[a.Variant] = a
	}

	var b strings.Builder
	b.WriteString("model")
	for _, lv := range levels {
		b.WriteString(",")
		b.WriteString(lv)
	}
	b.WriteString("\n")
	for _, name := range names {
		a, ok := byName[name]
		if !ok {
			return fmt.Errorf("%w: no aggregated result for variant %q", ErrShapeMismatch, name)
		}
		b.WriteString(name)
		for _, lv := range levels {
			score, ok := a.ByLevel[lv]
			if !ok {
				return fmt.Errorf("%w: variant %q has no score for level %q", ErrShapeMismatch, name, lv)
			}
			fmt.Fprintf(&b, ",%.6f", score)
		}
		b.WriteString("\n")
	}

	if dir := filepath.Dir(outFile); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(outFile, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("write comparison table %s: %w", outFile, err)
	}
	return nil
}

// Levels lists the distinct level labels across a record set in a stable
// order: first-seen within fold 0, falling back to sorted labels when the
// records carry no fold 0.
func Levels(recs []Record) []string {
	var out []string
	seen := make(map[string]bool)
	for _, r := range recs {
		if r.Fold == 0 && !seen[r.Level] {
			seen[r.Level] = true
			out = append(out, r.Level)
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, r := range recs {
		if !seen[r.Level] {
			seen[r.Level] = true
			out = append(out, r.Level)
		}
	}
	sort.Strings(out)
	return out
}
