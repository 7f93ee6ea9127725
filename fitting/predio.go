package fitting

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// WritePredictions persists a per-series forecast table as CSV: one column
// per series (header row), one chronologically ordered row per timestep.
// The parent directory is created if absent and the write is atomic
// (temp file then rename) so a crashed run never leaves a truncated table.
func WritePredictions(path string, names []string, preds map[string][]float64) error {
	steps := -1
	for _, name := range names {
		v, ok := preds[name]
		if !ok {
			return fmt.Errorf("predictions missing series %q", name)
		}
		if steps == -1 {
			steps = len(v)
		} else if len(v) != steps {
			return fmt.Errorf("series %q has %d steps, want %d", name, len(v), steps)
		}
	}
	if steps <= 0 {
		return fmt.Errorf("predictions are empty")
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp predictions file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		_ = os.Remove(tmpName)
	}()

	w := csv.NewWriter(tmp)
	if err := w.Write(names); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	row := make([]string, len(names))
	for t := 0; t < steps; t++ {
		for i, name := range names {
			row[i] = strconv.FormatFloat(preds[name][t], 'f', 6, 64)
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write row %d: %w", t, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush predictions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp predictions file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp predictions to target: %w", err)
	}
	return nil
}

// ReadPredictions loads a persisted forecast table and returns the final
// horizon rows per series. Files may carry more rows than the horizon (the
// reconciliation step appends context); only the tail is consumed.
func ReadPredictions(path string, horizon int) (map[string][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open predictions %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read predictions header %s: %w", path, err)
	}
	var rows [][]float64
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read predictions row in %s: %w", path, err)
		}
		if len(record) != len(header) {
			return nil, fmt.Errorf("predictions %s: row has %d columns, want %d", path, len(record), len(header))
		}
		row := make([]float64, len(record))
		for i, cell := range record {
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("predictions %s: column %q: %w", path, header[i], err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	if len(rows) < horizon {
		return nil, fmt.Errorf("predictions %s: %d rows, need at least %d", path, len(rows), horizon)
	}
	rows = rows[len(rows)-horizon:]

	preds := make(map[string][]float64, len(header))
	for i, name := range header {
		col := make([]float64, horizon)
		for t := range rows {
			col[t] = rows[t][i]
		}
		preds[name] = col
	}
	return preds, nil
}
