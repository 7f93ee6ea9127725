package hierarchy

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// ErrDataFormat is returned when the raw panel CSV cannot be parsed into the
// expected series/time structure or when the declared hierarchy is
// inconsistent with the bottom-level series found in it.
var ErrDataFormat = errors.New("hierarchy: malformed panel data")

// Panel holds per-timestep observations for every series in the hierarchy:
// the bottom-level series read from the raw CSV plus the aggregate series
// derived from them by summation. Aggregation is a fixed linear sum over the
// bottom series, never learned, so the aggregate columns are always
// consistent with the bottom columns they cover.
type Panel struct {
	// Bottom holds the bottom-level series names in raw-column order.
	Bottom []string

	// Aggregates holds the derived aggregate series names, top level first.
	Aggregates []string

	// Values maps every series name (bottom and aggregate) to its
	// chronologically ordered observations.
	Values map[string][]float64

	// Steps is the number of timesteps shared by every series.
	Steps int
}

// Names returns all series names, aggregates first, in a stable order.
func (p *Panel) Names() []string {
	names := make([]string, 0, len(p.Aggregates)+len(p.Bottom))
	names = append(names, p.Aggregates...)
	names = append(names, p.Bottom...)
	return names
}

// AggMapping maps an aggregate series name to the bottom-level series it
// sums. It is built once by Build and treated as read-only afterwards; both
// training-time regularization and evaluation-time rollups share the same
// instance.
type AggMapping map[string][]string

// LevelMapping maps every series name to its hierarchy level label.
type LevelMapping map[string]string

// Level declares one aggregation level of the hierarchy. Bottom series names
// are codes (e.g. tourism region codes like "AAA"); an aggregate at a level
// sums every bottom series sharing the level's prefix. PrefixLen 0 declares
// the grand-total level: a single aggregate named after the level itself.
type Level struct {
	Name      string
	PrefixLen int
}

// DefaultLevels is the hierarchy used by the tourism benchmark: a grand
// total ("all") and a per-country grouping over the first code letter, with
// the raw series forming the "region-by-travel" bottom level.
func DefaultLevels() []Level {
	return []Level{
		{Name: "all", PrefixLen: 0},
		{Name: "country", PrefixLen: 1},
	}
}

// DefaultBottomLevel is the level label assigned to the raw bottom series.
const DefaultBottomLevel = "region-by-travel"

// Build reads the raw panel CSV at path and materializes the full hierarchy.
// The CSV header names the bottom-level series; every row is one timestep.
// Returned are the panel (bottom plus derived aggregate columns), the
// aggregation mapping and the level mapping. Build is deterministic: the
// same file and level declarations always produce identical results.
func Build(path string, levels []Level, bottomLevel string) (*Panel, AggMapping, LevelMapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open panel %s: %w", path, err)
	}
	defer f.Close()
	return buildFrom(f, levels, bottomLevel)
}

func buildFrom(r io.Reader, levels []Level, bottomLevel string) (*Panel, AggMapping, LevelMapping, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: read header: %v", ErrDataFormat, err)
	}
	if len(header) == 0 {
		return nil, nil, nil, fmt.Errorf("%w: empty header", ErrDataFormat)
	}

	bottom := make([]string, len(header))
	seen := make(map[string]bool, len(header))
	for i, col := range header {
		name := strings.TrimSpace(col)
		if name == "" {
			return nil, nil, nil, fmt.Errorf("%w: blank series name in column %d", ErrDataFormat, i)
		}
		if seen[name] {
			return nil, nil, nil, fmt.Errorf("%w: duplicate series name %q", ErrDataFormat, name)
		}
		seen[name] = true
		bottom[i] = name
	}

	values := make(map[string][]float64, len(bottom))
	for _, name := range bottom {
		values[name] = []float64{}
	}
	steps := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: row %d: %v", ErrDataFormat, steps+1, err)
		}
		if len(record) != len(bottom) {
			return nil, nil, nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrDataFormat, steps+1, len(record), len(bottom))
		}
		for i, cell := range record {
			v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("%w: row %d column %q: %v", ErrDataFormat, steps+1, bottom[i], err)
			}
			values[bottom[i]] = append(values[bottom[i]], v)
		}
		steps++
	}
	if steps == 0 {
		return nil, nil, nil, fmt.Errorf("%w: no observations", ErrDataFormat)
	}

	agg, levelOf, aggNames, err := buildMappings(bottom, levels, bottomLevel)
	if err != nil {
		return nil, nil, nil, err
	}

	// Materialize aggregate columns by summation.
	for _, name := range aggNames {
		sum := make([]float64, steps)
		for _, child := range agg[name] {
			floats.Add(sum, values[child])
		}
		if seen[name] {
			return nil, nil, nil, fmt.Errorf("%w: aggregate name %q collides with a bottom series", ErrDataFormat, name)
		}
		values[name] = sum
	}

	panel := &Panel{
		Bottom:     bottom,
		Aggregates: aggNames,
		Values:     values,
		Steps:      steps,
	}
	return panel, agg, levelOf, nil
}

// buildMappings derives the aggregation and level mappings from the bottom
// series names and the declared levels, validating hierarchy consistency.
func buildMappings(bottom []string, levels []Level, bottomLevel string) (AggMapping, LevelMapping, []string, error) {
	if len(levels) == 0 {
		return nil, nil, nil, fmt.Errorf("%w: no hierarchy levels declared", ErrDataFormat)
	}
	if bottomLevel == "" {
		return nil, nil, nil, fmt.Errorf("%w: empty bottom level label", ErrDataFormat)
	}

	agg := make(AggMapping)
	levelOf := make(LevelMapping, len(bottom))
	var aggNames []string

	for _, lv := range levels {
		if lv.Name == "" {
			return nil, nil, nil, fmt.Errorf("%w: unnamed hierarchy level", ErrDataFormat)
		}
		if lv.PrefixLen == 0 {
			// Grand total: one aggregate over every bottom series.
			children := make([]string, len(bottom))
			copy(children, bottom)
			agg[lv.Name] = children
			levelOf[lv.Name] = lv.Name
			aggNames = append(aggNames, lv.Name)
			continue
		}
		// Prefix grouping: one aggregate per distinct code prefix.
		groups := make(map[string][]string)
		var order []string
		for _, name := range bottom {
			if len(name) <= lv.PrefixLen {
				return nil, nil, nil, fmt.Errorf("%w: series %q too short for level %q (prefix %d)",
					ErrDataFormat, name, lv.Name, lv.PrefixLen)
			}
			prefix := name[:lv.PrefixLen]
			if _, ok := groups[prefix]; !ok {
				order = append(order, prefix)
			}
			groups[prefix] = append(groups[prefix], name)
		}
		for _, prefix := range order {
			if _, dup := agg[prefix]; dup {
				return nil, nil, nil, fmt.Errorf("%w: aggregate %q declared by more than one level", ErrDataFormat, prefix)
			}
			agg[prefix] = groups[prefix]
			levelOf[prefix] = lv.Name
			aggNames = append(aggNames, prefix)
		}
	}

	for _, name := range bottom {
		levelOf[name] = bottomLevel
	}

	if err := agg.Validate(bottom); err != nil {
		return nil, nil, nil, err
	}
	return agg, levelOf, aggNames, nil
}

// Validate checks the coverage invariant: the top-level aggregate reaches
// every bottom series exactly once, and no aggregate references an unknown
// bottom series.
func (m AggMapping) Validate(bottom []string) error {
	known := make(map[string]bool, len(bottom))
	for _, name := range bottom {
		known[name] = true
	}
	covered := make(map[string]int, len(bottom))
	for agg, children := range m {
		if len(children) == 0 {
			return fmt.Errorf("%w: aggregate %q has no children", ErrDataFormat, agg)
		}
		for _, child := range children {
			if !known[child] {
				return fmt.Errorf("%w: aggregate %q references unknown series %q", ErrDataFormat, agg, child)
			}
			covered[child]++
		}
	}
	// Every bottom series must appear in at least one aggregate; with the
	// grand-total level present this means no orphaned leaf.
	for _, name := range bottom {
		if covered[name] == 0 {
			return fmt.Errorf("%w: bottom series %q not covered by any aggregate", ErrDataFormat, name)
		}
	}
	return nil
}

// Sum computes the summation of an aggregate's children over the given
// per-series values. Used by evaluation rollups so aggregate forecasts are
// always the linear combination the hierarchy declares.
func (m AggMapping) Sum(values map[string][]float64, agg string) ([]float64, error) {
	children, ok := m[agg]
	if !ok {
		return nil, fmt.Errorf("unknown aggregate series %q", agg)
	}
	var out []float64
	for _, child := range children {
		v, ok := values[child]
		if !ok {
			return nil, fmt.Errorf("aggregate %q: missing child series %q", agg, child)
		}
		if out == nil {
			out = make([]float64, len(v))
		}
		if len(v) != len(out) {
			return nil, fmt.Errorf("aggregate %q: child %q has %d steps, want %d", agg, child, len(v), len(out))
		}
		floats.Add(out, v)
	}
	return out, nil
}

// LevelSeries returns the series assigned to the given level label, in a
// stable order (panel order for bottom series, mapping-insertion order is
// not relied upon: aggregates are returned sorted by the panel).
func (p *Panel) LevelSeries(levelOf LevelMapping, level string) []string {
	var out []string
	for _, name := range p.Names() {
		if levelOf[name] == level {
			out = append(out, name)
		}
	}
	return out
}
