package folds

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// TrainingSet exposes one fold's train window as a supervised example set
// compatible with gomlx training loops: every example pairs a fixed-length
// context window of one series with the following horizon of that series.
// Examples are enumerated per series in panel order, then by window start,
// so indexing is deterministic.
type TrainingSet struct {
	// BatchSize used by Yield.
	BatchSize int

	win     *Window
	names   []string
	context int
	horizon int
	perSer  int
	cursor  int
}

// NewTrainingSet builds a training set over the window's series with the
// given context and horizon lengths. All series of the panel (aggregates
// included) contribute examples, matching how the forecasting model is
// trained on the full hierarchy.
func NewTrainingSet(win *Window, context, horizon int) (*TrainingSet, error) {
	if context <= 0 || horizon <= 0 {
		return nil, fmt.Errorf("folds: context and horizon must be positive, got %d/%d", context, horizon)
	}
	perSer := win.Steps() - context - horizon + 1
	if perSer <= 0 {
		return nil, fmt.Errorf("%w: train window of %d steps cannot fit context %d plus horizon %d",
			ErrInsufficientData, win.Steps(), context, horizon)
	}
	return &TrainingSet{
		BatchSize: 32,
		win:       win,
		names:     win.Panel.Names(),
		context:   context,
		horizon:   horizon,
		perSer:    perSer,
	}, nil
}

// Len returns the total number of (series, start) examples.
func (t *TrainingSet) Len() int { return len(t.names) * t.perSer }

// Example returns the context window as inputs and the following horizon
// as labels for the example at global index idx.
func (t *TrainingSet) Example(idx int) (inputs []float32, labels []float32, err error) {
	if idx < 0 || idx >= t.Len() {
		return nil, nil, fmt.Errorf("folds: example index %d out of range [0, %d)", idx, t.Len())
	}
	series := t.names[idx/t.perSer]
	start := idx % t.perSer
	v, err := t.win.Series(series)
	if err != nil {
		return nil, nil, err
	}
	inputs = make([]float32, t.context)
	labels = make([]float32, t.horizon)
	for i := 0; i < t.context; i++ {
		inputs[i] = float32(v[start+i])
	}
	for i := 0; i < t.horizon; i++ {
		labels[i] = float32(v[start+t.context+i])
	}
	return inputs, labels, nil
}

// Batch reads multiple examples by their global indices.
func (t *TrainingSet) Batch(indices []int) ([][]float32, [][]float32, error) {
	inputs := make([][]float32, len(indices))
	labels := make([][]float32, len(indices))
	for i, idx := range indices {
		in, la, err := t.Example(idx)
		if err != nil {
			return nil, nil, err
		}
		inputs[i] = in
		labels[i] = la
	}
	return inputs, labels, nil
}

// Tensors reads a batch of examples and returns them as dense gomlx
// tensors of shape [batch, context] and [batch, horizon].
func (t *TrainingSet) Tensors(indices []int) (*tensors.Tensor, *tensors.Tensor, error) {
	inputs, labels, err := t.Batch(indices)
	if err != nil {
		return nil, nil, err
	}
	in, err := toTensor(inputs, t.context)
	if err != nil {
		return nil, nil, err
	}
	lab, err := toTensor(labels, t.horizon)
	if err != nil {
		return nil, nil, err
	}
	return in, lab, nil
}

// toTensor converts example rows into one dense gomlx tensor, checking that
// every row carries the expected width.
func toTensor(rows [][]float32, dim int) (*tensors.Tensor, error) {
	for i, row := range rows {
		if len(row) != dim {
			return nil, fmt.Errorf("folds: example row %d has %d values, want %d", i, len(row), dim)
		}
	}
	if rows == nil {
		rows = [][]float32{}
	}
	return tensors.FromAnyValue(rows), nil
}

// Name returns the dataset name for the gomlx train.Dataset interface.
func (t *TrainingSet) Name() string { return "TrainingSet" }

// Yield returns the next batch for the gomlx train.Dataset interface,
// walking the example space sequentially in BatchSize chunks.
func (t *TrainingSet) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	n := t.Len()
	if t.cursor >= n {
		t.cursor = 0
	}
	end := t.cursor + t.BatchSize
	if end > n {
		end = n
	}
	indices := make([]int, 0, end-t.cursor)
	for i := t.cursor; i < end; i++ {
		indices = append(indices, i)
	}
	t.cursor = end
	in, la, err := t.Tensors(indices)
	if err != nil {
		return nil, nil, nil, err
	}
	return nil, []*tensors.Tensor{in}, []*tensors.Tensor{la}, nil
}

// Restart resets the Yield cursor for a new epoch.
func (t *TrainingSet) Restart() error {
	t.cursor = 0
	return nil
}
