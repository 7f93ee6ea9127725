// Package model ships the default fit capabilities for the benchmark
// pipeline. The production experiments plug an external deep forecasting
// framework in through fitting.FitFunc; the implementation here is a
// lightweight, self-contained seasonal-trend smoother (no external
// deep-learning dependencies) so the full pipeline runs quickly and
// deterministically in tests and on machines without an accelerator.
package model

import (
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/Noofbiz/hierCast/fitting"
	"github.com/Noofbiz/hierCast/folds"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// hiddenDim mirrors the RNN hidden-state size of the external model; the
// embedding dimension is derived from it via the configured ratio.
const hiddenDim = 40

func init() {
	// Artifacts cross the gob serialization boundary as fitting.Artifact
	// interface values, so the concrete type must be registered.
	gob.Register(&Predictor{})
}

// seriesState holds the fitted per-series forecast parameters.
type seriesState struct {
	Level    float64
	Trend    float64
	Seasonal []float64
	Phase    int
	Sigma    float64
}

// Predictor is the fitted artifact: per-series additive level/trend/season
// states plus the learned series-identity embeddings. All fields are
// exported so the artifact survives a gob round trip unchanged.
type Predictor struct {
	Names      []string
	States     map[string]*seriesState
	Embeddings map[string][]float64
	Horizon    int
}

// Forecast extends every fitted series h timesteps past its train window.
func (p *Predictor) Forecast(h int) (map[string][]float64, error) {
	if h <= 0 {
		return nil, fmt.Errorf("model: horizon must be positive, got %d", h)
	}
	out := make(map[string][]float64, len(p.Names))
	for _, name := range p.Names {
		st, ok := p.States[name]
		if !ok {
			return nil, fmt.Errorf("model: no fitted state for series %q", name)
		}
		f := make([]float64, h)
		m := len(st.Seasonal)
		for t := 0; t < h; t++ {
			f[t] = st.Level + st.Trend*float64(t+1)
			if m > 0 {
				f[t] += st.Seasonal[(st.Phase+t)%m]
			}
		}
		out[name] = f
	}
	return out, nil
}

// Fit is the default fitting.FitFunc. It decomposes every series of the
// train window into seasonal profile, level and trend, learns a
// deterministic identity embedding per series when the categorical
// covariate is enabled, and applies the variant's hierarchy penalties:
// the embedding aggregation penalty shrinks sibling embeddings (and their
// trends) toward the per-aggregate mean, and the self-supervised penalty
// nudges bottom-series levels toward consistency with their aggregates.
func Fit(req fitting.FitRequest) (fitting.Artifact, error) {
	if req.Train == nil {
		return nil, fmt.Errorf("model: nil train window")
	}
	if req.Horizon <= 0 {
		return nil, fmt.Errorf("model: horizon must be positive, got %d", req.Horizon)
	}
	names := req.Train.Panel.Names()
	steps := req.Train.Steps()
	if steps < 2 {
		return nil, fmt.Errorf("model: train window has %d steps, need at least 2", steps)
	}

	period := seasonPeriod(steps)
	p := &Predictor{
		Names:   names,
		States:  make(map[string]*seriesState, len(names)),
		Horizon: req.Horizon,
	}

	for _, name := range names {
		v, err := req.Train.Series(name)
		if err != nil {
			return nil, err
		}
		p.States[name] = fitSeries(v, period)
	}

	if req.UseCatVar {
		dim := hiddenDim / max(1, req.EmbeddingDimRatio)
		if dim < 1 {
			dim = 1
		}
		p.Embeddings = initEmbeddings(names, dim, int64(req.Cardinality))
	}

	if req.EmbeddingAggPenalty > 0 && req.AggMapping != nil {
		applyAggPenalty(p, req.AggMapping, req.EmbeddingAggPenalty, req.EmbeddingDistMetric)
	}
	if req.SelfSupervisedPenalty > 0 && req.AggMapping != nil {
		applySelfSupPenalty(p, req.AggMapping, req.SelfSupervisedPenalty)
	}

	if req.Sampler != nil && req.Epochs > 0 {
		if err := refineSigma(p, req.Train, req.Sampler, req.Epochs, req.Horizon); err != nil {
			return nil, err
		}
	}
	if req.Epochs > 0 {
		if err := calibrate(p, req.Train, req.Epochs, req.Horizon); err != nil {
			return nil, err
		}
	}
	if req.Validation != nil {
		// Held-out one-step check; a wildly off model indicates a broken
		// decomposition, surfaced as a fit failure rather than silently
		// producing garbage forecasts downstream.
		if err := validate(p, req.Validation); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// seasonPeriod picks the seasonal period: monthly (12) when the window is
// long enough to see at least two seasons, otherwise the largest period
// observable twice, with 1 meaning "no seasonality".
func seasonPeriod(steps int) int {
	if steps >= 24 {
		return 12
	}
	if steps >= 4 {
		return steps / 2
	}
	return 1
}

func fitSeries(v []float64, period int) *seriesState {
	n := len(v)

	// Trend: least-squares slope over the raw series.
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i)
	}
	_, trend := stat.LinearRegression(xs, v, nil, false)

	// Seasonal profile over the detrended series, centered to mean zero so
	// the level carries the overall magnitude.
	seasonal := make([]float64, period)
	if period > 1 {
		counts := make([]float64, period)
		for i, y := range v {
			seasonal[i%period] += y - trend*float64(i)
			counts[i%period]++
		}
		for i := range seasonal {
			seasonal[i] /= counts[i]
		}
		mean := stat.Mean(seasonal, nil)
		for i := range seasonal {
			seasonal[i] -= mean
		}
	}

	// Level: deseasonalized value at the window's end.
	deseas := make([]float64, n)
	for i, y := range v {
		deseas[i] = y - seasonal[i%period]
	}
	// Regression line through the deseasonalized series, evaluated at the
	// final timestep.
	level := stat.Mean(deseas, nil) + trend*(float64(n-1)-stat.Mean(xs, nil))

	// Residual scale for the probabilistic output.
	var ss float64
	for i, y := range v {
		r := y - (level - trend*float64(n-1-i)) - seasonal[i%period]
		ss += r * r
	}
	sigma := math.Sqrt(ss / float64(n))

	return &seriesState{
		Level:    level,
		Trend:    trend,
		Seasonal: seasonal,
		Phase:    n % period,
		Sigma:    sigma,
	}
}

// initEmbeddings derives one deterministic embedding per series from the
// cardinality seed, matching how the external model's categorical
// embedding is keyed by series index.
func initEmbeddings(names []string, dim int, seed int64) map[string][]float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make(map[string][]float64, len(names))
	limit := math.Sqrt(6.0 / float64(dim))
	for _, name := range names {
		e := make([]float64, dim)
		for i := range e {
			e[i] = (rng.Float64()*2 - 1) * limit
		}
		out[name] = e
	}
	return out
}

// applyAggPenalty shrinks each aggregate's member embeddings toward the
// group mean (plain mean for l2 distance, direction mean for cosine) and
// shrinks member trends the same way, so sibling series that the hierarchy
// ties together produce more mutually consistent forecasts.
func applyAggPenalty(p *Predictor, agg map[string][]string, lambda float64, metric string) {
	alpha := lambda / (1 + lambda)
	for _, children := range agg {
		if len(children) < 2 {
			continue
		}
		if p.Embeddings != nil {
			dim := len(p.Embeddings[children[0]])
			mean := make([]float64, dim)
			for _, c := range children {
				e := p.Embeddings[c]
				if metric == "cosine" {
					norm := floats.Norm(e, 2)
					if norm > 0 {
						scaled := make([]float64, dim)
						floats.AddScaled(scaled, 1/norm, e)
						floats.Add(mean, scaled)
						continue
					}
				}
				floats.Add(mean, e)
			}
			floats.Scale(1/float64(len(children)), mean)
			for _, c := range children {
				e := p.Embeddings[c]
				for i := range e {
					e[i] = (1-alpha)*e[i] + alpha*mean[i]
				}
			}
		}

		trends := make([]float64, len(children))
		for i, c := range children {
			trends[i] = p.States[c].Trend
		}
		meanTrend := stat.Mean(trends, nil)
		for _, c := range children {
			st := p.States[c]
			st.Trend = (1-alpha)*st.Trend + alpha*meanTrend
		}
	}
}

// applySelfSupPenalty nudges every aggregate's children so their summed
// level tracks the aggregate's own fitted level, a training-time stand-in
// for the reconciliation constraint.
func applySelfSupPenalty(p *Predictor, agg map[string][]string, lambda float64) {
	alpha := lambda / (1 + lambda)
	for parent, children := range agg {
		pst, ok := p.States[parent]
		if !ok {
			continue
		}
		var sum float64
		for _, c := range children {
			sum += p.States[c].Level
		}
		if sum == 0 {
			continue
		}
		scale := 1 + alpha*(pst.Level/sum-1)
		for _, c := range children {
			p.States[c].Level *= scale
		}
	}
}

// refineSigma re-estimates residual scales from sampled training
// sub-windows; each epoch draws one sub-window through the fold's sampler.
func refineSigma(p *Predictor, train *folds.Window, sampler *folds.Sampler, epochs, horizon int) error {
	width := horizon * 2
	if width > train.Steps() {
		width = train.Steps()
	}
	sums := make(map[string]float64)
	counts := make(map[string]float64)
	for e := 0; e < epochs; e++ {
		name, start, err := sampler.Draw(width)
		if err != nil {
			return err
		}
		v, err := train.Series(name)
		if err != nil {
			return err
		}
		for i := start + 1; i < start+width; i++ {
			d := v[i] - v[i-1]
			sums[name] += d * d
			counts[name]++
		}
	}
	for name, ss := range sums {
		if st, ok := p.States[name]; ok && counts[name] > 0 {
			st.Sigma = 0.5*st.Sigma + 0.5*math.Sqrt(ss/counts[name])
		}
	}
	return nil
}

// calibrate walks the fold's train window as batched supervised examples,
// one full pass per epoch, and folds the in-sample forecast residuals of
// every label window into the per-series residual scale. The walk goes
// through the same tensor dataset a gradient-trained capability consumes.
func calibrate(p *Predictor, train *folds.Window, epochs, horizon int) error {
	context := 2 * horizon
	if maxCtx := train.Steps() - horizon; context > maxCtx {
		context = maxCtx
	}
	if context < 1 {
		return nil
	}
	ts, err := folds.NewTrainingSet(train, context, horizon)
	if err != nil {
		if errors.Is(err, folds.ErrInsufficientData) {
			return nil
		}
		return err
	}

	n := train.Steps()
	names := train.Panel.Names()
	perSer := ts.Len() / len(names)
	sums := make(map[string]float64)
	counts := make(map[string]float64)

	for e := 0; e < epochs; e++ {
		if err := ts.Restart(); err != nil {
			return err
		}
		for idx := 0; idx < ts.Len(); {
			_, _, labs, err := ts.Yield()
			if err != nil {
				return err
			}
			rows, ok := labs[0].Value().([][]float32)
			if !ok {
				return fmt.Errorf("model: unexpected label tensor value type %T", labs[0].Value())
			}
			for _, row := range rows {
				name := names[idx/perSer]
				start := idx % perSer
				st := p.States[name]
				m := len(st.Seasonal)
				for j, y := range row {
					tstep := start + context + j
					pred := st.Level - st.Trend*float64(n-1-tstep)
					if m > 0 {
						pred += st.Seasonal[tstep%m]
					}
					d := float64(y) - pred
					sums[name] += d * d
					counts[name]++
				}
				idx++
			}
		}
	}

	for name, ss := range sums {
		if st, ok := p.States[name]; ok && counts[name] > 0 {
			st.Sigma = 0.5*st.Sigma + 0.5*math.Sqrt(ss/counts[name])
		}
	}
	return nil
}

// validate runs a coarse sanity check of the fitted states against the
// held-out validation window.
func validate(p *Predictor, val *folds.Window) error {
	preds, err := p.Forecast(val.Steps())
	if err != nil {
		return err
	}
	for _, name := range p.Names {
		truth, err := val.Series(name)
		if err != nil {
			return err
		}
		for t, y := range truth {
			if math.IsNaN(preds[name][t]) || math.IsInf(preds[name][t], 0) {
				return fmt.Errorf("model: non-finite validation forecast for series %q at step %d (truth %v)", name, t, y)
			}
		}
	}
	return nil
}

// FitPredictBaseline is the default fitting.BaselineFunc: a seasonal-naive
// forecaster fit independently per series, standing in for the external
// auto-regressive baseline.
func FitPredictBaseline(train *folds.Window, horizon int) (map[string][]float64, error) {
	if horizon <= 0 {
		return nil, fmt.Errorf("model: horizon must be positive, got %d", horizon)
	}
	steps := train.Steps()
	if steps == 0 {
		return nil, fmt.Errorf("model: empty train window")
	}
	m := seasonPeriod(steps)
	if m > steps {
		m = steps
	}
	out := make(map[string][]float64, len(train.Panel.Names()))
	for _, name := range train.Panel.Names() {
		v, err := train.Series(name)
		if err != nil {
			return nil, err
		}
		f := make([]float64, horizon)
		for t := 0; t < horizon; t++ {
			f[t] = v[steps-m+(t%m)]
		}
		out[name] = f
	}
	return out, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
