// Package quantile turns sample sets into time-indexed credible bands.
//
// A single entry point, Bands, serves every call shape: a derive function
// extracts a time x samples matrix from whatever source the caller holds
// (posterior draws, a frame of sample rows, a raw matrix) and the engine
// computes the [(1-q)/2, (1+q)/2] empirical quantile pair per level and time.
package quantile

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"sort"

	"gonum.org/v1/gonum/mat"

	"bayesfitness/internal/observability"
	"bayesfitness/pkg/fiterr"
)

// Option configures Bands.
type Option func(*options)

type options struct {
	logger observability.Logger
}

// WithLogger routes advisories (such as level reordering) to l.
func WithLogger(l observability.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Result holds the bands. Lower and Upper are time x levels; column k
// belongs to Levels[k], and Levels is in descending order.
type Result struct {
	Levels    []float64
	Lower     *mat.Dense
	Upper     *mat.Dense
	Reordered bool
}

// Dims returns the (time, levels, 2) shape of the band array.
func (r Result) Dims() (times, levels, bounds int) {
	t, k := r.Lower.Dims()
	return t, k, 2
}

// At returns the bounds of level k at time t.
func (r Result) At(t, k int) (lower, upper float64) {
	return r.Lower.At(t, k), r.Upper.At(t, k)
}

// Array returns the bands as a nested time x levels x 2 array.
func (r Result) Array() [][][2]float64 {
	t, k, _ := r.Dims()
	out := make([][][2]float64, t)
	for i := range out {
		out[i] = make([][2]float64, k)
		for j := range out[i] {
			out[i][j] = [2]float64{r.Lower.At(i, j), r.Upper.At(i, j)}
		}
	}
	return out
}

// Bands computes credible bands for every level over the time x samples
// matrix derive(src). Levels must lie in (0, 1); they are sorted descending
// and a reorder is reported as a warning, never as an error.
func Bands[S any](levels []float64, src S, derive func(S) (*mat.Dense, error), opts ...Option) (Result, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := observability.OrDiscard(o.logger)

	sorted, reordered, err := sortLevels(levels)
	if err != nil {
		return Result{}, err
	}
	if reordered {
		logger.Warn("quantile levels reordered to descending", "given", levels, "used", sorted)
	}
	if derive == nil {
		return Result{}, fmt.Errorf("%w: nil derive function", fiterr.ErrInvalidInput)
	}
	samples, err := derive(src)
	if err != nil {
		return Result{}, fmt.Errorf("derive samples: %w", err)
	}
	if samples == nil || samples.IsEmpty() {
		return Result{}, fmt.Errorf("%w: derived sample matrix is empty", fiterr.ErrInvalidInput)
	}
	nT, n := samples.Dims()
	lower := mat.NewDense(nT, len(sorted), nil)
	upper := mat.NewDense(nT, len(sorted), nil)
	row := make([]float64, n)
	for t := 0; t < nT; t++ {
		mat.Row(row, t, samples)
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return Result{}, fmt.Errorf("%w: non-finite sample %v at time %d", fiterr.ErrDegenerate, v, t)
			}
		}
		sort.Float64s(row)
		for k, q := range sorted {
			lower.Set(t, k, Type7(row, (1-q)/2))
			upper.Set(t, k, Type7(row, (1+q)/2))
		}
	}
	return Result{Levels: sorted, Lower: lower, Upper: upper, Reordered: reordered}, nil
}

func sortLevels(levels []float64) ([]float64, bool, error) {
	if len(levels) == 0 {
		return nil, false, fmt.Errorf("%w: at least one quantile level is required", fiterr.ErrInvalidInput)
	}
	for _, q := range levels {
		if !(q > 0 && q < 1) {
			return nil, false, fmt.Errorf("%w: quantile level %v outside (0, 1)", fiterr.ErrInvalidInput, q)
		}
	}
	sorted := slices.Clone(levels)
	slices.SortFunc(sorted, func(a, b float64) int { return cmp.Compare(b, a) })
	return sorted, !slices.Equal(sorted, levels), nil
}

// Type7 returns the p-quantile of sorted data by linear interpolation
// between order statistics (Hyndman and Fan definition 7).
func Type7(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	h := float64(n-1) * p
	lo := int(math.Floor(h))
	if lo >= n-1 {
		return sorted[n-1]
	}
	if lo < 0 {
		return sorted[0]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[lo+1]-sorted[lo])
}
