// Package diagnostics summarises posterior draws per parameter.
package diagnostics

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"bayesfitness/internal/model"
	"bayesfitness/internal/quantile"
	"bayesfitness/pkg/fiterr"
)

// Summary describes the marginal posterior of one parameter.
type Summary struct {
	Label  string  `json:"label"`
	Mean   float64 `json:"mean"`
	Std    float64 `json:"std"`
	Median float64 `json:"median"`
	Q025   float64 `json:"q025"`
	Q975   float64 `json:"q975"`
}

// Summarize computes per-column summaries of draws (one draw per row).
// labels must name every column.
func Summarize(draws mat.Matrix, labels []string) ([]Summary, error) {
	n, d := draws.Dims()
	if len(labels) != d {
		return nil, fmt.Errorf("%w: %d labels for %d parameters", fiterr.ErrLabelCountMismatch, len(labels), d)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: no draws to summarise", fiterr.ErrInvalidInput)
	}
	out := make([]Summary, d)
	col := make([]float64, n)
	for j := range out {
		mat.Col(col, j, draws)
		for _, v := range col {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: parameter %s has non-finite draw %v", fiterr.ErrDegenerate, labels[j], v)
			}
		}
		mean, std := stat.MeanStdDev(col, nil)
		if n == 1 {
			std = 0
		}
		sort.Float64s(col)
		out[j] = Summary{
			Label:  labels[j],
			Mean:   mean,
			Std:    std,
			Median: quantile.Type7(col, 0.5),
			Q025:   quantile.Type7(col, 0.025),
			Q975:   quantile.Type7(col, 0.975),
		}
	}
	return out, nil
}

// Constrain maps unconstrained draws of m onto the constrained scale.
func Constrain(m *model.Model, draws mat.Matrix) (*mat.Dense, error) {
	n, d := draws.Dims()
	if d != m.Dim() {
		return nil, fmt.Errorf("%w: draws have %d columns, model dimension is %d", fiterr.ErrShapeMismatch, d, m.Dim())
	}
	out := mat.NewDense(n, d, nil)
	row := make([]float64, d)
	for i := 0; i < n; i++ {
		mat.Row(row, i, draws)
		out.SetRow(i, m.ConstrainVector(row))
	}
	return out, nil
}

// Frame exposes draws as a quantile.Frame with the given column labels.
func Frame(draws mat.Matrix, labels []string) (quantile.Frame, error) {
	n, d := draws.Dims()
	if len(labels) != d {
		return quantile.Frame{}, fmt.Errorf("%w: %d labels for %d columns", fiterr.ErrLabelCountMismatch, len(labels), d)
	}
	f := quantile.Frame{Columns: append([]string(nil), labels...), Rows: make([][]float64, n)}
	for i := range f.Rows {
		f.Rows[i] = mat.Row(nil, i, draws)
	}
	return f, nil
}
