package quantile

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"bayesfitness/internal/model"
	"bayesfitness/internal/posterior"
	"bayesfitness/pkg/fiterr"
)

// FromMatrix returns a deriver for a matrix that is already time x samples.
func FromMatrix() func(*mat.Dense) (*mat.Dense, error) {
	return func(m *mat.Dense) (*mat.Dense, error) {
		if m == nil {
			return nil, fmt.Errorf("%w: nil sample matrix", fiterr.ErrInvalidInput)
		}
		return m, nil
	}
}

// Frame is a table of samples: one row per sample, one named column per
// quantity.
type Frame struct {
	Columns []string
	Rows    [][]float64
}

// FromRows returns a deriver that reads the named frame columns as
// consecutive time points.
func FromRows(columns ...string) func(Frame) (*mat.Dense, error) {
	return func(f Frame) (*mat.Dense, error) {
		if len(columns) == 0 || len(f.Rows) == 0 {
			return nil, fmt.Errorf("%w: frame selection is empty", fiterr.ErrInvalidInput)
		}
		idx := make([]int, len(columns))
		for k, name := range columns {
			idx[k] = -1
			for j, c := range f.Columns {
				if c == name {
					idx[k] = j
					break
				}
			}
			if idx[k] < 0 {
				return nil, fmt.Errorf("%w: frame has no column %q", fiterr.ErrInvalidInput, name)
			}
		}
		out := mat.NewDense(len(columns), len(f.Rows), nil)
		for i, row := range f.Rows {
			if len(row) != len(f.Columns) {
				return nil, fmt.Errorf("%w: frame row %d has %d values for %d columns", fiterr.ErrShapeMismatch, i, len(row), len(f.Columns))
			}
			for k, j := range idx {
				out.Set(k, i, row[j])
			}
		}
		return out, nil
	}
}

// Samples are posterior draws on the unconstrained scale of Model, one per row.
type Samples struct {
	Model     *model.Model
	Draws     *mat.Dense
	Replicate int
}

// DrawSamples takes n draws from d for m. Distributions that carry their
// own draws (Pathfinder) return those.
func DrawSamples(m *model.Model, d posterior.Distribution, n int, seed uint64) (Samples, error) {
	if d.Dim() != m.Dim() {
		return Samples{}, fmt.Errorf("%w: posterior dimension %d, model dimension %d", fiterr.ErrShapeMismatch, d.Dim(), m.Dim())
	}
	draws := posterior.Draws(d, rand.New(rand.NewPCG(seed, 0xd1a)), n)
	return Samples{Model: m, Draws: draws}, nil
}

// perDraw builds a rows x samples matrix by constraining every draw and
// letting fill write column i.
func perDraw(s Samples, rows int, fill func(p model.Params, col []float64) error) (*mat.Dense, error) {
	if s.Model == nil || s.Draws == nil {
		return nil, fmt.Errorf("%w: samples need a model and draws", fiterr.ErrInvalidInput)
	}
	if s.Replicate < 0 || s.Replicate >= s.Model.NumReplicates() {
		return nil, fmt.Errorf("%w: replicate %d of %d", fiterr.ErrInvalidInput, s.Replicate, s.Model.NumReplicates())
	}
	n, _ := s.Draws.Dims()
	out := mat.NewDense(rows, n, nil)
	col := make([]float64, rows)
	for i := 0; i < n; i++ {
		p, err := s.Model.Constrain(s.Draws.RawRowView(i))
		if err != nil {
			return nil, fmt.Errorf("draw %d: %w", i, err)
		}
		if err := fill(p, col); err != nil {
			return nil, fmt.Errorf("draw %d: %w", i, err)
		}
		out.SetCol(i, col)
	}
	return out, nil
}

func checkLineage(m *model.Model, lineage int) error {
	if m == nil {
		return fmt.Errorf("%w: samples need a model", fiterr.ErrInvalidInput)
	}
	if lineage < 0 || lineage >= m.Width() {
		return fmt.Errorf("%w: lineage %d of %d", fiterr.ErrInvalidInput, lineage, m.Width())
	}
	return nil
}

// Frequency derives the frequency trajectory of a lineage (count column).
func Frequency(lineage int) func(Samples) (*mat.Dense, error) {
	return func(s Samples) (*mat.Dense, error) {
		if err := checkLineage(s.Model, lineage); err != nil {
			return nil, err
		}
		return perDraw(s, s.Model.NumTimes(), func(p model.Params, col []float64) error {
			mat.Col(col, lineage, p.F[s.Replicate])
			return nil
		})
	}
}

// LogFrequencyRatio derives log(f[t+1]/f[t]) of a lineage.
func LogFrequencyRatio(lineage int) func(Samples) (*mat.Dense, error) {
	return logRatio(lineage, 1)
}

// NeutralLogRatio derives the negated log frequency ratio of a neutral
// lineage, which puts it on the same scale as the mean fitness.
func NeutralLogRatio(lineage int) func(Samples) (*mat.Dense, error) {
	inner := logRatio(lineage, -1)
	return func(s Samples) (*mat.Dense, error) {
		if s.Model != nil && lineage >= s.Model.NumNeutral() {
			return nil, fmt.Errorf("%w: lineage %d is not one of %d neutral lineages", fiterr.ErrInvalidInput, lineage, s.Model.NumNeutral())
		}
		return inner(s)
	}
}

func logRatio(lineage int, sign float64) func(Samples) (*mat.Dense, error) {
	return func(s Samples) (*mat.Dense, error) {
		if err := checkLineage(s.Model, lineage); err != nil {
			return nil, err
		}
		return perDraw(s, s.Model.NumTimes()-1, func(p model.Params, col []float64) error {
			g := p.Gamma[s.Replicate]
			for t := range col {
				v := g.At(t, lineage)
				if !(v > 0) {
					return fmt.Errorf("%w: frequency ratio of lineage %d at step %d is %v", fiterr.ErrDegenerate, lineage, t, v)
				}
				col[t] = sign * math.Log(v)
			}
			return nil
		})
	}
}

// MeanFitness derives the population mean fitness trajectory.
func MeanFitness() func(Samples) (*mat.Dense, error) {
	return func(s Samples) (*mat.Dense, error) {
		if s.Model == nil {
			return nil, fmt.Errorf("%w: samples need a model", fiterr.ErrInvalidInput)
		}
		return perDraw(s, s.Model.NumTimes()-1, func(p model.Params, col []float64) error {
			copy(col, p.S)
			return nil
		})
	}
}

// MutantFitness derives the relative fitness of every mutant lineage; rows
// index mutants instead of time points.
func MutantFitness() func(Samples) (*mat.Dense, error) {
	return func(s Samples) (*mat.Dense, error) {
		if s.Model == nil || !s.Model.Descriptor().MutantFitness {
			return nil, fmt.Errorf("%w: model has no mutant fitness parameters", fiterr.ErrInvalidInput)
		}
		return perDraw(s, s.Model.NumMutant(), func(p model.Params, col []float64) error {
			copy(col, p.SMut)
			return nil
		})
	}
}
