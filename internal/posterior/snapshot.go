package posterior

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"bayesfitness/pkg/fiterr"
)

// Snapshot is the serialisable form of a Distribution.
type Snapshot struct {
	Family     Family     `json:"family"`
	Dim        int        `json:"dim"`
	Mean       []float64  `json:"mean,omitempty"`
	LogStd     []float64  `json:"log_std,omitempty"`
	Scale      []float64  `json:"scale,omitempty"` // row-major Dim x Dim, lower triangle
	Components []Snapshot `json:"components,omitempty"`
	Weights    []float64  `json:"weights,omitempty"`
	Draws      []float64  `json:"draws,omitempty"` // row-major DrawRows x Dim
	DrawRows   int        `json:"draw_rows,omitempty"`
}

// Snap converts a distribution into its snapshot.
func Snap(d Distribution) (Snapshot, error) {
	switch v := d.(type) {
	case *Gaussian:
		s := Snapshot{Family: v.Family(), Dim: v.Dim(), Mean: v.Mean()}
		if v.scale == nil {
			s.LogStd = make([]float64, len(v.std))
			for i, sd := range v.std {
				s.LogStd[i] = math.Log(sd)
			}
			return s, nil
		}
		s.Scale = mat.DenseCopyOf(v.scale).RawMatrix().Data
		return s, nil
	case *GaussianMixture:
		s := Snapshot{Family: Mixture, Dim: v.Dim(), Weights: v.Weights()}
		for _, c := range v.components {
			cs, err := Snap(c)
			if err != nil {
				return Snapshot{}, err
			}
			s.Components = append(s.Components, cs)
		}
		if v.draws != nil {
			s.DrawRows, _ = v.draws.Dims()
			s.Draws = mat.DenseCopyOf(v.draws).RawMatrix().Data
		}
		return s, nil
	default:
		return Snapshot{}, fmt.Errorf("%w: cannot snapshot %T", fiterr.ErrInvalidInput, d)
	}
}

// Restore rebuilds the distribution described by s.
func Restore(s Snapshot) (Distribution, error) {
	switch s.Family {
	case MeanField:
		return NewMeanField(s.Mean, s.LogStd)
	case FullRank:
		if len(s.Scale) != s.Dim*s.Dim {
			return nil, fmt.Errorf("%w: scale has %d entries for dimension %d", fiterr.ErrShapeMismatch, len(s.Scale), s.Dim)
		}
		return NewFullRank(s.Mean, mat.NewDense(s.Dim, s.Dim, s.Scale))
	case Mixture:
		comps := make([]*Gaussian, 0, len(s.Components))
		for _, cs := range s.Components {
			c, err := Restore(cs)
			if err != nil {
				return nil, err
			}
			g, ok := c.(*Gaussian)
			if !ok {
				return nil, fmt.Errorf("%w: nested mixture component", fiterr.ErrInvalidInput)
			}
			comps = append(comps, g)
		}
		var draws *mat.Dense
		if s.DrawRows > 0 {
			if len(s.Draws) != s.DrawRows*s.Dim {
				return nil, fmt.Errorf("%w: %d draw values for %dx%d", fiterr.ErrShapeMismatch, len(s.Draws), s.DrawRows, s.Dim)
			}
			draws = mat.NewDense(s.DrawRows, s.Dim, s.Draws)
		}
		return NewMixture(comps, s.Weights, draws)
	default:
		return nil, fmt.Errorf("%w: unknown posterior family %q", fiterr.ErrInvalidInput, s.Family)
	}
}
