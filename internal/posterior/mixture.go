package posterior

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"bayesfitness/pkg/fiterr"
)

// GaussianMixture is the Pathfinder approximation: one Gaussian per path,
// weighted, together with the importance-resampled draws it produced.
type GaussianMixture struct {
	components []*Gaussian
	weights    []float64
	draws      *mat.Dense
}

var _ Distribution = (*GaussianMixture)(nil)

// NewMixture builds a mixture. Weights are normalised; draws may be nil.
func NewMixture(components []*Gaussian, weights []float64, draws *mat.Dense) (*GaussianMixture, error) {
	if len(components) == 0 || len(components) != len(weights) {
		return nil, fmt.Errorf("%w: %d components, %d weights", fiterr.ErrShapeMismatch, len(components), len(weights))
	}
	d := components[0].Dim()
	for i, c := range components {
		if c.Dim() != d {
			return nil, fmt.Errorf("%w: component %d has dimension %d, expected %d", fiterr.ErrShapeMismatch, i, c.Dim(), d)
		}
	}
	if draws != nil {
		if _, c := draws.Dims(); c != d {
			return nil, fmt.Errorf("%w: draws have %d columns, expected %d", fiterr.ErrShapeMismatch, c, d)
		}
	}
	w := append([]float64(nil), weights...)
	sum := floats.Sum(w)
	if !(sum > 0) || math.IsInf(sum, 0) || floats.Min(w) < 0 {
		return nil, fmt.Errorf("%w: mixture weights %v", fiterr.ErrDegenerate, weights)
	}
	floats.Scale(1/sum, w)
	return &GaussianMixture{components: components, weights: w, draws: draws}, nil
}

// Family implements Distribution.
func (m *GaussianMixture) Family() Family { return Mixture }

// Dim implements Distribution.
func (m *GaussianMixture) Dim() int { return m.components[0].Dim() }

// Components returns the mixture components.
func (m *GaussianMixture) Components() []*Gaussian { return m.components }

// Weights returns the normalised component weights.
func (m *GaussianMixture) Weights() []float64 { return append([]float64(nil), m.weights...) }

// Draws returns the stored draws (rows), or nil.
func (m *GaussianMixture) Draws() *mat.Dense { return m.draws }

// Mean implements Distribution. With stored draws the draw mean is used.
func (m *GaussianMixture) Mean() []float64 {
	d := m.Dim()
	out := make([]float64, d)
	if m.draws != nil {
		r, _ := m.draws.Dims()
		for i := 0; i < r; i++ {
			floats.Add(out, m.draws.RawRowView(i))
		}
		floats.Scale(1/float64(r), out)
		return out
	}
	for k, c := range m.components {
		floats.AddScaled(out, m.weights[k], c.mean)
	}
	return out
}

// Rand implements Distribution.
func (m *GaussianMixture) Rand(rng *rand.Rand, dst []float64) {
	u := rng.Float64()
	k := len(m.weights) - 1
	var acc float64
	for i, w := range m.weights {
		acc += w
		if u < acc {
			k = i
			break
		}
	}
	m.components[k].Rand(rng, dst)
}

// LogProb implements Distribution.
func (m *GaussianMixture) LogProb(z []float64) float64 {
	terms := make([]float64, len(m.components))
	for k, c := range m.components {
		terms[k] = math.Log(m.weights[k]) + c.LogProb(z)
	}
	return floats.LogSumExp(terms)
}
