package model

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"bayesfitness/pkg/fiterr"
)

// LogProbColumn names the auxiliary log-probability column appended to
// every prior draw after the parameter columns.
const LogProbColumn = "lp"

// PriorDraw is one sample from the prior. Columns holds the parameter
// labels followed by the auxiliary LogProbColumn; Values is aligned with
// Columns and is on the constrained scale.
type PriorDraw struct {
	Columns       []string
	Values        []float64
	Unconstrained []float64
}

// Value returns the value of the named column.
func (d PriorDraw) Value(name string) (float64, bool) {
	for i, c := range d.Columns {
		if c == name {
			return d.Values[i], true
		}
	}
	return 0, false
}

// Params is a parameter vector mapped back to the constrained scale, with
// the derived frequencies and frequency ratios as generated quantities.
// Lambda, F and Gamma hold one matrix per replicate.
type Params struct {
	S        []float64
	Sigma    []float64
	SMut     []float64
	SigmaMut []float64
	Lambda   []*mat.Dense
	F        []*mat.Dense
	Gamma    []*mat.Dense
}

// Labels returns the parameter labels in vector order.
func (m *Model) Labels() []string {
	out := make([]string, m.layout.dim)
	for i := range out {
		out[i] = m.label(i)
	}
	return out
}

func (m *Model) label(i int) string {
	lo := m.layout
	steps := m.nT - 1
	switch {
	case i < lo.sigma:
		return fmt.Sprintf("s_pop[%d]", i-lo.s)
	case i < lo.sigma+steps:
		return fmt.Sprintf("sigma_pop[%d]", i-lo.sigma)
	case m.desc.MutantFitness && i < lo.sigmaMut:
		return fmt.Sprintf("s_mut[%d]", i-lo.sMut)
	case m.desc.MutantFitness && i < lo.lambda:
		return fmt.Sprintf("sigma_mut[%d]", i-lo.sigmaMut)
	}
	k := i - lo.lambda
	r, k := k/lo.block, k%lo.block
	t, l := k/m.width, k%m.width
	if len(m.counts) > 1 {
		return fmt.Sprintf("lambda[%d,%d,%d]", r, t, l)
	}
	return fmt.Sprintf("lambda[%d,%d]", t, l)
}

// SIndex returns the vector index of s_t.
func (m *Model) SIndex(t int) int { return m.layout.s + t }

// SigmaIndex returns the vector index of log sigma_t.
func (m *Model) SigmaIndex(t int) int { return m.layout.sigma + t }

// SMutIndex returns the vector index of s_m, or -1 when the model has no
// mutant fitness parameters.
func (m *Model) SMutIndex(k int) int {
	if !m.desc.MutantFitness {
		return -1
	}
	return m.layout.sMut + k
}

// LambdaIndex returns the vector index of log Λ[t, l] in replicate r.
func (m *Model) LambdaIndex(r, t, l int) int {
	return m.layout.lambda + r*m.layout.block + t*m.width + l
}

// logJacobian is the log-determinant of the map from x to constrained values.
func (m *Model) logJacobian(x []float64) float64 {
	steps := m.nT - 1
	j := floats.Sum(x[m.layout.sigma : m.layout.sigma+steps])
	if m.desc.MutantFitness {
		j += floats.Sum(x[m.layout.sigmaMut : m.layout.sigmaMut+m.nMut])
	}
	return j + floats.Sum(x[m.layout.lambda:])
}

// SamplePrior draws every latent parameter independently from its prior.
// The auxiliary lp column holds the log joint density of the draw on the
// constrained scale, or -Inf when the draw is numerically degenerate.
func (m *Model) SamplePrior(rng *rand.Rand) PriorDraw {
	x := make([]float64, m.layout.dim)
	draw := func(i int, p Prior) { x[i] = p.Mean + p.Std*rng.NormFloat64() }
	steps := m.nT - 1
	for t := 0; t < steps; t++ {
		draw(m.layout.s+t, m.hp.MeanFitness)
		draw(m.layout.sigma+t, m.hp.Sigma)
	}
	if m.desc.MutantFitness {
		for k := 0; k < m.nMut; k++ {
			draw(m.layout.sMut+k, m.hp.MutantFitness)
			draw(m.layout.sigmaMut+k, m.hp.MutantSigma)
		}
	}
	for r := range m.counts {
		for t := 0; t < m.nT; t++ {
			for l := 0; l < m.width; l++ {
				mean, std := m.hp.Lambda.At(t, l)
				draw(m.LambdaIndex(r, t, l), Prior{Mean: mean, Std: std})
			}
		}
	}

	values := make([]float64, 0, m.layout.dim+1)
	values = append(values, m.ConstrainVector(x)...)
	lp, err := m.LogDensity(x, nil)
	if err != nil {
		lp = math.Inf(-1)
	} else {
		lp -= m.logJacobian(x)
	}
	values = append(values, lp)
	return PriorDraw{
		Columns:       append(m.Labels(), LogProbColumn),
		Values:        values,
		Unconstrained: x,
	}
}

// ConstrainVector maps x to the constrained scale, element by element.
func (m *Model) ConstrainVector(x []float64) []float64 {
	out := make([]float64, len(x))
	copy(out, x)
	steps := m.nT - 1
	expRange := func(from, n int) {
		for i := from; i < from+n; i++ {
			out[i] = math.Exp(x[i])
		}
	}
	expRange(m.layout.sigma, steps)
	if m.desc.MutantFitness {
		expRange(m.layout.sigmaMut, m.nMut)
	}
	expRange(m.layout.lambda, len(x)-m.layout.lambda)
	return out
}

// Constrain maps x to named parameters plus the generated frequency and
// frequency-ratio matrices. A zero frequency feeding a ratio is reported
// as ErrDegenerate instead of producing Inf or NaN.
func (m *Model) Constrain(x []float64) (Params, error) {
	if len(x) != m.layout.dim {
		return Params{}, fmt.Errorf("%w: parameter vector has length %d, model dimension is %d", fiterr.ErrInvalidInput, len(x), m.layout.dim)
	}
	c := m.ConstrainVector(x)
	steps := m.nT - 1
	p := Params{
		S:     c[m.layout.s : m.layout.s+steps],
		Sigma: c[m.layout.sigma : m.layout.sigma+steps],
	}
	if m.desc.MutantFitness {
		p.SMut = c[m.layout.sMut : m.layout.sMut+m.nMut]
		p.SigmaMut = c[m.layout.sigmaMut : m.layout.sigmaMut+m.nMut]
	}
	for r := range m.counts {
		off := m.layout.lambda + r*m.layout.block
		lambda := mat.NewDense(m.nT, m.width, c[off:off+m.layout.block])
		f := mat.NewDense(m.nT, m.width, nil)
		for t := 0; t < m.nT; t++ {
			row := f.RawRowView(t)
			copy(row, lambda.RawRowView(t))
			if err := Normalize(row); err != nil {
				return Params{}, fmt.Errorf("replicate %d time %d: %w", r, t, err)
			}
		}
		gamma := mat.NewDense(steps, m.width, nil)
		for t := 0; t < steps; t++ {
			for l := 0; l < m.width; l++ {
				den := f.At(t, l)
				if den == 0 {
					return Params{}, fmt.Errorf("%w: frequency of lineage %d at time %d is zero", fiterr.ErrDegenerate, l, t)
				}
				gamma.Set(t, l, f.At(t+1, l)/den)
			}
		}
		p.Lambda = append(p.Lambda, lambda)
		p.F = append(p.F, f)
		p.Gamma = append(p.Gamma, gamma)
	}
	return p, nil
}

// probTolerance bounds the negative drift Normalize clips to zero.
const probTolerance = 1e-12

// Normalize rescales p in place into a probability vector. Entries that
// drifted slightly below zero are clipped; non-finite entries, clearly
// negative entries or a non-positive total are ErrDegenerate.
func Normalize(p []float64) error {
	var sum float64
	for i, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: probability entry %d is %v", fiterr.ErrDegenerate, i, v)
		}
		if v < 0 {
			if v < -probTolerance {
				return fmt.Errorf("%w: probability entry %d is negative (%v)", fiterr.ErrDegenerate, i, v)
			}
			p[i] = 0
			continue
		}
		sum += v
	}
	if !(sum > 0) {
		return fmt.Errorf("%w: probability vector sums to %v", fiterr.ErrDegenerate, sum)
	}
	floats.Scale(1/sum, p)
	return nil
}

// multinomialLogProb returns the Multinomial log mass of counts under the
// probability vector p. A copy of p is renormalised first, so callers may
// pass vectors whose sum drifted from one by rounding.
func multinomialLogProb(counts, p []float64) (float64, error) {
	if len(counts) != len(p) {
		return math.Inf(-1), fmt.Errorf("%w: %d counts for %d probabilities", fiterr.ErrShapeMismatch, len(counts), len(p))
	}
	q := make([]float64, len(p))
	copy(q, p)
	if err := Normalize(q); err != nil {
		return math.Inf(-1), err
	}
	n := floats.Sum(counts)
	lp, _ := math.Lgamma(n + 1)
	for i, c := range counts {
		lg, _ := math.Lgamma(c + 1)
		lp -= lg
		if c == 0 {
			continue
		}
		if q[i] == 0 {
			return math.Inf(-1), nil
		}
		lp += c * math.Log(q[i])
	}
	return lp, nil
}
