package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"bayesfitness/pkg/fiterr"
)

// replicateState caches the quantities derived from one replicate's log
// intensities at the current parameter vector.
type replicateState struct {
	u      *mat.Dense // log Λ, a view into x
	lambda *mat.Dense
	sum    []float64 // rowsum(Λ)
	logSum []float64
	freq   *mat.Dense // F = Λ / rowsum(Λ)
	grad   *mat.Dense // view into the gradient of log Λ; nil when not requested
}

// logRatio returns log Γ[t, l] = log F[t+1, l] - log F[t, l], computed from
// log intensities so a vanishing frequency never produces log(0).
func (rs *replicateState) logRatio(t, l int) float64 {
	return (rs.u.At(t+1, l) - rs.logSum[t+1]) - (rs.u.At(t, l) - rs.logSum[t])
}

// evalState is shared by the likelihood terms and factors of one evaluation.
type evalState struct {
	x    []float64
	grad []float64
	reps []replicateState
}

// LogDensity returns the log joint density at the unconstrained vector x
// and, when grad is non-nil, writes its gradient into grad.
func (m *Model) LogDensity(x, grad []float64) (float64, error) {
	if len(x) != m.layout.dim {
		return math.Inf(-1), fmt.Errorf("%w: parameter vector has length %d, model dimension is %d", fiterr.ErrInvalidInput, len(x), m.layout.dim)
	}
	if grad != nil {
		if len(grad) != m.layout.dim {
			return math.Inf(-1), fmt.Errorf("%w: gradient has length %d, model dimension is %d", fiterr.ErrInvalidInput, len(grad), m.layout.dim)
		}
		for i := range grad {
			grad[i] = 0
		}
	}
	st, err := m.evaluate(x, grad)
	if err != nil {
		return math.Inf(-1), err
	}
	lp := m.logPrior(x, grad)
	lp += m.logLikelihood(st)
	for _, f := range m.factors {
		lp += f.LogProb(m, st)
	}
	if math.IsNaN(lp) || math.IsInf(lp, 0) {
		return math.Inf(-1), fmt.Errorf("%w: log density is %v", fiterr.ErrDegenerate, lp)
	}
	if grad != nil {
		for i, g := range grad {
			if math.IsNaN(g) || math.IsInf(g, 0) {
				return math.Inf(-1), fmt.Errorf("%w: gradient component %s is %v", fiterr.ErrDegenerate, m.label(i), g)
			}
		}
	}
	return lp, nil
}

func (m *Model) evaluate(x, grad []float64) (*evalState, error) {
	st := &evalState{x: x, grad: grad, reps: make([]replicateState, len(m.counts))}
	for r := range m.counts {
		off := m.layout.lambda + r*m.layout.block
		rs := replicateState{
			u:      mat.NewDense(m.nT, m.width, x[off:off+m.layout.block]),
			lambda: mat.NewDense(m.nT, m.width, nil),
			freq:   mat.NewDense(m.nT, m.width, nil),
			sum:    make([]float64, m.nT),
			logSum: make([]float64, m.nT),
		}
		if grad != nil {
			rs.grad = mat.NewDense(m.nT, m.width, grad[off:off+m.layout.block])
		}
		rs.lambda.Apply(func(_, _ int, v float64) float64 { return math.Exp(v) }, rs.u)
		for t := 0; t < m.nT; t++ {
			row := rs.lambda.RawRowView(t)
			s := floats.Sum(row)
			if !(s > 0) || math.IsInf(s, 0) {
				return nil, fmt.Errorf("%w: replicate %d time %d intensity sum is %v", fiterr.ErrDegenerate, r, t, s)
			}
			rs.sum[t] = s
			rs.logSum[t] = math.Log(s)
			floats.ScaleTo(rs.freq.RawRowView(t), 1/s, row)
		}
		st.reps[r] = rs
	}
	return st, nil
}

// normalTerm returns the Normal log density at v and its derivative in v.
// For a LogNormal prior evaluated at log σ this is exactly the LogNormal
// density plus the log-Jacobian of σ = exp(v).
func normalTerm(v float64, p Prior) (lp, d float64) {
	lp = distuv.Normal{Mu: p.Mean, Sigma: p.Std}.LogProb(v)
	d = -(v - p.Mean) / (p.Std * p.Std)
	return lp, d
}

func (m *Model) logPrior(x, grad []float64) float64 {
	var lp float64
	add := func(i int, p Prior) {
		l, d := normalTerm(x[i], p)
		lp += l
		if grad != nil {
			grad[i] += d
		}
	}
	steps := m.nT - 1
	for t := 0; t < steps; t++ {
		add(m.layout.s+t, m.hp.MeanFitness)
		add(m.layout.sigma+t, m.hp.Sigma)
	}
	if m.desc.MutantFitness {
		for k := 0; k < m.nMut; k++ {
			add(m.layout.sMut+k, m.hp.MutantFitness)
			add(m.layout.sigmaMut+k, m.hp.MutantSigma)
		}
	}
	for r := range m.counts {
		off := m.layout.lambda + r*m.layout.block
		for t := 0; t < m.nT; t++ {
			for l := 0; l < m.width; l++ {
				mean, std := m.hp.Lambda.At(t, l)
				add(off+t*m.width+l, Prior{Mean: mean, Std: std})
			}
		}
	}
	return lp
}

// logLikelihood scores the leaf observations: totals n_t ~ Poisson(rowsum Λ)
// and each count row R[t,:] ~ Multinomial(n_t, F[t,:]).
func (m *Model) logLikelihood(st *evalState) float64 {
	var lp float64
	for r, rs := range st.reps {
		counts := m.counts[r]
		for t := 0; t < m.nT; t++ {
			n := m.totals[r][t]
			s := rs.sum[t]
			lp += distuv.Poisson{Lambda: s}.LogProb(n)

			row := counts.RawRowView(t)
			lp += m.coef[r][t]
			for l, c := range row {
				if c == 0 {
					continue
				}
				lp += c * (rs.u.At(t, l) - rs.logSum[t])
			}
			if rs.grad == nil {
				continue
			}
			g := rs.grad.RawRowView(t)
			f := rs.freq.RawRowView(t)
			for l := range g {
				// Poisson: (n/S - 1)·λ = (n - S)·F; Multinomial: r - n·F.
				g[l] += (n-s)*f[l] + row[l] - n*f[l]
			}
		}
	}
	return lp
}
