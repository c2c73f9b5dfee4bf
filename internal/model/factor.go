package model

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

var halfLog2Pi = 0.5 * math.Log(2*math.Pi)

// Factor is a derived-observation node: an extra log-probability term over
// functions of latent quantities (here the frequency ratios Γ), added on top
// of the leaf likelihood rather than declared as an observed variable.
type Factor interface {
	Name() string
	LogProb(m *Model, st *evalState) float64
}

// neutralRatioFactor scores the neutral columns of Γ, stacked across time,
// as jointly LogNormal with mean -s_t and covariance diag(sigma_t^2)
// repeated per neutral lineage.
type neutralRatioFactor struct{}

func (neutralRatioFactor) Name() string { return "neutral_log_ratio" }

func (neutralRatioFactor) LogProb(m *Model, st *evalState) float64 {
	var lp float64
	for r := range st.reps {
		rs := &st.reps[r]
		for t := 0; t < m.nT-1; t++ {
			s := st.x[m.layout.s+t]
			v := st.x[m.layout.sigma+t]
			inv := math.Exp(-2 * v)
			var rowGrad float64
			for j := 0; j < m.nNeut; j++ {
				g := rs.logRatio(t, j)
				z := g + s
				// MvLogNormal density at y = exp(g): Normal(g; -s, σ) / y.
				lp += -halfLog2Pi - v - 0.5*z*z*inv - g
				if st.grad == nil {
					continue
				}
				st.grad[m.layout.s+t] += -z * inv
				st.grad[m.layout.sigma+t] += -1 + z*z*inv
				a := -z*inv - 1
				rowGrad += a
				rs.grad.Set(t+1, j, rs.grad.At(t+1, j)+a)
				rs.grad.Set(t, j, rs.grad.At(t, j)-a)
			}
			if st.grad != nil {
				spreadRatioGrad(rs, t, rowGrad)
			}
		}
	}
	return lp
}

// mutantRatioFactor scores the mutant columns of Γ as LogNormal with mean
// s_m - s_t and per-mutant scale sigma_m.
type mutantRatioFactor struct{}

func (mutantRatioFactor) Name() string { return "mutant_log_ratio" }

func (mutantRatioFactor) LogProb(m *Model, st *evalState) float64 {
	var lp float64
	for r := range st.reps {
		rs := &st.reps[r]
		for t := 0; t < m.nT-1; t++ {
			s := st.x[m.layout.s+t]
			var rowGrad float64
			for k := 0; k < m.nMut; k++ {
				l := m.nNeut + k
				sm := st.x[m.layout.sMut+k]
				vm := st.x[m.layout.sigmaMut+k]
				inv := math.Exp(-2 * vm)
				g := rs.logRatio(t, l)
				e := g - (sm - s)
				lp += -halfLog2Pi - vm - 0.5*e*e*inv - g
				if st.grad == nil {
					continue
				}
				st.grad[m.layout.sMut+k] += e * inv
				st.grad[m.layout.s+t] -= e * inv
				st.grad[m.layout.sigmaMut+k] += -1 + e*e*inv
				a := -e*inv - 1
				rowGrad += a
				rs.grad.Set(t+1, l, rs.grad.At(t+1, l)+a)
				rs.grad.Set(t, l, rs.grad.At(t, l)-a)
			}
			if st.grad != nil {
				spreadRatioGrad(rs, t, rowGrad)
			}
		}
	}
	return lp
}

// spreadRatioGrad applies the normalisation part of d log Γ / d log Λ:
// every log ratio at step t depends on log rowsum(Λ) at t and t+1, whose
// derivative with respect to log Λ[t, k] is F[t, k].
func spreadRatioGrad(rs *replicateState, t int, a float64) {
	if a == 0 {
		return
	}
	floats.AddScaled(rs.grad.RawRowView(t+1), -a, rs.freq.RawRowView(t+1))
	floats.AddScaled(rs.grad.RawRowView(t), a, rs.freq.RawRowView(t))
}
