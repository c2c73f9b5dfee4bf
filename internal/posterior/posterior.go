// Package posterior holds the approximate posterior families produced by the
// inference drivers and the snapshot form they are persisted in.
package posterior

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"bayesfitness/pkg/fiterr"
)

// Family names an approximate posterior family.
type Family string

const (
	MeanField Family = "meanfield" // diagonal-covariance Gaussian
	FullRank  Family = "fullrank"  // dense-covariance Gaussian
	Mixture   Family = "pathfinder"
)

var halfLog2Pi = 0.5 * math.Log(2*math.Pi)

// Distribution is an approximate posterior over the unconstrained parameter
// vector of a model.
type Distribution interface {
	Family() Family
	Dim() int
	Mean() []float64
	// Rand writes one draw into dst.
	Rand(rng *rand.Rand, dst []float64)
	LogProb(z []float64) float64
}

// Gaussian is a multivariate normal with either a diagonal scale (mean
// field) or a lower-triangular scale factor (full rank).
type Gaussian struct {
	mean   []float64
	std    []float64     // mean field only
	scale  *mat.TriDense // full rank only; covariance is scale·scaleᵀ
	logDet float64       // log|det scale|
}

var _ Distribution = (*Gaussian)(nil)

// NewMeanField builds a diagonal Gaussian from its mean and log standard deviations.
func NewMeanField(mean, logStd []float64) (*Gaussian, error) {
	if len(mean) == 0 || len(mean) != len(logStd) {
		return nil, fmt.Errorf("%w: mean length %d, log std length %d", fiterr.ErrShapeMismatch, len(mean), len(logStd))
	}
	g := &Gaussian{mean: append([]float64(nil), mean...), std: make([]float64, len(logStd))}
	for i, w := range logStd {
		g.std[i] = math.Exp(w)
		if !(g.std[i] > 0) || math.IsInf(g.std[i], 0) {
			return nil, fmt.Errorf("%w: std %d is %v", fiterr.ErrDegenerate, i, g.std[i])
		}
	}
	g.logDet = floats.Sum(logStd)
	return g, nil
}

// NewFullRank builds a dense Gaussian from its mean and a scale factor
// whose lower triangle is used. Diagonal entries must be non-zero.
func NewFullRank(mean []float64, scale mat.Matrix) (*Gaussian, error) {
	d := len(mean)
	r, c := scale.Dims()
	if d == 0 || r != d || c != d {
		return nil, fmt.Errorf("%w: mean length %d, scale %dx%d", fiterr.ErrShapeMismatch, d, r, c)
	}
	tri := mat.NewTriDense(d, mat.Lower, nil)
	var logDet float64
	for i := 0; i < d; i++ {
		for j := 0; j <= i; j++ {
			tri.SetTri(i, j, scale.At(i, j))
		}
		a := math.Abs(scale.At(i, i))
		if !(a > 0) || math.IsInf(a, 0) {
			return nil, fmt.Errorf("%w: scale diagonal %d is %v", fiterr.ErrDegenerate, i, scale.At(i, i))
		}
		logDet += math.Log(a)
	}
	return &Gaussian{mean: append([]float64(nil), mean...), scale: tri, logDet: logDet}, nil
}

// NewFromCovariance builds a dense Gaussian from a covariance matrix.
func NewFromCovariance(mean []float64, cov *mat.SymDense) (*Gaussian, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return nil, fmt.Errorf("%w: covariance is not positive definite", fiterr.ErrDegenerate)
	}
	var l mat.TriDense
	chol.LTo(&l)
	return NewFullRank(mean, &l)
}

// Family implements Distribution.
func (g *Gaussian) Family() Family {
	if g.scale != nil {
		return FullRank
	}
	return MeanField
}

// Dim implements Distribution.
func (g *Gaussian) Dim() int { return len(g.mean) }

// Mean implements Distribution.
func (g *Gaussian) Mean() []float64 { return append([]float64(nil), g.mean...) }

// Std returns the marginal standard deviations.
func (g *Gaussian) Std() []float64 {
	if g.scale == nil {
		return append([]float64(nil), g.std...)
	}
	d := len(g.mean)
	out := make([]float64, d)
	for i := 0; i < d; i++ {
		var s float64
		for j := 0; j <= i; j++ {
			v := g.scale.At(i, j)
			s += v * v
		}
		out[i] = math.Sqrt(s)
	}
	return out
}

// Scale returns a copy of the lower-triangular scale factor, or nil for a
// mean-field Gaussian.
func (g *Gaussian) Scale() *mat.TriDense {
	if g.scale == nil {
		return nil
	}
	c := mat.NewTriDense(len(g.mean), mat.Lower, nil)
	c.Copy(g.scale)
	return c
}

// Rand implements Distribution.
func (g *Gaussian) Rand(rng *rand.Rand, dst []float64) {
	eps := make([]float64, len(g.mean))
	for i := range eps {
		eps[i] = rng.NormFloat64()
	}
	g.Transform(dst, eps)
}

// Transform maps a standard normal vector eps to mean + scale·eps.
func (g *Gaussian) Transform(dst, eps []float64) {
	if g.scale == nil {
		for i := range dst {
			dst[i] = g.mean[i] + g.std[i]*eps[i]
		}
		return
	}
	out := mat.NewVecDense(len(dst), dst)
	out.MulVec(g.scale, mat.NewVecDense(len(eps), eps))
	floats.Add(dst, g.mean)
}

// LogProb implements Distribution.
func (g *Gaussian) LogProb(z []float64) float64 {
	d := len(g.mean)
	w := make([]float64, d)
	floats.SubTo(w, z, g.mean)
	if g.scale == nil {
		for i := range w {
			w[i] /= g.std[i]
		}
	} else {
		var v mat.VecDense
		if err := v.SolveVec(g.scale, mat.NewVecDense(d, w)); err != nil {
			return math.Inf(-1)
		}
		w = v.RawVector().Data
	}
	return -0.5*floats.Dot(w, w) - g.logDet - float64(d)*halfLog2Pi
}

// Entropy returns the differential entropy.
func (g *Gaussian) Entropy() float64 {
	return g.logDet + float64(len(g.mean))*(halfLog2Pi+0.5)
}

// Sample draws n vectors from d into the rows of an n x Dim matrix.
func Sample(d Distribution, rng *rand.Rand, n int) *mat.Dense {
	out := mat.NewDense(n, d.Dim(), nil)
	for i := 0; i < n; i++ {
		d.Rand(rng, out.RawRowView(i))
	}
	return out
}

// Draws returns n posterior draws, preferring stored draws for families
// that carry them (Pathfinder keeps its importance-resampled draws). Stored
// draws are never topped up, so the result may have fewer than n rows.
func Draws(d Distribution, rng *rand.Rand, n int) *mat.Dense {
	if s, ok := d.(interface{ Draws() *mat.Dense }); ok {
		if draws := s.Draws(); draws != nil {
			if r, _ := draws.Dims(); n <= 0 || n >= r {
				return draws
			}
			return mat.DenseCopyOf(draws.Slice(0, n, 0, d.Dim()))
		}
	}
	return Sample(d, rng, n)
}
