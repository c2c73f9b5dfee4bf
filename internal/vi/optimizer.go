package vi

import (
	"fmt"
	"math"
	"strings"

	"bayesfitness/pkg/fiterr"
)

// Optimizer applies one gradient-ascent step to params in place.
type Optimizer interface {
	Step(params, grad []float64)
}

// OptimizerKind selects a stochastic optimiser.
type OptimizerKind string

const (
	DecayedAdaGradKind OptimizerKind = "decayed_adagrad"
	AdamKind           OptimizerKind = "adam"
)

// NewOptimizer builds the named optimiser. A non-positive eta selects the
// optimiser's default step size.
func NewOptimizer(kind OptimizerKind, eta float64) (Optimizer, error) {
	switch OptimizerKind(strings.ToLower(string(kind))) {
	case "", DecayedAdaGradKind:
		o := NewDecayedAdaGrad()
		if eta > 0 {
			o.Eta = eta
		}
		return o, nil
	case AdamKind:
		o := NewAdam()
		if eta > 0 {
			o.Eta = eta
		}
		return o, nil
	default:
		return nil, fmt.Errorf("%w: unknown optimizer %q", fiterr.ErrInvalidInput, kind)
	}
}

const optEpsilon = 1e-8

// DecayedAdaGrad scales each coordinate by an exponentially decayed
// accumulator of squared gradients: acc = post·acc + pre·g², Δ = η·g/(√acc+ε).
type DecayedAdaGrad struct {
	Eta  float64
	Pre  float64
	Post float64
	acc  []float64
}

// NewDecayedAdaGrad returns the optimiser with η=0.1, pre=1, post=0.9.
func NewDecayedAdaGrad() *DecayedAdaGrad {
	return &DecayedAdaGrad{Eta: 0.1, Pre: 1, Post: 0.9}
}

// Step implements Optimizer.
func (o *DecayedAdaGrad) Step(params, grad []float64) {
	if len(o.acc) != len(params) {
		o.acc = make([]float64, len(params))
	}
	for i, g := range grad {
		o.acc[i] = o.Post*o.acc[i] + o.Pre*g*g
		params[i] += o.Eta * g / (math.Sqrt(o.acc[i]) + optEpsilon)
	}
}

// Adam is the bias-corrected adaptive moment optimiser.
type Adam struct {
	Eta   float64
	Beta1 float64
	Beta2 float64
	m, v  []float64
	t     int
}

// NewAdam returns Adam with η=0.01, β1=0.9, β2=0.999.
func NewAdam() *Adam {
	return &Adam{Eta: 0.01, Beta1: 0.9, Beta2: 0.999}
}

// Step implements Optimizer.
func (o *Adam) Step(params, grad []float64) {
	if len(o.m) != len(params) {
		o.m = make([]float64, len(params))
		o.v = make([]float64, len(params))
		o.t = 0
	}
	o.t++
	c1 := 1 - math.Pow(o.Beta1, float64(o.t))
	c2 := 1 - math.Pow(o.Beta2, float64(o.t))
	for i, g := range grad {
		o.m[i] = o.Beta1*o.m[i] + (1-o.Beta1)*g
		o.v[i] = o.Beta2*o.v[i] + (1-o.Beta2)*g*g
		params[i] += o.Eta * (o.m[i] / c1) / (math.Sqrt(o.v[i]/c2) + optEpsilon)
	}
}
