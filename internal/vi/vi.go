// Package vi fits mean-field and full-rank Gaussian approximations to a
// model posterior by stochastic gradient ascent on the evidence lower bound
// (automatic differentiation variational inference with reparameterised
// gradients).
package vi

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"bayesfitness/internal/model"
	"bayesfitness/internal/observability"
	"bayesfitness/internal/posterior"
	"bayesfitness/pkg/fiterr"
)

const operation = "fit_vi"

// Config controls a variational fit.
type Config struct {
	Family         posterior.Family
	Iterations     int
	SamplesPerStep int
	Optimizer      OptimizerKind
	StepSize       float64
	Seed           uint64
	// LogEvery reports progress every n iterations; zero uses a tenth of Iterations.
	LogEvery int
	Logger   observability.Logger
	Metrics  observability.MetricsRecorder
}

// DefaultConfig returns a mean-field configuration with 10000 iterations of
// one sample each and the decayed AdaGrad optimiser.
func DefaultConfig() Config {
	return Config{
		Family:         posterior.MeanField,
		Iterations:     10000,
		SamplesPerStep: 1,
		Optimizer:      DecayedAdaGradKind,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Family == "" {
		c.Family = d.Family
	}
	if c.Iterations <= 0 {
		c.Iterations = d.Iterations
	}
	if c.SamplesPerStep <= 0 {
		c.SamplesPerStep = d.SamplesPerStep
	}
	if c.Optimizer == "" {
		c.Optimizer = d.Optimizer
	}
	if c.LogEvery <= 0 {
		c.LogEvery = max(1, c.Iterations/10)
	}
	c.Logger = observability.OrDiscard(c.Logger)
	c.Metrics = observability.OrNoop(c.Metrics)
	return c
}

// Result is a fitted variational approximation.
type Result struct {
	Posterior *posterior.Gaussian
	// ELBO holds the stochastic ELBO estimate at every iteration.
	ELBO []float64
	// Params is the length of the optimised variational parameter vector.
	Params int
}

// Probe is the outcome of dimensionality probing: the prior draw it was
// computed from and the number of latent parameters it contains.
type Probe struct {
	Draw model.PriorDraw
	Dim  int
}

// ProbeDimension draws one sample from the prior and counts its parameter
// columns. Prior draws carry exactly one auxiliary column, the trailing
// log-probability column; that layout is checked rather than assumed, and
// the count must agree with the target's own dimension.
func ProbeDimension(target model.Target, rng *rand.Rand) (Probe, error) {
	draw := target.SamplePrior(rng)
	n := len(draw.Columns)
	if n == 0 || draw.Columns[n-1] != model.LogProbColumn {
		return Probe{}, fmt.Errorf("%w: prior draw does not end with the %q column", fiterr.ErrShapeMismatch, model.LogProbColumn)
	}
	aux := 0
	for _, c := range draw.Columns {
		if c == model.LogProbColumn {
			aux++
		}
	}
	if aux != 1 {
		return Probe{}, fmt.Errorf("%w: prior draw has %d auxiliary columns, expected 1", fiterr.ErrShapeMismatch, aux)
	}
	dim := n - aux
	if dim != target.Dim() {
		return Probe{}, fmt.Errorf("%w: prior draw has %d parameters, target dimension is %d", fiterr.ErrShapeMismatch, dim, target.Dim())
	}
	if len(draw.Unconstrained) != dim {
		return Probe{}, fmt.Errorf("%w: prior draw has %d unconstrained values for %d parameters", fiterr.ErrShapeMismatch, len(draw.Unconstrained), dim)
	}
	return Probe{Draw: draw, Dim: dim}, nil
}

// ParamCount returns the length of the variational parameter vector for a
// family over d latent parameters: 2d for mean field, d + d² for full rank.
func ParamCount(family posterior.Family, d int) (int, error) {
	switch family {
	case posterior.MeanField:
		return 2 * d, nil
	case posterior.FullRank:
		return d + d*d, nil
	default:
		return 0, fmt.Errorf("%w: variational family %q", fiterr.ErrInvalidMode, family)
	}
}

// Fit runs the configured family. Full rank probes the dimension first and
// hands the probe to FitFullRank.
func Fit(ctx context.Context, target model.Target, cfg Config) (Result, error) {
	cfg = cfg.withDefaults()
	switch cfg.Family {
	case posterior.MeanField:
		return FitMeanField(ctx, target, cfg)
	case posterior.FullRank:
		probe, err := ProbeDimension(target, rand.New(rand.NewPCG(cfg.Seed, 0x5eed)))
		if err != nil {
			return Result{}, err
		}
		return FitFullRank(ctx, target, probe, cfg)
	default:
		return Result{}, fmt.Errorf("%w: variational family %q", fiterr.ErrInvalidMode, cfg.Family)
	}
}

// FitMeanField fits a diagonal Gaussian. Parameters are [μ, log σ].
func FitMeanField(ctx context.Context, target model.Target, cfg Config) (Result, error) {
	cfg = cfg.withDefaults()
	d := target.Dim()
	rng := rand.New(rand.NewPCG(cfg.Seed, 1))
	params := make([]float64, 2*d)
	init := target.SamplePrior(rng).Unconstrained
	copy(params[:d], init)

	mu, omega := params[:d], params[d:]
	grad := make([]float64, 2*d)
	eps := make([]float64, d)
	z := make([]float64, d)
	g := make([]float64, d)
	sigma := make([]float64, d)

	step := func() (float64, error) {
		for i := range grad {
			grad[i] = 0
		}
		for i := range sigma {
			sigma[i] = math.Exp(omega[i])
		}
		var lpSum float64
		for k := 0; k < cfg.SamplesPerStep; k++ {
			for i := range eps {
				eps[i] = rng.NormFloat64()
				z[i] = mu[i] + sigma[i]*eps[i]
			}
			lp, err := target.LogDensity(z, g)
			if err != nil {
				return 0, err
			}
			lpSum += lp
			for i := 0; i < d; i++ {
				grad[i] += g[i]
				grad[d+i] += g[i] * eps[i] * sigma[i]
			}
		}
		floats.Scale(1/float64(cfg.SamplesPerStep), grad)
		for i := 0; i < d; i++ {
			grad[d+i]++ // entropy
		}
		entropy := floats.Sum(omega) + float64(d)*(0.5*math.Log(2*math.Pi)+0.5)
		return lpSum/float64(cfg.SamplesPerStep) + entropy, nil
	}

	trace, err := optimise(ctx, cfg, params, grad, step)
	if err != nil {
		return Result{}, err
	}
	q, err := posterior.NewMeanField(mu, omega)
	if err != nil {
		return Result{}, err
	}
	return Result{Posterior: q, ELBO: trace, Params: len(params)}, nil
}

// FitFullRank fits a dense Gaussian over probe.Dim parameters. The
// variational vector is [μ, L] with L a row-major Dim x Dim scale factor
// whose upper triangle is held at zero; μ starts at the probe's draw.
func FitFullRank(ctx context.Context, target model.Target, probe Probe, cfg Config) (Result, error) {
	cfg = cfg.withDefaults()
	d := probe.Dim
	if d != target.Dim() {
		return Result{}, fmt.Errorf("%w: probe dimension %d, target dimension %d", fiterr.ErrShapeMismatch, d, target.Dim())
	}
	n, _ := ParamCount(posterior.FullRank, d)
	params := make([]float64, n)
	copy(params[:d], probe.Draw.Unconstrained)
	mu := params[:d]
	L := mat.NewDense(d, d, params[d:])
	for i := 0; i < d; i++ {
		L.Set(i, i, 1)
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, 2))
	grad := make([]float64, n)
	gL := mat.NewDense(d, d, grad[d:])
	eps := make([]float64, d)
	z := make([]float64, d)
	g := make([]float64, d)

	step := func() (float64, error) {
		for i := range grad {
			grad[i] = 0
		}
		var lpSum float64
		for k := 0; k < cfg.SamplesPerStep; k++ {
			for i := range eps {
				eps[i] = rng.NormFloat64()
			}
			for i := 0; i < d; i++ {
				row := L.RawRowView(i)
				z[i] = mu[i] + floats.Dot(row[:i+1], eps[:i+1])
			}
			lp, err := target.LogDensity(z, g)
			if err != nil {
				return 0, err
			}
			lpSum += lp
			floats.Add(grad[:d], g)
			for i := 0; i < d; i++ {
				floats.AddScaled(gL.RawRowView(i)[:i+1], g[i], eps[:i+1])
			}
		}
		floats.Scale(1/float64(cfg.SamplesPerStep), grad)
		var logDet float64
		for i := 0; i < d; i++ {
			lii := L.At(i, i)
			gL.Set(i, i, gL.At(i, i)+1/lii) // entropy
			logDet += math.Log(math.Abs(lii))
		}
		entropy := logDet + float64(d)*(0.5*math.Log(2*math.Pi)+0.5)
		return lpSum/float64(cfg.SamplesPerStep) + entropy, nil
	}

	trace, err := optimise(ctx, cfg, params, grad, step)
	if err != nil {
		return Result{}, err
	}
	q, err := posterior.NewFullRank(mu, L)
	if err != nil {
		return Result{}, err
	}
	return Result{Posterior: q, ELBO: trace, Params: n}, nil
}

// optimise runs the ascent loop: step fills grad and returns the ELBO
// estimate, the optimiser updates params in place.
func optimise(ctx context.Context, cfg Config, params, grad []float64, step func() (float64, error)) ([]float64, error) {
	opt, err := NewOptimizer(cfg.Optimizer, cfg.StepSize)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	trace := make([]float64, 0, cfg.Iterations)
	cfg.Logger.Info("variational fit started", "family", cfg.Family, "params", len(params), "iterations", cfg.Iterations)
	for it := 0; it < cfg.Iterations; it++ {
		if err := ctx.Err(); err != nil {
			cfg.Metrics.Observe(ctx, operation, false, time.Since(start))
			return nil, err
		}
		elbo, err := step()
		if err != nil {
			cfg.Metrics.Observe(ctx, operation, false, time.Since(start))
			return nil, fmt.Errorf("iteration %d: %w", it, err)
		}
		opt.Step(params, grad)
		trace = append(trace, elbo)
		if (it+1)%cfg.LogEvery == 0 {
			cfg.Logger.Debug("variational fit progress", "iteration", it+1, "elbo", elbo)
			cfg.Metrics.Progress(operation, it+1, elbo)
		}
	}
	cfg.Metrics.Observe(ctx, operation, true, time.Since(start))
	cfg.Logger.Info("variational fit finished", "family", cfg.Family, "elapsed", time.Since(start))
	return trace, nil
}
