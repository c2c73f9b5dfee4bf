package pathfinder

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"bayesfitness/internal/model"
	"bayesfitness/internal/posterior"
	"bayesfitness/pkg/fiterr"
)

// path is the outcome of one Pathfinder path.
type path struct {
	approx     *posterior.Gaussian
	draws      *mat.Dense
	logWeights []float64 // log p(z) - log q(z) per draw
	summary    PathSummary
}

// objective adapts a target to gonum's minimiser: it minimises the negative
// log density and caches the last evaluation so Func and Grad share it.
type objective struct {
	target   model.Target
	x        []float64
	negLP    float64
	negGrad  []float64
	valid    bool
	failures int
}

func newObjective(t model.Target) *objective {
	d := t.Dim()
	return &objective{target: t, x: make([]float64, d), negGrad: make([]float64, d)}
}

func (o *objective) eval(x []float64) {
	if o.valid && floats.Equal(x, o.x) {
		return
	}
	copy(o.x, x)
	o.valid = true
	lp, err := o.target.LogDensity(x, o.negGrad)
	if err != nil || math.IsNaN(lp) || math.IsInf(lp, 0) {
		// Outside the numerically usable region; the line search backs off.
		o.failures++
		o.negLP = math.Inf(1)
		for i := range o.negGrad {
			o.negGrad[i] = 0
		}
		return
	}
	o.negLP = -lp
	floats.Scale(-1, o.negGrad)
}

func (o *objective) problem(ctx context.Context) optimize.Problem {
	return optimize.Problem{
		Func: func(x []float64) float64 {
			o.eval(x)
			return o.negLP
		},
		Grad: func(grad, x []float64) {
			o.eval(x)
			copy(grad, o.negGrad)
		},
		Status: func() (optimize.Status, error) {
			if err := ctx.Err(); err != nil {
				return optimize.Failure, err
			}
			return optimize.NotTerminated, nil
		},
	}
}

// trajectory records the accepted L-BFGS iterates with the log-density
// gradient at each.
type trajectory struct {
	xs, grads [][]float64
	lps       []float64
	progress  func(iteration int, lp float64)
}

func (tr *trajectory) Init() error { return nil }

func (tr *trajectory) Record(loc *optimize.Location, op optimize.Operation, _ *optimize.Stats) error {
	if op != optimize.InitIteration && op != optimize.MajorIteration {
		return nil
	}
	if loc == nil || loc.Gradient == nil || math.IsInf(loc.F, 0) || math.IsNaN(loc.F) {
		return nil
	}
	tr.add(loc.X, loc.F, loc.Gradient)
	return nil
}

// add appends a point given the objective value and gradient (negated log
// density). Repeats of the last point are ignored.
func (tr *trajectory) add(x []float64, negLP float64, negGrad []float64) {
	if n := len(tr.xs); n > 0 && floats.Equal(tr.xs[n-1], x) {
		return
	}
	g := make([]float64, len(negGrad))
	floats.ScaleTo(g, -1, negGrad)
	tr.xs = append(tr.xs, append([]float64(nil), x...))
	tr.grads = append(tr.grads, g)
	tr.lps = append(tr.lps, -negLP)
	if tr.progress != nil {
		tr.progress(len(tr.xs)-1, -negLP)
	}
}

func initialPoint(cfg Config, d int, rng *rand.Rand) []float64 {
	if cfg.Init != nil {
		return append([]float64(nil), cfg.Init...)
	}
	x := make([]float64, d)
	for i := range x {
		x[i] = cfg.InitRadius * (2*rng.Float64() - 1)
	}
	return x
}

func runPath(ctx context.Context, target model.Target, cfg Config, index int) (*path, error) {
	d := target.Dim()
	rng := rand.New(rand.NewPCG(cfg.Seed, uint64(index)+1))
	x0 := initialPoint(cfg, d, rng)

	obj := newObjective(target)
	obj.eval(x0)
	if math.IsInf(obj.negLP, 1) {
		return nil, fmt.Errorf("%w: log density is not finite at the initial point", fiterr.ErrDegenerate)
	}
	tr := &trajectory{progress: func(it int, lp float64) {
		if it%50 == 0 {
			cfg.Metrics.Progress(operation, it, lp)
		}
	}}
	tr.add(x0, obj.negLP, obj.negGrad)

	settings := &optimize.Settings{
		MajorIterations:   cfg.MaxIterations,
		GradientThreshold: 1e-8,
		Converger:         &optimize.FunctionConverge{Absolute: 1e-10, Relative: 1e-12, Iterations: 20},
		Recorder:          tr,
	}
	_, err := optimize.Minimize(obj.problem(ctx), x0, settings, &optimize.LBFGS{Store: cfg.HistoryLength})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		if len(tr.xs) < 2 {
			return nil, fmt.Errorf("%w: optimisation failed before the first step: %v", fiterr.ErrDegenerate, err)
		}
		cfg.Logger.Warn("pathfinder optimisation stopped early", "path", index, "iterations", len(tr.xs)-1, "error", err)
	}
	if obj.failures > 0 {
		cfg.Logger.Debug("pathfinder line search left the usable region", "path", index, "evaluations", obj.failures)
	}

	best, err := selectApproximation(target, tr, cfg, rng)
	if err != nil {
		return nil, err
	}
	cfg.Logger.Debug("pathfinder path finished", "path", index, "iterations", len(tr.xs)-1, "selected", best.index, "elbo", best.elbo)

	draws := posterior.Sample(best.q, rng, cfg.NDraws)
	logW := make([]float64, cfg.NDraws)
	for i := range logW {
		z := draws.RawRowView(i)
		logW[i] = logDensityOrInf(target, z) - best.q.LogProb(z)
	}
	return &path{
		approx:     best.q,
		draws:      draws,
		logWeights: logW,
		summary:    PathSummary{Iterations: len(tr.xs), Selected: best.index, ELBO: best.elbo},
	}, nil
}

type candidate struct {
	index int
	q     *posterior.Gaussian
	elbo  float64
}

// selectApproximation scores the normal approximation at every iterate
// with a usable inverse-Hessian estimate and returns the best one.
func selectApproximation(target model.Target, tr *trajectory, cfg Config, rng *rand.Rand) (candidate, error) {
	var (
		best     = candidate{index: -1, elbo: math.Inf(-1)}
		ss, ys   [][]float64
		d        = target.Dim()
		z        = make([]float64, d)
		rejected int
	)
	for l := 1; l < len(tr.xs); l++ {
		s := make([]float64, d)
		y := make([]float64, d)
		floats.SubTo(s, tr.xs[l], tr.xs[l-1])
		// y is the change in the gradient of the negative log density.
		floats.SubTo(y, tr.grads[l-1], tr.grads[l])
		if sy := floats.Dot(s, y); sy > 1e-12*floats.Dot(y, y) && sy > 0 {
			ss = append(ss, s)
			ys = append(ys, y)
			if len(ss) > cfg.HistoryLength {
				ss, ys = ss[1:], ys[1:]
			}
		} else {
			rejected++
		}
		if len(ss) == 0 {
			continue
		}
		q, err := normalApproximation(tr.xs[l], tr.grads[l], ss, ys)
		if err != nil {
			continue
		}
		elbo := estimateELBO(target, q, cfg.ELBODraws, rng, z)
		if elbo > best.elbo {
			best = candidate{index: l, q: q, elbo: elbo}
		}
	}
	if rejected > 0 {
		cfg.Logger.Debug("pathfinder skipped pairs failing the curvature condition", "pairs", rejected)
	}
	if best.q == nil {
		return candidate{}, fmt.Errorf("%w: no iterate produced a usable normal approximation", fiterr.ErrDegenerate)
	}
	return best, nil
}

// normalApproximation builds N(x + H g, H) where H is the BFGS inverse
// Hessian estimate from the given pairs, starting from a scaled identity.
func normalApproximation(x, grad []float64, ss, ys [][]float64) (*posterior.Gaussian, error) {
	d := len(x)
	last := len(ss) - 1
	gamma := floats.Dot(ss[last], ys[last]) / floats.Dot(ys[last], ys[last])
	h := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		h.SetSym(i, i, gamma)
	}
	var hy mat.VecDense
	for k := range ss {
		s := mat.NewVecDense(d, ss[k])
		y := mat.NewVecDense(d, ys[k])
		rho := 1 / mat.Dot(s, y)
		hy.MulVec(h, y)
		yhy := mat.Dot(y, &hy)
		h.RankTwo(h, -rho, s, &hy)
		h.SymRankOne(h, rho*rho*yhy+rho, s)
	}
	var step mat.VecDense
	step.MulVec(h, mat.NewVecDense(d, grad))
	mean := make([]float64, d)
	floats.AddTo(mean, x, step.RawVector().Data)
	return posterior.NewFromCovariance(mean, h)
}

// estimateELBO is the Monte Carlo mean of log p(z) - log q(z) over n draws.
func estimateELBO(target model.Target, q *posterior.Gaussian, n int, rng *rand.Rand, z []float64) float64 {
	var sum float64
	for i := 0; i < n; i++ {
		q.Rand(rng, z)
		lp := logDensityOrInf(target, z)
		if math.IsInf(lp, -1) {
			return math.Inf(-1)
		}
		sum += lp - q.LogProb(z)
	}
	return sum / float64(n)
}

func logDensityOrInf(target model.Target, z []float64) float64 {
	lp, err := target.LogDensity(z, nil)
	if err != nil || math.IsNaN(lp) {
		return math.Inf(-1)
	}
	return lp
}
