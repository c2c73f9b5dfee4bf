// Package pathfinder approximates a model posterior with the Pathfinder
// algorithm: an L-BFGS trajectory towards the mode, a normal approximation
// at every iterate built from the inverse-Hessian estimate, and selection of
// the approximation with the highest ELBO. Multi-path runs combine several
// independent paths by importance resampling.
package pathfinder

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"bayesfitness/internal/model"
	"bayesfitness/internal/observability"
	"bayesfitness/internal/posterior"
	"bayesfitness/pkg/fiterr"
)

const operation = "fit_pathfinder"

// Mode selects single- or multi-path Pathfinder.
type Mode string

const (
	Single Mode = "single"
	Multi  Mode = "multi"
)

// ParseMode accepts "single" or "multi".
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case Single, Multi:
		return m, nil
	default:
		return "", fmt.Errorf("%w: pathfinder mode %q (want single or multi)", fiterr.ErrInvalidMode, s)
	}
}

// Config controls a Pathfinder run.
type Config struct {
	Mode Mode
	// NDraws is the number of posterior draws returned.
	NDraws int
	// Runs is the number of paths in multi mode.
	Runs int
	// MaxIterations bounds each L-BFGS trajectory.
	MaxIterations int
	// HistoryLength is the number of (s, y) pairs in the inverse-Hessian estimate.
	HistoryLength int
	// ELBODraws is the number of draws used to score each iterate.
	ELBODraws int
	// InitRadius draws initial points uniformly from [-r, r] per coordinate.
	InitRadius float64
	// Init overrides the initial point of every path when set.
	Init    []float64
	Seed    uint64
	Logger  observability.Logger
	Metrics observability.MetricsRecorder
}

// DefaultConfig returns single-path settings with 1000 draws.
func DefaultConfig() Config {
	return Config{
		Mode:          Single,
		NDraws:        1000,
		Runs:          4,
		MaxIterations: 1000,
		HistoryLength: 6,
		ELBODraws:     20,
		InitRadius:    2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.NDraws <= 0 {
		c.NDraws = d.NDraws
	}
	if c.Runs <= 0 {
		c.Runs = d.Runs
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.HistoryLength <= 0 {
		c.HistoryLength = d.HistoryLength
	}
	if c.ELBODraws <= 0 {
		c.ELBODraws = d.ELBODraws
	}
	if c.InitRadius <= 0 {
		c.InitRadius = d.InitRadius
	}
	c.Logger = observability.OrDiscard(c.Logger)
	c.Metrics = observability.OrNoop(c.Metrics)
	return c
}

// PathSummary describes one path.
type PathSummary struct {
	Iterations int     // trajectory length, initial point included
	Selected   int     // index of the iterate whose approximation was kept
	ELBO       float64 // ELBO estimate of the kept approximation
}

// Result is a Pathfinder approximation. Posterior carries the draws.
type Result struct {
	Posterior *posterior.GaussianMixture
	Paths     []PathSummary
}

// Run executes Pathfinder in the configured mode.
func Run(ctx context.Context, target model.Target, cfg Config) (Result, error) {
	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return Result{}, err
	}
	cfg = cfg.withDefaults()
	if cfg.Init != nil && len(cfg.Init) != target.Dim() {
		return Result{}, fmt.Errorf("%w: initial point has %d values, target dimension is %d", fiterr.ErrShapeMismatch, len(cfg.Init), target.Dim())
	}
	start := time.Now()
	var res Result
	if mode == Single {
		res, err = runSingle(ctx, target, cfg)
	} else {
		res, err = runMulti(ctx, target, cfg)
	}
	cfg.Metrics.Observe(ctx, operation, err == nil, time.Since(start))
	if err != nil {
		return Result{}, err
	}
	cfg.Logger.Info("pathfinder finished", "mode", mode, "paths", len(res.Paths), "draws", cfg.NDraws, "elapsed", time.Since(start))
	return res, nil
}

func runSingle(ctx context.Context, target model.Target, cfg Config) (Result, error) {
	p, err := runPath(ctx, target, cfg, 0)
	if err != nil {
		return Result{}, err
	}
	mix, err := posterior.NewMixture([]*posterior.Gaussian{p.approx}, []float64{1}, p.draws)
	if err != nil {
		return Result{}, err
	}
	return Result{Posterior: mix, Paths: []PathSummary{p.summary}}, nil
}

func runMulti(ctx context.Context, target model.Target, cfg Config) (Result, error) {
	paths := make([]*path, cfg.Runs)
	g, gctx := errgroup.WithContext(ctx)
	for i := range paths {
		g.Go(func() error {
			p, err := runPath(gctx, target, cfg, i)
			if err != nil {
				return fmt.Errorf("path %d: %w", i, err)
			}
			paths[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	d := target.Dim()
	var logW []float64
	var owner []int
	for i, p := range paths {
		logW = append(logW, p.logWeights...)
		for range p.logWeights {
			owner = append(owner, i)
		}
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, uint64(cfg.Runs)+0x9e37))
	picks, err := resample(logW, cfg.NDraws, rng)
	if err != nil {
		return Result{}, err
	}
	draws := mat.NewDense(cfg.NDraws, d, nil)
	weights := make([]float64, len(paths))
	for k, idx := range picks {
		p := paths[owner[idx]]
		local := idx - firstIndex(owner, owner[idx])
		copy(draws.RawRowView(k), p.draws.RawRowView(local))
		weights[owner[idx]]++
	}
	components := make([]*posterior.Gaussian, len(paths))
	summaries := make([]PathSummary, len(paths))
	for i, p := range paths {
		components[i] = p.approx
		summaries[i] = p.summary
	}
	mix, err := posterior.NewMixture(components, weights, draws)
	if err != nil {
		return Result{}, err
	}
	return Result{Posterior: mix, Paths: summaries}, nil
}

func firstIndex(owner []int, v int) int {
	return sort.SearchInts(owner, v)
}

// resample draws n indices with replacement, proportionally to exp(logW).
func resample(logW []float64, n int, rng *rand.Rand) ([]int, error) {
	finite := make([]float64, 0, len(logW))
	for _, w := range logW {
		if !math.IsInf(w, -1) && !math.IsNaN(w) {
			finite = append(finite, w)
		}
	}
	if len(finite) == 0 {
		return nil, fmt.Errorf("%w: every pooled draw has zero importance weight", fiterr.ErrDegenerate)
	}
	norm := floats.LogSumExp(finite)
	cum := make([]float64, len(logW))
	var acc float64
	for i, w := range logW {
		if !math.IsNaN(w) {
			acc += math.Exp(w - norm)
		}
		cum[i] = acc
	}
	out := make([]int, n)
	for k := range out {
		u := rng.Float64() * acc
		i := sort.SearchFloat64s(cum, u)
		for i < len(cum)-1 && cum[i] <= u {
			i++
		}
		out[k] = i
	}
	return out, nil
}
