// Package model implements the hierarchical generative model linking latent
// Poisson intensities, barcode frequencies, frequency ratios and fitness
// parameters to observed barcode counts.
//
// Parameters live in an unconstrained vector: population mean fitness s_t
// as is, every strictly positive quantity (sigma_t, Λ) on the log scale.
// LogDensity includes the log-Jacobian of those transforms so optimisers and
// variational families can work directly on the real line.
package model

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"bayesfitness/pkg/fiterr"
)

// Prior is a (location, scale) pair for a Normal prior, or for the Normal
// underlying a LogNormal prior.
type Prior struct {
	Mean float64 `yaml:"mean" json:"mean"`
	Std  float64 `yaml:"std" json:"std"`
}

func (p Prior) validate(name string) error {
	if !(p.Std > 0) || math.IsInf(p.Std, 0) || math.IsNaN(p.Mean) || math.IsInf(p.Mean, 0) {
		return fmt.Errorf("%w: %s prior requires finite mean and positive std, got (%v, %v)", fiterr.ErrInvalidInput, name, p.Mean, p.Std)
	}
	return nil
}

// LambdaPrior is the LogNormal prior on Poisson intensities. The shared
// pair broadcasts to every entry; Means/Stds, when set, give one prior per
// (time, lineage) entry and take precedence.
type LambdaPrior struct {
	Prior `yaml:",inline"`
	Means *mat.Dense `yaml:"-" json:"-"`
	Stds  *mat.Dense `yaml:"-" json:"-"`
}

// At returns the prior of entry (t, l).
func (p LambdaPrior) At(t, l int) (mean, std float64) {
	if p.Means != nil {
		return p.Means.At(t, l), p.Stds.At(t, l)
	}
	return p.Mean, p.Std
}

// PerEntry reports whether a per-entry prior matrix is configured.
func (p LambdaPrior) PerEntry() bool { return p.Means != nil }

// Hyperparameters collects every prior of the model family.
type Hyperparameters struct {
	MeanFitness   Prior       `yaml:"mean_fitness_prior" json:"mean_fitness_prior"`
	Sigma         Prior       `yaml:"sigma_prior" json:"sigma_prior"`
	Lambda        LambdaPrior `yaml:"lambda_prior" json:"lambda_prior"`
	MutantFitness Prior       `yaml:"mutant_fitness_prior" json:"mutant_fitness_prior"`
	MutantSigma   Prior       `yaml:"mutant_sigma_prior" json:"mutant_sigma_prior"`
}

// DefaultHyperparameters returns the standard priors: s_t ~ N(0,1),
// sigma_t ~ LogN(0,0.5), Λ ~ LogN(3,3), s_m ~ N(0,2), sigma_m ~ LogN(0,1).
func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{
		MeanFitness:   Prior{Mean: 0, Std: 1},
		Sigma:         Prior{Mean: 0, Std: 0.5},
		Lambda:        LambdaPrior{Prior: Prior{Mean: 3, Std: 3}},
		MutantFitness: Prior{Mean: 0, Std: 2},
		MutantSigma:   Prior{Mean: 0, Std: 1},
	}
}

// Descriptor identifies a model variant and its capabilities.
type Descriptor struct {
	Name string
	// RequiresReplicate marks variants that need a replicate column upstream.
	RequiresReplicate bool
	// MutantFitness marks variants that infer per-mutant relative fitness.
	MutantFitness bool
}

// Built-in model variants.
var (
	PopulationMeanFitness          = Descriptor{Name: "population_mean_fitness"}
	JointFitness                   = Descriptor{Name: "joint_fitness", MutantFitness: true}
	ReplicatePopulationMeanFitness = Descriptor{Name: "replicate_population_mean_fitness", RequiresReplicate: true}
)

// Descriptors lists the built-in variants.
func Descriptors() []Descriptor {
	return []Descriptor{PopulationMeanFitness, JointFitness, ReplicatePopulationMeanFitness}
}

// Lookup returns the built-in descriptor with the given name.
func Lookup(name string) (Descriptor, error) {
	for _, d := range Descriptors() {
		if d.Name == name {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: unknown model %q", fiterr.ErrInvalidInput, name)
}

// Data is the observed input of a model: one count matrix (time x lineage)
// and totals vector per replicate. Neutral lineages occupy the first
// NNeutral columns, mutants the next NMut; any further columns are
// aggregated lineages that only enter the count likelihood.
type Data struct {
	Counts   []*mat.Dense
	Totals   [][]float64
	NNeutral int
	NMut     int
}

// Target is the contract inference drivers fit against.
type Target interface {
	Name() string
	Dim() int
	Labels() []string
	LogDensity(x, grad []float64) (float64, error)
	SamplePrior(rng *rand.Rand) PriorDraw
}

// Model is an instantiated generative model bound to observed data.
type Model struct {
	desc    Descriptor
	hp      Hyperparameters
	counts  []*mat.Dense
	totals  [][]float64
	nT      int
	width   int
	nNeut   int
	nMut    int
	layout  layout
	factors []Factor
	// log multinomial coefficients per replicate and time; constant in the parameters.
	coef [][]float64
}

var _ Target = (*Model)(nil)

type layout struct {
	s, sigma       int
	sMut, sigmaMut int
	lambda         int
	block          int
	dim            int
}

// New builds the population mean fitness model from a single count matrix,
// its totals, and the neutral and mutant column counts.
func New(counts *mat.Dense, totals []float64, nNeutral, nMut int, hp Hyperparameters) (*Model, error) {
	return PopulationMeanFitness.Build(Data{Counts: []*mat.Dense{counts}, Totals: [][]float64{totals}, NNeutral: nNeutral, NMut: nMut}, hp)
}

// NewJoint builds the joint population and mutant fitness model.
func NewJoint(counts *mat.Dense, totals []float64, nNeutral, nMut int, hp Hyperparameters) (*Model, error) {
	return JointFitness.Build(Data{Counts: []*mat.Dense{counts}, Totals: [][]float64{totals}, NNeutral: nNeutral, NMut: nMut}, hp)
}

// NewReplicate builds the replicate-pooled population mean fitness model.
func NewReplicate(counts []*mat.Dense, totals [][]float64, nNeutral, nMut int, hp Hyperparameters) (*Model, error) {
	return ReplicatePopulationMeanFitness.Build(Data{Counts: counts, Totals: totals, NNeutral: nNeutral, NMut: nMut}, hp)
}

// Build validates data against the descriptor and instantiates the model.
func (d Descriptor) Build(data Data, hp Hyperparameters) (*Model, error) {
	if err := validateHyper(hp, d); err != nil {
		return nil, err
	}
	if len(data.Counts) == 0 || len(data.Counts) != len(data.Totals) {
		return nil, fmt.Errorf("%w: %d count matrices for %d totals vectors", fiterr.ErrInvalidInput, len(data.Counts), len(data.Totals))
	}
	if !d.RequiresReplicate && len(data.Counts) != 1 {
		return nil, fmt.Errorf("%w: model %s takes a single replicate, got %d", fiterr.ErrInvalidInput, d.Name, len(data.Counts))
	}
	if data.Counts[0] == nil {
		return nil, fmt.Errorf("%w: nil count matrix", fiterr.ErrInvalidInput)
	}
	nT, width := data.Counts[0].Dims()
	if nT < 2 {
		return nil, fmt.Errorf("%w: at least two time points required, got %d", fiterr.ErrInvalidInput, nT)
	}
	if data.NNeutral < 1 {
		return nil, fmt.Errorf("%w: at least one neutral lineage required", fiterr.ErrDegenerate)
	}
	if data.NMut < 0 || data.NNeutral+data.NMut > width {
		return nil, fmt.Errorf("%w: %d neutral + %d mutant lineages exceed %d columns", fiterr.ErrShapeMismatch, data.NNeutral, data.NMut, width)
	}
	if d.MutantFitness && data.NMut < 1 {
		return nil, fmt.Errorf("%w: model %s needs at least one mutant lineage", fiterr.ErrDegenerate, d.Name)
	}
	if hp.Lambda.PerEntry() {
		mr, mc := hp.Lambda.Means.Dims()
		if hp.Lambda.Stds == nil {
			return nil, fmt.Errorf("%w: per-entry lambda prior needs both means and stds", fiterr.ErrInvalidInput)
		}
		sr, sc := hp.Lambda.Stds.Dims()
		if mr != nT || mc != width || sr != nT || sc != width {
			return nil, fmt.Errorf("%w: per-entry lambda prior is %dx%d, counts are %dx%d", fiterr.ErrShapeMismatch, mr, mc, nT, width)
		}
		for t := 0; t < nT; t++ {
			for l := 0; l < width; l++ {
				mean, std := hp.Lambda.At(t, l)
				if err := (Prior{Mean: mean, Std: std}).validate(fmt.Sprintf("lambda[%d,%d]", t, l)); err != nil {
					return nil, err
				}
			}
		}
	}

	m := &Model{
		desc:   d,
		hp:     hp,
		counts: data.Counts,
		totals: data.Totals,
		nT:     nT,
		width:  width,
		nNeut:  data.NNeutral,
		nMut:   data.NMut,
	}
	for r, c := range data.Counts {
		if err := m.validateReplicate(r, c, data.Totals[r]); err != nil {
			return nil, err
		}
	}
	m.layout = m.buildLayout()
	m.coef = m.multinomialCoefficients()
	m.factors = []Factor{neutralRatioFactor{}}
	if d.MutantFitness {
		m.factors = append(m.factors, mutantRatioFactor{})
	}
	return m, nil
}

type namedPrior struct {
	name  string
	prior Prior
}

func validateHyper(hp Hyperparameters, d Descriptor) error {
	checks := []namedPrior{{"mean fitness", hp.MeanFitness}, {"sigma", hp.Sigma}}
	if !hp.Lambda.PerEntry() {
		checks = append(checks, namedPrior{"lambda", hp.Lambda.Prior})
	}
	if d.MutantFitness {
		checks = append(checks, namedPrior{"mutant fitness", hp.MutantFitness}, namedPrior{"mutant sigma", hp.MutantSigma})
	}
	for _, c := range checks {
		if err := c.prior.validate(c.name); err != nil {
			return err
		}
	}
	return nil
}

func (m *Model) validateReplicate(r int, counts *mat.Dense, totals []float64) error {
	if counts == nil {
		return fmt.Errorf("%w: nil count matrix for replicate %d", fiterr.ErrInvalidInput, r)
	}
	nT, width := counts.Dims()
	if nT != m.nT || width != m.width {
		return fmt.Errorf("%w: replicate %d counts are %dx%d, expected %dx%d", fiterr.ErrShapeMismatch, r, nT, width, m.nT, m.width)
	}
	if len(totals) != nT {
		return fmt.Errorf("%w: replicate %d has %d totals for %d time points", fiterr.ErrShapeMismatch, r, len(totals), nT)
	}
	for t := 0; t < nT; t++ {
		row := counts.RawRowView(t)
		for l, v := range row {
			if v < 0 || v != math.Trunc(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: count (%d,%d) = %v is not a non-negative integer", fiterr.ErrInvalidInput, t, l, v)
			}
		}
		sum := floats.Sum(row)
		if sum != totals[t] {
			return fmt.Errorf("%w: replicate %d time %d counts sum to %v, totals say %v", fiterr.ErrTotalsMismatch, r, t, sum, totals[t])
		}
		if sum == 0 {
			return fmt.Errorf("%w: replicate %d time %d has no reads", fiterr.ErrDegenerate, r, t)
		}
	}
	for l := 0; l < width; l++ {
		if floats.Sum(mat.Col(nil, l, counts)) == 0 {
			return fmt.Errorf("%w: replicate %d lineage column %d is never observed", fiterr.ErrDegenerate, r, l)
		}
	}
	return nil
}

func (m *Model) buildLayout() layout {
	var lo layout
	steps := m.nT - 1
	lo.s = 0
	lo.sigma = steps
	next := 2 * steps
	if m.desc.MutantFitness {
		lo.sMut = next
		lo.sigmaMut = next + m.nMut
		next += 2 * m.nMut
	}
	lo.lambda = next
	lo.block = m.nT * m.width
	lo.dim = next + lo.block*len(m.counts)
	return lo
}

func (m *Model) multinomialCoefficients() [][]float64 {
	out := make([][]float64, len(m.counts))
	for r, counts := range m.counts {
		out[r] = make([]float64, m.nT)
		for t := 0; t < m.nT; t++ {
			c, _ := math.Lgamma(m.totals[r][t] + 1)
			for _, v := range counts.RawRowView(t) {
				lg, _ := math.Lgamma(v + 1)
				c -= lg
			}
			out[r][t] = c
		}
	}
	return out
}

// Name returns the descriptor name.
func (m *Model) Name() string { return m.desc.Name }

// Descriptor returns the model descriptor.
func (m *Model) Descriptor() Descriptor { return m.desc }

// Dim returns the length of the unconstrained parameter vector.
func (m *Model) Dim() int { return m.layout.dim }

// NumTimes returns the number of time points.
func (m *Model) NumTimes() int { return m.nT }

// Width returns the number of lineage columns (including aggregated ones).
func (m *Model) Width() int { return m.width }

// NumNeutral returns the number of neutral lineages.
func (m *Model) NumNeutral() int { return m.nNeut }

// NumMutant returns the number of mutant lineages.
func (m *Model) NumMutant() int { return m.nMut }

// NumReplicates returns the number of replicate count matrices.
func (m *Model) NumReplicates() int { return len(m.counts) }

// Hyperparameters returns the priors the model was built with.
func (m *Model) Hyperparameters() Hyperparameters { return m.hp }
