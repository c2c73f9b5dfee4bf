// Package fit runs the end-to-end fitting pipeline: assemble the tidy table,
// build the model, run an inference driver, persist the posterior artifact
// and record the run in the catalog.
package fit

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"bayesfitness/internal/artifact"
	"bayesfitness/internal/catalog"
	"bayesfitness/internal/model"
	"bayesfitness/internal/observability"
	"bayesfitness/internal/pathfinder"
	"bayesfitness/internal/posterior"
	"bayesfitness/internal/tidy"
	"bayesfitness/internal/vi"
	"bayesfitness/pkg/fiterr"
)

// Method names recorded on artifacts and catalog entries.
const (
	MethodADVI       = "advi"
	MethodPathfinder = "pathfinder"
)

// Input is the observed data of a fit.
type Input struct {
	Table   tidy.Table
	Columns tidy.Columns
	Options tidy.Options
}

// VIRequest describes a variational fit. Name is the output artifact name.
type VIRequest struct {
	Name            string
	Input           Input
	Model           model.Descriptor
	Hyperparameters model.Hyperparameters
	Config          vi.Config
}

// PathfinderRequest describes a Pathfinder fit. An empty Model selects the
// joint population and mutant fitness model.
type PathfinderRequest struct {
	Name            string
	Input           Input
	Model           model.Descriptor
	Hyperparameters model.Hyperparameters
	Config          pathfinder.Config
}

// Outcome is a completed, persisted fit.
type Outcome struct {
	Artifact artifact.Artifact
	Record   catalog.Record
	Model    *model.Model
}

// Driver wires the inference drivers to artifact and catalog storage.
type Driver struct {
	artifacts *artifact.Store
	catalog   catalog.Store
	logger    observability.Logger
	metrics   observability.MetricsRecorder
	now       func() time.Time
}

// Option configures a Driver.
type Option func(*Driver)

// WithCatalog records every run in c.
func WithCatalog(c catalog.Store) Option { return func(d *Driver) { d.catalog = c } }

// WithLogger sets the progress logger.
func WithLogger(l observability.Logger) Option { return func(d *Driver) { d.logger = l } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option { return func(d *Driver) { d.metrics = m } }

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option { return func(d *Driver) { d.now = now } }

// NewDriver returns a driver persisting to artifacts.
func NewDriver(artifacts *artifact.Store, opts ...Option) *Driver {
	d := &Driver{artifacts: artifacts, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = observability.OrDiscard(d.logger)
	d.metrics = observability.OrNoop(d.metrics)
	return d
}

// Artifacts returns the artifact store.
func (d *Driver) Artifacts() *artifact.Store { return d.artifacts }

// FitVariational fits req.Model by ADVI and persists the posterior.
func (d *Driver) FitVariational(ctx context.Context, req VIRequest) (Outcome, error) {
	if err := d.checkOutput(ctx, req.Name); err != nil {
		return Outcome{}, err
	}
	desc := req.Model
	if desc.Name == "" {
		desc = model.PopulationMeanFitness
	}
	if err := checkReplicate(desc, req.Input.Columns); err != nil {
		return Outcome{}, err
	}
	if _, err := vi.ParamCount(req.Config.Family, 1); req.Config.Family != "" && err != nil {
		return Outcome{}, err
	}
	if _, err := vi.NewOptimizer(req.Config.Optimizer, req.Config.StepSize); err != nil {
		return Outcome{}, err
	}

	return d.run(ctx, req.Name, MethodADVI, desc, req.Input, req.Hyperparameters, func(ctx context.Context, m *model.Model) (fitted, error) {
		cfg := req.Config
		cfg.Logger = d.orLogger(cfg.Logger)
		cfg.Metrics = d.orMetrics(cfg.Metrics)
		res, err := vi.Fit(ctx, m, cfg)
		if err != nil {
			return fitted{}, err
		}
		f := fitted{dist: res.Posterior, elbo: res.ELBO, objective: math.NaN()}
		if n := len(res.ELBO); n > 0 {
			f.objective = res.ELBO[n-1]
		}
		return f, nil
	})
}

// FitPathfinder fits req.Model with Pathfinder and persists the mixture
// posterior together with its draws.
func (d *Driver) FitPathfinder(ctx context.Context, req PathfinderRequest) (Outcome, error) {
	if err := d.checkOutput(ctx, req.Name); err != nil {
		return Outcome{}, err
	}
	mode, err := pathfinder.ParseMode(string(req.Config.Mode))
	if err != nil {
		return Outcome{}, err
	}
	desc := req.Model
	if desc.Name == "" {
		desc = model.JointFitness
	}
	if err := checkReplicate(desc, req.Input.Columns); err != nil {
		return Outcome{}, err
	}

	return d.run(ctx, req.Name, MethodPathfinder+"_"+string(mode), desc, req.Input, req.Hyperparameters, func(ctx context.Context, m *model.Model) (fitted, error) {
		cfg := req.Config
		cfg.Mode = mode
		cfg.Logger = d.orLogger(cfg.Logger)
		cfg.Metrics = d.orMetrics(cfg.Metrics)
		res, err := pathfinder.Run(ctx, m, cfg)
		if err != nil {
			return fitted{}, err
		}
		f := fitted{dist: res.Posterior, objective: math.Inf(-1)}
		for _, p := range res.Paths {
			f.elbo = append(f.elbo, p.ELBO)
			f.objective = math.Max(f.objective, p.ELBO)
		}
		return f, nil
	})
}

type fitted struct {
	dist      posterior.Distribution
	elbo      []float64
	objective float64
}

func (d *Driver) run(ctx context.Context, name, method string, desc model.Descriptor, in Input, hp model.Hyperparameters, fitFn func(context.Context, *model.Model) (fitted, error)) (Outcome, error) {
	start := d.now()
	m, arrays, err := BuildModel(desc, in, hp)
	if err != nil {
		return Outcome{}, err
	}

	rec := catalog.Record{
		RunID:      uuid.New(),
		Name:       name,
		Model:      desc.Name,
		Method:     method,
		BlobDriver: string(d.artifacts.Blobs().Driver()),
		Dim:        m.Dim(),
		NumMutants: arrays.NMut,
		CreatedAt:  start.UTC(),
	}
	d.logger.Info("fit started", "name", name, "model", desc.Name, "method", method, "dim", m.Dim(), "run_id", rec.RunID)

	out, err := d.fitAndSave(ctx, fitFn, m, arrays, rec)
	duration := d.now().Sub(start)
	out.Record.Duration = duration
	if err != nil {
		out.Record.Status = catalog.StatusFailed
		out.Record.Error = err.Error()
		d.logger.Error("fit failed", "name", name, "run_id", rec.RunID, "error", err)
	} else {
		out.Record.Status = catalog.StatusSucceeded
		d.logger.Info("fit finished", "name", name, "run_id", rec.RunID, "objective", out.Record.Objective, "duration", duration)
	}
	d.metrics.Observe(ctx, "fit_"+method, err == nil, duration)
	if d.catalog != nil {
		if cerr := d.catalog.Add(ctx, out.Record); cerr != nil {
			d.logger.Warn("catalog record failed", "run_id", rec.RunID, "error", cerr)
			if err == nil {
				err = fmt.Errorf("record run: %w", cerr)
			}
		}
	}
	if err != nil {
		return Outcome{Record: out.Record}, err
	}
	out.Model = m
	return out, nil
}

func (d *Driver) fitAndSave(ctx context.Context, fitFn func(context.Context, *model.Model) (fitted, error), m *model.Model, arrays tidy.Arrays, rec catalog.Record) (Outcome, error) {
	out := Outcome{Record: rec}
	f, err := fitFn(ctx, m)
	if err != nil {
		return out, err
	}
	if !math.IsNaN(f.objective) && !math.IsInf(f.objective, 0) {
		out.Record.Objective = f.objective
	}
	snap, err := posterior.Snap(f.dist)
	if err != nil {
		return out, err
	}
	a := artifact.Artifact{
		RunID:      rec.RunID,
		Name:       rec.Name,
		Model:      rec.Model,
		Method:     rec.Method,
		MutantIDs:  arrays.MutantIDs,
		NeutralIDs: arrays.NeutralIDs,
		Labels:     m.Labels(),
		Times:      arrays.Times,
		Posterior:  snap,
		ELBO:       f.elbo,
		CreatedAt:  rec.CreatedAt,
	}
	if _, err := d.artifacts.Save(ctx, a); err != nil {
		return out, err
	}
	out.Artifact = a
	out.Record.ArtifactKey = artifact.Key(rec.Name)
	return out, nil
}

func (d *Driver) checkOutput(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: output name is empty", fiterr.ErrInvalidInput)
	}
	exists, err := d.artifacts.Exists(ctx, name)
	if err != nil {
		return fmt.Errorf("check output %s: %w", name, err)
	}
	if exists {
		return fmt.Errorf("%w: %s", fiterr.ErrAlreadyProcessed, artifact.Key(name))
	}
	return nil
}

func checkReplicate(desc model.Descriptor, cols tidy.Columns) error {
	if desc.RequiresReplicate && cols.Replicate == "" {
		return fmt.Errorf("%w: model %s needs a replicate column", fiterr.ErrMissingDependency, desc.Name)
	}
	return nil
}

// BuildModel assembles in and instantiates desc over the arrays. Zero
// hyperparameters select the defaults.
func BuildModel(desc model.Descriptor, in Input, hp model.Hyperparameters) (*model.Model, tidy.Arrays, error) {
	arrays, err := tidy.Assemble(in.Table, in.Columns, in.Options)
	if err != nil {
		return nil, tidy.Arrays{}, fmt.Errorf("assemble: %w", err)
	}
	if hp == (model.Hyperparameters{}) {
		hp = model.DefaultHyperparameters()
	}
	m, err := desc.Build(modelData(arrays), hp)
	if err != nil {
		return nil, tidy.Arrays{}, fmt.Errorf("build %s: %w", desc.Name, err)
	}
	return m, arrays, nil
}

// modelData lays out assembled arrays as model input: neutral columns
// first, then mutants, one matrix per replicate.
func modelData(a tidy.Arrays) model.Data {
	data := model.Data{NNeutral: a.NNeutral, NMut: a.NMut}
	if !a.HasReplicates() {
		data.Counts = append(data.Counts, a.RTotal)
		data.Totals = append(data.Totals, a.Totals)
		return data
	}
	for _, r := range a.Replicates {
		data.Counts = append(data.Counts, r.RTotal)
		data.Totals = append(data.Totals, r.Totals)
	}
	return data
}

func (d *Driver) orLogger(l observability.Logger) observability.Logger {
	if l == nil {
		return d.logger
	}
	return l
}

func (d *Driver) orMetrics(m observability.MetricsRecorder) observability.MetricsRecorder {
	if m == nil {
		return d.metrics
	}
	return m
}
