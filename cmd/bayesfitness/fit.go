package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"bayesfitness/internal/fit"
	"bayesfitness/internal/model"
	"bayesfitness/internal/pathfinder"
	"bayesfitness/internal/posterior"
	"bayesfitness/internal/tidy"
	"bayesfitness/internal/vi"
)

type fitFlags struct {
	data        string
	name        string
	metricsFile string
}

func newFitCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Fit a model to a tidy barcode count table",
	}
	cmd.AddCommand(newFitVICmd(a), newFitPathfinderCmd(a))
	return cmd
}

func (f *fitFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.data, "data", "", "Tidy CSV with barcode, time, count and neutral columns")
	cmd.Flags().StringVar(&f.name, "name", "", "Output artifact name; an existing artifact is never overwritten")
	cmd.Flags().StringVar(&f.metricsFile, "metrics-file", "", "Write fit metrics to this file in Prometheus text format")
	_ = cmd.MarkFlagRequired("data")
	_ = cmd.MarkFlagRequired("name")
}

func newFitVICmd(a *app) *cobra.Command {
	var (
		flags      fitFlags
		family     string
		iterations int
		samples    int
		optimizer  string
		seed       uint64
	)
	cmd := &cobra.Command{
		Use:   "vi",
		Short: "Fit by automatic differentiation variational inference",
		Long: `Fit a mean-field or full-rank Gaussian approximation by stochastic
ELBO maximisation. Flags override the fit file.

Examples:
  bayesfitness fit vi --data counts.csv --name exp1_meanfield
  bayesfitness fit vi --data counts.csv --name exp1_fullrank --family fullrank --iterations 5000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ff, err := a.loadFitFile()
			if err != nil {
				return err
			}
			desc, err := ff.Descriptor(model.PopulationMeanFitness)
			if err != nil {
				return err
			}
			cfg := ff.VIConfig()
			if cmd.Flags().Changed("family") {
				cfg.Family = posterior.Family(family)
			}
			if cmd.Flags().Changed("iterations") {
				cfg.Iterations = iterations
			}
			if cmd.Flags().Changed("samples") {
				cfg.SamplesPerStep = samples
			}
			if cmd.Flags().Changed("optimizer") {
				cfg.Optimizer = vi.OptimizerKind(optimizer)
			}
			if cmd.Flags().Changed("seed") {
				cfg.Seed = seed
			}
			return a.runFit(cmd, flags, ff.TidyColumns(), ff.DropFirstTime, func(d *fit.Driver, in fit.Input) (fit.Outcome, error) {
				return d.FitVariational(cmd.Context(), fit.VIRequest{
					Name:            flags.name,
					Input:           in,
					Model:           desc,
					Hyperparameters: ff.Hyperparameters,
					Config:          cfg,
				})
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&family, "family", "", "Variational family (meanfield, fullrank)")
	cmd.Flags().IntVar(&iterations, "iterations", 0, "Optimiser iterations")
	cmd.Flags().IntVar(&samples, "samples", 0, "Monte Carlo samples per gradient step")
	cmd.Flags().StringVar(&optimizer, "optimizer", "", "Optimiser (decayed_adagrad, adam)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Random seed")
	return cmd
}

func newFitPathfinderCmd(a *app) *cobra.Command {
	var (
		flags  fitFlags
		mode   string
		ndraws int
		runs   int
		seed   uint64
	)
	cmd := &cobra.Command{
		Use:   "pathfinder",
		Short: "Fit by single- or multi-path Pathfinder",
		Long: `Fit the joint population and mutant fitness model with Pathfinder.
Multi mode runs several paths concurrently and importance-resamples the
pooled draws.

Examples:
  bayesfitness fit pathfinder --data counts.csv --name exp1_pf
  bayesfitness fit pathfinder --data counts.csv --name exp1_pf_multi --mode multi --runs 8`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ff, err := a.loadFitFile()
			if err != nil {
				return err
			}
			cfg := ff.PathfinderConfig()
			if cmd.Flags().Changed("mode") {
				cfg.Mode = pathfinder.Mode(mode)
			}
			if cmd.Flags().Changed("ndraws") {
				cfg.NDraws = ndraws
			}
			if cmd.Flags().Changed("runs") {
				cfg.Runs = runs
			}
			if cmd.Flags().Changed("seed") {
				cfg.Seed = seed
			}
			desc, err := ff.Descriptor(model.JointFitness)
			if err != nil {
				return err
			}
			req := fit.PathfinderRequest{Name: flags.name, Model: desc, Hyperparameters: ff.Hyperparameters, Config: cfg}
			return a.runFit(cmd, flags, ff.TidyColumns(), ff.DropFirstTime, func(d *fit.Driver, in fit.Input) (fit.Outcome, error) {
				req.Input = in
				return d.FitPathfinder(cmd.Context(), req)
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&mode, "mode", "", "Pathfinder mode (single, multi)")
	cmd.Flags().IntVar(&ndraws, "ndraws", 0, "Posterior draws to keep")
	cmd.Flags().IntVar(&runs, "runs", 0, "Paths in multi mode")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Random seed")
	return cmd
}

func (a *app) runFit(cmd *cobra.Command, flags fitFlags, cols tidy.Columns, dropFirst bool, run func(*fit.Driver, fit.Input) (fit.Outcome, error)) error {
	ctx := cmd.Context()
	table, err := readTable(flags.data)
	if err != nil {
		return err
	}
	arts, err := a.openArtifacts(ctx)
	if err != nil {
		return err
	}
	cat, err := a.openCatalog(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = cat.Close() }()
	metrics, flush, err := newMetrics(flags.metricsFile)
	if err != nil {
		return err
	}

	d := fit.NewDriver(arts, fit.WithCatalog(cat), fit.WithLogger(a.logger), fit.WithMetrics(metrics))
	out, err := run(d, fit.Input{Table: table, Columns: cols, Options: tidy.Options{DropFirstTime: dropFirst}})
	if ferr := flush(); ferr != nil {
		a.logger.Warn("write metrics failed", "path", flags.metricsFile, "error", ferr)
	}
	if err != nil {
		return err
	}
	return printRecord(cmd.OutOrStdout(), a.format, out)
}

func printRecord(w io.Writer, format string, out fit.Outcome) error {
	if format == "human" {
		r := out.Record
		_, err := fmt.Fprintf(w, "run %s\n  name:      %s\n  model:     %s\n  method:    %s\n  dim:       %d\n  objective: %.4f\n  artifact:  %s\n  duration:  %s\n",
			r.RunID, r.Name, r.Model, r.Method, r.Dim, r.Objective, r.ArtifactKey, r.Duration.Round(time.Millisecond))
		return err
	}
	return writeJSON(w, out.Record)
}
