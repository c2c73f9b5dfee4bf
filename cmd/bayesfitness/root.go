package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"

	"bayesfitness/internal/artifact"
	"bayesfitness/internal/blob"
	"bayesfitness/internal/catalog"
	"bayesfitness/internal/config"
	"bayesfitness/internal/fit"
	"bayesfitness/internal/model"
	"bayesfitness/internal/observability"
	"bayesfitness/internal/tidy"
)

// app carries state shared by every subcommand.
type app struct {
	fitFile  string
	logLevel string
	format   string

	logger observability.Logger
	env    config.Env
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "bayesfitness",
		Short: "Bayesian inference of population mean and lineage fitness from barcode counts",
		Long: `bayesfitness fits hierarchical models of barcode count time series by
variational inference or Pathfinder, stores each posterior as an artifact and
records the run in a catalog.

Storage is configured through BAYESFITNESS_* environment variables; priors and
fitting settings through an optional YAML fit file (--config).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			a.env = config.FromEnv()
			level := a.logLevel
			if level == "" {
				level = a.env.LogLevel
			}
			a.logger = observability.NewTextLogger(cmd.ErrOrStderr(), level)
		},
	}
	root.PersistentFlags().StringVar(&a.fitFile, "config", "", "YAML fit file (model, columns, priors, driver settings)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (overrides BAYESFITNESS_LOG_LEVEL)")
	root.PersistentFlags().StringVar(&a.format, "format", "json", "Output format (json, human)")

	root.AddCommand(newFitCmd(a), newBandsCmd(a), newSummaryCmd(a), newRunsCmd(a))
	return root
}

func (a *app) loadFitFile() (config.FitFile, error) {
	if a.fitFile == "" {
		return config.DefaultFitFile(), nil
	}
	return config.LoadFitFile(a.fitFile)
}

func (a *app) openArtifacts(ctx context.Context) (*artifact.Store, error) {
	blobs, err := blob.Open(ctx, a.env.Blob)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	return artifact.NewStore(blobs), nil
}

func (a *app) openCatalog(ctx context.Context) (catalog.Store, error) {
	c, err := catalog.Open(ctx, a.env.Catalog)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	return c, nil
}

// newMetrics returns a recorder on a private registry plus a flush function
// writing the registry to path in the textfile exposition format.
func newMetrics(path string) (observability.MetricsRecorder, func() error, error) {
	if path == "" {
		return observability.NoopMetrics(), func() error { return nil }, nil
	}
	reg := prometheus.NewRegistry()
	rec, err := observability.NewPrometheusRecorder(reg)
	if err != nil {
		return nil, nil, err
	}
	return rec, func() error { return prometheus.WriteToTextfile(path, reg) }, nil
}

// warnDrawCap reports when a fit holds fewer stored draws than requested.
func (a *app) warnDrawCap(draws mat.Matrix, requested int) {
	if r, _ := draws.Dims(); requested > r {
		a.logger.Warn("using fewer posterior draws than requested", "requested", requested, "available", r)
	}
}

func readTable(path string) (tidy.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open data: %w", err)
	}
	defer func() { _ = f.Close() }()
	return tidy.ReadCSV(f)
}

// loadModel rebuilds the model an artifact was fitted with from the data file.
func (a *app) loadModel(dataPath string, art artifact.Artifact) (*model.Model, error) {
	ff, err := a.loadFitFile()
	if err != nil {
		return nil, err
	}
	desc, err := model.Lookup(art.Model)
	if err != nil {
		return nil, err
	}
	table, err := readTable(dataPath)
	if err != nil {
		return nil, err
	}
	m, _, err := fit.BuildModel(desc, fit.Input{
		Table:   table,
		Columns: ff.TidyColumns(),
		Options: tidy.Options{DropFirstTime: ff.DropFirstTime},
	}, ff.Hyperparameters)
	if err != nil {
		return nil, err
	}
	if m.Dim() != art.Posterior.Dim {
		return nil, fmt.Errorf("artifact %s has dimension %d but the data builds a model of dimension %d", art.Name, art.Posterior.Dim, m.Dim())
	}
	return m, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
