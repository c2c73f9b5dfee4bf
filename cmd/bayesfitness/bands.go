package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"

	"bayesfitness/internal/quantile"
)

// bandsOutput is the visualisation-facing form of a quantile result.
type bandsOutput struct {
	Name      string         `json:"name"`
	Quantity  string         `json:"quantity"`
	Lineage   int            `json:"lineage"`
	Levels    []float64      `json:"levels"`
	Shades    []float64      `json:"shades"`
	Bounds    [][][2]float64 `json:"bounds"`
	Reordered bool           `json:"reordered,omitempty"`
}

func newBandsCmd(a *app) *cobra.Command {
	var (
		data      string
		name      string
		quantity  string
		lineage   int
		replicate int
		draws     int
		seed      uint64
		levels    []float64
		colors    []string
	)
	cmd := &cobra.Command{
		Use:   "bands",
		Short: "Compute posterior predictive credible bands from a stored fit",
		Long: `Compute nested credible bands per time point from a stored fit.

Quantities:
  mean-fitness        population mean fitness s_t
  frequency           barcode frequency of --lineage
  log-ratio           log frequency ratio of --lineage
  neutral-log-ratio   negated log frequency ratio of neutral --lineage
  mutant-fitness      relative fitness of every mutant (joint model only)

Examples:
  bayesfitness bands --name exp1_pf --data counts.csv
  bayesfitness bands --name exp1_pf --data counts.csv --quantity frequency --lineage 3 --levels 0.95,0.5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			arts, err := a.openArtifacts(ctx)
			if err != nil {
				return err
			}
			art, err := arts.Load(ctx, name)
			if err != nil {
				return err
			}
			m, err := a.loadModel(data, art)
			if err != nil {
				return err
			}
			dist, err := art.Distribution()
			if err != nil {
				return err
			}
			derive, err := deriver(quantity, lineage)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("levels") {
				ff, err := a.loadFitFile()
				if err != nil {
					return err
				}
				levels = ff.Levels
			}
			if len(colors) > 0 {
				if err := quantile.CheckPalette(levels, colors); err != nil {
					return err
				}
			}
			samples, err := quantile.DrawSamples(m, dist, draws, seed)
			if err != nil {
				return err
			}
			a.warnDrawCap(samples.Draws, draws)
			samples.Replicate = replicate
			res, err := quantile.Bands(levels, samples, derive, quantile.WithLogger(a.logger))
			if err != nil {
				return err
			}
			out := bandsOutput{
				Name:      name,
				Quantity:  quantity,
				Lineage:   lineage,
				Levels:    res.Levels,
				Shades:    quantile.Ramp(len(res.Levels)),
				Bounds:    res.Array(),
				Reordered: res.Reordered,
			}
			if a.format == "human" {
				return printBands(cmd.OutOrStdout(), out)
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "Tidy CSV the fit was run on")
	cmd.Flags().StringVar(&name, "name", "", "Artifact name")
	cmd.Flags().StringVar(&quantity, "quantity", "mean-fitness", "Quantity to summarise")
	cmd.Flags().IntVar(&lineage, "lineage", 0, "Lineage column (0-based; neutrals first, then mutants)")
	cmd.Flags().IntVar(&replicate, "replicate", 0, "Replicate index for replicate models")
	cmd.Flags().IntVar(&draws, "draws", 1000, "Posterior draws (Pathfinder fits reuse their stored draws, at most --ndraws of the fit)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Random seed for drawing from the posterior")
	cmd.Flags().Float64SliceVar(&levels, "levels", nil, "Credible levels in (0,1)")
	cmd.Flags().StringSliceVar(&colors, "colors", nil, "Palette to check against the levels")
	_ = cmd.MarkFlagRequired("data")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func deriver(quantity string, lineage int) (func(quantile.Samples) (*mat.Dense, error), error) {
	switch strings.ToLower(quantity) {
	case "mean-fitness":
		return quantile.MeanFitness(), nil
	case "frequency":
		return quantile.Frequency(lineage), nil
	case "log-ratio":
		return quantile.LogFrequencyRatio(lineage), nil
	case "neutral-log-ratio":
		return quantile.NeutralLogRatio(lineage), nil
	case "mutant-fitness":
		return quantile.MutantFitness(), nil
	default:
		return nil, fmt.Errorf("unknown quantity %q", quantity)
	}
}

func printBands(w io.Writer, out bandsOutput) error {
	if _, err := fmt.Fprintf(w, "%s: %s\n", out.Name, out.Quantity); err != nil {
		return err
	}
	for t, row := range out.Bounds {
		fmt.Fprintf(w, "  [%d]", t)
		for k, b := range row {
			fmt.Fprintf(w, "  %.0f%% [%.4f, %.4f]", 100*out.Levels[k], b[0], b[1])
		}
		fmt.Fprintln(w)
	}
	return nil
}
