package main

import (
	"fmt"
	"math/rand/v2"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"

	"bayesfitness/internal/diagnostics"
	"bayesfitness/internal/posterior"
)

func newSummaryCmd(a *app) *cobra.Command {
	var (
		name  string
		data  string
		draws int
		seed  uint64
	)
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Summarise the marginal posterior of every parameter of a stored fit",
		Long: `Print mean, standard deviation, median and 95% interval per parameter.
Without --data the summary is on the unconstrained scale the fit works in;
with --data the model is rebuilt and draws are mapped to the constrained
scale (positive sigma and intensities).`,
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
			dist, err := art.Distribution()
			if err != nil {
				return err
			}
			var sample mat.Matrix = posterior.Draws(dist, rand.New(rand.NewPCG(seed, 0x5a11)), draws)
			a.warnDrawCap(sample, draws)
			if data != "" {
				m, err := a.loadModel(data, art)
				if err != nil {
					return err
				}
				if sample, err = diagnostics.Constrain(m, sample); err != nil {
					return err
				}
			}
			summaries, err := diagnostics.Summarize(sample, art.Labels)
			if err != nil {
				return err
			}
			if a.format != "human" {
				return writeJSON(cmd.OutOrStdout(), summaries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PARAMETER\tMEAN\tSTD\tMEDIAN\t2.5%\t97.5%")
			for _, s := range summaries {
				fmt.Fprintf(tw, "%s\t%.4f\t%.4f\t%.4f\t%.4f\t%.4f\n", s.Label, s.Mean, s.Std, s.Median, s.Q025, s.Q975)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Artifact name")
	cmd.Flags().StringVar(&data, "data", "", "Tidy CSV the fit was run on (enables the constrained scale)")
	cmd.Flags().IntVar(&draws, "draws", 1000, "Posterior draws (Pathfinder fits reuse their stored draws, at most --ndraws of the fit)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Random seed")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
