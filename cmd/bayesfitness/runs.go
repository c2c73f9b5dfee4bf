package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"bayesfitness/internal/catalog"
)

func newRunsCmd(a *app) *cobra.Command {
	var f catalog.Filter
	var status string
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List fits recorded in the run catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cat, err := a.openCatalog(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = cat.Close() }()
			f.Status = catalog.Status(status)
			records, err := cat.List(ctx, f)
			if err != nil {
				return err
			}
			if a.format != "human" {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CREATED\tNAME\tMODEL\tMETHOD\tSTATUS\tOBJECTIVE\tRUN ID")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.4f\t%s\n",
					r.CreatedAt.Format(time.RFC3339), r.Name, r.Model, r.Method, r.Status, r.Objective, r.RunID)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&f.NamePrefix, "prefix", "", "Only runs whose name starts with this prefix")
	cmd.Flags().StringVar(&f.Model, "model", "", "Only runs of this model")
	cmd.Flags().StringVar(&status, "status", "", "Only runs with this status (succeeded, failed)")
	return cmd
}
