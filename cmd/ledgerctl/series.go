package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSeriesCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "series",
		Short: "Inspect and configure series counters",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List every series with its next number",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ledger, _, err := opts.ledger(cmd.Context())
				if err != nil {
					return err
				}
				defer ledger.Close()

				series, err := ledger.Engine.ListCounters(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SERIES\tNEXT")
				for _, s := range series {
					fmt.Fprintf(tw, "%s\t%d\n", s.Code, s.NextNumber)
				}
				return tw.Flush()
			},
		},
		&cobra.Command{
			Use:   "set-start CODE NEXT",
			Short: "Set the next number of a series; counters never move backwards",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				next, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid number %q: %w", args[1], err)
				}
				ledger, _, err := opts.ledger(cmd.Context())
				if err != nil {
					return err
				}
				defer ledger.Close()

				if err := ledger.Engine.SetSeriesStart(cmd.Context(), args[0], next); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "series %s starts at %d\n", args[0], next)
				return nil
			},
		},
	)
	return cmd
}
