package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"verifactu/internal/domain/invoice"
)

func newVerifyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-chain [CHAIN_KEY...]",
		Short: "Recompute hash chains; every chain when no key is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ledger, _, err := opts.ledger(ctx)
			if err != nil {
				return err
			}
			defer ledger.Close()

			keys := args
			if len(keys) == 0 {
				if keys, err = ledger.Engine.ChainKeys(ctx); err != nil {
					return err
				}
			}

			reports := make([]*invoice.ChainReport, 0, len(keys))
			broken := 0
			for _, key := range keys {
				report, err := ledger.Engine.VerifyChain(ctx, key)
				if err != nil {
					return fmt.Errorf("verify %s: %w", key, err)
				}
				if !report.Valid {
					broken++
				}
				reports = append(reports, report)
			}
			if err := printJSON(cmd.OutOrStdout(), reports); err != nil {
				return err
			}
			if broken > 0 {
				return fmt.Errorf("%d of %d chains are broken", broken, len(keys))
			}
			return nil
		},
	}
}
