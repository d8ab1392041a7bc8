package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"verifactu/internal/core/id"
)

type historyEntry struct {
	Action  string          `json:"action"`
	Actor   string          `json:"actor"`
	At      string          `json:"at"`
	Changes json.RawMessage `json:"changes,omitempty"`
}

func newHistoryCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history DOCUMENT_ID",
		Short: "Print the audit trail of a document, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docID, err := id.Parse(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			ledger, _, err := opts.ledger(ctx)
			if err != nil {
				return err
			}
			defer ledger.Close()

			entries, err := ledger.Audit.History(ctx, docID, limit)
			if err != nil {
				return err
			}
			out := make([]historyEntry, 0, len(entries))
			for _, e := range entries {
				out = append(out, historyEntry{
					Action:  e.Action,
					Actor:   e.ActorID,
					At:      e.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
					Changes: e.Changes,
				})
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")
	return cmd
}
