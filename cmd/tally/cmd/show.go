package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xraph/tally"
	"github.com/xraph/tally/types"
)

// ErrDrift is returned by the reconcile command when stored aggregates
// differ from the log.
var ErrDrift = errors.New("stored aggregates differ from the log")

func (a *app) showCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the group summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd, func(ctx context.Context, eng *tally.Engine) error {
				snap, err := eng.Snapshot(ctx, a.group)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(snap)
				}
				return printSnapshot(cmd, snap)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	return cmd
}

func (a *app) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List the entries of the current period with their ordinals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd, func(ctx context.Context, eng *tally.Engine) error {
				snap, err := eng.Snapshot(ctx, a.group)
				if err != nil {
					return err
				}
				items, err := eng.History(ctx, a.group)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "REF\tKIND\tFIAT\tSETTLEMENT\tCODE\tAT\tID")
				for _, it := range items {
					e := it.Entry
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						it.Ref, e.Kind,
						types.Format(e.FiatAmount, snap.FiatCurrency),
						types.Format(e.SettlementAmount, snap.SettlementCurrency),
						e.Code, e.Timestamp.Format("2006-01-02 15:04:05"), e.ID)
				}
				return w.Flush()
			})
		},
	}
}

func (a *app) reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Compare stored totals with a fold over the log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd, func(ctx context.Context, eng *tally.Engine) error {
				d, err := eng.Reconcile(ctx, a.group)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if d.Clean() {
					fmt.Fprintf(out, "group %s is consistent with its log\n", a.group)
					return nil
				}
				if !d.Stored.Equal(d.Folded) {
					fmt.Fprintf(out, "totals: stored %s/%s folded %s/%s (fiat/settlement)\n",
						d.Stored.FiatTotal, d.Stored.SettlementTotal, d.Folded.FiatTotal, d.Folded.SettlementTotal)
				}
				for _, c := range d.Cards {
					fmt.Fprintf(out, "card %s: stored %s paid %s, folded %s paid %s\n",
						c.Code, c.Stored.Total, c.Stored.Paid, c.Folded.Total, c.Folded.Paid)
				}
				return ErrDrift
			})
		},
	}
}

func printSnapshot(cmd *cobra.Command, snap *tally.Snapshot) error {
	_, err := fmt.Fprint(cmd.OutOrStdout(), snap.String())
	return err
}
