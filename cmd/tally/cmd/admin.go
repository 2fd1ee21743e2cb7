package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xraph/tally"
	"github.com/xraph/tally/id"
)

func (a *app) resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Start a new period: zero the totals and drop instruments",
		Long: `Start a new period. Totals and instruments are cleared, rates are kept,
and entries recorded before the reset can no longer be skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd, func(ctx context.Context, eng *tally.Engine) error {
				snap, err := eng.Reset(ctx, a.group, a.actor)
				if err != nil {
					return err
				}
				return printSnapshot(cmd, snap)
			})
		},
	}
}

func (a *app) wipeCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Erase the group: rates, totals, instruments, and log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("wipe erases the whole group; pass --yes to confirm")
			}
			return a.withEngine(cmd, func(ctx context.Context, eng *tally.Engine) error {
				if err := eng.Wipe(ctx, a.group, a.actor); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "group %s wiped\n", a.group)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the wipe")
	return cmd
}

func (a *app) skipCmd() *cobra.Command {
	var entryID string
	cmd := &cobra.Command{
		Use:   "skip [REF]",
		Short: "Revert a movement (N) or a payment (!N)",
		Long: `Revert an entry of the current period and flag it as skipped.

REF is a movement ordinal ("3") or a payment ordinal ("!2") as shown by
"tally history". Ordinals are renumbered after every skip. Use --id to
address an entry by its stable ID instead.

Example:
  tally -g desk skip 2
  tally -g desk skip '!1'
  tally -g desk skip --id op_01h2xcejqtf2nbrexx3vqjhp41`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case entryID != "" && len(args) > 0:
				return errors.New("pass either REF or --id, not both")
			case entryID != "":
				eid, err := id.ParseEntryID(entryID)
				if err != nil {
					return err
				}
				return a.withEngine(cmd, func(ctx context.Context, eng *tally.Engine) error {
					snap, err := eng.SkipEntry(ctx, a.group, eid, a.actor)
					if err != nil {
						return err
					}
					return printSnapshot(cmd, snap)
				})
			case len(args) == 1:
				ref, err := tally.ParseRef(args[0])
				if err != nil {
					return err
				}
				return a.withEngine(cmd, func(ctx context.Context, eng *tally.Engine) error {
					snap, err := eng.Skip(ctx, a.group, ref, a.actor)
					if err != nil {
						return err
					}
					return printSnapshot(cmd, snap)
				})
			default:
				return errors.New("an ordinal or --id is required")
			}
		},
	}
	cmd.Flags().StringVar(&entryID, "id", "", "stable entry ID")
	return cmd
}

func (a *app) hideCmd() *cobra.Command {
	var unhide bool
	cmd := &cobra.Command{
		Use:   "hide CODE",
		Short: "Hide an instrument from summaries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, eng *tally.Engine) error {
				if err := eng.HideInstrument(ctx, a.group, args[0], !unhide); err != nil {
					return err
				}
				state := "hidden"
				if unhide {
					state = "visible"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "instrument %s %s\n", args[0], state)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unhide, "unhide", false, "show the instrument again")
	return cmd
}
