package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/xraph/tally"
)

// movementFlags are shared by deposit and withdraw.
type movementFlags struct {
	code  string
	limit string
	at    string
}

func (f *movementFlags) bind(cmd *cobra.Command, withLimit bool) {
	cmd.Flags().StringVarP(&f.code, "code", "c", "", "instrument code")
	cmd.Flags().StringVar(&f.at, "at", "", "entry time (RFC 3339, default now)")
	if withLimit {
		cmd.Flags().StringVar(&f.limit, "limit", "", "instrument limit (informational)")
	}
}

func (f *movementFlags) movement(amount string, actor string) (tally.Movement, error) {
	m := tally.Movement{Code: f.code, Actor: actor}

	var err error
	if m.Amount, err = tally.ParseAmount(amount); err != nil {
		return m, err
	}
	if f.limit != "" {
		if m.Limit, err = tally.ParseAmount(f.limit); err != nil {
			return m, fmt.Errorf("limit: %w", err)
		}
	}
	if m.At, err = parseAt(f.at); err != nil {
		return m, err
	}
	return m, nil
}

func (a *app) depositCmd() *cobra.Command {
	var f movementFlags
	cmd := &cobra.Command{
		Use:   "deposit AMOUNT",
		Short: "Record a fiat deposit",
		Long: `Record a fiat deposit converted at the group's current rates.

Amounts accept separators and magnitude suffixes: 1,000,000  1_000_000  1.5m  250k.

Example:
  tally -g desk deposit 1,000,000 --code BCA --limit 5m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := f.movement(args[0], a.actor)
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(ctx context.Context, eng *tally.Engine) error {
				snap, err := eng.Deposit(ctx, a.group, m)
				if err != nil {
					return err
				}
				return printSnapshot(cmd, snap)
			})
		},
	}
	f.bind(cmd, true)
	return cmd
}

func (a *app) withdrawCmd() *cobra.Command {
	var f movementFlags
	cmd := &cobra.Command{
		Use:   "withdraw AMOUNT",
		Short: "Record a fiat withdrawal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := f.movement(args[0], a.actor)
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(ctx context.Context, eng *tally.Engine) error {
				snap, err := eng.Withdraw(ctx, a.group, m)
				if err != nil {
					return err
				}
				return printSnapshot(cmd, snap)
			})
		},
	}
	f.bind(cmd, false)
	return cmd
}

func (a *app) payCmd() *cobra.Command {
	var code, at string
	cmd := &cobra.Command{
		Use:   "pay AMOUNT",
		Short: "Record a settlement payment against an instrument",
		Long: `Record a payment in the settlement currency against an instrument
that has already received a deposit.

Example:
  tally -g desk pay 50 --code BCA`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := tally.ParseAmount(args[0])
			if err != nil {
				return err
			}
			when, err := parseAt(at)
			if err != nil {
				return err
			}
			p := tally.Payment{Amount: amount, Code: code, Actor: a.actor, At: when}
			return a.withEngine(cmd, func(ctx context.Context, eng *tally.Engine) error {
				snap, err := eng.Pay(ctx, a.group, p)
				if err != nil {
					return err
				}
				return printSnapshot(cmd, snap)
			})
		},
	}
	cmd.Flags().StringVarP(&code, "code", "c", "", "instrument code")
	cmd.Flags().StringVar(&at, "at", "", "entry time (RFC 3339, default now)")
	return cmd
}

func (a *app) rateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rate",
		Short: "Configure fee, exchange, and secondary rates",
		Long: `Configure the group's rates. Setting a secondary pair switches the
group into gross mode; "rate off" switches it back.

Example:
  tally -g desk rate exchange 14600
  tally -g desk rate fee 2%
  tally -g desk rate secondary 1 15000
  tally -g desk rate off`,
	}

	set := func(use, short string, fn func(ctx context.Context, eng *tally.Engine, v decimal.Decimal) (*tally.Snapshot, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " VALUE",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := tally.ParseRate(args[0])
				if err != nil {
					return err
				}
				return a.withEngine(cmd, func(ctx context.Context, eng *tally.Engine) error {
					snap, err := fn(ctx, eng, v)
					if err != nil {
						return err
					}
					return printSnapshot(cmd, snap)
				})
			},
		}
	}

	cmd.AddCommand(
		set("fee", "Set the fee percentage", func(ctx context.Context, eng *tally.Engine, v decimal.Decimal) (*tally.Snapshot, error) {
			return eng.SetFeeRate(ctx, a.group, v, a.actor)
		}),
		set("exchange", "Set the exchange rate", func(ctx context.Context, eng *tally.Engine, v decimal.Decimal) (*tally.Snapshot, error) {
			return eng.SetExchangeRate(ctx, a.group, v, a.actor)
		}),
		&cobra.Command{
			Use:   "secondary FEE EXCHANGE",
			Short: "Set the secondary fee and exchange rate (gross mode)",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				fee, err := tally.ParseRate(args[0])
				if err != nil {
					return err
				}
				ex, err := tally.ParseRate(args[1])
				if err != nil {
					return err
				}
				return a.setOverlay(cmd, tally.Overlay{FeeRate: fee, ExchangeRate: ex})
			},
		},
		&cobra.Command{
			Use:   "off",
			Short: "Clear the secondary rates",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.setOverlay(cmd, tally.Off)
			},
		},
	)
	return cmd
}

func (a *app) setOverlay(cmd *cobra.Command, o tally.Overlay) error {
	return a.withEngine(cmd, func(ctx context.Context, eng *tally.Engine) error {
		snap, err := eng.SetSecondaryRates(ctx, a.group, o, a.actor)
		if err != nil {
			return err
		}
		return printSnapshot(cmd, snap)
	})
}

func parseAt(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at %q: %w", s, err)
	}
	return t, nil
}
