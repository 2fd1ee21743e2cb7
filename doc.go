// Package tally provides a group-scoped settlement ledger for Go applications.
//
// Tally is designed as a library, not a service. Each group (a chat, a
// desk, a customer) owns a ledger that records fiat deposits and
// withdrawals, converts them to a settlement currency with an
// operator-set fee and exchange rate, and tracks payments against the
// settlement balance. It provides:
//
//   - Decimal arithmetic for every amount and rate
//   - Per-instrument ("card") sub-ledgers with optional informational limits
//   - An append-only operation log from which all aggregates are a fold
//   - Reverting ("skipping") any entry of the current period by ordinal or ID
//   - Atomic commits with optimistic versioning across engine processes
//   - Pluggable storage: memory, bbolt, SQLite, PostgreSQL, MongoDB
//   - Plugins for audit trails, metrics, and Kafka event publishing
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/tally"
//	    "github.com/xraph/tally/store/memory"
//	)
//
//	engine := tally.New(memory.New())
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
//	engine.SetExchangeRate(ctx, "desk-1", decimal.NewFromInt(14600), "alice")
//	engine.SetFeeRate(ctx, "desk-1", decimal.NewFromInt(2), "alice")
//
//	snap, err := engine.Deposit(ctx, "desk-1", tally.Movement{
//	    Amount: decimal.NewFromInt(1_000_000),
//	    Code:   "bca",
//	    Actor:  "alice",
//	})
//	// snap.SettlementTotal ≈ 67.1233
//
// # Ordinals
//
// Entries are addressed for reversal by their position in the current
// period, not by a stored number. Deposits and withdrawals share one
// space ("3"), payments have their own ("!3"). Positions are recomputed
// on every request over the entries that are not yet skipped, so skipping
// "1" turns the former "2" into the new "1":
//
//	ref, _ := tally.ParseRef("!2")
//	snap, err := engine.Skip(ctx, "desk-1", ref, "alice")
//
// Use History to show operators the ordinals Skip will resolve.
//
// # Periods
//
// Reset starts a new period: aggregates and instruments are cleared, rate
// configuration is kept, and earlier entries stay in the log but can no
// longer be addressed. Wipe deletes the log and instruments and clears the
// rate configuration.
//
// # Gross mode
//
// Setting a secondary fee or exchange rate switches a group into gross
// mode: every movement also records its settlement value under the
// secondary pair, and snapshots report gross inflow, outflow, owed, and
// remaining amounts. Setting the overlay to Off hides them again without
// discarding what was accumulated.
package tally
