package audithook_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally"
	audithook "github.com/xraph/tally/audit_hook"
	"github.com/xraph/tally/oplog"
	"github.com/xraph/tally/store/memory"
)

type captured struct {
	mu     sync.Mutex
	events []*audithook.AuditEvent
}

func (c *captured) Record(_ context.Context, evt *audithook.AuditEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *captured) actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Action
	}
	return out
}

func TestExtensionRecordsLedgerEvents(t *testing.T) {
	rec := &captured{}
	e := tally.New(memory.New(), tally.WithPlugin(audithook.New(rec)))
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	_, err := e.SetExchangeRate(ctx, "g", decimal.NewFromInt(10), "alice")
	require.NoError(t, err)
	_, err = e.Deposit(ctx, "g", tally.Movement{Amount: decimal.NewFromInt(100), Code: "A", Actor: "alice"})
	require.NoError(t, err)
	_, err = e.Pay(ctx, "g", tally.Payment{Amount: decimal.NewFromInt(1), Code: "Z", Actor: "bob"})
	require.ErrorIs(t, err, tally.ErrUnknownInstrument)
	_, err = e.Skip(ctx, "g", oplog.Ref{Index: 1}, "alice")
	require.NoError(t, err)
	_, err = e.Reset(ctx, "g", "alice")
	require.NoError(t, err)
	require.NoError(t, e.Wipe(ctx, "g", "alice"))

	assert.Equal(t, []string{
		audithook.ActionRatesChanged,
		audithook.ActionDepositRecorded,
		audithook.ActionOperationRejected,
		audithook.ActionEntrySkipped,
		audithook.ActionPeriodReset,
		audithook.ActionGroupWiped,
	}, rec.actions())

	dep := rec.events[1]
	assert.Equal(t, "g", dep.GroupID)
	assert.Equal(t, "alice", dep.Actor)
	assert.Equal(t, "100", dep.Metadata["fiat_amount"])
	assert.Equal(t, "A", dep.Metadata["code"])

	rejected := rec.events[2]
	assert.Equal(t, audithook.OutcomeFailure, rejected.Outcome)
	assert.Equal(t, "pay", rejected.Metadata["operation"])
	assert.Contains(t, rejected.Reason, "unknown instrument")

	skipped := rec.events[3]
	assert.Equal(t, dep.ResourceID, skipped.ResourceID)
	assert.Equal(t, "1", skipped.Metadata["ref"])
}

func TestEnabledActions(t *testing.T) {
	rec := &captured{}
	ext := audithook.New(rec, audithook.WithEnabledActions(audithook.ActionGroupWiped))
	ctx := context.Background()

	require.NoError(t, ext.OnPeriodReset(ctx, "g", time.Now()))
	require.NoError(t, ext.OnGroupWiped(ctx, "g"))
	assert.Equal(t, []string{audithook.ActionGroupWiped}, rec.actions())
}

func TestDisabledActions(t *testing.T) {
	rec := &captured{}
	ext := audithook.New(rec, audithook.WithDisabledActions(audithook.ActionOperationRejected))
	ctx := context.Background()

	require.NoError(t, ext.OnOperationRejected(ctx, "g", "pay", tally.ErrNoOp))
	require.NoError(t, ext.OnGroupWiped(ctx, "g"))
	assert.Equal(t, []string{audithook.ActionGroupWiped}, rec.actions())
}

func TestRecorderFailureIsSwallowed(t *testing.T) {
	failing := audithook.RecorderFunc(func(context.Context, *audithook.AuditEvent) error {
		return errors.New("backend down")
	})
	ext := audithook.New(failing)
	assert.NoError(t, ext.OnGroupWiped(context.Background(), "g"))
}

func TestChainRecorder(t *testing.T) {
	rec := &captured{}
	chain := audithook.NewChainRecorder(rec)
	ext := audithook.New(chain)
	ctx := context.Background()

	require.NoError(t, ext.OnPeriodReset(ctx, "g", time.Now()))
	require.NoError(t, ext.OnGroupWiped(ctx, "g"))
	require.NoError(t, ext.OnOperationRejected(ctx, "g", "pay", tally.ErrNoOp))

	links := chain.Links()
	require.Len(t, links, 3)
	assert.Equal(t, audithook.GenesisHash, links[0].PreviousHash)
	assert.Equal(t, links[2].Hash, chain.Head())
	assert.True(t, audithook.VerifyChain(links))

	require.Len(t, rec.events, 3)
	assert.Equal(t, links[1].Hash, rec.events[1].Metadata["hash"])
	assert.Equal(t, links[0].Hash, rec.events[1].Metadata["previous_hash"])

	tampered := chain.Links()
	tampered[1].Payload = `{"action":"group.reset"}`
	assert.False(t, audithook.VerifyChain(tampered))

	relinked := chain.Links()
	relinked[2].PreviousHash = links[0].Hash
	assert.False(t, audithook.VerifyChain(relinked))

	// Links returns copies.
	assert.True(t, audithook.VerifyChain(chain.Links()))
}
