package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally"
	"github.com/xraph/tally/oplog"
	"github.com/xraph/tally/store/memory"
)

type recordingWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *recordingWriter) events(t *testing.T) []Event {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Event, len(w.msgs))
	for i, m := range w.msgs {
		require.NoError(t, json.Unmarshal(m.Value, &out[i]))
		assert.Equal(t, out[i].GroupID, string(m.Key))
	}
	return out
}

func TestPublisherEmitsLedgerEvents(t *testing.T) {
	w := &recordingWriter{}
	e := tally.New(memory.New(), tally.WithPlugin(newPublisher(w)))
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))

	_, err := e.SetExchangeRate(ctx, "g", decimal.NewFromInt(4), "op")
	require.NoError(t, err)
	_, err = e.Deposit(ctx, "g", tally.Movement{Amount: decimal.NewFromInt(100), Code: "A"})
	require.NoError(t, err)
	_, err = e.Skip(ctx, "g", oplog.Ref{Index: 1}, "op")
	require.NoError(t, err)
	_, err = e.Reset(ctx, "g", "op")
	require.NoError(t, err)
	require.NoError(t, e.Wipe(ctx, "g", "op"))
	require.NoError(t, e.Stop())

	types := make([]string, 0)
	evts := w.events(t)
	for _, evt := range evts {
		types = append(types, evt.Type)
		assert.False(t, evt.ID.IsNil())
	}
	assert.Equal(t, []string{
		EventEntryRecorded, EventRatesChanged, // set exchange rate
		EventEntryRecorded,                    // deposit
		EventEntryRecorded, EventEntrySkipped, // skip
		EventEntryRecorded, EventPeriodReset, // reset
		EventEntryRecorded, EventGroupWiped, // wipe
	}, types)

	dep := evts[2].Entry
	require.NotNil(t, dep)
	assert.Equal(t, oplog.KindDeposit, dep.Kind)
	assert.True(t, dep.SettlementAmount.Equal(decimal.NewFromInt(25)))

	skipped := evts[4]
	require.NotNil(t, skipped.Target)
	assert.Equal(t, dep.ID, skipped.Target.ID)
	assert.Equal(t, oplog.KindSkip, skipped.Entry.Kind)

	require.NotNil(t, evts[1].Rates)
	assert.True(t, evts[1].Rates.ExchangeRate.Equal(decimal.NewFromInt(4)))
	require.NotNil(t, evts[6].PeriodStart)

	assert.True(t, w.closed)
}

func TestPublisherFailureDoesNotFailOperation(t *testing.T) {
	w := &recordingWriter{err: errors.New("broker unavailable")}
	e := tally.New(memory.New(), tally.WithPlugin(newPublisher(w)))
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	snap, err := e.SetExchangeRate(ctx, "g", decimal.NewFromInt(4), "op")
	require.NoError(t, err)
	assert.True(t, snap.Configured)
}

func TestPublishError(t *testing.T) {
	w := &recordingWriter{err: errors.New("broker unavailable")}
	p := newPublisher(w)
	err := p.OnGroupWiped(context.Background(), "g")
	require.Error(t, err)
	assert.Contains(t, err.Error(), EventGroupWiped)
}

func TestNewPublisherDefaults(t *testing.T) {
	p := NewPublisher([]string{"localhost:9092"}, "")
	kw, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, DefaultTopic, kw.Topic)
	assert.Equal(t, "kafka-publisher", p.Name())
}
