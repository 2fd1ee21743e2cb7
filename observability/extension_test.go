package observability_test

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally"
	"github.com/xraph/tally/observability"
	"github.com/xraph/tally/oplog"
	"github.com/xraph/tally/store/memory"
)

type counter struct {
	mu sync.Mutex
	n  float64
}

func (c *counter) Inc() { c.Add(1) }

func (c *counter) Add(v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n += v
}

func (c *counter) value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type histogram struct {
	mu   sync.Mutex
	obs  []float64
	name string
}

func (h *histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.obs = append(h.obs, v)
}

type fakeFactory struct {
	counters   map[string]*counter
	histograms map[string]*histogram
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		counters:   make(map[string]*counter),
		histograms: make(map[string]*histogram),
	}
}

func (f *fakeFactory) Counter(name string) observability.Counter {
	c := &counter{}
	f.counters[name] = c
	return c
}

func (f *fakeFactory) Histogram(name string) observability.Histogram {
	h := &histogram{name: name}
	f.histograms[name] = h
	return h
}

func TestMetricsExtensionCountsLedgerEvents(t *testing.T) {
	f := newFakeFactory()
	e := tally.New(memory.New(), tally.WithPlugin(observability.NewMetricsExtension(f)))
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	_, err := e.Deposit(ctx, "g", tally.Movement{Amount: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, tally.ErrRateNotConfigured)

	_, err = e.SetExchangeRate(ctx, "g", decimal.NewFromInt(2), "op")
	require.NoError(t, err)
	_, err = e.Deposit(ctx, "g", tally.Movement{Amount: decimal.NewFromInt(100), Code: "A"})
	require.NoError(t, err)
	_, err = e.Withdraw(ctx, "g", tally.Movement{Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	_, err = e.Pay(ctx, "g", tally.Payment{Amount: decimal.NewFromInt(3), Code: "B"})
	require.ErrorIs(t, err, tally.ErrUnknownInstrument)
	_, err = e.Pay(ctx, "g", tally.Payment{Amount: decimal.NewFromInt(3)})
	require.NoError(t, err)
	_, err = e.Skip(ctx, "g", oplog.Ref{Index: 2}, "op")
	require.NoError(t, err)
	_, err = e.Reset(ctx, "g", "op")
	require.NoError(t, err)
	require.NoError(t, e.Wipe(ctx, "g", "op"))

	expect := map[string]float64{
		"tally.entry.deposits":                1,
		"tally.entry.withdrawals":             1,
		"tally.entry.payments":                1,
		"tally.entry.skips":                   1,
		"tally.rates.changes":                 1,
		"tally.period.resets":                 1,
		"tally.group.wipes":                   1,
		"tally.operation.rejections":          2,
		"tally.operation.rate_not_configured": 1,
		"tally.operation.unknown_instrument":  1,
	}
	for name, want := range expect {
		assert.Equal(t, want, f.counters[name].value(), name)
	}
	assert.Equal(t, []float64{100, 10}, f.histograms["tally.entry.fiat_amount"].obs)
}

func TestPrometheusFactory(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := observability.NewPrometheusFactory(reg)
	m := observability.NewMetricsExtension(f)

	require.NoError(t, m.OnGroupWiped(context.Background(), "g"))
	require.NoError(t, m.OnGroupWiped(context.Background(), "g"))

	c, ok := f.Counter("tally.group.wipes").(prometheus.Counter)
	require.True(t, ok)
	assert.Equal(t, float64(2), testutil.ToFloat64(c))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "tally_group_wipes")

	// A second factory on the same registry shares collectors.
	again := observability.NewPrometheusFactory(reg).Counter("tally.group.wipes")
	again.Inc()
	assert.Equal(t, float64(3), testutil.ToFloat64(c))
}
