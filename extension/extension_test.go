package extension

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally"
	"github.com/xraph/tally/store/memory"
)

func TestNewAppliesOptions(t *testing.T) {
	s := memory.New()
	e := New(
		WithStore(s),
		WithDisableMigrate(),
		WithCurrencies("EUR", "GBP"),
		WithPluginTimeout(time.Second),
		WithStoreDriver("bolt", "x.db"),
		WithEngineOption(tally.WithCurrencies("EUR", "GBP")),
	)

	assert.Same(t, s, e.store)
	assert.True(t, e.config.DisableMigrate)
	assert.Equal(t, "EUR", e.config.FiatCurrency)
	assert.Equal(t, "GBP", e.config.SettlementCurrency)
	assert.Equal(t, time.Second, e.config.PluginTimeout)
	assert.Equal(t, "bolt", e.config.StoreDriver)
	assert.Equal(t, "x.db", e.config.StoreDSN)
	assert.Len(t, e.engineOpts, 1)
	assert.Nil(t, e.Engine(), "engine is built on Register")
}

func TestWithMetricsRegistersPlugin(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := New(WithStore(memory.New()), WithMetrics(reg))
	require.Len(t, e.engineOpts, 1)

	eng := tally.New(e.store, e.engineOpts...)
	assert.NotNil(t, eng.Plugins().Get("observability-metrics"))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMergeWithDefaults(t *testing.T) {
	cfg := mergeWithDefaults(Config{FiatCurrency: "JPY"})

	assert.Equal(t, "JPY", cfg.FiatCurrency)
	assert.Equal(t, "USD", cfg.SettlementCurrency)
	assert.Equal(t, 5*time.Second, cfg.PluginTimeout)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, "tally", cfg.StoreDatabase)
}

func TestMergeConfigurations(t *testing.T) {
	yaml := Config{
		FiatCurrency: "IDR",
		StoreDriver:  "postgres",
		StoreDSN:     "postgres://yaml",
	}
	programmatic := Config{
		DisableMigrate:     true,
		FiatCurrency:       "EUR",
		SettlementCurrency: "SGD",
		StoreDSN:           "postgres://code",
		PluginTimeout:      time.Millisecond,
	}

	cfg := mergeConfigurations(yaml, programmatic)

	assert.True(t, cfg.DisableMigrate, "programmatic bool flags override")
	assert.Equal(t, "IDR", cfg.FiatCurrency, "yaml wins")
	assert.Equal(t, "SGD", cfg.SettlementCurrency, "programmatic fills gaps")
	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, "postgres://yaml", cfg.StoreDSN)
	assert.Equal(t, time.Millisecond, cfg.PluginTimeout)
	assert.Equal(t, "tally", cfg.StoreDatabase, "defaults fill the rest")
}

func TestBuildEngineOpts(t *testing.T) {
	e := New(WithEngineOption(tally.WithClock(time.Now)))
	e.config = mergeWithDefaults(e.config)

	opts := e.buildEngineOpts()
	require.Len(t, opts, 3)

	eng := tally.New(memory.New(), opts...)
	require.NotNil(t, eng)
}

func TestStoreConfig(t *testing.T) {
	e := New(WithStoreDriver("sqlite", "t.db"))
	e.config = mergeWithDefaults(e.config)

	sc := e.storeConfig()
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, "t.db", sc.DSN)
	assert.Equal(t, "tally", sc.Database)
}
