package extension

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xraph/tally"
	"github.com/xraph/tally/observability"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/store"
)

// Option configures the Tally Forge extension.
type Option func(*Extension)

// WithStore sets the store for the engine. It takes precedence over
// the configured store driver.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithEngineOption passes a tally.Option through to the underlying engine.
func WithEngineOption(opt tally.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers a tally plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, tally.WithPlugin(p))
	}
}

// WithMetrics registers the metrics plugin, exporting through reg.
// A nil reg uses the Prometheus default registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return WithPlugin(observability.NewMetricsExtension(observability.NewPrometheusFactory(reg)))
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithCurrencies sets the display currencies.
func WithCurrencies(fiat, settlement string) Option {
	return func(e *Extension) {
		e.config.FiatCurrency = fiat
		e.config.SettlementCurrency = settlement
	}
}

// WithPluginTimeout bounds each plugin hook call.
func WithPluginTimeout(d time.Duration) Option {
	return func(e *Extension) { e.config.PluginTimeout = d }
}

// WithStoreDriver selects a backend by driver name and DSN.
func WithStoreDriver(driver, dsn string) Option {
	return func(e *Extension) {
		e.config.StoreDriver = driver
		e.config.StoreDSN = dsn
	}
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}
