package extension

import "time"

// Config holds the Tally extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.tally" or "tally" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// FiatCurrency is the ISO code used to display fiat amounts (default: "IDR").
	FiatCurrency string `json:"fiat_currency" mapstructure:"fiat_currency" yaml:"fiat_currency"`

	// SettlementCurrency is the ISO code used to display settlement
	// amounts (default: "USD").
	SettlementCurrency string `json:"settlement_currency" mapstructure:"settlement_currency" yaml:"settlement_currency"`

	// PluginTimeout bounds each plugin hook call (default: 5s).
	PluginTimeout time.Duration `json:"plugin_timeout" mapstructure:"plugin_timeout" yaml:"plugin_timeout"`

	// StoreDriver selects a backend when no store is set programmatically:
	// memory, bolt, sqlite, postgres, or mongo (default: memory).
	StoreDriver string `json:"store_driver" mapstructure:"store_driver" yaml:"store_driver"`

	// StoreDSN addresses the backend: a file path for bolt and sqlite, a
	// connection string for postgres, a URI for mongo.
	StoreDSN string `json:"store_dsn" mapstructure:"store_dsn" yaml:"store_dsn"`

	// StoreDatabase names the mongo database (default: "tally").
	StoreDatabase string `json:"store_database" mapstructure:"store_database" yaml:"store_database"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		FiatCurrency:       "IDR",
		SettlementCurrency: "USD",
		PluginTimeout:      5 * time.Second,
		StoreDriver:        "memory",
		StoreDatabase:      "tally",
	}
}
