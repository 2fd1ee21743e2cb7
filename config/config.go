// Package config loads standalone Tally configuration.
//
// Values come from, in increasing precedence: built-in defaults, an
// optional YAML file, .env files, and TALLY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverBolt     = "bolt"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Config is the complete standalone configuration.
type Config struct {
	Store              StoreConfig   `yaml:"store"`
	FiatCurrency       string        `yaml:"fiat_currency"`
	SettlementCurrency string        `yaml:"settlement_currency"`
	PluginTimeout      time.Duration `yaml:"plugin_timeout"`
	LogLevel           string        `yaml:"log_level"`
	Audit              bool          `yaml:"audit"`
	Kafka              KafkaConfig   `yaml:"kafka"`
	// MetricsFile, when set, receives the Prometheus metrics of the run
	// in text exposition format (node_exporter textfile collector).
	MetricsFile string `yaml:"metrics_file"`
}

// StoreConfig selects and addresses a storage backend.
type StoreConfig struct {
	// Driver is one of memory, bolt, sqlite, postgres, mongo.
	Driver string `yaml:"driver"`
	// DSN is a file path for bolt and sqlite, a connection string for
	// postgres, and a URI for mongo.
	DSN string `yaml:"dsn"`
	// Database names the mongo database.
	Database string `yaml:"database"`
}

// KafkaConfig enables event publishing when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Default returns the configuration used when nothing is set: a bolt
// file in the working directory and IDR/USD currencies.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:   DriverBolt,
			DSN:      "tally.db",
			Database: "tally",
		},
		FiatCurrency:       "IDR",
		SettlementCurrency: "USD",
		PluginTimeout:      5 * time.Second,
		LogLevel:           "info",
	}
}

// Load builds a Config from the YAML file at path (skipped when empty),
// then the given .env files, then TALLY_* environment variables.
// Missing .env files are ignored; a missing YAML file is an error.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	for _, f := range envFiles {
		if f == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Store.Driver, "TALLY_STORE_DRIVER")
	setString(&c.Store.DSN, "TALLY_STORE_DSN")
	setString(&c.Store.Database, "TALLY_STORE_DATABASE")
	setString(&c.FiatCurrency, "TALLY_FIAT_CURRENCY")
	setString(&c.SettlementCurrency, "TALLY_SETTLEMENT_CURRENCY")
	setString(&c.LogLevel, "TALLY_LOG_LEVEL")
	setString(&c.Kafka.Topic, "TALLY_KAFKA_TOPIC")
	setString(&c.MetricsFile, "TALLY_METRICS_FILE")

	if v := os.Getenv("TALLY_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("TALLY_AUDIT"); v != "" {
		c.Audit = v == "true" || v == "1"
	}
	if v := os.Getenv("TALLY_PLUGIN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid TALLY_PLUGIN_TIMEOUT: %w", err)
		}
		c.PluginTimeout = d
	}
	return nil
}

// Validate checks that the store is addressable and the currencies are set.
func (c *Config) Validate() error {
	var missing []string

	switch c.Store.Driver {
	case DriverMemory:
	case DriverBolt, DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			missing = append(missing, "store.dsn")
		}
	case DriverMongo:
		if c.Store.DSN == "" {
			missing = append(missing, "store.dsn")
		}
		if c.Store.Database == "" {
			missing = append(missing, "store.database")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}

	if c.FiatCurrency == "" {
		missing = append(missing, "fiat_currency")
	}
	if c.SettlementCurrency == "" {
		missing = append(missing, "settlement_currency")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.PluginTimeout < 0 {
		return fmt.Errorf("config: plugin_timeout %s is negative", c.PluginTimeout)
	}

	if len(missing) > 0 {
		return fmt.Errorf("config: missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Level parses LogLevel. An empty level is info.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return lvl, fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}
	return lvl, nil
}

// setString overwrites *dst with the environment variable when it is set.
func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
