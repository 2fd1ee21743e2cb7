// Package extension provides the Forge extension adapter for Tally.
//
// It implements the forge.Extension interface to integrate the Tally
// engine into a Forge application with DI registration and lifecycle
// management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.tally" or "tally" keys.
package extension

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/tally"
	"github.com/xraph/tally/config"
	"github.com/xraph/tally/store"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "tally"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Group-scoped fiat and settlement ledger"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts Tally as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *tally.Engine
	store      store.Store
	engineOpts []tally.Option
}

// New creates a new Tally Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying Tally engine.
// This is nil until Register is called.
func (e *Extension) Engine() *tally.Engine { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// opens the store, initializes the engine, and registers it in the DI
// container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if e.store == nil {
		s, err := e.storeConfig().Open(context.Background())
		if err != nil {
			return fmt.Errorf("tally: open %s store: %w", e.config.StoreDriver, err)
		}
		e.store = s
	}

	e.engine = tally.New(e.store, e.buildEngineOpts()...)

	return vessel.Provide(fapp.Container(), func() (*tally.Engine, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("tally: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.engine.Start(ctx); err != nil {
			return err
		}
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("tally: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildEngineOpts constructs tally.Option values from the resolved config.
func (e *Extension) buildEngineOpts() []tally.Option {
	opts := make([]tally.Option, 0, len(e.engineOpts)+2)

	opts = append(opts, tally.WithCurrencies(e.config.FiatCurrency, e.config.SettlementCurrency))
	if e.config.PluginTimeout > 0 {
		opts = append(opts, tally.WithPluginTimeout(e.config.PluginTimeout))
	}

	// Pass-through options come last so that they win.
	return append(opts, e.engineOpts...)
}

func (e *Extension) storeConfig() config.StoreConfig {
	return config.StoreConfig{
		Driver:   e.config.StoreDriver,
		DSN:      e.config.StoreDSN,
		Database: e.config.StoreDatabase,
	}
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("tally: configuration is required but not found in config files; " +
				"ensure 'extensions.tally' or 'tally' key exists in your config")
		}
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("tally: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("fiat_currency", e.config.FiatCurrency),
		forge.F("settlement_currency", e.config.SettlementCurrency),
		forge.F("plugin_timeout", e.config.PluginTimeout),
		forge.F("store_driver", e.config.StoreDriver),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()

	for _, key := range []string{"extensions.tally", "tally"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err != nil {
			e.Logger().Warn("tally: failed to bind config",
				forge.F("key", key),
				forge.F("error", err.Error()),
			)
			continue
		}
		e.Logger().Debug("tally: loaded config from file", forge.F("key", key))
		return cfg, true
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.FiatCurrency == "" {
		cfg.FiatCurrency = defaults.FiatCurrency
	}
	if cfg.SettlementCurrency == "" {
		cfg.SettlementCurrency = defaults.SettlementCurrency
	}
	if cfg.PluginTimeout == 0 {
		cfg.PluginTimeout = defaults.PluginTimeout
	}
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = defaults.StoreDriver
	}
	if cfg.StoreDatabase == "" {
		cfg.StoreDatabase = defaults.StoreDatabase
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}

	fill := func(dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
		}
	}
	fill(&yamlConfig.FiatCurrency, programmaticConfig.FiatCurrency)
	fill(&yamlConfig.SettlementCurrency, programmaticConfig.SettlementCurrency)
	fill(&yamlConfig.StoreDriver, programmaticConfig.StoreDriver)
	fill(&yamlConfig.StoreDSN, programmaticConfig.StoreDSN)
	fill(&yamlConfig.StoreDatabase, programmaticConfig.StoreDatabase)

	if yamlConfig.PluginTimeout == 0 && programmaticConfig.PluginTimeout != 0 {
		yamlConfig.PluginTimeout = programmaticConfig.PluginTimeout
	}

	return mergeWithDefaults(yamlConfig)
}
