package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"
)

// DefaultTimeout bounds each hook call.
const DefaultTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery for O(1) dispatch performance.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Type-cached plugin lists for efficient dispatch
	onInit              []OnInit
	onShutdown          []OnShutdown
	onEntryRecorded     []OnEntryRecorded
	onEntrySkipped      []OnEntrySkipped
	onRatesChanged      []OnRatesChanged
	onPeriodReset       []OnPeriodReset
	onGroupWiped        []OnGroupWiped
	onOperationRejected []OnOperationRejected
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-hook time budget.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnEntryRecorded); ok {
		r.onEntryRecorded = append(r.onEntryRecorded, v)
	}
	if v, ok := p.(OnEntrySkipped); ok {
		r.onEntrySkipped = append(r.onEntrySkipped, v)
	}
	if v, ok := p.(OnRatesChanged); ok {
		r.onRatesChanged = append(r.onRatesChanged, v)
	}
	if v, ok := p.(OnPeriodReset); ok {
		r.onPeriodReset = append(r.onPeriodReset, v)
	}
	if v, ok := p.(OnGroupWiped); ok {
		r.onGroupWiped = append(r.onGroupWiped, v)
	}
	if v, ok := p.(OnOperationRejected); ok {
		r.onOperationRejected = append(r.onOperationRejected, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implementedInterfaces(p),
	)

	return nil
}

var hookTypes = []struct {
	name string
	typ  reflect.Type
}{
	{"OnInit", reflect.TypeOf((*OnInit)(nil)).Elem()},
	{"OnShutdown", reflect.TypeOf((*OnShutdown)(nil)).Elem()},
	{"OnEntryRecorded", reflect.TypeOf((*OnEntryRecorded)(nil)).Elem()},
	{"OnEntrySkipped", reflect.TypeOf((*OnEntrySkipped)(nil)).Elem()},
	{"OnRatesChanged", reflect.TypeOf((*OnRatesChanged)(nil)).Elem()},
	{"OnPeriodReset", reflect.TypeOf((*OnPeriodReset)(nil)).Elem()},
	{"OnGroupWiped", reflect.TypeOf((*OnGroupWiped)(nil)).Elem()},
	{"OnOperationRejected", reflect.TypeOf((*OnOperationRejected)(nil)).Elem()},
}

// implementedInterfaces returns the hook names the plugin implements.
func implementedInterfaces(p Plugin) []string {
	var names []string
	v := reflect.TypeOf(p)
	for _, h := range hookTypes {
		if v.Implements(h.typ) {
			names = append(names, h.name)
		}
	}
	return names
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine interface{}) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, p.Name(), "OnInit", func() error {
			return p.OnInit(ctx, engine)
		})
	}
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, p.Name(), "OnShutdown", func() error {
			return p.OnShutdown(ctx)
		})
	}
}

// EmitEntryRecorded emits an entry recorded event.
func (r *Registry) EmitEntryRecorded(ctx context.Context, entry interface{}) {
	r.mu.RLock()
	plugins := r.onEntryRecorded
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, p.Name(), "OnEntryRecorded", func() error {
			return p.OnEntryRecorded(ctx, entry)
		})
	}
}

// EmitEntrySkipped emits an entry skipped event.
func (r *Registry) EmitEntrySkipped(ctx context.Context, target, audit interface{}) {
	r.mu.RLock()
	plugins := r.onEntrySkipped
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, p.Name(), "OnEntrySkipped", func() error {
			return p.OnEntrySkipped(ctx, target, audit)
		})
	}
}

// EmitRatesChanged emits a rates changed event.
func (r *Registry) EmitRatesChanged(ctx context.Context, groupID string, rates interface{}) {
	r.mu.RLock()
	plugins := r.onRatesChanged
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, p.Name(), "OnRatesChanged", func() error {
			return p.OnRatesChanged(ctx, groupID, rates)
		})
	}
}

// EmitPeriodReset emits a period reset event.
func (r *Registry) EmitPeriodReset(ctx context.Context, groupID string, periodStart time.Time) {
	r.mu.RLock()
	plugins := r.onPeriodReset
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, p.Name(), "OnPeriodReset", func() error {
			return p.OnPeriodReset(ctx, groupID, periodStart)
		})
	}
}

// EmitGroupWiped emits a group wiped event.
func (r *Registry) EmitGroupWiped(ctx context.Context, groupID string) {
	r.mu.RLock()
	plugins := r.onGroupWiped
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, p.Name(), "OnGroupWiped", func() error {
			return p.OnGroupWiped(ctx, groupID)
		})
	}
}

// EmitOperationRejected emits an operation rejected event.
func (r *Registry) EmitOperationRejected(ctx context.Context, groupID, op string, err error) {
	r.mu.RLock()
	plugins := r.onOperationRejected
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, p.Name(), "OnOperationRejected", func() error {
			return p.OnOperationRejected(ctx, groupID, op, err)
		})
	}
}

func (r *Registry) dispatch(ctx context.Context, pluginName, hook string, fn func() error) {
	if err := r.callWithTimeout(ctx, pluginName, fn); err != nil {
		r.logger.Warn("plugin "+hook+" failed",
			"plugin", pluginName,
			"error", err,
		)
	}
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the ledger.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
