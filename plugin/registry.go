package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/c360/eventrelay/errors"
	"github.com/c360/eventrelay/message"
	"github.com/c360/eventrelay/metric"
)

// Registration holds a provider and its metadata
type Registration struct {
	Name        string
	Description string
	Provider    Provider
}

// Binding is one handler of one plugin for one category.
type Binding struct {
	Plugin   string
	Category message.Category
	Handler  Handler
}

// Table is an immutable snapshot of every handler, grouped by category in
// plugin load order. Readers never observe a partially built table.
type Table struct {
	bindings map[message.Category][]Binding
	plugins  []string
}

func newTable() *Table {
	t := &Table{bindings: make(map[message.Category][]Binding)}
	for _, c := range message.AllCategories() {
		t.bindings[c] = nil
	}
	return t
}

// Handlers returns the bindings for a category in plugin load order.
func (t *Table) Handlers(c message.Category) []Binding {
	if t == nil {
		return nil
	}
	return t.bindings[c]
}

// Plugins returns the names of the plugins in the table, in load order.
func (t *Table) Plugins() []string {
	if t == nil {
		return nil
	}
	return append([]string(nil), t.plugins...)
}

// Len returns the total number of bindings.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	n := 0
	for _, b := range t.bindings {
		n += len(b)
	}
	return n
}

// ReloadReport summarizes one reload.
type ReloadReport struct {
	Loaded  []string
	Failed  map[string]error
	Removed []string
}

type instance struct {
	plugin     Plugin
	generation int
}

// Registry manages providers and the active handler table.
type Registry struct {
	providers map[string]*Registration
	loaded    map[string]*instance
	table     atomic.Pointer[Table]
	deps      Dependencies
	logger    *slog.Logger
	metrics   *metric.RelayMetrics

	// mu serializes provider registration, reloads and Close.
	mu sync.Mutex
}

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the registry logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithDependencies sets the dependencies handed to every provider
func WithDependencies(deps Dependencies) Option {
	return func(r *Registry) {
		r.deps = deps
	}
}

// WithMetrics sets the relay metrics
func WithMetrics(m *metric.RelayMetrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry creates a registry with an empty handler table
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		providers: make(map[string]*Registration),
		loaded:    make(map[string]*instance),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "plugin-registry")
	if r.deps.Logger == nil {
		r.deps.Logger = r.logger
	}
	r.table.Store(newTable())
	return r
}

// RegisterProvider registers a provider under name
func (r *Registry) RegisterProvider(registration *Registration) error {
	if registration == nil || registration.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterProvider", "provider name validation")
	}
	if registration.Provider == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterProvider", "provider function validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[registration.Name]; exists {
		msg := fmt.Errorf("provider '%s' is already registered", registration.Name)
		return errors.WrapInvalid(msg, "Registry", "RegisterProvider", "duplicate provider check")
	}
	r.providers[registration.Name] = registration
	return nil
}

// Providers lists registered provider names, sorted
func (r *Registry) Providers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Table returns the active handler table
func (r *Registry) Table() *Table {
	return r.table.Load()
}

// Generation returns how many times name has been built, 0 if not loaded
func (r *Registry) Generation(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.loaded[name]; ok {
		return inst.generation
	}
	return 0
}

// Reload rebuilds the handler table from names, in order. Names already
// loaded are rebuilt from their provider; new names are loaded fresh. A name
// whose provider is unknown, fails or panics is logged and skipped without
// affecting the rest. The new table replaces the old one in a single swap,
// after which replaced and dropped instances are closed.
func (r *Registry) Reload(ctx context.Context, names []string, configs map[string]json.RawMessage) ReloadReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := ReloadReport{Failed: make(map[string]error)}
	next := make(map[string]*instance, len(names))
	table := newTable()

	for _, name := range names {
		if ctx.Err() != nil {
			report.Failed[name] = ctx.Err()
			continue
		}
		if _, done := next[name]; done {
			continue
		}

		generation := 1
		if prev, ok := r.loaded[name]; ok {
			generation = prev.generation + 1
		}

		p, err := r.build(name, configs[name])
		if err != nil {
			r.logger.Error("Failed to load plugin", "plugin", name, "error", err)
			r.metrics.RecordPluginLoadFailure(name)
			report.Failed[name] = err
			continue
		}

		next[name] = &instance{plugin: p, generation: generation}
		table.plugins = append(table.plugins, name)
		report.Loaded = append(report.Loaded, name)

		handlers := p.Handlers()
		for _, c := range message.AllCategories() {
			if h, ok := handlers[c]; ok && h != nil {
				table.bindings[c] = append(table.bindings[c], Binding{Plugin: name, Category: c, Handler: h})
			}
		}
	}

	prev := r.loaded
	r.loaded = next
	r.table.Store(table)
	r.metrics.RecordPluginsLoaded(len(next))

	for name, inst := range prev {
		if _, kept := next[name]; !kept {
			report.Removed = append(report.Removed, name)
		}
		r.closeInstance(name, inst.plugin)
	}
	sort.Strings(report.Removed)

	r.logger.Info("Plugins reloaded",
		"loaded", report.Loaded,
		"failed", len(report.Failed),
		"removed", report.Removed,
		"handlers", table.Len())

	return report
}

func (r *Registry) build(name string, raw json.RawMessage) (p Plugin, err error) {
	registration, ok := r.providers[name]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrUnknownProvider, name), "Registry", "Reload", "provider lookup")
	}

	defer func() {
		if rec := recover(); rec != nil {
			p = nil
			err = errors.WrapInvalid(
				fmt.Errorf("%w: panic: %v", errors.ErrPluginLoad, rec), "Registry", "Reload", "build plugin "+name)
		}
	}()

	deps := r.deps
	deps.Logger = r.deps.Logger.With("plugin", name)

	p, err = registration.Provider(raw, deps)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrPluginLoad, err), "Registry", "Reload", "build plugin "+name)
	}
	if p == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: provider returned nil", errors.ErrPluginLoad), "Registry", "Reload", "build plugin "+name)
	}
	return p, nil
}

func (r *Registry) closeInstance(name string, p Plugin) {
	closer, ok := p.(io.Closer)
	if !ok {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Plugin close panicked", "plugin", name, "panic", rec)
		}
	}()
	if err := closer.Close(); err != nil {
		r.logger.Warn("Failed to close plugin", "plugin", name, "error", err)
	}
}

// Close drops every plugin and installs an empty table
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.loaded
	r.loaded = make(map[string]*instance)
	r.table.Store(newTable())
	r.metrics.RecordPluginsLoaded(0)
	for name, inst := range prev {
		r.closeInstance(name, inst.plugin)
	}
}
