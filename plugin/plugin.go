// Package plugin defines handler plugins and the registry that loads them by
// name and swaps in a fresh handler table on every reload.
package plugin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/c360/eventrelay/message"
	"github.com/c360/eventrelay/metric"
)

// Event is the extra context passed alongside a message.
type Event struct {
	Category message.Category

	// AccountID identifies the account the stream or webhook belongs to.
	// Favorite handlers use it to tell own favorites from others'.
	AccountID string
}

// Handler processes one message for one category.
type Handler func(ctx context.Context, msg message.Message, ev Event) error

// Plugin is a named unit exposing zero or more handlers keyed by category.
// Plugins that hold resources may also implement io.Closer; the registry
// closes an instance once it has been replaced or dropped.
type Plugin interface {
	Name() string
	Handlers() map[message.Category]Handler
}

// Dependencies are the shared resources handed to providers.
type Dependencies struct {
	Logger     *slog.Logger
	Metrics    metric.MetricsRegistrar
	HTTPClient *http.Client
	AccountID  string
}

// Provider builds a plugin instance from its raw JSON configuration, which
// is nil when the configuration names the plugin without settings.
// Providers must not perform long blocking I/O.
type Provider func(rawConfig json.RawMessage, deps Dependencies) (Plugin, error)

// Func adapts a fixed handler map into a Plugin.
type Func struct {
	PluginName string
	Handle     map[message.Category]Handler
}

// Name returns the plugin name
func (f *Func) Name() string { return f.PluginName }

// Handlers returns the handler map
func (f *Func) Handlers() map[message.Category]Handler { return f.Handle }
