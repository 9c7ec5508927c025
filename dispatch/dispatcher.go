// Package dispatch fans a classified message out to every handler bound to
// its categories.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/c360/eventrelay/errors"
	"github.com/c360/eventrelay/message"
	"github.com/c360/eventrelay/metric"
	"github.com/c360/eventrelay/plugin"
)

// TableSource provides the active handler table. *plugin.Registry satisfies it.
type TableSource interface {
	Table() *plugin.Table
}

// Dispatcher invokes handlers in the fixed category order, then in plugin
// load order within a category.
type Dispatcher struct {
	source    TableSource
	accountID string
	logger    *slog.Logger
	metrics   *metric.RelayMetrics
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics sets the relay metrics
func WithMetrics(m *metric.RelayMetrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithAccountID sets the account identity passed to handlers
func WithAccountID(id string) Option {
	return func(d *Dispatcher) {
		d.accountID = id
	}
}

// New creates a dispatcher reading handlers from source
func New(source TableSource, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		source: source,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")
	return d
}

// Dispatch invokes every handler bound to cats. A failing or panicking
// handler is logged and the remaining handlers still run.
func (d *Dispatcher) Dispatch(ctx context.Context, msg message.Message, cats message.CategorySet) {
	_ = d.run(ctx, d.source.Table(), msg, cats, false)
}

// Invoke is Dispatch for callers that must know whether every handler
// succeeded, such as queue consumers deciding whether to acknowledge. All
// handlers still run; the failures are joined.
func (d *Dispatcher) Invoke(ctx context.Context, msg message.Message, cats message.CategorySet) error {
	return d.run(ctx, d.source.Table(), msg, cats, true)
}

func (d *Dispatcher) run(ctx context.Context, table *plugin.Table, msg message.Message, cats message.CategorySet, collect bool) error {
	var errs []error
	for _, c := range message.DispatchOrder {
		if !cats.Has(c) || !c.Dispatchable() {
			continue
		}
		ev := plugin.Event{Category: c, AccountID: d.accountFor(msg)}
		for _, b := range table.Handlers(c) {
			if ctx.Err() != nil {
				if collect {
					errs = append(errs, ctx.Err())
				}
				return errors.Join(errs...)
			}
			if err := d.call(ctx, b, msg, ev); err != nil && collect {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// accountFor prefers the account named by a webhook body over the
// configured identity.
func (d *Dispatcher) accountFor(msg message.Message) string {
	if id := msg.Str("for_user_id"); id != "" {
		return id
	}
	return d.accountID
}

func (d *Dispatcher) call(ctx context.Context, b plugin.Binding, msg message.Message, ev plugin.Event) (err error) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic: %v", errors.ErrHandlerFailed, rec)
			d.logger.Error("Handler panicked",
				"plugin", b.Plugin,
				"category", b.Category.String(),
				"message_id", msg.ID(),
				"panic", rec,
				"stack", string(debug.Stack()))
		} else if err != nil {
			err = fmt.Errorf("%w: %s/%s: %w", errors.ErrHandlerFailed, b.Plugin, b.Category, err)
			d.logger.Error("Handler failed",
				"plugin", b.Plugin,
				"category", b.Category.String(),
				"message_id", msg.ID(),
				"error", err)
		}
		d.metrics.RecordHandler(b.Plugin, b.Category.String(), err, time.Since(start).Seconds())
	}()

	return b.Handler(ctx, msg, ev)
}
