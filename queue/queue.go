// Package queue provides the durable, append-only event queue that
// decouples webhook intake from background processing.
//
// Every backend offers the same consumer-group contract: entries are never
// removed by reading, each group tracks what it has handed out per consumer,
// and an entry stays pending for that consumer until it is acknowledged.
// ReadGroup always returns the consumer's oldest pending entry before any
// new one, so a consumer that crashed before acknowledging sees the same
// entry again on restart. Delivery is at least once.
package queue

import (
	"context"
	"log/slog"

	"github.com/c360/eventrelay/errors"
	"github.com/c360/eventrelay/health"
	"github.com/c360/eventrelay/message"
	"github.com/c360/eventrelay/metric"
	"github.com/c360/eventrelay/natsclient"
)

// HealthComponent names the queue backend in health reports
const HealthComponent = "queue"

// Entry is one queued payload with its server-assigned id
type Entry struct {
	ID      string
	Payload message.Message
}

// Queue is a durable append-only log with consumer groups
type Queue interface {
	// Add appends payload and returns its id. The entry is durable when Add
	// returns without error.
	Add(ctx context.Context, payload message.Message) (string, error)

	// ReadGroup returns exactly one entry for consumer in group, creating
	// the group on first use. Pending entries come first; otherwise it
	// blocks until a new entry arrives or ctx is done.
	ReadGroup(ctx context.Context, group, consumer string) (Entry, error)

	// Ack removes id from the group's pending list. It reports whether the
	// id was pending, so a repeated Ack returns false.
	Ack(ctx context.Context, group, id string) (bool, error)

	// Close releases backend resources. Blocked ReadGroup calls return
	// ErrQueueClosed.
	Close() error
}

// Option configures a queue backend
type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics *metric.RelayMetrics
	health  *health.Monitor
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the backend logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records queue operations
func WithMetrics(m *metric.RelayMetrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithHealth reports backend failures and recoveries to m
func WithHealth(m *health.Monitor) Option {
	return func(o *options) {
		o.health = m
	}
}

func (o options) record(backend, op string, err error) {
	o.metrics.RecordQueueOp(backend, op, err)
	switch {
	case err == nil:
		o.health.UpdateHealthy(HealthComponent, backend)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, errors.ErrQueueClosed):
	default:
		o.health.UpdateDegraded(HealthComponent, backend+" "+op+": "+health.Sanitize(err.Error()))
	}
}

func (o options) natsState(s natsclient.ConnectionStatus, err error) {
	switch s {
	case natsclient.StatusConnected:
		o.health.UpdateHealthy(HealthComponent, backendJetStream)
	case natsclient.StatusReconnecting:
		msg := backendJetStream + " reconnecting"
		if err != nil {
			msg += ": " + health.Sanitize(err.Error())
		}
		o.health.UpdateDegraded(HealthComponent, msg)
	default:
		o.health.UpdateUnhealthy(HealthComponent, backendJetStream+" "+s.String())
	}
}
