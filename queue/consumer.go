package queue

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/c360/eventrelay/errors"
	"github.com/c360/eventrelay/health"
	"github.com/c360/eventrelay/pkg/retry"
)

// DefaultFailureDelay spaces out retries after a failed read or handler
const DefaultFailureDelay = time.Second

// Handler processes one entry. Returning an error leaves the entry pending
// so the next read hands it back.
type Handler func(ctx context.Context, entry Entry) error

// Consumer reads one group as one named consumer and acknowledges entries
// only after Handler succeeds.
type Consumer struct {
	Queue        Queue
	Group        string
	Name         string
	Handler      Handler
	FailureDelay time.Duration
	Logger       *slog.Logger
	// Health, when set, receives the consumer state as "consumer/<group>"
	Health *health.Monitor
}

// DefaultConsumerName is the host name, so a restarted process resumes the
// pending entries of its previous run.
func DefaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "eventrelay-consumer"
	}
	return host
}

// Run processes entries until ctx is cancelled (returns nil) or the queue is
// closed (returns the close error).
func (c *Consumer) Run(ctx context.Context) error {
	if c.Queue == nil || c.Handler == nil || c.Group == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Consumer", "Run", "queue, group and handler are required")
	}
	name := c.Name
	if name == "" {
		name = DefaultConsumerName()
	}
	delay := c.FailureDelay
	if delay <= 0 {
		delay = DefaultFailureDelay
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "queue-consumer", "group", c.Group, "consumer", name)
	logger.Info("Consumer started")

	component := "consumer/" + c.Group
	c.Health.UpdateHealthy(component, "consuming")
	defer c.Health.UpdateUnhealthy(component, "stopped")

	for {
		entry, err := c.Queue.ReadGroup(ctx, c.Group, name)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("Consumer stopped")
				return nil
			}
			if errors.Is(err, errors.ErrQueueClosed) {
				return err
			}
			logger.Error("Queue read failed", "error", err)
			c.Health.UpdateDegraded(component, "read failed: "+health.Sanitize(err.Error()))
			if retry.Sleep(ctx, delay) != nil {
				logger.Info("Consumer stopped")
				return nil
			}
			continue
		}

		if err := c.Handler(ctx, entry); err != nil {
			if ctx.Err() != nil {
				logger.Info("Consumer stopped, entry left pending", "id", entry.ID)
				return nil
			}
			logger.Error("Entry processing failed, left pending", "id", entry.ID, "error", err)
			c.Health.UpdateDegraded(component, "entry failed: "+health.Sanitize(err.Error()))
			if retry.Sleep(ctx, delay) != nil {
				logger.Info("Consumer stopped")
				return nil
			}
			continue
		}

		ok, err := c.Queue.Ack(ctx, c.Group, entry.ID)
		switch {
		case err != nil:
			logger.Error("Ack failed, entry will be redelivered", "id", entry.ID, "error", err)
		case !ok:
			logger.Warn("Ack found no pending entry", "id", entry.ID)
		default:
			logger.Debug("Entry processed", "id", entry.ID)
			c.Health.UpdateHealthy(component, "consuming")
		}
	}
}
