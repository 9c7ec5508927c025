package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/c360/eventrelay/config"
	"github.com/c360/eventrelay/errors"
	"github.com/c360/eventrelay/natsclient"
	"github.com/c360/eventrelay/pkg/retry"
)

// Open builds the backend selected by cfg. Network backends are retried
// briefly so a binary started alongside its broker does not fail at once.
func Open(ctx context.Context, cfg config.QueueConfig, opts ...Option) (Queue, error) {
	o := buildOptions(opts)

	switch cfg.Backend {
	case config.BackendMemory, "":
		return NewMemoryQueue(opts...), nil

	case config.BackendSQLite:
		return NewSQLiteQueue(ctx, cfg.SQLite.Path, cfg.Stream, cfg.SQLite.PollInterval.Std(), opts...)

	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		err := retry.Do(ctx, retry.Quick(), func() error {
			return rdb.Ping(ctx).Err()
		})
		if err != nil {
			_ = rdb.Close()
			return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrQueueUnavailable, err), "queue", "Open", "ping redis")
		}
		o.logger.Info("Queue backend connected", "backend", backendRedis, "addr", cfg.Redis.Addr, "stream", cfg.Stream)
		return NewRedisQueue(rdb, cfg.Stream, cfg.Field, cfg.BlockTimeout.Std(), opts...), nil

	case config.BackendJetStream:
		client, err := natsclient.NewClient(cfg.NATS.URL,
			natsclient.WithLogger(o.logger),
			natsclient.WithName("eventrelay"),
			natsclient.WithAuth(cfg.NATS.User, cfg.NATS.Password, cfg.NATS.Token),
			natsclient.WithStateHandler(o.natsState))
		if err != nil {
			return nil, err
		}
		if err := retry.Do(ctx, retry.Quick(), func() error { return client.Connect(ctx) }); err != nil {
			return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrQueueUnavailable, err), "queue", "Open", "connect nats")
		}
		q, err := NewJetStreamQueue(ctx, client, JetStreamSettings{
			Stream:       cfg.Stream,
			Subject:      cfg.NATS.Subject,
			AckWait:      cfg.NATS.AckWait.Std(),
			BlockTimeout: cfg.BlockTimeout.Std(),
		}, opts...)
		if err != nil {
			_ = client.Close(ctx)
			return nil, err
		}
		o.logger.Info("Queue backend connected", "backend", backendJetStream, "url", cfg.NATS.URL, "stream", cfg.Stream)
		return q, nil

	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: queue backend %q", errors.ErrInvalidConfig, cfg.Backend), "queue", "Open", "select backend")
	}
}
