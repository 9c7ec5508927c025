package queue

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360/eventrelay/errors"
	"github.com/c360/eventrelay/message"
)

const backendRedis = "redis"

// DefaultBlockTimeout bounds each blocking read so cancellation is noticed
const DefaultBlockTimeout = 5 * time.Second

// RedisQueue is a Queue on a Redis stream. Each entry stores the JSON
// payload under a single field; groups are Redis consumer groups created at
// the start of the stream.
type RedisQueue struct {
	rdb    redis.UniversalClient
	stream string
	field  string
	block  time.Duration
	opts   options
	closed atomic.Bool
}

// NewRedisQueue wraps an existing client. The queue owns the client and
// closes it in Close.
func NewRedisQueue(rdb redis.UniversalClient, stream, field string, block time.Duration, opts ...Option) *RedisQueue {
	if block <= 0 {
		block = DefaultBlockTimeout
	}
	if field == "" {
		field = "event"
	}
	return &RedisQueue{
		rdb:    rdb,
		stream: stream,
		field:  field,
		block:  block,
		opts:   buildOptions(opts),
	}
}

// Add appends payload with XADD
func (q *RedisQueue) Add(ctx context.Context, payload message.Message) (string, error) {
	data, err := payload.Encode()
	if err != nil {
		q.opts.record(backendRedis, "add", err)
		return "", errors.WrapInvalid(err, "RedisQueue", "Add", "encode payload")
	}

	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{q.field: string(data)},
	}).Result()
	q.opts.record(backendRedis, "add", err)
	if err != nil {
		return "", q.wrap(err, "Add", "xadd")
	}
	return id, nil
}

// ensureGroup creates group at the start of the stream, creating the stream
// too. An existing group is not an error.
func (q *RedisQueue) ensureGroup(ctx context.Context, group string) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return q.wrap(err, "ReadGroup", "create group")
	}
	return nil
}

// ReadGroup reads the consumer's pending entries (id 0) and then new
// entries (id >), blocking in bounded slices until ctx is done.
func (q *RedisQueue) ReadGroup(ctx context.Context, group, consumer string) (Entry, error) {
	if err := q.ensureGroup(ctx, group); err != nil {
		q.opts.record(backendRedis, "read", err)
		return Entry{}, err
	}

	for {
		entry, ok, err := q.read(ctx, group, consumer, "0", -1)
		if err != nil {
			return Entry{}, err
		}
		if ok {
			return entry, nil
		}

		entry, ok, err = q.read(ctx, group, consumer, ">", q.block)
		if err != nil {
			return Entry{}, err
		}
		if ok {
			return entry, nil
		}
		if ctx.Err() != nil {
			return Entry{}, errors.WrapTransient(ctx.Err(), "RedisQueue", "ReadGroup", "wait for entry")
		}
	}
}

// read issues one XREADGROUP. A negative block omits BLOCK.
func (q *RedisQueue) read(ctx context.Context, group, consumer, id string, block time.Duration) (Entry, bool, error) {
	for {
		streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{q.stream, id},
			Count:    1,
			Block:    block,
		}).Result()
		if stderrors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		if err != nil {
			q.opts.record(backendRedis, "read", err)
			if ctx.Err() != nil {
				return Entry{}, false, errors.WrapTransient(ctx.Err(), "RedisQueue", "ReadGroup", "read entry")
			}
			return Entry{}, false, q.wrap(err, "ReadGroup", "xreadgroup")
		}
		if len(streams) == 0 || len(streams[0].Messages) == 0 {
			return Entry{}, false, nil
		}

		xmsg := streams[0].Messages[0]
		raw, ok := xmsg.Values[q.field]
		if !ok {
			// Trimmed entries come back as pending ids without fields;
			// there is nothing left to process so release them.
			q.opts.logger.Warn("Dropping queue entry without payload",
				"stream", q.stream, "group", group, "id", xmsg.ID)
			if err := q.rdb.XAck(ctx, q.stream, group, xmsg.ID).Err(); err != nil {
				return Entry{}, false, q.wrap(err, "ReadGroup", "xack empty entry")
			}
			continue
		}

		var data []byte
		switch v := raw.(type) {
		case string:
			data = []byte(v)
		case []byte:
			data = v
		default:
			data = []byte(fmt.Sprint(v))
		}
		payload, err := message.Decode(data)
		q.opts.record(backendRedis, "read", err)
		if err != nil {
			// Written by another producer; it would fail on every read.
			q.opts.logger.Warn("Dropping queue entry that is not a JSON object",
				"stream", q.stream, "group", group, "id", xmsg.ID, "error", err)
			if err := q.rdb.XAck(ctx, q.stream, group, xmsg.ID).Err(); err != nil {
				return Entry{}, false, q.wrap(err, "ReadGroup", "xack undecodable entry")
			}
			continue
		}
		return Entry{ID: xmsg.ID, Payload: payload}, true, nil
	}
}

// Ack acknowledges id with XACK
func (q *RedisQueue) Ack(ctx context.Context, group, id string) (bool, error) {
	n, err := q.rdb.XAck(ctx, q.stream, group, id).Result()
	q.opts.record(backendRedis, "ack", err)
	if err != nil {
		if strings.HasPrefix(err.Error(), "NOGROUP") {
			return false, nil
		}
		return false, q.wrap(err, "Ack", "xack")
	}
	return n == 1, nil
}

// Close closes the client
func (q *RedisQueue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	return q.rdb.Close()
}

func (q *RedisQueue) wrap(err error, method, action string) error {
	if q.closed.Load() || stderrors.Is(err, redis.ErrClosed) {
		return errors.WrapFatal(errors.ErrQueueClosed, "RedisQueue", method, action)
	}
	return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrQueueUnavailable, err), "RedisQueue", method, action)
}
