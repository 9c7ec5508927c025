package queue

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/eventrelay/errors"
	"github.com/c360/eventrelay/message"
	"github.com/c360/eventrelay/natsclient"
)

const backendJetStream = "jetstream"

// DefaultAckWait is how long JetStream waits for an ack before it hands an
// entry to the group again. It only matters after a consumer process dies;
// live consumers keep their pending entries locally.
const DefaultAckWait = time.Hour

type jsGroup struct {
	consumer jetstream.Consumer

	pending map[string][]uint64
	msgs    map[uint64]jetstream.Msg
	owner   map[uint64]string
}

// JetStreamQueue is a Queue on a NATS JetStream stream with one durable
// pull consumer per group. Entry ids are stream sequence numbers.
type JetStreamQueue struct {
	client  *natsclient.Client
	js      jetstream.JetStream
	stream  jetstream.Stream
	subject string
	ackWait time.Duration
	block   time.Duration
	opts    options
	closed  atomic.Bool

	mu     sync.Mutex
	groups map[string]*jsGroup
}

// JetStreamSettings names the stream and subject backing the queue
type JetStreamSettings struct {
	Stream       string
	Subject      string
	AckWait      time.Duration
	BlockTimeout time.Duration
}

// NewJetStreamQueue ensures the stream exists on a connected client. The
// queue takes ownership of the client.
func NewJetStreamQueue(ctx context.Context, client *natsclient.Client, settings JetStreamSettings, opts ...Option) (*JetStreamQueue, error) {
	if settings.Stream == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "JetStreamQueue", "NewJetStreamQueue", "stream name")
	}
	streamName := streamNameFor(settings.Stream)
	subject := settings.Subject
	if subject == "" {
		subject = "eventrelay." + strings.ToLower(streamName)
	}

	stream, err := client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		Discard:   jetstream.DiscardOld,
		Replicas:  1,
	})
	if err != nil {
		return nil, err
	}
	js, err := client.JetStream()
	if err != nil {
		return nil, err
	}

	q := &JetStreamQueue{
		client:  client,
		js:      js,
		stream:  stream,
		subject: subject,
		ackWait: settings.AckWait,
		block:   settings.BlockTimeout,
		opts:    buildOptions(opts),
		groups:  make(map[string]*jsGroup),
	}
	if q.ackWait <= 0 {
		q.ackWait = DefaultAckWait
	}
	if q.block <= 0 {
		q.block = DefaultBlockTimeout
	}
	return q, nil
}

// Add publishes payload and returns its stream sequence
func (q *JetStreamQueue) Add(ctx context.Context, payload message.Message) (string, error) {
	data, err := payload.Encode()
	if err != nil {
		q.opts.record(backendJetStream, "add", err)
		return "", errors.WrapInvalid(err, "JetStreamQueue", "Add", "encode payload")
	}

	ack, err := q.js.Publish(ctx, q.subject, data)
	q.opts.record(backendJetStream, "add", err)
	if err != nil {
		return "", q.wrap(err, "Add", "publish")
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

func (q *JetStreamQueue) group(ctx context.Context, name string) (*jsGroup, error) {
	q.mu.Lock()
	g, ok := q.groups[name]
	q.mu.Unlock()
	if ok {
		return g, nil
	}

	cons, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durableNameFor(name),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.ackWait,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxAckPending: -1,
	})
	if err != nil {
		return nil, q.wrap(err, "ReadGroup", "create consumer")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if g, ok := q.groups[name]; ok {
		return g, nil
	}
	g = &jsGroup{
		consumer: cons,
		pending:  make(map[string][]uint64),
		msgs:     make(map[uint64]jetstream.Msg),
		owner:    make(map[uint64]string),
	}
	q.groups[name] = g
	return g, nil
}

// ReadGroup returns the consumer's oldest locally pending entry, else
// fetches the next one from the group's durable consumer.
func (q *JetStreamQueue) ReadGroup(ctx context.Context, group, consumer string) (Entry, error) {
	if q.closed.Load() {
		return Entry{}, errors.WrapFatal(errors.ErrQueueClosed, "JetStreamQueue", "ReadGroup", "read entry")
	}
	g, err := q.group(ctx, group)
	if err != nil {
		q.opts.record(backendJetStream, "read", err)
		return Entry{}, err
	}

	q.mu.Lock()
	if seqs := g.pending[consumer]; len(seqs) > 0 {
		msg := g.msgs[seqs[0]]
		q.mu.Unlock()
		// Restart the redelivery clock for the entry we hand out again.
		if err := msg.InProgress(); err != nil {
			q.opts.logger.Debug("Failed to extend redelivery deadline",
				"group", group, "seq", seqs[0], "error", err)
		}
		return q.entry(seqs[0], msg)
	}
	q.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return Entry{}, errors.WrapTransient(err, "JetStreamQueue", "ReadGroup", "wait for entry")
		}
		if q.closed.Load() {
			return Entry{}, errors.WrapFatal(errors.ErrQueueClosed, "JetStreamQueue", "ReadGroup", "read entry")
		}

		wait := q.block
		if deadline, ok := ctx.Deadline(); ok {
			if left := time.Until(deadline); left < wait {
				wait = left
			}
		}
		if wait <= 0 {
			wait = time.Millisecond
		}

		batch, err := g.consumer.Fetch(1, jetstream.FetchMaxWait(wait))
		if err != nil {
			if isFetchTimeout(err) {
				continue
			}
			q.opts.record(backendJetStream, "read", err)
			return Entry{}, q.wrap(err, "ReadGroup", "fetch")
		}

		for msg := range batch.Messages() {
			meta, err := msg.Metadata()
			if err != nil {
				q.opts.logger.Warn("Skipping message without metadata", "error", err)
				continue
			}
			seq := meta.Sequence.Stream

			q.mu.Lock()
			if _, held := g.owner[seq]; held {
				// AckWait expired while still pending here; keep the newer
				// delivery handle so Ack reaches the server.
				g.msgs[seq] = msg
				q.mu.Unlock()
				continue
			}
			q.mu.Unlock()

			payload, err := message.Decode(msg.Data())
			q.opts.record(backendJetStream, "read", err)
			if err != nil {
				q.dropUndecodable(group, seq, msg, err)
				continue
			}

			q.mu.Lock()
			g.pending[consumer] = append(g.pending[consumer], seq)
			g.msgs[seq] = msg
			g.owner[seq] = consumer
			q.mu.Unlock()
			return Entry{ID: strconv.FormatUint(seq, 10), Payload: payload}, nil
		}
		if err := batch.Error(); err != nil && !isFetchTimeout(err) {
			q.opts.record(backendJetStream, "read", err)
			return Entry{}, q.wrap(err, "ReadGroup", "fetch batch")
		}
	}
}

func (q *JetStreamQueue) entry(seq uint64, msg jetstream.Msg) (Entry, error) {
	payload, err := message.Decode(msg.Data())
	q.opts.record(backendJetStream, "read", err)
	if err != nil {
		return Entry{}, err
	}
	return Entry{ID: strconv.FormatUint(seq, 10), Payload: payload}, nil
}

// dropUndecodable terminates a message that is not a JSON object so the
// group is not stuck on it forever.
func (q *JetStreamQueue) dropUndecodable(group string, seq uint64, msg jetstream.Msg, cause error) {
	q.opts.logger.Warn("Dropping queue entry that is not a JSON object",
		"stream", q.subject, "group", group, "seq", seq, "error", cause)
	if err := msg.Term(); err != nil {
		q.opts.logger.Debug("Failed to terminate queue entry", "group", group, "seq", seq, "error", err)
	}
}

// Ack acknowledges a locally pending entry and waits for the server to
// confirm it.
func (q *JetStreamQueue) Ack(ctx context.Context, group, id string) (bool, error) {
	seq, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return false, errors.WrapInvalid(fmt.Errorf("%w: entry id %q", errors.ErrInvalidData, id), "JetStreamQueue", "Ack", "parse id")
	}

	q.mu.Lock()
	g, ok := q.groups[group]
	var msg jetstream.Msg
	if ok {
		msg, ok = g.msgs[seq]
	}
	q.mu.Unlock()
	if !ok {
		q.opts.record(backendJetStream, "ack", nil)
		return false, nil
	}

	if err := msg.DoubleAck(ctx); err != nil {
		q.opts.record(backendJetStream, "ack", err)
		return false, q.wrap(err, "Ack", "double ack")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	consumer, ok := g.owner[seq]
	if !ok {
		return false, nil
	}
	delete(g.owner, seq)
	delete(g.msgs, seq)
	seqs := g.pending[consumer]
	for i, s := range seqs {
		if s == seq {
			g.pending[consumer] = append(seqs[:i:i], seqs[i+1:]...)
			break
		}
	}
	if len(g.pending[consumer]) == 0 {
		delete(g.pending, consumer)
	}
	q.opts.record(backendJetStream, "ack", nil)
	return true, nil
}

// Close drains the NATS connection. Unacked entries are redelivered to the
// group after AckWait.
func (q *JetStreamQueue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return q.client.Close(ctx)
}

func (q *JetStreamQueue) wrap(err error, method, action string) error {
	if q.closed.Load() || stderrors.Is(err, nats.ErrConnectionClosed) {
		return errors.WrapFatal(errors.ErrQueueClosed, "JetStreamQueue", method, action)
	}
	return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrQueueUnavailable, err), "JetStreamQueue", method, action)
}

func isFetchTimeout(err error) bool {
	return stderrors.Is(err, nats.ErrTimeout) || stderrors.Is(err, context.DeadlineExceeded)
}

// streamNameFor maps a queue name onto a valid JetStream stream name
func streamNameFor(name string) string {
	return strings.ToUpper(sanitizeToken(name))
}

// durableNameFor maps a group name onto a valid durable consumer name
func durableNameFor(group string) string {
	return sanitizeToken(group)
}

func sanitizeToken(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '.' || r == '*' || r == '>' || r == '/' || r == '\\' || r <= ' ':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
