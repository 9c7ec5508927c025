package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360/eventrelay/errors"
	"github.com/c360/eventrelay/message"
)

const backendMemory = "memory"

type memEntry struct {
	id   string
	data []byte
}

type memGroup struct {
	next    int
	pending map[string][]string
	owner   map[string]string
}

// MemoryQueue is an in-process Queue. It has the full consumer-group
// semantics but nothing survives the process.
type MemoryQueue struct {
	opts options

	mu      sync.Mutex
	entries []memEntry
	index   map[string]int
	groups  map[string]*memGroup
	notify  chan struct{}
	closed  bool

	lastMs  int64
	lastSeq int64
	now     func() time.Time
}

// NewMemoryQueue creates an empty in-memory queue
func NewMemoryQueue(opts ...Option) *MemoryQueue {
	return &MemoryQueue{
		opts:   buildOptions(opts),
		index:  make(map[string]int),
		groups: make(map[string]*memGroup),
		notify: make(chan struct{}),
		now:    time.Now,
	}
}

// Add appends payload
func (q *MemoryQueue) Add(_ context.Context, payload message.Message) (string, error) {
	data, err := payload.Encode()
	if err != nil {
		q.opts.record(backendMemory, "add", err)
		return "", errors.WrapInvalid(err, "MemoryQueue", "Add", "encode payload")
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		err := errors.WrapFatal(errors.ErrQueueClosed, "MemoryQueue", "Add", "append entry")
		q.opts.record(backendMemory, "add", err)
		return "", err
	}
	id := q.nextID()
	q.index[id] = len(q.entries)
	q.entries = append(q.entries, memEntry{id: id, data: data})
	close(q.notify)
	q.notify = make(chan struct{})
	q.mu.Unlock()

	q.opts.record(backendMemory, "add", nil)
	return id, nil
}

// nextID returns a strictly increasing "<ms>-<seq>" id. Caller holds mu.
func (q *MemoryQueue) nextID() string {
	ms := q.now().UnixMilli()
	if ms > q.lastMs {
		q.lastMs = ms
		q.lastSeq = 0
	} else {
		q.lastSeq++
	}
	return fmt.Sprintf("%d-%d", q.lastMs, q.lastSeq)
}

// ReadGroup returns the consumer's oldest pending entry, else waits for the
// next entry the group has not seen.
func (q *MemoryQueue) ReadGroup(ctx context.Context, group, consumer string) (Entry, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Entry{}, errors.WrapFatal(errors.ErrQueueClosed, "MemoryQueue", "ReadGroup", "read entry")
		}

		g := q.group(group)
		var picked *memEntry
		if ids := g.pending[consumer]; len(ids) > 0 {
			picked = &q.entries[q.index[ids[0]]]
		} else if g.next < len(q.entries) {
			picked = &q.entries[g.next]
			g.next++
			g.pending[consumer] = append(g.pending[consumer], picked.id)
			g.owner[picked.id] = consumer
		}

		if picked != nil {
			id, data := picked.id, picked.data
			q.mu.Unlock()
			payload, err := message.Decode(data)
			q.opts.record(backendMemory, "read", err)
			if err != nil {
				return Entry{}, err
			}
			return Entry{ID: id, Payload: payload}, nil
		}

		wait := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Entry{}, errors.WrapTransient(ctx.Err(), "MemoryQueue", "ReadGroup", "wait for entry")
		case <-wait:
		}
	}
}

// group returns the named group, creating it at the start of the log.
// Caller holds mu.
func (q *MemoryQueue) group(name string) *memGroup {
	g, ok := q.groups[name]
	if !ok {
		g = &memGroup{
			pending: make(map[string][]string),
			owner:   make(map[string]string),
		}
		q.groups[name] = g
	}
	return g
}

// Ack removes id from the group's pending list
func (q *MemoryQueue) Ack(_ context.Context, group, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	g, ok := q.groups[group]
	if !ok {
		q.opts.record(backendMemory, "ack", nil)
		return false, nil
	}
	consumer, ok := g.owner[id]
	if !ok {
		q.opts.record(backendMemory, "ack", nil)
		return false, nil
	}
	delete(g.owner, id)

	ids := g.pending[consumer]
	for i, pid := range ids {
		if pid == id {
			g.pending[consumer] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(g.pending[consumer]) == 0 {
		delete(g.pending, consumer)
	}
	q.opts.record(backendMemory, "ack", nil)
	return true, nil
}

// Pending lists the ids pending for consumer in group, oldest first
func (q *MemoryQueue) Pending(group, consumer string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	g, ok := q.groups[group]
	if !ok {
		return nil
	}
	return append([]string(nil), g.pending[consumer]...)
}

// Len returns the number of entries ever added
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close wakes blocked readers. Further calls fail with ErrQueueClosed.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.notify)
	}
	return nil
}
