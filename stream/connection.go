package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/eventrelay/errors"
	"github.com/c360/eventrelay/metric"
)

// State is the lifecycle state of a Connection.
type State int

const (
	// Closed means no transport is held.
	Closed State = iota
	// Opening means a dial is in progress.
	Opening
	// Open means a live transport is held and lines can be read.
	Open
	// Closing means the transport is being released.
	Closing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Transport is one live upstream session.
type Transport interface {
	// ReadLine returns the next line without its terminator, or io.EOF when
	// the upstream ended the session.
	ReadLine() ([]byte, error)
	Close() error
}

// Dialer establishes a new Transport.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// UpstreamStatusError reports a non-success response to the stream request.
type UpstreamStatusError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// Unwrap ties the error to errors.ErrUpstreamRejected
func (e *UpstreamStatusError) Unwrap() error {
	return errors.ErrUpstreamRejected
}

// Connection owns at most one live transport at a time.
type Connection struct {
	dialer    Dialer
	state     State
	transport Transport
	logger    *slog.Logger
	metrics   *metric.RelayMetrics
	mu        sync.Mutex
}

// Option configures a Connection
type Option func(*Connection)

// WithLogger sets the connection logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the relay metrics
func WithMetrics(m *metric.RelayMetrics) Option {
	return func(c *Connection) {
		c.metrics = m
	}
}

// NewConnection creates a closed connection using dialer
func NewConnection(dialer Dialer, opts ...Option) *Connection {
	c := &Connection{
		dialer: dialer,
		state:  Closed,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "stream")
	return c
}

// State returns the current state
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.state = s
	c.metrics.RecordConnectionState(int(s))
}

// Open dials the upstream. Opening an already open connection logs a
// warning and does nothing. A rejected request returns a fatal error;
// network failures return a transient one.
func (c *Connection) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Open {
		c.logger.Warn("Stream already open")
		return nil
	}
	if c.state != Closed {
		return errors.WrapInvalid(fmt.Errorf("connection is %s", c.state), "Connection", "Open", "state check")
	}

	c.setState(Opening)
	c.logger.Info("Opening stream")

	t, err := c.dialer.Dial(ctx)
	if err != nil {
		c.setState(Closed)
		var statusErr *UpstreamStatusError
		if errors.As(err, &statusErr) {
			c.logger.Error("Upstream rejected stream request",
				"status", statusErr.StatusCode,
				"body", statusErr.Body)
			return errors.WrapFatal(err, "Connection", "Open", "open stream")
		}
		if errors.IsFatal(err) {
			return errors.Wrap(err, "Connection", "Open", "open stream")
		}
		return errors.WrapTransient(err, "Connection", "Open", "open stream")
	}

	c.transport = t
	c.setState(Open)
	c.logger.Info("Stream open")
	return nil
}

// ReadLine returns the next line from the live transport. It is safe to call
// from a goroutine other than the one calling Close; a concurrent Close makes
// the pending read fail.
func (c *Connection) ReadLine() ([]byte, error) {
	c.mu.Lock()
	t := c.transport
	state := c.state
	c.mu.Unlock()

	if state != Open || t == nil {
		return nil, errors.WrapTransient(errors.ErrNotConnected, "Connection", "ReadLine", "read line")
	}
	return t.ReadLine()
}

// LineReader reads the lines of one session.
type LineReader interface {
	ReadLine() ([]byte, error)
}

// Session returns a reader bound to the transport open right now. Once that
// transport is closed its reads fail, even after the connection is reopened,
// so a reader left over from an earlier session never consumes lines of a
// later one.
func (c *Connection) Session() (LineReader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Open || c.transport == nil {
		return nil, errors.WrapTransient(errors.ErrNotConnected, "Connection", "Session", "bind session")
	}
	return c.transport, nil
}

// Close releases the transport. Closing an already closed connection logs
// a warning and does nothing.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Closed {
		c.logger.Warn("Stream already closed")
		return nil
	}

	c.setState(Closing)
	var err error
	if c.transport != nil {
		err = c.transport.Close()
		c.transport = nil
	}
	c.setState(Closed)
	c.logger.Info("Stream closed")

	if err != nil {
		return errors.WrapTransient(err, "Connection", "Close", "close transport")
	}
	return nil
}
