// Package natsclient manages the NATS connection used by the JetStream
// queue backend.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/eventrelay/errors"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int32

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned when an operation needs a live connection
var ErrNotConnected = stderrors.New("not connected to NATS")

const drainTimeout = 10 * time.Second

// Client owns one NATS connection and its JetStream context
type Client struct {
	url      string
	natsOpts []nats.Option
	onState  func(ConnectionStatus, error)
	logger   *slog.Logger

	status atomic.Int32
	closed atomic.Bool

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream
}

// NewClient validates url and applies opts. It does not dial.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "url validation")
	}

	c := &Client{
		url:    url,
		logger: slog.Default(),
		natsOpts: []nats.Option{
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2 * time.Second),
			nats.PingInterval(30 * time.Second),
			nats.Timeout(5 * time.Second),
			nats.DrainTimeout(drainTimeout),
		},
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("component", "natsclient")
	c.natsOpts = append(c.natsOpts,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if c.closed.Load() {
				return
			}
			c.logger.Warn("NATS disconnected", "error", err)
			c.transition(StatusReconnecting, err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.logger.Info("NATS reconnected")
			c.transition(StatusConnected, nil)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.transition(StatusDisconnected, nil)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.logger.Error("NATS error", "error", err)
		}),
	)
	return c, nil
}

// URL returns the server URL
func (c *Client) URL() string { return c.url }

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	return ConnectionStatus(c.status.Load())
}

func (c *Client) transition(s ConnectionStatus, err error) {
	if ConnectionStatus(c.status.Swap(int32(s))) == s {
		return
	}
	if c.onState != nil {
		c.onState(s, err)
	}
}

// Connect dials the server and opens the JetStream context. Cancelling ctx
// abandons the dial.
func (c *Client) Connect(ctx context.Context) error {
	c.status.Store(int32(StatusConnecting))
	c.logger.Info("Connecting to NATS", "url", c.url)

	type dialed struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan dialed, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.natsOpts...)
		done <- dialed{conn, err}
	}()

	var d dialed
	select {
	case d = <-done:
	case <-ctx.Done():
		c.status.Store(int32(StatusDisconnected))
		go func() {
			if late := <-done; late.conn != nil {
				late.conn.Close()
			}
		}()
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}
	if d.err != nil {
		c.status.Store(int32(StatusDisconnected))
		return errors.WrapTransient(d.err, "Client", "Connect", "establish connection")
	}

	js, err := jetstream.New(d.conn)
	if err != nil {
		d.conn.Close()
		c.status.Store(int32(StatusDisconnected))
		return errors.WrapFatal(err, "Client", "Connect", "init JetStream")
	}

	c.mu.Lock()
	c.conn, c.js = d.conn, js
	c.mu.Unlock()
	c.transition(StatusConnected, nil)
	c.logger.Info("Connected to NATS", "url", c.url)
	return nil
}

// JetStream returns the JetStream context
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

// EnsureStream creates the stream or updates it to match cfg
func (c *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}
	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "EnsureStream", fmt.Sprintf("create stream %s", cfg.Name))
	}
	return stream, nil
}

// Close drains and closes the connection. Safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	if c.closed.Swap(true) {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	c.conn, c.js = nil, nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	drained := make(chan error, 1)
	go func() { drained <- conn.Drain() }()

	select {
	case err := <-drained:
		if err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			conn.Close()
			return errors.WrapTransient(err, "Client", "Close", "drain connection")
		}
	case <-ctx.Done():
		conn.Close()
		return errors.WrapTransient(ctx.Err(), "Client", "Close", "drain connection")
	}

	// Drain finishes asynchronously
	deadline := time.Now().Add(drainTimeout)
	for !conn.IsClosed() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	conn.Close()
	c.status.Store(int32(StatusDisconnected))
	return nil
}
