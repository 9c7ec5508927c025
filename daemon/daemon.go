// Package daemon runs the streaming loop: it keeps one upstream connection
// open, classifies every line and dispatches payload messages to plugins.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/eventrelay/errors"
	"github.com/c360/eventrelay/health"
	"github.com/c360/eventrelay/message"
	"github.com/c360/eventrelay/metric"
	"github.com/c360/eventrelay/plugin"
	"github.com/c360/eventrelay/stream"
)

// DefaultRetryDelay is the fixed pause before reopening a failed stream
const DefaultRetryDelay = 10 * time.Second

// HealthComponent names the daemon in health reports
const HealthComponent = "stream"

// State is the daemon loop state
type State int32

// Loop states
const (
	Idle State = iota
	Running
	Recovering
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Recovering:
		return "recovering"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Conn is the upstream connection. *stream.Connection satisfies it.
// Session binds a reader to the transport opened by the last Open.
type Conn interface {
	Open(ctx context.Context) error
	Session() (stream.LineReader, error)
	Close() error
}

// Dispatcher delivers classified messages. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg message.Message, cats message.CategorySet)
}

// Reloader rebuilds the plugin set. *plugin.Registry satisfies it.
type Reloader interface {
	Reload(ctx context.Context, names []string, configs map[string]json.RawMessage) plugin.ReloadReport
}

type reloadRequest struct {
	names   []string
	configs map[string]json.RawMessage
	done    chan plugin.ReloadReport
}

type readResult struct {
	line []byte
	err  error
}

type outcome int

const (
	outcomeStopped outcome = iota
	outcomeReconnect
	outcomeFatal
	outcomeFailed
)

// Daemon owns the connection and the dispatch path. All connection calls
// and all dispatches happen on the goroutine running Run.
type Daemon struct {
	conn       Conn
	dispatcher Dispatcher
	registry   Reloader
	classifier *message.Classifier
	retryDelay time.Duration
	logger     *slog.Logger
	metrics    *metric.RelayMetrics
	health     *health.Monitor

	state   atomic.Int32
	reloads chan reloadRequest

	mu       sync.Mutex
	loopDone chan struct{}
}

// Option configures a Daemon
type Option func(*Daemon)

// WithRetryDelay sets the pause between reopen attempts
func WithRetryDelay(d time.Duration) Option {
	return func(dm *Daemon) {
		if d >= 0 {
			dm.retryDelay = d
		}
	}
}

// WithClassifier replaces the default classifier
func WithClassifier(c *message.Classifier) Option {
	return func(dm *Daemon) {
		if c != nil {
			dm.classifier = c
		}
	}
}

// WithRegistry enables Reload
func WithRegistry(r Reloader) Option {
	return func(dm *Daemon) {
		dm.registry = r
	}
}

// WithLogger sets the daemon logger
func WithLogger(logger *slog.Logger) Option {
	return func(dm *Daemon) {
		if logger != nil {
			dm.logger = logger
		}
	}
}

// WithMetrics sets the relay metrics
func WithMetrics(m *metric.RelayMetrics) Option {
	return func(dm *Daemon) {
		dm.metrics = m
	}
}

// WithHealth reports loop state to m
func WithHealth(m *health.Monitor) Option {
	return func(dm *Daemon) {
		dm.health = m
	}
}

// New creates an idle daemon
func New(conn Conn, dispatcher Dispatcher, opts ...Option) *Daemon {
	d := &Daemon{
		conn:       conn,
		dispatcher: dispatcher,
		classifier: message.NewClassifier(),
		retryDelay: DefaultRetryDelay,
		logger:     slog.Default(),
		reloads:    make(chan reloadRequest),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "daemon")
	return d
}

// State returns the current loop state
func (d *Daemon) State() State {
	return State(d.state.Load())
}

func (d *Daemon) setState(s State) {
	if prev := State(d.state.Swap(int32(s))); prev != s {
		d.logger.Debug("Daemon state changed", "from", prev.String(), "to", s.String())
	}
}

// Run streams until ctx is cancelled, which returns nil, or until a fatal
// condition: the upstream rejecting the request or sending a disconnect
// other than the reconnect code. Every other failure is retried forever
// after the retry delay.
func (d *Daemon) Run(ctx context.Context) (err error) {
	d.mu.Lock()
	if d.loopDone != nil {
		d.mu.Unlock()
		return errors.WrapInvalid(errors.New("daemon already running"), "Daemon", "Run", "start loop")
	}
	loopDone := make(chan struct{})
	d.loopDone = loopDone
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.loopDone = nil
		d.mu.Unlock()
		close(loopDone)
		d.setState(Stopped)
		if err != nil {
			d.health.UpdateUnhealthy(HealthComponent, health.Sanitize(err.Error()))
		} else {
			d.health.UpdateUnhealthy(HealthComponent, "stopped")
		}
		d.logger.Info("Daemon stopped")
	}()

	d.setState(Running)
	d.health.UpdateDegraded(HealthComponent, "connecting")
	d.logger.Info("Daemon started", "retry_delay", d.retryDelay)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := d.conn.Open(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.IsFatal(err) {
				d.logger.Error("Stream open failed permanently", "error", err)
				return err
			}
			if !d.backoff(ctx, "open_error", err) {
				return nil
			}
			continue
		}
		d.setState(Running)
		d.health.UpdateHealthy(HealthComponent, "streaming")

		result, err := d.session(ctx)
		d.closeConn()

		switch result {
		case outcomeStopped:
			return nil
		case outcomeReconnect:
			d.metrics.RecordReconnect("disconnect")
		case outcomeFatal:
			d.logger.Error("Upstream sent fatal disconnect", "error", err)
			return err
		case outcomeFailed:
			if !d.backoff(ctx, "read_error", err) {
				return nil
			}
		}
	}
}

// session reads lines from one open connection until it has to end. A
// reader goroutine feeds lines over a channel so the loop can also serve
// reloads and cancellation while a read is pending.
func (d *Daemon) session(ctx context.Context) (outcome, error) {
	reader, err := d.conn.Session()
	if err != nil {
		return outcomeFailed, err
	}

	lines := make(chan readResult)
	sessionDone := make(chan struct{})
	defer close(sessionDone)

	go func() {
		for {
			r := readOnce(reader)
			select {
			case lines <- r:
			case <-sessionDone:
				return
			}
			if r.err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return outcomeStopped, nil

		case req := <-d.reloads:
			req.done <- d.registry.Reload(ctx, req.names, req.configs)

		case r := <-lines:
			if r.err != nil {
				if r.err == io.EOF {
					return outcomeFailed, errors.WrapTransient(fmt.Errorf("%w: stream ended", errors.ErrConnectionLost), "Daemon", "session", "read line")
				}
				return outcomeFailed, r.err
			}
			d.metrics.RecordLine()

			if result, err := d.handleLine(ctx, r.line); result != nil {
				return *result, err
			}
		}
	}
}

// readOnce reads one line. A panicking transport ends the session like a
// read error.
func readOnce(reader stream.LineReader) (res readResult) {
	defer func() {
		if p := recover(); p != nil {
			res = readResult{err: errors.WrapTransient(
				fmt.Errorf("%w: read panicked: %v", errors.ErrConnectionLost, p), "Daemon", "session", "read line")}
		}
	}()
	line, err := reader.ReadLine()
	return readResult{line: line, err: err}
}

// handleLine classifies and dispatches one line. A non-nil outcome ends the
// session.
func (d *Daemon) handleLine(ctx context.Context, line []byte) (*outcome, error) {
	res := d.classifier.Classify(line)
	d.metrics.RecordClassified(res.Kind.String())

	switch res.Kind {
	case message.Drop:
		switch {
		case res.Err != nil:
			d.logger.Warn("Dropping undecodable line", "error", res.Err, "bytes", len(line))
		case res.Warning:
			d.logger.Warn("Upstream warning",
				"code", res.Message.Str("warning", "code"),
				"message", res.Message.Str("warning", "message"))
		}
		return nil, nil

	case message.Reconnect:
		d.logger.Info("Upstream requested reconnect", "code", res.DisconnectCode, "reason", res.Reason)
		o := outcomeReconnect
		return &o, nil

	case message.Fatal:
		o := outcomeFatal
		return &o, errors.WrapFatal(
			fmt.Errorf("%w: code %d: %s", errors.ErrFatalDisconnect, res.DisconnectCode, res.Reason),
			"Daemon", "Run", "handle disconnect")

	default:
		d.dispatcher.Dispatch(ctx, res.Message, res.Categories)
		return nil, nil
	}
}

// backoff logs err and waits the retry delay. It returns false when ctx
// ended during the wait.
func (d *Daemon) backoff(ctx context.Context, reason string, err error) bool {
	d.setState(Recovering)
	d.health.UpdateDegraded(HealthComponent, "reconnecting: "+health.Sanitize(err.Error()))
	d.metrics.RecordReconnect(reason)
	d.logger.Error("Stream failed, retrying", "error", err, "retry_in", d.retryDelay)

	timer := time.NewTimer(d.retryDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case req := <-d.reloads:
			req.done <- d.registry.Reload(ctx, req.names, req.configs)
		case <-timer.C:
			return true
		}
	}
}

func (d *Daemon) closeConn() {
	if err := d.conn.Close(); err != nil {
		d.logger.Warn("Closing stream failed", "error", err)
	}
}

// Reload rebuilds the plugin set. While Run is active the request is
// executed on the loop goroutine between two messages, so no dispatch ever
// sees a half-applied reload; otherwise it runs directly.
func (d *Daemon) Reload(ctx context.Context, names []string, configs map[string]json.RawMessage) (plugin.ReloadReport, error) {
	if d.registry == nil {
		return plugin.ReloadReport{}, errors.WrapInvalid(errors.ErrMissingConfig, "Daemon", "Reload", "registry not configured")
	}

	d.mu.Lock()
	loopDone := d.loopDone
	d.mu.Unlock()
	if loopDone == nil {
		return d.registry.Reload(ctx, names, configs), nil
	}

	req := reloadRequest{names: names, configs: configs, done: make(chan plugin.ReloadReport, 1)}
	select {
	case d.reloads <- req:
	case <-loopDone:
		return d.registry.Reload(ctx, names, configs), nil
	case <-ctx.Done():
		return plugin.ReloadReport{}, errors.WrapTransient(ctx.Err(), "Daemon", "Reload", "queue reload")
	}

	select {
	case report := <-req.done:
		return report, nil
	case <-ctx.Done():
		return plugin.ReloadReport{}, errors.WrapTransient(ctx.Err(), "Daemon", "Reload", "wait for reload")
	}
}
