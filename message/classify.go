package message

import (
	"bytes"
	"strconv"
)

// ReconnectCode is the disconnect code after which the upstream expects the
// client to reconnect. Every other disconnect code is fatal.
const ReconnectCode = 12

// Kind is the classifier's verdict for one raw line.
type Kind int

const (
	// Drop discards the line: keep-alive, warning, or undecodable input.
	Drop Kind = iota
	// Reconnect asks the caller to close and reopen the stream.
	Reconnect
	// Fatal asks the caller to stop the process.
	Fatal
	// Deliver hands the message to the dispatcher.
	Deliver
)

func (k Kind) String() string {
	switch k {
	case Drop:
		return "drop"
	case Reconnect:
		return "reconnect"
	case Fatal:
		return "fatal"
	case Deliver:
		return "deliver"
	default:
		return "unknown"
	}
}

// Result is the outcome of classifying one line.
type Result struct {
	Kind       Kind
	Message    Message
	Categories CategorySet

	// DisconnectCode and Reason are set for Reconnect and Fatal.
	DisconnectCode int
	Reason         string

	// Warning is set when the upstream sent a stall warning.
	Warning bool

	// Err is set when the line could not be decoded.
	Err error
}

// Classifier turns raw lines into classification results.
type Classifier struct {
	reconnectCode int
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithReconnectCode overrides the disconnect code treated as reconnectable.
func WithReconnectCode(code int) ClassifierOption {
	return func(c *Classifier) {
		c.reconnectCode = code
	}
}

// NewClassifier creates a classifier using ReconnectCode unless overridden.
func NewClassifier(opts ...ClassifierOption) *Classifier {
	c := &Classifier{reconnectCode: ReconnectCode}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var defaultClassifier = NewClassifier()

// Classify classifies line with the default reconnect code.
func Classify(line []byte) Result {
	return defaultClassifier.Classify(line)
}

// Classify decides what to do with one line. Control messages take
// precedence over payload categories.
func (c *Classifier) Classify(line []byte) Result {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Result{Kind: Drop}
	}

	msg, err := Decode(line)
	if err != nil {
		return Result{Kind: Drop, Err: err}
	}

	if msg.Has("disconnect") {
		code, reason := disconnectInfo(msg)
		kind := Fatal
		if code == c.reconnectCode {
			kind = Reconnect
		}
		return Result{Kind: kind, Message: msg, DisconnectCode: code, Reason: reason}
	}

	if msg.Has("warning") {
		return Result{Kind: Drop, Message: msg, Warning: true}
	}

	return Result{Kind: Deliver, Message: msg, Categories: Categorize(msg)}
}

// disconnectInfo extracts the code and reason. A missing or malformed code
// yields -1, which is never the reconnect code.
func disconnectInfo(msg Message) (int, string) {
	d := msg.Object("disconnect")
	if d == nil {
		return -1, ""
	}
	code, err := strconv.Atoi(d.Str("code"))
	if err != nil {
		return -1, d.Str("reason")
	}
	return code, d.Str("reason")
}
