package natsclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// ClientOption configures a Client before it connects
type ClientOption func(*Client) error

// WithMaxReconnects bounds reconnect attempts; -1 retries forever
func WithMaxReconnects(n int) ClientOption {
	return func(c *Client) error {
		c.natsOpts = append(c.natsOpts, nats.MaxReconnects(n))
		return nil
	}
}

// WithReconnectWait sets the pause between reconnect attempts
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.natsOpts = append(c.natsOpts, nats.ReconnectWait(d))
		return nil
	}
}

// WithTimeout sets the dial timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		c.natsOpts = append(c.natsOpts, nats.Timeout(d))
		return nil
	}
}

// WithLogger sets the client logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithAuth authenticates with a token, or with user and password. Empty
// values are ignored.
func WithAuth(user, password, token string) ClientOption {
	return func(c *Client) error {
		if user != "" {
			c.natsOpts = append(c.natsOpts, nats.UserInfo(user, password))
		}
		if token != "" {
			c.natsOpts = append(c.natsOpts, nats.Token(token))
		}
		return nil
	}
}

// WithName sets the connection name shown in server monitoring
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.natsOpts = append(c.natsOpts, nats.Name(name))
		return nil
	}
}

// WithStateHandler is called on every connection state change after the
// first connect. err carries the disconnect cause when there is one.
func WithStateHandler(fn func(status ConnectionStatus, err error)) ClientOption {
	return func(c *Client) error {
		c.onState = fn
		return nil
	}
}
