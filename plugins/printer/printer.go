// Package printer writes every message to a terminal stream. It is the
// simplest useful plugin and doubles as a debugging aid.
package printer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/c360/eventrelay/errors"
	"github.com/c360/eventrelay/message"
	"github.com/c360/eventrelay/plugin"
)

// Name is the provider name
const Name = "printer"

// Config is the printer's plugin configuration
type Config struct {
	// Output is "stdout" (default) or "stderr"
	Output string `json:"output,omitempty"`
	// Brief disables the per-message dump and only prints status lines
	Brief bool `json:"brief,omitempty"`
}

// Printer prints messages
type Printer struct {
	mu    sync.Mutex
	out   io.Writer
	brief bool
	now   func() time.Time
}

// New creates a printer writing to out
func New(out io.Writer) *Printer {
	return &Printer{out: out, now: time.Now}
}

// Registration returns the provider registration
func Registration() *plugin.Registration {
	return &plugin.Registration{
		Name:        Name,
		Description: "print every message as indented JSON and statuses as one line",
		Provider:    provide,
	}
}

func provide(raw json.RawMessage, _ plugin.Dependencies) (plugin.Plugin, error) {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Printer", "provide", "parse config")
		}
	}

	var out io.Writer
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: output %q", errors.ErrInvalidConfig, cfg.Output), "Printer", "provide", "parse config")
	}
	p := New(out)
	p.brief = cfg.Brief
	return p, nil
}

// Name returns the plugin name
func (p *Printer) Name() string { return Name }

// Handlers returns the any and primary handlers
func (p *Printer) Handlers() map[message.Category]plugin.Handler {
	return map[message.Category]plugin.Handler{
		message.Any:     p.PrintAny,
		message.Primary: p.PrintStatus,
	}
}

// PrintAny dumps the whole document with a timestamp header
func (p *Printer) PrintAny(_ context.Context, msg message.Message, _ plugin.Event) error {
	if p.brief {
		return nil
	}
	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return errors.WrapInvalid(err, "Printer", "PrintAny", "encode message")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = fmt.Fprintf(p.out, ">>>>>> %s\n%s\n", p.now().Format(time.RFC3339), data)
	return err
}

// PrintStatus prints "<created_at> <screen_name>: <text>"
func (p *Printer) PrintStatus(_ context.Context, msg message.Message, _ plugin.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := fmt.Fprintf(p.out, ">>>> %s\n%s: %s\n",
		msg.Str("created_at"), msg.Str("user", "screen_name"), msg.Str("text"))
	return err
}
