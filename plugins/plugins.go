// Package plugins registers the built-in handler plugins.
package plugins

import (
	"github.com/c360/eventrelay/plugin"
	"github.com/c360/eventrelay/plugins/forward"
	"github.com/c360/eventrelay/plugins/media"
	"github.com/c360/eventrelay/plugins/printer"
)

// Register adds every built-in provider to r
func Register(r *plugin.Registry) error {
	for _, reg := range []*plugin.Registration{
		printer.Registration(),
		media.Registration(),
		forward.Registration(),
	} {
		if err := r.RegisterProvider(reg); err != nil {
			return err
		}
	}
	return nil
}
