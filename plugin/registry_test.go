package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventrelay/errors"
	"github.com/c360/eventrelay/message"
)

type closingPlugin struct {
	Func
	closed *atomic.Int32
}

func (p *closingPlugin) Close() error {
	p.closed.Add(1)
	return nil
}

func noop(context.Context, message.Message, Event) error { return nil }

func staticProvider(name string, cats ...message.Category) Provider {
	return func(json.RawMessage, Dependencies) (Plugin, error) {
		handlers := make(map[message.Category]Handler)
		for _, c := range cats {
			handlers[c] = noop
		}
		return &Func{PluginName: name, Handle: handlers}, nil
	}
}

func newTestRegistry(t *testing.T, regs ...*Registration) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, reg := range regs {
		require.NoError(t, r.RegisterProvider(reg))
	}
	return r
}

func pluginsFor(table *Table, c message.Category) []string {
	var names []string
	for _, b := range table.Handlers(c) {
		names = append(names, b.Plugin)
	}
	return names
}

func TestRegistry_RegisterProvider(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.RegisterProvider(&Registration{Name: "a", Provider: staticProvider("a")}))

	err := r.RegisterProvider(&Registration{Name: "a", Provider: staticProvider("a")})
	assert.True(t, errors.IsInvalid(err))

	assert.Error(t, r.RegisterProvider(&Registration{Name: "", Provider: staticProvider("x")}))
	assert.Error(t, r.RegisterProvider(&Registration{Name: "b"}))
	assert.Error(t, r.RegisterProvider(nil))
	assert.Equal(t, []string{"a"}, r.Providers())
}

func TestRegistry_EmptyTableBeforeReload(t *testing.T) {
	r := NewRegistry()
	table := r.Table()
	require.NotNil(t, table)
	assert.Equal(t, 0, table.Len())
	assert.Empty(t, table.Handlers(message.Primary))
}

func TestRegistry_ReloadBuildsTableInOrder(t *testing.T) {
	r := newTestRegistry(t,
		&Registration{Name: "a", Provider: staticProvider("a", message.Any, message.Primary)},
		&Registration{Name: "b", Provider: staticProvider("b", message.Primary, message.Deletion)},
	)

	report := r.Reload(context.Background(), []string{"b", "a"}, nil)
	assert.Equal(t, []string{"b", "a"}, report.Loaded)
	assert.Empty(t, report.Failed)

	table := r.Table()
	assert.Equal(t, []string{"b", "a"}, table.Plugins())
	assert.Equal(t, []string{"b", "a"}, pluginsFor(table, message.Primary))
	assert.Equal(t, []string{"a"}, pluginsFor(table, message.Any))
	assert.Equal(t, []string{"b"}, pluginsFor(table, message.Deletion))
	assert.Equal(t, 4, table.Len())
}

func TestRegistry_ReloadDropsUnnamedPlugins(t *testing.T) {
	var closedA, closedB atomic.Int32
	closing := func(name string, counter *atomic.Int32) Provider {
		return func(json.RawMessage, Dependencies) (Plugin, error) {
			return &closingPlugin{
				Func:   Func{PluginName: name, Handle: map[message.Category]Handler{message.Primary: noop}},
				closed: counter,
			}, nil
		}
	}
	r := newTestRegistry(t,
		&Registration{Name: "a", Provider: closing("a", &closedA)},
		&Registration{Name: "b", Provider: closing("b", &closedB)},
	)

	r.Reload(context.Background(), []string{"a", "b"}, nil)
	old := r.Table()

	report := r.Reload(context.Background(), []string{"b"}, nil)
	assert.Equal(t, []string{"a"}, report.Removed)
	assert.Equal(t, []string{"b"}, pluginsFor(r.Table(), message.Primary))

	// a was dropped, b was replaced by a new instance
	assert.Equal(t, int32(1), closedA.Load())
	assert.Equal(t, int32(1), closedB.Load())

	// a snapshot taken before the swap is unchanged
	assert.Equal(t, []string{"a", "b"}, pluginsFor(old, message.Primary))
}

func TestRegistry_ReloadIsolatesFailures(t *testing.T) {
	failing := func(json.RawMessage, Dependencies) (Plugin, error) {
		return nil, fmt.Errorf("missing credentials")
	}
	panicking := func(json.RawMessage, Dependencies) (Plugin, error) {
		panic("boom")
	}
	nilPlugin := func(json.RawMessage, Dependencies) (Plugin, error) {
		return nil, nil
	}

	r := newTestRegistry(t,
		&Registration{Name: "good", Provider: staticProvider("good", message.Primary)},
		&Registration{Name: "failing", Provider: failing},
		&Registration{Name: "panicking", Provider: panicking},
		&Registration{Name: "nil", Provider: nilPlugin},
		&Registration{Name: "late", Provider: staticProvider("late", message.Primary)},
	)

	report := r.Reload(context.Background(), []string{"good", "failing", "panicking", "nil", "missing", "late"}, nil)

	assert.Equal(t, []string{"good", "late"}, report.Loaded)
	require.Len(t, report.Failed, 4)
	assert.ErrorIs(t, report.Failed["failing"], errors.ErrPluginLoad)
	assert.ErrorIs(t, report.Failed["panicking"], errors.ErrPluginLoad)
	assert.ErrorIs(t, report.Failed["nil"], errors.ErrPluginLoad)
	assert.ErrorIs(t, report.Failed["missing"], errors.ErrUnknownProvider)
	assert.Equal(t, []string{"good", "late"}, pluginsFor(r.Table(), message.Primary))
}

func TestRegistry_ReloadFailureDropsPreviousInstance(t *testing.T) {
	fail := false
	flaky := func(json.RawMessage, Dependencies) (Plugin, error) {
		if fail {
			return nil, fmt.Errorf("broken on reload")
		}
		return &Func{PluginName: "flaky", Handle: map[message.Category]Handler{message.Any: noop}}, nil
	}
	r := newTestRegistry(t, &Registration{Name: "flaky", Provider: flaky})

	r.Reload(context.Background(), []string{"flaky"}, nil)
	require.Len(t, r.Table().Handlers(message.Any), 1)

	fail = true
	report := r.Reload(context.Background(), []string{"flaky"}, nil)
	assert.Contains(t, report.Failed, "flaky")
	assert.Empty(t, r.Table().Handlers(message.Any))
	assert.Equal(t, 0, r.Generation("flaky"))
}

func TestRegistry_ReloadPassesConfigAndRebuilds(t *testing.T) {
	var seen []string
	provider := func(raw json.RawMessage, deps Dependencies) (Plugin, error) {
		seen = append(seen, string(raw))
		assert.NotNil(t, deps.Logger)
		return &Func{PluginName: "cfg"}, nil
	}
	r := newTestRegistry(t, &Registration{Name: "cfg", Provider: provider})

	r.Reload(context.Background(), []string{"cfg"}, map[string]json.RawMessage{"cfg": json.RawMessage(`{"x":1}`)})
	assert.Equal(t, 1, r.Generation("cfg"))

	r.Reload(context.Background(), []string{"cfg", "cfg"}, nil)
	assert.Equal(t, 2, r.Generation("cfg"))
	assert.Equal(t, []string{`{"x":1}`, ""}, seen)
	assert.Equal(t, []string{"cfg"}, r.Table().Plugins())
}

func TestRegistry_Close(t *testing.T) {
	var closed atomic.Int32
	r := newTestRegistry(t, &Registration{Name: "c", Provider: func(json.RawMessage, Dependencies) (Plugin, error) {
		return &closingPlugin{Func: Func{PluginName: "c"}, closed: &closed}, nil
	}})

	r.Reload(context.Background(), []string{"c"}, nil)
	r.Close()

	assert.Equal(t, int32(1), closed.Load())
	assert.Empty(t, r.Table().Plugins())
	assert.Equal(t, 0, r.Generation("c"))
}
