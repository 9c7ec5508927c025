package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventrelay/config"
	"github.com/c360/eventrelay/dispatch"
	"github.com/c360/eventrelay/errors"
	"github.com/c360/eventrelay/plugin"
	"github.com/c360/eventrelay/plugins"
)

func TestConsumerSpecs(t *testing.T) {
	cfg := config.Default()
	cfg.Consumers = []config.ConsumerConfig{{Group: "print"}, {Group: "image", Plugins: []string{"media"}}}

	specs, fixed, err := consumerSpecs(&CLIConfig{}, cfg)
	require.NoError(t, err)
	assert.False(t, fixed)
	assert.Len(t, specs, 2)

	specs, fixed, err = consumerSpecs(&CLIConfig{Group: "adhoc", Plugins: []string{"printer"}}, cfg)
	require.NoError(t, err)
	assert.True(t, fixed)
	require.Len(t, specs, 1)
	assert.Equal(t, "adhoc", specs[0].Group)

	cfg.Consumers = nil
	_, _, err = consumerSpecs(&CLIConfig{}, cfg)
	assert.True(t, errors.IsInvalid(err))
}

func TestWorkerReload_PicksPluginsPerGroup(t *testing.T) {
	cfg := config.Default()
	cfg.Plugins = []string{"printer"}
	cfg.Consumers = []config.ConsumerConfig{{Group: "print"}, {Group: "other", Plugins: []string{"nope"}}}

	registry := plugin.NewRegistry()
	require.NoError(t, plugins.Register(registry))
	defer registry.Close()

	w := &worker{spec: cfg.Consumers[0], registry: registry, dispatcher: dispatch.New(registry)}
	report := w.reload(context.Background(), cfg)
	assert.Equal(t, []string{"printer"}, report.Loaded)

	fixed := &worker{
		spec:       config.ConsumerConfig{Group: "adhoc", Plugins: []string{"nope"}},
		fixed:      true,
		registry:   registry,
		dispatcher: dispatch.New(registry),
	}
	report = fixed.reload(context.Background(), cfg)
	assert.Empty(t, report.Loaded)
	assert.Contains(t, report.Failed, "nope")
}
