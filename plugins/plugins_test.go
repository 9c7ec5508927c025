package plugins

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventrelay/plugin"
)

func TestRegister(t *testing.T) {
	r := plugin.NewRegistry()
	require.NoError(t, Register(r))
	assert.ElementsMatch(t, []string{"printer", "media", "forward"}, r.Providers())

	assert.Error(t, Register(r), "second registration collides")
}
