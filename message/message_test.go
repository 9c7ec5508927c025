package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_PreservesLargeIDs(t *testing.T) {
	msg, err := Decode([]byte(`{"id":1180000000000000001,"text":"x"}`))
	require.NoError(t, err)

	data, err := msg.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1180000000000000001,"text":"x"}`, string(data))
}

func TestMessage_ID(t *testing.T) {
	assert.Equal(t, "42", Message{"id_str": "42", "id": 41}.ID())
	assert.Equal(t, "7", Message{"id": float64(7)}.ID())
	assert.Equal(t, "", Message{}.ID())
}

func TestMessage_Navigation(t *testing.T) {
	msg, err := Decode([]byte(`{
		"user": {"screen_name": "bob", "id": 99},
		"extended_entities": {"media": [{"type": "photo"}, 3, {"type": "video"}]}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "bob", msg.Str("user", "screen_name"))
	assert.Equal(t, "99", msg.Str("user", "id"))
	assert.Equal(t, "", msg.Str("user", "missing"))
	assert.Equal(t, "", msg.Str("user", "screen_name", "deeper"))
	assert.Equal(t, "", msg.Str())
	assert.NotNil(t, msg.Object("user"))
	assert.Nil(t, msg.Object("extended_entities", "media"))

	media := msg.Objects("extended_entities", "media")
	require.Len(t, media, 2)
	assert.Equal(t, "video", media[1].Str("type"))
	assert.Nil(t, msg.Objects("user"))
}
