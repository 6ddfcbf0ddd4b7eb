package wire

import (
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCodec(t *testing.T) {
	c, err := NewCodec("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())
	assert.Equal(t, websocket.TextMessage, c.MessageType())

	c, err = NewCodec("cbor")
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, c.MessageType())

	_, err = NewCodec("xml")
	assert.Error(t, err)
}

func TestCBORIsDeterministic(t *testing.T) {
	c, err := NewCodec("cbor")
	require.NoError(t, err)
	cmd := Command{Type: CommandRunPhase, ID: 7, OrderID: "o1", Phase: "PHASE_1", PhaseInstruction: "Please close the box."}

	a, err := c.Marshal(cmd)
	require.NoError(t, err)
	b, err := c.Marshal(cmd)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	var got Command
	require.NoError(t, c.Unmarshal(a, &got))
	assert.Equal(t, cmd, got)
}
