// internal/broker/framer_test.go
package broker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResponseBufferDetectsSentinel(t *testing.T) {
	var r responseBuffer

	require.False(t, r.push([]byte("#START\r\nok")))
	require.True(t, r.push([]byte("\r\n#STOP\r\n")))
}

func TestResponseBufferSentinelSpansChunks(t *testing.T) {
	var r responseBuffer

	require.False(t, r.push([]byte("#START\r\nok\r")))
	require.False(t, r.push([]byte("\n#STO")))
	require.True(t, r.push([]byte("P\r\n")))
}

func TestResponseBufferResets(t *testing.T) {
	var r responseBuffer

	require.True(t, r.push([]byte("#START\r\nok\r\n#STOP\r\n")))
	r.reset()

	// A bare terminator line is not a full sentinel on a fresh reply.
	require.False(t, r.push([]byte("#STOP\r\n")))
	require.True(t, r.push([]byte("\r\n#STOP\r\n")))
}

func TestCommandQueueOrder(t *testing.T) {
	var q commandQueue

	require.Nil(t, q.pop())

	q.push(&pendingCommand{handle: 1})
	q.push(&pendingCommand{handle: 2})
	q.push(&pendingCommand{handle: 3})
	require.Equal(t, 3, q.length)

	require.Equal(t, uint64(1), q.pop().handle)
	require.Equal(t, uint64(2), q.pop().handle)

	q.push(&pendingCommand{handle: 4})
	require.Equal(t, uint64(3), q.pop().handle)
	require.Equal(t, uint64(4), q.pop().handle)
	require.Nil(t, q.pop())
	require.Equal(t, 0, q.length)
}
