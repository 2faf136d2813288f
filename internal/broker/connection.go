// internal/broker/connection.go
package broker

import (
	"bytes"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// commandBufferSize caps how far a single command may grow. A client
// that fills the buffer without sending a newline has violated the
// protocol and is disconnected.
const commandBufferSize = 64

// outboundBufferSize bounds the per-connection reply backlog. A client
// that stops reading its replies is disconnected rather than allowed to
// stall the broker.
const outboundBufferSize = 256

// connection is one accepted client. The broker owns the connection
// table; the reader and writer goroutines only ever touch their own
// connection and report back over the broker's channels.
type connection struct {
	handle uint64
	id     uuid.UUID
	conn   net.Conn
	out    chan []byte
	logger *zap.Logger

	closeOnce sync.Once
}

func newConnection(handle uint64, conn net.Conn, logger *zap.Logger) *connection {
	id := uuid.New()
	return &connection{
		handle: handle,
		id:     id,
		conn:   conn,
		out:    make(chan []byte, outboundBufferSize),
		logger: logger.With(zap.String("connection_id", id.String())),
	}
}

// close releases the connection's resources. Safe to call more than
// once; only the broker loop calls it.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		close(c.out)
	})
}

// readLoop accumulates bytes into the 64-byte command buffer and hands
// every newline-terminated prefix (terminator included) to the broker.
// Bytes beyond a complete command are kept for the next one.
func (c *connection) readLoop(b *Broker) {
	var buf [commandBufferSize]byte
	length := 0

	for {
		n, err := c.conn.Read(buf[length:])
		if n > 0 {
			length += n

			for {
				idx := bytes.IndexByte(buf[:length], '\n')
				if idx < 0 {
					break
				}

				command := make([]byte, idx+1)
				copy(command, buf[:idx+1])
				b.submitCh <- submission{handle: c.handle, command: command}

				copy(buf[:], buf[idx+1:length])
				length -= idx + 1
			}

			if length == commandBufferSize {
				c.logger.Error("Protocol error, command too long.")
				b.closedCh <- c.handle
				return
			}
		}
		if err != nil {
			b.closedCh <- c.handle
			return
		}
	}
}

// writeLoop drains the outbound channel into the socket. On a write
// error it keeps draining so the broker loop can never block on a dead
// client.
func (c *connection) writeLoop(b *Broker) {
	for data := range c.out {
		if _, err := c.conn.Write(data); err != nil {
			b.closedCh <- c.handle
			for range c.out {
			}
			return
		}
	}
}
