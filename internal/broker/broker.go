// internal/broker/broker.go
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/IRNAS/koruza-controller/internal/config"
)

// DevicePort is the serial device as seen by the broker. Reopen must
// re-apply the line settings captured when the port was first opened;
// RunResetHook may spawn an external recovery executable and waits for
// it to finish.
type DevicePort interface {
	io.ReadWriteCloser
	Reopen() error
	RunResetHook()
}

// portState tracks the serial device lifecycle.
type portState int

const (
	stateReady portState = iota
	stateInFlight
	stateResetting
)

// submission is a complete newline-terminated command from one client.
type submission struct {
	handle  uint64
	command []byte
}

type serialChunk struct {
	gen  int
	data []byte
}

type serialFailure struct {
	gen int
	err error
}

// Broker mediates access to the half-duplex serial device on behalf of
// the clients connected to the unix socket. A single goroutine owns all
// of its state; the listener, every client connection and the serial
// port feed it through channels.
type Broker struct {
	cfg    config.ServerConfig
	logger *zap.Logger
	port   DevicePort

	listener net.Listener

	conns      map[uint64]*connection
	nextHandle uint64

	// active is the handle of the connection owed the in-flight reply,
	// zero when no command is on the device. The handle may no longer
	// resolve to a live connection; the reply is then discarded.
	active uint64
	queue  commandQueue
	resp   responseBuffer
	state  portState

	timer      *time.Timer
	timerArmed bool

	serialGen         int
	warnedUnsolicited bool

	registerCh chan net.Conn
	submitCh   chan submission
	closedCh   chan uint64
	serialRx   chan serialChunk
	serialErr  chan serialFailure
}

// New binds the client listener and prepares the broker around an
// already-opened device port. Any stale socket file at the configured
// path is removed first.
func New(cfg config.ServerConfig, port DevicePort, logger *zap.Logger) (*Broker, error) {
	if err := os.Remove(cfg.Socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket '%s': %w", cfg.Socket, err)
	}

	listener, err := net.Listen("unix", cfg.Socket)
	if err != nil {
		return nil, fmt.Errorf("could not create socket listener: %w", err)
	}

	b := &Broker{
		cfg:      cfg,
		logger:   logger,
		port:     port,
		listener: listener,
		conns:    make(map[uint64]*connection),
		state:    stateReady,

		registerCh: make(chan net.Conn, 16),
		submitCh:   make(chan submission, 64),
		closedCh:   make(chan uint64, 64),
		serialRx:   make(chan serialChunk, 64),
		serialErr:  make(chan serialFailure, 8),
	}

	b.timer = time.NewTimer(cfg.ResponseTimeout)
	if !b.timer.Stop() {
		<-b.timer.C
	}

	return b, nil
}

// Run drives the broker until the context is cancelled. It owns every
// piece of broker state; handlers run to completion on this goroutine.
func (b *Broker) Run(ctx context.Context) error {
	b.logger.Info("KORUZA control daemon starting up.")
	b.logger.Info("Connected to device.", zap.String("device", b.cfg.Device))

	b.startSerialReader()
	go b.acceptLoop()

	b.logger.Info("Entering dispatch loop.")

	defer b.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil

		case conn := <-b.registerCh:
			b.register(conn)

		case sub := <-b.submitCh:
			b.submit(sub.handle, sub.command)

		case handle := <-b.closedCh:
			b.closeConnection(handle)

		case chunk := <-b.serialRx:
			if chunk.gen != b.serialGen {
				continue
			}
			b.handleSerialData(chunk.data)

		case fail := <-b.serialErr:
			if fail.gen != b.serialGen {
				continue
			}
			b.logger.Error("Error event detected on serial port!", zap.Error(fail.err))
			if err := b.reset(b.active != 0); err != nil {
				b.logger.Error("Serial port reset failed.", zap.Error(err))
			}

		case <-b.timer.C:
			b.timerArmed = false
			b.logger.Warn("Timeout while waiting for device response.")
			if err := b.reset(true); err != nil {
				b.logger.Error("Serial port reset failed.", zap.Error(err))
			}
		}
	}
}

func (b *Broker) shutdown() {
	b.listener.Close()
	os.Remove(b.cfg.Socket)
	for handle := range b.conns {
		b.closeConnection(handle)
	}
	b.serialGen++
	b.port.Close()
	b.logger.Info("KORUZA control daemon shutting down.")
}

// acceptLoop hands accepted connections to the broker loop.
func (b *Broker) acceptLoop() {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				b.logger.Error("Failed to accept connection.", zap.Error(err))
			}
			return
		}
		b.registerCh <- conn
	}
}

func (b *Broker) register(netConn net.Conn) {
	b.nextHandle++
	c := newConnection(b.nextHandle, netConn, b.logger)
	b.conns[c.handle] = c

	go c.readLoop(b)
	go c.writeLoop(b)

	b.logger.Info("Accepted new connection.", zap.String("connection_id", c.id.String()))
}

// closeConnection removes the connection and releases its resources.
// The active slot and queue entries keep their handles; a handle that
// no longer resolves discards the bytes destined for it. Queued
// commands from the closed connection are still delivered to the
// device in order.
func (b *Broker) closeConnection(handle uint64) {
	c, ok := b.conns[handle]
	if !ok {
		return
	}
	delete(b.conns, handle)
	c.close()

	b.logger.Info("Connection closed.", zap.String("connection_id", c.id.String()))
}

// submit dispatches the command immediately when the device is free,
// otherwise appends it to the global FIFO queue.
func (b *Broker) submit(handle uint64, command []byte) {
	if _, ok := b.conns[handle]; !ok {
		// Submitted just before the connection went away.
		return
	}

	if b.active == 0 && b.state == stateReady {
		b.logger.Debug("Command sent to device.")
		b.dispatch(handle, command)
		return
	}

	if b.queue.length >= b.cfg.QueueLimit {
		b.logger.Error("Command queue limit reached, dropping connection.")
		b.closeConnection(handle)
		return
	}

	b.queue.push(&pendingCommand{handle: handle, command: command})
	b.logger.Debug("Command queued.")
}

// dispatch writes the command to the device and arms the response
// timer. The timer stays armed while the active slot is occupied; the
// only other time it is armed is after a failed reset, to retry the
// recovery.
func (b *Broker) dispatch(handle uint64, command []byte) {
	b.active = handle
	b.state = stateInFlight
	b.warnedUnsolicited = false
	b.armTimer()

	if _, err := b.port.Write(command); err != nil {
		b.logger.Error("Failed to write command to serial port.", zap.Error(err))
		if rerr := b.reset(true); rerr != nil {
			b.logger.Error("Serial port reset failed.", zap.Error(rerr))
		}
	}
}

// complete finishes the in-flight command and moves the next queued
// command, if any, onto the device.
func (b *Broker) complete() {
	b.resp.reset()
	b.stopTimer()

	if cmd := b.queue.pop(); cmd != nil {
		b.logger.Debug("Next command sent to device.")
		b.dispatch(cmd.handle, cmd.command)
		return
	}

	b.active = 0
	if b.state == stateInFlight {
		b.state = stateReady
	}
}

// handleSerialData streams reply bytes to the active connection and
// watches for the end of the message. Bytes arriving while no command
// is in flight were never requested and are discarded.
func (b *Broker) handleSerialData(data []byte) {
	if b.active == 0 {
		if !b.warnedUnsolicited {
			b.logger.Warn("Message received but not requested!")
			b.warnedUnsolicited = true
		}
		return
	}

	done := b.resp.push(data)
	b.writeToClient(b.active, data)

	if done {
		b.logger.Debug("Received end of message from device.")
		b.complete()
	}
}

// writeToClient queues reply bytes towards a connection. A handle that
// no longer resolves, or a client too slow to drain its backlog, loses
// the bytes.
func (b *Broker) writeToClient(handle uint64, data []byte) {
	c, ok := b.conns[handle]
	if !ok {
		return
	}
	select {
	case c.out <- data:
	default:
		b.logger.Warn("Client not draining replies, dropping connection.")
		b.closeConnection(handle)
	}
}

// reset recovers the serial port after a timeout or a port error.
// When failActive is set the client owed a reply receives the error
// envelope and the next queued command proceeds afterwards.
func (b *Broker) reset(failActive bool) error {
	b.state = stateResetting
	b.stopTimer()

	if failActive && b.active != 0 {
		b.writeToClient(b.active, []byte(errorEnvelope))
	}

	b.serialGen++
	b.port.Close()
	b.port.RunResetHook()

	if err := b.port.Reopen(); err != nil {
		// Leave the active slot occupied and let the timer expire
		// into another recovery attempt.
		b.armTimer()
		return fmt.Errorf("failed to reopen the serial device: %w", err)
	}

	b.startSerialReader()
	b.state = stateReady

	if failActive {
		b.complete()
	}
	return nil
}

// startSerialReader spawns a reader task for the current descriptor.
// Chunks are tagged with a generation so data from a descriptor closed
// during reset is ignored.
func (b *Broker) startSerialReader() {
	gen := b.serialGen
	go func() {
		buf := make([]byte, 128)
		for {
			n, err := b.port.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				b.serialRx <- serialChunk{gen: gen, data: data}
			}
			if err != nil {
				b.serialErr <- serialFailure{gen: gen, err: err}
				return
			}
		}
	}()
}

func (b *Broker) armTimer() {
	if !b.timer.Stop() && b.timerArmed {
		select {
		case <-b.timer.C:
		default:
		}
	}
	b.timer.Reset(b.cfg.ResponseTimeout)
	b.timerArmed = true
}

func (b *Broker) stopTimer() {
	if !b.timer.Stop() && b.timerArmed {
		select {
		case <-b.timer.C:
		default:
		}
	}
	b.timerArmed = false
}
