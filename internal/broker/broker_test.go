// internal/broker/broker_test.go
package broker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/IRNAS/koruza-controller/internal/config"
)

// fakePort is an in-memory device implementing DevicePort. Tests read
// the commands the broker writes from the writes channel and inject
// replies through send.
type fakePort struct {
	mutex   sync.Mutex
	closed  bool
	closeCh chan struct{}

	rx     chan []byte
	writes chan []byte

	reopens   atomic.Int32
	hookRuns  atomic.Int32
	reopenErr error
}

func newFakePort() *fakePort {
	return &fakePort{
		closeCh: make(chan struct{}),
		rx:      make(chan []byte, 64),
		writes:  make(chan []byte, 64),
	}
}

func (f *fakePort) Read(p []byte) (int, error) {
	f.mutex.Lock()
	closeCh := f.closeCh
	f.mutex.Unlock()

	select {
	case data := <-f.rx:
		return copy(p, data), nil
	case <-closeCh:
		return 0, errors.New("read on closed port")
	}
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mutex.Lock()
	closed := f.closed
	f.mutex.Unlock()

	if closed {
		return 0, errors.New("write on closed port")
	}

	data := make([]byte, len(p))
	copy(data, p)
	f.writes <- data
	return len(p), nil
}

func (f *fakePort) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if !f.closed {
		f.closed = true
		close(f.closeCh)
	}
	return nil
}

func (f *fakePort) Reopen() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.reopens.Add(1)
	if f.reopenErr != nil {
		return f.reopenErr
	}
	f.closed = false
	f.closeCh = make(chan struct{})
	return nil
}

func (f *fakePort) RunResetHook() {
	f.hookRuns.Add(1)
}

func (f *fakePort) send(s string) {
	f.rx <- []byte(s)
}

type harness struct {
	port   *fakePort
	socket string
}

func startBroker(t *testing.T, mutate func(*config.ServerConfig)) *harness {
	t.Helper()

	cfg := config.ServerConfig{
		Device:          "/dev/ttyTEST",
		Baudrate:        115200,
		Socket:          filepath.Join(t.TempDir(), "koruza.sock"),
		ResponseTimeout: time.Second,
		QueueLimit:      1024,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	port := newFakePort()
	b, err := New(cfg, port, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &harness{port: port, socket: cfg.Socket}
}

func (h *harness) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", h.socket)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// deviceCommand waits for the next command written to the device.
func (h *harness) deviceCommand(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-h.port.writes:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command on the device")
		return nil
	}
}

func (h *harness) assertNoDeviceCommand(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case data := <-h.port.writes:
		t.Fatalf("unexpected command on the device: %q", data)
	case <-time.After(wait):
	}
}

func readExact(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

func assertClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	require.Error(t, err)
}

func TestSingleEcho(t *testing.T) {
	h := startBroker(t, nil)
	conn := h.dial(t)

	_, err := conn.Write([]byte("PING\n"))
	require.NoError(t, err)

	require.Equal(t, []byte("PING\n"), h.deviceCommand(t))

	reply := "#START\r\nok\r\n#STOP\r\n"
	h.port.send(reply)

	require.Equal(t, []byte(reply), readExact(t, conn, len(reply)))
}

func TestRepeatedCommandsYieldIndependentEnvelopes(t *testing.T) {
	h := startBroker(t, nil)
	conn := h.dial(t)

	reply := "#START\r\nok\r\n#STOP\r\n"
	for i := 0; i < 3; i++ {
		_, err := conn.Write([]byte("PING\n"))
		require.NoError(t, err)
		require.Equal(t, []byte("PING\n"), h.deviceCommand(t))
		h.port.send(reply)
		require.Equal(t, []byte(reply), readExact(t, conn, len(reply)))
	}
}

func TestTwoClientsPipelined(t *testing.T) {
	h := startBroker(t, nil)
	connA := h.dial(t)
	connB := h.dial(t)

	_, err := connA.Write([]byte("A 4\n"))
	require.NoError(t, err)
	require.Equal(t, []byte("A 4\n"), h.deviceCommand(t))

	// B's command queues behind A's in-flight command.
	_, err = connB.Write([]byte("B 1\n"))
	require.NoError(t, err)
	h.assertNoDeviceCommand(t, 100*time.Millisecond)

	replyA := "#START\r\nA=1\r\n#STOP\r\n"
	h.port.send(replyA)
	require.Equal(t, []byte(replyA), readExact(t, connA, len(replyA)))

	require.Equal(t, []byte("B 1\n"), h.deviceCommand(t))
	replyB := "#START\r\nB=2\r\n#STOP\r\n"
	h.port.send(replyB)
	require.Equal(t, []byte(replyB), readExact(t, connB, len(replyB)))
}

func TestCommandsDispatchInSubmissionOrder(t *testing.T) {
	h := startBroker(t, nil)
	connA := h.dial(t)
	connB := h.dial(t)

	// Multiple commands in one read still frame individually and keep
	// per-connection order.
	_, err := connA.Write([]byte("A1\nA2\n"))
	require.NoError(t, err)
	require.Equal(t, []byte("A1\n"), h.deviceCommand(t))
	time.Sleep(50 * time.Millisecond)

	_, err = connB.Write([]byte("B1\n"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	reply := "#START\r\nok\r\n#STOP\r\n"

	h.port.send(reply)
	require.Equal(t, []byte("A2\n"), h.deviceCommand(t))
	h.port.send(reply)
	require.Equal(t, []byte("B1\n"), h.deviceCommand(t))
	h.port.send(reply)

	require.Equal(t, []byte(reply+reply), readExact(t, connA, 2*len(reply)))
	require.Equal(t, []byte(reply), readExact(t, connB, len(reply)))
}

func TestResponseTimeout(t *testing.T) {
	h := startBroker(t, func(cfg *config.ServerConfig) {
		cfg.ResponseTimeout = 50 * time.Millisecond
	})
	conn := h.dial(t)

	_, err := conn.Write([]byte("SLOW\n"))
	require.NoError(t, err)
	require.Equal(t, []byte("SLOW\n"), h.deviceCommand(t))

	// The device stays silent; the broker synthesizes the error
	// envelope and resets the port.
	require.Equal(t, []byte(errorEnvelope), readExact(t, conn, len(errorEnvelope)))

	require.Eventually(t, func() bool {
		return h.port.reopens.Load() == 1 && h.port.hookRuns.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A reset broker behaves like a freshly started one.
	_, err = conn.Write([]byte("PING\n"))
	require.NoError(t, err)
	require.Equal(t, []byte("PING\n"), h.deviceCommand(t))

	reply := "#START\r\nok\r\n#STOP\r\n"
	h.port.send(reply)
	require.Equal(t, []byte(reply), readExact(t, conn, len(reply)))
}

func TestOversizedCommandClosesConnection(t *testing.T) {
	h := startBroker(t, nil)
	offender := h.dial(t)
	bystander := h.dial(t)

	_, err := offender.Write(bytes.Repeat([]byte("x"), 70))
	require.NoError(t, err)
	assertClosed(t, offender)

	// Other connections are unaffected.
	_, err = bystander.Write([]byte("PING\n"))
	require.NoError(t, err)
	require.Equal(t, []byte("PING\n"), h.deviceCommand(t))
	reply := "#START\r\nok\r\n#STOP\r\n"
	h.port.send(reply)
	require.Equal(t, []byte(reply), readExact(t, bystander, len(reply)))
}

func TestCommandLengthBoundary(t *testing.T) {
	h := startBroker(t, nil)

	// 63 command bytes plus the terminator are accepted.
	accepted := h.dial(t)
	command := strings.Repeat("a", 63) + "\n"
	_, err := accepted.Write([]byte(command))
	require.NoError(t, err)
	require.Equal(t, []byte(command), h.deviceCommand(t))
	reply := "#START\r\nok\r\n#STOP\r\n"
	h.port.send(reply)
	require.Equal(t, []byte(reply), readExact(t, accepted, len(reply)))

	// 64 bytes without a terminator are a protocol violation.
	rejected := h.dial(t)
	_, err = rejected.Write(bytes.Repeat([]byte("b"), 64))
	require.NoError(t, err)
	assertClosed(t, rejected)
}

func TestStopSentinelSpansReads(t *testing.T) {
	h := startBroker(t, nil)
	conn := h.dial(t)

	_, err := conn.Write([]byte("PING\n"))
	require.NoError(t, err)
	require.Equal(t, []byte("PING\n"), h.deviceCommand(t))

	h.port.send("#START\r\nok")
	h.port.send("\r\n#STO")
	h.port.send("P\r\n")

	reply := "#START\r\nok\r\n#STOP\r\n"
	require.Equal(t, []byte(reply), readExact(t, conn, len(reply)))

	// End of message was detected: the next command dispatches.
	_, err = conn.Write([]byte("NEXT\n"))
	require.NoError(t, err)
	require.Equal(t, []byte("NEXT\n"), h.deviceCommand(t))
}

func TestUnsolicitedBytesAreDiscarded(t *testing.T) {
	h := startBroker(t, nil)

	h.port.send("junk\r\n")
	time.Sleep(50 * time.Millisecond)

	conn := h.dial(t)
	_, err := conn.Write([]byte("PING\n"))
	require.NoError(t, err)
	require.Equal(t, []byte("PING\n"), h.deviceCommand(t))

	reply := "#START\r\nok\r\n#STOP\r\n"
	h.port.send(reply)
	// Only the reply arrives; the junk was never forwarded.
	require.Equal(t, []byte(reply), readExact(t, conn, len(reply)))
}

func TestDisconnectWhileQueued(t *testing.T) {
	h := startBroker(t, nil)
	connA := h.dial(t)
	connB := h.dial(t)

	_, err := connA.Write([]byte("A\n"))
	require.NoError(t, err)
	require.Equal(t, []byte("A\n"), h.deviceCommand(t))

	_, err = connB.Write([]byte("B\n"))
	require.NoError(t, err)
	h.assertNoDeviceCommand(t, 100*time.Millisecond)

	// A goes away before the device replies.
	connA.Close()
	time.Sleep(50 * time.Millisecond)

	reply := "#START\r\nok\r\n#STOP\r\n"
	h.port.send(reply)

	// A's reply is discarded; B's command follows.
	require.Equal(t, []byte("B\n"), h.deviceCommand(t))
	h.port.send(reply)
	require.Equal(t, []byte(reply), readExact(t, connB, len(reply)))
}

func TestQueueLimitClosesSubmitter(t *testing.T) {
	h := startBroker(t, func(cfg *config.ServerConfig) {
		cfg.QueueLimit = 1
	})
	connA := h.dial(t)
	connB := h.dial(t)
	connC := h.dial(t)

	_, err := connA.Write([]byte("A\n"))
	require.NoError(t, err)
	require.Equal(t, []byte("A\n"), h.deviceCommand(t))

	_, err = connB.Write([]byte("B\n"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	// The queue is full; C's submission is a resource-exhaustion
	// error on C only.
	_, err = connC.Write([]byte("C\n"))
	require.NoError(t, err)
	assertClosed(t, connC)

	reply := "#START\r\nok\r\n#STOP\r\n"
	h.port.send(reply)
	require.Equal(t, []byte(reply), readExact(t, connA, len(reply)))

	require.Equal(t, []byte("B\n"), h.deviceCommand(t))
	h.port.send(reply)
	require.Equal(t, []byte(reply), readExact(t, connB, len(reply)))
}

func TestSerialErrorFailsActiveCommand(t *testing.T) {
	h := startBroker(t, nil)
	conn := h.dial(t)

	_, err := conn.Write([]byte("PING\n"))
	require.NoError(t, err)
	require.Equal(t, []byte("PING\n"), h.deviceCommand(t))

	// Error event on the port while a command is in flight.
	h.port.Close()

	require.Equal(t, []byte(errorEnvelope), readExact(t, conn, len(errorEnvelope)))
	require.Eventually(t, func() bool {
		return h.port.reopens.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)
}
