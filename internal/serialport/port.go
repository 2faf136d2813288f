// internal/serialport/port.go
package serialport

import (
	"fmt"
	"os/exec"
	"sync"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// baudRates is the closed set of rates the device hardware accepts.
var baudRates = map[int]struct{}{
	50: {}, 75: {}, 110: {}, 134: {}, 150: {}, 200: {}, 300: {}, 600: {},
	1200: {}, 1800: {}, 2400: {}, 4800: {}, 9600: {}, 19200: {}, 38400: {},
	57600: {}, 115200: {}, 230400: {},
}

// ValidateBaudRate rejects any rate outside the supported set.
func ValidateBaudRate(baud int) error {
	if _, ok := baudRates[baud]; !ok {
		return fmt.Errorf("invalid baudrate %d specified", baud)
	}
	return nil
}

// Port owns a raw-mode serial device. The mode applied at open time is
// cached so a reset can reopen the device with identical settings.
type Port struct {
	device    string
	mode      *serial.Mode
	resetHook string
	logger    *zap.Logger

	mutex sync.Mutex
	port  serial.Port
}

// Open opens the serial device in raw 8N1 mode at the given baud rate.
func Open(device string, baud int, resetHook string, logger *zap.Logger) (*Port, error) {
	if err := ValidateBaudRate(baud); err != nil {
		return nil, err
	}

	p := &Port{
		device: device,
		mode: &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		resetHook: resetHook,
		logger:    logger.With(zap.String("device", device)),
	}

	if err := p.open(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Port) open() error {
	port, err := serial.Open(p.device, p.mode)
	if err != nil {
		return fmt.Errorf("failed to open the serial device '%s': %w", p.device, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return fmt.Errorf("failed to configure the serial device: %w", err)
	}

	p.mutex.Lock()
	p.port = port
	p.mutex.Unlock()
	return nil
}

// Read reads from the current descriptor. Blocks until data arrives or
// the port is closed from another goroutine.
func (p *Port) Read(buf []byte) (int, error) {
	p.mutex.Lock()
	port := p.port
	p.mutex.Unlock()

	if port == nil {
		return 0, fmt.Errorf("serial port is closed")
	}
	return port.Read(buf)
}

// Write writes to the current descriptor.
func (p *Port) Write(buf []byte) (int, error) {
	p.mutex.Lock()
	port := p.port
	p.mutex.Unlock()

	if port == nil {
		return 0, fmt.Errorf("serial port is closed")
	}
	return port.Write(buf)
}

// Close releases the descriptor. Pending reads are unblocked.
func (p *Port) Close() error {
	p.mutex.Lock()
	port := p.port
	p.port = nil
	p.mutex.Unlock()

	if port == nil {
		return nil
	}
	return port.Close()
}

// Reopen opens the device again and re-applies the cached mode.
func (p *Port) Reopen() error {
	p.Close()
	return p.open()
}

// RunResetHook spawns the configured reset executable with no arguments
// and waits for it to exit. The exit status is logged; a failing hook
// never fails the reset itself.
func (p *Port) RunResetHook() {
	if p.resetHook == "" {
		return
	}

	p.logger.Info("Running device reset hook", zap.String("hook", p.resetHook))

	cmd := exec.Command(p.resetHook)
	if err := cmd.Run(); err != nil {
		p.logger.Warn("Device reset hook failed",
			zap.String("hook", p.resetHook),
			zap.Error(err),
		)
		return
	}
	p.logger.Info("Device reset hook finished",
		zap.String("hook", p.resetHook),
		zap.Int("exit_code", cmd.ProcessState.ExitCode()),
	)
}
