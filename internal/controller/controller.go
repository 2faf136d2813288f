// internal/controller/controller.go
package controller

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/IRNAS/koruza-controller/internal/client"
	"github.com/IRNAS/koruza-controller/internal/config"
)

// Controller maps keystrokes to device commands and periodically
// refreshes the device state on the terminal.
type Controller struct {
	cfg           config.ControllerConfig
	statusCommand string
	client        *client.Client
	logger        *zap.Logger
}

func New(cfg config.ControllerConfig, statusCommand string, c *client.Client, logger *zap.Logger) *Controller {
	return &Controller{
		cfg:           cfg,
		statusCommand: statusCommand,
		client:        c,
		logger:        logger,
	}
}

// RequestState performs a one-shot state request without entering the
// interactive loop.
func (c *Controller) RequestState() error {
	return c.client.RequestState(c.statusCommand, false)
}

// Run puts the terminal into raw mode and drives the interactive
// controller until escape is pressed or the context ends.
func (c *Controller) Run(ctx context.Context) error {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("failed to configure the terminal: %w", err)
	}
	defer term.Restore(fd, oldState)

	fmt.Fprintln(os.Stderr, "INFO: Controller ready and accepting commands.")
	fmt.Fprintln(os.Stderr, "INFO: Press 'esc' to quit.")

	keys := make(chan byte, 16)
	go func() {
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				close(keys)
				return
			}
			if n > 0 {
				keys <- buf[0]
			}
		}
	}()

	interval := time.Duration(c.cfg.StatusInterval * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := c.client.RequestState(c.statusCommand, true); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if err := c.client.RequestState(c.statusCommand, true); err != nil {
				return err
			}

		case ch, ok := <-keys:
			if !ok {
				return nil
			}

			key, quit := decodeKey(ch, keys)
			if quit {
				return nil
			}
			if key == "" {
				continue
			}
			c.execute(key)
		}
	}
}

// decodeKey translates a keystroke, following escape sequences for the
// arrow keys. A bare escape quits.
func decodeKey(ch byte, keys <-chan byte) (string, bool) {
	if ch == 0x1b {
		select {
		case ch1 := <-keys:
			ch2 := <-keys
			switch {
			case ch1 == '[' && ch2 == 'A':
				return "up", false
			case ch1 == '[' && ch2 == 'B':
				return "down", false
			case ch1 == '[' && ch2 == 'C':
				return "right", false
			case ch1 == '[' && ch2 == 'D':
				return "left", false
			default:
				fmt.Fprintf(os.Stderr, "INFO: Unknown special command '%x%x' ignored.\n", ch1, ch2)
				return "", false
			}
		case <-time.After(50 * time.Millisecond):
			return "", true
		}
	}
	if ch == '\n' || ch == '\r' {
		return "enter", false
	}
	return string(ch), false
}

// execute looks up the key binding and sends the bound command.
func (c *Controller) execute(key string) {
	action, ok := c.cfg.Commands[key]
	if !ok {
		fmt.Fprintf(os.Stderr, "WARNING: No binding for key '%s'.\n", key)
		return
	}

	fmt.Fprintf(os.Stderr, "INFO: Sending command: %s\n", strings.TrimRight(action, "\n"))

	if _, err := c.client.Send(action); err != nil {
		c.logger.Warn("Failed to execute command.", zap.String("key", key), zap.Error(err))
	}
}
