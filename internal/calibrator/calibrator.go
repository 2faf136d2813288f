// internal/calibrator/calibrator.go
package calibrator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/IRNAS/koruza-controller/internal/config"
)

// Sender submits one command to the control daemon and returns the
// reply body.
type Sender interface {
	Send(command string) (string, error)
}

// Calibrator periodically fetches calibration data from an HTTP
// endpoint and forwards the configured calibration commands to the
// control daemon.
type Calibrator struct {
	cfg    config.CalibratorConfig
	client Sender
	http   *http.Client
	logger *zap.Logger
}

func New(cfg config.CalibratorConfig, client Sender, logger *zap.Logger) *Calibrator {
	return &Calibrator{
		cfg:    cfg,
		client: client,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Run drives the calibrator until the context is cancelled.
func (c *Calibrator) Run(ctx context.Context) error {
	c.logger.Info("KORUZA calibrator daemon starting up.")

	interval := time.Duration(c.cfg.Interval * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.calibrate(ctx)
		}
	}
}

// calibrate performs one calibration round.
func (c *Calibrator) calibrate(ctx context.Context) {
	data, err := c.fetch(ctx)
	if err != nil {
		c.logger.Error("Failed to fetch calibration data.",
			zap.String("host", c.cfg.Host),
			zap.Error(err),
		)
		return
	}

	for _, command := range c.Commands(data) {
		if _, err := c.client.Send(command); err != nil {
			c.logger.Warn("Failed to communicate with the control daemon.", zap.Error(err))
		}
	}
}

// fetch retrieves the current calibration data from the configured host.
func (c *Calibrator) fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Host, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// Commands tokenizes the calibration data by spaces and formats the
// calibration command configured for each token position. Positions
// are one-based; tokens without a configured command are skipped.
func (c *Calibrator) Commands(data string) []string {
	var commands []string
	for index, token := range strings.Fields(data) {
		format, ok := c.cfg.Tokens[strconv.Itoa(index+1)]
		if !ok {
			continue
		}
		commands = append(commands, fmt.Sprintf(format, token))
	}
	return commands
}
