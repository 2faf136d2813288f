// internal/collector/collector.go
package collector

import (
	"compress/gzip"
	"context"
	"fmt"
	"os"
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

// itemStats aggregates one reported value over the collector lifetime.
type itemStats struct {
	key      string
	keyShort int
	count    int
	sum      float64
	min      float64
	max      float64
	last     float64
}

// derived computes the value written to the state file for the
// selected operator.
func (s *itemStats) derived(op string) float64 {
	switch op {
	case "min":
		return s.min
	case "max":
		return s.max
	case "sum":
		return s.sum
	default:
		return s.sum / float64(s.count)
	}
}

// Collector periodically requests the device state through the control
// daemon and maintains the state, last-state and log files.
type Collector struct {
	cfg           config.CollectorConfig
	statusCommand string
	client        Sender
	logger        *zap.Logger

	stats map[string]*itemStats
	order []string

	store *stateStore
	bus   *eventBus
	mqtt  *statePublisher

	logFile   *os.File
	logWriter *gzip.Writer
}

func New(cfg config.CollectorConfig, statusCommand string, client Sender, logger *zap.Logger) *Collector {
	return &Collector{
		cfg:           cfg,
		statusCommand: statusCommand,
		client:        client,
		logger:        logger,
		stats:         make(map[string]*itemStats),
		store:         newStateStore(),
		bus:           newEventBus(),
	}
}

// Run drives the collector until the context is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	c.logger.Info("KORUZA collector daemon starting up.")

	logFile, err := os.Create(c.cfg.LogFile)
	if err != nil {
		return fmt.Errorf("unable to open log file: %w", err)
	}
	c.logFile = logFile
	c.logWriter = gzip.NewWriter(logFile)
	defer func() {
		c.logWriter.Close()
		c.logFile.Close()
	}()

	if c.cfg.API.Enabled {
		api := newAPIServer(c.cfg.API, c.store, c.bus, c.logger)
		go api.run(ctx)
	}

	if c.cfg.MQTT.Enabled {
		publisher, err := newStatePublisher(c.cfg.MQTT, c.logger)
		if err != nil {
			return err
		}
		c.mqtt = publisher
		defer c.mqtt.close()
	}

	interval := time.Duration(c.cfg.PollInterval * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.poll()
		}
	}
}

func (c *Collector) poll() {
	response, err := c.client.Send(c.statusCommand)
	if err != nil {
		c.logger.Warn("Failed to collect device state.", zap.Error(err))
		return
	}

	snapshot := c.processResponse(response, time.Now())

	c.store.update(snapshot)
	c.bus.publish(snapshot)
	if c.mqtt != nil {
		c.mqtt.publish(snapshot)
	}
}

// Snapshot is one parsed device state report.
type Snapshot struct {
	Time     time.Time          `json:"time"`
	Values   map[string]float64 `json:"values"`
	Metadata map[string]string  `json:"metadata"`
}

// processResponse parses one status reply, updates the aggregates and
// rewrites the state files. Each response line is either a value line
// (`key: <float>`, optionally `key: <op>: <float>`) or a metadata line
// (`key: <text>`) that is passed through to the state file unchanged.
func (c *Collector) processResponse(response string, now time.Time) Snapshot {
	snapshot := Snapshot{
		Time:     now,
		Values:   make(map[string]float64),
		Metadata: make(map[string]string),
	}

	var state strings.Builder
	var lastValues []float64

	for _, line := range strings.Split(response, "\n") {
		key, op, value, text, kind := parseLine(line)
		if kind == lineInvalid {
			continue
		}

		key, keyShort := c.formatKey(key, kind)

		if kind == lineMetadata {
			fmt.Fprintf(&state, "%s: %s\n", key, text)
			snapshot.Metadata[key] = text
			continue
		}

		item, ok := c.stats[key]
		if !ok {
			item = &itemStats{key: key, keyShort: keyShort, min: value, max: value}
			c.stats[key] = item
			c.order = append(c.order, key)
		}

		item.last = value
		item.count++
		item.sum += value
		if value < item.min {
			item.min = value
		}
		if value > item.max {
			item.max = value
		}

		fmt.Fprintf(&state, "%s: %f\n", item.key, item.derived(op))
		snapshot.Values[item.key] = item.last
		lastValues = append(lastValues, item.last)
	}

	if err := os.WriteFile(c.cfg.StateFile, []byte(state.String()), 0o644); err != nil {
		c.logger.Warn("Failed to write state file.", zap.Error(err))
	}

	if c.cfg.LastStateFile != "" {
		var last strings.Builder
		fmt.Fprintf(&last, "%d", now.Unix())
		for _, value := range lastValues {
			fmt.Fprintf(&last, " %f", value)
		}
		last.WriteString("\n")
		if err := os.WriteFile(c.cfg.LastStateFile, []byte(last.String()), 0o644); err != nil {
			c.logger.Warn("Failed to write last state file.", zap.Error(err))
		}
	}

	c.appendLog(now)

	return snapshot
}

// appendLog writes one tab-separated log record with the last value of
// every known key.
func (c *Collector) appendLog(now time.Time) {
	fmt.Fprintf(c.logWriter, "%f", float64(now.UnixNano())/float64(time.Second))
	for _, key := range c.order {
		item := c.stats[key]
		if item.keyShort >= 0 {
			fmt.Fprintf(c.logWriter, "\t%d\t%f", item.keyShort, item.last)
		} else {
			fmt.Fprintf(c.logWriter, "\t%s\t%f", item.key, item.last)
		}
	}
	fmt.Fprintln(c.logWriter)

	if err := c.logWriter.Flush(); err != nil {
		c.logger.Warn("Failed to flush log file.", zap.Error(err))
	}
}

// formatKey applies the shortened output format to purely numeric keys.
func (c *Collector) formatKey(key string, kind lineKind) (string, int) {
	keyShort, err := strconv.Atoi(key)
	if err != nil {
		return key, -1
	}

	format := c.cfg.OutputFormatter.Value
	if kind == lineMetadata {
		format = c.cfg.OutputFormatter.Name
	}
	return fmt.Sprintf(format, key), keyShort
}

type lineKind int

const (
	lineInvalid lineKind = iota
	lineValue
	lineMetadata
)

// parseLine classifies one response line.
func parseLine(line string) (key, op string, value float64, text string, kind lineKind) {
	parts := strings.SplitN(line, ":", 3)
	if len(parts) < 2 {
		return "", "", 0, "", lineInvalid
	}

	key = strings.TrimSpace(parts[0])
	if key == "" {
		return "", "", 0, "", lineInvalid
	}

	if len(parts) == 3 {
		// Value line with operator specification. Unknown operators
		// fall back to avg in derived.
		op = strings.TrimSpace(parts[1])
		if v, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64); err == nil {
			return key, op, v, "", lineValue
		}
	}

	rest := strings.TrimSpace(strings.SplitN(line, ":", 2)[1])
	if v, err := strconv.ParseFloat(rest, 64); err == nil {
		return key, "avg", v, "", lineValue
	}
	if rest == "" {
		return "", "", 0, "", lineInvalid
	}
	return key, "", 0, rest, lineMetadata
}
