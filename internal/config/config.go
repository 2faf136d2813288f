// internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/IRNAS/koruza-controller/internal/serialport"
)

// Config represents the full configuration document shared by all
// KORUZA binaries. Each program validates only the subtrees it uses.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Client     ClientConfig     `mapstructure:"client"`
	Controller ControllerConfig `mapstructure:"controller"`
	Calibrator CalibratorConfig `mapstructure:"calibrator"`
	Collector  CollectorConfig  `mapstructure:"collector"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig represents the broker daemon configuration
type ServerConfig struct {
	Device          string        `mapstructure:"device"`
	Baudrate        int           `mapstructure:"baudrate"`
	Socket          string        `mapstructure:"socket"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	QueueLimit      int           `mapstructure:"queue_limit"`
	Hooks           HooksConfig   `mapstructure:"hooks"`
}

// HooksConfig represents external executables invoked by the broker
type HooksConfig struct {
	Reset string `mapstructure:"reset"`
}

// ClientConfig represents settings shared by all broker clients
type ClientConfig struct {
	StatusCommand string `mapstructure:"status_command"`
}

// ControllerConfig represents the interactive controller configuration
type ControllerConfig struct {
	StatusInterval float64           `mapstructure:"status_interval"`
	Commands       map[string]string `mapstructure:"commands"`
}

// CalibratorConfig represents the calibrator daemon configuration
type CalibratorConfig struct {
	Interval float64           `mapstructure:"interval"`
	Host     string            `mapstructure:"host"`
	Tokens   map[string]string `mapstructure:"tokens"`
}

// CollectorConfig represents the status collector configuration
type CollectorConfig struct {
	PollInterval    float64         `mapstructure:"poll_interval"`
	LogFile         string          `mapstructure:"log_file"`
	StateFile       string          `mapstructure:"state_file"`
	LastStateFile   string          `mapstructure:"last_state_file"`
	OutputFormatter FormatterConfig `mapstructure:"output_formatter"`
	API             APIConfig       `mapstructure:"api"`
	MQTT            MQTTConfig      `mapstructure:"mqtt"`
}

// FormatterConfig represents the shortened key/value output formats
type FormatterConfig struct {
	Name  string `mapstructure:"name"`
	Value string `mapstructure:"value"`
}

// APIConfig represents the collector's local status API
type APIConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Listen         string   `mapstructure:"listen"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// MQTTConfig represents the collector's optional state publisher
type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// Load loads the configuration document from the given file. Keys are
// case-insensitive. Subtree validation is left to the callers because
// the same document backs several programs.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.response_timeout", "1s")
	v.SetDefault("server.queue_limit", 1024)

	// Controller defaults
	v.SetDefault("controller.status_interval", 2.0)

	// Collector defaults
	v.SetDefault("collector.poll_interval", 5.0)
	v.SetDefault("collector.output_formatter.name", "%s")
	v.SetDefault("collector.output_formatter.value", "%s")
	v.SetDefault("collector.api.listen", "127.0.0.1:8086")
	v.SetDefault("collector.mqtt.topic", "koruza/state")
	v.SetDefault("collector.mqtt.client_id", "koruza-collector")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.max_size", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)
}

// Validate checks the broker subtree
func (c *ServerConfig) Validate() error {
	if c.Device == "" {
		return fmt.Errorf("missing 'device' in configuration file")
	}
	if c.Baudrate == 0 {
		return fmt.Errorf("missing 'baudrate' in configuration file")
	}
	if err := serialport.ValidateBaudRate(c.Baudrate); err != nil {
		return err
	}
	if c.Socket == "" {
		return fmt.Errorf("missing 'socket' in configuration file")
	}
	if c.ResponseTimeout <= 0 {
		return fmt.Errorf("'response_timeout' must be positive")
	}
	if c.QueueLimit <= 0 {
		return fmt.Errorf("'queue_limit' must be positive")
	}
	return nil
}

// Validate checks the client subtree
func (c *ClientConfig) Validate() error {
	if c.StatusCommand == "" {
		return fmt.Errorf("missing 'status_command' in configuration file")
	}
	return nil
}

// Validate checks the controller subtree
func (c *ControllerConfig) Validate() error {
	if len(c.Commands) == 0 {
		return fmt.Errorf("missing 'commands' in configuration file")
	}
	if c.StatusInterval <= 0 {
		return fmt.Errorf("'status_interval' must be positive")
	}
	return nil
}

// Validate checks the calibrator subtree
func (c *CalibratorConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("'interval' must be positive")
	}
	if c.Host == "" {
		return fmt.Errorf("missing 'host' in configuration file")
	}
	if len(c.Tokens) == 0 {
		return fmt.Errorf("missing 'tokens' in configuration file")
	}
	return nil
}

// Validate checks the collector subtree
func (c *CollectorConfig) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("'poll_interval' must be positive")
	}
	if c.LogFile == "" {
		return fmt.Errorf("missing 'log_file' in configuration file")
	}
	if c.StateFile == "" {
		return fmt.Errorf("missing 'state_file' in configuration file")
	}
	return nil
}
