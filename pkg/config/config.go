// Package config handles configuration for stepflow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devicelab-dev/stepflow/pkg/core"
)

// Bridge transports.
const (
	TransportHTTP      = "http"
	TransportWebSocket = "websocket"
	TransportMock      = "mock"
)

// Config represents the workspace configuration (config.yaml).
type Config struct {
	Bridge BridgeConfig `yaml:"bridge"`
	Step   StepConfig   `yaml:"step"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`

	// Env is exposed to scripts as global variables.
	Env map[string]string `yaml:"env"`
}

// BridgeConfig selects and tunes the native host transport.
type BridgeConfig struct {
	Transport    string        `yaml:"transport"`    // http, websocket or mock
	URL          string        `yaml:"url"`          // http(s):// or ws(s):// endpoint
	Socket       string        `yaml:"socket"`       // unix socket for the http transport
	Timeout      time.Duration `yaml:"timeout"`      // sync call timeout
	AsyncTimeout time.Duration `yaml:"asyncTimeout"` // callback window for async calls
	DialRetry    time.Duration `yaml:"dialRetry"`    // max time spent redialing the websocket
}

// StepConfig tunes the step engine.
type StepConfig struct {
	DelayMs int  `yaml:"delayMs"` // default delay before a step created by next
	ShowLog bool `yaml:"showLog"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures the log file.
type LogConfig struct {
	Path    string `yaml:"path"`
	Verbose bool   `yaml:"verbose"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Bridge: BridgeConfig{
			Transport:    TransportHTTP,
			URL:          "http://127.0.0.1:7912",
			Timeout:      30 * time.Second,
			AsyncTimeout: 30 * time.Second,
			DialRetry:    10 * time.Second,
		},
		Step:   StepConfig{DelayMs: 1000},
		Server: ServerConfig{Addr: "127.0.0.1:7913"},
	}
}

// Validate checks that the configuration can be used to build a runner.
func (c *Config) Validate() error {
	invalid := func(field, format string, v ...interface{}) error {
		return core.ErrInvalidConfig.
			WithMessage(fmt.Sprintf(format, v...)).
			WithDetails(map[string]interface{}{"field": field})
	}

	switch c.Bridge.Transport {
	case TransportHTTP:
		if c.Bridge.URL == "" && c.Bridge.Socket == "" {
			return invalid("bridge.url", "http transport requires url or socket")
		}
	case TransportWebSocket:
		if c.Bridge.URL == "" {
			return invalid("bridge.url", "websocket transport requires url")
		}
	case TransportMock:
	default:
		return invalid("bridge.transport", "unknown transport %q", c.Bridge.Transport)
	}
	if c.Bridge.Timeout < 0 || c.Bridge.AsyncTimeout < 0 || c.Bridge.DialRetry < 0 {
		return invalid("bridge", "timeouts must not be negative")
	}
	if c.Step.DelayMs < 0 {
		return invalid("step.delayMs", "delayMs must not be negative")
	}
	return nil
}

// StepDelay is the configured default step delay.
func (c *Config) StepDelay() time.Duration {
	return time.Duration(c.Step.DelayMs) * time.Millisecond
}

// Load loads configuration from a file. Fields missing from the file keep
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- user-provided config file
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, core.ErrInvalidConfig.WithCause(err).WithDetails(map[string]interface{}{"path": path})
	}

	return cfg, nil
}

// LoadFromDir looks for config.yaml or config.yml in the directory.
func LoadFromDir(dir string) (*Config, error) {
	// Try config.yaml first
	configPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	// Try config.yml
	configPath = filepath.Join(dir, "config.yml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	// No config file found, return defaults
	return Default(), nil
}
