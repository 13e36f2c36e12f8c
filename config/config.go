// Package config loads codelive settings from a YAML file, then applies
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TransportMQTT  = "mqtt"
	TransportRelay = "relay"

	DefaultBroker    = "tcp://broker.hivemq.com:1883"
	DefaultRelayAddr = ":8081"
)

const defaultConfigYAML = `# codelive configuration
name: ""
# leave empty to generate a session name when hosting
topic: ""

transport:
  # mqtt or relay
  kind: mqtt
  url: tcp://broker.hivemq.com:1883
  qos: 1

join:
  timeout: 5s
  retries: 3

handoff:
  timeout: 30s
  auto_approve: false

sync:
  resync_delay: 1s

allocator:
  boundary: 10
  base_bits: 4

relay:
  addr: ":8081"
  redis_addr: ""
  database_url: ""
  bolt_path: ""
  advertise: false

log:
  verbosity: 0
`

type TransportConfig struct {
	Kind string `yaml:"kind"`
	URL  string `yaml:"url"`
	QoS  int    `yaml:"qos"`
}

type JoinConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

type HandoffConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	AutoApprove bool          `yaml:"auto_approve"`
}

type SyncConfig struct {
	ResyncDelay time.Duration `yaml:"resync_delay"`
}

type AllocatorConfig struct {
	Boundary int `yaml:"boundary"`
	BaseBits int `yaml:"base_bits"`
}

// RelayConfig configures codelive-relay. Retained messages go to postgres
// when DatabaseURL is set, else to bolt when BoltPath is set, else memory.
type RelayConfig struct {
	Addr        string `yaml:"addr"`
	RedisAddr   string `yaml:"redis_addr"`
	DatabaseURL string `yaml:"database_url"`
	BoltPath    string `yaml:"bolt_path"`
	Advertise   bool   `yaml:"advertise"`
}

type LogConfig struct {
	Verbosity int `yaml:"verbosity"`
}

type Config struct {
	Name      string          `yaml:"name"`
	Topic     string          `yaml:"topic"`
	Transport TransportConfig `yaml:"transport"`
	Join      JoinConfig      `yaml:"join"`
	Handoff   HandoffConfig   `yaml:"handoff"`
	Sync      SyncConfig      `yaml:"sync"`
	Allocator AllocatorConfig `yaml:"allocator"`
	Relay     RelayConfig     `yaml:"relay"`
	Log       LogConfig       `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	var c Config
	if err := yaml.Unmarshal([]byte(defaultConfigYAML), &c); err != nil {
		panic(err)
	}
	return c
}

// DefaultYAML returns the built-in configuration as a commented file.
func DefaultYAML() string {
	return defaultConfigYAML
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error; an empty path skips the file.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return c, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &c); err != nil {
				return c, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	if err := c.applyEnv(os.Getenv); err != nil {
		return c, err
	}
	c.normalize()
	if err := c.validate(); err != nil {
		return c, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("CODELIVE_NAME"); v != "" {
		c.Name = v
	}
	if v := getenv("CODELIVE_TRANSPORT"); v != "" {
		c.Transport.Kind = v
	}
	if v := getenv("CODELIVE_BROKER"); v != "" {
		c.Transport.URL = v
	}
	if v := getenv("CODELIVE_RELAY_ADDR"); v != "" {
		c.Relay.Addr = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		c.Relay.RedisAddr = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		c.Relay.DatabaseURL = v
	}
	if v := getenv("CODELIVE_VERBOSITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: CODELIVE_VERBOSITY: %w", err)
		}
		c.Log.Verbosity = n
	}
	return nil
}

func (c *Config) normalize() {
	c.Name = strings.TrimSpace(c.Name)
	c.Topic = strings.TrimSpace(c.Topic)
	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	if c.Transport.Kind == "" {
		c.Transport.Kind = TransportMQTT
	}
	if c.Transport.URL == "" && c.Transport.Kind == TransportMQTT {
		c.Transport.URL = DefaultBroker
	}
	if c.Relay.Addr == "" {
		c.Relay.Addr = DefaultRelayAddr
	}
}

func (c *Config) validate() error {
	switch c.Transport.Kind {
	case TransportMQTT, TransportRelay:
	default:
		return fmt.Errorf("transport.kind must be %s or %s, got %q", TransportMQTT, TransportRelay, c.Transport.Kind)
	}
	if c.Transport.URL == "" {
		return fmt.Errorf("transport.url is required")
	}
	if c.Transport.QoS < 0 || 2 < c.Transport.QoS {
		return fmt.Errorf("transport.qos must be 0, 1 or 2")
	}
	if c.Join.Retries < 1 {
		return fmt.Errorf("join.retries must be >= 1")
	}
	if c.Join.Timeout <= 0 || c.Handoff.Timeout <= 0 {
		return fmt.Errorf("join.timeout and handoff.timeout must be positive")
	}
	if c.Allocator.Boundary < 1 {
		return fmt.Errorf("allocator.boundary must be >= 1")
	}
	if c.Allocator.BaseBits < 2 || 30 < c.Allocator.BaseBits {
		return fmt.Errorf("allocator.base_bits must be between 2 and 30")
	}
	return nil
}
