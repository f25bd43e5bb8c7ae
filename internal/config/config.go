// Package config handles klipper-mqtt-status configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the mqtt section. The broker defaults match a broker
// running on the same host as the printer.
const (
	DefaultBrokerURL         = "127.0.0.1"
	DefaultBrokerPort        = 1883
	DefaultBrokerKeepalive   = 60
	DefaultProtocol          = "mqttv31"
	DefaultTopic             = "klipper"
	DefaultServiceInterval   = 250 * time.Millisecond
	DefaultDisconnectTimeout = 2 * time.Second
	DefaultConnectTimeout    = 10 * time.Second
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/klipper-mqtt-status/config.yaml,
// /etc/klipper-mqtt-status/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "klipper-mqtt-status", "config.yaml"))
	}

	paths = append(paths, "/etc/klipper-mqtt-status/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all klipper-mqtt-status configuration.
type Config struct {
	MQTT      MQTTConfig `yaml:"mqtt"`
	LogLevel  string     `yaml:"log_level"`
	LogFormat string     `yaml:"log_format"` // text (default) or json
}

// MQTTConfig configures the broker connection and the status topics.
// It is treated as immutable once the publisher has been built.
type MQTTConfig struct {
	BrokerURL       string `yaml:"broker_url"`
	BrokerPort      int    `yaml:"broker_port"`
	// BrokerKeepalive is in seconds. Nil means the default; 0 disables
	// keepalive pings.
	BrokerKeepalive *int `yaml:"broker_keepalive"`
	// ClientID identifies this client to the broker. Empty means a
	// random UUID is generated on every start.
	ClientID string `yaml:"client_id"`
	// Protocol is one of mqttv31, mqttv311 or mqttv5. It is validated
	// when the publisher is constructed, not here.
	Protocol string `yaml:"protocol"`
	// Topic is the base every status topic is published under.
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`
	Retain   bool   `yaml:"retain"`
	// LastWill registers "disconnected" on the status topic as the
	// connection's last will, so a crash does not leave a stale status.
	LastWill bool `yaml:"last_will"`

	// ServiceInterval is how often the reactor drives one round of
	// client network servicing.
	ServiceInterval time.Duration `yaml:"service_interval"`
	// DisconnectTimeout bounds the flush and teardown done on
	// klippy:disconnect.
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig is the client library reconnect schedule. Zero
// fields fall back to connwatch defaults.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// Address returns the broker address in host:port form.
func (c MQTTConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.BrokerURL, c.BrokerPort)
}

// Keepalive returns the keepalive interval in seconds, falling back to
// the default when unset.
func (c MQTTConfig) Keepalive() int {
	if c.BrokerKeepalive == nil {
		return DefaultBrokerKeepalive
	}
	return *c.BrokerKeepalive
}

// ApplyDefaults fills every unset field with its documented default.
// ClientID is left empty; the publisher generates one.
func (c *Config) ApplyDefaults() {
	if c.MQTT.BrokerURL == "" {
		c.MQTT.BrokerURL = DefaultBrokerURL
	}
	if c.MQTT.BrokerPort == 0 {
		c.MQTT.BrokerPort = DefaultBrokerPort
	}
	if c.MQTT.BrokerKeepalive == nil {
		keepalive := DefaultBrokerKeepalive
		c.MQTT.BrokerKeepalive = &keepalive
	}
	if c.MQTT.Protocol == "" {
		c.MQTT.Protocol = DefaultProtocol
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = DefaultTopic
	}
	if c.MQTT.ServiceInterval == 0 {
		c.MQTT.ServiceInterval = DefaultServiceInterval
	}
	if c.MQTT.DisconnectTimeout == 0 {
		c.MQTT.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if c.MQTT.ConnectTimeout == 0 {
		c.MQTT.ConnectTimeout = DefaultConnectTimeout
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate reports the first invalid setting. It expects ApplyDefaults
// to have run.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q invalid (expected text or json)", c.LogFormat)
	}

	m := c.MQTT
	if strings.ContainsAny(m.BrokerURL, "/ ") {
		return fmt.Errorf("mqtt.broker_url %q must be a bare host name or address", m.BrokerURL)
	}
	if m.BrokerPort < 1 || m.BrokerPort > 65535 {
		return fmt.Errorf("mqtt.broker_port %d out of range (1-65535)", m.BrokerPort)
	}
	if k := m.Keepalive(); k < 0 || k > 65535 {
		return fmt.Errorf("mqtt.broker_keepalive %d out of range (0-65535)", k)
	}
	if m.QoS < 0 || m.QoS > 2 {
		return fmt.Errorf("mqtt.qos %d invalid (expected 0, 1 or 2)", m.QoS)
	}
	if m.ServiceInterval < 0 {
		return fmt.Errorf("mqtt.service_interval %s must not be negative", m.ServiceInterval)
	}
	if m.DisconnectTimeout < 0 {
		return fmt.Errorf("mqtt.disconnect_timeout %s must not be negative", m.DisconnectTimeout)
	}
	if m.Reconnect.Multiplier != 0 && m.Reconnect.Multiplier < 1 {
		return fmt.Errorf("mqtt.reconnect.multiplier %v must be at least 1", m.Reconnect.Multiplier)
	}
	return nil
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	return cfg, nil
}

// Default returns a configuration with every default applied, as used
// when no config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}
