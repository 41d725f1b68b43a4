// Package config holds the tunnel tool configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Role represents the endpoint's role in the tunnel.
type Role string

const (
	// RoleHost dials the forwarded service for every remote connection event.
	RoleHost Role = "host"

	// RoleClient accepts local connections and originates connection events.
	RoleClient Role = "client"
)

// TransportKind selects how the two endpoints are connected.
type TransportKind string

const (
	TransportWebRTC    TransportKind = "webrtc"
	TransportWebSocket TransportKind = "websocket"
)

// Config stores all parameters of one tunnel endpoint process.
type Config struct {
	// Role is host or client.
	Role Role `yaml:"role"`

	// TunnelID names the tunnel; both endpoints must agree on it.
	TunnelID string `yaml:"tunnelId"`

	// Port is the forwarded service port (host) or the local port to accept
	// connections on (client).
	Port int `yaml:"port"`

	// IPv6 selects the address family for the local TCP side.
	IPv6 bool `yaml:"ipv6"`

	// Transport is webrtc (signaling + P2P) or websocket (direct).
	Transport TransportKind `yaml:"transport"`

	// SignalAddr is the address the host listens on for signaling (webrtc)
	// or for the direct tunnel connection (websocket).
	SignalAddr string `yaml:"signalAddr"`

	// SignalURL is the URL the client connects to.
	SignalURL string `yaml:"signalUrl"`

	// IdleTimeout, when positive, notifies the peer about silent
	// connections. Zero disables idle notifications.
	IdleTimeout time.Duration `yaml:"idleTimeout"`

	// MetricsAddr, when set, serves Prometheus metrics on this address.
	MetricsAddr string `yaml:"metricsAddr"`

	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Dir is the log directory; empty disables file logging.
	Dir string `yaml:"dir"`

	// File is the log file name within Dir.
	File string `yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `yaml:"maxAge"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		TunnelID:  "default",
		Transport: TransportWebRTC,
		Logging: LoggingConfig{
			Level:      "info",
			File:       "tunnel.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadFromFile merges a YAML file into config.
func LoadFromFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleHost, RoleClient:
	default:
		return fmt.Errorf("invalid role %q: must be %q or %q", c.Role, RoleHost, RoleClient)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 1~65535", c.Port)
	}

	if c.TunnelID == "" {
		return fmt.Errorf("tunnelId must not be empty")
	}

	switch c.Transport {
	case TransportWebRTC, TransportWebSocket:
	default:
		return fmt.Errorf("invalid transport %q: must be %q or %q", c.Transport, TransportWebRTC, TransportWebSocket)
	}

	if c.Role == RoleClient && c.SignalURL == "" {
		return fmt.Errorf("signalUrl is required for the client role")
	}

	return nil
}
