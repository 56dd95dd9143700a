package config

import (
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/Zereker/tlvserver"
)

// Config represents the complete service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains TCP server configuration
type ServerConfig struct {
	BindAddress     string        `yaml:"bind_address"`
	Port            int           `yaml:"port"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`     // 0 disables
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // drain period on SIGTERM
	MaxConnections  int           `yaml:"max_connections"`  // 0 means unlimited
	SendQueueSize   int           `yaml:"send_queue_size"`
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	PartialFrames   string        `yaml:"partial_frames"`   // lenient or strict
	MaxPayloadSize  int           `yaml:"max_payload_size"` // 0 means no cap below 65535
}

// MetricsConfig contains the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:     "127.0.0.1",
			Port:            9000,
			ShutdownTimeout: 5 * time.Second,
			SendQueueSize:   16,
			ReadBufferSize:  4096,
			PartialFrames:   "lenient",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1",
			Port:    9100,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Load reads the YAML file at path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config file %s", path)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config file %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return errors.Wrap(err, "server config")
	}

	if err := c.Metrics.Validate(); err != nil {
		return errors.Wrap(err, "metrics config")
	}

	if err := c.Logging.Validate(); err != nil {
		return errors.Wrap(err, "logging config")
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.BindAddress == "" {
		return errors.New("bind_address cannot be empty")
	}

	// Port 0 asks the kernel for an ephemeral port.
	if s.Port < 0 || s.Port > 65535 {
		return errors.Errorf("port must be between 0 and 65535, got %d", s.Port)
	}

	if s.IdleTimeout < 0 {
		return errors.Errorf("idle_timeout cannot be negative, got %s", s.IdleTimeout)
	}

	if s.ShutdownTimeout < 0 {
		return errors.Errorf("shutdown_timeout cannot be negative, got %s", s.ShutdownTimeout)
	}

	if s.MaxConnections < 0 {
		return errors.Errorf("max_connections cannot be negative, got %d", s.MaxConnections)
	}

	if s.SendQueueSize < 1 {
		return errors.Errorf("send_queue_size must be at least 1, got %d", s.SendQueueSize)
	}

	if s.ReadBufferSize < 16 {
		return errors.Errorf("read_buffer_size must be at least 16 bytes, got %d", s.ReadBufferSize)
	}

	if _, err := s.PartialFramePolicy(); err != nil {
		return err
	}

	if s.MaxPayloadSize < 0 || s.MaxPayloadSize > tlvserver.MaxPayloadSize {
		return errors.Errorf("max_payload_size must be between 0 and %d, got %d",
			tlvserver.MaxPayloadSize, s.MaxPayloadSize)
	}

	return nil
}

// PartialFramePolicy parses the partial_frames setting.
func (s *ServerConfig) PartialFramePolicy() (tlvserver.PartialFramePolicy, error) {
	switch s.PartialFrames {
	case "lenient", "":
		return tlvserver.Lenient, nil
	case "strict":
		return tlvserver.Strict, nil
	default:
		return 0, errors.Errorf("partial_frames must be 'lenient' or 'strict', got '%s'", s.PartialFrames)
	}
}

// Options converts the server section into tlvserver options.
// Observer and logger are left to the caller.
func (s *ServerConfig) Options() []tlvserver.Option {
	policy, _ := s.PartialFramePolicy()

	opts := []tlvserver.Option{
		tlvserver.PartialFrameOption(policy),
		tlvserver.IdleTimeoutOption(s.IdleTimeout),
		tlvserver.ShutdownTimeoutOption(s.ShutdownTimeout),
		tlvserver.MaxConnectionsOption(s.MaxConnections),
		tlvserver.SendQueueSizeOption(s.SendQueueSize),
		tlvserver.ReadBufferSizeOption(s.ReadBufferSize),
	}

	if s.MaxPayloadSize > 0 {
		opts = append(opts, tlvserver.PacketizerOption(
			tlvserver.LimitPacketizer(tlvserver.TLVPacketizer{}, tlvserver.HeaderSize+s.MaxPayloadSize)))
	}

	return opts
}

// Validate validates metrics configuration
func (m *MetricsConfig) Validate() error {
	if !m.Enabled {
		return nil
	}

	if m.Port < 0 || m.Port > 65535 {
		return errors.Errorf("metrics port must be between 0 and 65535, got %d", m.Port)
	}

	if m.Address == "" {
		return errors.New("metrics address cannot be empty when metrics are enabled")
	}

	if m.Path == "" || m.Path[0] != '/' {
		return errors.Errorf("metrics path must start with '/', got '%s'", m.Path)
	}

	return nil
}

// ListenAddr returns host:port for the metrics endpoint.
func (m *MetricsConfig) ListenAddr() string {
	return net.JoinHostPort(m.Address, strconv.Itoa(m.Port))
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return errors.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validEncodings := map[string]bool{"json": true, "console": true}
	if !validEncodings[l.Encoding] {
		return errors.Errorf("encoding must be 'json' or 'console', got '%s'", l.Encoding)
	}

	return nil
}
