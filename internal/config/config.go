package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skypro1111/reuseportd/internal/affinity"
	"github.com/skypro1111/reuseportd/internal/steering"
)

// Failure policies for workers that fail during startup
const (
	FailurePolicyAbort   = "abort"
	FailurePolicyDegrade = "degrade"
)

// Config represents the complete service configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Pool     PoolConfig     `yaml:"pool"`
	Steering SteeringConfig `yaml:"steering"`
	HTTP     HTTPConfig     `yaml:"http"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains UDP listener configuration shared by every worker
type ServerConfig struct {
	Port         int    `yaml:"port"`
	BindAddress  string `yaml:"bind_address"`
	ReadBuffer   int    `yaml:"read_buffer"`   // bytes; longer datagrams are truncated
	SocketBuffer int    `yaml:"socket_buffer"` // SO_RCVBUF bytes, 0 keeps the kernel default
}

// PoolConfig contains worker pool configuration
type PoolConfig struct {
	CPUs           int    `yaml:"cpus"` // 0 = one worker per logical CPU
	FailurePolicy  string `yaml:"failure_policy"`
	StartupTimeout int    `yaml:"startup_timeout"` // seconds
}

// SteeringConfig selects where the steering table and classifier live
type SteeringConfig struct {
	Backend     string `yaml:"backend"`
	PinPath     string `yaml:"pin_path"`
	UnpinOnExit bool   `yaml:"unpin_on_exit"`
}

// HTTPConfig contains HTTP status API configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when a field is not set in the file
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:        2048,
			BindAddress: "0.0.0.0",
			ReadBuffer:  1024,
		},
		Pool: PoolConfig{
			FailurePolicy:  FailurePolicyAbort,
			StartupTimeout: 10,
		},
		Steering: SteeringConfig{
			Backend: steering.BackendKernel,
			PinPath: steering.DefaultPinPath,
		},
		HTTP: HTTPConfig{
			Port:    9090,
			Address: "127.0.0.1",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file on top of Default()
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs validation of every section
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool config: %w", err)
	}

	if err := c.Steering.Validate(); err != nil {
		return fmt.Errorf("steering config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	ip := net.ParseIP(s.BindAddress)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("bind_address must be an IPv4 address, got '%s'", s.BindAddress)
	}

	if s.ReadBuffer < 1 || s.ReadBuffer > 65535 {
		return fmt.Errorf("read_buffer must be between 1 and 65535 bytes, got %d", s.ReadBuffer)
	}

	if s.SocketBuffer < 0 {
		return fmt.Errorf("socket_buffer cannot be negative, got %d", s.SocketBuffer)
	}

	return nil
}

// Validate validates pool configuration
func (p *PoolConfig) Validate() error {
	if p.CPUs < 0 || p.CPUs > affinity.MaxCPU {
		return fmt.Errorf("cpus must be between 0 and %d, got %d", affinity.MaxCPU, p.CPUs)
	}

	validPolicies := map[string]bool{FailurePolicyAbort: true, FailurePolicyDegrade: true}
	if !validPolicies[p.FailurePolicy] {
		return fmt.Errorf("failure_policy must be 'abort' or 'degrade', got '%s'", p.FailurePolicy)
	}

	if p.StartupTimeout < 1 {
		return fmt.Errorf("startup_timeout must be at least 1 second, got %d", p.StartupTimeout)
	}

	return nil
}

// Validate validates steering configuration
func (s *SteeringConfig) Validate() error {
	validBackends := map[string]bool{steering.BackendKernel: true, steering.BackendMemory: true}
	if !validBackends[s.Backend] {
		return fmt.Errorf("backend must be 'kernel' or 'memory', got '%s'", s.Backend)
	}

	if s.Backend == steering.BackendKernel && s.PinPath == "" {
		return fmt.Errorf("pin_path cannot be empty for the kernel backend")
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output may be stdout, stderr or a file path

	return nil
}

// GetStartupTimeoutDuration returns the startup timeout as a time.Duration
func (p *PoolConfig) GetStartupTimeoutDuration() time.Duration {
	return time.Duration(p.StartupTimeout) * time.Second
}

// Address returns the UDP listen address as host:port
func (s *ServerConfig) Address() string {
	return net.JoinHostPort(s.BindAddress, fmt.Sprintf("%d", s.Port))
}
