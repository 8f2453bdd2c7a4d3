// File: server/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/momentics/hioload-sock/api"
	"github.com/momentics/hioload-sock/reactor"
)

// MaxWorkers bounds the number of worker threads a server may run.
const MaxWorkers = 64

// TLSConfig selects TLS for accepted clients.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"certFile"`
	KeyFile    string `yaml:"keyFile"`
	MinVersion string `yaml:"minVersion"` // "1.2" or "1.3"
}

// KeepAliveConfig mirrors the TCP keep-alive socket options.
type KeepAliveConfig struct {
	Idle     time.Duration `yaml:"idle"`
	Interval time.Duration `yaml:"interval"`
	Count    int           `yaml:"count"`
}

// Config holds all server-side configuration parameters.
type Config struct {
	Network string `yaml:"network"` // tcp, tcp4 or tcp6
	Address string `yaml:"address"` // bind address, e.g. ":9000"
	Backlog int    `yaml:"backlog"`

	TLS TLSConfig `yaml:"tls"`

	MaxClients     int `yaml:"maxClients"` // 0 = unlimited
	RecvBufferSize int `yaml:"recvBufferSize"`
	Workers        int `yaml:"workers"` // started by the CLI; New never starts workers

	PollTimeout time.Duration `yaml:"pollTimeout"`
	MaxEvents   int           `yaml:"maxEvents"`

	SocketTimeout time.Duration   `yaml:"socketTimeout"`
	KeepAlive     KeepAliveConfig `yaml:"keepAlive"`

	MaxIDAttempts int   `yaml:"maxIdAttempts"`
	WorkerCPUs    []int `yaml:"workerCpus"`

	// IdleTimeout enables the idle reaper when positive.
	IdleTimeout time.Duration `yaml:"idleTimeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network:        "tcp",
		Address:        ":9000",
		Backlog:        512,
		TLS:            TLSConfig{MinVersion: "1.2"},
		RecvBufferSize: 4096,
		Workers:        4,
		PollTimeout:    100 * time.Millisecond,
		MaxEvents:      16,
		SocketTimeout:  10 * time.Second,
		KeepAlive: KeepAliveConfig{
			Idle:     600 * time.Second,
			Interval: 5 * time.Second,
			Count:    6,
		},
		MaxIDAttempts: 128,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig and validates it.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{api.ErrInvalidArgument}, args...)...)
	}
	switch c.Network {
	case "tcp", "tcp4", "tcp6":
	default:
		return invalid("network %q", c.Network)
	}
	if c.Backlog <= 0 {
		return invalid("backlog %d", c.Backlog)
	}
	if c.MaxClients < 0 {
		return invalid("maxClients %d", c.MaxClients)
	}
	if c.RecvBufferSize <= 0 {
		return invalid("recvBufferSize %d", c.RecvBufferSize)
	}
	if c.Workers < 0 || c.Workers > MaxWorkers {
		return invalid("workers %d outside [0,%d]", c.Workers, MaxWorkers)
	}
	if c.PollTimeout <= 0 {
		return invalid("pollTimeout %s", c.PollTimeout)
	}
	if c.MaxEvents <= 0 || c.MaxEvents > reactor.MaxWaitEvents {
		return invalid("maxEvents %d", c.MaxEvents)
	}
	if c.SocketTimeout < 0 || c.IdleTimeout < 0 {
		return invalid("negative timeout")
	}
	if c.KeepAlive.Count < 0 || c.KeepAlive.Idle < 0 || c.KeepAlive.Interval < 0 {
		return invalid("negative keep-alive setting")
	}
	if c.MaxIDAttempts < 0 {
		return invalid("maxIdAttempts %d", c.MaxIDAttempts)
	}
	if c.TLS.Enabled {
		if _, err := c.TLS.version(); err != nil {
			return err
		}
		if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
			return invalid("tls certFile and keyFile must be set together")
		}
	}
	return nil
}

func (t TLSConfig) version() (uint16, error) {
	switch t.MinVersion {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("%w: tls minVersion %q", api.ErrInvalidArgument, t.MinVersion)
	}
}
