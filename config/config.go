// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/absmach/fluxamqp/client"
	pkgtls "github.com/absmach/fluxamqp/pkg/tls"
	"github.com/absmach/fluxamqp/pkg/tls/verifier/ocsp"
	"github.com/absmach/fluxamqp/transport"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for an AMQP 1.0 client connection.
type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
	TLS        TLSConfig        `yaml:"tls"`
	SASL       SASLConfig       `yaml:"sasl"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	Transport  TransportConfig  `yaml:"transport"`
	Log        LogConfig        `yaml:"log"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ConnectionConfig holds the peer address and the Open parameters.
type ConnectionConfig struct {
	Host                string            `yaml:"host"`
	Port                int               `yaml:"port"`
	ContainerID         string            `yaml:"container_id"` // Random UUID when empty
	VirtualHost         string            `yaml:"virtual_host"` // Host when empty
	MaxFrameSize        uint32            `yaml:"max_frame_size"`
	ChannelMax          uint16            `yaml:"channel_max"`
	OfferedCapabilities []string          `yaml:"offered_capabilities"`
	DesiredCapabilities []string          `yaml:"desired_capabilities"`
	Properties          map[string]string `yaml:"properties"`
}

// TLSConfig holds transport security settings.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ServerName string `yaml:"server_name"`
	// AllowedErrors lists tolerated certificate errors: not-available,
	// name-mismatch, chain-errors.
	AllowedErrors   []string      `yaml:"allowed_errors"`
	CheckRevocation bool          `yaml:"check_revocation"`
	OCSPResponder   string        `yaml:"ocsp_responder"` // Overrides the certificate's responder
	OCSPTimeout     time.Duration `yaml:"ocsp_timeout"`

	pkgtls.Config `yaml:",inline"`
}

// SASLConfig holds authentication settings.
type SASLConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Mechanisms []string `yaml:"mechanisms"` // Preference order, empty = library default
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	AuthzID    string   `yaml:"authz_id"`
}

// TimeoutsConfig holds lifecycle timeouts. Zero disables a timeout.
type TimeoutsConfig struct {
	Connect   time.Duration `yaml:"connect"`
	Handshake time.Duration `yaml:"handshake"`
	Close     time.Duration `yaml:"close"`
	Idle      time.Duration `yaml:"idle"`
	Write     time.Duration `yaml:"write"`
}

// TransportConfig holds dialing settings.
type TransportConfig struct {
	Scheme           string        `yaml:"scheme"` // tcp, ws
	WebSocketPath    string        `yaml:"websocket_path"`
	ProxyURL         string        `yaml:"proxy_url"`         // socks5://host:port
	DialRate         float64       `yaml:"dial_rate"`         // Dials per second, 0 = unlimited
	DialBurst        int           `yaml:"dial_burst"`        // Burst for dial_rate
	BreakerThreshold uint32        `yaml:"breaker_threshold"` // Consecutive failures, 0 = disabled
	BreakerReset     time.Duration `yaml:"breaker_reset"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC collector
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Host:         "localhost",
			Port:         5672,
			MaxFrameSize: client.DefaultMaxFrameSize,
			ChannelMax:   client.DefaultChannelMax,
		},
		SASL: SASLConfig{
			Enabled: true,
		},
		TLS: TLSConfig{
			OCSPTimeout: 5 * time.Second,
		},
		Timeouts: TimeoutsConfig{
			Connect:   client.DefaultConnectTimeout,
			Handshake: client.DefaultHandshakeTimeout,
			Close:     client.DefaultCloseTimeout,
			Idle:      client.DefaultIdleTimeout,
			Write:     client.DefaultWriteTimeout,
		},
		Transport: TransportConfig{
			Scheme:        transport.SchemeTCP,
			WebSocketPath: client.DefaultWebSocketPath,
			BreakerReset:  client.DefaultBreakerReset,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "amqp1-probe",
			ServiceVersion:  "1.0.0",
			MetricsEnabled:  true,
			TracesEnabled:   false,
			TraceSampleRate: 1.0,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Connection.Host == "" {
		return fmt.Errorf("connection.host cannot be empty")
	}
	if c.Connection.Port < 1 || c.Connection.Port > 65535 {
		return fmt.Errorf("connection.port must be between 1 and 65535")
	}
	if c.Connection.MaxFrameSize < 512 {
		return fmt.Errorf("connection.max_frame_size must be at least 512")
	}

	if !c.TLS.Enabled {
		if len(c.TLS.AllowedErrors) > 0 || c.TLS.ServerName != "" || c.TLS.CheckRevocation {
			return fmt.Errorf("tls settings require tls.enabled")
		}
	}
	if _, err := transport.ParseValidationErrors(c.TLS.AllowedErrors); err != nil {
		return fmt.Errorf("tls.allowed_errors: %w", err)
	}

	if (c.SASL.Username == "") != (c.SASL.Password == "") {
		return fmt.Errorf("sasl.username and sasl.password must be set together")
	}

	if c.Timeouts.Connect < 0 || c.Timeouts.Handshake < 0 || c.Timeouts.Close < 0 ||
		c.Timeouts.Idle < 0 || c.Timeouts.Write < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}

	validSchemes := map[string]bool{transport.SchemeTCP: true, transport.SchemeWS: true}
	if !validSchemes[c.Transport.Scheme] {
		return fmt.Errorf("transport.scheme must be one of: tcp, ws")
	}
	if c.Transport.DialRate < 0 {
		return fmt.Errorf("transport.dial_rate cannot be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Options converts the configuration into client options, loading TLS
// material from disk.
func (c *Config) Options(logger *slog.Logger) (*client.Options, error) {
	opts := client.NewOptions().
		SetLogger(logger).
		SetContainerID(c.Connection.ContainerID).
		SetVirtualHost(c.Connection.VirtualHost).
		SetMaxFrameSize(c.Connection.MaxFrameSize).
		SetChannelMax(c.Connection.ChannelMax).
		SetCapabilities(c.Connection.OfferedCapabilities, c.Connection.DesiredCapabilities).
		SetSASL(c.SASL.Enabled).
		SetSASLMechanisms(c.SASL.Mechanisms...).
		SetCredentials(c.SASL.Username, c.SASL.Password).
		SetAuthzID(c.SASL.AuthzID).
		SetConnectTimeout(c.Timeouts.Connect).
		SetHandshakeTimeout(c.Timeouts.Handshake).
		SetCloseTimeout(c.Timeouts.Close).
		SetIdleTimeout(c.Timeouts.Idle).
		SetWriteTimeout(c.Timeouts.Write).
		SetTransport(c.Transport.Scheme).
		SetWebSocketPath(c.Transport.WebSocketPath).
		SetProxy(c.Transport.ProxyURL).
		SetDialRateLimit(c.Transport.DialRate, c.Transport.DialBurst).
		SetDialBreaker(c.Transport.BreakerThreshold, c.Transport.BreakerReset)

	for k, v := range c.Connection.Properties {
		opts.SetProperty(k, v)
	}

	if c.TLS.Enabled {
		tlsConfig, err := pkgtls.LoadClientConfig(c.TLS.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to load tls material: %w", err)
		}
		allowed, err := transport.ParseValidationErrors(c.TLS.AllowedErrors)
		if err != nil {
			return nil, fmt.Errorf("tls.allowed_errors: %w", err)
		}
		opts.SetTLS(true).
			SetTLSConfig(tlsConfig).
			SetServerName(c.TLS.ServerName).
			SetAllowedValidationErrors(allowed)
		if c.TLS.CheckRevocation {
			opts.SetRevocationCheck(ocsp.Config{
				ResponderURL: c.TLS.OCSPResponder,
				Timeout:      c.TLS.OCSPTimeout,
			})
		}
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
