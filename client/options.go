// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"slices"
	"time"

	"github.com/absmach/fluxamqp/amqp1/frames"
	"github.com/absmach/fluxamqp/amqp1/sasl"
	pkgtls "github.com/absmach/fluxamqp/pkg/tls"
	"github.com/absmach/fluxamqp/pkg/tls/verifier/ocsp"
	"github.com/absmach/fluxamqp/transport"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Default values.
const (
	DefaultConnectTimeout   = 15 * time.Second
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultCloseTimeout     = 15 * time.Second
	DefaultIdleTimeout      = 60 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultMaxFrameSize     = frames.DefaultMaxFrameSize
	DefaultChannelMax       = 65535
	DefaultWebSocketPath    = "/"
	DefaultBreakerReset     = 30 * time.Second
)

// Options configures an AMQP 1.0 connection. Connect takes a copy, so
// changing Options afterwards does not affect a running connection.
type Options struct {
	// Authentication
	Username       string   // SASL username
	Password       string   // SASL password or token
	AuthzID        string   // Optional authorization identity
	SASLEnabled    bool     // Negotiate the SASL layer (default true)
	SASLMechanisms []string // Mechanism preference (empty = sasl.DefaultPreference)

	// Security
	TLSEnabled              bool                       // Secure the transport with TLS
	TLSConfig               *tls.Config                // Roots, client certificates and version bounds
	ServerName              string                     // Certificate name to verify (default host)
	AllowedValidationErrors transport.ValidationErrors // Certificate errors to tolerate
	CheckRevocation         bool                       // Check the peer chain with OCSP
	OCSP                    ocsp.Config                // OCSP responder settings

	// Transport
	Transport     string              // transport.SchemeTCP or transport.SchemeWS
	WebSocketPath string              // Request path for the WebSocket scheme
	ProxyURL      string              // Optional SOCKS5 proxy (socks5://host:port)
	DialLimiter   *rate.Limiter       // Limits dial attempts (nil = unlimited)
	DialBreakers  *transport.Breakers // Fails fast after repeated dial failures (nil = disabled)

	// Timeouts
	ConnectTimeout   time.Duration // Transport connect and security handshake (0 = none)
	HandshakeTimeout time.Duration // From transport connected until peer Open (0 = none)
	CloseTimeout     time.Duration // How long Closing waits for the peer Close
	IdleTimeout      time.Duration // Advertised in Open and enforced while open (0 = disabled)
	WriteTimeout     time.Duration // Deadline for each frame write (0 = none)

	// Open
	ContainerID         string         // Local container id (default random UUID)
	VirtualHost         string         // Open hostname (default host)
	MaxFrameSize        uint32         // Largest frame accepted from the peer
	ChannelMax          uint16         // Highest channel number accepted
	OfferedCapabilities []string       // Extensions offered to the peer
	DesiredCapabilities []string       // Extensions desired from the peer
	Properties          map[string]any // Connection properties

	// Observability
	Logger         *slog.Logger         // Defaults to slog.Default()
	MeterProvider  metric.MeterProvider // Defaults to the global provider
	TracerProvider trace.TracerProvider // Defaults to the global provider
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		SASLEnabled:      true,
		Transport:        transport.SchemeTCP,
		WebSocketPath:    DefaultWebSocketPath,
		ConnectTimeout:   DefaultConnectTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
		CloseTimeout:     DefaultCloseTimeout,
		IdleTimeout:      DefaultIdleTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		MaxFrameSize:     DefaultMaxFrameSize,
		ChannelMax:       DefaultChannelMax,
	}
}

// SetCredentials sets username and password.
func (o *Options) SetCredentials(username, password string) *Options {
	o.Username = username
	o.Password = password
	return o
}

// SetAuthzID sets the authorization identity sent by PLAIN and EXTERNAL.
func (o *Options) SetAuthzID(id string) *Options {
	o.AuthzID = id
	return o
}

// SetSASL enables or disables the SASL layer.
func (o *Options) SetSASL(enabled bool) *Options {
	o.SASLEnabled = enabled
	return o
}

// SetSASLMechanisms sets the mechanism preference, most preferred first.
func (o *Options) SetSASLMechanisms(mechs ...string) *Options {
	o.SASLMechanisms = mechs
	return o
}

// SetTLS enables or disables TLS.
func (o *Options) SetTLS(enabled bool) *Options {
	o.TLSEnabled = enabled
	return o
}

// SetTLSConfig sets the base TLS configuration.
func (o *Options) SetTLSConfig(cfg *tls.Config) *Options {
	o.TLSConfig = cfg
	return o
}

// SetServerName sets the name the peer certificate must match.
func (o *Options) SetServerName(name string) *Options {
	o.ServerName = name
	return o
}

// SetAllowedValidationErrors sets the certificate errors to tolerate.
func (o *Options) SetAllowedValidationErrors(allowed transport.ValidationErrors) *Options {
	o.AllowedValidationErrors = allowed
	return o
}

// SetRevocationCheck enables OCSP checking of the peer chain.
func (o *Options) SetRevocationCheck(cfg ocsp.Config) *Options {
	o.CheckRevocation = true
	o.OCSP = cfg
	return o
}

// SetTransport selects the transport scheme.
func (o *Options) SetTransport(scheme string) *Options {
	o.Transport = scheme
	return o
}

// SetWebSocketPath sets the request path used by the WebSocket scheme.
func (o *Options) SetWebSocketPath(path string) *Options {
	o.WebSocketPath = path
	return o
}

// SetProxy routes dials through a SOCKS5 proxy.
func (o *Options) SetProxy(rawURL string) *Options {
	o.ProxyURL = rawURL
	return o
}

// SetDialRateLimit limits dial attempts to perSecond with the given burst.
// Options copies share the limiter.
func (o *Options) SetDialRateLimit(perSecond float64, burst int) *Options {
	if perSecond <= 0 {
		o.DialLimiter = nil
		return o
	}
	if burst < 1 {
		burst = 1
	}
	o.DialLimiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	return o
}

// SetDialBreaker fails dials fast after threshold consecutive failures to
// the same address, probing again after reset. Options copies share the
// breakers.
func (o *Options) SetDialBreaker(threshold uint32, reset time.Duration) *Options {
	if threshold == 0 {
		o.DialBreakers = nil
		return o
	}
	if reset <= 0 {
		reset = DefaultBreakerReset
	}
	o.DialBreakers = transport.NewBreakers(threshold, reset, o.Logger)
	return o
}

// SetConnectTimeout sets the transport connect timeout.
func (o *Options) SetConnectTimeout(d time.Duration) *Options {
	o.ConnectTimeout = d
	return o
}

// SetHandshakeTimeout sets how long to wait for the peer Open.
func (o *Options) SetHandshakeTimeout(d time.Duration) *Options {
	o.HandshakeTimeout = d
	return o
}

// SetCloseTimeout sets how long to wait for the peer Close.
func (o *Options) SetCloseTimeout(d time.Duration) *Options {
	o.CloseTimeout = d
	return o
}

// SetIdleTimeout sets the idle timeout.
func (o *Options) SetIdleTimeout(d time.Duration) *Options {
	o.IdleTimeout = d
	return o
}

// SetWriteTimeout sets the per-frame write deadline.
func (o *Options) SetWriteTimeout(d time.Duration) *Options {
	o.WriteTimeout = d
	return o
}

// SetContainerID sets the local container id.
func (o *Options) SetContainerID(id string) *Options {
	o.ContainerID = id
	return o
}

// SetVirtualHost sets the hostname sent in Open and sasl-init.
func (o *Options) SetVirtualHost(host string) *Options {
	o.VirtualHost = host
	return o
}

// SetMaxFrameSize sets the largest frame accepted from the peer.
func (o *Options) SetMaxFrameSize(size uint32) *Options {
	o.MaxFrameSize = size
	return o
}

// SetChannelMax sets the highest channel number accepted.
func (o *Options) SetChannelMax(max uint16) *Options {
	o.ChannelMax = max
	return o
}

// SetCapabilities sets the offered and desired capabilities.
func (o *Options) SetCapabilities(offered, desired []string) *Options {
	o.OfferedCapabilities = offered
	o.DesiredCapabilities = desired
	return o
}

// SetProperty sets a connection property.
func (o *Options) SetProperty(key string, value any) *Options {
	if o.Properties == nil {
		o.Properties = make(map[string]any)
	}
	o.Properties[key] = value
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(logger *slog.Logger) *Options {
	o.Logger = logger
	return o
}

// SetMeterProvider sets the provider connection metrics are recorded with.
func (o *Options) SetMeterProvider(mp metric.MeterProvider) *Options {
	o.MeterProvider = mp
	return o
}

// SetTracerProvider sets the provider lifecycle spans are recorded with.
func (o *Options) SetTracerProvider(tp trace.TracerProvider) *Options {
	o.TracerProvider = tp
	return o
}

// Validate checks the options for inconsistencies. Every failure is a
// *ConfigurationError.
func (o *Options) Validate() error {
	if !o.TLSEnabled {
		switch {
		case o.AllowedValidationErrors != transport.NoValidationErrors:
			return &ConfigurationError{Field: "allowed_validation_errors", Err: ErrTLSPolicyWithoutTLS}
		case o.TLSConfig != nil:
			return &ConfigurationError{Field: "tls_config", Err: ErrTLSPolicyWithoutTLS}
		case o.ServerName != "":
			return &ConfigurationError{Field: "server_name", Err: ErrTLSPolicyWithoutTLS}
		case o.CheckRevocation:
			return &ConfigurationError{Field: "check_revocation", Err: ErrTLSPolicyWithoutTLS}
		}
	}
	if (o.Username == "") != (o.Password == "") {
		return &ConfigurationError{Field: "credentials", Err: ErrPartialCredentials}
	}

	timeouts := []struct {
		name string
		d    time.Duration
	}{
		{"connect_timeout", o.ConnectTimeout},
		{"handshake_timeout", o.HandshakeTimeout},
		{"close_timeout", o.CloseTimeout},
		{"idle_timeout", o.IdleTimeout},
		{"write_timeout", o.WriteTimeout},
	}
	for _, t := range timeouts {
		if t.d < 0 {
			return &ConfigurationError{Field: t.name, Err: ErrNegativeTimeout}
		}
	}
	if o.IdleTimeout > 0 && o.IdleTimeout/time.Millisecond > 1<<32-1 {
		return &ConfigurationError{Field: "idle_timeout", Err: fmt.Errorf("%v does not fit in milliseconds", o.IdleTimeout)}
	}

	if o.MaxFrameSize < frames.MinMaxFrameSize {
		return &ConfigurationError{Field: "max_frame_size", Err: ErrMaxFrameSize}
	}
	for _, m := range o.SASLMechanisms {
		if !sasl.Supported(m) {
			return &ConfigurationError{Field: "sasl_mechanisms", Err: fmt.Errorf("%w: %q", ErrUnknownMechanism, m)}
		}
	}
	switch o.Transport {
	case "", transport.SchemeTCP, transport.SchemeWS:
	default:
		return &ConfigurationError{Field: "transport", Err: fmt.Errorf("%w: %q", ErrUnknownTransport, o.Transport)}
	}
	if o.ProxyURL != "" {
		u, err := url.Parse(o.ProxyURL)
		if err != nil {
			return &ConfigurationError{Field: "proxy_url", Err: fmt.Errorf("%w: %w", ErrInvalidProxy, err)}
		}
		if u.Scheme != "socks5" && u.Scheme != "socks5h" {
			return &ConfigurationError{Field: "proxy_url", Err: fmt.Errorf("%w: scheme %q", ErrInvalidProxy, u.Scheme)}
		}
	}
	for k := range o.Properties {
		if k == "" {
			return &ConfigurationError{Field: "properties", Err: ErrEmptyPropertyKey}
		}
	}
	return nil
}

// clone returns a deep copy of the fields a connection reads, so callers
// cannot mutate a running connection's options.
func (o *Options) clone() *Options {
	c := *o
	c.SASLMechanisms = slices.Clone(o.SASLMechanisms)
	c.OfferedCapabilities = slices.Clone(o.OfferedCapabilities)
	c.DesiredCapabilities = slices.Clone(o.DesiredCapabilities)
	c.Properties = maps.Clone(o.Properties)
	if o.TLSConfig != nil {
		c.TLSConfig = o.TLSConfig.Clone()
	}
	return &c
}

// credentials returns the SASL inputs the options provide.
func (o *Options) credentials() sasl.Credentials {
	return sasl.Credentials{
		Username: o.Username,
		Password: o.Password,
		AuthzID:  o.AuthzID,
		External: o.TLSEnabled && pkgtls.HasClientCertificate(o.TLSConfig),
	}
}
