// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport establishes the byte stream an AMQP connection runs
// over: TCP or WebSocket, optionally secured with TLS under a validation
// policy.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"
)

// Schemes.
const (
	SchemeTCP = "tcp"
	SchemeWS  = "ws"
)

// Dialer establishes endpoints. The zero value dials plain TCP without a
// timeout.
type Dialer struct {
	Timeout time.Duration
	// Scheme is SchemeTCP (default) or SchemeWS.
	Scheme        string
	WebSocketPath string
	// ProxyURL routes connections through a SOCKS5 proxy.
	ProxyURL *url.URL
	Limiter  *rate.Limiter
	Breakers *Breakers
	Logger   *slog.Logger
}

// Dial connects to host:port within timeout using a plain TCP dialer.
func Dial(ctx context.Context, host string, port int, policy SecurityPolicy, timeout time.Duration) (*Endpoint, error) {
	d := &Dialer{Timeout: timeout}
	return d.Dial(ctx, host, port, policy)
}

// Dial connects to host:port and performs the security handshake the policy
// requests. Failures are *Error values.
func (d *Dialer) Dial(ctx context.Context, host string, port int, policy SecurityPolicy) (*Endpoint, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	if d.Limiter != nil {
		if err := d.Limiter.Wait(ctx); err != nil {
			return nil, &Error{Kind: KindTimeout, Addr: addr, Err: fmt.Errorf("dial rate limit: %w", err)}
		}
	}

	dial := func() (*Endpoint, error) {
		ep, err := d.dial(ctx, host, port, policy)
		if err != nil {
			return nil, classify(ctx, addr, err)
		}
		return ep, nil
	}
	if d.Breakers != nil {
		return d.Breakers.execute(addr, dial)
	}
	return dial()
}

func (d *Dialer) dial(ctx context.Context, host string, port int, policy SecurityPolicy) (*Endpoint, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var tolerated ValidationErrors

	var tlsConfig *tls.Config
	if policy.TLS {
		tlsConfig = policy.clientTLSConfig(ctx, host, &tolerated)
	}

	switch d.Scheme {
	case "", SchemeTCP:
		conn, err := d.netDial(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		ep := newEndpoint(conn, host, port, SchemeTCP)
		if tlsConfig == nil {
			return ep, nil
		}
		tlsConn, err := handshake(ctx, conn, tlsConfig)
		if err != nil {
			return nil, err
		}
		ep.conn = tlsConn
		ep.setTLSState(tlsConn.ConnectionState(), tolerated)
		return ep, nil

	case SchemeWS:
		return d.dialWebSocket(ctx, host, port, tlsConfig, &tolerated)

	default:
		return nil, fmt.Errorf("unsupported transport scheme %q", d.Scheme)
	}
}

func (d *Dialer) dialWebSocket(ctx context.Context, host string, port int, tlsConfig *tls.Config, tolerated *ValidationErrors) (*Endpoint, error) {
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   d.WebSocketPath,
	}
	if u.Path == "" {
		u.Path = "/"
	}
	if tlsConfig != nil {
		u.Scheme = "wss"
	}

	wd := websocket.Dialer{
		NetDialContext: d.netDial,
		Subprotocols:   []string{Subprotocol},
	}
	if tlsConfig != nil {
		wd.NetDialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := d.netDial(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return handshake(ctx, conn, tlsConfig)
		}
	}
	ws, resp, err := wd.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	ep := newEndpoint(newWSConn(ws), host, port, SchemeWS)
	if tlsConn, ok := ws.UnderlyingConn().(*tls.Conn); ok {
		ep.setTLSState(tlsConn.ConnectionState(), *tolerated)
	}
	return ep, nil
}

func (d *Dialer) netDial(ctx context.Context, network, addr string) (net.Conn, error) {
	nd := &net.Dialer{}
	if d.ProxyURL == nil {
		return nd.DialContext(ctx, network, addr)
	}
	pd, err := proxy.FromURL(d.ProxyURL, nd)
	if err != nil {
		return nil, err
	}
	if cd, ok := pd.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	return pd.Dial(network, addr)
}

// handshake runs the TLS client handshake on conn, closing it on failure.
func handshake(ctx context.Context, conn net.Conn, config *tls.Config) (*tls.Conn, error) {
	tlsConn := tls.Client(conn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, &handshakeError{err: err}
	}
	return tlsConn, nil
}

// handshakeError marks failures of the TLS handshake.
type handshakeError struct {
	err error
}

func (e *handshakeError) Error() string { return "tls handshake: " + e.err.Error() }
func (e *handshakeError) Unwrap() error { return e.err }

func classify(ctx context.Context, addr string, err error) *Error {
	var netErr net.Error
	var hsErr *handshakeError
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(ctx.Err(), context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return &Error{Kind: KindTimeout, Addr: addr, Err: err}
	case errors.As(err, &hsErr):
		return &Error{Kind: KindSecurityValidationFailed, Addr: addr, Err: hsErr.err}
	default:
		return &Error{Kind: KindUnreachable, Addr: addr, Err: err}
	}
}
