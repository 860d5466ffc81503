// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	pkgtls "github.com/absmach/fluxamqp/pkg/tls"
)

// Endpoint is an established, optionally secured, byte stream to a peer.
// Read and Write are for a single owner; Close may be called from anywhere
// and releases the socket exactly once.
type Endpoint struct {
	Host   string
	Port   int
	Scheme string
	Secure bool

	// Set when Secure.
	TLSVersion   string
	CipherSuite  string
	PeerIdentity string
	// Tolerated holds the validation errors the policy allowed.
	Tolerated ValidationErrors

	conn      net.Conn
	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
	releases  atomic.Int32
}

func newEndpoint(conn net.Conn, host string, port int, scheme string) *Endpoint {
	return &Endpoint{
		Host:   host,
		Port:   port,
		Scheme: scheme,
		conn:   conn,
	}
}

func (e *Endpoint) setTLSState(state tls.ConnectionState, tolerated ValidationErrors) {
	e.Secure = true
	e.TLSVersion = tls.VersionName(state.Version)
	e.CipherSuite = tls.CipherSuiteName(state.CipherSuite)
	e.PeerIdentity = pkgtls.PeerIdentity(state)
	e.Tolerated = tolerated
}

// Addr returns host:port.
func (e *Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e *Endpoint) Read(p []byte) (int, error) {
	return e.conn.Read(p)
}

func (e *Endpoint) Write(p []byte) (int, error) {
	return e.conn.Write(p)
}

// SetWriteDeadline bounds subsequent writes. A zero time clears it.
func (e *Endpoint) SetWriteDeadline(t time.Time) error {
	return e.conn.SetWriteDeadline(t)
}

// SetReadDeadline bounds subsequent reads. A zero time clears it.
func (e *Endpoint) SetReadDeadline(t time.Time) error {
	return e.conn.SetReadDeadline(t)
}

// Close releases the underlying socket. Only the first call has effect.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.releases.Add(1)
		e.closeErr = e.conn.Close()
	})
	return e.closeErr
}

// Alive reports whether the endpoint has not been closed.
func (e *Endpoint) Alive() bool {
	return !e.closed.Load()
}

// CloseCount returns how many times the socket was released.
func (e *Endpoint) CloseCount() int {
	return int(e.releases.Load())
}

func (e *Endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

func (e *Endpoint) RemoteAddr() net.Addr {
	return e.conn.RemoteAddr()
}
