// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/absmach/fluxamqp/testutil"
	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// echoServer accepts connections, completes the TLS handshake when
// configured and echoes everything back.
func echoServer(t *testing.T, config *tls.Config) int {
	t.Helper()

	var ln net.Listener
	var err error
	if config != nil {
		ln, err = tls.Listen("tcp", "127.0.0.1:0", config)
	} else {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
	}
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				if tc, ok := conn.(*tls.Conn); ok {
					if err := tc.Handshake(); err != nil {
						return
					}
				}
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestDialPlain(t *testing.T) {
	port := echoServer(t, nil)

	ep, err := Dial(context.Background(), "127.0.0.1", port, SecurityPolicy{}, time.Second)
	require.NoError(t, err)
	assert.False(t, ep.Secure)
	assert.Equal(t, SchemeTCP, ep.Scheme)
	assert.Equal(t, "127.0.0.1:"+strconv.Itoa(port), ep.Addr())

	_, err = ep.Write([]byte("AMQP"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(ep, buf)
	require.NoError(t, err)
	assert.Equal(t, "AMQP", string(buf))

	assert.True(t, ep.Alive())
	require.NoError(t, ep.Close())
	_ = ep.Close()
	assert.False(t, ep.Alive())
	assert.Equal(t, 1, ep.CloseCount())
}

func TestDialUnreachable(t *testing.T) {
	_, err := Dial(context.Background(), "127.0.0.1", closedPort(t), SecurityPolicy{}, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreachable)

	var terr *Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, KindUnreachable, terr.Kind)
}

func TestDialTimeout(t *testing.T) {
	// A listener that never answers the TLS handshake.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	start := time.Now()
	_, err = Dial(context.Background(), "127.0.0.1", port, SecurityPolicy{TLS: true}, 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDialTLSValidationPolicy(t *testing.T) {
	certs := testutil.GenerateTestCerts(t)

	cases := []struct {
		name    string
		cert    tls.Certificate
		allowed ValidationErrors
		want    ValidationErrors
		ok      bool
	}{
		{"valid", certs.Server, NoValidationErrors, NoValidationErrors, true},
		{"name mismatch rejected", certs.WrongName, NoValidationErrors, NameMismatch, false},
		{"name mismatch allowed", certs.WrongName, NameMismatch, NameMismatch, true},
		{"name mismatch with chain allowance", certs.WrongName, ChainErrors, NameMismatch, false},
		{"untrusted rejected", certs.Untrusted, NoValidationErrors, ChainErrors, false},
		{"untrusted allowed", certs.Untrusted, ChainErrors, ChainErrors, true},
		{"untrusted with name allowance", certs.Untrusted, NameMismatch, ChainErrors, false},
		{"expired rejected", certs.Expired, NoValidationErrors, ChainErrors, false},
		{"expired allowed", certs.Expired, ChainErrors, ChainErrors, true},
		{"both errors chain allowed only", certs.UntrustedWrongName, ChainErrors, ChainErrors | NameMismatch, false},
		{"both errors name allowed only", certs.UntrustedWrongName, NameMismatch, ChainErrors | NameMismatch, false},
		{"both errors both allowed", certs.UntrustedWrongName, ChainErrors | NameMismatch, ChainErrors | NameMismatch, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			port := echoServer(t, testutil.ServerTLSConfig(tc.cert))
			policy := SecurityPolicy{
				TLS:        true,
				Config:     &tls.Config{RootCAs: certs.Roots, MinVersion: tls.VersionTLS12},
				ServerName: "localhost",
				Allowed:    tc.allowed,
			}

			ep, err := Dial(context.Background(), "127.0.0.1", port, policy, 2*time.Second)
			if tc.ok {
				require.NoError(t, err)
				defer ep.Close()
				assert.True(t, ep.Secure)
				assert.Equal(t, tc.want, ep.Tolerated)
				assert.NotEmpty(t, ep.TLSVersion)
				assert.NotEmpty(t, ep.CipherSuite)
				assert.Contains(t, ep.PeerIdentity, "CN=")
				return
			}

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrSecurityValidationFailed)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.want, verr.Errors)
			assert.Equal(t, tc.allowed, verr.Allowed)
		})
	}
}

func TestDialTLSProtocolFailure(t *testing.T) {
	certs := testutil.GenerateTestCerts(t)
	serverConfig := testutil.ServerTLSConfig(certs.Server)
	serverConfig.MaxVersion = tls.VersionTLS12

	for _, scheme := range []string{SchemeTCP, SchemeWS} {
		t.Run(scheme, func(t *testing.T) {
			port := echoServer(t, serverConfig)
			d := &Dialer{Timeout: 2 * time.Second, Scheme: scheme, WebSocketPath: "/amqp"}
			policy := SecurityPolicy{
				TLS:        true,
				Config:     &tls.Config{RootCAs: certs.Roots, MinVersion: tls.VersionTLS13},
				ServerName: "localhost",
			}

			_, err := d.Dial(context.Background(), "127.0.0.1", port, policy)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrSecurityValidationFailed)
			var terr *Error
			require.True(t, errors.As(err, &terr))
			assert.Equal(t, KindSecurityValidationFailed, terr.Kind)
			var verr *ValidationError
			assert.False(t, errors.As(err, &verr))
		})
	}
}

type revokeAll struct{}

func (revokeAll) CheckChain(context.Context, []*x509.Certificate) error {
	return errors.New("certificate revoked")
}

func TestDialRevocationIsChainError(t *testing.T) {
	certs := testutil.GenerateTestCerts(t)
	port := echoServer(t, testutil.ServerTLSConfig(certs.Server))

	policy := SecurityPolicy{
		TLS:        true,
		Config:     &tls.Config{RootCAs: certs.Roots},
		ServerName: "localhost",
		Revocation: revokeAll{},
	}
	_, err := Dial(context.Background(), "127.0.0.1", port, policy, 2*time.Second)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, ChainErrors, verr.Errors)
	assert.Contains(t, verr.Error(), "revoked")
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	port := closedPort(t)
	d := &Dialer{
		Timeout:  time.Second,
		Breakers: NewBreakers(2, time.Minute, slog.Default()),
	}

	for range 2 {
		_, err := d.Dial(context.Background(), "127.0.0.1", port, SecurityPolicy{})
		require.ErrorIs(t, err, ErrUnreachable)
	}

	_, err := d.Dial(context.Background(), "127.0.0.1", port, SecurityPolicy{})
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, gobreaker.StateOpen, d.Breakers.State("127.0.0.1:"+strconv.Itoa(port)))
}

func TestRateLimitedDialTimesOut(t *testing.T) {
	port := echoServer(t, nil)
	d := &Dialer{
		Timeout: 100 * time.Millisecond,
		Limiter: rate.NewLimiter(rate.Every(time.Hour), 1),
	}

	ep, err := d.Dial(context.Background(), "127.0.0.1", port, SecurityPolicy{})
	require.NoError(t, err)
	ep.Close()

	_, err = d.Dial(context.Background(), "127.0.0.1", port, SecurityPolicy{})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestDialUnsupportedProxy(t *testing.T) {
	port := echoServer(t, nil)
	d := &Dialer{
		Timeout:  time.Second,
		ProxyURL: &url.URL{Scheme: "gopher", Host: "127.0.0.1:1"},
	}
	_, err := d.Dial(context.Background(), "127.0.0.1", port, SecurityPolicy{})
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestDialWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{Subprotocols: []string{Subprotocol}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/amqp" {
			http.NotFound(w, r)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, _ := strings.Cut(u.Host, ":")
	port, _ := strconv.Atoi(portStr)

	d := &Dialer{Timeout: time.Second, Scheme: SchemeWS, WebSocketPath: "/amqp"}
	ep, err := d.Dial(context.Background(), host, port, SecurityPolicy{})
	require.NoError(t, err)
	defer ep.Close()
	assert.Equal(t, SchemeWS, ep.Scheme)

	_, err = ep.Write([]byte("AMQP"))
	require.NoError(t, err)
	_, err = ep.Write([]byte{0, 1, 0, 0})
	require.NoError(t, err)

	buf := make([]byte, 8)
	_, err = io.ReadFull(ep, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, buf)
}

func TestErrorMatching(t *testing.T) {
	err := &Error{Kind: KindIO, Addr: "h:1", Err: io.ErrUnexpectedEOF}
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "h:1")
}
