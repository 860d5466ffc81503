// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"math"
	"net"
	"testing"
	"time"

	"github.com/absmach/fluxamqp/amqp1/frames"
	"github.com/absmach/fluxamqp/amqp1/performatives"
	"github.com/absmach/fluxamqp/amqp1/sasl"
	"github.com/absmach/fluxamqp/amqp1/types"
	"github.com/absmach/fluxamqp/testutil"
	"github.com/absmach/fluxamqp/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const waitFor = 3 * time.Second

func testOptions() *Options {
	return NewOptions().
		SetLogger(slog.New(slog.DiscardHandler)).
		SetConnectTimeout(2 * time.Second).
		SetHandshakeTimeout(2 * time.Second).
		SetCloseTimeout(2 * time.Second)
}

func connect(t *testing.T, peer *testutil.Peer, opts *Options) *Connection {
	t.Helper()
	c, err := Connect("127.0.0.1", peer.Port(), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		<-c.Done()
	})
	return c
}

func waitOpen(t *testing.T, c *Connection) *PeerCapabilities {
	t.Helper()
	caps, err := c.OpenSignal().WaitTimeout(waitFor)
	require.NoError(t, err)
	require.NotNil(t, caps)
	return caps
}

func endpoint(t *testing.T, c *Connection) *transport.Endpoint {
	t.Helper()
	ep, ok, err := c.ConnectSignal().Poll()
	require.True(t, ok)
	require.NoError(t, err)
	return ep
}

// assertForward checks that the history only moves forward through the
// lifecycle.
func assertForward(t *testing.T, history []State) {
	t.Helper()
	require.NotEmpty(t, history)
	assert.Equal(t, StateConnecting, history[0])
	for i := 1; i < len(history); i++ {
		assert.True(t, canAdvance(history[i-1], history[i]),
			"illegal transition %s -> %s in %v", history[i-1], history[i], history)
	}
}

func waitDone(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("connection did not finish")
	}
}

func TestConnectOpenAndClose(t *testing.T) {
	peer := testutil.NewPeer(t, testutil.PeerScript{})
	c := connect(t, peer, testOptions().SetContainerID("client-1"))

	caps := waitOpen(t, c)
	assert.Equal(t, "test-peer", caps.ContainerID)
	assert.Equal(t, uint32(frames.DefaultMaxFrameSize), caps.MaxFrameSize)
	assert.Equal(t, StateOpen, c.State())
	assert.Same(t, caps, c.Peer())

	ep := endpoint(t, c)
	assert.False(t, ep.Secure)
	assert.True(t, ep.Alive())

	init := peer.SASLInit()
	require.NotNil(t, init)
	assert.Equal(t, types.Symbol(sasl.MechANONYMOUS), init.Mechanism)
	assert.Equal(t, "127.0.0.1", init.Hostname)

	open := peer.ClientOpen()
	require.NotNil(t, open)
	assert.Equal(t, "client-1", open.ContainerID)
	assert.Equal(t, "127.0.0.1", open.Hostname)
	assert.Equal(t, uint32(DefaultIdleTimeout/time.Millisecond), open.IdleTimeOut)

	res, err := c.Close().WaitTimeout(waitFor)
	require.NoError(t, err)
	assert.False(t, res.PeerSilent)
	assert.Nil(t, res.RemoteError)

	waitDone(t, c)
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, []State{
		StateConnecting, StateSaslNegotiating, StateHeaderExchanging,
		StateOpening, StateOpen, StateClosing, StateClosed,
	}, c.History())
	assert.Equal(t, 1, ep.CloseCount())
	assert.False(t, ep.Alive())

	<-peer.Served()
	assert.Equal(t, []string{
		"header:" + frames.SASLHeader.String(),
		"sasl-init",
		"header:" + frames.AMQPHeader.String(),
		"open",
		"close",
	}, peer.Received())
}

func TestConnectWithoutSASL(t *testing.T) {
	peer := testutil.NewPeer(t, testutil.PeerScript{})
	c := connect(t, peer, testOptions().SetSASL(false))

	waitOpen(t, c)
	assert.Nil(t, peer.SASLInit())
	assert.Equal(t, []State{StateConnecting, StateHeaderExchanging, StateOpening, StateOpen}, c.History())
}

func TestOpenProtocolDefaults(t *testing.T) {
	peer := testutil.NewPeer(t, testutil.PeerScript{})
	c := connect(t, peer, testOptions())
	caps := waitOpen(t, c)

	assert.Equal(t, uint32(frames.DefaultMaxFrameSize), caps.MaxFrameSize)
	assert.Equal(t, uint16(math.MaxUint16), caps.ChannelMax)

	open := peer.ClientOpen()
	require.NotNil(t, open)
	assert.Equal(t, uint16(DefaultChannelMax), open.ChannelMax)
	assert.Equal(t, uint32(DefaultMaxFrameSize), open.MaxFrameSize)
}

func TestOpenCarriesLocalParameters(t *testing.T) {
	peer := testutil.NewPeer(t, testutil.PeerScript{})
	opts := testOptions().
		SetVirtualHost("vhost-a").
		SetMaxFrameSize(4096).
		SetChannelMax(8).
		SetIdleTimeout(0).
		SetCapabilities([]string{"ANONYMOUS-RELAY"}, []string{"SHARED-SUBS"}).
		SetProperty("product", "fluxamqp")
	c := connect(t, peer, opts)
	waitOpen(t, c)

	open := peer.ClientOpen()
	require.NotNil(t, open)
	assert.Equal(t, "vhost-a", open.Hostname)
	assert.Equal(t, uint32(4096), open.MaxFrameSize)
	assert.Equal(t, uint16(8), open.ChannelMax)
	assert.Zero(t, open.IdleTimeOut)
	assert.Equal(t, []types.Symbol{"ANONYMOUS-RELAY"}, open.OfferedCapabilities)
	assert.Equal(t, []types.Symbol{"SHARED-SUBS"}, open.DesiredCapabilities)
	assert.Contains(t, open.Properties, types.Symbol("product"))
	assert.NotEmpty(t, c.ContainerID())
	assert.Equal(t, c.ContainerID(), open.ContainerID)
	assert.Equal(t, "vhost-a", peer.SASLInit().Hostname)
}

func TestSASLPlain(t *testing.T) {
	peer := testutil.NewPeer(t, testutil.PeerScript{
		Mechanisms: []string{sasl.MechPLAIN, sasl.MechANONYMOUS},
	})
	c := connect(t, peer, testOptions().SetCredentials("user", "secret"))
	waitOpen(t, c)

	init := peer.SASLInit()
	require.NotNil(t, init)
	assert.Equal(t, types.Symbol(sasl.MechPLAIN), init.Mechanism)
	authz, user, pass, err := sasl.ParsePLAIN(init.InitialResponse)
	require.NoError(t, err)
	assert.Empty(t, authz)
	assert.Equal(t, "user", user)
	assert.Equal(t, "secret", pass)
}

func TestAuthenticationFailure(t *testing.T) {
	cases := []struct {
		name   string
		code   sasl.Code
		reason AuthReason
	}{
		{"credentials rejected", sasl.CodeAuth, ReasonCredentialsRejected},
		{"system error", sasl.CodeSys, ReasonSystemError},
		{"temporary system error", sasl.CodeSysTemp, ReasonSystemError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			peer := testutil.NewPeer(t, testutil.PeerScript{
				Mechanisms: []string{sasl.MechPLAIN},
				Outcome:    tc.code,
			})
			c := connect(t, peer, testOptions().SetCredentials("user", "wrong"))

			_, err := c.OpenSignal().WaitTimeout(waitFor)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrAuthentication)

			var authErr *AuthenticationError
			require.True(t, errors.As(err, &authErr))
			assert.Equal(t, tc.reason, authErr.Reason)
			assert.Equal(t, tc.code, authErr.Code)

			var ferr *FailureError
			require.True(t, errors.As(err, &ferr))
			assert.Equal(t, StateSaslNegotiating, ferr.State)

			_, err = c.ConnectSignal().WaitTimeout(waitFor)
			assert.ErrorIs(t, err, ErrAuthentication)
			_, err = c.CloseSignal().WaitTimeout(waitFor)
			assert.ErrorIs(t, err, ErrAuthentication)

			waitDone(t, c)
			assert.Equal(t, StateFailed, c.State())
			assertForward(t, c.History())

			select {
			case <-peer.Served():
			case <-time.After(waitFor):
				t.Fatal("peer did not see the client go away")
			}
			assert.Zero(t, peer.Count("open"))
			assert.Zero(t, peer.Trailing())
		})
	}
}

func TestSASLMechanismMismatch(t *testing.T) {
	peer := testutil.NewPeer(t, testutil.PeerScript{
		Mechanisms: []string{sasl.MechEXTERNAL},
	})
	c := connect(t, peer, testOptions())

	_, err := c.OpenSignal().WaitTimeout(waitFor)
	var authErr *AuthenticationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, ReasonMechanismMismatch, authErr.Reason)
	assert.Nil(t, peer.SASLInit())
}

func TestProtocolHeaderMismatch(t *testing.T) {
	amqp := frames.AMQPHeader
	other := frames.ProtocolHeader{'A', 'M', 'Q', 'P', 0, 0, 9, 1}

	cases := []struct {
		name     string
		script   testutil.PeerScript
		sasl     bool
		expected frames.ProtocolHeader
		received frames.ProtocolHeader
	}{
		{"sasl answered with amqp", testutil.PeerScript{SASLHeader: &amqp}, true, frames.SASLHeader, frames.AMQPHeader},
		{"amqp version mismatch", testutil.PeerScript{AMQPHeader: &other}, false, frames.AMQPHeader, other},
		{"amqp version mismatch after sasl", testutil.PeerScript{AMQPHeader: &other}, true, frames.AMQPHeader, other},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			peer := testutil.NewPeer(t, tc.script)
			c := connect(t, peer, testOptions().SetSASL(tc.sasl))

			_, err := c.OpenSignal().WaitTimeout(waitFor)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrProtocol)

			var verr *ProtocolVersionError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.expected, verr.Expected)
			assert.Equal(t, tc.received, verr.Received)

			waitDone(t, c)
			assert.Equal(t, StateFailed, c.State())
			assertForward(t, c.History())
			assert.Zero(t, peer.Count("open"))
		})
	}
}

func TestTLSValidationPolicy(t *testing.T) {
	certs := testutil.GenerateTestCerts(t)

	cases := []struct {
		name    string
		cert    tls.Certificate
		allowed transport.ValidationErrors
		ok      bool
	}{
		{"valid certificate", certs.Server, transport.NoValidationErrors, true},
		{"name mismatch rejected", certs.WrongName, transport.NoValidationErrors, false},
		{"name mismatch tolerated", certs.WrongName, transport.NameMismatch, true},
		{"untrusted with name allowance", certs.Untrusted, transport.NameMismatch, false},
		{"untrusted tolerated", certs.Untrusted, transport.ChainErrors, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			peer := testutil.NewPeer(t, testutil.PeerScript{TLS: testutil.ServerTLSConfig(tc.cert)})
			opts := testOptions().
				SetTLS(true).
				SetTLSConfig(&tls.Config{RootCAs: certs.Roots, MinVersion: tls.VersionTLS12}).
				SetServerName("localhost").
				SetAllowedValidationErrors(tc.allowed)
			c := connect(t, peer, opts)

			_, err := c.OpenSignal().WaitTimeout(waitFor)
			if !tc.ok {
				require.Error(t, err)
				assert.ErrorIs(t, err, transport.ErrSecurityValidationFailed)
				var ferr *FailureError
				require.True(t, errors.As(err, &ferr))
				assert.Equal(t, StateConnecting, ferr.State)
				assert.Equal(t, []State{StateConnecting, StateFailed}, c.History())
				return
			}

			require.NoError(t, err)
			ep := endpoint(t, c)
			assert.True(t, ep.Secure)
			assert.True(t, ep.Tolerated.SubsetOf(tc.allowed))
		})
	}
}

func TestDialUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err = Dial(ctx, "127.0.0.1", port, testOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrUnreachable)
}

func TestDial(t *testing.T) {
	peer := testutil.NewPeer(t, testutil.PeerScript{})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	c, err := Dial(ctx, "127.0.0.1", peer.Port(), testOptions())
	require.NoError(t, err)
	assert.Equal(t, StateOpen, c.State())
	require.NotNil(t, c.Peer())

	_, err = c.Close().WaitTimeout(waitFor)
	require.NoError(t, err)
}

func TestDialContextCancelClosesConnection(t *testing.T) {
	peer := testutil.NewPeer(t, testutil.PeerScript{WithholdOpen: true})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := Dial(ctx, "127.0.0.1", peer.Port(), testOptions())
	require.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-peer.Served():
	case <-time.After(waitFor):
		t.Fatal("abandoned connection was not closed")
	}
}

func TestConnectConfigurationErrors(t *testing.T) {
	cases := []struct {
		name  string
		host  string
		port  int
		opts  *Options
		field string
	}{
		{"empty host", "", 5672, nil, "host"},
		{"zero port", "localhost", 0, nil, "port"},
		{"port too large", "localhost", 70000, nil, "port"},
		{"partial credentials", "localhost", 5672, NewOptions().SetCredentials("user", ""), "credentials"},
		{"policy without tls", "localhost", 5672, NewOptions().SetServerName("x"), "server_name"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := Connect(tc.host, tc.port, tc.opts)
			assert.Nil(t, c)
			require.ErrorIs(t, err, ErrConfiguration)
			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}
}

func TestPeerRefusesOpen(t *testing.T) {
	remote := &performatives.Error{Condition: performatives.ErrUnauthorizedAccess, Description: "vhost not allowed"}
	peer := testutil.NewPeer(t, testutil.PeerScript{RefuseOpen: true, CloseError: remote})
	c := connect(t, peer, testOptions())

	_, err := c.OpenSignal().WaitTimeout(waitFor)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPeerRefused)
	assert.ErrorIs(t, err, ErrLifecycle)

	var lerr *LifecycleError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, KindPeerRefused, lerr.Kind)
	require.NotNil(t, lerr.RemoteError)
	assert.Equal(t, performatives.ErrUnauthorizedAccess, lerr.RemoteError.Condition)

	waitDone(t, c)
	assert.Equal(t, StateFailed, c.State())
	<-peer.Served()
	assert.Equal(t, 1, peer.Count("close"))
}

func TestHandshakeTimeout(t *testing.T) {
	peer := testutil.NewPeer(t, testutil.PeerScript{WithholdOpen: true})
	c := connect(t, peer, testOptions().SetHandshakeTimeout(200*time.Millisecond))

	start := time.Now()
	_, err := c.OpenSignal().WaitTimeout(waitFor)
	require.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	var ferr *FailureError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, StateOpening, ferr.State)
	waitDone(t, c)
	assert.Equal(t, 1, endpoint(t, c).CloseCount())
}

func TestCloseWithSilentPeer(t *testing.T) {
	peer := testutil.NewPeer(t, testutil.PeerScript{IgnoreClose: true})
	c := connect(t, peer, testOptions().SetCloseTimeout(200*time.Millisecond))
	waitOpen(t, c)
	ep := endpoint(t, c)

	start := time.Now()
	sig := c.Close()
	res, err := sig.WaitTimeout(waitFor)
	require.NoError(t, err)
	assert.True(t, res.PeerSilent)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Same(t, sig, c.Close())
	waitDone(t, c)
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 1, ep.CloseCount())
	assert.False(t, ep.Alive())
}

func TestCloseWithZeroTimeout(t *testing.T) {
	peer := testutil.NewPeer(t, testutil.PeerScript{IgnoreClose: true})
	c := connect(t, peer, testOptions().SetCloseTimeout(0))
	waitOpen(t, c)

	res, err := c.Close().WaitTimeout(waitFor)
	require.NoError(t, err)
	assert.True(t, res.PeerSilent)
	assert.Equal(t, StateClosed, c.State())
}

func TestCloseBeforeOpen(t *testing.T) {
	t.Run("while opening", func(t *testing.T) {
		peer := testutil.NewPeer(t, testutil.PeerScript{WithholdOpen: true})
		c := connect(t, peer, testOptions())
		_, err := c.ConnectSignal().WaitTimeout(waitFor)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return peer.Count("open") == 1 }, waitFor, 10*time.Millisecond)

		res, err := c.Close().WaitTimeout(waitFor)
		require.NoError(t, err)
		assert.False(t, res.PeerSilent)

		_, err = c.OpenSignal().WaitTimeout(waitFor)
		assert.ErrorIs(t, err, ErrConnectionClosed)
		assert.Equal(t, []State{
			StateConnecting, StateSaslNegotiating, StateHeaderExchanging,
			StateOpening, StateClosing, StateClosed,
		}, c.History())
	})

	t.Run("immediately", func(t *testing.T) {
		peer := testutil.NewPeer(t, testutil.PeerScript{})
		c := connect(t, peer, testOptions())

		_, err := c.Close().WaitTimeout(waitFor)
		require.NoError(t, err)
		_, err = c.OpenSignal().WaitTimeout(waitFor)
		assert.ErrorIs(t, err, ErrConnectionClosed)

		waitDone(t, c)
		assert.Equal(t, StateClosed, c.State())
		assertForward(t, c.History())
	})
}

func TestPeerInitiatedClose(t *testing.T) {
	peer := testutil.NewPeer(t, testutil.PeerScript{CloseAfter: 50 * time.Millisecond})
	c := connect(t, peer, testOptions())
	waitOpen(t, c)

	res, err := c.CloseSignal().WaitTimeout(waitFor)
	require.NoError(t, err)
	assert.False(t, res.PeerSilent)
	assert.Equal(t, "closed by peer", res.Note)

	waitDone(t, c)
	assert.Equal(t, []State{
		StateConnecting, StateSaslNegotiating, StateHeaderExchanging,
		StateOpening, StateOpen, StateClosing, StateClosed,
	}, c.History())
	require.Eventually(t, func() bool { return peer.Count("close") == 1 }, waitFor, 10*time.Millisecond)
}

func TestPeerClosesWithError(t *testing.T) {
	remote := &performatives.Error{Condition: performatives.ErrConnectionForced, Description: "shutting down"}
	peer := testutil.NewPeer(t, testutil.PeerScript{CloseAfter: 50 * time.Millisecond, CloseError: remote})
	c := connect(t, peer, testOptions())
	waitOpen(t, c)

	_, err := c.CloseSignal().WaitTimeout(waitFor)
	require.ErrorIs(t, err, ErrPeerClosed)
	var lerr *LifecycleError
	require.True(t, errors.As(err, &lerr))
	require.NotNil(t, lerr.RemoteError)
	assert.Equal(t, performatives.ErrConnectionForced, lerr.RemoteError.Condition)
	assert.Equal(t, "shutting down", lerr.RemoteError.Description)

	var ferr *FailureError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, StateOpen, ferr.State)
	waitDone(t, c)
	assert.Equal(t, StateFailed, c.State())
}

func TestIdleTimeout(t *testing.T) {
	t.Run("silent peer", func(t *testing.T) {
		peer := testutil.NewPeer(t, testutil.PeerScript{})
		c := connect(t, peer, testOptions().SetIdleTimeout(200*time.Millisecond))
		waitOpen(t, c)

		_, err := c.CloseSignal().WaitTimeout(waitFor)
		require.ErrorIs(t, err, ErrIdleTimeoutExceeded)
		var ferr *FailureError
		require.True(t, errors.As(err, &ferr))
		assert.Equal(t, StateOpen, ferr.State)
		require.Eventually(t, func() bool { return peer.Count("close") == 1 }, waitFor, 10*time.Millisecond)
	})

	t.Run("peer sends heartbeats", func(t *testing.T) {
		peer := testutil.NewPeer(t, testutil.PeerScript{Heartbeat: 50 * time.Millisecond})
		c := connect(t, peer, testOptions().SetIdleTimeout(300*time.Millisecond))
		waitOpen(t, c)

		time.Sleep(900 * time.Millisecond)
		assert.Equal(t, StateOpen, c.State())

		_, err := c.Close().WaitTimeout(waitFor)
		require.NoError(t, err)
	})
}

func TestHeartbeatsAtHalfPeerIdleTimeout(t *testing.T) {
	open := performatives.NewOpen("test-peer")
	open.IdleTimeOut = 200
	peer := testutil.NewPeer(t, testutil.PeerScript{Open: open})
	c := connect(t, peer, testOptions())
	caps := waitOpen(t, c)
	assert.Equal(t, 200*time.Millisecond, caps.IdleTimeout)

	require.Eventually(t, func() bool { return peer.Count("heartbeat") >= 3 }, waitFor, 20*time.Millisecond)
	assert.Equal(t, StateOpen, c.State())
}

func TestPeerMaxFrameSizeBelowMinimum(t *testing.T) {
	open := performatives.NewOpen("test-peer")
	open.MaxFrameSize = 256
	peer := testutil.NewPeer(t, testutil.PeerScript{Open: open})
	c := connect(t, peer, testOptions())

	_, err := c.OpenSignal().WaitTimeout(waitFor)
	require.ErrorIs(t, err, ErrProtocol)
	var ferr *InvalidFieldError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, "max-frame-size", ferr.Field)
	assert.Equal(t, uint32(256), ferr.Value)

	waitDone(t, c)
	assert.Equal(t, StateFailed, c.State())
	<-peer.Served()
	assert.Equal(t, 1, peer.Count("close"))
}

func TestUnexpectedPerformative(t *testing.T) {
	peer := testutil.NewPeer(t, testutil.PeerScript{
		AfterOpen: []performatives.Performative{&performatives.Other{Code: performatives.DescriptorBegin}},
	})
	c := connect(t, peer, testOptions())

	_, err := c.CloseSignal().WaitTimeout(waitFor)
	require.ErrorIs(t, err, ErrProtocol)
	var uerr *UnexpectedPerformativeError
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, "begin", uerr.Performative)
	assert.Equal(t, StateOpen, uerr.State)
}

func TestMalformedFrameFailsConnection(t *testing.T) {
	peer := testutil.NewPeer(t, testutil.PeerScript{RawAfterOpen: []byte{0xff, 0x01}})
	c := connect(t, peer, testOptions())

	_, err := c.CloseSignal().WaitTimeout(waitFor)
	require.ErrorIs(t, err, ErrProtocol)
	var derr *DecodeError
	assert.True(t, errors.As(err, &derr))
	waitDone(t, c)
	assert.Equal(t, StateFailed, c.State())
}

func TestTelemetry(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	peer := testutil.NewPeer(t, testutil.PeerScript{})
	c := connect(t, peer, testOptions().SetMeterProvider(mp).SetTracerProvider(tp))
	waitOpen(t, c)
	_, err := c.Close().WaitTimeout(waitFor)
	require.NoError(t, err)
	waitDone(t, c)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	assert.True(t, names["amqp.connection.attempts.total"])
	assert.True(t, names["amqp.handshake.duration.ms"])
	assert.True(t, names["amqp.frames.received.total"])

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "amqp.connection", spans[0].Name)
	var events []string
	for _, e := range spans[0].Events {
		events = append(events, e.Name)
	}
	assert.Contains(t, events, StateOpen.String())
	assert.Contains(t, events, StateClosed.String())
}

func TestFailureCause(t *testing.T) {
	assert.Equal(t, "transport:unreachable", failureCause(&transport.Error{Kind: transport.KindUnreachable}))
	assert.Equal(t, "protocol", failureCause(&DecodeError{Err: errors.New("x")}))
	assert.Equal(t, "authentication", failureCause(&AuthenticationError{Reason: ReasonCredentialsRejected}))
	assert.Equal(t, "lifecycle", failureCause(&LifecycleError{Kind: KindHandshakeTimeout}))
	assert.Equal(t, "other", failureCause(errors.New("x")))
}
