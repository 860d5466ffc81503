// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client implements the connection lifecycle of an AMQP 1.0 client:
// transport setup, SASL, protocol header exchange, Open and Close, with
// outcomes published through single-assignment signals.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/fluxamqp/amqp1"
	"github.com/absmach/fluxamqp/amqp1/frames"
	"github.com/absmach/fluxamqp/amqp1/performatives"
	"github.com/absmach/fluxamqp/amqp1/sasl"
	"github.com/absmach/fluxamqp/pkg/tls/verifier/ocsp"
	"github.com/absmach/fluxamqp/transport"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// CloseResult describes how a connection closed.
type CloseResult struct {
	// PeerSilent is set when the peer did not answer our Close in time.
	PeerSilent bool
	// RemoteError is the error the peer attached to its Close, if any.
	RemoteError *performatives.Error
	Note        string
}

// Connection is a single AMQP 1.0 connection. All protocol state is owned by
// one event loop goroutine; callers observe progress through signals.
type Connection struct {
	host    string
	port    int
	opts    *Options
	logger  *slog.Logger
	metrics *metrics
	span    trace.Span

	state      *stateManager
	connectSig *Signal[*transport.Endpoint]
	openSig    *Signal[*PeerCapabilities]
	closeSig   *Signal[CloseResult]

	closeReq  chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	// Owned by the event loop.
	ep                *transport.Endpoint
	fc                *amqp1.Connection
	mech              sasl.Mechanism
	started           time.Time
	wasOpen           bool
	heartbeatInterval time.Duration
	handshakeTimer    loopTimer
	idleTimer         loopTimer
	heartbeatTimer    loopTimer
	closeTimer        loopTimer
}

// Connect starts connecting to host:port and returns immediately. It fails
// only when the options are invalid; every later outcome is reported through
// the connection's signals.
func Connect(host string, port int, opts *Options) (*Connection, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if host == "" {
		return nil, &ConfigurationError{Field: "host", Err: ErrEmptyHost}
	}
	if port < 1 || port > 65535 {
		return nil, &ConfigurationError{Field: "port", Err: ErrInvalidPort}
	}
	o := opts.clone()
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if o.ContainerID == "" {
		o.ContainerID = uuid.NewString()
	}
	if o.VirtualHost == "" {
		o.VirtualHost = host
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	logger := o.Logger.With(
		slog.String("remote", addr),
		slog.String("container_id", o.ContainerID),
	)

	m, err := newMetrics(o.MeterProvider, o.TracerProvider)
	if err != nil {
		logger.Warn("connection metrics disabled", slog.String("error", err.Error()))
		m, _ = newMetrics(noop.NewMeterProvider(), o.TracerProvider)
	}

	c := &Connection{
		host:       host,
		port:       port,
		opts:       o,
		logger:     logger,
		metrics:    m,
		state:      newStateManager(),
		connectSig: newSignal[*transport.Endpoint](),
		openSig:    newSignal[*PeerCapabilities](),
		closeSig:   newSignal[CloseResult](),
		closeReq:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	go c.run()
	return c, nil
}

// Dial connects and waits until the connection is open or ctx ends. On
// failure the connection is closed.
func Dial(ctx context.Context, host string, port int, opts *Options) (*Connection, error) {
	c, err := Connect(host, port, opts)
	if err != nil {
		return nil, err
	}
	if _, err := c.openSig.Wait(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// ConnectSignal resolves with the endpoint once the transport is secured and
// SASL succeeded, or was skipped.
func (c *Connection) ConnectSignal() *Signal[*transport.Endpoint] {
	return c.connectSig
}

// OpenSignal resolves with the peer capabilities once the peer's Open arrives.
func (c *Connection) OpenSignal() *Signal[*PeerCapabilities] {
	return c.openSig
}

// CloseSignal resolves once the connection is closed.
func (c *Connection) CloseSignal() *Signal[CloseResult] {
	return c.closeSig
}

// Close requests a graceful close and returns the close signal. Repeated
// calls return the same signal.
func (c *Connection) Close() *Signal[CloseResult] {
	c.closeOnce.Do(func() { close(c.closeReq) })
	return c.closeSig
}

// Done is closed when the event loop has exited and the transport is
// released.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// State returns the current state.
func (c *Connection) State() State {
	return c.state.get()
}

// History returns every state the connection entered, in order.
func (c *Connection) History() []State {
	return c.state.snapshot()
}

// Peer returns the peer capabilities, or nil before the connection is open.
func (c *Connection) Peer() *PeerCapabilities {
	caps, _, _ := c.openSig.Poll()
	return caps
}

// ContainerID returns the local container id.
func (c *Connection) ContainerID() string {
	return c.opts.ContainerID
}

func (c *Connection) closeRequested() bool {
	select {
	case <-c.closeReq:
		return true
	default:
		return false
	}
}

func (c *Connection) run() {
	defer close(c.done)

	c.started = time.Now()
	_, c.span = c.metrics.tracer.Start(context.Background(), "amqp.connection",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("server.address", c.host),
			attribute.Int("server.port", c.port),
			attribute.String("amqp.container_id", c.opts.ContainerID),
		))
	c.metrics.recordAttempt(c.opts.Transport, c.opts.TLSEnabled)
	c.logger.Debug("connecting", slog.String("transport", c.opts.Transport), slog.Bool("tls", c.opts.TLSEnabled))

	ep, err := c.dial()
	if err != nil {
		if c.closeRequested() {
			c.finishClosed(CloseResult{Note: "closed before transport connected"})
			return
		}
		c.fail(err)
		return
	}
	c.ep = ep
	if c.closeRequested() {
		c.finishClosed(CloseResult{Note: "closed before handshake"})
		return
	}

	c.fc = amqp1.NewConnection(ep)
	c.fc.SetMaxFrameSize(c.opts.MaxFrameSize)

	events := make(chan event, 8)
	go c.readLoop(events)
	c.loop(events)
}

// dial establishes the transport. A close request cancels the attempt.
func (c *Connection) dial() (*transport.Endpoint, error) {
	o := c.opts
	policy := transport.SecurityPolicy{
		TLS:        o.TLSEnabled,
		Config:     o.TLSConfig,
		ServerName: o.ServerName,
		Allowed:    o.AllowedValidationErrors,
	}
	if o.CheckRevocation {
		policy.Revocation = ocsp.New(o.OCSP, nil)
	}

	d := &transport.Dialer{
		Timeout:       o.ConnectTimeout,
		Scheme:        o.Transport,
		WebSocketPath: o.WebSocketPath,
		Limiter:       o.DialLimiter,
		Breakers:      o.DialBreakers,
		Logger:        c.logger,
	}
	if o.ProxyURL != "" {
		u, err := url.Parse(o.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidProxy, err)
		}
		d.ProxyURL = u
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.closeReq:
			cancel()
		case <-ctx.Done():
		}
	}()

	return d.Dial(ctx, c.host, c.port, policy)
}

func (c *Connection) loop(events <-chan event) {
	c.handshakeTimer.start(c.opts.HandshakeTimeout)
	c.connected()

	closeReq := c.closeReq
	for !c.state.get().Terminal() {
		select {
		case ev := <-events:
			c.handle(ev)

		case <-closeReq:
			closeReq = nil
			c.handleCloseRequest()

		case <-c.handshakeTimer.C:
			c.handshakeTimer.stop()
			c.fail(&LifecycleError{Kind: KindHandshakeTimeout})

		case <-c.idleTimer.C:
			c.idleTimer.stop()
			err := &LifecycleError{Kind: KindIdleTimeoutExceeded}
			c.bestEffortClose(&performatives.Error{
				Condition:   performatives.ErrResourceLimitExceeded,
				Description: "local idle timeout expired",
			})
			c.fail(err)

		case <-c.heartbeatTimer.C:
			c.sendHeartbeat()

		case <-c.closeTimer.C:
			c.finishClosed(CloseResult{
				PeerSilent: true,
				Note:       fmt.Sprintf("peer did not answer close within %s", c.opts.CloseTimeout),
			})
		}
	}
}

// connected starts the protocol once the transport is up.
func (c *Connection) connected() {
	c.logger.Debug("transport connected",
		slog.Bool("secure", c.ep.Secure),
		slog.String("tls_version", c.ep.TLSVersion),
		slog.String("tolerated", c.ep.Tolerated.String()))

	if c.opts.SASLEnabled {
		c.advance(StateSaslNegotiating)
		c.write(func() error { return c.fc.WriteHeader(frames.SASLHeader) })
		return
	}
	c.advance(StateHeaderExchanging)
	c.connectSig.resolve(c.ep)
	c.write(func() error { return c.fc.WriteHeader(frames.AMQPHeader) })
}

func (c *Connection) handleCloseRequest() {
	switch st := c.state.get(); st {
	case StateConnecting, StateSaslNegotiating, StateHeaderExchanging:
		c.finishClosed(CloseResult{Note: "closed while " + st.String()})

	case StateOpening, StateOpen:
		c.handshakeTimer.stop()
		c.idleTimer.stop()
		c.heartbeatTimer.stop()
		c.advance(StateClosing)
		if !c.write(func() error { return c.fc.WritePerformative(0, &performatives.Close{}) }) {
			return
		}
		if c.opts.CloseTimeout <= 0 {
			c.finishClosed(CloseResult{PeerSilent: true, Note: "close timeout disabled"})
			return
		}
		c.closeTimer.start(c.opts.CloseTimeout)
	}
}

// write runs fn under the write deadline. A failed write fails the
// connection, or ends it when already closing. It reports success.
func (c *Connection) write(fn func() error) bool {
	if c.opts.WriteTimeout > 0 {
		c.ep.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		defer c.ep.SetWriteDeadline(time.Time{})
	}

	if err := fn(); err != nil {
		if c.state.get() == StateClosing {
			c.finishClosed(CloseResult{Note: fmt.Sprintf("transport failed while closing: %v", err)})
			return false
		}
		c.fail(transport.NewIOError(c.ep.Addr(), err))
		return false
	}
	if c.heartbeatInterval > 0 && c.state.get() == StateOpen {
		c.heartbeatTimer.start(c.heartbeatInterval)
	}
	return true
}

// bestEffortClose tells the peer why the connection is going away. A Close
// is only valid once our Open is sent; write errors are ignored.
func (c *Connection) bestEffortClose(e *performatives.Error) {
	if st := c.state.get(); st != StateOpening && st != StateOpen {
		return
	}
	if e != nil && len(e.Description) > maxErrorDescription {
		e.Description = e.Description[:maxErrorDescription]
	}
	if c.opts.WriteTimeout > 0 {
		c.ep.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	if err := c.fc.WritePerformative(0, &performatives.Close{Error: e}); err != nil {
		c.logger.Debug("failed to send close", slog.String("error", err.Error()))
	}
}

// maxErrorDescription keeps a Close sent before the peer's Open within the
// minimum frame size.
const maxErrorDescription = 256

func (c *Connection) sendHeartbeat() {
	if c.write(c.fc.SendHeartbeat) {
		c.metrics.recordHeartbeat()
		c.logger.Debug("heartbeat sent")
	}
}

func (c *Connection) advance(to State) bool {
	from := c.state.get()
	if !c.state.advance(to) {
		return false
	}
	c.logger.Debug("connection state changed",
		slog.String("from", from.String()),
		slog.String("state", to.String()))
	c.span.AddEvent(to.String())
	return true
}

// release stops all timers and closes the transport.
func (c *Connection) release() {
	c.handshakeTimer.stop()
	c.idleTimer.stop()
	c.heartbeatTimer.stop()
	c.closeTimer.stop()
	if c.ep != nil {
		if err := c.ep.Close(); err != nil {
			c.logger.Debug("transport close", slog.String("error", err.Error()))
		}
	}
}

// fail moves the connection to Failed and resolves every pending signal
// with the cause.
func (c *Connection) fail(err error) {
	st := c.state.get()
	if st.Terminal() {
		return
	}
	ferr := &FailureError{State: st, Err: err}
	c.advance(StateFailed)
	c.release()

	c.logger.Warn("amqp connection failed",
		slog.String("state", st.String()),
		slog.String("error", err.Error()))
	c.metrics.recordFailure(st, err)
	c.metrics.recordEnded(c.wasOpen)
	c.span.RecordError(err)
	c.span.SetStatus(codes.Error, ferr.Error())
	c.span.End()

	c.connectSig.fail(ferr)
	c.openSig.fail(ferr)
	c.closeSig.fail(ferr)
}

// finishClosed moves the connection to Closed. Signals still pending for
// connect and open resolve with ErrConnectionClosed.
func (c *Connection) finishClosed(res CloseResult) {
	if c.state.get().Terminal() {
		return
	}
	c.advance(StateClosed)
	c.release()

	c.logger.Info("amqp connection closed",
		slog.Bool("peer_silent", res.PeerSilent),
		slog.String("note", res.Note))
	c.metrics.recordEnded(c.wasOpen)
	c.span.End()

	c.connectSig.fail(ErrConnectionClosed)
	c.openSig.fail(ErrConnectionClosed)
	c.closeSig.resolve(res)
}

// loopTimer is a timer whose channel is nil while stopped, so a select on
// it blocks.
type loopTimer struct {
	t *time.Timer
	C <-chan time.Time
}

// start (re)arms the timer. Non-positive durations leave it stopped.
func (lt *loopTimer) start(d time.Duration) {
	lt.stop()
	if d <= 0 {
		return
	}
	lt.t = time.NewTimer(d)
	lt.C = lt.t.C
}

func (lt *loopTimer) stop() {
	if lt.t != nil {
		lt.t.Stop()
		lt.t = nil
	}
	lt.C = nil
}
