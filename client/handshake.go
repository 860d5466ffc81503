// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"log/slog"
	"time"

	"github.com/absmach/fluxamqp/amqp1"
	"github.com/absmach/fluxamqp/amqp1/frames"
	"github.com/absmach/fluxamqp/amqp1/performatives"
	"github.com/absmach/fluxamqp/amqp1/sasl"
	"github.com/absmach/fluxamqp/amqp1/types"
	"github.com/absmach/fluxamqp/transport"
)

type eventKind uint8

const (
	evHeader eventKind = iota
	evSASL
	evFrame
	evError
)

// event is one unit of input from the reader, delivered in arrival order.
type event struct {
	kind   eventKind
	header frames.ProtocolHeader
	sasl   sasl.Frame
	perf   performatives.Performative // nil for heartbeats
	err    error
}

// readLoop reads the peer's side of the protocol: the SASL header and frames
// up to the outcome, the AMQP header, then AMQP frames. It stops at the
// first error or at input after which the loop will fail.
func (c *Connection) readLoop(events chan<- event) {
	send := func(ev event) bool {
		select {
		case events <- ev:
			return true
		case <-c.done:
			return false
		}
	}

	if c.opts.SASLEnabled {
		h, err := c.fc.ReadHeader()
		if err != nil {
			send(readError(err))
			return
		}
		if !send(event{kind: evHeader, header: h}) || h != frames.SASLHeader {
			return
		}
		for {
			f, err := c.fc.ReadSASL()
			if err != nil {
				send(readError(err))
				return
			}
			if !send(event{kind: evSASL, sasl: f}) {
				return
			}
			if o, ok := f.(*sasl.Outcome); ok {
				if o.Code != sasl.CodeOK {
					return
				}
				break
			}
		}
	}

	h, err := c.fc.ReadHeader()
	if err != nil {
		send(readError(err))
		return
	}
	if !send(event{kind: evHeader, header: h}) || h != frames.AMQPHeader {
		return
	}

	for {
		f, err := c.fc.ReadFrame()
		if err != nil {
			send(readError(err))
			return
		}
		p, err := amqp1.DecodeFrame(f)
		if err != nil {
			send(readError(err))
			return
		}
		if !send(event{kind: evFrame, perf: p}) {
			return
		}
	}
}

// readError wraps codec failures in *DecodeError and leaves transport
// failures as they are.
func readError(err error) event {
	if errors.Is(err, frames.ErrMalformedFrame) ||
		errors.Is(err, frames.ErrFrameTooLarge) ||
		errors.Is(err, sasl.ErrMalformed) ||
		errors.Is(err, performatives.ErrMalformed) {
		err = &DecodeError{Err: err}
	}
	return event{kind: evError, err: err}
}

func (c *Connection) handle(ev event) {
	switch ev.kind {
	case evHeader:
		c.handleHeader(ev.header)
	case evSASL:
		c.handleSASL(ev.sasl)
	case evFrame:
		c.metrics.recordFrame()
		c.handleFrame(ev.perf)
	case evError:
		c.handleReadError(ev.err)
	}
}

func (c *Connection) handleHeader(h frames.ProtocolHeader) {
	switch c.state.get() {
	case StateSaslNegotiating:
		if h != frames.SASLHeader {
			c.fail(&ProtocolVersionError{Expected: frames.SASLHeader, Received: h})
		}

	case StateHeaderExchanging:
		if h != frames.AMQPHeader {
			c.fail(&ProtocolVersionError{Expected: frames.AMQPHeader, Received: h})
			return
		}
		c.advance(StateOpening)
		c.sendOpen()
	}
}

func (c *Connection) handleSASL(f sasl.Frame) {
	if c.state.get() != StateSaslNegotiating {
		return
	}

	switch f := f.(type) {
	case *sasl.Mechanisms:
		if c.mech != nil {
			c.unexpectedSASL(f)
			return
		}
		mech, err := sasl.Select(c.opts.SASLMechanisms, f.Mechanisms, c.opts.credentials())
		if err != nil {
			c.fail(&AuthenticationError{Reason: ReasonMechanismMismatch, Err: err})
			return
		}
		resp, err := mech.Start()
		if err != nil {
			c.fail(&AuthenticationError{Reason: ReasonCredentialsRejected, Err: err})
			return
		}
		c.mech = mech
		c.logger.Debug("sasl mechanism selected", slog.String("mechanism", mech.Name()))
		init := &sasl.Init{
			Mechanism:       types.Symbol(mech.Name()),
			InitialResponse: resp,
			Hostname:        c.opts.VirtualHost,
		}
		c.write(func() error { return c.fc.WriteSASL(init) })

	case *sasl.Challenge:
		if c.mech == nil {
			c.unexpectedSASL(f)
			return
		}
		resp, err := c.mech.Step(f.Challenge)
		if err != nil {
			c.fail(&AuthenticationError{Reason: ReasonCredentialsRejected, Err: err})
			return
		}
		c.write(func() error { return c.fc.WriteSASL(&sasl.Response{Response: resp}) })

	case *sasl.Outcome:
		if c.mech == nil {
			c.unexpectedSASL(f)
			return
		}
		if f.Code != sasl.CodeOK {
			reason := ReasonSystemError
			if f.Code == sasl.CodeAuth {
				reason = ReasonCredentialsRejected
			}
			c.fail(&AuthenticationError{Reason: reason, Code: f.Code})
			return
		}
		if fin, ok := c.mech.(sasl.Finisher); ok {
			if err := fin.Finish(f.AdditionalData); err != nil {
				c.fail(&AuthenticationError{Reason: ReasonCredentialsRejected, Err: err})
				return
			}
		}
		c.logger.Debug("sasl authentication succeeded", slog.String("mechanism", c.mech.Name()))
		c.advance(StateHeaderExchanging)
		c.connectSig.resolve(c.ep)
		c.write(func() error { return c.fc.WriteHeader(frames.AMQPHeader) })

	default:
		c.unexpectedSASL(f)
	}
}

func (c *Connection) unexpectedSASL(f sasl.Frame) {
	c.fail(&UnexpectedPerformativeError{State: c.state.get(), Performative: sasl.Name(f.Descriptor())})
}

func (c *Connection) sendOpen() {
	o := c.opts
	open := &performatives.Open{
		ContainerID:         o.ContainerID,
		Hostname:            o.VirtualHost,
		MaxFrameSize:        o.MaxFrameSize,
		ChannelMax:          o.ChannelMax,
		IdleTimeOut:         uint32(o.IdleTimeout / time.Millisecond),
		OfferedCapabilities: types.Symbols(o.OfferedCapabilities),
		DesiredCapabilities: types.Symbols(o.DesiredCapabilities),
	}
	if len(o.Properties) > 0 {
		open.Properties = make(map[types.Symbol]any, len(o.Properties))
		for k, v := range o.Properties {
			open.Properties[types.Symbol(k)] = v
		}
	}
	c.write(func() error { return c.fc.WritePerformative(0, open) })
}

func (c *Connection) handleFrame(p performatives.Performative) {
	switch st := c.state.get(); st {
	case StateOpening:
		switch p := p.(type) {
		case nil:
		case *performatives.Open:
			c.opened(p)
		case *performatives.Close:
			c.bestEffortClose(nil)
			c.fail(&LifecycleError{Kind: KindPeerRefused, RemoteError: p.Error})
		default:
			c.unexpected(st, p)
		}

	case StateOpen:
		c.idleTimer.start(c.opts.IdleTimeout)
		switch p := p.(type) {
		case nil:
			c.logger.Debug("heartbeat received")
		case *performatives.Close:
			if p.Error != nil {
				c.bestEffortClose(nil)
				c.fail(&LifecycleError{Kind: KindPeerClosed, RemoteError: p.Error})
				return
			}
			c.idleTimer.stop()
			c.heartbeatTimer.stop()
			c.advance(StateClosing)
			if !c.write(func() error { return c.fc.WritePerformative(0, &performatives.Close{}) }) {
				return
			}
			c.finishClosed(CloseResult{Note: "closed by peer"})
		default:
			c.unexpected(st, p)
		}

	case StateClosing:
		// Frames sent before the peer saw our Close are dropped.
		if cl, ok := p.(*performatives.Close); ok {
			c.finishClosed(CloseResult{RemoteError: cl.Error, Note: "peer acknowledged close"})
		}
	}
}

func (c *Connection) opened(open *performatives.Open) {
	c.handshakeTimer.stop()
	caps := parsePeerCapabilities(open)
	if caps.MaxFrameSize < frames.MinMaxFrameSize {
		err := &InvalidFieldError{Performative: "open", Field: "max-frame-size", Value: caps.MaxFrameSize}
		c.bestEffortClose(&performatives.Error{
			Condition:   performatives.ErrInvalidField,
			Description: err.Error(),
		})
		c.fail(err)
		return
	}
	c.fc.SetPeerMaxFrameSize(caps.MaxFrameSize)

	c.advance(StateOpen)
	c.wasOpen = true
	c.idleTimer.start(c.opts.IdleTimeout)
	if caps.IdleTimeout > 0 {
		c.heartbeatInterval = caps.IdleTimeout / 2
		c.heartbeatTimer.start(c.heartbeatInterval)
	}

	elapsed := time.Since(c.started)
	c.metrics.recordOpened(elapsed)
	c.logger.Info("amqp connection opened",
		slog.String("peer_container_id", caps.ContainerID),
		slog.Uint64("peer_max_frame_size", uint64(caps.MaxFrameSize)),
		slog.Duration("peer_idle_timeout", caps.IdleTimeout),
		slog.Duration("elapsed", elapsed))
	c.openSig.resolve(caps)
}

func (c *Connection) unexpected(st State, p performatives.Performative) {
	err := &UnexpectedPerformativeError{State: st, Performative: performatives.Name(p.Descriptor())}
	c.bestEffortClose(&performatives.Error{
		Condition:   performatives.ErrNotImplemented,
		Description: err.Error(),
	})
	c.fail(err)
}

func (c *Connection) handleReadError(err error) {
	if c.state.get() == StateClosing {
		c.finishClosed(CloseResult{Note: "transport ended while closing: " + err.Error()})
		return
	}

	var de *DecodeError
	if errors.As(err, &de) {
		cond := performatives.ErrDecodeError
		if errors.Is(err, frames.ErrMalformedFrame) || errors.Is(err, frames.ErrFrameTooLarge) {
			cond = performatives.ErrFramingError
		}
		c.bestEffortClose(&performatives.Error{Condition: cond, Description: de.Err.Error()})
		c.fail(de)
		return
	}
	c.fail(transport.NewIOError(c.ep.Addr(), err))
}
