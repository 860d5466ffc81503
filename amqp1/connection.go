// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package amqp1 provides AMQP 1.0 frame I/O over an established byte stream.
package amqp1

import (
	"fmt"
	"io"
	"sync"

	"github.com/absmach/fluxamqp/amqp1/frames"
	"github.com/absmach/fluxamqp/amqp1/performatives"
	"github.com/absmach/fluxamqp/amqp1/sasl"
)

// Connection wraps a byte stream for AMQP 1.0 frame I/O. Reads belong to a
// single reader; writes are serialized.
type Connection struct {
	rw io.ReadWriter
	mu sync.Mutex // protects writes

	maxFrameSize     uint32 // inbound limit we advertised
	peerMaxFrameSize uint32 // outbound limit the peer advertised
}

// NewConnection creates a new AMQP connection wrapper.
func NewConnection(rw io.ReadWriter) *Connection {
	return &Connection{
		rw:               rw,
		maxFrameSize:     frames.DefaultMaxFrameSize,
		peerMaxFrameSize: frames.MinMaxFrameSize,
	}
}

// SetMaxFrameSize sets the largest frame accepted from the peer.
func (c *Connection) SetMaxFrameSize(size uint32) {
	c.maxFrameSize = size
}

// MaxFrameSize returns the largest frame accepted from the peer.
func (c *Connection) MaxFrameSize() uint32 {
	return c.maxFrameSize
}

// SetPeerMaxFrameSize sets the largest frame that may be written, as
// advertised in the peer's Open. Until then frames are bounded by the
// protocol minimum.
func (c *Connection) SetPeerMaxFrameSize(size uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerMaxFrameSize = size
}

// WriteHeader writes a protocol header.
func (c *Connection) WriteHeader(h frames.ProtocolHeader) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return frames.WriteHeader(c.rw, h)
}

// ReadHeader reads the peer's protocol header.
func (c *Connection) ReadHeader() (frames.ProtocolHeader, error) {
	return frames.ReadHeader(c.rw)
}

// ReadFrame reads a single frame.
func (c *Connection) ReadFrame() (*frames.Frame, error) {
	return frames.Read(c.rw, c.maxFrameSize)
}

// WriteFrame writes a single frame.
func (c *Connection) WriteFrame(f *frames.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return frames.Write(c.rw, f, c.peerMaxFrameSize)
}

// WritePerformative encodes and writes a performative as an AMQP frame.
func (c *Connection) WritePerformative(channel uint16, p performatives.Performative) error {
	body, err := p.Encode()
	if err != nil {
		return fmt.Errorf("encoding %s: %w", performatives.Name(p.Descriptor()), err)
	}
	return c.WriteFrame(&frames.Frame{Type: frames.FrameTypeAMQP, Channel: channel, Body: body})
}

// WriteSASL encodes and writes a SASL frame.
func (c *Connection) WriteSASL(f sasl.Frame) error {
	body, err := f.Encode()
	if err != nil {
		return err
	}
	return c.WriteFrame(&frames.Frame{Type: frames.FrameTypeSASL, Body: body})
}

// SendHeartbeat writes an empty frame.
func (c *Connection) SendHeartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.rw.Write(frames.Heartbeat)
	return err
}

// ReadSASL reads a frame and decodes it as a SASL frame.
func (c *Connection) ReadSASL() (sasl.Frame, error) {
	f, err := c.ReadFrame()
	if err != nil {
		return nil, err
	}
	if f.Type != frames.FrameTypeSASL {
		return nil, fmt.Errorf("%w: expected SASL frame, got type 0x%02x", sasl.ErrMalformed, f.Type)
	}
	return sasl.Decode(f.Body)
}

// DecodeFrame decodes the performative carried by an AMQP frame. A nil
// performative with a nil error is a heartbeat.
func DecodeFrame(f *frames.Frame) (performatives.Performative, error) {
	if f.Type != frames.FrameTypeAMQP {
		return nil, fmt.Errorf("%w: unexpected frame type 0x%02x", performatives.ErrMalformed, f.Type)
	}
	if f.IsEmpty() {
		return nil, nil
	}
	return performatives.Decode(f.Body)
}

// ReadPerformative reads a frame and decodes its performative. It returns
// the frame channel; a nil performative indicates a heartbeat.
func (c *Connection) ReadPerformative() (uint16, performatives.Performative, error) {
	f, err := c.ReadFrame()
	if err != nil {
		return 0, nil, err
	}
	p, err := DecodeFrame(f)
	return f.Channel, p, err
}
