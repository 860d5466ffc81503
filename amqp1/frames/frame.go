// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package frames reads and writes AMQP 1.0 protocol headers and frames.
package frames

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	FrameTypeAMQP byte = 0x00
	FrameTypeSASL byte = 0x01

	// MinMaxFrameSize is the smallest max-frame-size a peer may advertise.
	MinMaxFrameSize uint32 = 512

	DefaultMaxFrameSize uint32 = 65536

	// HeaderSize is size(4) + doff(1) + type(1) + channel(2).
	HeaderSize = 8

	// MinDOFF is the data offset, in 4-byte words, of a frame without an
	// extended header.
	MinDOFF = 2
)

var (
	ErrFrameTooLarge  = errors.New("frame exceeds max frame size")
	ErrMalformedFrame = errors.New("malformed frame header")
)

// Frame is a single AMQP or SASL frame.
type Frame struct {
	Type    byte
	Channel uint16
	Body    []byte
}

// IsEmpty reports whether the frame carries no body. Empty AMQP frames are
// heartbeats.
func (f *Frame) IsEmpty() bool {
	return len(f.Body) == 0
}

// Encode returns the wire form of f. Header and body are produced as one
// slice so message-oriented transports receive a frame per write.
func (f *Frame) Encode() []byte {
	buf := make([]byte, HeaderSize+len(f.Body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(buf)))
	buf[4] = MinDOFF
	buf[5] = f.Type
	binary.BigEndian.PutUint16(buf[6:8], f.Channel)
	copy(buf[HeaderSize:], f.Body)
	return buf
}

// Write writes a frame to w. A maxSize of 0 disables the size check.
func Write(w io.Writer, f *Frame, maxSize uint32) error {
	if size := uint32(HeaderSize + len(f.Body)); maxSize > 0 && size > maxSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, maxSize)
	}
	_, err := w.Write(f.Encode())
	return err
}

// Heartbeat is the wire form of an empty AMQP frame on channel 0.
var Heartbeat = (&Frame{Type: FrameTypeAMQP}).Encode()

// Read reads one frame from r. Frames larger than maxSize are rejected before
// the body is allocated; a maxSize of 0 disables the check.
func Read(r io.Reader, maxSize uint32) (*Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(hdr[0:4])
	doff := int(hdr[4]) * 4
	if size < HeaderSize {
		return nil, fmt.Errorf("%w: size %d below header size", ErrMalformedFrame, size)
	}
	if doff < HeaderSize || uint32(doff) > size {
		return nil, fmt.Errorf("%w: data offset %d", ErrMalformedFrame, hdr[4])
	}
	if maxSize > 0 && size > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, maxSize)
	}

	rest := make([]byte, size-HeaderSize)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}

	f := &Frame{
		Type:    hdr[5],
		Channel: binary.BigEndian.Uint16(hdr[6:8]),
	}
	// Extended header bytes are ignored.
	if body := rest[doff-HeaderSize:]; len(body) > 0 {
		f.Body = body
	}
	return f, nil
}
