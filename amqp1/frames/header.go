// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frames

import (
	"fmt"
	"io"
)

const (
	ProtoIDAMQP byte = 0x00
	ProtoIDTLS  byte = 0x02
	ProtoIDSASL byte = 0x03

	ProtoHeaderSize = 8
)

// ProtocolHeader is the 8-byte header opening each protocol layer:
// "AMQP" followed by proto-id, major, minor and revision.
type ProtocolHeader [ProtoHeaderSize]byte

var (
	AMQPHeader = NewProtocolHeader(ProtoIDAMQP)
	SASLHeader = NewProtocolHeader(ProtoIDSASL)
)

// NewProtocolHeader returns the version 1.0.0 header for the given layer.
func NewProtocolHeader(protoID byte) ProtocolHeader {
	return ProtocolHeader{'A', 'M', 'Q', 'P', protoID, 1, 0, 0}
}

// ProtoID returns the protocol id byte.
func (h ProtocolHeader) ProtoID() byte {
	return h[4]
}

func (h ProtocolHeader) String() string {
	if string(h[:4]) == "AMQP" {
		return fmt.Sprintf("AMQP %d %d.%d.%d", h[4], h[5], h[6], h[7])
	}
	return fmt.Sprintf("%q", h[:])
}

// HeaderMismatchError reports a protocol header that differs from the one
// the local side sent.
type HeaderMismatchError struct {
	Expected ProtocolHeader
	Received ProtocolHeader
}

func (e *HeaderMismatchError) Error() string {
	return fmt.Sprintf("protocol header mismatch: expected %s, received %s", e.Expected, e.Received)
}

// WriteHeader writes h to w.
func WriteHeader(w io.Writer, h ProtocolHeader) error {
	_, err := w.Write(h[:])
	return err
}

// ReadHeader reads 8 header bytes without interpreting them.
func ReadHeader(r io.Reader) (ProtocolHeader, error) {
	var h ProtocolHeader
	_, err := io.ReadFull(r, h[:])
	return h, err
}

// ExpectHeader reads a header and returns a *HeaderMismatchError unless it
// equals want.
func ExpectHeader(r io.Reader, want ProtocolHeader) error {
	got, err := ReadHeader(r)
	if err != nil {
		return err
	}
	if got != want {
		return &HeaderMismatchError{Expected: want, Received: got}
	}
	return nil
}

// DetectAMQP reports whether header starts with the AMQP magic bytes.
func DetectAMQP(header []byte) bool {
	return len(header) >= 4 && string(header[:4]) == "AMQP"
}
