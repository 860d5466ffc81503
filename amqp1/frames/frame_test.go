// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frames

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	body := []byte{0x01, 0x02, 0x03, 0x04}
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, &Frame{Type: FrameTypeAMQP, Channel: 5, Body: body}, 0))

	f, err := Read(&buf, DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, FrameTypeAMQP, f.Type)
	assert.Equal(t, uint16(5), f.Channel)
	assert.Equal(t, body, f.Body)
}

func TestHeartbeat(t *testing.T) {
	assert.Equal(t, []byte{0, 0, 0, 8, 2, 0, 0, 0}, Heartbeat)

	f, err := Read(bytes.NewReader(Heartbeat), DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.True(t, f.IsEmpty())
	assert.Nil(t, f.Body)
}

func TestExtendedHeaderSkipped(t *testing.T) {
	raw := []byte{0, 0, 0, 14, 3, FrameTypeSASL, 0, 0, 0xee, 0xee, 0xee, 0xee, 0xaa, 0xbb}

	f, err := Read(bytes.NewReader(raw), 0)
	require.NoError(t, err)
	assert.Equal(t, FrameTypeSASL, f.Type)
	assert.Equal(t, []byte{0xaa, 0xbb}, f.Body)
}

func TestReadRejectsOversizedFrame(t *testing.T) {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:4], 1<<20)
	hdr[4] = MinDOFF

	_, err := Read(bytes.NewReader(hdr[:]), MinMaxFrameSize)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestWriteRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	err := Write(&buf, &Frame{Body: make([]byte, 600)}, MinMaxFrameSize)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Zero(t, buf.Len())
}

func TestReadMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  []byte
		err  error
	}{
		{"size below header", []byte{0, 0, 0, 4, 2, 0, 0, 0}, ErrMalformedFrame},
		{"doff too small", []byte{0, 0, 0, 8, 1, 0, 0, 0}, ErrMalformedFrame},
		{"doff beyond size", []byte{0, 0, 0, 8, 4, 0, 0, 0}, ErrMalformedFrame},
		{"truncated body", []byte{0, 0, 0, 12, 2, 0, 0, 0, 1}, io.ErrUnexpectedEOF},
		{"truncated header", []byte{0, 0, 0}, io.ErrUnexpectedEOF},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Read(bytes.NewReader(tc.raw), 0)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestProtocolHeaders(t *testing.T) {
	assert.Equal(t, ProtocolHeader{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, AMQPHeader)
	assert.Equal(t, ProtoIDSASL, SASLHeader.ProtoID())
	assert.Equal(t, "AMQP 3 1.0.0", SASLHeader.String())

	var buf bytes.Buffer
	require.NoError(t, WriteHeader(&buf, SASLHeader))
	require.NoError(t, ExpectHeader(&buf, SASLHeader))
}

func TestExpectHeaderMismatch(t *testing.T) {
	received := ProtocolHeader{'A', 'M', 'Q', 'P', 0, 0, 9, 1}
	err := ExpectHeader(bytes.NewReader(received[:]), AMQPHeader)

	var mismatch *HeaderMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, received, mismatch.Received)
	assert.Equal(t, AMQPHeader, mismatch.Expected)
	assert.Contains(t, err.Error(), "AMQP 0 0.9.1")
}

func TestExpectHeaderNonAMQP(t *testing.T) {
	err := ExpectHeader(bytes.NewReader([]byte("HTTP/1.1")), AMQPHeader)

	var mismatch *HeaderMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Contains(t, mismatch.Error(), `"HTTP/1.1"`)
}

func TestDetectAMQP(t *testing.T) {
	assert.True(t, DetectAMQP(AMQPHeader[:]))
	assert.False(t, DetectAMQP([]byte("MQTT")))
	assert.False(t, DetectAMQP([]byte("AM")))
}
