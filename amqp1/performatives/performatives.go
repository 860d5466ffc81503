// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package performatives encodes and decodes the connection-level AMQP 1.0
// performatives. Session and link performatives are recognised by
// descriptor only.
package performatives

import (
	"errors"
	"fmt"

	"github.com/absmach/fluxamqp/amqp1/types"
)

// Performative descriptors.
const (
	DescriptorOpen        uint64 = 0x10
	DescriptorBegin       uint64 = 0x11
	DescriptorAttach      uint64 = 0x12
	DescriptorFlow        uint64 = 0x13
	DescriptorTransfer    uint64 = 0x14
	DescriptorDisposition uint64 = 0x15
	DescriptorDetach      uint64 = 0x16
	DescriptorEnd         uint64 = 0x17
	DescriptorClose       uint64 = 0x18
)

// ErrMalformed is returned when a frame body does not hold a well-formed
// performative.
var ErrMalformed = errors.New("malformed performative")

var names = map[uint64]string{
	DescriptorOpen:        "open",
	DescriptorBegin:       "begin",
	DescriptorAttach:      "attach",
	DescriptorFlow:        "flow",
	DescriptorTransfer:    "transfer",
	DescriptorDisposition: "disposition",
	DescriptorDetach:      "detach",
	DescriptorEnd:         "end",
	DescriptorClose:       "close",
	DescriptorError:       "error",
}

// Name returns the performative name for a descriptor code.
func Name(descriptor uint64) string {
	if n, ok := names[descriptor]; ok {
		return n
	}
	return fmt.Sprintf("0x%02x", descriptor)
}

// Performative is a decoded frame body.
type Performative interface {
	Descriptor() uint64
	Encode() ([]byte, error)
}

// Other is a performative this package does not decode beyond its
// descriptor, such as begin or attach.
type Other struct {
	Code   uint64
	Fields []any
}

func (o *Other) Descriptor() uint64 { return o.Code }

func (o *Other) Encode() ([]byte, error) {
	return types.EncodeComposite(o.Code, o.Fields...)
}

// Decode decodes an AMQP frame body. Malformed input returns an error
// wrapping ErrMalformed; it never panics.
func Decode(body []byte) (Performative, error) {
	desc, fields, err := types.ReadListFields(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	switch desc {
	case DescriptorOpen:
		o, err := decodeOpen(fields)
		if err != nil {
			return nil, err
		}
		return o, nil
	case DescriptorClose:
		c, err := decodeClose(fields)
		if err != nil {
			return nil, err
		}
		return c, nil
	case DescriptorBegin, DescriptorAttach, DescriptorFlow, DescriptorTransfer,
		DescriptorDisposition, DescriptorDetach, DescriptorEnd:
		return &Other{Code: desc, Fields: fields}, nil
	default:
		return nil, fmt.Errorf("%w: unknown descriptor 0x%02x", ErrMalformed, desc)
	}
}

func malformed(perf string, field int, v any) error {
	return fmt.Errorf("%w: %s field %d has type %T", ErrMalformed, perf, field, v)
}
