// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sasl implements the AMQP 1.0 SASL layer: frame bodies and the
// client side of the supported mechanisms.
package sasl

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/absmach/fluxamqp/amqp1/types"
)

// SASL frame descriptors.
const (
	DescriptorMechanisms uint64 = 0x40
	DescriptorInit       uint64 = 0x41
	DescriptorChallenge  uint64 = 0x42
	DescriptorResponse   uint64 = 0x43
	DescriptorOutcome    uint64 = 0x44
)

var names = map[uint64]string{
	DescriptorMechanisms: "sasl-mechanisms",
	DescriptorInit:       "sasl-init",
	DescriptorChallenge:  "sasl-challenge",
	DescriptorResponse:   "sasl-response",
	DescriptorOutcome:    "sasl-outcome",
}

// Name returns the frame name for a SASL descriptor code.
func Name(descriptor uint64) string {
	if n, ok := names[descriptor]; ok {
		return n
	}
	return fmt.Sprintf("0x%02x", descriptor)
}

// Code is a SASL outcome code.
type Code uint8

const (
	CodeOK      Code = 0
	CodeAuth    Code = 1 // authentication failed
	CodeSys     Code = 2 // system error
	CodeSysPerm Code = 3 // permanent system error
	CodeSysTemp Code = 4 // temporary system error
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeAuth:
		return "auth"
	case CodeSys:
		return "sys"
	case CodeSysPerm:
		return "sys-perm"
	case CodeSysTemp:
		return "sys-temp"
	default:
		return fmt.Sprintf("code(%d)", uint8(c))
	}
}

// ErrMalformed is returned for SASL frame bodies that cannot be decoded.
var ErrMalformed = errors.New("malformed sasl frame")

// Frame is a decoded SASL frame body.
type Frame interface {
	Descriptor() uint64
	Encode() ([]byte, error)
}

// Mechanisms lists the mechanisms a server supports (0x40).
type Mechanisms struct {
	Mechanisms []types.Symbol
}

func (m *Mechanisms) Descriptor() uint64 { return DescriptorMechanisms }

func (m *Mechanisms) Encode() ([]byte, error) {
	return types.EncodeComposite(DescriptorMechanisms, m.Mechanisms)
}

// Init selects a mechanism and carries the initial response (0x41).
type Init struct {
	Mechanism       types.Symbol
	InitialResponse []byte
	Hostname        string
}

func (i *Init) Descriptor() uint64 { return DescriptorInit }

func (i *Init) Encode() ([]byte, error) {
	var hostname any
	if i.Hostname != "" {
		hostname = i.Hostname
	}
	return types.EncodeComposite(DescriptorInit, i.Mechanism, i.InitialResponse, hostname)
}

// Challenge carries server challenge data (0x42).
type Challenge struct {
	Challenge []byte
}

func (c *Challenge) Descriptor() uint64 { return DescriptorChallenge }

func (c *Challenge) Encode() ([]byte, error) {
	return types.EncodeComposite(DescriptorChallenge, nonNil(c.Challenge))
}

// Response answers a challenge (0x43).
type Response struct {
	Response []byte
}

func (r *Response) Descriptor() uint64 { return DescriptorResponse }

func (r *Response) Encode() ([]byte, error) {
	return types.EncodeComposite(DescriptorResponse, nonNil(r.Response))
}

// Outcome reports the result of the exchange (0x44).
type Outcome struct {
	Code           Code
	AdditionalData []byte
}

func (o *Outcome) Descriptor() uint64 { return DescriptorOutcome }

func (o *Outcome) Encode() ([]byte, error) {
	return types.EncodeComposite(DescriptorOutcome, uint8(o.Code), o.AdditionalData)
}

// Decode decodes a SASL frame body.
func Decode(body []byte) (Frame, error) {
	desc, fields, err := types.ReadListFields(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	switch desc {
	case DescriptorMechanisms:
		m := &Mechanisms{Mechanisms: types.AsSymbols(types.Field(fields, 0))}
		if len(m.Mechanisms) == 0 {
			return nil, fmt.Errorf("%w: empty mechanism list", ErrMalformed)
		}
		return m, nil

	case DescriptorInit:
		i := &Init{}
		var ok bool
		if i.Mechanism, ok = types.AsSymbol(types.Field(fields, 0)); !ok {
			return nil, fmt.Errorf("%w: sasl-init without mechanism", ErrMalformed)
		}
		i.InitialResponse, _ = types.AsBinary(types.Field(fields, 1))
		i.Hostname, _ = types.AsString(types.Field(fields, 2))
		return i, nil

	case DescriptorChallenge:
		b, ok := types.AsBinary(types.Field(fields, 0))
		if !ok {
			return nil, fmt.Errorf("%w: sasl-challenge without data", ErrMalformed)
		}
		return &Challenge{Challenge: b}, nil

	case DescriptorResponse:
		b, ok := types.AsBinary(types.Field(fields, 0))
		if !ok {
			return nil, fmt.Errorf("%w: sasl-response without data", ErrMalformed)
		}
		return &Response{Response: b}, nil

	case DescriptorOutcome:
		code, ok := types.Field(fields, 0).(uint8)
		if !ok {
			return nil, fmt.Errorf("%w: sasl-outcome code has type %T", ErrMalformed, types.Field(fields, 0))
		}
		o := &Outcome{Code: Code(code)}
		o.AdditionalData, _ = types.AsBinary(types.Field(fields, 1))
		return o, nil

	default:
		return nil, fmt.Errorf("%w: unknown descriptor 0x%02x", ErrMalformed, desc)
	}
}

// ParsePLAIN splits a PLAIN initial response into its three parts:
// authzid, authcid and password.
func ParsePLAIN(response []byte) (authzID, username, password string, err error) {
	parts := bytes.Split(response, []byte{0})
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("invalid PLAIN response: expected 3 parts, got %d", len(parts))
	}
	return string(parts[0]), string(parts[1]), string(parts[2]), nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
