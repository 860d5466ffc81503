// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package performatives

import (
	"fmt"

	"github.com/absmach/fluxamqp/amqp1/types"
)

const DescriptorError uint64 = 0x1D

// Error conditions a peer may report when refusing or closing a connection.
const (
	ErrInternalError         types.Symbol = "amqp:internal-error"
	ErrNotFound              types.Symbol = "amqp:not-found"
	ErrUnauthorizedAccess    types.Symbol = "amqp:unauthorized-access"
	ErrDecodeError           types.Symbol = "amqp:decode-error"
	ErrResourceLimitExceeded types.Symbol = "amqp:resource-limit-exceeded"
	ErrNotAllowed            types.Symbol = "amqp:not-allowed"
	ErrInvalidField          types.Symbol = "amqp:invalid-field"
	ErrNotImplemented        types.Symbol = "amqp:not-implemented"
	ErrIllegalState          types.Symbol = "amqp:illegal-state"
	ErrFrameSizeTooSmall     types.Symbol = "amqp:frame-size-too-small"

	ErrConnectionForced   types.Symbol = "amqp:connection:forced"
	ErrFramingError       types.Symbol = "amqp:connection:framing-error"
	ErrConnectionRedirect types.Symbol = "amqp:connection:redirect"
)

// Error is the AMQP error record (descriptor 0x1D) carried by Close.
type Error struct {
	Condition   types.Symbol
	Description string
	Info        map[types.Symbol]any
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Condition)
	}
	return fmt.Sprintf("%s: %s", e.Condition, e.Description)
}

func (e *Error) described() *types.Described {
	var desc any
	if e.Description != "" {
		desc = e.Description
	}
	return &types.Described{
		Descriptor: DescriptorError,
		Value:      []any{e.Condition, desc, e.Info},
	}
}

// Encode serializes the error as a described list.
func (e *Error) Encode() ([]byte, error) {
	var enc types.Encoder
	if err := enc.Any(e.described()); err != nil {
		return nil, err
	}
	return enc.Bytes(), nil
}

func decodeError(v any) (*Error, error) {
	d, ok := v.(*types.Described)
	if !ok || d.Descriptor != DescriptorError {
		return nil, fmt.Errorf("%w: expected error record, got %T", ErrMalformed, v)
	}
	fields, ok := d.Value.([]any)
	if !ok {
		return nil, malformed("error", 0, d.Value)
	}

	e := &Error{}
	if e.Condition, ok = types.AsSymbol(types.Field(fields, 0)); !ok {
		return nil, malformed("error", 0, types.Field(fields, 0))
	}
	if f := types.Field(fields, 1); f != nil {
		if e.Description, ok = types.AsString(f); !ok {
			return nil, malformed("error", 1, f)
		}
	}
	if f := types.Field(fields, 2); f != nil {
		if e.Info = types.AsSymbolMap(f); e.Info == nil {
			return nil, malformed("error", 2, f)
		}
	}
	return e, nil
}
