// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package performatives

import "github.com/absmach/fluxamqp/amqp1/types"

// Close signals the end of a connection (descriptor 0x18). A non-nil Error
// reports why the sender is closing.
type Close struct {
	Error *Error
}

func (c *Close) Descriptor() uint64 { return DescriptorClose }

func (c *Close) Encode() ([]byte, error) {
	var errField any
	if c.Error != nil {
		errField = c.Error.described()
	}
	return types.EncodeComposite(DescriptorClose, errField)
}

func decodeClose(fields []any) (*Close, error) {
	v := types.Field(fields, 0)
	if v == nil {
		return &Close{}, nil
	}
	e, err := decodeError(v)
	if err != nil {
		return nil, err
	}
	return &Close{Error: e}, nil
}
