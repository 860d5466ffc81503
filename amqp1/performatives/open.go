// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package performatives

import (
	"math"
	"time"

	"github.com/absmach/fluxamqp/amqp1/types"
)

// Open negotiates connection parameters (descriptor 0x10). Use NewOpen to
// start from the protocol defaults; a MaxFrameSize or ChannelMax left at its
// default is encoded as absent.
type Open struct {
	ContainerID         string
	Hostname            string
	MaxFrameSize        uint32
	ChannelMax          uint16
	IdleTimeOut         uint32 // milliseconds, 0 = none
	OutgoingLocales     []types.Symbol
	IncomingLocales     []types.Symbol
	OfferedCapabilities []types.Symbol
	DesiredCapabilities []types.Symbol
	Properties          map[types.Symbol]any
}

// NewOpen returns an Open for containerID with MaxFrameSize and ChannelMax at
// their protocol defaults.
func NewOpen(containerID string) *Open {
	return &Open{
		ContainerID:  containerID,
		MaxFrameSize: math.MaxUint32,
		ChannelMax:   math.MaxUint16,
	}
}

func (o *Open) Descriptor() uint64 { return DescriptorOpen }

// IdleTimeout returns the advertised idle timeout as a duration.
func (o *Open) IdleTimeout() time.Duration {
	return time.Duration(o.IdleTimeOut) * time.Millisecond
}

func (o *Open) Encode() ([]byte, error) {
	var hostname, maxFrame, channelMax, idle any
	if o.Hostname != "" {
		hostname = o.Hostname
	}
	if o.MaxFrameSize != math.MaxUint32 {
		maxFrame = o.MaxFrameSize
	}
	if o.ChannelMax != math.MaxUint16 {
		channelMax = o.ChannelMax
	}
	if o.IdleTimeOut > 0 {
		idle = o.IdleTimeOut
	}
	return types.EncodeComposite(DescriptorOpen,
		o.ContainerID,
		hostname,
		maxFrame,
		channelMax,
		idle,
		o.OutgoingLocales,
		o.IncomingLocales,
		o.OfferedCapabilities,
		o.DesiredCapabilities,
		o.Properties,
	)
}

func decodeOpen(fields []any) (*Open, error) {
	o := NewOpen("")

	id, ok := types.AsString(types.Field(fields, 0))
	if !ok {
		return nil, malformed("open", 0, types.Field(fields, 0))
	}
	o.ContainerID = id

	if v := types.Field(fields, 1); v != nil {
		if o.Hostname, ok = types.AsString(v); !ok {
			return nil, malformed("open", 1, v)
		}
	}
	if v := types.Field(fields, 2); v != nil {
		if o.MaxFrameSize, ok = types.AsUint32(v); !ok {
			return nil, malformed("open", 2, v)
		}
	}
	if v := types.Field(fields, 3); v != nil {
		if o.ChannelMax, ok = types.AsUint16(v); !ok {
			return nil, malformed("open", 3, v)
		}
	}
	if v := types.Field(fields, 4); v != nil {
		if o.IdleTimeOut, ok = types.AsUint32(v); !ok {
			return nil, malformed("open", 4, v)
		}
	}
	o.OutgoingLocales = types.AsSymbols(types.Field(fields, 5))
	o.IncomingLocales = types.AsSymbols(types.Field(fields, 6))
	o.OfferedCapabilities = types.AsSymbols(types.Field(fields, 7))
	o.DesiredCapabilities = types.AsSymbols(types.Field(fields, 8))
	if v := types.Field(fields, 9); v != nil {
		if o.Properties = types.AsSymbolMap(v); o.Properties == nil {
			return nil, malformed("open", 9, v)
		}
	}
	return o, nil
}
