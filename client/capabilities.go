// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"slices"
	"time"

	"github.com/absmach/fluxamqp/amqp1/performatives"
)

// PeerCapabilities represents the parameters and capabilities advertised by
// the peer in its Open performative. It is read-only once the connection is
// open.
type PeerCapabilities struct {
	// ContainerID identifies the peer container.
	ContainerID string

	// Hostname is the virtual host the peer echoed, if any.
	Hostname string

	// MaxFrameSize is the largest frame the peer accepts.
	// Defaults to 4294967295 if not present.
	MaxFrameSize uint32

	// ChannelMax is the highest channel number the peer accepts.
	// Defaults to 65535 if not present.
	ChannelMax uint16

	// IdleTimeout is the peer's idle timeout. Zero means the peer does not
	// require heartbeats.
	IdleTimeout time.Duration

	// OfferedCapabilities are extensions the peer supports.
	OfferedCapabilities []string

	// DesiredCapabilities are extensions the peer can use if we support them.
	DesiredCapabilities []string

	// Properties contains peer connection properties, such as product and version.
	Properties map[string]any
}

// HasCapability reports whether the peer offers the named capability.
func (p *PeerCapabilities) HasCapability(name string) bool {
	return slices.Contains(p.OfferedCapabilities, name)
}

// parsePeerCapabilities extracts capabilities from a peer Open. Absent
// fields already carry their protocol defaults.
func parsePeerCapabilities(open *performatives.Open) *PeerCapabilities {
	caps := &PeerCapabilities{
		ContainerID:  open.ContainerID,
		Hostname:     open.Hostname,
		MaxFrameSize: open.MaxFrameSize,
		ChannelMax:   open.ChannelMax,
		IdleTimeout:  open.IdleTimeout(),
	}
	for _, s := range open.OfferedCapabilities {
		caps.OfferedCapabilities = append(caps.OfferedCapabilities, string(s))
	}
	for _, s := range open.DesiredCapabilities {
		caps.DesiredCapabilities = append(caps.DesiredCapabilities, string(s))
	}
	if len(open.Properties) > 0 {
		caps.Properties = make(map[string]any, len(open.Properties))
		for k, v := range open.Properties {
			caps.Properties[string(k)] = v
		}
	}
	return caps
}
