// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"slices"
	"sync"
	"sync/atomic"
)

// State represents the connection lifecycle state.
type State uint32

// Connection states, in lifecycle order. Failed may follow any
// non-terminal state.
const (
	StateConnecting State = iota
	StateSaslNegotiating
	StateHeaderExchanging
	StateOpening
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSaslNegotiating:
		return "sasl-negotiating"
	case StateHeaderExchanging:
		return "header-exchanging"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// canAdvance reports whether from -> to moves forward.
func canAdvance(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	return to > from
}

// stateManager tracks the connection state. Only the event loop writes it;
// readers on other goroutines observe it atomically.
type stateManager struct {
	state atomic.Uint32

	mu      sync.Mutex
	history []State
}

// newStateManager creates a new state manager.
func newStateManager() *stateManager {
	return &stateManager{history: []State{StateConnecting}}
}

// get returns the current state.
func (sm *stateManager) get() State {
	return State(sm.state.Load())
}

// advance moves to the given state if the move goes forward.
// Returns true if successful.
func (sm *stateManager) advance(to State) bool {
	from := sm.get()
	if !canAdvance(from, to) {
		return false
	}
	sm.state.Store(uint32(to))

	sm.mu.Lock()
	sm.history = append(sm.history, to)
	sm.mu.Unlock()
	return true
}

// snapshot returns every state entered so far, in order.
func (sm *stateManager) snapshot() []State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return slices.Clone(sm.history)
}
