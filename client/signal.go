// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"sync"
	"time"
)

// Signal is a single-assignment result of a lifecycle event. It resolves at
// most once, with a value or an error; every read after that observes the
// same outcome. Waiting on a signal never affects the connection.
type Signal[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newSignal[T any]() *Signal[T] {
	return &Signal[T]{done: make(chan struct{})}
}

// resolve completes the signal with v. It reports whether this call
// resolved the signal.
func (s *Signal[T]) resolve(v T) bool {
	resolved := false
	s.once.Do(func() {
		s.val = v
		close(s.done)
		resolved = true
	})
	return resolved
}

// fail completes the signal with err. It reports whether this call
// resolved the signal.
func (s *Signal[T]) fail(err error) bool {
	resolved := false
	s.once.Do(func() {
		s.err = err
		close(s.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the signal resolves.
func (s *Signal[T]) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the signal resolves or ctx ends. A context error only
// releases the caller.
func (s *Signal[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-s.done:
		return s.val, s.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// WaitTimeout is Wait bounded by d. It returns ErrTimeout if the signal
// did not resolve in time.
func (s *Signal[T]) WaitTimeout(d time.Duration) (T, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-s.done:
		return s.val, s.err
	case <-timer.C:
		var zero T
		return zero, ErrTimeout
	}
}

// Poll returns the outcome without blocking. ok is false while the signal
// is unresolved.
func (s *Signal[T]) Poll() (v T, ok bool, err error) {
	select {
	case <-s.done:
		return s.val, true, s.err
	default:
		return v, false, nil
	}
}
