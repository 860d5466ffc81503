// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Breakers keeps one circuit breaker per dialed address. An open breaker
// fails dials immediately with ErrUnreachable.
type Breakers struct {
	mu        sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker
	threshold uint32
	reset     time.Duration
	logger    *slog.Logger
}

// NewBreakers trips after threshold consecutive connect failures and probes
// again after reset.
func NewBreakers(threshold uint32, reset time.Duration, logger *slog.Logger) *Breakers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breakers{
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		threshold: threshold,
		reset:     reset,
		logger:    logger,
	}
}

func (b *Breakers) get(addr string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[addr]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        addr,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     b.reset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.threshold
		},
		// A peer that fails certificate validation is still reachable.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrSecurityValidationFailed)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.logger.Warn("dial circuit breaker state changed",
				slog.String("address", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	b.breakers[addr] = cb
	return cb
}

// State returns the breaker state for addr.
func (b *Breakers) State(addr string) gobreaker.State {
	return b.get(addr).State()
}

func (b *Breakers) execute(addr string, dial func() (*Endpoint, error)) (*Endpoint, error) {
	res, err := b.get(addr).Execute(func() (any, error) {
		return dial()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &Error{Kind: KindUnreachable, Addr: addr, Err: err}
	}
	if err != nil {
		return nil, err
	}
	return res.(*Endpoint), nil
}
