// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
)

// Kind classifies transport failures.
type Kind uint8

const (
	KindUnreachable Kind = iota + 1
	KindTimeout
	KindSecurityValidationFailed
	KindIO
)

// Sentinels matched by errors.Is against an *Error of the same kind.
var (
	ErrUnreachable              = errors.New("transport unreachable")
	ErrTimeout                  = errors.New("transport connect timed out")
	ErrSecurityValidationFailed = errors.New("transport security validation failed")
	ErrIO                       = errors.New("transport i/o failure")
)

func (k Kind) sentinel() error {
	switch k {
	case KindUnreachable:
		return ErrUnreachable
	case KindTimeout:
		return ErrTimeout
	case KindSecurityValidationFailed:
		return ErrSecurityValidationFailed
	default:
		return ErrIO
	}
}

func (k Kind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindTimeout:
		return "timeout"
	case KindSecurityValidationFailed:
		return "security-validation-failed"
	case KindIO:
		return "io"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Error is a transport failure. Err holds the underlying cause.
type Error struct {
	Kind Kind
	Addr string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind.sentinel(), e.Addr)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind.sentinel(), e.Addr, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// ValidationError lists the certificate validation errors a handshake hit
// that the policy did not allow.
type ValidationError struct {
	Errors  ValidationErrors
	Allowed ValidationErrors
	Cause   error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("certificate validation failed: %s (allowed: %s)", e.Errors, e.Allowed)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// NewIOError wraps a read or write failure on an established endpoint.
func NewIOError(addr string, err error) *Error {
	return &Error{Kind: KindIO, Addr: addr, Err: err}
}
