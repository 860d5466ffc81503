// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"fmt"

	"github.com/absmach/fluxamqp/amqp1/frames"
	"github.com/absmach/fluxamqp/amqp1/performatives"
	"github.com/absmach/fluxamqp/amqp1/sasl"
)

// Client errors.
var (
	// Categories matched with errors.Is.
	ErrConfiguration  = errors.New("invalid connection options")
	ErrProtocol       = errors.New("amqp protocol error")
	ErrAuthentication = errors.New("sasl authentication failed")
	ErrLifecycle      = errors.New("connection lifecycle error")

	// Configuration errors.
	ErrEmptyHost           = errors.New("host cannot be empty")
	ErrInvalidPort         = errors.New("port must be between 1 and 65535")
	ErrPartialCredentials  = errors.New("username and password must be supplied together")
	ErrTLSPolicyWithoutTLS = errors.New("tls validation policy set while tls is disabled")
	ErrNegativeTimeout     = errors.New("timeouts cannot be negative")
	ErrMaxFrameSize        = errors.New("max frame size below protocol minimum of 512")
	ErrUnknownMechanism    = errors.New("unknown sasl mechanism")
	ErrUnknownTransport    = errors.New("unknown transport scheme")
	ErrInvalidProxy        = errors.New("invalid proxy url")
	ErrEmptyPropertyKey    = errors.New("connection property key cannot be empty")

	// Lifecycle errors.
	ErrIdleTimeoutExceeded = errors.New("idle timeout exceeded")
	ErrHandshakeTimeout    = errors.New("handshake timed out")
	ErrPeerRefused         = errors.New("peer refused the connection")
	ErrPeerClosed          = errors.New("peer closed the connection with an error")

	// Operation errors.
	ErrConnectionClosed = errors.New("connection closed")
	ErrTimeout          = errors.New("operation timed out")
)

// ConfigurationError reports options that failed validation.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrConfiguration, e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// ProtocolVersionError reports a protocol header the peer answered with
// that differs from the one sent.
type ProtocolVersionError struct {
	Expected frames.ProtocolHeader
	Received frames.ProtocolHeader
}

func (e *ProtocolVersionError) Error() string {
	return fmt.Sprintf("protocol version mismatch: sent %s, peer answered %s", e.Expected, e.Received)
}

func (e *ProtocolVersionError) Is(target error) bool { return target == ErrProtocol }

// DecodeError reports a frame or performative that could not be decoded.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode failure: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrProtocol }

// UnexpectedPerformativeError reports a well-formed frame that is not valid
// in the state it arrived in.
type UnexpectedPerformativeError struct {
	State        State
	Performative string
}

func (e *UnexpectedPerformativeError) Error() string {
	return fmt.Sprintf("unexpected %s while %s", e.Performative, e.State)
}

func (e *UnexpectedPerformativeError) Is(target error) bool { return target == ErrProtocol }

// InvalidFieldError reports a performative field whose value the protocol
// forbids.
type InvalidFieldError struct {
	Performative string
	Field        string
	Value        any
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("invalid %s %s: %v", e.Performative, e.Field, e.Value)
}

func (e *InvalidFieldError) Is(target error) bool { return target == ErrProtocol }

// AuthReason classifies SASL failures.
type AuthReason uint8

const (
	ReasonMechanismMismatch AuthReason = iota + 1
	ReasonCredentialsRejected
	ReasonSystemError
)

func (r AuthReason) String() string {
	switch r {
	case ReasonMechanismMismatch:
		return "mechanism mismatch"
	case ReasonCredentialsRejected:
		return "credentials rejected"
	case ReasonSystemError:
		return "system error"
	default:
		return "unknown"
	}
}

// AuthenticationError reports a failed SASL exchange. Code is the
// sasl-outcome code when the peer sent one.
type AuthenticationError struct {
	Reason AuthReason
	Code   sasl.Code
	Err    error
}

func (e *AuthenticationError) Error() string {
	msg := fmt.Sprintf("%s: %s", ErrAuthentication, e.Reason)
	if e.Code != sasl.CodeOK {
		msg += fmt.Sprintf(" (outcome %s)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

func (e *AuthenticationError) Is(target error) bool { return target == ErrAuthentication }

// LifecycleKind classifies lifecycle failures.
type LifecycleKind uint8

const (
	KindIdleTimeoutExceeded LifecycleKind = iota + 1
	KindHandshakeTimeout
	KindPeerRefused
	KindPeerClosed
)

func (k LifecycleKind) sentinel() error {
	switch k {
	case KindIdleTimeoutExceeded:
		return ErrIdleTimeoutExceeded
	case KindHandshakeTimeout:
		return ErrHandshakeTimeout
	case KindPeerRefused:
		return ErrPeerRefused
	default:
		return ErrPeerClosed
	}
}

// LifecycleError reports a connection that failed for reasons other than
// transport or protocol errors. RemoteError is the error the peer sent
// with its Close, if any.
type LifecycleError struct {
	Kind        LifecycleKind
	RemoteError *performatives.Error
}

func (e *LifecycleError) Error() string {
	if e.RemoteError == nil {
		return e.Kind.sentinel().Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.sentinel(), e.RemoteError)
}

func (e *LifecycleError) Unwrap() error {
	if e.RemoteError == nil {
		return nil
	}
	return e.RemoteError
}

func (e *LifecycleError) Is(target error) bool {
	return target == ErrLifecycle || target == e.Kind.sentinel()
}

// FailureError is the cause every signal of a failed connection resolves
// with. State is the phase the connection was in when it failed.
type FailureError struct {
	State State
	Err   error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("amqp connection failed while %s: %v", e.State, e.Err)
}

func (e *FailureError) Unwrap() error { return e.Err }
