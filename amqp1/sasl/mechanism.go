// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sasl

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"github.com/absmach/fluxamqp/amqp1/types"
)

// Mechanism names.
const (
	MechPLAIN       = "PLAIN"
	MechANONYMOUS   = "ANONYMOUS"
	MechEXTERNAL    = "EXTERNAL"
	MechXOAUTH2     = "XOAUTH2"
	MechCRAMMD5     = "CRAM-MD5"
	MechSCRAMSHA1   = "SCRAM-SHA-1"
	MechSCRAMSHA256 = "SCRAM-SHA-256"
	MechSCRAMSHA512 = "SCRAM-SHA-512"
)

// DefaultPreference orders mechanisms from strongest to weakest.
var DefaultPreference = []string{
	MechEXTERNAL,
	MechSCRAMSHA512,
	MechSCRAMSHA256,
	MechSCRAMSHA1,
	MechCRAMMD5,
	MechPLAIN,
	MechXOAUTH2,
	MechANONYMOUS,
}

var (
	ErrNoMechanism        = errors.New("no mutually supported sasl mechanism")
	ErrUnknownMechanism   = errors.New("unknown sasl mechanism")
	ErrUnexpectedStep     = errors.New("unexpected sasl challenge")
	ErrServerVerification = errors.New("server signature verification failed")
)

// Credentials are the inputs a mechanism may draw on. External reports that
// the transport presents a client certificate.
type Credentials struct {
	Username string
	Password string
	AuthzID  string
	External bool
}

func (c Credentials) hasPassword() bool {
	return c.Username != "" && c.Password != ""
}

// Mechanism is the client side of a SASL mechanism.
type Mechanism interface {
	// Name returns the mechanism name sent in sasl-init.
	Name() string
	// Start returns the initial response, nil for none.
	Start() ([]byte, error)
	// Step answers a server challenge.
	Step(challenge []byte) ([]byte, error)
}

// Finisher is implemented by mechanisms that verify the additional data
// carried by a successful sasl-outcome.
type Finisher interface {
	Finish(additional []byte) error
}

// Supported reports whether name is a known mechanism.
func Supported(name string) bool {
	return slices.Contains(DefaultPreference, name)
}

// New returns the client for the named mechanism.
func New(name string, creds Credentials) (Mechanism, error) {
	switch name {
	case MechPLAIN:
		return &plain{creds: creds}, nil
	case MechANONYMOUS:
		return anonymous{}, nil
	case MechEXTERNAL:
		return &external{authzID: creds.AuthzID}, nil
	case MechXOAUTH2:
		return &xoauth2{user: creds.Username, token: creds.Password}, nil
	case MechCRAMMD5:
		return &cramMD5{creds: creds}, nil
	case MechSCRAMSHA1, MechSCRAMSHA256, MechSCRAMSHA512:
		return newSCRAM(name, creds), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMechanism, name)
	}
}

// usable reports whether the credentials are sufficient for the mechanism.
func usable(name string, creds Credentials) bool {
	switch name {
	case MechANONYMOUS:
		return true
	case MechEXTERNAL:
		return creds.External
	default:
		return creds.hasPassword()
	}
}

// Select picks the first mechanism in preference order that the server
// offers and the credentials can satisfy. An empty preference means
// DefaultPreference.
func Select(preference []string, offered []types.Symbol, creds Credentials) (Mechanism, error) {
	if len(preference) == 0 {
		preference = DefaultPreference
	}
	for _, name := range preference {
		if !slices.Contains(offered, types.Symbol(name)) || !usable(name, creds) {
			continue
		}
		return New(name, creds)
	}
	return nil, fmt.Errorf("%w: offered %v", ErrNoMechanism, offered)
}

type plain struct {
	creds Credentials
}

func (p *plain) Name() string { return MechPLAIN }

func (p *plain) Start() ([]byte, error) {
	resp := make([]byte, 0, len(p.creds.AuthzID)+len(p.creds.Username)+len(p.creds.Password)+2)
	resp = append(resp, p.creds.AuthzID...)
	resp = append(resp, 0)
	resp = append(resp, p.creds.Username...)
	resp = append(resp, 0)
	resp = append(resp, p.creds.Password...)
	return resp, nil
}

func (p *plain) Step([]byte) ([]byte, error) { return nil, ErrUnexpectedStep }

type anonymous struct{}

func (anonymous) Name() string                { return MechANONYMOUS }
func (anonymous) Start() ([]byte, error)      { return nil, nil }
func (anonymous) Step([]byte) ([]byte, error) { return nil, ErrUnexpectedStep }

// external asserts the identity established by the TLS client certificate.
type external struct {
	authzID string
}

func (e *external) Name() string { return MechEXTERNAL }

func (e *external) Start() ([]byte, error) {
	return append([]byte{}, e.authzID...), nil
}

func (e *external) Step([]byte) ([]byte, error) { return nil, ErrUnexpectedStep }

type xoauth2 struct {
	user  string
	token string
}

func (x *xoauth2) Name() string { return MechXOAUTH2 }

func (x *xoauth2) Start() ([]byte, error) {
	return []byte("user=" + x.user + "\x01auth=Bearer " + x.token + "\x01\x01"), nil
}

// Step acknowledges an error challenge with an empty response so the server
// can finish with a failed outcome.
func (x *xoauth2) Step([]byte) ([]byte, error) { return []byte{}, nil }

type cramMD5 struct {
	creds Credentials
}

func (c *cramMD5) Name() string { return MechCRAMMD5 }

func (c *cramMD5) Start() ([]byte, error) { return nil, nil }

func (c *cramMD5) Step(challenge []byte) ([]byte, error) {
	mac := hmac.New(md5.New, []byte(c.creds.Password))
	mac.Write(challenge)
	return []byte(c.creds.Username + " " + hex.EncodeToString(mac.Sum(nil))), nil
}
