// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ValidationErrors is a set of certificate validation failures.
type ValidationErrors uint8

const (
	// NotAvailable means the peer presented no certificate.
	NotAvailable ValidationErrors = 1 << iota
	// NameMismatch means the certificate does not cover the server name.
	NameMismatch
	// ChainErrors covers untrusted, expired and revoked chains.
	ChainErrors

	NoValidationErrors ValidationErrors = 0
)

var validationNames = []struct {
	flag ValidationErrors
	name string
}{
	{NotAvailable, "not-available"},
	{NameMismatch, "name-mismatch"},
	{ChainErrors, "chain-errors"},
}

// Has reports whether every flag in other is in e.
func (e ValidationErrors) Has(other ValidationErrors) bool {
	return e&other == other
}

// SubsetOf reports whether every error in e is also in allowed.
func (e ValidationErrors) SubsetOf(allowed ValidationErrors) bool {
	return e&^allowed == 0
}

func (e ValidationErrors) String() string {
	if e == 0 {
		return "none"
	}
	var parts []string
	for _, v := range validationNames {
		if e.Has(v.flag) {
			parts = append(parts, v.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseValidationErrors parses names such as "name-mismatch".
func ParseValidationErrors(names []string) (ValidationErrors, error) {
	var set ValidationErrors
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		found := false
		for _, v := range validationNames {
			if v.name == n {
				set |= v.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown validation error %q", n)
		}
	}
	return set, nil
}

// RevocationChecker checks a verified chain, leaf first.
type RevocationChecker interface {
	CheckChain(ctx context.Context, chain []*x509.Certificate) error
}

// SecurityPolicy describes whether and how an endpoint is secured.
type SecurityPolicy struct {
	TLS bool
	// Config supplies roots, client certificates and version bounds.
	Config *tls.Config
	// ServerName defaults to the dialed host.
	ServerName string
	Allowed    ValidationErrors
	Revocation RevocationChecker
}

// Classify computes the validation errors for a peer chain presented for
// serverName. The returned error describes the first chain failure.
func Classify(ctx context.Context, certs []*x509.Certificate, serverName string, roots *x509.CertPool, now time.Time, rc RevocationChecker) (ValidationErrors, error) {
	if len(certs) == 0 {
		return NotAvailable, errors.New("peer presented no certificate")
	}

	var found ValidationErrors
	var cause error
	leaf := certs[0]

	if err := leaf.VerifyHostname(serverName); err != nil {
		found |= NameMismatch
		cause = err
	}

	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}
	chains, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	switch {
	case err != nil:
		found |= ChainErrors
		cause = errors.Join(cause, err)
	case rc != nil:
		if err := rc.CheckChain(ctx, chains[0]); err != nil {
			found |= ChainErrors
			cause = errors.Join(cause, err)
		}
	}
	return found, cause
}

// clientTLSConfig clones the policy's base config and replaces Go's
// verification with the policy check.
func (p SecurityPolicy) clientTLSConfig(ctx context.Context, host string, tolerated *ValidationErrors) *tls.Config {
	var config *tls.Config
	if p.Config != nil {
		config = p.Config.Clone()
	} else {
		config = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	serverName := p.ServerName
	if serverName == "" {
		serverName = host
	}
	config.ServerName = serverName
	config.InsecureSkipVerify = true
	roots := config.RootCAs
	allowed := p.Allowed
	rc := p.Revocation
	config.VerifyConnection = func(state tls.ConnectionState) error {
		found, cause := Classify(ctx, state.PeerCertificates, serverName, roots, time.Now(), rc)
		if !found.SubsetOf(allowed) {
			return &ValidationError{Errors: found, Allowed: allowed, Cause: cause}
		}
		*tolerated = found
		return nil
	}
	return config
}
