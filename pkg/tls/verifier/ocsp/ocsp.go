// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ocsp checks certificate revocation status against OCSP responders.
package ocsp

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/ocsp"
)

var (
	ErrRevoked       = errors.New("certificate revoked")
	ErrUnknownStatus = errors.New("OCSP status unknown")
	ErrServerFailed  = errors.New("OCSP server failed")
	ErrNoResponder   = errors.New("neither OCSP responder URL configured nor present in certificate AIA")

	errCreateOCSPReq        = errors.New("failed to create OCSP request")
	errCreateOCSPHTTPReq    = errors.New("failed to create OCSP HTTP request")
	errOCSPReq              = errors.New("OCSP request failed")
	errOCSPReadResp         = errors.New("failed to read OCSP response")
	errParseOCSPRespForCert = errors.New("failed to parse OCSP response for certificate")
)

const defaultTimeout = 5 * time.Second

// Config selects the responder and bounds each query.
type Config struct {
	// ResponderURL overrides the responder named in the certificate AIA.
	ResponderURL string        `yaml:"responder_url"`
	Timeout      time.Duration `yaml:"timeout"`
	// Depth limits how many certificates of the chain are checked, leaf
	// first. Zero checks only the leaf.
	Depth uint `yaml:"depth"`
}

// Checker queries OCSP responders for the certificates of a chain.
type Checker struct {
	cfg    Config
	client *http.Client
}

// New returns a Checker. A nil client uses one with the configured timeout.
func New(cfg Config, client *http.Client) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Checker{cfg: cfg, client: client}
}

// CheckChain checks chain[i] against its issuer chain[i+1]. The root is
// never checked.
func (c *Checker) CheckChain(ctx context.Context, chain []*x509.Certificate) error {
	depth := int(c.cfg.Depth)
	if depth == 0 {
		depth = 1
	}
	for i := 0; i < len(chain)-1 && i < depth; i++ {
		if isRootCA(chain[i]) {
			return nil
		}
		if err := c.Check(ctx, chain[i], chain[i+1]); err != nil {
			return err
		}
	}
	return nil
}

// Check queries the revocation status of cert issued by issuer.
func (c *Checker) Check(ctx context.Context, cert, issuer *x509.Certificate) error {
	req, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: crypto.SHA256})
	if err != nil {
		return errors.Join(errCreateOCSPReq, err)
	}

	responder := c.cfg.ResponderURL
	if responder == "" {
		if len(cert.OCSPServer) == 0 {
			return fmt.Errorf("%w: common name %s and serial number %x", ErrNoResponder, cert.Subject.CommonName, cert.SerialNumber)
		}
		responder = cert.OCSPServer[0]
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, responder, bytes.NewReader(req))
	if err != nil {
		return errors.Join(errCreateOCSPHTTPReq, err)
	}
	httpReq.Header.Add("Content-Type", "application/ocsp-request")
	httpReq.Header.Add("Accept", "application/ocsp-response")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return errors.Join(errOCSPReq, err)
	}
	defer httpResp.Body.Close()

	output, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return errors.Join(errOCSPReadResp, err)
	}
	resp, err := ocsp.ParseResponseForCert(output, cert, issuer)
	if err != nil {
		return errors.Join(errParseOCSPRespForCert, err)
	}

	switch resp.Status {
	case ocsp.Good:
		return nil
	case ocsp.Revoked:
		return fmt.Errorf("%w: common name %s and serial number %x revoked at %v", ErrRevoked, cert.Subject.CommonName, cert.SerialNumber, resp.RevokedAt)
	case ocsp.ServerFailed:
		return ErrServerFailed
	default:
		return ErrUnknownStatus
	}
}

func isRootCA(cert *x509.Certificate) bool {
	if !cert.IsCA {
		return false
	}
	if len(cert.AuthorityKeyId) > 0 && len(cert.SubjectKeyId) > 0 && bytes.Equal(cert.AuthorityKeyId, cert.SubjectKeyId) {
		return true
	}
	return cert.Issuer.String() == cert.Subject.String()
}
