// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tls loads client-side TLS material for AMQP connections.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
	"strings"
)

var (
	errLoadCerts     = errors.New("failed to load client certificate")
	errLoadCA        = errors.New("failed to load CA file")
	errAppendCA      = errors.New("failed to append CA certificates")
	errPartialKey    = errors.New("cert_file and key_file must be set together")
	errUnknownTLSVer = errors.New("unknown TLS version")
)

// Config describes client TLS material on disk.
type Config struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`
	MinVersion string `yaml:"min_version"`
}

// LoadClientConfig builds a base client tls.Config: trusted roots from
// CAFile (system roots when empty) and an optional client certificate.
func LoadClientConfig(c Config) (*tls.Config, error) {
	minVersion, err := parseVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}
	config := &tls.Config{MinVersion: minVersion}

	if (c.CertFile == "") != (c.KeyFile == "") {
		return nil, errPartialKey
	}
	if c.CertFile != "" {
		certificate, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, errors.Join(errLoadCerts, err)
		}
		config.Certificates = []tls.Certificate{certificate}
	}

	rootCA, err := loadCertFile(c.CAFile)
	if err != nil {
		return nil, errors.Join(errLoadCA, err)
	}
	if len(rootCA) > 0 {
		config.RootCAs = x509.NewCertPool()
		if !config.RootCAs.AppendCertsFromPEM(rootCA) {
			return nil, errAppendCA
		}
	}

	return config, nil
}

// HasClientCertificate reports whether c presents a client certificate.
func HasClientCertificate(c *tls.Config) bool {
	return c != nil && (len(c.Certificates) > 0 || c.GetClientCertificate != nil)
}

// PeerIdentity returns the subject of the peer's leaf certificate, or an
// empty string when the peer presented none.
func PeerIdentity(state tls.ConnectionState) string {
	if len(state.PeerCertificates) == 0 {
		return ""
	}
	return state.PeerCertificates[0].Subject.String()
}

func parseVersion(v string) (uint16, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "1.2", "tls1.2":
		return tls.VersionTLS12, nil
	case "1.3", "tls1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, errors.Join(errUnknownTLSVer, errors.New(v))
	}
}

func loadCertFile(certFile string) ([]byte, error) {
	if certFile != "" {
		return os.ReadFile(certFile)
	}
	return []byte{}, nil
}
