// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TLSTestCerts holds a test CA and certificates issued from it. Files are
// written to a per-test temporary directory.
type TLSTestCerts struct {
	CAFile         string
	ClientCertFile string
	ClientKeyFile  string

	CA    *x509.Certificate
	CAKey *ecdsa.PrivateKey
	Roots *x509.CertPool

	// Server is valid for localhost and 127.0.0.1.
	Server tls.Certificate
	// WrongName is issued by the CA for a different host.
	WrongName tls.Certificate
	// Untrusted is self-signed for localhost.
	Untrusted tls.Certificate
	// UntrustedWrongName is self-signed for a different host.
	UntrustedWrongName tls.Certificate
	// Expired is issued by the CA for localhost but no longer valid.
	Expired tls.Certificate
	Client  tls.Certificate
}

var serial atomic.Int64

func nextSerial() *big.Int {
	return big.NewInt(100 + serial.Add(1))
}

// GenerateTestCerts creates a CA and the server and client certificates
// used by the connection tests.
func GenerateTestCerts(t *testing.T) *TLSTestCerts {
	t.Helper()

	dir := t.TempDir()
	caKey := newKey(t)
	caTemplate := &x509.Certificate{
		SerialNumber: nextSerial(),
		Subject: pkix.Name{
			Organization: []string{"Test CA"},
			CommonName:   "Test CA",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	require.NoError(t, err, "create CA certificate")
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	certs := &TLSTestCerts{
		CA:    ca,
		CAKey: caKey,
		Roots: x509.NewCertPool(),
	}
	certs.Roots.AddCert(ca)

	certs.CAFile = filepath.Join(dir, "ca.crt")
	writePEM(t, certs.CAFile, "CERTIFICATE", caDER)

	localhost := []string{"localhost"}
	loopback := []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
	other := []string{"other.example"}
	now := time.Now()

	certs.Server = IssueCert(t, ca, caKey, serverTemplate("localhost", localhost, loopback, now, now.Add(24*time.Hour)))
	certs.WrongName = IssueCert(t, ca, caKey, serverTemplate("other.example", other, nil, now, now.Add(24*time.Hour)))
	certs.Expired = IssueCert(t, ca, caKey, serverTemplate("localhost", localhost, loopback, now.Add(-48*time.Hour), now.Add(-24*time.Hour)))
	certs.Untrusted = IssueCert(t, nil, nil, serverTemplate("localhost", localhost, loopback, now, now.Add(24*time.Hour)))
	certs.UntrustedWrongName = IssueCert(t, nil, nil, serverTemplate("other.example", other, nil, now, now.Add(24*time.Hour)))

	clientTemplate := &x509.Certificate{
		SerialNumber: nextSerial(),
		Subject: pkix.Name{
			Organization: []string{"Test Client"},
			CommonName:   "test-client",
		},
		NotBefore:   now.Add(-time.Hour),
		NotAfter:    now.Add(24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	certs.Client = IssueCert(t, ca, caKey, clientTemplate)
	certs.ClientCertFile = filepath.Join(dir, "client.crt")
	certs.ClientKeyFile = filepath.Join(dir, "client.key")
	writePEM(t, certs.ClientCertFile, "CERTIFICATE", certs.Client.Certificate[0])
	keyDER, err := x509.MarshalECPrivateKey(certs.Client.PrivateKey.(*ecdsa.PrivateKey))
	require.NoError(t, err)
	writePEM(t, certs.ClientKeyFile, "EC PRIVATE KEY", keyDER)

	return certs
}

// ServerTLSConfig returns a server config presenting cert.
func ServerTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
}

// IssueCert signs template with the given issuer, or self-signs it when
// issuer is nil.
func IssueCert(t *testing.T, issuer *x509.Certificate, issuerKey *ecdsa.PrivateKey, template *x509.Certificate) tls.Certificate {
	t.Helper()

	key := newKey(t)
	if issuer == nil {
		issuer, issuerKey = template, key
	}
	der, err := x509.CreateCertificate(rand.Reader, template, issuer, &key.PublicKey, issuerKey)
	require.NoError(t, err, "create certificate")
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}
}

func serverTemplate(cn string, dns []string, ips []net.IP, notBefore, notAfter time.Time) *x509.Certificate {
	return &x509.Certificate{
		SerialNumber: nextSerial(),
		Subject: pkix.Name{
			Organization: []string{"Test Server"},
			CommonName:   cn,
		},
		NotBefore:   notBefore,
		NotAfter:    notAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    dns,
		IPAddresses: ips,
	}
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err, "generate key")
	return key
}

func writePEM(t *testing.T, path, blockType string, der []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}))
}
