// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ocsp

import (
	"context"
	"crypto/x509"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/fluxamqp/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"
)

// responder answers every request with status for the given serial.
func responder(t *testing.T, certs *testutil.TLSTestCerts, status int) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req, err := ocsp.ParseRequest(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		now := time.Now()
		tmpl := ocsp.Response{
			Status:       status,
			SerialNumber: req.SerialNumber,
			ThisUpdate:   now.Add(-time.Minute),
			NextUpdate:   now.Add(time.Hour),
		}
		if status == ocsp.Revoked {
			tmpl.RevokedAt = now.Add(-time.Hour)
			tmpl.RevocationReason = ocsp.KeyCompromise
		}
		resp, err := ocsp.CreateResponse(certs.CA, certs.CA, tmpl, certs.CAKey)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/ocsp-response")
		_, _ = w.Write(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func chain(certs *testutil.TLSTestCerts) []*x509.Certificate {
	return []*x509.Certificate{certs.Server.Leaf, certs.CA}
}

func TestCheckChainStatus(t *testing.T) {
	certs := testutil.GenerateTestCerts(t)

	cases := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"good", ocsp.Good, nil},
		{"revoked", ocsp.Revoked, ErrRevoked},
		{"unknown", ocsp.Unknown, ErrUnknownStatus},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := responder(t, certs, tc.status)
			c := New(Config{ResponderURL: srv.URL, Timeout: 2 * time.Second}, nil)

			err := c.CheckChain(context.Background(), chain(certs))
			if tc.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestCheckWithoutResponder(t *testing.T) {
	certs := testutil.GenerateTestCerts(t)
	c := New(Config{}, nil)

	err := c.Check(context.Background(), certs.Server.Leaf, certs.CA)
	assert.ErrorIs(t, err, ErrNoResponder)
}

func TestCheckChainSkipsRoot(t *testing.T) {
	certs := testutil.GenerateTestCerts(t)
	c := New(Config{ResponderURL: "http://127.0.0.1:1"}, nil)

	require.NoError(t, c.CheckChain(context.Background(), []*x509.Certificate{certs.CA, certs.CA}))
	require.NoError(t, c.CheckChain(context.Background(), []*x509.Certificate{certs.Server.Leaf}))
}

func TestCheckResponderUnreachable(t *testing.T) {
	certs := testutil.GenerateTestCerts(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(Config{ResponderURL: url, Timeout: time.Second}, nil)
	err := c.CheckChain(context.Background(), chain(certs))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRevoked)
}
