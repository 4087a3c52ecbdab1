// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package caclient

import (
	"context"
	"crypto/x509"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetCACertUsesPlainHTTPWithoutVerification(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ca-bundle"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.GetCACert(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte("ca-bundle"), resp.Body)
	assert.Equal(t, "/puppet-ca/v1/certificate/ca", gotPath)
}

func TestSubmitCSRPathIncludesCertname(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.SubmitCSR(context.Background(), "agent01", []byte("csr-pem"))
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/puppet-ca/v1/certificate_request/agent01", gotPath)
	assert.Equal(t, []byte("csr-pem"), gotBody)
}

func TestGetCRLSendsIfModifiedSinceWhenProvided(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("If-Modified-Since")
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	c := New(srv.URL)
	ts := mustParseTime(t, "Mon, 02 Jan 2006 15:04:05 GMT")
	resp, err := c.GetCRL(context.Background(), &ts)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
	assert.Equal(t, "Mon, 02 Jan 2006 15:04:05 GMT", gotHeader)
}

func mustParseTime(t *testing.T, s string) time.Time {
	parsed, err := http.ParseTime(s)
	require.NoError(t, err)
	return parsed
}

// Before SetTrustedRoots is ever called, peer verification is off: the
// server's self-signed certificate is accepted without complaint. This is
// only correct for the very first, trust-establishing CA bundle fetch.
func TestGetCACertAcceptsUntrustedServerCertBeforeTrustIsEstablished(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ca-bundle"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.GetCACert(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// Once SetTrustedRoots has been called, every subsequent request verifies
// the server's certificate against it: an untrusted server is rejected.
func TestGetCRLRejectsUntrustedServerCertAfterTrustIsEstablished(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.SetTrustedRoots(x509.NewCertPool()) // a pool that does not contain srv's cert

	_, err := c.GetCRL(context.Background(), nil)
	require.Error(t, err)
}

// A pool that does contain the server's certificate is accepted.
func TestGetCRLAcceptsServerCertPresentInTrustedRoots(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	roots := x509.NewCertPool()
	roots.AddCert(srv.Certificate())

	c := New(srv.URL)
	c.SetTrustedRoots(roots)

	resp, err := c.GetCRL(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
