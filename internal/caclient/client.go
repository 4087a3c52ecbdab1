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

// Package caclient implements the CaClient collaborator: HTTP requests
// against the certificate authority's puppet-ca routes.
package caclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Response is a collaborator-neutral view of an HTTP response: just enough
// for the bootstrap states to make their decisions without depending on
// net/http directly.
type Response struct {
	StatusCode   int
	Body         []byte
	LastModified time.Time
}

// CaClient is the interface the bootstrap states depend on. HTTPClient is
// the concrete implementation; tests substitute a fake.
type CaClient interface {
	GetCACert(ctx context.Context) (Response, error)
	GetCRL(ctx context.Context, ifModifiedSince *time.Time) (Response, error)
	GetClientCert(ctx context.Context, certname string) (Response, error)
	SubmitCSR(ctx context.Context, certname string, csrPEM []byte) (Response, error)

	// SetTrustedRoots installs the CA certificates every request after the
	// first CA-bundle fetch verifies the server's TLS certificate against.
	SetTrustedRoots(roots *x509.CertPool)
}

const (
	pathCACert     = "/puppet-ca/v1/certificate/ca"
	pathCRL        = "/puppet-ca/v1/certificate_revocation_list/ca"
	pathCertFmt    = "/puppet-ca/v1/certificate/%s"
	pathRequestFmt = "/puppet-ca/v1/certificate_request/%s"
)

// HTTPClient is the concrete CaClient, built around net/http. Its trusted
// root pool starts nil (peer verification disabled, for the first CA bundle
// fetch) and is updated via SetTrustedRoots once an SslContext carries CA
// certificates: verification stays off only until that first fetch, then on
// for every request after.
type HTTPClient struct {
	BaseURL string

	mu    sync.RWMutex
	roots *x509.CertPool
}

// New returns an HTTPClient targeting baseURL (e.g. "https://ca.example.com:8140").
func New(baseURL string) *HTTPClient {
	return &HTTPClient{BaseURL: baseURL}
}

// SetTrustedRoots updates the CA certificates subsequent calls verify the
// server's TLS certificate against.
func (c *HTTPClient) SetTrustedRoots(roots *x509.CertPool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roots = roots
}

func (c *HTTPClient) trustedRoots() *x509.CertPool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roots
}

func (c *HTTPClient) httpClient(roots *x509.CertPool) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs:            roots,
				InsecureSkipVerify: roots == nil, //nolint:gosec // deliberate: no trust material exists yet
			},
		},
	}
}

func (c *HTTPClient) url(path string) (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing ca server url %q: %w", c.BaseURL, err)
	}
	u.Path = path
	return u.String(), nil
}

// GetCACert fetches the CA bundle with peer verification disabled: there is
// no trust material yet to verify the CA's own serving certificate against.
func (c *HTTPClient) GetCACert(ctx context.Context) (Response, error) {
	return c.do(ctx, http.MethodGet, pathCACert, nil, nil, nil)
}

// GetCRL fetches the CRL bundle with peer verification enabled, optionally
// as a conditional GET keyed on ifModifiedSince.
func (c *HTTPClient) GetCRL(ctx context.Context, ifModifiedSince *time.Time) (Response, error) {
	headers := map[string]string{}
	if ifModifiedSince != nil {
		headers["If-Modified-Since"] = ifModifiedSince.UTC().Format(http.TimeFormat)
	}
	return c.do(ctx, http.MethodGet, pathCRL, nil, headers, c.trustedRoots())
}

// GetClientCert fetches the signed client certificate for certname, peer
// verification enabled.
func (c *HTTPClient) GetClientCert(ctx context.Context, certname string) (Response, error) {
	return c.do(ctx, http.MethodGet, fmt.Sprintf(pathCertFmt, certname), nil, nil, c.trustedRoots())
}

// SubmitCSR PUTs the PEM CSR body for certname, peer verification enabled.
func (c *HTTPClient) SubmitCSR(ctx context.Context, certname string, csrPEM []byte) (Response, error) {
	return c.do(ctx, http.MethodPut, fmt.Sprintf(pathRequestFmt, certname), csrPEM, map[string]string{
		"Content-Type": "text/plain",
	}, c.trustedRoots())
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, headers map[string]string, roots *x509.CertPool) (Response, error) {
	u, err := c.url(path)
	if err != nil {
		return Response{}, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return Response{}, fmt.Errorf("building request to %s: %w", u, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient(roots).Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("requesting %s: %w", u, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("reading response body from %s: %w", u, err)
	}

	var lastModified time.Time
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			lastModified = t
		}
	}

	return Response{
		StatusCode:   resp.StatusCode,
		Body:         respBody,
		LastModified: lastModified,
	}, nil
}
