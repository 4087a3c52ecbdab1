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

package bootstrap

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/tsaarni/certyaml"

	"github.com/puppetlabs/go-cert-bootstrap/internal/caclient"
	"github.com/puppetlabs/go-cert-bootstrap/internal/certprovider"
)

// testPKI bundles the real, parseable PKI material a state test needs: a
// self-signed root CA (both as the certyaml fixture, so a matching CRL can
// be generated, and as a parsed *x509.Certificate), plus a leaf certificate
// and key issued by it.
type testPKI struct {
	root     certyaml.Certificate
	ca       *x509.Certificate
	leaf     *x509.Certificate
	leafKey  crypto.Signer
}

func newTestPKI(t *testing.T) testPKI {
	t.Helper()
	root := certyaml.Certificate{Subject: "CN=root-ca", IsCA: boolPtrBootstrap(true)}
	caPEM, _, err := root.PEM()
	if err != nil {
		t.Fatalf("generating test ca: %v", err)
	}
	cacerts, err := certprovider.ParseCertBundle("test", caPEM)
	if err != nil {
		t.Fatalf("parsing test ca: %v", err)
	}

	node := certyaml.Certificate{Subject: "CN=agent01", Issuer: &root}
	leafPEM, keyPEM, err := node.PEM()
	if err != nil {
		t.Fatalf("generating test leaf: %v", err)
	}
	leafCerts, err := certprovider.ParseCertBundle("test", leafPEM)
	if err != nil {
		t.Fatalf("parsing test leaf: %v", err)
	}

	key, err := decodeAnyPrivateKeyBootstrap(keyPEM)
	if err != nil {
		t.Fatalf("parsing test leaf key: %v", err)
	}

	return testPKI{root: root, ca: cacerts[0], leaf: leafCerts[0], leafKey: key}
}

// testCRL returns an empty (no revocations) CRL issued by pki's root.
func testCRL(t *testing.T, pki testPKI) *x509.RevocationList {
	t.Helper()
	crlFixture := certyaml.CRL{Issuer: &pki.root}
	crlPEM, err := crlFixture.PEM()
	if err != nil {
		t.Fatalf("generating test crl: %v", err)
	}
	crls, err := certprovider.ParseCRLBundle("test", crlPEM)
	if err != nil {
		t.Fatalf("parsing test crl: %v", err)
	}
	return crls[0]
}

func pemEncodeCert(t *testing.T, cert *x509.Certificate) []byte {
	t.Helper()
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// fakeCaClient implements caclient.CaClient. A nil function field means the
// call is unexpected for the test and fails it immediately, which is how
// the "no HTTP calls happen" properties get asserted.
type fakeCaClient struct {
	t *testing.T

	getCACert     func(ctx context.Context) (caclient.Response, error)
	getCRL        func(ctx context.Context, ifModifiedSince *time.Time) (caclient.Response, error)
	getClientCert func(ctx context.Context, certname string) (caclient.Response, error)
	submitCSR     func(ctx context.Context, certname string, csrPEM []byte) (caclient.Response, error)

	trustedRoots *x509.CertPool
}

func (f *fakeCaClient) SetTrustedRoots(roots *x509.CertPool) {
	f.trustedRoots = roots
}

func (f *fakeCaClient) GetCACert(ctx context.Context) (caclient.Response, error) {
	if f.getCACert == nil {
		f.t.Fatal("unexpected call to GetCACert")
	}
	return f.getCACert(ctx)
}

func (f *fakeCaClient) GetCRL(ctx context.Context, ifModifiedSince *time.Time) (caclient.Response, error) {
	if f.getCRL == nil {
		f.t.Fatal("unexpected call to GetCRL")
	}
	return f.getCRL(ctx, ifModifiedSince)
}

func (f *fakeCaClient) GetClientCert(ctx context.Context, certname string) (caclient.Response, error) {
	if f.getClientCert == nil {
		f.t.Fatal("unexpected call to GetClientCert")
	}
	return f.getClientCert(ctx, certname)
}

func (f *fakeCaClient) SubmitCSR(ctx context.Context, certname string, csrPEM []byte) (caclient.Response, error) {
	if f.submitCSR == nil {
		f.t.Fatal("unexpected call to SubmitCSR")
	}
	return f.submitCSR(ctx, certname, csrPEM)
}

// fakeCertProvider implements bootstrap.CertProvider entirely in memory.
type fakeCertProvider struct {
	cacerts       []*x509.Certificate
	crls          []*x509.RevocationList
	crlLastUpdate time.Time
	key           crypto.Signer
	clientCert    *x509.Certificate

	savedCACerts     []*x509.Certificate
	savedCRLs        []*x509.RevocationList
	saveCRLsCalled   bool
	savedKey         crypto.Signer
	savedClientCert  *x509.Certificate
	savedRequestName string
	savedRequest     []byte
}

func (f *fakeCertProvider) LoadCACerts() ([]*x509.Certificate, error) { return f.cacerts, nil }
func (f *fakeCertProvider) SaveCACerts(certs []*x509.Certificate) error {
	f.savedCACerts = certs
	f.cacerts = certs
	return nil
}

func (f *fakeCertProvider) LoadCRLs() ([]*x509.RevocationList, error) { return f.crls, nil }
func (f *fakeCertProvider) SaveCRLs(crls []*x509.RevocationList) error {
	f.saveCRLsCalled = true
	f.savedCRLs = crls
	f.crls = crls
	return nil
}
func (f *fakeCertProvider) CRLLastUpdate() (time.Time, error) { return f.crlLastUpdate, nil }

func (f *fakeCertProvider) LoadPrivateKey() (crypto.Signer, error) { return f.key, nil }
func (f *fakeCertProvider) SavePrivateKey(key crypto.Signer) error {
	f.savedKey = key
	f.key = key
	return nil
}

func (f *fakeCertProvider) LoadClientCert() (*x509.Certificate, error) { return f.clientCert, nil }
func (f *fakeCertProvider) SaveClientCert(certname string, cert *x509.Certificate) error {
	f.savedClientCert = cert
	f.clientCert = cert
	return nil
}

func (f *fakeCertProvider) SaveRequest(certname string, csrPEM []byte) error {
	f.savedRequestName = certname
	f.savedRequest = csrPEM
	return nil
}

func boolPtrBootstrap(b bool) *bool { return &b }

func decodeAnyPrivateKeyBootstrap(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	return key.(crypto.Signer), nil
}
