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

package sslcontext

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tsaarni/certyaml"
)

type fixture struct {
	root     certyaml.Certificate
	leafNode certyaml.Certificate
	ca       *x509.Certificate
	leaf     *x509.Certificate
	leafKey  crypto.Signer
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := certyaml.Certificate{Subject: "CN=root-ca", IsCA: boolPtr(true)}
	caPEM, _, err := root.PEM()
	require.NoError(t, err)
	ca := parseOneCert(t, caPEM)

	node := certyaml.Certificate{Subject: "CN=agent01", Issuer: &root}
	leafPEM, keyPEM, err := node.PEM()
	require.NoError(t, err)
	leaf := parseOneCert(t, leafPEM)
	key := parseOneKey(t, keyPEM)

	return fixture{root: root, leafNode: node, ca: ca, leaf: leaf, leafKey: key}
}

func parseOneCert(t *testing.T, data []byte) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func parseOneKey(t *testing.T, data []byte) crypto.Signer {
	t.Helper()
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	require.NoError(t, err)
	signer, ok := key.(crypto.Signer)
	require.True(t, ok)
	return signer
}

func parseOneCRL(t *testing.T, data []byte) *x509.RevocationList {
	t.Helper()
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	crl, err := x509.ParseRevocationList(block.Bytes)
	require.NoError(t, err)
	return crl
}

func boolPtr(b bool) *bool { return &b }

func TestBuildSucceedsWithValidChain(t *testing.T) {
	fx := newFixture(t)

	ctx, err := Builder{
		CACerts:    []*x509.Certificate{fx.ca},
		PrivateKey: fx.leafKey,
		ClientCert: fx.leaf,
		VerifyPeer: true,
	}.Build()
	require.NoError(t, err)
	require.Equal(t, fx.leaf.Raw, ctx.ClientCert.Raw)
}

func TestBuildFailsOnKeyCertMismatch(t *testing.T) {
	fx := newFixture(t)
	other := newFixture(t)

	_, err := Builder{
		CACerts:    []*x509.Certificate{fx.ca},
		PrivateKey: other.leafKey,
		ClientCert: fx.leaf,
	}.Build()
	require.True(t, errors.Is(err, ErrKeyCertMismatch))
}

func TestBuildFailsOnUntrustedChain(t *testing.T) {
	fx := newFixture(t)
	other := newFixture(t)

	_, err := Builder{
		CACerts:    []*x509.Certificate{other.ca},
		ClientCert: fx.leaf,
	}.Build()
	require.True(t, errors.Is(err, ErrChainInvalid))
}

func TestBuildFailsOnRevokedCertificate(t *testing.T) {
	fx := newFixture(t)

	crlFixture := certyaml.CRL{
		Issuer:  &fx.root,
		Revoked: []*certyaml.Certificate{&fx.leafNode},
	}
	crlPEM, err := crlFixture.PEM()
	require.NoError(t, err)
	crl := parseOneCRL(t, crlPEM)

	_, err = Builder{
		CACerts:    []*x509.Certificate{fx.ca},
		CRLs:       []*x509.RevocationList{crl},
		PrivateKey: fx.leafKey,
		ClientCert: fx.leaf,
	}.Build()
	require.True(t, errors.Is(err, ErrCertificateRevoked))
}

// chainFixture is a three-tier PKI: root -> intermediate -> leaf.
type chainFixture struct {
	root            certyaml.Certificate
	intermediate    certyaml.Certificate
	leafNode        certyaml.Certificate
	ca              *x509.Certificate
	intermediate509 *x509.Certificate
	leaf            *x509.Certificate
	leafKey         crypto.Signer
}

func newChainFixture(t *testing.T) chainFixture {
	t.Helper()
	root := certyaml.Certificate{Subject: "CN=root-ca", IsCA: boolPtr(true)}
	caPEM, _, err := root.PEM()
	require.NoError(t, err)
	ca := parseOneCert(t, caPEM)

	intermediate := certyaml.Certificate{Subject: "CN=intermediate-ca", Issuer: &root, IsCA: boolPtr(true)}
	intermediatePEM, _, err := intermediate.PEM()
	require.NoError(t, err)
	intermediate509 := parseOneCert(t, intermediatePEM)

	node := certyaml.Certificate{Subject: "CN=agent01", Issuer: &intermediate}
	leafPEM, keyPEM, err := node.PEM()
	require.NoError(t, err)
	leaf := parseOneCert(t, leafPEM)
	key := parseOneKey(t, keyPEM)

	return chainFixture{
		root: root, intermediate: intermediate, leafNode: node,
		ca: ca, intermediate509: intermediate509, leaf: leaf, leafKey: key,
	}
}

// A CRL revoking the intermediate CA (not the leaf) must still fail Build:
// every certificate in the chain is checked, not just the leaf.
func TestBuildFailsOnRevokedIntermediate(t *testing.T) {
	fx := newChainFixture(t)

	crlFixture := certyaml.CRL{
		Issuer:  &fx.root,
		Revoked: []*certyaml.Certificate{&fx.intermediate},
	}
	crlPEM, err := crlFixture.PEM()
	require.NoError(t, err)
	crl := parseOneCRL(t, crlPEM)

	_, err = Builder{
		CACerts:    []*x509.Certificate{fx.intermediate509, fx.ca},
		CRLs:       []*x509.RevocationList{crl},
		PrivateKey: fx.leafKey,
		ClientCert: fx.leaf,
	}.Build()
	require.True(t, errors.Is(err, ErrCertificateRevoked))
}

func TestBuildFailsOnCRLFromUnknownIssuer(t *testing.T) {
	fx := newFixture(t)
	other := newFixture(t)

	crlFixture := certyaml.CRL{Issuer: &other.root}
	crlPEM, err := crlFixture.PEM()
	require.NoError(t, err)
	crl := parseOneCRL(t, crlPEM)

	_, err = Builder{
		CACerts: []*x509.Certificate{fx.ca},
		CRLs:    []*x509.RevocationList{crl},
	}.Build()
	require.True(t, errors.Is(err, ErrCRLIssuerUnknown))
}

func TestWithTrustSetsVerifyPeer(t *testing.T) {
	fx := newFixture(t)
	s := SslContext{}.WithTrust([]*x509.Certificate{fx.ca}, nil)
	require.True(t, s.VerifyPeer)
	require.Len(t, s.CACerts, 1)
}
