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
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"errors"

	pkgerrors "github.com/pkg/errors"
)

// ErrKeyCertMismatch is returned when a private key's public component does
// not match a client certificate's subject public key.
var ErrKeyCertMismatch = errors.New("private key does not match certificate")

// ErrCertificateRevoked is returned when a certificate in the chain appears
// on an applicable CRL.
var ErrCertificateRevoked = errors.New("certificate is revoked")

// ErrCRLIssuerUnknown is returned when a CRL's issuer is not among the
// trusted CA certificates.
var ErrCRLIssuerUnknown = errors.New("crl issued by an unknown authority")

// ErrChainInvalid is returned when the client certificate does not chain to
// the trusted CA certificates.
var ErrChainInvalid = errors.New("certificate does not chain to a trusted authority")

// Builder assembles and validates an SslContext. It performs no I/O: all
// inputs are already-parsed certificates, CRLs, and keys.
type Builder struct {
	CACerts    []*x509.Certificate
	CRLs       []*x509.RevocationList
	PrivateKey crypto.Signer
	ClientCert *x509.Certificate
	VerifyPeer bool
}

// Build validates the supplied material and returns the resulting
// SslContext.
func (b Builder) Build() (SslContext, error) {
	roots := x509.NewCertPool()
	for _, c := range b.CACerts {
		roots.AddCert(c)
	}

	for _, crl := range b.CRLs {
		if !crlIssuedByKnownCA(crl, b.CACerts) {
			return SslContext{}, pkgerrors.Wrapf(ErrCRLIssuerUnknown, "crl issuer %q", crl.Issuer)
		}
	}

	if b.ClientCert != nil {
		if _, err := b.ClientCert.Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediatesPool(b.CACerts),
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}); err != nil {
			return SslContext{}, pkgerrors.Wrapf(ErrChainInvalid, "subject %q: %v", b.ClientCert.Subject, err)
		}

		chain := append([]*x509.Certificate{b.ClientCert}, b.CACerts...)
		for _, c := range chain {
			if revoked, crl := findRevocation(c, b.CRLs); revoked {
				return SslContext{}, pkgerrors.Wrapf(ErrCertificateRevoked, "subject %q (crl issuer %q)", c.Subject, crl.Issuer)
			}
		}

		if b.PrivateKey != nil {
			if !publicKeysEqual(b.PrivateKey.Public(), b.ClientCert.PublicKey) {
				return SslContext{}, pkgerrors.Wrapf(ErrKeyCertMismatch, "subject %q", b.ClientCert.Subject)
			}
		}
	}

	return SslContext{
		CACerts:    b.CACerts,
		CRLs:       b.CRLs,
		PrivateKey: b.PrivateKey,
		ClientCert: b.ClientCert,
		VerifyPeer: b.VerifyPeer,
	}, nil
}

func intermediatesPool(cacerts []*x509.Certificate) *x509.CertPool {
	pool := x509.NewCertPool()
	// Every CA cert, the root included, is added as an intermediate; Build
	// also puts every one of them in the Roots pool. The overlap is harmless.
	for _, c := range cacerts {
		pool.AddCert(c)
	}
	return pool
}

func crlIssuedByKnownCA(crl *x509.RevocationList, cacerts []*x509.Certificate) bool {
	for _, ca := range cacerts {
		if bytes.Equal(crl.RawIssuer, ca.RawSubject) {
			if crl.CheckSignatureFrom(ca) == nil {
				return true
			}
		}
	}
	return false
}

// findRevocation reports whether cert appears on any CRL whose issuer is
// cert's own issuer, along with the matching CRL.
func findRevocation(cert *x509.Certificate, crls []*x509.RevocationList) (bool, *x509.RevocationList) {
	for _, crl := range crls {
		if !bytes.Equal(crl.RawIssuer, cert.RawIssuer) {
			continue
		}
		for _, entry := range crl.RevokedCertificateEntries {
			if entry.SerialNumber != nil && cert.SerialNumber != nil && entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
				return true, crl
			}
		}
	}
	return false, nil
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	switch ak := a.(type) {
	case *rsa.PublicKey:
		bk, ok := b.(*rsa.PublicKey)
		return ok && ak.Equal(bk)
	case *ecdsa.PublicKey:
		bk, ok := b.(*ecdsa.PublicKey)
		return ok && ak.Equal(bk)
	default:
		return false
	}
}
