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

// Package sslcontext holds the immutable trust/identity snapshot the
// bootstrap states build up, and the builder that validates it.
package sslcontext

import (
	"crypto"
	"crypto/x509"
)

// SslContext is an immutable snapshot of trust and identity material. Each
// bootstrap state either passes one through unchanged or returns a new,
// more complete one: SslContext values are never mutated in place.
type SslContext struct {
	// CACerts is the non-empty ordered trust chain, root last.
	CACerts []*x509.Certificate

	// CRLs is the possibly-empty ordered list of revocation lists aligned
	// with CACerts. Empty iff revocation checking is disabled.
	CRLs []*x509.RevocationList

	// PrivateKey is this node's key. Nil in every context except the one
	// the Done state carries; earlier states hold the key beside the
	// context, not in it.
	PrivateKey crypto.Signer

	// ClientCert is this node's signed certificate. Nil in every context
	// except the one the Done state carries.
	ClientCert *x509.Certificate

	// VerifyPeer is false only for the very first, trust-establishing CA
	// bundle fetch; true for every request after that.
	VerifyPeer bool
}

// WithTrust returns a copy of s with CACerts and CRLs replaced and
// VerifyPeer set to true, the transition NeedCRLs performs.
func (s SslContext) WithTrust(cacerts []*x509.Certificate, crls []*x509.RevocationList) SslContext {
	s.CACerts = cacerts
	s.CRLs = crls
	s.VerifyPeer = true
	return s
}
