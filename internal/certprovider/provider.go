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

// Package certprovider implements the filesystem-backed CertProvider
// collaborator: loading and atomically persisting the PEM artifacts a
// bootstrap run produces.
package certprovider

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/puppetlabs/go-cert-bootstrap/internal/config"
)

// Provider is the concrete, file-system backed CertProvider. Every save
// operation is atomic: data is written to a sibling temp file and renamed
// into place, so a crash mid-write never leaves a half-written artifact.
type Provider struct {
	paths config.Paths
}

// New returns a Provider rooted at the paths in p.
func New(p config.Paths) *Provider {
	return &Provider{paths: p}
}

// LoadCACerts loads the CA bundle, if present. A missing file is reported
// as (nil, nil).
func (p *Provider) LoadCACerts() ([]*x509.Certificate, error) {
	return loadCertBundle(p.paths.CACertPath)
}

// SaveCACerts persists certs as a concatenated PEM bundle.
func (p *Provider) SaveCACerts(certs []*x509.Certificate) error {
	return atomicWrite(p.paths.CACertPath, encodeCertBundle(certs), 0o644)
}

// LoadCRLs loads the CRL bundle, if present.
func (p *Provider) LoadCRLs() ([]*x509.RevocationList, error) {
	data, err := os.ReadFile(p.paths.CRLPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading crl bundle %s: %w", p.paths.CRLPath, err)
	}
	return parseCRLBundle(p.paths.CRLPath, data)
}

func parseCRLBundle(source string, data []byte) ([]*x509.RevocationList, error) {
	var crls []*x509.RevocationList
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		crl, err := x509.ParseRevocationList(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing crl bundle %s: %w", source, err)
		}
		crls = append(crls, crl)
	}
	if len(crls) == 0 {
		return nil, fmt.Errorf("crl bundle %s contains no valid PEM blocks", source)
	}
	return crls, nil
}

// ParseCRLBundle is exported so callers with CRL bundle bytes fetched over
// HTTP, rather than read from disk, can reuse the same parsing rule.
func ParseCRLBundle(source string, data []byte) ([]*x509.RevocationList, error) {
	return parseCRLBundle(source, data)
}

// SaveCRLs persists crls as a concatenated PEM bundle.
func (p *Provider) SaveCRLs(crls []*x509.RevocationList) error {
	var out []byte
	for _, crl := range crls {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: crl.Raw})...)
	}
	return atomicWrite(p.paths.CRLPath, out, 0o644)
}

// CRLLastUpdate returns the CRL bundle's last-modified time, used to decide
// whether a CRL refresh is due. The zero time is returned if no CRL bundle
// exists yet.
func (p *Provider) CRLLastUpdate() (time.Time, error) {
	fi, err := os.Stat(p.paths.CRLPath)
	if os.IsNotExist(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("stat crl bundle %s: %w", p.paths.CRLPath, err)
	}
	return fi.ModTime(), nil
}

// LoadPrivateKey loads the private key, if present.
func (p *Provider) LoadPrivateKey() (crypto.Signer, error) {
	data, err := os.ReadFile(p.paths.PrivateKeyPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", p.paths.PrivateKeyPath, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("private key %s: no PEM data found", p.paths.PrivateKeyPath)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key %s: %w", p.paths.PrivateKeyPath, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("private key %s: unsupported key type %T", p.paths.PrivateKeyPath, key)
	}
	return signer, nil
}

// SavePrivateKey persists key in PKCS#8 form.
func (p *Provider) SavePrivateKey(key crypto.Signer) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshaling private key: %w", err)
	}
	blockType := "PRIVATE KEY"
	switch key.(type) {
	case *rsa.PrivateKey:
	case *ecdsa.PrivateKey:
	default:
		return fmt.Errorf("unsupported private key type %T", key)
	}
	return atomicWrite(p.paths.PrivateKeyPath, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), 0o600)
}

// LoadClientCert loads the client certificate, if present.
func (p *Provider) LoadClientCert() (*x509.Certificate, error) {
	certs, err := loadCertBundle(p.paths.ClientCertPath)
	if err != nil || len(certs) == 0 {
		return nil, err
	}
	return certs[0], nil
}

// SaveClientCert persists cert for the given certname.
func (p *Provider) SaveClientCert(certname string, cert *x509.Certificate) error {
	_ = certname // the CLI-supplied certname names the subject, not the path
	return atomicWrite(p.paths.ClientCertPath, encodeCertBundle([]*x509.Certificate{cert}), 0o644)
}

// SaveRequest persists the CSR PEM for certname before it is submitted.
func (p *Provider) SaveRequest(certname string, csrPEM []byte) error {
	_ = certname
	return atomicWrite(p.paths.CSRPath, csrPEM, 0o644)
}

func loadCertBundle(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return parseCertBundle(path, data)
}

// parseCertBundle parses one-or-more concatenated PEM certificates. It
// returns an error on the first malformed block, never a partial result:
// callers must not persist anything derived from a failed parse.
func parseCertBundle(source string, data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate in %s: %w", source, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("%s contains no valid PEM certificates", source)
	}
	return certs, nil
}

// ParseCertBundle is exported so callers that received bundle bytes over
// HTTP, rather than from disk, can reuse the same strict all-or-nothing
// parsing rule.
func ParseCertBundle(source string, data []byte) ([]*x509.Certificate, error) {
	return parseCertBundle(source, data)
}

func encodeCertBundle(certs []*x509.Certificate) []byte {
	var out []byte
	for _, c := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}
	return out
}

// atomicWrite writes data to a uuid-suffixed temp file in path's directory
// and renames it into place, so a concurrent reader never observes a
// partially-written artifact.
func atomicWrite(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), uuid.NewString()))
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming %s to %s: %w", tmp, path, err)
	}
	return nil
}
