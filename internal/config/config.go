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

// Package config holds the settings that parameterize a bootstrap run.
package config

import (
	"fmt"
	"strings"
	"time"
)

// KeyType selects the asymmetric algorithm used for a newly generated
// private key.
type KeyType string

const (
	RSA KeyType = "rsa"
	EC  KeyType = "ec"
)

// Validate checks that k is one of the recognized key types.
func (k KeyType) Validate() error {
	switch k {
	case RSA, EC:
		return nil
	default:
		return fmt.Errorf("key_type %q: must be %q or %q", k, RSA, EC)
	}
}

// RevocationMode controls whether the CRL is fetched and consulted at all.
type RevocationMode string

const (
	RevocationOff   RevocationMode = "off"
	RevocationChain RevocationMode = "chain"
)

// Validate checks that r is a recognized revocation mode.
func (r RevocationMode) Validate() error {
	switch r {
	case RevocationOff, RevocationChain:
		return nil
	default:
		return fmt.Errorf("certificate_revocation %q: must be %q or %q", r, RevocationOff, RevocationChain)
	}
}

// Paths groups the on-disk locations the bootstrap run reads from and
// writes to.
type Paths struct {
	CACertPath    string
	CRLPath       string
	PrivateKeyPath string
	ClientCertPath string
	CSRPath        string
	LockFilePath   string
}

// Config is the immutable set of settings a StateMachine run is
// parameterized by. It is constructed once by the CLI and threaded
// read-only through every state.
type Config struct {
	// CertName is the node's identity: the CSR subject CN and the CA URL
	// path element used to fetch/submit this node's certificate.
	CertName string

	// CAServerURL is the base URL of the CA, e.g. "https://ca.example.com:8140".
	CAServerURL string

	KeyType       KeyType
	NamedCurve    string
	DNSAltNames   []string
	CSRAttributesPath string

	CertificateRevocation RevocationMode
	CRLRefreshInterval    time.Duration

	WaitForCert    time.Duration
	MaxWaitForCert time.Duration // zero means "no ceiling"

	Paths Paths
}

// Default returns a Config with the documented defaults applied. Callers
// still must set CertName and CAServerURL.
func Default() Config {
	return Config{
		KeyType:               RSA,
		NamedCurve:            "prime256v1",
		CertificateRevocation: RevocationChain,
		CRLRefreshInterval:    15 * time.Minute,
		WaitForCert:           2 * time.Minute,
		MaxWaitForCert:        0,
	}
}

// Validate checks the recognized options for internal consistency. It does
// not touch the filesystem or network.
func (c Config) Validate() error {
	if strings.TrimSpace(c.CertName) == "" {
		return fmt.Errorf("certname must not be empty")
	}
	if strings.TrimSpace(c.CAServerURL) == "" {
		return fmt.Errorf("ca server url must not be empty")
	}
	if err := c.KeyType.Validate(); err != nil {
		return err
	}
	if err := c.CertificateRevocation.Validate(); err != nil {
		return err
	}
	if c.WaitForCert < 0 {
		return fmt.Errorf("waitforcert must not be negative")
	}
	if c.MaxWaitForCert < 0 {
		return fmt.Errorf("maxwaitforcert must not be negative")
	}
	for _, p := range []struct{ name, value string }{
		{"cacert path", c.Paths.CACertPath},
		{"crl path", c.Paths.CRLPath},
		{"private key path", c.Paths.PrivateKeyPath},
		{"client cert path", c.Paths.ClientCertPath},
		{"csr path", c.Paths.CSRPath},
		{"lock file path", c.Paths.LockFilePath},
	} {
		if strings.TrimSpace(p.value) == "" {
			return fmt.Errorf("%s must not be empty", p.name)
		}
	}
	return nil
}
