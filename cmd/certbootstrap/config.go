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

package main

import (
	"fmt"
	"strings"

	"github.com/alecthomas/kingpin/v2"

	"github.com/puppetlabs/go-cert-bootstrap/internal/config"
)

// runConfig is the flag-bound form of a bootstrap run: the raw CLI strings
// plus the paths and settings that become a config.Config once parsed.
type runConfig struct {
	CertName    string
	CAServerURL string

	KeyType    string
	NamedCurve string
	DNSAltNames string

	CSRAttributesPath string

	CertificateRevocation string
	CRLRefreshInterval    string

	WaitForCert    uint
	MaxWaitForCert uint

	CACertPath     string
	CRLPath        string
	PrivateKeyPath string
	ClientCertPath string
	CSRPath        string
	LockFilePath   string
}

// registerRunFlags registers the flags common to both run modes with cmd,
// binding each one to a field of the returned runConfig.
func registerRunFlags(cmd *kingpin.CmdClause) *runConfig {
	defaults := config.Default()
	var rc runConfig

	cmd.Flag("certname", "This node's identity: CSR subject CN and CA URL path element.").Required().StringVar(&rc.CertName)
	cmd.Flag("ca-server-url", "Base URL of the certificate authority, e.g. https://ca.example.com:8140.").Required().StringVar(&rc.CAServerURL)

	cmd.Flag("key-type", "Private key algorithm: rsa or ec.").Default(string(defaults.KeyType)).StringVar(&rc.KeyType)
	cmd.Flag("named-curve", "EC curve name, used when key-type is ec.").Default(defaults.NamedCurve).StringVar(&rc.NamedCurve)
	cmd.Flag("dns-alt-names", "Comma-separated SAN entries, each DNS: or IP: prefixed (bare entries default to DNS:).").StringVar(&rc.DNSAltNames)

	cmd.Flag("csr-attributes-path", "Path to a YAML file supplying custom_attributes and extension_requests.").StringVar(&rc.CSRAttributesPath)

	cmd.Flag("certificate-revocation", "CRL handling: off or chain.").Default(string(defaults.CertificateRevocation)).StringVar(&rc.CertificateRevocation)
	cmd.Flag("crl-refresh-interval", "Minimum time between CRL refreshes, as a Go duration (e.g. 15m).").Default(defaults.CRLRefreshInterval.String()).StringVar(&rc.CRLRefreshInterval)

	cmd.Flag("waitforcert", "Seconds between poll attempts when the cert isn't available yet. 0 exits immediately.").Default(fmt.Sprintf("%d", uint(defaults.WaitForCert.Seconds()))).UintVar(&rc.WaitForCert)
	cmd.Flag("maxwaitforcert", "Wall-clock ceiling on total waiting, in seconds. 0 means no ceiling.").UintVar(&rc.MaxWaitForCert)

	cmd.Flag("cacert-path", "Path to the CA bundle on disk.").Required().StringVar(&rc.CACertPath)
	cmd.Flag("crl-path", "Path to the CRL bundle on disk.").Required().StringVar(&rc.CRLPath)
	cmd.Flag("private-key-path", "Path to this node's private key on disk.").Required().StringVar(&rc.PrivateKeyPath)
	cmd.Flag("client-cert-path", "Path to this node's signed certificate on disk.").Required().StringVar(&rc.ClientCertPath)
	cmd.Flag("csr-path", "Path to save the certificate signing request on disk.").Required().StringVar(&rc.CSRPath)
	cmd.Flag("lock-file-path", "Path to the process-exclusive lock file.").Required().StringVar(&rc.LockFilePath)

	return &rc
}

// toConfig converts the parsed flags into a config.Config, the immutable
// value the state machine is driven by.
func (rc *runConfig) toConfig() (config.Config, error) {
	cfg := config.Default()
	cfg.CertName = rc.CertName
	cfg.CAServerURL = rc.CAServerURL
	cfg.KeyType = config.KeyType(rc.KeyType)
	cfg.NamedCurve = rc.NamedCurve
	cfg.CSRAttributesPath = rc.CSRAttributesPath
	cfg.CertificateRevocation = config.RevocationMode(rc.CertificateRevocation)

	if rc.DNSAltNames != "" {
		for _, name := range strings.Split(rc.DNSAltNames, ",") {
			cfg.DNSAltNames = append(cfg.DNSAltNames, strings.TrimSpace(name))
		}
	}

	refresh, err := parseDuration(rc.CRLRefreshInterval)
	if err != nil {
		return config.Config{}, fmt.Errorf("parsing crl-refresh-interval: %w", err)
	}
	cfg.CRLRefreshInterval = refresh

	cfg.WaitForCert = secondsToDuration(rc.WaitForCert)
	cfg.MaxWaitForCert = secondsToDuration(rc.MaxWaitForCert)

	cfg.Paths = config.Paths{
		CACertPath:     rc.CACertPath,
		CRLPath:        rc.CRLPath,
		PrivateKeyPath: rc.PrivateKeyPath,
		ClientCertPath: rc.ClientCertPath,
		CSRPath:        rc.CSRPath,
		LockFilePath:   rc.LockFilePath,
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
