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

// Package csr builds the PKCS#10 certificate signing request a node submits
// to the CA. SAN entries ride as DNSNames/IPAddresses on the template, and
// extension_requests become a requested X.509 extension the way
// crypto/x509.CreateCertificateRequest already builds one from
// ExtraExtensions. custom_attributes are a different PKCS#10 mechanism
// entirely: a plain top-level CertificationRequestInfo attribute, not an
// extension, so they're assembled by hand since crypto/x509 has no hook for
// adding raw attributes.
package csr

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	_ "crypto/sha256" // register crypto.SHA256 for signatureAlgorithmFor
	_ "crypto/sha512" // register crypto.SHA384/crypto.SHA512
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"net"
	"sort"
	"strings"

	k8svalidation "k8s.io/apimachinery/pkg/util/validation"

	"github.com/puppetlabs/go-cert-bootstrap/internal/config"
)

// oidExtensionRequest is the PKCS#9 extensionRequest attribute OID
// (1.2.840.113549.1.9.14), the same one crypto/x509 uses internally to
// carry ExtraExtensions on a CSR.
var oidExtensionRequest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 14}

var (
	oidSignatureSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	oidSignatureECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	oidSignatureECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	oidSignatureECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
)

// pkcs10Attribute is a CertificationRequestInfo attribute: an OID paired
// with a SET of values. This is the same shape crypto/x509 builds
// internally for the extensionRequest attribute; custom_attributes reuse it
// directly instead of being squeezed into ExtraExtensions.
type pkcs10Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// tbsCertificateRequest mirrors crypto/x509's own internal
// CertificationRequestInfo: RawAttributes is tagged tag:0 to produce the
// [0] IMPLICIT SET OF Attribute PKCS#10 requires.
type tbsCertificateRequest struct {
	Version       int
	Subject       asn1.RawValue
	PublicKey     asn1.RawValue
	RawAttributes []asn1.RawValue `asn1:"tag:0"`
}

// certificateRequest is the outer CertificationRequest ASN.1 structure.
type certificateRequest struct {
	TBSCSR             asn1.RawValue
	SignatureAlgorithm pkix.AlgorithmIdentifier
	SignatureValue     asn1.BitString
}

// SANs is the parsed, de-duplicated set of DNS and IP subject alternative
// names a CSR should carry.
type SANs struct {
	DNSNames    []string
	IPAddresses []net.IP
}

// ParseDNSAltNames parses Config.DNSAltNames entries (each optionally
// prefixed "DNS:" or "IP:", bare entries defaulting to "DNS:") and appends
// certname as a DNS entry.
func ParseDNSAltNames(certname string, altNames []string) (SANs, error) {
	var sans SANs
	seenDNS := map[string]bool{}
	seenIP := map[string]bool{}

	addDNS := func(name string) error {
		if errs := k8svalidation.IsDNS1123Subdomain(name); len(errs) > 0 {
			return fmt.Errorf("invalid DNS alt name %q: %s", name, strings.Join(errs, "; "))
		}
		if !seenDNS[name] {
			seenDNS[name] = true
			sans.DNSNames = append(sans.DNSNames, name)
		}
		return nil
	}
	addIP := func(raw string) error {
		ip := net.ParseIP(raw)
		if ip == nil {
			return fmt.Errorf("invalid IP alt name %q", raw)
		}
		if !seenIP[ip.String()] {
			seenIP[ip.String()] = true
			sans.IPAddresses = append(sans.IPAddresses, ip)
		}
		return nil
	}

	for _, entry := range altNames {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		switch {
		case strings.HasPrefix(entry, "DNS:"):
			if err := addDNS(strings.TrimPrefix(entry, "DNS:")); err != nil {
				return SANs{}, err
			}
		case strings.HasPrefix(entry, "IP:"):
			if err := addIP(strings.TrimPrefix(entry, "IP:")); err != nil {
				return SANs{}, err
			}
		default:
			if err := addDNS(entry); err != nil {
				return SANs{}, err
			}
		}
	}

	if err := addDNS(certname); err != nil {
		return SANs{}, err
	}
	return sans, nil
}

// Build returns the PEM-encoded PKCS#10 CSR for cfg/attrs, signed by key.
//
// extension_requests ride inside the CSR the ordinary crypto/x509 way: the
// stdlib already knows how to fold ExtraExtensions, plus the SAN extension
// it derives from DNSNames/IPAddresses, into a single extensionRequest
// attribute. custom_attributes do not fit that mechanism, so a throwaway
// CSR is built first purely to let crypto/x509 compute the correctly
// DER-encoded Subject, SubjectPublicKeyInfo and SAN-merged extension set;
// its signature is discarded. The real CertificationRequestInfo is then
// assembled by hand from those pieces plus the custom attributes, and
// signed directly.
func Build(cfg config.Config, attrs config.CsrAttributes, key crypto.Signer) ([]byte, error) {
	sans, err := ParseDNSAltNames(cfg.CertName, cfg.DNSAltNames)
	if err != nil {
		return nil, fmt.Errorf("building subject alternative names: %w", err)
	}

	extReqExts, err := extensionsFromMap(attrs.ExtensionRequests)
	if err != nil {
		return nil, err
	}

	template := &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName: cfg.CertName,
		},
		DNSNames:        sans.DNSNames,
		IPAddresses:     sans.IPAddresses,
		ExtraExtensions: extReqExts,
	}

	scratch, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, fmt.Errorf("creating certificate request: %w", err)
	}
	parsed, err := x509.ParseCertificateRequest(scratch)
	if err != nil {
		return nil, fmt.Errorf("parsing intermediate certificate request: %w", err)
	}

	rawAttrs, err := buildAttributes(parsed.Extensions, attrs.CustomAttributes)
	if err != nil {
		return nil, err
	}

	tbs := tbsCertificateRequest{
		Version:       0,
		Subject:       asn1.RawValue{FullBytes: parsed.RawSubject},
		PublicKey:     asn1.RawValue{FullBytes: parsed.RawSubjectPublicKeyInfo},
		RawAttributes: rawAttrs,
	}
	tbsDER, err := asn1.Marshal(tbs)
	if err != nil {
		return nil, fmt.Errorf("encoding certificate request info: %w", err)
	}

	sigAlg, hash, err := signatureAlgorithmFor(key)
	if err != nil {
		return nil, err
	}
	digest := hash.New()
	digest.Write(tbsDER)
	sig, err := key.Sign(rand.Reader, digest.Sum(nil), hash)
	if err != nil {
		return nil, fmt.Errorf("signing certificate request: %w", err)
	}

	der, err := asn1.Marshal(certificateRequest{
		TBSCSR:             asn1.RawValue{FullBytes: tbsDER},
		SignatureAlgorithm: sigAlg,
		SignatureValue:     asn1.BitString{Bytes: sig, BitLength: len(sig) * 8},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding certificate request: %w", err)
	}

	return PEMEncode(der), nil
}

// buildAttributes assembles the CertificationRequestInfo attribute set:
// one genuine PKCS#10 Attribute per custom_attributes entry (sorted by OID
// for deterministic output), followed by the single extensionRequest
// attribute carrying extensions (already SAN-merged by the caller), if any.
func buildAttributes(extensions []pkix.Extension, customAttrs map[string]string) ([]asn1.RawValue, error) {
	oids := make([]string, 0, len(customAttrs))
	for oid := range customAttrs {
		oids = append(oids, oid)
	}
	sort.Strings(oids)

	var raw []asn1.RawValue
	for _, oidStr := range oids {
		oid, err := parseOID(oidStr)
		if err != nil {
			return nil, fmt.Errorf("custom attribute oid %q: %w", oidStr, err)
		}
		value, err := encodeAttributeString(customAttrs[oidStr])
		if err != nil {
			return nil, fmt.Errorf("encoding custom attribute value for oid %q: %w", oidStr, err)
		}
		attrDER, err := asn1.Marshal(pkcs10Attribute{Type: oid, Values: []asn1.RawValue{value}})
		if err != nil {
			return nil, fmt.Errorf("encoding custom attribute for oid %q: %w", oidStr, err)
		}
		raw = append(raw, asn1.RawValue{FullBytes: attrDER})
	}

	if len(extensions) > 0 {
		extDER, err := asn1.Marshal(extensions)
		if err != nil {
			return nil, fmt.Errorf("encoding extension requests: %w", err)
		}
		attrDER, err := asn1.Marshal(pkcs10Attribute{
			Type:   oidExtensionRequest,
			Values: []asn1.RawValue{{FullBytes: extDER}},
		})
		if err != nil {
			return nil, fmt.Errorf("encoding extension request attribute: %w", err)
		}
		raw = append(raw, asn1.RawValue{FullBytes: attrDER})
	}

	return raw, nil
}

// extensionsFromMap maps config-supplied OID->string pairs into requested
// certificate extensions, sorted by OID for deterministic output.
func extensionsFromMap(m map[string]string) ([]pkix.Extension, error) {
	oids := make([]string, 0, len(m))
	for oid := range m {
		oids = append(oids, oid)
	}
	sort.Strings(oids)

	exts := make([]pkix.Extension, 0, len(oids))
	for _, oidStr := range oids {
		oid, err := parseOID(oidStr)
		if err != nil {
			return nil, fmt.Errorf("extension request oid %q: %w", oidStr, err)
		}
		value, err := asn1.MarshalWithParams(m[oidStr], "utf8")
		if err != nil {
			return nil, fmt.Errorf("encoding extension request value for oid %q: %w", oidStr, err)
		}
		exts = append(exts, pkix.Extension{Id: oid, Value: value})
	}
	return exts, nil
}

// encodeAttributeString encodes s as a PrintableString when every rune fits
// that restrictive alphabet, UTF8String otherwise.
func encodeAttributeString(s string) (asn1.RawValue, error) {
	params := "utf8"
	if isPrintableString(s) {
		params = "printable"
	}
	der, err := asn1.MarshalWithParams(s, params)
	if err != nil {
		return asn1.RawValue{}, err
	}
	return asn1.RawValue{FullBytes: der}, nil
}

func isPrintableString(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune(" '()+,-./:=?", r):
		default:
			return false
		}
	}
	return true
}

// signatureAlgorithmFor returns the AlgorithmIdentifier and digest to sign
// the CSR with, mirroring crypto/x509's own CSR-signing defaults: RSA keys
// sign SHA-256 digests with PKCS#1v1.5, ECDSA keys sign with the hash
// conventionally paired with their curve.
func signatureAlgorithmFor(key crypto.Signer) (pkix.AlgorithmIdentifier, crypto.Hash, error) {
	switch pub := key.Public().(type) {
	case *rsa.PublicKey:
		return pkix.AlgorithmIdentifier{
			Algorithm:  oidSignatureSHA256WithRSA,
			Parameters: asn1.NullRawValue,
		}, crypto.SHA256, nil
	case *ecdsa.PublicKey:
		switch pub.Curve {
		case elliptic.P256():
			return pkix.AlgorithmIdentifier{Algorithm: oidSignatureECDSAWithSHA256}, crypto.SHA256, nil
		case elliptic.P384():
			return pkix.AlgorithmIdentifier{Algorithm: oidSignatureECDSAWithSHA384}, crypto.SHA384, nil
		case elliptic.P521():
			return pkix.AlgorithmIdentifier{Algorithm: oidSignatureECDSAWithSHA512}, crypto.SHA512, nil
		default:
			return pkix.AlgorithmIdentifier{}, 0, fmt.Errorf("unsupported ecdsa curve %s", pub.Curve.Params().Name)
		}
	default:
		return pkix.AlgorithmIdentifier{}, 0, fmt.Errorf("unsupported key type %T", pub)
	}
}

func parseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(s, ".")
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		var n int
		if _, err := fmt.Sscanf(p, "%d", &n); err != nil {
			return nil, fmt.Errorf("not a dotted OID")
		}
		oid[i] = n
	}
	return oid, nil
}
