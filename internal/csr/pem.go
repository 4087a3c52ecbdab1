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

package csr

import (
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
)

// PEMEncode wraps a DER-encoded CSR in a PEM "CERTIFICATE REQUEST" block.
func PEMEncode(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

// Parse decodes a PEM-encoded CSR and verifies its self-signature.
func Parse(csrPEM []byte) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM data found in certificate request")
	}
	req, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate request: %w", err)
	}
	if err := req.CheckSignature(); err != nil {
		return nil, fmt.Errorf("certificate request signature invalid: %w", err)
	}
	return req, nil
}

// ExtensionValues extracts the string-decoded value of every requested
// extension on req, keyed by dotted OID. Used by tests to assert a saved
// CSR round-trips the configured extension_requests.
func ExtensionValues(req *x509.CertificateRequest) (map[string]string, error) {
	out := map[string]string{}
	for _, ext := range req.Extensions {
		var s string
		if _, err := asn1.Unmarshal(ext.Value, &s); err != nil {
			continue
		}
		out[ext.Id.String()] = s
	}
	return out, nil
}

// CustomAttributeValues extracts the string-decoded value of every
// custom_attributes entry carried in req's top-level PKCS#10 attribute set,
// keyed by dotted OID. Distinct from ExtensionValues: these are plain
// CertificationRequestInfo attributes, not requested X.509 extensions.
func CustomAttributeValues(req *x509.CertificateRequest) (map[string]string, error) {
	var tbs tbsCertificateRequest
	if _, err := asn1.Unmarshal(req.RawTBSCertificateRequest, &tbs); err != nil {
		return nil, fmt.Errorf("parsing certificate request info: %w", err)
	}

	out := map[string]string{}
	for _, raw := range tbs.RawAttributes {
		var attr pkcs10Attribute
		if _, err := asn1.Unmarshal(raw.FullBytes, &attr); err != nil {
			return nil, fmt.Errorf("parsing certificate request attribute: %w", err)
		}
		if attr.Type.Equal(oidExtensionRequest) || len(attr.Values) == 0 {
			continue
		}
		var s string
		if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &s); err != nil {
			continue
		}
		out[attr.Type.String()] = s
	}
	return out, nil
}
