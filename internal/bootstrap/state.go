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

// Package bootstrap implements the core state machine: a closed sequence of
// six states that bring a node from no local credentials to a validated
// private key, signed client certificate, and trust material, talking to a
// certificate authority over HTTP.
package bootstrap

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/puppetlabs/go-cert-bootstrap/internal/certprovider"
	"github.com/puppetlabs/go-cert-bootstrap/internal/config"
	"github.com/puppetlabs/go-cert-bootstrap/internal/csr"
	"github.com/puppetlabs/go-cert-bootstrap/internal/sslcontext"
)

// State is the closed set of bootstrap states. Every implementation lives in
// this package; next is unexported so no other package can add a seventh
// state or drive a transition directly.
type State interface {
	next(ctx context.Context, m *StateMachine) (State, error)
}

func is2xx(status int) bool { return status >= 200 && status < 300 }

// needCACerts is the initial state of every run and of every restart from Wait.
type needCACerts struct{}

func (s *needCACerts) next(ctx context.Context, m *StateMachine) (State, error) {
	certs, err := m.CertProvider.LoadCACerts()
	if err != nil {
		return nil, fatal(KindMalformedCaCert, err)
	}

	if len(certs) == 0 {
		resp, err := m.CaClient.GetCACert(ctx)
		if err != nil {
			return nil, fatal(KindCaCertDownloadFailed, err)
		}
		switch {
		case resp.StatusCode == 404:
			return nil, fatalf(KindCaCertMissing, "ca server has no ca certificate")
		case !is2xx(resp.StatusCode):
			return nil, fatalf(KindCaCertDownloadFailed, "unexpected status %d fetching ca certificate", resp.StatusCode)
		}

		certs, err = certprovider.ParseCertBundle("ca certificate response", resp.Body)
		if err != nil {
			return nil, fatal(KindMalformedCaCert, err)
		}
		if err := m.CertProvider.SaveCACerts(certs); err != nil {
			return nil, fatal(KindPersistFailed, err)
		}
	}

	m.CaClient.SetTrustedRoots(rootPool(certs))

	return &needCRLs{ctx: sslcontext.SslContext{CACerts: certs, VerifyPeer: true}}, nil
}

func rootPool(certs []*x509.Certificate) *x509.CertPool {
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool
}

// needCRLs carries forward the trust material NeedCACerts produced.
type needCRLs struct {
	ctx sslcontext.SslContext
}

func (s *needCRLs) next(ctx context.Context, m *StateMachine) (State, error) {
	if m.Config.CertificateRevocation == config.RevocationOff {
		return &needKey{ctx: s.ctx}, nil
	}

	crls, err := m.CertProvider.LoadCRLs()
	if err != nil {
		return nil, fatal(KindMalformedCrl, err)
	}

	if len(crls) == 0 {
		resp, err := m.CaClient.GetCRL(ctx, nil)
		if err != nil {
			return nil, fatal(KindCrlDownloadFailed, err)
		}
		switch {
		case resp.StatusCode == 404:
			return nil, fatalf(KindCrlMissing, "ca server has no certificate revocation list")
		case !is2xx(resp.StatusCode):
			return nil, fatalf(KindCrlDownloadFailed, "unexpected status %d fetching crl", resp.StatusCode)
		}

		crls, err = certprovider.ParseCRLBundle("crl response", resp.Body)
		if err != nil {
			return nil, fatal(KindMalformedCrl, err)
		}
		if err := m.CertProvider.SaveCRLs(crls); err != nil {
			return nil, fatal(KindPersistFailed, err)
		}
		return &needKey{ctx: s.ctx.WithTrust(s.ctx.CACerts, crls)}, nil
	}

	lastUpdate, err := m.CertProvider.CRLLastUpdate()
	if err != nil {
		return nil, fatal(KindCrlDownloadFailed, err)
	}

	if nowFunc().Sub(lastUpdate) < m.Config.CRLRefreshInterval {
		return &needKey{ctx: s.ctx.WithTrust(s.ctx.CACerts, crls)}, nil
	}

	// Stale: refresh, but every failure mode of a refresh keeps the local
	// CRLs rather than aborting the run.
	resp, err := m.CaClient.GetCRL(ctx, &lastUpdate)
	if err != nil {
		m.Logger.WithError(err).Warn("crl refresh request failed, keeping local crl")
		return &needKey{ctx: s.ctx.WithTrust(s.ctx.CACerts, crls)}, nil
	}
	switch {
	case resp.StatusCode == 304:
		return &needKey{ctx: s.ctx.WithTrust(s.ctx.CACerts, crls)}, nil
	case resp.StatusCode != 200:
		m.Logger.Warnf("crl refresh returned status %d, keeping local crl", resp.StatusCode)
		return &needKey{ctx: s.ctx.WithTrust(s.ctx.CACerts, crls)}, nil
	}

	refreshed, err := certprovider.ParseCRLBundle("crl refresh response", resp.Body)
	if err != nil {
		return nil, fatal(KindMalformedCrl, err)
	}
	if err := m.CertProvider.SaveCRLs(refreshed); err != nil {
		return nil, fatal(KindPersistFailed, err)
	}
	return &needKey{ctx: s.ctx.WithTrust(s.ctx.CACerts, refreshed)}, nil
}

// needKey carries forward trust material; it produces or loads this node's
// private key and, when a matching client cert already exists, jumps
// straight to Done.
type needKey struct {
	ctx sslcontext.SslContext
}

func (s *needKey) next(ctx context.Context, m *StateMachine) (State, error) {
	key, err := m.CertProvider.LoadPrivateKey()
	if err != nil {
		return nil, fatal(KindKeyLoadFailed, err)
	}

	if key != nil {
		cert, err := m.CertProvider.LoadClientCert()
		if err != nil {
			// Pre-existing on-disk state that fails to load is fatal,
			// bucketed with KeyCertMismatch: both mean "the identity this
			// node already claims to have is unusable."
			return nil, fatal(KindKeyCertMismatch, err)
		}

		if cert == nil {
			return &needSubmitCSR{ctx: s.ctx, key: key}, nil
		}

		built, err := sslcontext.Builder{
			CACerts:    s.ctx.CACerts,
			CRLs:       s.ctx.CRLs,
			PrivateKey: key,
			ClientCert: cert,
			VerifyPeer: s.ctx.VerifyPeer,
		}.Build()
		if err != nil {
			switch {
			case errors.Is(err, sslcontext.ErrCertificateRevoked):
				return nil, fatal(KindCertificateRevoked, err)
			default:
				return nil, fatal(KindKeyCertMismatch, err)
			}
		}
		return &Done{SslContext: built}, nil
	}

	newKey, err := generateKey(m.Config.KeyType, m.Config.NamedCurve)
	if err != nil {
		if fe, ok := AsFatal(err); ok {
			return nil, fe
		}
		return nil, fatal(KindKeyLoadFailed, err)
	}
	if err := m.CertProvider.SavePrivateKey(newKey); err != nil {
		return nil, fatal(KindPersistFailed, err)
	}
	return &needSubmitCSR{ctx: s.ctx, key: newKey}, nil
}

func generateKey(keyType config.KeyType, namedCurve string) (crypto.Signer, error) {
	switch keyType {
	case config.RSA:
		key, err := rsa.GenerateKey(rand.Reader, 4096)
		if err != nil {
			return nil, fmt.Errorf("generating rsa key: %w", err)
		}
		return key, nil
	case config.EC:
		curve, ok := namedCurveByName(namedCurve)
		if !ok {
			return nil, fatalf(KindUnsupportedCurve, "unsupported named_curve %q", namedCurve)
		}
		key, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating ec key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported key_type %q", keyType)
	}
}

func namedCurveByName(name string) (elliptic.Curve, bool) {
	switch name {
	case "prime256v1", "secp256r1":
		return elliptic.P256(), true
	case "secp384r1":
		return elliptic.P384(), true
	case "secp521r1":
		return elliptic.P521(), true
	default:
		return nil, false
	}
}

// needSubmitCSR carries forward trust material and this node's private key;
// it builds and submits the certificate signing request.
type needSubmitCSR struct {
	ctx sslcontext.SslContext
	key crypto.Signer
}

var csrAlreadyExistsPhrases = []string{
	"already has a requested certificate",
	"already has a signed certificate",
	"already has a revoked certificate",
}

func (s *needSubmitCSR) next(ctx context.Context, m *StateMachine) (State, error) {
	attrs, err := config.LoadCsrAttributes(m.Config.CSRAttributesPath)
	if err != nil {
		return nil, fatal(KindCsrSubmitFailed, err)
	}

	csrPEM, err := csr.Build(m.Config, attrs, s.key)
	if err != nil {
		return nil, fatal(KindCsrSubmitFailed, err)
	}

	if err := m.CertProvider.SaveRequest(m.Config.CertName, csrPEM); err != nil {
		return nil, fatal(KindPersistFailed, err)
	}

	resp, err := m.CaClient.SubmitCSR(ctx, m.Config.CertName, csrPEM)
	if err != nil {
		return nil, fatal(KindCsrSubmitFailed, err)
	}

	switch {
	case is2xx(resp.StatusCode):
	case resp.StatusCode == 400 && containsAny(string(resp.Body), csrAlreadyExistsPhrases):
	default:
		return nil, fatalf(KindCsrSubmitFailed, "unexpected status %d submitting certificate request", resp.StatusCode)
	}

	return &needCert{ctx: s.ctx, key: s.key}, nil
}

func containsAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// needCert carries forward trust material and this node's private key; it
// polls the CA for the signed certificate. Every failure to obtain a usable
// certificate is logged and converted into a Wait transition rather than
// returned as an error: the CA simply may not have signed the request yet.
// A failure to persist a usable certificate is returned as a fatal error.
type needCert struct {
	ctx sslcontext.SslContext
	key crypto.Signer
}

func (s *needCert) next(ctx context.Context, m *StateMachine) (State, error) {
	resp, err := m.CaClient.GetClientCert(ctx, m.Config.CertName)
	if err != nil {
		m.Logger.WithError(err).Warn("request for signed certificate failed")
		return &wait{}, nil
	}
	if !is2xx(resp.StatusCode) {
		m.Logger.Warnf("ca server returned status %d for signed certificate", resp.StatusCode)
		return &wait{}, nil
	}

	certs, err := certprovider.ParseCertBundle("client certificate response", resp.Body)
	if err != nil {
		m.Logger.Warn("failed to parse certificate")
		return &wait{}, nil
	}

	built, err := sslcontext.Builder{
		CACerts:    s.ctx.CACerts,
		CRLs:       s.ctx.CRLs,
		PrivateKey: s.key,
		ClientCert: certs[0],
		VerifyPeer: s.ctx.VerifyPeer,
	}.Build()
	if err != nil {
		switch {
		case errors.Is(err, sslcontext.ErrKeyCertMismatch):
			m.Logger.Warn("signed certificate does not match its private key")
		case errors.Is(err, sslcontext.ErrCertificateRevoked):
			m.Logger.Warn("signed certificate is revoked")
		default:
			m.Logger.WithError(err).Warn("signed certificate does not chain to a trusted authority")
		}
		return &wait{}, nil
	}

	if err := m.CertProvider.SaveClientCert(m.Config.CertName, certs[0]); err != nil {
		return nil, fatal(KindPersistFailed, err)
	}
	return &Done{SslContext: built}, nil
}

// wait is reached whenever the CA hasn't produced a usable certificate yet.
// It either sleeps and restarts the cycle from needCACerts, or terminates
// the process, per Config.WaitForCert/MaxWaitForCert.
type wait struct{}

func (s *wait) next(ctx context.Context, m *StateMachine) (State, error) {
	if m.Config.WaitForCert == 0 {
		fmt.Println("Couldn't fetch certificate from CA server; " +
			"you can run this again after it is signed. " +
			"Exiting now because the waitforcert setting is set to 0.")
		osExit(1)
		return nil, nil
	}

	if !m.waitDeadline.IsZero() && !nowFunc().Before(m.waitDeadline) {
		fmt.Println("Couldn't fetch certificate from CA server; " +
			"the maxwaitforcert timeout has been exceeded.")
		osExit(1)
		return nil, nil
	}

	m.Logger.Infof("Will try again in %d seconds", int(m.Config.WaitForCert/time.Second))
	sleepFunc(m.Config.WaitForCert)
	return &needCACerts{}, nil
}

// Done is the terminal state, carrying the fully validated SslContext.
type Done struct {
	SslContext sslcontext.SslContext
}

func (d *Done) next(ctx context.Context, m *StateMachine) (State, error) {
	return d, nil
}
