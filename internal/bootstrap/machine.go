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
	"errors"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/puppetlabs/go-cert-bootstrap/internal/caclient"
	"github.com/puppetlabs/go-cert-bootstrap/internal/config"
	"github.com/puppetlabs/go-cert-bootstrap/internal/lockfile"
	"github.com/puppetlabs/go-cert-bootstrap/internal/sslcontext"
)

// CertProvider is the persistence collaborator the state machine depends
// on. certprovider.Provider is the concrete, file-system backed
// implementation; tests substitute a fake.
type CertProvider interface {
	LoadCACerts() ([]*x509.Certificate, error)
	SaveCACerts(certs []*x509.Certificate) error
	LoadCRLs() ([]*x509.RevocationList, error)
	SaveCRLs(crls []*x509.RevocationList) error
	CRLLastUpdate() (time.Time, error)
	LoadPrivateKey() (crypto.Signer, error)
	SavePrivateKey(key crypto.Signer) error
	LoadClientCert() (*x509.Certificate, error)
	SaveClientCert(certname string, cert *x509.Certificate) error
	SaveRequest(certname string, csrPEM []byte) error
}

// osExit and sleepFunc/nowFunc are the single substitution points for
// process exit and wall-clock use, so Wait's behavior is testable without
// actually killing the test binary or sleeping in real time.
var (
	osExit   = os.Exit
	sleepFunc = time.Sleep
	nowFunc   = time.Now
)

// StateMachine drives the bootstrap run: it owns the configuration and the
// collaborators, acquires the lock for the duration of a run, and steps
// through states until the run mode's stopping condition is reached.
type StateMachine struct {
	Config       config.Config
	CaClient     caclient.CaClient
	CertProvider CertProvider
	LockFile     *lockfile.LockFile
	Logger       logrus.FieldLogger

	waitDeadline time.Time
}

// New returns a StateMachine ready to run. A nil logger falls back to
// logrus's standard logger.
func New(cfg config.Config, client caclient.CaClient, provider CertProvider, lock *lockfile.LockFile, logger logrus.FieldLogger) *StateMachine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &StateMachine{
		Config:       cfg,
		CaClient:     client,
		CertProvider: provider,
		LockFile:     lock,
		Logger:       logger,
	}
}

// EnsureCACertificates runs until an SslContext carrying CA certificates
// and CRLs (CRLs possibly empty, when revocation checking is off) has been
// produced, and returns it without generating a key or requesting a cert.
func (m *StateMachine) EnsureCACertificates(ctx context.Context) (sslcontext.SslContext, error) {
	return m.run(ctx, modeCACertificates)
}

// EnsureClientCertificate runs the full cycle to Done and returns the
// fully-populated SslContext: trust material, private key, and a signed,
// unrevoked client certificate matching that key.
func (m *StateMachine) EnsureClientCertificate(ctx context.Context) (sslcontext.SslContext, error) {
	return m.run(ctx, modeClientCertificate)
}

type runMode int

const (
	modeCACertificates runMode = iota
	modeClientCertificate
)

func (m *StateMachine) run(ctx context.Context, mode runMode) (sslcontext.SslContext, error) {
	acquired, err := m.LockFile.Lock()
	if err != nil {
		return sslcontext.SslContext{}, fatal(KindAnotherInstanceRunning, err)
	}
	if !acquired {
		return sslcontext.SslContext{}, fatal(KindAnotherInstanceRunning, errors.New("another instance is already running"))
	}
	defer func() {
		_ = m.LockFile.Unlock()
	}()

	if m.Config.MaxWaitForCert > 0 {
		m.waitDeadline = nowFunc().Add(m.Config.MaxWaitForCert)
	}

	var current State = &needCACerts{}
	for {
		if mode == modeCACertificates {
			if nk, ok := current.(*needKey); ok {
				return nk.ctx, nil
			}
		} else if d, ok := current.(*Done); ok {
			return d.SslContext, nil
		}

		next, err := current.next(ctx, m)
		if err != nil {
			return sslcontext.SslContext{}, err
		}
		current = next
	}
}
