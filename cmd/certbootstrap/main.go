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

// Command certbootstrap drives a node's PKI bootstrap against a puppet-ca
// style certificate authority: fetching CA certificates and CRLs, generating
// a private key, submitting a CSR, and waiting for the signed certificate.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/sirupsen/logrus"

	"github.com/puppetlabs/go-cert-bootstrap/internal/bootstrap"
	"github.com/puppetlabs/go-cert-bootstrap/internal/caclient"
	"github.com/puppetlabs/go-cert-bootstrap/internal/certprovider"
	"github.com/puppetlabs/go-cert-bootstrap/internal/lockfile"
	"github.com/puppetlabs/go-cert-bootstrap/internal/sslcontext"
)

func main() {
	log := logrus.StandardLogger()

	app := kingpin.New("certbootstrap", "Bootstrap a node's PKI identity against a certificate authority.")
	app.HelpFlag.Short('h')

	caCmd, caRc := registerEnsureCACertificates(app)
	clientCmd, clientRc := registerEnsureClientCertificate(app)

	switch kingpin.MustParse(app.Parse(os.Args[1:])) {
	case caCmd.FullCommand():
		run(log, caRc, (*bootstrap.StateMachine).EnsureCACertificates)
	case clientCmd.FullCommand():
		run(log, clientRc, (*bootstrap.StateMachine).EnsureClientCertificate)
	}
}

func registerEnsureCACertificates(app *kingpin.Application) (*kingpin.CmdClause, *runConfig) {
	cmd := app.Command("ensure-ca-certificates", "Ensure the local CA bundle and CRLs are present and trustworthy, then exit.")
	return cmd, registerRunFlags(cmd)
}

func registerEnsureClientCertificate(app *kingpin.Application) (*kingpin.CmdClause, *runConfig) {
	cmd := app.Command("ensure-client-certificate", "Ensure a private key and signed client certificate are present, waiting for signing if necessary.")
	return cmd, registerRunFlags(cmd)
}

// run wires a StateMachine from rc and invokes op on it, exiting nonzero on
// any error op returns. Wait's own termination paths (waitforcert=0 and
// maxwaitforcert exceeded) call os.Exit(1) from inside the state machine and
// never return here; this handles every other fatal error surfaced to the
// caller (lock contention, malformed CA material, a rejected CSR, ...).
func run(log logrus.FieldLogger, rc *runConfig, op func(*bootstrap.StateMachine, context.Context) (sslcontext.SslContext, error)) {
	cfg, err := rc.toConfig()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	client := caclient.New(cfg.CAServerURL)
	provider := certprovider.New(cfg.Paths)
	lock := lockfile.New(cfg.Paths.LockFilePath)
	machine := bootstrap.New(cfg, client, provider, lock, log)

	if _, err := op(machine, context.Background()); err != nil {
		if fe, ok := bootstrap.AsFatal(err); ok {
			log.WithField("kind", fe.Kind).WithError(err).Fatal("bootstrap failed")
		}
		log.WithError(err).Fatal("bootstrap failed")
	}
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("duration must not be empty")
	}
	return time.ParseDuration(s)
}

func secondsToDuration(seconds uint) time.Duration {
	return time.Duration(seconds) * time.Second
}
