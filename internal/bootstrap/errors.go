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
	"errors"
	"fmt"
)

// Kind identifies which named error condition a FatalError represents.
type Kind string

const (
	KindAnotherInstanceRunning Kind = "AnotherInstanceRunning"
	KindCaCertMissing          Kind = "CaCertMissing"
	KindCaCertDownloadFailed   Kind = "CaCertDownloadFailed"
	KindMalformedCaCert        Kind = "MalformedCaCert"
	KindCrlMissing             Kind = "CrlMissing"
	KindCrlDownloadFailed      Kind = "CrlDownloadFailed"
	KindMalformedCrl           Kind = "MalformedCrl"
	KindUnsupportedCurve       Kind = "UnsupportedCurve"
	KindKeyLoadFailed          Kind = "KeyLoadFailed"
	KindKeyCertMismatch        Kind = "KeyCertMismatch"
	KindCertificateRevoked     Kind = "CertificateRevoked"
	KindCsrSubmitFailed        Kind = "CsrSubmitFailed"
	KindWaitForCertTimeout     Kind = "WaitForCertTimeout"

	// KindPersistFailed covers I/O failures writing an already-validated
	// artifact to disk (as opposed to the artifact itself being malformed,
	// which gets its own Kind above). Not part of the user-visible taxonomy
	// this package's callers are documented against, but every FatalError
	// needs a Kind and this is the honest bucket for "disk write failed".
	KindPersistFailed Kind = "PersistFailed"
)

// FatalError is returned by a state's next() when the condition can't be
// recovered from within the machine: the run aborts and the error
// propagates to the caller.
type FatalError struct {
	Kind Kind
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatal(kind Kind, err error) *FatalError {
	return &FatalError{Kind: kind, Err: err}
}

func fatalf(kind Kind, format string, args ...interface{}) *FatalError {
	return &FatalError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// AsFatal reports whether err is (or wraps) a *FatalError, and returns it.
func AsFatal(err error) (*FatalError, bool) {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
