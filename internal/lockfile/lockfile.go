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

// Package lockfile implements process-exclusive mutual exclusion backed by
// a PID file on disk.
package lockfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// LockFile guards a bootstrap run against concurrent execution on the same
// host. Its contents, when held, are the ASCII decimal PID of the holder.
type LockFile struct {
	path string
}

// New returns a LockFile bound to path. It performs no I/O.
func New(path string) *LockFile {
	return &LockFile{path: path}
}

// Lock attempts to acquire exclusive ownership of the lock file, returning
// true iff this process now owns it. It is safe to call Lock when the file
// is missing, empty, holds this process's own PID, or holds the PID of a
// process that is no longer alive: in all of those cases the prior contents
// are overwritten and Lock succeeds.
func (l *LockFile) Lock() (bool, error) {
	pid := os.Getpid()

	existing, err := os.ReadFile(l.path)
	switch {
	case os.IsNotExist(err):
		// Nothing to take over; fall through to write our PID.
	case err != nil:
		return false, fmt.Errorf("reading lock file %s: %w", l.path, err)
	default:
		if holder, ok := parsePID(existing); ok && holder != pid && processAlive(holder) {
			return false, nil
		}
	}

	if err := os.WriteFile(l.path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return false, fmt.Errorf("writing lock file %s: %w", l.path, err)
	}
	return true, nil
}

// Unlock releases the lock by removing the lock file. It is a no-op if the
// file does not exist.
func (l *LockFile) Unlock() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock file %s: %w", l.path, err)
	}
	return nil
}

func parsePID(contents []byte) (int, bool) {
	s := strings.TrimSpace(string(contents))
	if s == "" {
		return 0, false
	}
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// processAlive reports whether pid names a live process. On Unix, sending
// signal 0 performs existence/permission checks without affecting the
// target process.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// ESRCH means "no such process"; any other error (e.g. EPERM) means
	// the process exists but we can't signal it, which still counts as
	// alive for lock-contention purposes.
	return err != syscall.ESRCH
}
