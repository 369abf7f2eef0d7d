// Copyright 2021 The gVisor Authors.
//
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

// Package linuxerr contains error codes exported as error interface pointers.
// This allows for fast comparison and return operations comparable to
// unix.Errno constants.
package linuxerr

import (
	"errors"

	"golang.org/x/sys/unix"
	vmerrors "gvisor.dev/vmcore/pkg/errors"
)

// The following errors are semantically identical to unix.Errno values.
// However, since the types are distinct (these are *errors.Error), they are
// not directly comparable. The Errno method returns a number that can be
// compared to unix.Errno (e.g. EPERM.Errno() == unix.EPERM is true).
var (
	EPERM   = vmerrors.New(unix.EPERM, "operation not permitted")
	ENOENT  = vmerrors.New(unix.ENOENT, "no such file or directory")
	EIO     = vmerrors.New(unix.EIO, "I/O error")
	EBADF   = vmerrors.New(unix.EBADF, "bad file number")
	ENOMEM  = vmerrors.New(unix.ENOMEM, "out of memory")
	EACCES  = vmerrors.New(unix.EACCES, "permission denied")
	EFAULT  = vmerrors.New(unix.EFAULT, "bad address")
	EBUSY   = vmerrors.New(unix.EBUSY, "device or resource busy")
	EEXIST  = vmerrors.New(unix.EEXIST, "file exists")
	EINVAL  = vmerrors.New(unix.EINVAL, "invalid argument")
	ENOSPC  = vmerrors.New(unix.ENOSPC, "no space left on device")
	ESRCH   = vmerrors.New(unix.ESRCH, "no such process")
	E2BIG   = vmerrors.New(unix.E2BIG, "argument list too long")
	ENOEXEC = vmerrors.New(unix.ENOEXEC, "exec format error")
	ECHILD  = vmerrors.New(unix.ECHILD, "no child processes")
	EAGAIN  = vmerrors.New(unix.EAGAIN, "try again")
)

var errnoTable = map[unix.Errno]*vmerrors.Error{}

func init() {
	for _, e := range []*vmerrors.Error{EPERM, ENOENT, EIO, EBADF, ENOMEM, EACCES, EFAULT, EBUSY, EEXIST, EINVAL, ENOSPC, ESRCH, E2BIG, ENOEXEC, ECHILD, EAGAIN} {
		errnoTable[e.Errno()] = e
	}
}

// ErrorFromUnix returns the *errors.Error matching errno, or nil if errno is
// not one of the errors defined by this package.
func ErrorFromUnix(errno unix.Errno) *vmerrors.Error {
	return errnoTable[errno]
}

// ToUnix converts err to a unix.Errno. It returns false if err carries no
// errno.
func ToUnix(err error) (unix.Errno, bool) {
	var e *vmerrors.Error
	if errors.As(err, &e) {
		return e.Errno(), true
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}

// Equals checks if a linuxerr and an error are the same. It unwraps err, so
// errors annotated with fmt.Errorf("...: %w") still compare equal.
func Equals(e *vmerrors.Error, err error) bool {
	if err == nil {
		return e == nil
	}
	errno, ok := ToUnix(err)
	return ok && e != nil && errno == e.Errno()
}
