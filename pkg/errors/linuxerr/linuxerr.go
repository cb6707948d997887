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

// Package linuxerr contains syscall error codes exported as an error interface
// pointers. This allows for fast comparison and return operations comperable
// to unix.Errno constants.
package linuxerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"nvgpu.dev/regops/pkg/errors"
)

// The following errors are semantically identical to Errno of type unix.Errno
// or sycall.Errno. However, since the type are distinct ( these are
// *errors.Error), they are not directly comperable. However, the Errno method
// returns an Errno number such that the error can be compared to unix/syscall.Errno
// (e.g. EPERM.Errno() == unix.EPERM is true). Converting unix/syscall.Errno
// to the errors should be done via the lookup methods provided.
var (
	noError *errors.Error = nil
	EPERM                 = errors.New(unix.EPERM, "operation not permitted")
	ENOENT                = errors.New(unix.ENOENT, "no such file or directory")
	EIO                   = errors.New(unix.EIO, "I/O error")
	EFAULT                = errors.New(unix.EFAULT, "bad address")
	EBUSY                 = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST                = errors.New(unix.EEXIST, "file exists")
	ENODEV                = errors.New(unix.ENODEV, "no such device")
	EINVAL                = errors.New(unix.EINVAL, "invalid argument")
	ERANGE                = errors.New(unix.ERANGE, "math result not representable")
)

// errNotValidError is returned for errnos that are not in the table.
var errNotValidError = errors.New(unix.Errno(0), "not a valid error")

var errnoToError = map[unix.Errno]*errors.Error{
	0:           noError,
	unix.EPERM:  EPERM,
	unix.ENOENT: ENOENT,
	unix.EIO:    EIO,
	unix.EFAULT: EFAULT,
	unix.EBUSY:  EBUSY,
	unix.EEXIST: EEXIST,
	unix.ENODEV: ENODEV,
	unix.EINVAL: EINVAL,
	unix.ERANGE: ERANGE,
}

// ErrorFromUnix returns a linuxerr from a unix.Errno.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	e, ok := errnoToError[err]
	if !ok {
		return errNotValidError
	}
	return e
}

// ToError converts a linuxerr to an error type.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ToUnix converts a linuxerr to a unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	return unixErr
}

// Equals compares a linuxerr to a given error. It looks through wrapping, so
// an engine error wrapping EINVAL equals EINVAL.
func Equals(e *errors.Error, err error) bool {
	var unixErr unix.Errno
	if goerrors.As(err, &unixErr) {
		return e.Errno() == unixErr
	}
	var linuxErr *errors.Error
	if goerrors.As(err, &linuxErr) {
		return e.Errno() == linuxErr.Errno()
	}
	return e == nil && err == nil
}

// ErrnoOf extracts the errno carried by err, or 0 if it carries none.
func ErrnoOf(err error) unix.Errno {
	var linuxErr *errors.Error
	if goerrors.As(err, &linuxErr) {
		return linuxErr.Errno()
	}
	var unixErr unix.Errno
	if goerrors.As(err, &unixErr) {
		return unixErr
	}
	return 0
}
