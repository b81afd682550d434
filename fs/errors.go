// Copyright 2024 The sabfs Authors. All Rights Reserved.
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

package fs

import "fmt"

// POSIX-style error codes surfaced by the facade.
const (
	ENOENT    = "ENOENT"
	EEXIST    = "EEXIST"
	EISDIR    = "EISDIR"
	ENOTDIR   = "ENOTDIR"
	ENOTEMPTY = "ENOTEMPTY"
	EBUSY     = "EBUSY"
	EACCES    = "EACCES"
	EBADF     = "EBADF"
	EINVAL    = "EINVAL"
	EFAULT    = "EFAULT"
	ELOOP     = "ELOOP"
)

var errorMessages = map[string]string{
	ENOENT:    "no such file or directory",
	EEXIST:    "file already exists",
	EISDIR:    "illegal operation on a directory",
	ENOTDIR:   "not a directory",
	ENOTEMPTY: "directory not empty",
	EBUSY:     "resource busy or locked",
	EACCES:    "permission denied",
	EBADF:     "bad file descriptor",
	EINVAL:    "invalid argument",
	EFAULT:    "bad address in system call argument",
	ELOOP:     "too many levels of symbolic links",
}

// Error is the error value raised by every facade operation. It
// carries the POSIX code, the failing syscall name, and the path when
// one applies.
type Error struct {
	Code    string
	Syscall string
	Path    string
}

func (e *Error) Error() string {
	msg := errorMessages[e.Code]
	if e.Path != "" {
		return fmt.Sprintf("%s: %s, %s '%s'", e.Code, msg, e.Syscall, e.Path)
	}
	return fmt.Sprintf("%s: %s, %s", e.Code, msg, e.Syscall)
}

func newError(code, syscall, path string) *Error {
	return &Error{Code: code, Syscall: syscall, Path: path}
}

// ErrorCode extracts the POSIX code from err, or "" for nil and
// foreign errors.
func ErrorCode(err error) string {
	if fe, ok := err.(*Error); ok {
		return fe.Code
	}
	return ""
}
