// Copyright 2024 The trustfence authors. All Rights Reserved.
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

// Package fault defines the error taxonomy shared by the fuse, trust,
// environment and secure boot layers.
//
// Callers test for a class of failure with errors.Is against one of the Err*
// sentinels, the underlying cause (if any) remains reachable through
// errors.Unwrap.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned for bad bank, word, size or offset values.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrPermission is returned when programming is disabled, a lock bit is
	// set or a write-once word would be rewritten.
	ErrPermission = errors.New("permission denied")
	// ErrIO is returned on hardware, transport or media failures.
	ErrIO = errors.New("I/O error")
	// ErrCrypto is returned on crypto backend session or cipher failures.
	ErrCrypto = errors.New("crypto error")
	// ErrIntegrity is returned on CRC, tag or version mismatches.
	ErrIntegrity = errors.New("integrity error")
	// ErrNotFound is returned when no valid copy or good erase unit exists.
	ErrNotFound = errors.New("not found")
)

// Error represents a failed operation of a given kind.
type Error struct {
	// Op names the failing operation (e.g. "fuse prog").
	Op string
	// Kind is one of the Err* sentinels.
	Kind error
	// Err is the underlying cause, it can be nil.
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}

	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Is reports whether target is the error kind.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an error of the given kind with a formatted cause.
func New(op string, kind error, format string, args ...interface{}) error {
	return &Error{
		Op:   op,
		Kind: kind,
		Err:  fmt.Errorf(format, args...),
	}
}

// Wrap returns an error of the given kind wrapping err, a nil err yields nil.
func Wrap(op string, kind error, err error) error {
	if err == nil {
		return nil
	}

	return &Error{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}
