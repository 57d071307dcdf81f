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

// Package env implements the redundant persistent store of boot loader
// environment variables.
//
// The environment is stored as a blob holding a CRC32 checksum, an optional
// generation flags byte (redundant configurations only) and the variables as
// NUL separated "key=value" pairs terminated by a double NUL. Two copies can be
// kept at distinct locations, the most recent valid one being authoritative.
package env

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/usbarmory/trustfence/fault"
)

// DefaultVars holds the compiled-in environment.
var DefaultVars = map[string]string{
	"baudrate":  "115200",
	"bootdelay": "2",
	"bootcmd":   "run trustfence_boot",
	"loadaddr":  "0x80800000",
}

// Env represents a set of environment variables.
type Env struct {
	vars map[string]string
}

// New returns an empty environment.
func New() *Env {
	return &Env{vars: make(map[string]string)}
}

// Default returns a copy of the compiled-in environment.
func Default() *Env {
	e := New()

	for k, v := range DefaultVars {
		e.vars[k] = v
	}

	return e
}

// Get returns the value of a variable.
func (e *Env) Get(key string) (val string, ok bool) {
	val, ok = e.vars[key]
	return
}

// Set sets the value of a variable, an empty value deletes it.
func (e *Env) Set(key string, val string) error {
	if len(key) == 0 || strings.ContainsAny(key, "=\x00") {
		return fault.New("env set", fault.ErrInvalidArgument, "invalid variable name %q", key)
	}

	if strings.ContainsRune(val, 0) {
		return fault.New("env set", fault.ErrInvalidArgument, "invalid value for %s", key)
	}

	if len(val) == 0 {
		delete(e.vars, key)
		return nil
	}

	e.vars[key] = val

	return nil
}

// Delete removes a variable.
func (e *Env) Delete(key string) {
	delete(e.vars, key)
}

// Keys returns the sorted variable names.
func (e *Env) Keys() (keys []string) {
	for k := range e.vars {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return
}

// Len returns the number of variables.
func (e *Env) Len() int {
	return len(e.vars)
}

// Import parses NUL separated "key=value" pairs, terminated by a double NUL
// or by the end of data, replacing the current variables.
func (e *Env) Import(data []byte) error {
	vars := make(map[string]string)

	for len(data) > 0 && data[0] != 0 {
		entry := data

		if i := bytes.IndexByte(data, 0); i >= 0 {
			entry = data[:i]
			data = data[i+1:]
		} else {
			data = nil
		}

		k, v, ok := strings.Cut(string(entry), "=")

		if !ok || len(k) == 0 {
			return fault.New("env import", fault.ErrIntegrity, "invalid entry %q", entry)
		}

		vars[k] = v
	}

	e.vars = vars

	return nil
}

// Export serializes the environment in a zero padded buffer of the given
// size.
func (e *Env) Export(size int) (buf []byte, err error) {
	b := new(bytes.Buffer)

	for _, k := range e.Keys() {
		fmt.Fprintf(b, "%s=%s\x00", k, e.vars[k])
	}

	// an empty environment is a double NUL
	if b.Len() == 0 {
		b.WriteByte(0)
	}

	b.WriteByte(0)

	if b.Len() > size {
		return nil, fault.New("env export", fault.ErrInvalidArgument, "environment too large (%d > %d)", b.Len(), size)
	}

	buf = make([]byte, size)
	copy(buf, b.Bytes())

	return
}

// String returns the environment in printenv format.
func (e *Env) String() string {
	b := new(strings.Builder)

	for _, k := range e.Keys() {
		fmt.Fprintf(b, "%s=%s\n", k, e.vars[k])
	}

	return b.String()
}
