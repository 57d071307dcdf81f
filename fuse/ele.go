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

package fuse

import (
	"github.com/usbarmory/trustfence/fault"
)

// ELEGeometry is the fuse layout exposed by i.MX8/i.MX9 secure enclave
// firmware, a single flat bank.
var ELEGeometry = Geometry{
	Banks: 1,
	Words: 512,
}

// ELE implements fuse access mediated by an i.MX secure enclave (ELE/SECO).
//
// The enclave owns the shadow registers of security relevant words, therefore
// both direct sensing and shadow overrides are forbidden.
type ELE struct {
	hw  Hardware
	geo Geometry
}

// NewELE returns an i.MX secure enclave backend over the given hardware.
func NewELE(hw Hardware) *ELE {
	return &ELE{
		hw:  hw,
		geo: ELEGeometry,
	}
}

// Read implements Backend.
func (f *ELE) Read(bank uint32, word uint32) (uint32, error) {
	if err := f.geo.check("fuse read", bank, word); err != nil {
		return 0, err
	}

	return f.hw.Shadow(bank, word)
}

// Sense implements Backend, it is always forbidden.
func (f *ELE) Sense(bank uint32, word uint32) (uint32, error) {
	return 0, fault.New("fuse sense", fault.ErrPermission, "not supported by secure enclave")
}

// Prog implements Backend.
func (f *ELE) Prog(bank uint32, word uint32, val uint32) error {
	if err := f.geo.check("fuse prog", bank, word); err != nil {
		return err
	}

	if err := checkLock(f.hw, "fuse prog", bank, word); err != nil {
		return err
	}

	return f.hw.Program(bank, word, val)
}

// Override implements Backend, it is always forbidden.
func (f *ELE) Override(bank uint32, word uint32, val uint32) error {
	return fault.New("fuse override", fault.ErrPermission, "not supported by secure enclave")
}

// Lock implements Backend.
func (f *ELE) Lock(bank uint32, word uint32) error {
	if err := f.geo.check("fuse lock", bank, word); err != nil {
		return err
	}

	return f.hw.Lock(bank, word)
}

// LockStatus implements Backend.
func (f *ELE) LockStatus(bank uint32, word uint32) (bool, error) {
	if err := f.geo.check("fuse lock status", bank, word); err != nil {
		return false, err
	}

	return f.hw.Locked(bank, word)
}
