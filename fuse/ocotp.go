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

// OCOTPGeometry is the fuse layout of i.MX6/i.MX7/i.MX8M On-Chip OTP
// controllers (IMX6ULRM 37.3, 16 banks of 8 words).
var OCOTPGeometry = Geometry{
	Banks: 16,
	Words: 8,
}

// OCOTP implements the i.MX On-Chip OTP controller semantics.
//
// Programming is only refused for locked words, write-once behaviour is left
// to the OTP cells themselves (bits can only be set). Shadow overrides are
// permitted.
type OCOTP struct {
	hw  Hardware
	geo Geometry
}

// NewOCOTP returns an i.MX OCOTP backend over the given hardware.
func NewOCOTP(hw Hardware) *OCOTP {
	return &OCOTP{
		hw:  hw,
		geo: OCOTPGeometry,
	}
}

// Read implements Backend.
func (f *OCOTP) Read(bank uint32, word uint32) (uint32, error) {
	if err := f.geo.check("fuse read", bank, word); err != nil {
		return 0, err
	}

	return f.hw.Shadow(bank, word)
}

// Sense implements Backend.
func (f *OCOTP) Sense(bank uint32, word uint32) (uint32, error) {
	if err := f.geo.check("fuse sense", bank, word); err != nil {
		return 0, err
	}

	return f.hw.Sense(bank, word)
}

// Prog implements Backend.
func (f *OCOTP) Prog(bank uint32, word uint32, val uint32) error {
	if err := f.geo.check("fuse prog", bank, word); err != nil {
		return err
	}

	if err := checkLock(f.hw, "fuse prog", bank, word); err != nil {
		return err
	}

	return f.hw.Program(bank, word, val)
}

// Override implements Backend.
func (f *OCOTP) Override(bank uint32, word uint32, val uint32) error {
	if err := f.geo.check("fuse override", bank, word); err != nil {
		return err
	}

	return f.hw.SetShadow(bank, word, val)
}

// Lock implements Backend.
func (f *OCOTP) Lock(bank uint32, word uint32) error {
	if err := f.geo.check("fuse lock", bank, word); err != nil {
		return err
	}

	return f.hw.Lock(bank, word)
}

// LockStatus implements Backend.
func (f *OCOTP) LockStatus(bank uint32, word uint32) (bool, error) {
	if err := f.geo.check("fuse lock status", bank, word); err != nil {
		return false, err
	}

	return f.hw.Locked(bank, word)
}

func checkLock(hw Hardware, op string, bank uint32, word uint32) error {
	locked, err := hw.Locked(bank, word)

	if err != nil {
		return err
	}

	if locked {
		return fault.New(op, fault.ErrPermission, "bank %d word %d is locked", bank, word)
	}

	return nil
}
