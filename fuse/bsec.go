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

const (
	// BSECBank is the STM32MP boot and security OTP bank.
	BSECBank = 0
	// PMICBank is the STM32MP auxiliary bank mapped to the PMIC NVM.
	PMICBank = 1

	// BSECWords is the number of OTP words of the STM32MP15 BSEC.
	BSECWords = 96
	// BSECLowerWords is the number of lower OTP words, these are
	// programmed bitwise and can accumulate further bits.
	BSECLowerWords = 32
	// PMICWords is the number of STPMIC1 NVM registers.
	PMICWords = 8
)

// BSEC implements STM32MP boot and security controller fuse semantics.
//
// Bank 0 maps the BSEC OTP words: upper words (index 32 and above) are
// protected by ECC, therefore once programmed they cannot be programmed again.
// Bank 1, when a PMIC is present, maps the PMIC NVM registers which are
// byte-wide, re-programmable and cannot be locked.
type BSEC struct {
	otp  Hardware
	pmic Hardware
}

// NewBSEC returns an STM32MP backend, the pmic argument can be nil on boards
// without PMIC NVM access.
func NewBSEC(otp Hardware, pmic Hardware) *BSEC {
	return &BSEC{
		otp:  otp,
		pmic: pmic,
	}
}

// hw returns the hardware serving a bank, PMIC NVM registers are addressed
// as bank 0 of their own hardware instance.
func (f *BSEC) hw(op string, bank uint32, word uint32) (Hardware, uint32, error) {
	switch {
	case bank == BSECBank && word < BSECWords:
		return f.otp, BSECBank, nil
	case bank == PMICBank && f.pmic != nil && word < PMICWords:
		return f.pmic, 0, nil
	case bank == BSECBank || (bank == PMICBank && f.pmic != nil):
		return nil, 0, fault.New(op, fault.ErrInvalidArgument, "invalid word %d", word)
	}

	return nil, 0, fault.New(op, fault.ErrInvalidArgument, "unsupported bank %d", bank)
}

// Read implements Backend.
func (f *BSEC) Read(bank uint32, word uint32) (uint32, error) {
	hw, hb, err := f.hw("fuse read", bank, word)

	if err != nil {
		return 0, err
	}

	return hw.Shadow(hb, word)
}

// Sense implements Backend.
func (f *BSEC) Sense(bank uint32, word uint32) (uint32, error) {
	hw, hb, err := f.hw("fuse sense", bank, word)

	if err != nil {
		return 0, err
	}

	return hw.Sense(hb, word)
}

// Prog implements Backend.
func (f *BSEC) Prog(bank uint32, word uint32, val uint32) (err error) {
	hw, hb, err := f.hw("fuse prog", bank, word)

	if err != nil {
		return
	}

	if bank == PMICBank {
		if val > 0xff {
			return fault.New("fuse prog", fault.ErrInvalidArgument, "PMIC NVM value %#x exceeds 8 bits", val)
		}

		return hw.Program(hb, word, val)
	}

	if err = checkLock(hw, "fuse prog", hb, word); err != nil {
		return
	}

	if word >= BSECLowerWords {
		cur, err := hw.Sense(hb, word)

		if err != nil {
			return err
		}

		if cur != 0 {
			return fault.New("fuse prog", fault.ErrPermission, "upper OTP word %d already programmed (%#08x)", word, cur)
		}
	}

	return hw.Program(hb, word, val)
}

// Override implements Backend.
func (f *BSEC) Override(bank uint32, word uint32, val uint32) error {
	hw, hb, err := f.hw("fuse override", bank, word)

	if err != nil {
		return err
	}

	if bank == PMICBank && val > 0xff {
		return fault.New("fuse override", fault.ErrInvalidArgument, "PMIC NVM value %#x exceeds 8 bits", val)
	}

	return hw.SetShadow(hb, word, val)
}

// Lock implements Backend.
func (f *BSEC) Lock(bank uint32, word uint32) error {
	hw, hb, err := f.hw("fuse lock", bank, word)

	if err != nil {
		return err
	}

	if bank == PMICBank {
		return fault.New("fuse lock", fault.ErrInvalidArgument, "PMIC NVM cannot be locked")
	}

	return hw.Lock(hb, word)
}

// LockStatus implements Backend.
func (f *BSEC) LockStatus(bank uint32, word uint32) (bool, error) {
	hw, hb, err := f.hw("fuse lock status", bank, word)

	if err != nil {
		return false, err
	}

	if bank == PMICBank {
		return false, nil
	}

	return hw.Locked(hb, word)
}
