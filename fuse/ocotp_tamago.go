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

//go:build tamago
// +build tamago

package fuse

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/usbarmory/crucible/otp"

	"github.com/usbarmory/trustfence/fault"
)

// RegionLock maps a range of fuse words to the OCOTP_LOCK bit protecting
// them from further programming (IMX6ULRM Table 37-3).
type RegionLock struct {
	Name  string
	Bank  uint32
	Word  uint32
	Words uint32
	// Off is the bit offset within OCOTP_LOCK (bank 0, word 0).
	Off int
}

// OCOTPLocks is the i.MX6UL fuse region lock table.
var OCOTPLocks = []RegionLock{
	{Name: "BOOT_CFG_LOCK", Bank: 0, Word: 5, Words: 2, Off: 2},
	{Name: "MAC_ADDR_LOCK", Bank: 4, Word: 2, Words: 2, Off: 8},
	{Name: "GP1_LOCK", Bank: 4, Word: 6, Words: 1, Off: 10},
	{Name: "GP2_LOCK", Bank: 4, Word: 7, Words: 1, Off: 12},
	{Name: "SRK_LOCK", Bank: 3, Word: 0, Words: 8, Off: 14},
}

// OCOTPHardware implements Hardware on the i.MX6UL OCOTP controller through
// the crucible OTP driver.
//
// Shadow overrides are kept in an overlay rather than written to the shadow
// registers, so that they are dropped at the next boot like their hardware
// counterpart.
type OCOTPHardware struct {
	mu      sync.Mutex
	overlay map[[2]uint32]uint32
}

func lockRegion(bank uint32, word uint32) (*RegionLock, error) {
	for i, r := range OCOTPLocks {
		if bank == r.Bank && word >= r.Word && word < r.Word+r.Words {
			return &OCOTPLocks[i], nil
		}
	}

	return nil, fault.New("fuse lock", fault.ErrInvalidArgument, "no lock field for bank %d word %d", bank, word)
}

func (hw *OCOTPHardware) read(bank uint32, word uint32) (uint32, error) {
	res, err := otp.ReadOCOTP(int(bank), int(word), 0, 32)

	if err != nil {
		return 0, fault.Wrap("fuse read", fault.ErrIO, err)
	}

	if len(res) < 4 {
		res = append(make([]byte, 4-len(res)), res...)
	}

	return binary.BigEndian.Uint32(res), nil
}

// Shadow implements Hardware.
func (hw *OCOTPHardware) Shadow(bank uint32, word uint32) (uint32, error) {
	hw.mu.Lock()
	val, ok := hw.overlay[[2]uint32{bank, word}]
	hw.mu.Unlock()

	if ok {
		return val, nil
	}

	return hw.read(bank, word)
}

// SetShadow implements Hardware.
func (hw *OCOTPHardware) SetShadow(bank uint32, word uint32, val uint32) error {
	hw.mu.Lock()
	defer hw.mu.Unlock()

	if hw.overlay == nil {
		hw.overlay = make(map[[2]uint32]uint32)
	}

	hw.overlay[[2]uint32{bank, word}] = val

	return nil
}

// Sense implements Hardware.
func (hw *OCOTPHardware) Sense(bank uint32, word uint32) (uint32, error) {
	return hw.read(bank, word)
}

// Program implements Hardware.
func (hw *OCOTPHardware) Program(bank uint32, word uint32, val uint32) (err error) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, val)

	if err = otp.BlowOCOTP(int(bank), int(word), 0, 32, buf); err != nil {
		return fault.Wrap("fuse prog", fault.ErrIO, err)
	}

	hw.mu.Lock()
	delete(hw.overlay, [2]uint32{bank, word})
	hw.mu.Unlock()

	return
}

// Lock implements Hardware.
func (hw *OCOTPHardware) Lock(bank uint32, word uint32) (err error) {
	r, err := lockRegion(bank, word)

	if err != nil {
		return
	}

	if err = otp.BlowOCOTP(0, 0, r.Off, 1, []byte{1}); err != nil {
		return fault.Wrap("fuse lock", fault.ErrIO, err)
	}

	return
}

// Locked implements Hardware.
func (hw *OCOTPHardware) Locked(bank uint32, word uint32) (bool, error) {
	r, err := lockRegion(bank, word)

	if err != nil {
		// words without a lock field can never be locked
		return false, nil
	}

	res, err := otp.ReadOCOTP(0, 0, r.Off, 1)

	if err != nil {
		return false, fault.Wrap("fuse lock status", fault.ErrIO, err)
	}

	return bytes.Equal(res, []byte{1}), nil
}
