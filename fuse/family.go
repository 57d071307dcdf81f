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
	"fmt"
)

// Family identifies a SoC fuse controller family.
type Family string

const (
	// FamilyOCOTP is the i.MX6/i.MX7/i.MX8M On-Chip OTP controller.
	FamilyOCOTP Family = "ocotp"
	// FamilyELE is the i.MX8/i.MX9 secure enclave mediated fuse access.
	FamilyELE Family = "ele"
	// FamilyBSEC is the STM32MP boot and security controller.
	FamilyBSEC Family = "bsec"
)

// Geometry returns the fuse layout of the family main store.
func (f Family) Geometry() (Geometry, error) {
	switch f {
	case FamilyOCOTP:
		return OCOTPGeometry, nil
	case FamilyELE:
		return ELEGeometry, nil
	case FamilyBSEC:
		return Geometry{Banks: 1, Words: BSECWords}, nil
	}

	return Geometry{}, fmt.Errorf("unknown fuse family %q", f)
}

// New returns the backend for a fuse family. The aux hardware is only used
// by FamilyBSEC, as PMIC NVM bank, and can be nil.
func New(f Family, hw Hardware, aux Hardware) (Backend, error) {
	if hw == nil {
		return nil, fmt.Errorf("missing %s hardware", f)
	}

	switch f {
	case FamilyOCOTP:
		return NewOCOTP(hw), nil
	case FamilyELE:
		return NewELE(hw), nil
	case FamilyBSEC:
		return NewBSEC(hw, aux), nil
	}

	return nil, fmt.Errorf("unknown fuse family %q", f)
}
