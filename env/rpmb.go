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

package env

import (
	"github.com/usbarmory/trustfence/fault"
	"github.com/usbarmory/trustfence/rpmb"
)

// RPMBMedia implements Media on a range of authenticated RPMB sectors, each
// 256 bytes sector is an erase unit.
type RPMBMedia struct {
	Partition *rpmb.RPMB
	// Start is the first sector of the environment area.
	Start uint16
	// Sectors is the number of sectors in the environment area.
	Sectors uint16
}

// EraseSize implements Media.
func (m *RPMBMedia) EraseSize() int64 {
	return rpmb.SectorSize
}

// Size implements Media.
func (m *RPMBMedia) Size() int64 {
	return int64(m.Sectors) * rpmb.SectorSize
}

// IsBad implements Media, RPMB sectors are never bad.
func (m *RPMBMedia) IsBad(off int64) (bool, error) {
	return false, nil
}

func (m *RPMBMedia) sector(op string, off int64, n int) (uint16, error) {
	if off < 0 || off%rpmb.SectorSize != 0 || off+int64(n) > m.Size() {
		return 0, fault.New(op, fault.ErrInvalidArgument, "invalid range %#x+%#x", off, n)
	}

	return m.Start + uint16(off/rpmb.SectorSize), nil
}

// Read implements Media.
func (m *RPMBMedia) Read(off int64, buf []byte) (err error) {
	s, err := m.sector("rpmb read", off, len(buf))

	if err != nil {
		return
	}

	if err = m.Partition.ReadSectors(s, buf); err != nil {
		return fault.Wrap("rpmb read", fault.ErrIO, err)
	}

	return
}

// Write implements Media.
func (m *RPMBMedia) Write(off int64, buf []byte) (n int, err error) {
	s, err := m.sector("rpmb write", off, len(buf))

	if err != nil {
		return
	}

	if err = m.Partition.WriteSectors(s, buf); err != nil {
		return 0, fault.Wrap("rpmb write", fault.ErrIO, err)
	}

	return len(buf), nil
}

// Erase implements Media, erased sectors read as zeroes.
func (m *RPMBMedia) Erase(off int64, length int64) (err error) {
	s, err := m.sector("rpmb erase", off, int(length))

	if err != nil {
		return
	}

	if err = m.Partition.WriteSectors(s, make([]byte, length)); err != nil {
		return fault.Wrap("rpmb erase", fault.ErrIO, err)
	}

	return
}
