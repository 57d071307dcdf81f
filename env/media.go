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
	"fmt"

	"k8s.io/klog/v2"

	"github.com/usbarmory/trustfence/fault"
)

// Media represents the raw storage holding the environment, offsets are
// expressed in bytes.
type Media interface {
	// EraseSize returns the erase unit size.
	EraseSize() int64
	// Size returns the media size.
	Size() int64
	// Read fills buf from the given offset.
	Read(off int64, buf []byte) error
	// Write writes buf at the given offset, within a single erase unit,
	// returning the number of bytes written.
	Write(off int64, buf []byte) (int, error)
	// Erase erases the erase units in [off, off+length).
	Erase(off int64, length int64) error
	// IsBad returns whether the erase unit at the given offset is bad.
	IsBad(off int64) (bool, error)
}

func unitAligned(m Media, off int64) bool {
	return off%m.EraseSize() == 0
}

// units returns the good erase units, within [off, end), holding size bytes.
func units(m Media, off int64, end int64, size int, skip map[int64]bool) (list []int64, err error) {
	unit := m.EraseSize()
	start := off

	if end > m.Size() {
		end = m.Size()
	}

	for left := int64(size); left > 0 && off < end; off += unit {
		if skip[off] {
			klog.V(2).Infof("env: skipping unit %#x claimed by other copy", off)
			continue
		}

		bad, err := m.IsBad(off)

		if err != nil {
			return nil, fault.Wrap("env bad unit check", fault.ErrIO, err)
		}

		if bad {
			klog.V(2).Infof("env: skipping bad unit %#x", off)
			continue
		}

		list = append(list, off)
		left -= unit
	}

	if int64(len(list))*unit < int64(size) {
		return nil, fault.New("env location", fault.ErrNotFound, "no good units for %d bytes in [%#x, %#x)", size, start, end)
	}

	return
}

// Relocate returns the first good erase unit within [base, base+limit) not
// claimed by the other copy.
func Relocate(m Media, base int64, limit int64, claimed map[int64]bool) (int64, error) {
	list, err := units(m, base, base+limit, 1, claimed)

	if err != nil {
		return -1, err
	}

	return list[0], nil
}

func readUnits(m Media, list []int64, buf []byte) error {
	unit := m.EraseSize()

	for i, off := range list {
		start := int64(i) * unit
		end := start + unit

		if end > int64(len(buf)) {
			end = int64(len(buf))
		}

		if err := m.Read(off, buf[start:end]); err != nil {
			return fault.Wrap("env read", fault.ErrIO, fmt.Errorf("unit %#x, %v", off, err))
		}
	}

	return nil
}

func writeUnits(m Media, list []int64, buf []byte) error {
	unit := m.EraseSize()
	written := 0

	for i, off := range list {
		start := int64(i) * unit
		end := start + unit

		if end > int64(len(buf)) {
			end = int64(len(buf))
		}

		if err := m.Erase(off, unit); err != nil {
			return fault.Wrap("env erase", fault.ErrIO, fmt.Errorf("unit %#x, %v", off, err))
		}

		n, err := m.Write(off, buf[start:end])

		if err != nil {
			return fault.Wrap("env write", fault.ErrIO, fmt.Errorf("unit %#x, %v", off, err))
		}

		if n != int(end-start) {
			return fault.New("env write", fault.ErrIO, "short write at unit %#x (%d != %d)", off, n, end-start)
		}

		written += n
	}

	if written != len(buf) {
		return fault.New("env write", fault.ErrIO, "short write (%d != %d)", written, len(buf))
	}

	return nil
}

func eraseRange(m Media, off int64, length int64) error {
	unit := m.EraseSize()

	for end := off + length; off < end && off < m.Size(); off += unit {
		bad, err := m.IsBad(off)

		if err != nil {
			return fault.Wrap("env bad unit check", fault.ErrIO, err)
		}

		if bad {
			continue
		}

		if err = m.Erase(off, unit); err != nil {
			return fault.Wrap("env erase", fault.ErrIO, err)
		}
	}

	return nil
}
