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
	"io"
	"os"

	"github.com/usbarmory/trustfence/fault"
)

// FileMedia implements Media on an image file, modelling flash storage:
// erased units read as 0xff and bad units can be declared.
type FileMedia struct {
	f    *os.File
	size int64
	unit int64
	bad  map[int64]bool
}

// OpenFile opens, or creates with the given size, a media image file. The
// bad argument lists bad erase unit indexes.
func OpenFile(path string, size int64, unit int64, bad []int64) (m *FileMedia, err error) {
	if unit <= 0 || size <= 0 || size%unit != 0 {
		return nil, fmt.Errorf("invalid media geometry (size %#x, unit %#x)", size, unit)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)

	if err != nil {
		return
	}

	m = &FileMedia{
		f:    f,
		size: size,
		unit: unit,
		bad:  make(map[int64]bool),
	}

	for _, i := range bad {
		m.bad[i*unit] = true
	}

	fi, err := f.Stat()

	if err != nil {
		f.Close()
		return nil, err
	}

	// fresh images start fully erased
	if fi.Size() == 0 {
		if err = m.Erase(0, size); err != nil {
			f.Close()
			return nil, err
		}
	}

	return
}

// Close closes the image file.
func (m *FileMedia) Close() error {
	return m.f.Close()
}

// EraseSize implements Media.
func (m *FileMedia) EraseSize() int64 {
	return m.unit
}

// Size implements Media.
func (m *FileMedia) Size() int64 {
	return m.size
}

// IsBad implements Media.
func (m *FileMedia) IsBad(off int64) (bool, error) {
	return m.bad[off-off%m.unit], nil
}

func (m *FileMedia) check(op string, off int64, n int64) error {
	if off < 0 || off+n > m.size {
		return fault.New(op, fault.ErrInvalidArgument, "invalid range %#x+%#x", off, n)
	}

	if m.bad[off-off%m.unit] {
		return fault.New(op, fault.ErrIO, "bad unit at %#x", off)
	}

	return nil
}

// Read implements Media.
func (m *FileMedia) Read(off int64, buf []byte) (err error) {
	if err = m.check("file read", off, int64(len(buf))); err != nil {
		return
	}

	if _, err = m.f.ReadAt(buf, off); err != nil && err != io.EOF {
		return fault.Wrap("file read", fault.ErrIO, err)
	}

	return nil
}

// Write implements Media.
func (m *FileMedia) Write(off int64, buf []byte) (n int, err error) {
	if err = m.check("file write", off, int64(len(buf))); err != nil {
		return
	}

	if n, err = m.f.WriteAt(buf, off); err != nil {
		return n, fault.Wrap("file write", fault.ErrIO, err)
	}

	return
}

// Erase implements Media.
func (m *FileMedia) Erase(off int64, length int64) (err error) {
	if off < 0 || off+length > m.size {
		return fault.New("file erase", fault.ErrInvalidArgument, "invalid range %#x+%#x", off, length)
	}

	erased := make([]byte, m.unit)

	for i := range erased {
		erased[i] = 0xff
	}

	for end := off + length; off < end; off += m.unit {
		if m.bad[off] {
			continue
		}

		if _, err = m.f.WriteAt(erased, off); err != nil {
			return fault.Wrap("file erase", fault.ErrIO, err)
		}
	}

	return
}
