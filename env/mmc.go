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
	"k8s.io/klog/v2"

	"github.com/usbarmory/trustfence/fault"
)

// BlockDevice represents a block addressed storage device.
type BlockDevice interface {
	// BlockSize returns the size in bytes of each block in the device.
	BlockSize() uint
	// Blocks returns the number of blocks in the device.
	Blocks() uint
	// ReadBlocks reads len(b) bytes into b from contiguous storage blocks
	// starting at the given block address.
	ReadBlocks(lba uint, b []byte) error
	// WriteBlocks writes len(b) bytes from b to contiguous storage blocks
	// starting at the given block address, returning the number of
	// blocks written.
	WriteBlocks(lba uint, b []byte) (uint, error)
}

// PartitionSwitcher represents an eMMC with selectable hardware partitions
// (user, boot0, boot1).
type PartitionSwitcher interface {
	Partition() (int, error)
	SwitchPartition(part int) error
}

// MMCMedia implements Media on an eMMC hardware partition. Erase units are
// emulated with groups of blocks.
type MMCMedia struct {
	Dev BlockDevice
	// Switch selects hardware partitions, nil when not supported.
	Switch PartitionSwitcher
	// Part is the hardware partition holding the environment.
	Part int
	// Unit is the emulated erase unit size, a multiple of the block
	// size. It defaults to the block size.
	Unit int64
}

// EraseSize implements Media.
func (m *MMCMedia) EraseSize() int64 {
	if m.Unit > 0 {
		return m.Unit
	}

	return int64(m.Dev.BlockSize())
}

// Size implements Media.
func (m *MMCMedia) Size() int64 {
	return int64(m.Dev.Blocks()) * int64(m.Dev.BlockSize())
}

// IsBad implements Media, MMC units are never bad.
func (m *MMCMedia) IsBad(off int64) (bool, error) {
	return false, nil
}

// with runs fn on the environment hardware partition, the previously
// selected partition is restored on every exit path.
func (m *MMCMedia) with(op string, fn func() error) (err error) {
	if m.Switch == nil {
		return fn()
	}

	prev, err := m.Switch.Partition()

	if err != nil {
		return fault.Wrap(op, fault.ErrIO, err)
	}

	if prev != m.Part {
		if err = m.Switch.SwitchPartition(m.Part); err != nil {
			return fault.Wrap(op, fault.ErrIO, err)
		}

		defer func() {
			if e := m.Switch.SwitchPartition(prev); e != nil {
				klog.Errorf("env: could not restore MMC partition %d, %v", prev, e)

				if err == nil {
					err = fault.Wrap(op, fault.ErrIO, e)
				}
			}
		}()
	}

	return fn()
}

func (m *MMCMedia) lba(op string, off int64, n int) (uint, error) {
	bs := int64(m.Dev.BlockSize())

	if off < 0 || off%bs != 0 || off+int64(n) > m.Size() {
		return 0, fault.New(op, fault.ErrInvalidArgument, "invalid range %#x+%#x", off, n)
	}

	return uint(off / bs), nil
}

// Read implements Media.
func (m *MMCMedia) Read(off int64, buf []byte) error {
	lba, err := m.lba("mmc read", off, len(buf))

	if err != nil {
		return err
	}

	return m.with("mmc read", func() error {
		bs := int(m.Dev.BlockSize())

		// round up to whole blocks
		tmp := make([]byte, (len(buf)+bs-1)/bs*bs)

		if err := m.Dev.ReadBlocks(lba, tmp); err != nil {
			return err
		}

		copy(buf, tmp)

		return nil
	})
}

// Write implements Media.
func (m *MMCMedia) Write(off int64, buf []byte) (n int, err error) {
	lba, err := m.lba("mmc write", off, len(buf))

	if err != nil {
		return
	}

	err = m.with("mmc write", func() error {
		bs := int(m.Dev.BlockSize())

		tmp := make([]byte, (len(buf)+bs-1)/bs*bs)
		copy(tmp, buf)

		blocks, err := m.Dev.WriteBlocks(lba, tmp)

		if n = int(blocks) * bs; n > len(buf) {
			n = len(buf)
		}

		return err
	})

	return
}

// Erase implements Media, erased units read as zeroes.
func (m *MMCMedia) Erase(off int64, length int64) error {
	lba, err := m.lba("mmc erase", off, int(length))

	if err != nil {
		return err
	}

	return m.with("mmc erase", func() error {
		_, err := m.Dev.WriteBlocks(lba, make([]byte, length))
		return err
	})
}
