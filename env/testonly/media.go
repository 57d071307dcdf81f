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

// Package testonly provides in-memory storage media for environment tests.
package testonly

import (
	"fmt"
	"testing"
)

// NAND emulates NAND flash: erased units read as 0xff, writes can only clear
// bits and bad units reject any access.
type NAND struct {
	Unit    int64
	Storage []byte
	// Bad holds bad unit indexes.
	Bad map[int64]bool

	// FailWrite, when set, is called before each write and its error
	// returned.
	FailWrite func(off int64) error
	// ShortWrite, when set, returns the number of bytes to actually write
	// at the given offset.
	ShortWrite func(off int64, n int) int
	// OnWrite is called after each write with the written offset.
	OnWrite func(off int64)
}

// NewNAND returns an erased NAND with the given geometry and bad units.
func NewNAND(t *testing.T, unit int64, units int64, bad ...int64) *NAND {
	t.Helper()

	n := &NAND{
		Unit:    unit,
		Storage: make([]byte, unit*units),
		Bad:     make(map[int64]bool),
	}

	for i := range n.Storage {
		n.Storage[i] = 0xff
	}

	for _, b := range bad {
		n.Bad[b] = true
	}

	return n
}

func (n *NAND) check(off int64, l int) error {
	if off < 0 || off+int64(l) > int64(len(n.Storage)) {
		return fmt.Errorf("access %#x+%#x beyond device end %#x", off, l, len(n.Storage))
	}

	if n.Bad[off/n.Unit] {
		return fmt.Errorf("access to bad unit %d", off/n.Unit)
	}

	return nil
}

// EraseSize implements env.Media.
func (n *NAND) EraseSize() int64 {
	return n.Unit
}

// Size implements env.Media.
func (n *NAND) Size() int64 {
	return int64(len(n.Storage))
}

// IsBad implements env.Media.
func (n *NAND) IsBad(off int64) (bool, error) {
	if off < 0 || off >= int64(len(n.Storage)) {
		return false, fmt.Errorf("offset %#x beyond device end", off)
	}

	return n.Bad[off/n.Unit], nil
}

// Read implements env.Media.
func (n *NAND) Read(off int64, buf []byte) error {
	if err := n.check(off, len(buf)); err != nil {
		return err
	}

	copy(buf, n.Storage[off:])

	return nil
}

// Write implements env.Media.
func (n *NAND) Write(off int64, buf []byte) (int, error) {
	if err := n.check(off, len(buf)); err != nil {
		return 0, err
	}

	if off/n.Unit != (off+int64(len(buf))-1)/n.Unit {
		return 0, fmt.Errorf("write %#x+%#x crosses unit boundary", off, len(buf))
	}

	if n.FailWrite != nil {
		if err := n.FailWrite(off); err != nil {
			return 0, err
		}
	}

	l := len(buf)

	if n.ShortWrite != nil {
		l = n.ShortWrite(off, l)
	}

	for i := 0; i < l; i++ {
		n.Storage[off+int64(i)] &= buf[i]
	}

	if n.OnWrite != nil {
		n.OnWrite(off)
	}

	return l, nil
}

// Erase implements env.Media.
func (n *NAND) Erase(off int64, length int64) error {
	if off%n.Unit != 0 || length%n.Unit != 0 {
		return fmt.Errorf("unaligned erase %#x+%#x", off, length)
	}

	if err := n.check(off, int(length)); err != nil {
		return err
	}

	for i := off; i < off+length; i++ {
		n.Storage[i] = 0xff
	}

	return nil
}

// UnitData returns a copy of the content of an erase unit.
func (n *NAND) UnitData(i int64) []byte {
	return append([]byte{}, n.Storage[i*n.Unit:(i+1)*n.Unit]...)
}

// MemDev is an in-memory block device.
type MemDev struct {
	BlockLen uint
	Storage  []byte

	// Part is the selected hardware partition.
	Part int
	// Switches counts partition switches.
	Switches int
	// FailPart, when set, makes accesses fail while the given partition
	// is selected.
	FailPart *int
}

// NewMemDev returns a zeroed block device.
func NewMemDev(t *testing.T, blockLen uint, blocks uint) *MemDev {
	t.Helper()
	return &MemDev{BlockLen: blockLen, Storage: make([]byte, blockLen*blocks)}
}

// BlockSize implements env.BlockDevice.
func (md *MemDev) BlockSize() uint {
	return md.BlockLen
}

// Blocks implements env.BlockDevice.
func (md *MemDev) Blocks() uint {
	return uint(len(md.Storage)) / md.BlockLen
}

func (md *MemDev) access(lba uint, b []byte) error {
	if md.FailPart != nil && *md.FailPart == md.Part {
		return fmt.Errorf("partition %d access failure", md.Part)
	}

	if len(b)%int(md.BlockLen) != 0 {
		return fmt.Errorf("unaligned transfer of %d bytes", len(b))
	}

	if end := lba*md.BlockLen + uint(len(b)); end > uint(len(md.Storage)) {
		return fmt.Errorf("lba (%d) beyond device end", lba)
	}

	return nil
}

// ReadBlocks implements env.BlockDevice.
func (md *MemDev) ReadBlocks(lba uint, b []byte) error {
	if err := md.access(lba, b); err != nil {
		return err
	}

	copy(b, md.Storage[lba*md.BlockLen:])

	return nil
}

// WriteBlocks implements env.BlockDevice.
func (md *MemDev) WriteBlocks(lba uint, b []byte) (uint, error) {
	if err := md.access(lba, b); err != nil {
		return 0, err
	}

	copy(md.Storage[lba*md.BlockLen:], b)

	return uint(len(b)) / md.BlockLen, nil
}

// Partition implements env.PartitionSwitcher.
func (md *MemDev) Partition() (int, error) {
	return md.Part, nil
}

// SwitchPartition implements env.PartitionSwitcher.
func (md *MemDev) SwitchPartition(part int) error {
	md.Part = part
	md.Switches++
	return nil
}
