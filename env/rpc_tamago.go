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

package env

import (
	"runtime"

	"github.com/usbarmory/GoTEE/syscall"
	"k8s.io/klog/v2"

	"github.com/usbarmory/trustfence/api/rpc"
)

// MaxTransferBytes is the largest transfer attempted in a single supervisor
// call, larger requests are chunked.
var MaxTransferBytes = 32 * 1024

// RPCDevice implements BlockDevice, from the normal world, on the internal
// eMMC owned by the trusted OS.
type RPCDevice struct {
	BlockLen  uint
	NumBlocks uint
}

// BlockSize implements BlockDevice.
func (d *RPCDevice) BlockSize() uint {
	return d.BlockLen
}

// Blocks implements BlockDevice.
func (d *RPCDevice) Blocks() uint {
	return d.NumBlocks
}

// WriteBlocks implements BlockDevice.
func (d *RPCDevice) WriteBlocks(lba uint, b []byte) (uint, error) {
	if len(b) == 0 {
		return 0, nil
	}

	bs := int(d.BlockSize())

	if r := len(b) % bs; r != 0 {
		b = append(b, make([]byte, bs-r)...)
	}

	numBlocks := uint(len(b) / bs)

	for len(b) > 0 {
		bl := len(b)

		if bl > MaxTransferBytes {
			bl = MaxTransferBytes
		}

		xfer := rpc.WriteBlocks{
			LBA:  int(lba),
			Data: b[:bl],
		}

		// long running operation, yield to the scheduler
		runtime.Gosched()

		if err := syscall.Call("RPC.WriteBlocks", &xfer, nil); err != nil {
			klog.Errorf("syscall.Write(%d, ...) = %v", xfer.LBA, err)
			return 0, err
		}

		b = b[bl:]
		lba += uint(bl / bs)
	}

	return numBlocks, nil
}

// ReadBlocks implements BlockDevice.
func (d *RPCDevice) ReadBlocks(lba uint, b []byte) error {
	bs := int(d.BlockSize())

	for len(b) > 0 {
		bl := len(b)

		if bl > MaxTransferBytes {
			bl = MaxTransferBytes
		}

		xfer := rpc.Read{
			Offset: int64(lba) * int64(bs),
			Size:   int64(bl),
		}

		runtime.Gosched()

		var buf []byte

		if err := syscall.Call("RPC.Read", xfer, &buf); err != nil {
			klog.Errorf("syscall.Read(%d, %d) = %v", xfer.Offset, xfer.Size, err)
			return err
		}

		copy(b, buf)
		b = b[bl:]
		lba += uint(bl / bs)
	}

	return nil
}
