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
	"encoding/binary"
	"hash/crc32"

	"github.com/usbarmory/trustfence/fault"
)

const (
	// HeaderSize is the blob header size of single copy configurations.
	HeaderSize = 4
	// RedundHeaderSize is the blob header size of redundant configurations.
	RedundHeaderSize = 5
)

// Blob represents a decoded environment blob.
type Blob struct {
	CRC uint32
	// Flags is the copy generation, only present in redundant blobs.
	Flags uint8
	Data  []byte
}

func headerSize(redundant bool) int {
	if redundant {
		return RedundHeaderSize
	}

	return HeaderSize
}

// Encode returns the blob of the given payload.
func Encode(data []byte, flags uint8, redundant bool) []byte {
	n := headerSize(redundant)
	buf := make([]byte, n+len(data))

	binary.LittleEndian.PutUint32(buf, crc32.ChecksumIEEE(data))

	if redundant {
		buf[4] = flags
	}

	copy(buf[n:], data)

	return buf
}

// Decode splits a blob in its fields, the data is not copied.
func Decode(buf []byte, redundant bool) (*Blob, error) {
	n := headerSize(redundant)

	if len(buf) <= n {
		return nil, fault.New("env decode", fault.ErrInvalidArgument, "blob too short (%d bytes)", len(buf))
	}

	b := &Blob{
		CRC:  binary.LittleEndian.Uint32(buf),
		Data: buf[n:],
	}

	if redundant {
		b.Flags = buf[4]
	}

	return b, nil
}

// Valid returns whether the blob checksum matches its data.
func (b *Blob) Valid() bool {
	return crc32.ChecksumIEEE(b.Data) == b.CRC
}

// Newer returns whether generation flags a are more recent than b. Flags wrap
// around, 255 is older than 0, otherwise higher values are more recent.
func Newer(a uint8, b uint8) bool {
	switch {
	case a == 255 && b == 0:
		return false
	case a == 0 && b == 255:
		return true
	}

	return a > b
}
