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

// Package ahab implements a bounds-checked parser for NXP Advanced High
// Assurance Boot (AHAB) container images.
//
// Every structure is validated (version and tag) before any of its offset
// fields is used, and every offset is checked against the parsed buffer
// length before being dereferenced.
package ahab

import (
	"encoding/binary"

	"github.com/usbarmory/trustfence/fault"
)

// Container header layout.
const (
	Version = 0x00
	// ContainerTag identifies an OS container header.
	ContainerTag = 0x87
	// HeaderSize is the container header size.
	HeaderSize = 16
	// ImageSize is the size of each image array entry.
	ImageSize = 128
	// SecondContainerOffset is the offset of the second container, when
	// present, from the first one.
	SecondContainerOffset = 0x400

	lengthOffset      = 1
	tagOffset         = 3
	flagsOffset       = 4
	swVersionOffset   = 8
	fuseVersionOffset = 10
	numImagesOffset   = 11
	sigBlockOffset    = 12
)

// Image entry layout.
const (
	imageOffsetOffset = 0
	imageSizeOffset   = 4
	imageLoadOffset   = 8
	imageEntryOffset  = 16
	imageFlagsOffset  = 24
	imageHashOffset   = 32
	imageHashSize     = 64
)

// Signature block layout.
const (
	// SignatureBlockTag identifies a signature block.
	SignatureBlockTag = 0x90
	// SignatureBlockSize is the signature block header size.
	SignatureBlockSize = 16

	certOffset      = 4
	srkTableOffset  = 6
	signatureOffset = 8
	blobOffset      = 10
	keyIDOffset     = 12
)

// Key blob layout.
const (
	// KeyBlobTag identifies an encrypted key (DEK) blob.
	KeyBlobTag = 0x81
	// KeyBlobHeaderSize is the key blob header size.
	KeyBlobHeaderSize = 8

	keyBlobFlagsOffset = 4
	keyBlobSizeOffset  = 5
	keyBlobAlgOffset   = 6
	keyBlobModeOffset  = 7
)

// Image represents a container image array entry.
type Image struct {
	// Offset is the image offset from the container start.
	Offset      uint32
	Size        uint32
	LoadAddress uint64
	Entry       uint64
	Flags       uint32
	Hash        [imageHashSize]byte
}

// Container represents a parsed container header.
type Container struct {
	Length         uint16
	Flags          uint32
	SWVersion      uint16
	FuseVersion    uint8
	SigBlockOffset uint16
	Images         []Image
}

// SignatureBlock represents a parsed signature block header.
type SignatureBlock struct {
	Length          uint16
	CertOffset      uint16
	SRKTableOffset  uint16
	SignatureOffset uint16
	BlobOffset      uint16
	KeyID           uint32
}

// KeyBlob represents a parsed key blob header.
type KeyBlob struct {
	Length    uint16
	Flags     uint8
	Size      uint8
	Algorithm uint8
	Mode      uint8
}

func checkHeader(op string, buf []byte, tag byte) error {
	if len(buf) > 0 && buf[0] != Version {
		return fault.New(op, fault.ErrIntegrity, "invalid version %#x", buf[0])
	}

	if len(buf) <= tagOffset {
		return fault.New(op, fault.ErrInvalidArgument, "short header (%d bytes)", len(buf))
	}

	if buf[tagOffset] != tag {
		return fault.New(op, fault.ErrIntegrity, "invalid tag %#x, expected %#x", buf[tagOffset], tag)
	}

	return nil
}

func u16(buf []byte, off int) uint16 {
	return binary.LittleEndian.Uint16(buf[off:])
}

func u32(buf []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(buf[off:])
}

func u64(buf []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(buf[off:])
}

// ParseContainer parses the container header, and its image array, at the
// start of buf.
func ParseContainer(buf []byte) (c *Container, err error) {
	if err = checkHeader("container", buf, ContainerTag); err != nil {
		return
	}

	if len(buf) < HeaderSize {
		return nil, fault.New("container", fault.ErrInvalidArgument, "short header (%d bytes)", len(buf))
	}

	c = &Container{
		Length:         u16(buf, lengthOffset),
		Flags:          u32(buf, flagsOffset),
		SWVersion:      u16(buf, swVersionOffset),
		FuseVersion:    buf[fuseVersionOffset],
		SigBlockOffset: u16(buf, sigBlockOffset),
	}

	n := int(buf[numImagesOffset])
	end := HeaderSize + n*ImageSize

	if end > len(buf) {
		return nil, fault.New("container", fault.ErrInvalidArgument, "image array exceeds header buffer (%d > %d)", end, len(buf))
	}

	for i := 0; i < n; i++ {
		entry := buf[HeaderSize+i*ImageSize:]

		img := Image{
			Offset:      u32(entry, imageOffsetOffset),
			Size:        u32(entry, imageSizeOffset),
			LoadAddress: u64(entry, imageLoadOffset),
			Entry:       u64(entry, imageEntryOffset),
			Flags:       u32(entry, imageFlagsOffset),
		}

		copy(img.Hash[:], entry[imageHashOffset:imageHashOffset+imageHashSize])
		c.Images = append(c.Images, img)
	}

	return
}

// ParseSignatureBlock parses the signature block header at the start of buf.
func ParseSignatureBlock(buf []byte) (sb *SignatureBlock, err error) {
	if err = checkHeader("signature block", buf, SignatureBlockTag); err != nil {
		return
	}

	if len(buf) < SignatureBlockSize {
		return nil, fault.New("signature block", fault.ErrInvalidArgument, "short header (%d bytes)", len(buf))
	}

	return &SignatureBlock{
		Length:          u16(buf, lengthOffset),
		CertOffset:      u16(buf, certOffset),
		SRKTableOffset:  u16(buf, srkTableOffset),
		SignatureOffset: u16(buf, signatureOffset),
		BlobOffset:      u16(buf, blobOffset),
		KeyID:           u32(buf, keyIDOffset),
	}, nil
}

// ParseKeyBlob parses the key blob header at the start of buf.
func ParseKeyBlob(buf []byte) (kb *KeyBlob, err error) {
	if err = checkHeader("key blob", buf, KeyBlobTag); err != nil {
		return
	}

	if len(buf) < KeyBlobHeaderSize {
		return nil, fault.New("key blob", fault.ErrInvalidArgument, "short header (%d bytes)", len(buf))
	}

	kb = &KeyBlob{
		Length:    u16(buf, lengthOffset),
		Flags:     buf[keyBlobFlagsOffset],
		Size:      buf[keyBlobSizeOffset],
		Algorithm: buf[keyBlobAlgOffset],
		Mode:      buf[keyBlobModeOffset],
	}

	if int(kb.Length) < KeyBlobHeaderSize || int(kb.Length) > len(buf) {
		return nil, fault.New("key blob", fault.ErrInvalidArgument, "invalid length %d", kb.Length)
	}

	return
}

// DEKBlobOffset returns the offset, from the container start, and the size
// of the area reserved to the encrypted key blob. The area content is not
// validated, as it might still need to be populated with the device blob.
//
// ErrNotFound is returned when the container carries no key blob.
func DEKBlobOffset(buf []byte) (off int, size int, err error) {
	c, err := ParseContainer(buf)

	if err != nil {
		return
	}

	if c.SigBlockOffset == 0 {
		return 0, 0, fault.New("dek blob", fault.ErrNotFound, "no signature block")
	}

	sbOff := int(c.SigBlockOffset)

	if sbOff < HeaderSize || sbOff+SignatureBlockSize > len(buf) {
		return 0, 0, fault.New("dek blob", fault.ErrInvalidArgument, "signature block offset %#x out of bounds", sbOff)
	}

	sb, err := ParseSignatureBlock(buf[sbOff:])

	if err != nil {
		return
	}

	if sb.BlobOffset == 0 {
		return 0, 0, fault.New("dek blob", fault.ErrNotFound, "no key blob")
	}

	sbEnd := sbOff + int(sb.Length)

	if int(sb.BlobOffset) < SignatureBlockSize || int(sb.BlobOffset)+KeyBlobHeaderSize > int(sb.Length) || sbEnd > len(buf) {
		return 0, 0, fault.New("dek blob", fault.ErrInvalidArgument, "key blob offset %#x out of bounds", sb.BlobOffset)
	}

	off = sbOff + int(sb.BlobOffset)
	size = sbEnd - off

	return
}

// Locate finds the OS container in an image: the second container, at
// SecondContainerOffset, when present, the first one otherwise. The returned
// base is the container offset within buf.
func Locate(buf []byte) (base int, c *Container, err error) {
	first, err := ParseContainer(buf)

	if err != nil {
		return
	}

	if len(buf) > SecondContainerOffset {
		if second, err := ParseContainer(buf[SecondContainerOffset:]); err == nil {
			return SecondContainerOffset, second, nil
		}
	}

	return 0, first, nil
}

// PayloadOffset returns the offset, from the container start, of the first
// image payload.
func (c *Container) PayloadOffset() (uint32, error) {
	if len(c.Images) == 0 {
		return 0, fault.New("container", fault.ErrInvalidArgument, "no images")
	}

	hdr := HeaderSize + len(c.Images)*ImageSize

	if int(c.Images[0].Offset) < hdr {
		return 0, fault.New("container", fault.ErrInvalidArgument, "image offset %#x overlaps headers", c.Images[0].Offset)
	}

	return c.Images[0].Offset, nil
}
