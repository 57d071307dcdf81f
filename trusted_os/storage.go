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

package main

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/usbarmory/tamago/soc/nxp/usdhc"

	"github.com/usbarmory/armory-boot/config"
)

const (
	expectedBlockSize = 512
	appletConfBlock   = 0x200000
	appletBlock       = appletConfBlock + 1
	appletMaxSize     = 0x1e00000

	appletMagic = "TFAP"
)

// appletHeader describes the applet stored on the internal eMMC.
type appletHeader struct {
	Magic   [4]byte
	ELFSize uint32
	SigSize uint32
}

// readApplet reads the applet and its signature from the internal eMMC, the
// signature directly follows the applet ELF.
func readApplet(card Card) (elf []byte, sig []byte, err error) {
	if bs := card.Info().BlockSize; bs != expectedBlockSize {
		return nil, nil, fmt.Errorf("unexpected MMC block size %d", bs)
	}

	buf, err := card.Read(appletConfBlock*expectedBlockSize, expectedBlockSize)

	if err != nil {
		return
	}

	hdr := &appletHeader{}

	if err = binary.Read(bytes.NewReader(buf), binary.LittleEndian, hdr); err != nil {
		return
	}

	if string(hdr.Magic[:]) != appletMagic {
		return nil, nil, fmt.Errorf("invalid applet header magic %x", hdr.Magic)
	}

	size := int64(hdr.ELFSize) + int64(hdr.SigSize)

	if hdr.ELFSize == 0 || size > appletMaxSize {
		return nil, nil, fmt.Errorf("invalid applet size %d", size)
	}

	if buf, err = card.Read(appletBlock*expectedBlockSize, size); err != nil {
		return nil, nil, fmt.Errorf("could not read applet, %v", err)
	}

	return buf[:hdr.ELFSize], buf[hdr.ELFSize:], nil
}

// signatureVerifier implements secboot.Verifier with armory-boot signature
// verification.
type signatureVerifier struct {
	Sig       []byte
	PublicKey string
}

func (v *signatureVerifier) Verify(_ uint64, img []byte) error {
	return config.Verify(img, v.Sig, v.PublicKey)
}

// cardDevice implements env.BlockDevice on the internal eMMC.
type cardDevice struct {
	card *usdhc.USDHC
}

func (d *cardDevice) BlockSize() uint {
	return uint(d.card.Info().BlockSize)
}

func (d *cardDevice) Blocks() uint {
	return uint(d.card.Info().Blocks)
}

func (d *cardDevice) ReadBlocks(lba uint, b []byte) error {
	return d.card.ReadBlocks(int(lba), b)
}

func (d *cardDevice) WriteBlocks(lba uint, b []byte) (uint, error) {
	if err := d.card.WriteBlocks(int(lba), b); err != nil {
		return 0, err
	}

	return uint(len(b)) / d.BlockSize(), nil
}
