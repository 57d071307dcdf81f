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

// Package rpmb implements Replay Protected Memory Block (RPMB) configuration
// and control on eMMCs.
//
// The card is reached through the Card interface, satisfied by the TamaGo NXP
// uSDHC driver on hardware and by rpmb/testonly.Card in tests.
//
// The API supports mitigations for CVE-2020-13799 as described in the whitepaper linked at:
//
//	https://www.westerndigital.com/support/productsecurity/wdc-20008-replay-attack-vulnerabilities-rpmb-protocol-applications
package rpmb

import (
	"errors"
	"fmt"
	"sync"
)

const (
	// KeyLength is the RPMB authentication key size.
	KeyLength = 32
	// SectorSize is the RPMB data transfer unit.
	SectorSize = FrameLength / 2
)

// Card represents an eMMC card exposing its RPMB partition.
type Card interface {
	// WriteRPMB transfers a request frame, rel selects a reliable write.
	WriteRPMB(buf []byte, rel bool) error
	// ReadRPMB transfers a response frame.
	ReadRPMB(buf []byte) error
}

// RPMB defines a Replay Protected Memory Block partition access instance.
type RPMB struct {
	sync.Mutex

	card Card
	key  [KeyLength]byte
	init bool
}

// Init returns a new RPMB instance for a specific MMC card and MAC key. The
// dummyBlock argument is an unused sector, required for CVE-2020-13799
// mitigation to invalidate uncommitted writes.
func Init(card Card, key []byte, dummyBlock uint16, writeDummy bool) (p *RPMB, err error) {
	if card == nil {
		return nil, fmt.Errorf("no MMC card set")
	}

	if len(key) != KeyLength {
		return nil, errors.New("invalid MAC key size")
	}

	p = &RPMB{
		card: card,
		init: true,
	}

	copy(p.key[:], key)

	// invalidate uncommitted writes (CVE-2020-13799) if the RPMB has previously been programmed
	if writeDummy {
		if err = p.Write(dummyBlock, nil); err != nil {
			return nil, err
		}
	}

	return
}

// ProgramKey programs the RPMB partition authentication key.
//
// *WARNING*: this is a one-time irreversible operation for the specific MMC
// card associated to the RPMB partition instance.
func (p *RPMB) ProgramKey() (err error) {
	cfg := &Config{
		ResultRead: true,
	}

	req := &DataFrame{
		KeyMAC: p.key,
		Req:    AuthenticationKeyProgramming,
	}

	_, err = p.op(req, cfg)

	return
}

// Counter returns the RPMB partition write counter, the argument boolean
// indicates whether the read operation should be authenticated.
func (p *RPMB) Counter(auth bool) (n uint32, err error) {
	cfg := &Config{
		RandomNonce: auth,
		ResponseMAC: auth,
	}

	req := &DataFrame{
		Req: WriteCounterRead,
	}

	res, err := p.op(req, cfg)

	if err != nil {
		return
	}

	return res.Counter(), nil
}

// Write performs an authenticated data transfer to the card RPMB partition,
// the input buffer can contain up to 256 bytes of data.
//
// The write operation mitigates CVE-2020-13799 by verifying that the response
// counter is equal to a single increment of the request counter, otherwise an
// error is returned.
func (p *RPMB) Write(sector uint16, buf []byte) (err error) {
	return p.transfer(AuthenticatedDataWrite, sector, buf)
}

// Read performs an authenticated data transfer from the card RPMB partition,
// the input buffer can contain up to 256 bytes of data.
func (p *RPMB) Read(sector uint16, buf []byte) (err error) {
	return p.transfer(AuthenticatedDataRead, sector, buf)
}

// WriteSectors writes buf across consecutive sectors starting at the given
// one, one authenticated transfer per sector.
func (p *RPMB) WriteSectors(sector uint16, buf []byte) (err error) {
	for off := 0; off < len(buf); off += SectorSize {
		end := off + SectorSize

		if end > len(buf) {
			end = len(buf)
		}

		if err = p.Write(sector, buf[off:end]); err != nil {
			return fmt.Errorf("could not write sector %d (%v)", sector, err)
		}

		sector++
	}

	return
}

// ReadSectors fills buf from consecutive sectors starting at the given one.
func (p *RPMB) ReadSectors(sector uint16, buf []byte) (err error) {
	for off := 0; off < len(buf); off += SectorSize {
		end := off + SectorSize

		if end > len(buf) {
			end = len(buf)
		}

		if err = p.Read(sector, buf[off:end]); err != nil {
			return fmt.Errorf("could not read sector %d (%v)", sector, err)
		}

		sector++
	}

	return
}
