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

// Package testonly provides an in-memory eMMC RPMB partition emulation.
package testonly

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/usbarmory/trustfence/rpmb"
)

// Card emulates the RPMB partition of an eMMC card.
type Card struct {
	sync.Mutex

	// Sectors is the partition size in 256 byte sectors.
	Sectors int
	// FailWrite, when set, causes WriteRPMB to fail.
	FailWrite error

	key     []byte
	counter uint32
	data    map[uint16][rpmb.SectorSize]byte
	res     *rpmb.DataFrame
	last    *rpmb.DataFrame
}

// NewCard returns an emulated RPMB partition with the given number of
// sectors.
func NewCard(sectors int) *Card {
	return &Card{
		Sectors: sectors,
		data:    make(map[uint16][rpmb.SectorSize]byte),
	}
}

// Counter returns the partition write counter.
func (c *Card) Counter() uint32 {
	c.Lock()
	defer c.Unlock()

	return c.counter
}

// Programmed returns whether the authentication key has been programmed.
func (c *Card) Programmed() bool {
	c.Lock()
	defer c.Unlock()

	return c.key != nil
}

func (c *Card) result(req *rpmb.DataFrame, result uint16) *rpmb.DataFrame {
	res := &rpmb.DataFrame{
		Resp:    req.Req,
		Nonce:   req.Nonce,
		Address: req.Address,
	}

	binary.BigEndian.PutUint32(res.WriteCounter[:], c.counter)
	binary.BigEndian.PutUint16(res.Result[:], result)

	return res
}

func (c *Card) sign(res *rpmb.DataFrame) *rpmb.DataFrame {
	if c.key != nil {
		copy(res.KeyMAC[:], rpmb.MAC(c.key, res.Bytes()))
	}

	return res
}

// WriteRPMB implements rpmb.Card.
func (c *Card) WriteRPMB(buf []byte, rel bool) (err error) {
	c.Lock()
	defer c.Unlock()

	if c.FailWrite != nil {
		return c.FailWrite
	}

	req, err := rpmb.ParseFrame(buf)

	if err != nil {
		return
	}

	addr := binary.BigEndian.Uint16(req.Address[:])

	switch req.Req {
	case rpmb.AuthenticationKeyProgramming:
		if c.key != nil {
			c.last = c.result(req, rpmb.GeneralFailure)
			break
		}

		c.key = append([]byte{}, req.KeyMAC[:]...)
		c.last = c.result(req, rpmb.OperationOK)
	case rpmb.WriteCounterRead:
		if c.key == nil {
			c.res = c.result(req, rpmb.AuthenticationKeyNotYetProgrammed)
			break
		}

		c.res = c.sign(c.result(req, rpmb.OperationOK))
	case rpmb.AuthenticatedDataWrite:
		switch {
		case c.key == nil:
			c.last = c.result(req, rpmb.AuthenticationKeyNotYetProgrammed)
		case string(req.KeyMAC[:]) != string(rpmb.MAC(c.key, buf)):
			c.last = c.sign(c.result(req, rpmb.AuthenticationFailure))
		case req.Counter() != c.counter:
			c.last = c.sign(c.result(req, rpmb.CounterFailure))
		case int(addr) >= c.Sectors:
			c.last = c.sign(c.result(req, rpmb.AddressFailure))
		default:
			if c.data == nil {
				c.data = make(map[uint16][rpmb.SectorSize]byte)
			}

			c.data[addr] = req.Data
			c.counter++
			c.last = c.sign(c.result(req, rpmb.OperationOK))
		}
	case rpmb.AuthenticatedDataRead:
		res := c.result(req, rpmb.OperationOK)

		switch {
		case c.key == nil:
			binary.BigEndian.PutUint16(res.Result[:], rpmb.AuthenticationKeyNotYetProgrammed)
		case int(addr) >= c.Sectors:
			binary.BigEndian.PutUint16(res.Result[:], rpmb.AddressFailure)
		default:
			res.Data = c.data[addr]
		}

		c.res = c.sign(res)
	case rpmb.ResultRead:
		if c.last == nil {
			return errors.New("no pending result")
		}

		c.res, c.last = c.last, nil
	default:
		return errors.New("unsupported request")
	}

	return
}

// ReadRPMB implements rpmb.Card.
func (c *Card) ReadRPMB(buf []byte) error {
	c.Lock()
	defer c.Unlock()

	if c.res == nil {
		return errors.New("no pending response")
	}

	copy(buf, c.res.Bytes())
	c.res = nil

	return nil
}
