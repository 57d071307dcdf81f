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

// Package fuse implements one-time-programmable (OTP) fuse access for the
// supported SoC families.
//
// Each fuse word, addressed by bank and word index, has three views: the
// physical OTP value (write-once, bits can only be set), the shadow value
// (a re-writable cached copy used at runtime) and a lock bit preventing any
// further programming.
//
// Family specific semantics are implemented by Backend instances (OCOTP, ELE,
// BSEC), physical access is delegated to a Hardware collaborator. Irreversible
// operations are gated by a Controller, which must be explicitly armed.
//
// *WARNING*: fuse programming and locking are one-time irreversible
// operations, any errors in the process can result in a bricked device.
package fuse

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/usbarmory/trustfence/fault"
)

// Reader represents read access to fuse shadow values.
type Reader interface {
	// Read returns the shadow value of a fuse word.
	Read(bank uint32, word uint32) (uint32, error)
}

// Backend represents the family specific fuse access contract.
type Backend interface {
	Reader

	// Sense returns the physical OTP value of a fuse word, bypassing
	// its shadow copy.
	Sense(bank uint32, word uint32) (uint32, error)
	// Prog programs the physical OTP value of a fuse word.
	Prog(bank uint32, word uint32, val uint32) error
	// Override writes the shadow copy of a fuse word only.
	Override(bank uint32, word uint32, val uint32) error
	// Lock sets the permanent lock bit of a fuse word.
	Lock(bank uint32, word uint32) error
	// LockStatus returns the lock bit of a fuse word.
	LockStatus(bank uint32, word uint32) (bool, error)
}

// Geometry describes the addressable fuse words of a bank organized store.
type Geometry struct {
	// Banks is the number of banks.
	Banks uint32
	// Words is the number of 32-bit words in each bank.
	Words uint32
}

// Validate checks that the geometry is usable.
func (g Geometry) Validate() error {
	if g.Banks == 0 || g.Words == 0 {
		return fmt.Errorf("invalid geometry: %d banks of %d words", g.Banks, g.Words)
	}

	return nil
}

func (g Geometry) check(op string, bank uint32, word uint32) error {
	switch {
	case bank >= g.Banks:
		return fault.New(op, fault.ErrInvalidArgument, "unsupported bank %d", bank)
	case word >= g.Words:
		return fault.New(op, fault.ErrInvalidArgument, "invalid word %d (bank %d has %d words)", word, bank, g.Words)
	}

	return nil
}

// Controller is the boot context owning a fuse backend and its programming
// gate. Programming and locking are refused until AllowProg(true) has been
// called, the gate can be set only once per Controller instance.
type Controller struct {
	backend Backend

	gateSet bool
	allowed bool
}

// NewController returns a disarmed controller for the given backend.
func NewController(b Backend) *Controller {
	return &Controller{
		backend: b,
	}
}

// AllowProg sets the programming gate, it can only be called once.
func (c *Controller) AllowProg(allow bool) error {
	if c.gateSet {
		return fault.New("fuse allow", fault.ErrPermission, "programming gate already set")
	}

	c.gateSet = true
	c.allowed = allow

	if allow {
		klog.Warning("fuse programming armed, fuse operations are irreversible")
	}

	return nil
}

// ProgAllowed returns whether the programming gate has been armed.
func (c *Controller) ProgAllowed() bool {
	return c.allowed
}

// Read returns the shadow value of a fuse word.
func (c *Controller) Read(bank uint32, word uint32) (uint32, error) {
	return c.backend.Read(bank, word)
}

// Sense returns the physical OTP value of a fuse word.
func (c *Controller) Sense(bank uint32, word uint32) (uint32, error) {
	return c.backend.Sense(bank, word)
}

// Prog permanently programs a fuse word.
func (c *Controller) Prog(bank uint32, word uint32, val uint32) error {
	if !c.allowed {
		return fault.New("fuse prog", fault.ErrPermission, "programming not allowed")
	}

	klog.Infof("fusing bank:%d word:%d val:%#08x (irreversible)", bank, word, val)

	return c.backend.Prog(bank, word, val)
}

// Override writes the shadow copy of a fuse word, leaving its physical value
// untouched.
func (c *Controller) Override(bank uint32, word uint32, val uint32) error {
	return c.backend.Override(bank, word, val)
}

// Lock permanently locks a fuse word.
func (c *Controller) Lock(bank uint32, word uint32) error {
	if !c.allowed {
		return fault.New("fuse lock", fault.ErrPermission, "programming not allowed")
	}

	klog.Infof("locking bank:%d word:%d (irreversible)", bank, word)

	return c.backend.Lock(bank, word)
}

// LockStatus returns the lock bit of a fuse word.
func (c *Controller) LockStatus(bank uint32, word uint32) (bool, error) {
	return c.backend.LockStatus(bank, word)
}

// ReadWords returns n consecutive shadow words starting at the given word.
func ReadWords(r Reader, bank uint32, word uint32, n int) (words []uint32, err error) {
	words = make([]uint32, n)

	for i := range words {
		if words[i], err = r.Read(bank, word+uint32(i)); err != nil {
			return nil, err
		}
	}

	return
}

// ProgVerify programs a named fuse word and verifies the programmed bits by
// reading them back. The read back uses Sense, falling back to Read on
// families where sensing is not permitted.
func (c *Controller) ProgVerify(name string, bank uint32, word uint32, val uint32) (err error) {
	klog.Infof("fusing %s bank:%d word:%d val:%#08x", name, bank, word, val)

	if err = c.Prog(bank, word, val); err != nil {
		return
	}

	res, err := c.Sense(bank, word)

	if errors.Is(err, fault.ErrPermission) {
		res, err = c.Read(bank, word)
	}

	if err != nil {
		return fmt.Errorf("readback error for %s, %w", name, err)
	}

	if res&val != val {
		return fault.New("fuse prog", fault.ErrIO, "readback error for %s, val:%#08x res:%#08x", name, val, res)
	}

	return
}
