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

package fuse

import (
	"sync"

	"github.com/usbarmory/trustfence/fault"
)

// Hardware represents raw, per word, access to a fuse controller. It is the
// collaborator through which backends reach the physical store and performs
// no policy checks beyond those enforced by the hardware itself.
type Hardware interface {
	// Shadow reads the shadow register of a fuse word.
	Shadow(bank uint32, word uint32) (uint32, error)
	// SetShadow writes the shadow register of a fuse word.
	SetShadow(bank uint32, word uint32, val uint32) error
	// Sense reads the physical value of a fuse word.
	Sense(bank uint32, word uint32) (uint32, error)
	// Program blows the set bits of val into a fuse word and reloads its
	// shadow register.
	Program(bank uint32, word uint32, val uint32) error
	// Lock sets the lock bit of a fuse word.
	Lock(bank uint32, word uint32) error
	// Locked reads the lock bit of a fuse word.
	Locked(bank uint32, word uint32) (bool, error)
}

// Array is an in-memory fuse store, modelling cumulative OR programming,
// shadow registers and per word lock bits.
//
// It is used for testing, for host side tooling and on emulated targets.
type Array struct {
	mu sync.Mutex

	geo Geometry

	// Rewritable, when set, lets Program replace the physical value
	// rather than OR it (e.g. PMIC NVM backed banks).
	Rewritable bool

	// Fault, when set, is invoked before each access, a non-nil return
	// value is reported as a transport failure.
	Fault func(op string, bank uint32, word uint32) error

	otp    []uint32
	shadow []uint32
	locked []bool
}

// NewArray returns a blank fuse store with the given geometry.
func NewArray(geo Geometry) *Array {
	n := geo.Banks * geo.Words

	return &Array{
		geo:    geo,
		otp:    make([]uint32, n),
		shadow: make([]uint32, n),
		locked: make([]bool, n),
	}
}

// Geometry returns the array geometry.
func (a *Array) Geometry() Geometry {
	return a.geo
}

func (a *Array) index(op string, bank uint32, word uint32) (int, error) {
	if err := a.geo.check(op, bank, word); err != nil {
		return 0, err
	}

	if a.Fault != nil {
		if err := a.Fault(op, bank, word); err != nil {
			return 0, fault.Wrap(op, fault.ErrIO, err)
		}
	}

	return int(bank*a.geo.Words + word), nil
}

// Shadow implements Hardware.
func (a *Array) Shadow(bank uint32, word uint32) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	i, err := a.index("shadow read", bank, word)

	if err != nil {
		return 0, err
	}

	return a.shadow[i], nil
}

// SetShadow implements Hardware.
func (a *Array) SetShadow(bank uint32, word uint32, val uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	i, err := a.index("shadow write", bank, word)

	if err != nil {
		return err
	}

	a.shadow[i] = val

	return nil
}

// Sense implements Hardware.
func (a *Array) Sense(bank uint32, word uint32) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	i, err := a.index("sense", bank, word)

	if err != nil {
		return 0, err
	}

	return a.otp[i], nil
}

// Program implements Hardware.
func (a *Array) Program(bank uint32, word uint32, val uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	i, err := a.index("program", bank, word)

	if err != nil {
		return err
	}

	if a.locked[i] {
		return fault.New("program", fault.ErrPermission, "bank %d word %d is locked", bank, word)
	}

	if a.Rewritable {
		a.otp[i] = val
	} else {
		a.otp[i] |= val
	}

	a.shadow[i] = a.otp[i]

	return nil
}

// Lock implements Hardware.
func (a *Array) Lock(bank uint32, word uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	i, err := a.index("lock", bank, word)

	if err != nil {
		return err
	}

	a.locked[i] = true

	return nil
}

// Locked implements Hardware.
func (a *Array) Locked(bank uint32, word uint32) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	i, err := a.index("lock status", bank, word)

	if err != nil {
		return false, err
	}

	return a.locked[i], nil
}
