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
	"fmt"

	"k8s.io/klog/v2"

	"github.com/usbarmory/trustfence/fault"
)

// Op represents an environment operation.
type Op int

// Environment operations.
const (
	OpLoad Op = iota
	OpSave
	OpErase
)

func (op Op) String() string {
	switch op {
	case OpLoad:
		return "load"
	case OpSave:
		return "save"
	case OpErase:
		return "erase"
	}

	return fmt.Sprintf("op(%d)", int(op))
}

// Where represents an environment storage location.
type Where int

// Storage locations. None keeps the environment in memory only, Unknown ends
// the location list.
const (
	None Where = iota
	Unknown
	NAND
	MMC
	RPMB
	File
)

func (w Where) String() string {
	switch w {
	case None:
		return "nowhere"
	case Unknown:
		return "unknown"
	case NAND:
		return "NAND"
	case MMC:
		return "MMC"
	case RPMB:
		return "RPMB"
	case File:
		return "file"
	}

	return fmt.Sprintf("where(%d)", int(w))
}

// LocationProvider returns the storage location to use for an operation, in
// order of priority starting from 0.
type LocationProvider func(op Op, prio int) Where

// DefaultLocation returns a provider for a single storage location.
func DefaultLocation(w Where) LocationProvider {
	return func(_ Op, prio int) Where {
		if prio == 0 {
			return w
		}

		return Unknown
	}
}

// Driver represents an environment storage driver, satisfied by Store.
type Driver interface {
	Load() (*Env, error)
	Save(*Env) error
	Erase() error
}

// maxPrio bounds the location walk of misbehaving providers.
const maxPrio = 16

// Manager dispatches environment operations to storage drivers, the location
// provider decides where while drivers implement how.
type Manager struct {
	Provider LocationProvider
	Drivers  map[Where]Driver
}

func (m *Manager) walk(op Op, fn func(w Where, d Driver) error) (w Where, err error) {
	if m.Provider == nil {
		return None, fault.New("env "+op.String(), fault.ErrInvalidArgument, "no location provider")
	}

	err = fault.New("env "+op.String(), fault.ErrNotFound, "no storage location")

	for prio := 0; prio < maxPrio; prio++ {
		switch w = m.Provider(op, prio); w {
		case Unknown:
			return None, err
		case None:
			return None, nil
		}

		d, ok := m.Drivers[w]

		if !ok {
			klog.Warningf("env: no driver for %v", w)
			continue
		}

		if err = fn(w, d); err == nil {
			return
		}

		klog.Warningf("env: %v on %v failed, %v", op, w, err)
	}

	return None, err
}

// Load loads the environment from the first location which succeeds. When
// none does the default environment is returned with the last error.
func (m *Manager) Load() (e *Env, w Where, err error) {
	w, err = m.walk(OpLoad, func(_ Where, d Driver) (err error) {
		e, err = d.Load()
		return
	})

	if err != nil || w == None {
		e = Default()
	}

	return
}

// Save saves the environment to the first location which succeeds.
func (m *Manager) Save(e *Env) (w Where, err error) {
	w, err = m.walk(OpSave, func(_ Where, d Driver) error {
		return d.Save(e)
	})

	if err == nil && w == None {
		err = fault.New("env save", fault.ErrNotFound, "environment not stored anywhere")
	}

	return
}

// Erase erases the environment from the first location which succeeds.
func (m *Manager) Erase() (w Where, err error) {
	return m.walk(OpErase, func(_ Where, d Driver) error {
		return d.Erase()
	})
}
