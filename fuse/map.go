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
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Word represents the state of a single fuse word in a Map.
type Word struct {
	Bank   uint32 `yaml:"bank"`
	Word   uint32 `yaml:"word"`
	OTP    uint32 `yaml:"otp"`
	Shadow uint32 `yaml:"shadow"`
	Locked bool   `yaml:"locked,omitempty"`
}

// Map is a serializable snapshot of one or more fuse arrays, used by host
// tooling to persist emulated fuse state across invocations.
type Map struct {
	Family Family `yaml:"family"`
	Words  []Word `yaml:"words,omitempty"`
	// PMIC holds the auxiliary PMIC NVM words (FamilyBSEC only).
	PMIC []Word `yaml:"pmic,omitempty"`
}

// Snapshot returns all words of the array which are not blank.
func (a *Array) Snapshot() (words []Word) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.otp {
		if a.otp[i] == 0 && a.shadow[i] == 0 && !a.locked[i] {
			continue
		}

		words = append(words, Word{
			Bank:   uint32(i) / a.geo.Words,
			Word:   uint32(i) % a.geo.Words,
			OTP:    a.otp[i],
			Shadow: a.shadow[i],
			Locked: a.locked[i],
		})
	}

	return
}

// Restore loads words into the array, overwriting their current state.
func (a *Array) Restore(words []Word) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, w := range words {
		if err := a.geo.check("restore", w.Bank, w.Word); err != nil {
			return err
		}

		i := w.Bank*a.geo.Words + w.Word
		a.otp[i] = w.OTP
		a.shadow[i] = w.Shadow
		a.locked[i] = w.Locked
	}

	return nil
}

// LoadMap decodes a YAML fuse map.
func LoadMap(r io.Reader) (m *Map, err error) {
	m = &Map{}

	if err = yaml.NewDecoder(r).Decode(m); err != nil && err != io.EOF {
		return nil, fmt.Errorf("could not decode fuse map, %v", err)
	}

	if len(m.Family) == 0 {
		m.Family = FamilyOCOTP
	}

	return m, nil
}

// Save encodes the map as YAML.
func (m *Map) Save(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()

	return enc.Encode(m)
}

// Arrays instantiates the emulated hardware described by the map, the pmic
// array is only returned for FamilyBSEC.
func (m *Map) Arrays() (otp *Array, pmic *Array, err error) {
	geo, err := m.Family.Geometry()

	if err != nil {
		return
	}

	otp = NewArray(geo)

	if err = otp.Restore(m.Words); err != nil {
		return nil, nil, err
	}

	if m.Family != FamilyBSEC {
		return
	}

	pmic = NewArray(Geometry{Banks: 1, Words: PMICWords})
	pmic.Rewritable = true

	if err = pmic.Restore(m.PMIC); err != nil {
		return nil, nil, err
	}

	return
}
