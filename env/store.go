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
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/usbarmory/trustfence/fault"
)

// Crypter represents the device bound environment encryption, satisfied by
// trust.Trust.
type Crypter interface {
	EncryptEnv(buf []byte, size int) error
	DecryptEnv(buf []byte, size int) error
	PayloadSize(size int) int
}

// Legacy describes historical environment offsets, tried when no valid copy
// is found at the current ones.
type Legacy struct {
	Offset       int64
	OffsetRedund int64
}

// Config describes the environment layout on its media.
type Config struct {
	// Size is the blob size, header included.
	Size int
	// Offset is the primary copy offset.
	Offset int64
	// OffsetRedund is the redundant copy offset.
	OffsetRedund int64
	// Redundant enables the redundant copy and generation flags.
	Redundant bool
	// Range is the span, from each copy offset, where good erase units
	// are searched. It defaults to Size rounded up to the erase unit.
	Range int64
	// Relocate assigns each copy to the first good erase units within
	// its range, never sharing a unit with the other copy.
	Relocate bool
	// Legacy lists historical offsets, in order of preference.
	Legacy []Legacy
	// Encrypt enables device bound encryption of the environment data.
	Encrypt bool
}

// Validate checks that the configuration is self-consistent.
func (c Config) Validate() error {
	if c.Size <= RedundHeaderSize+2 {
		return fmt.Errorf("invalid environment size %d", c.Size)
	}

	if c.Offset < 0 || c.OffsetRedund < 0 || c.Range < 0 {
		return errors.New("invalid negative offset or range")
	}

	if c.Range != 0 && c.Range < int64(c.Size) {
		return fmt.Errorf("range %#x smaller than environment size %#x", c.Range, c.Size)
	}

	if c.Redundant && !c.Relocate && c.Offset == c.OffsetRedund {
		return errors.New("redundant copies share the same offset")
	}

	return nil
}

func (c Config) span(m Media) int64 {
	if c.Range > 0 {
		return c.Range
	}

	unit := m.EraseSize()

	return (int64(c.Size) + unit - 1) / unit * unit
}

func (c Config) copies() int {
	if c.Redundant {
		return 2
	}

	return 1
}

// State represents the environment store state.
type State int

// Store states, a load moves from Loading to one of Valid, Invalid or
// Recovering and then settles in Ready.
const (
	Uninitialized State = iota
	Loading
	Valid
	Invalid
	Recovering
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case Recovering:
		return "recovering"
	case Ready:
		return "ready"
	}

	return fmt.Sprintf("state(%d)", int(s))
}

// Info represents a store status snapshot.
type Info struct {
	State State
	// Outcome is the result of the last load (Valid, Invalid or
	// Recovering).
	Outcome State
	// Current is the authoritative copy index, -1 when no copy holds the
	// environment in use.
	Current int
	Flags   uint8
	// Offsets holds the first unit of each copy, -1 when unassigned.
	Offsets [2]int64
	// Degraded is set when the last save could only reach one copy.
	Degraded bool
	// Reason records why the default environment is in use.
	Reason error
}

// Store implements the redundant environment store on a Media.
type Store struct {
	mu sync.Mutex

	media Media
	cfg   Config
	crypt Crypter

	state    State
	outcome  State
	current  int
	flags    uint8
	loc      [2][]int64
	located  bool
	degraded bool
	reason   error
}

// NewStore returns an environment store, the crypter is only required when
// encryption is enabled.
func NewStore(m Media, cfg Config, c Crypter) (*Store, error) {
	if m == nil {
		return nil, errors.New("missing environment media")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fault.Wrap("env config", fault.ErrInvalidArgument, err)
	}

	offsets := []int64{cfg.Offset, cfg.OffsetRedund}

	for _, l := range cfg.Legacy {
		offsets = append(offsets, l.Offset, l.OffsetRedund)
	}

	for _, off := range offsets {
		if !unitAligned(m, off) {
			return nil, fault.New("env config", fault.ErrInvalidArgument, "offset %#x not aligned to erase unit", off)
		}
	}

	if cfg.Encrypt && c == nil {
		return nil, fault.New("env config", fault.ErrInvalidArgument, "encryption enabled without crypter")
	}

	return &Store{
		media:   m,
		cfg:     cfg,
		crypt:   c,
		current: -1,
	}, nil
}

func (s *Store) setState(state State) {
	klog.V(2).Infof("env: %v -> %v", s.state, state)
	s.state = state
}

// locate assigns the erase units of each copy.
func (s *Store) locate(offsets [2]int64) (loc [2][]int64, errs [2]error) {
	span := s.cfg.span(s.media)
	claimed := make(map[int64]bool)

	// a unit is never shared between copies, bad units can shift static
	// offsets as well
	for i := 0; i < s.cfg.copies(); i++ {
		loc[i], errs[i] = units(s.media, offsets[i], offsets[i]+span, s.cfg.Size, claimed)

		if errs[i] != nil {
			klog.Warningf("env: could not locate copy %d, %v", i, errs[i])
			continue
		}

		if loc[i][0] != offsets[i] {
			klog.Infof("env: copy %d relocated from %#x to %#x", i, offsets[i], loc[i][0])
		}

		for _, u := range loc[i] {
			claimed[u] = true
		}
	}

	return
}

func (s *Store) readCopy(list []int64) (b *Blob, err error) {
	buf := make([]byte, s.cfg.Size)

	if err = readUnits(s.media, list, buf); err != nil {
		return
	}

	if b, err = Decode(buf, s.cfg.Redundant); err != nil {
		return
	}

	if !b.Valid() {
		return nil, fault.New("env read", fault.ErrIntegrity, "bad CRC at %#x", list[0])
	}

	return
}

func (s *Store) readCopies(loc [2][]int64, errs [2]error) (blobs [2]*Blob) {
	for i := 0; i < s.cfg.copies(); i++ {
		if errs[i] != nil {
			continue
		}

		b, err := s.readCopy(loc[i])

		if err != nil {
			klog.Warningf("env: copy %d invalid, %v", i, err)
			errs[i] = err
			continue
		}

		blobs[i] = b
	}

	return
}

// candidates returns the valid copies, most recent first.
func candidates(blobs [2]*Blob) (order []int) {
	switch {
	case blobs[0] != nil && blobs[1] != nil:
		if Newer(blobs[1].Flags, blobs[0].Flags) {
			return []int{1, 0}
		}

		return []int{0, 1}
	case blobs[0] != nil:
		return []int{0}
	case blobs[1] != nil:
		return []int{1}
	}

	return
}

func (s *Store) open(b *Blob) (e *Env, err error) {
	data := append([]byte{}, b.Data...)
	n := len(data)

	if s.cfg.Encrypt {
		if err = s.crypt.DecryptEnv(data, len(data)); err != nil {
			return nil, fmt.Errorf("could not decrypt environment, %w", err)
		}

		n = s.crypt.PayloadSize(len(data))
	}

	e = New()

	if err = e.Import(data[:n]); err != nil {
		return nil, err
	}

	return
}

func (s *Store) offsets() [2]int64 {
	return [2]int64{s.cfg.Offset, s.cfg.OffsetRedund}
}

// Load reads the environment from its media.
//
// A failed load is never fatal: the default environment is returned along
// with the error explaining why it is in use, which is also recorded in
// Info().Reason.
func (s *Store) Load() (e *Env, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setState(Loading)
	s.reason = nil
	s.degraded = false

	loc, errs := s.locate(s.offsets())
	s.loc, s.located = loc, true

	blobs := s.readCopies(loc, errs)

	var openErr error

	for _, i := range candidates(blobs) {
		if e, err = s.open(blobs[i]); err != nil {
			klog.Warningf("env: could not open copy %d, %v", i, err)
			openErr = err
			continue
		}

		klog.Infof("env: loaded copy %d (flags %d)", i, blobs[i].Flags)

		s.current = i
		s.flags = blobs[i].Flags
		s.settle(Valid)

		return e, nil
	}

	if e, err = s.recoverLegacy(); err == nil {
		return
	}

	switch {
	case openErr != nil:
		err = openErr
	case errors.Is(err, fault.ErrNotFound):
		err = fault.New("env load", fault.ErrNotFound, "no valid environment copy")
	}

	return s.fallback(err), err
}

func (s *Store) settle(outcome State) {
	s.setState(outcome)
	s.outcome = outcome
	s.setState(Ready)
}

func (s *Store) fallback(reason error) *Env {
	klog.Warningf("env: using default environment, %v", reason)

	s.reason = reason
	s.current = -1
	s.flags = 0
	s.settle(Invalid)

	return Default()
}

func (s *Store) recoverLegacy() (e *Env, err error) {
	err = fault.New("env legacy recovery", fault.ErrNotFound, "no legacy copy")

	for _, l := range s.cfg.Legacy {
		loc, errs := s.locate([2]int64{l.Offset, l.OffsetRedund})
		blobs := s.readCopies(loc, errs)

		for _, i := range candidates(blobs) {
			if e, err = s.open(blobs[i]); err != nil {
				continue
			}

			klog.Warningf("env: recovered environment from legacy offset %#x", loc[i][0])
			s.setState(Recovering)

			s.current = s.heal(blobs[i])
			s.flags = blobs[i].Flags
			s.outcome = Recovering
			s.setState(Ready)

			return
		}
	}

	return nil, err
}

// heal rewrites a recovered blob to all copies at the current offsets, it
// returns the first copy written or -1 when none could be.
func (s *Store) heal(b *Blob) (healed int) {
	raw := Encode(b.Data, b.Flags, s.cfg.Redundant)
	healed = -1

	for i := 0; i < s.cfg.copies(); i++ {
		if err := s.writeCopy(i, raw); err != nil {
			klog.Errorf("env: could not heal copy %d, %v", i, err)
			continue
		}

		if healed < 0 {
			healed = i
		}
	}

	if healed < 0 {
		s.reason = fault.New("env legacy recovery", fault.ErrIO, "environment still depends on legacy offsets")
	}

	return
}

func (s *Store) writeCopy(i int, raw []byte) error {
	if s.loc[i] == nil {
		return fault.New("env write", fault.ErrNotFound, "copy %d has no location", i)
	}

	return writeUnits(s.media, s.loc[i], raw)
}

func (s *Store) encode(e *Env, flags uint8) (raw []byte, err error) {
	size := s.cfg.Size - headerSize(s.cfg.Redundant)
	payload := size

	if s.cfg.Encrypt {
		payload = s.crypt.PayloadSize(size)
	}

	data, err := e.Export(payload)

	if err != nil {
		return
	}

	buf := make([]byte, size)
	copy(buf, data)

	if s.cfg.Encrypt {
		if err = s.crypt.EncryptEnv(buf, size); err != nil {
			return nil, fmt.Errorf("could not encrypt environment, %w", err)
		}
	}

	return Encode(buf, flags, s.cfg.Redundant), nil
}

// Save writes the environment to its media.
//
// With redundancy the copy which is not currently authoritative is written,
// falling back to the other one when that fails. A save reaching only the
// fallback copy succeeds with degraded redundancy.
func (s *Store) Save(e *Env) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.located {
		s.loc, _ = s.locate(s.offsets())
		s.located = true
	}

	flags := s.flags

	if s.cfg.Redundant {
		flags++
	}

	raw, err := s.encode(e, flags)

	if err != nil {
		klog.Errorf("env: could not save, %v", err)
		return
	}

	order := []int{0}

	if s.cfg.Redundant {
		if s.current == 0 {
			order = []int{1, 0}
		} else {
			order = []int{0, 1}
		}
	}

	for n, i := range order {
		if err = s.writeCopy(i, raw); err != nil {
			klog.Warningf("env: could not write copy %d, %v", i, err)
			continue
		}

		if n > 0 {
			klog.Warningf("env: saved copy %d only, redundancy degraded", i)
		} else {
			klog.Infof("env: saved copy %d (flags %d)", i, flags)
		}

		s.current = i
		s.flags = flags
		s.degraded = n > 0
		s.reason = nil
		s.outcome = Valid
		s.state = Ready

		return nil
	}

	klog.Errorf("env: could not save, %v", err)

	return fmt.Errorf("could not write any environment copy, %w", err)
}

// Erase erases all environment copies, the default environment is in use
// until the next save.
func (s *Store) Erase() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	span := s.cfg.span(s.media)
	offsets := s.offsets()

	for i := 0; i < s.cfg.copies(); i++ {
		if err = eraseRange(s.media, offsets[i], span); err != nil {
			return
		}
	}

	klog.Infof("env: erased")

	s.current = -1
	s.flags = 0
	s.reason = fault.New("env erase", fault.ErrNotFound, "environment erased")
	s.outcome = Invalid
	s.state = Ready

	return
}

// Info returns the store status.
func (s *Store) Info() (info Info) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info = Info{
		State:    s.state,
		Outcome:  s.outcome,
		Current:  s.current,
		Flags:    s.flags,
		Offsets:  [2]int64{-1, -1},
		Degraded: s.degraded,
		Reason:   s.reason,
	}

	for i, l := range s.loc {
		if len(l) > 0 {
			info.Offsets[i] = l[0]
		}
	}

	return
}
