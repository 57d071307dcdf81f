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
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/usbarmory/trustfence/env/testonly"
	"github.com/usbarmory/trustfence/fault"
	"github.com/usbarmory/trustfence/fuse"
	"github.com/usbarmory/trustfence/rpmb"
	rpmbtest "github.com/usbarmory/trustfence/rpmb/testonly"
	"github.com/usbarmory/trustfence/trust"
)

const unit = 512

func newStore(t *testing.T, m Media, cfg Config, c Crypter) *Store {
	t.Helper()

	s, err := NewStore(m, cfg, c)

	if err != nil {
		t.Fatalf("NewStore() = %v", err)
	}

	return s
}

func testEnv(t *testing.T, vars ...string) *Env {
	t.Helper()

	e := New()

	for i := 0; i+1 < len(vars); i += 2 {
		if err := e.Set(vars[i], vars[i+1]); err != nil {
			t.Fatal(err)
		}
	}

	return e
}

// putBlob writes a redundant blob directly on storage.
func putBlob(t *testing.T, n *testonly.NAND, cfg Config, off int64, e *Env, flags uint8) {
	t.Helper()

	data, err := e.Export(cfg.Size - RedundHeaderSize)

	if err != nil {
		t.Fatal(err)
	}

	copy(n.Storage[off:], Encode(data, flags, true))
}

func mustLoad(t *testing.T, s *Store) *Env {
	t.Helper()

	e, err := s.Load()

	if err != nil {
		t.Fatalf("Load() = %v", err)
	}

	return e
}

func TestConfigValidate(t *testing.T) {
	for _, test := range []struct {
		name string
		cfg  Config
	}{
		{name: "tiny", cfg: Config{Size: 4}},
		{name: "negative", cfg: Config{Size: unit, Offset: -unit}},
		{name: "short range", cfg: Config{Size: 2 * unit, Range: unit}},
		{name: "shared offset", cfg: Config{Size: unit, Redundant: true}},
	} {
		t.Run(test.name, func(t *testing.T) {
			if err := test.cfg.Validate(); err == nil {
				t.Fatal("Validate() succeeded")
			}
		})
	}

	if _, err := NewStore(testonly.NewNAND(t, unit, 8), Config{Size: unit, Offset: 100}, nil); !errors.Is(err, fault.ErrInvalidArgument) {
		t.Fatalf("NewStore(unaligned) = %v, want ErrInvalidArgument", err)
	}

	if _, err := NewStore(testonly.NewNAND(t, unit, 8), Config{Size: unit, Encrypt: true}, nil); !errors.Is(err, fault.ErrInvalidArgument) {
		t.Fatalf("NewStore(encrypt without crypter) = %v, want ErrInvalidArgument", err)
	}
}

func TestLoadBlank(t *testing.T) {
	s := newStore(t, testonly.NewNAND(t, unit, 8), Config{Size: unit, OffsetRedund: unit, Redundant: true}, nil)

	e, err := s.Load()

	if !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("Load() = %v, want ErrNotFound", err)
	}

	if diff := cmp.Diff(Default().String(), e.String()); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}

	info := s.Info()

	if info.State != Ready || info.Outcome != Invalid || info.Current != -1 || info.Reason == nil {
		t.Fatalf("Got info %+v", info)
	}
}

func TestSaveLoad(t *testing.T) {
	for _, redundant := range []bool{false, true} {
		nand := testonly.NewNAND(t, unit, 8)
		cfg := Config{Size: 2 * unit, OffsetRedund: 4 * unit, Redundant: redundant}

		want := testEnv(t, "bootcmd", "bootm", "serial#", "0123456789")

		if err := newStore(t, nand, cfg, nil).Save(want); err != nil {
			t.Fatalf("Save() = %v", err)
		}

		got := mustLoad(t, newStore(t, nand, cfg, nil))

		if diff := cmp.Diff(want.String(), got.String()); diff != "" {
			t.Fatalf("redundant=%v: got diff: %s", redundant, diff)
		}
	}
}

func TestRedundantSelection(t *testing.T) {
	cfg := Config{Size: unit, OffsetRedund: 2 * unit, Redundant: true}

	for _, test := range []struct {
		name        string
		flags       [2]uint8
		corrupt     int
		wantCurrent int
	}{
		{name: "higher flags wins", flags: [2]uint8{5, 7}, corrupt: -1, wantCurrent: 1},
		{name: "higher flags wins primary", flags: [2]uint8{7, 5}, corrupt: -1, wantCurrent: 0},
		{name: "wraparound", flags: [2]uint8{255, 0}, corrupt: -1, wantCurrent: 1},
		{name: "wraparound primary", flags: [2]uint8{0, 255}, corrupt: -1, wantCurrent: 0},
		{name: "tie defaults to primary", flags: [2]uint8{9, 9}, corrupt: -1, wantCurrent: 0},
		{name: "valid beats newer corrupted", flags: [2]uint8{7, 9}, corrupt: 1, wantCurrent: 0},
		{name: "valid redundant beats corrupted primary", flags: [2]uint8{9, 7}, corrupt: 0, wantCurrent: 1},
	} {
		t.Run(test.name, func(t *testing.T) {
			nand := testonly.NewNAND(t, unit, 8)
			offsets := [2]int64{cfg.Offset, cfg.OffsetRedund}

			for i, name := range []string{"primary", "redundant"} {
				putBlob(t, nand, cfg, offsets[i], testEnv(t, "copy", name), test.flags[i])
			}

			if test.corrupt >= 0 {
				nand.Storage[offsets[test.corrupt]+RedundHeaderSize] ^= 0x80
			}

			s := newStore(t, nand, cfg, nil)
			e := mustLoad(t, s)

			want := []string{"primary", "redundant"}[test.wantCurrent]

			if got, _ := e.Get("copy"); got != want {
				t.Fatalf("Loaded %s copy, want %s", got, want)
			}

			if info := s.Info(); info.Current != test.wantCurrent || info.Flags != test.flags[test.wantCurrent] {
				t.Fatalf("Got info %+v", info)
			}
		})
	}
}

func TestRelocation(t *testing.T) {
	nand := testonly.NewNAND(t, unit, 8, 0, 1, 2)
	cfg := Config{Size: unit, Redundant: true, Relocate: true, Range: 8 * unit}

	s := newStore(t, nand, cfg, nil)
	s.Load()

	if diff := cmp.Diff([2]int64{3 * unit, 4 * unit}, s.Info().Offsets); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}

	want := testEnv(t, "relocated", "yes")

	if err := s.Save(want); err != nil {
		t.Fatalf("Save() = %v", err)
	}

	if err := s.Save(want); err != nil {
		t.Fatalf("Save() = %v", err)
	}

	for _, u := range []int64{3, 4} {
		b, err := Decode(nand.UnitData(u), true)

		if err != nil || !b.Valid() {
			t.Fatalf("Unit %d does not hold a valid copy (%v)", u, err)
		}
	}

	got := mustLoad(t, newStore(t, nand, cfg, nil))

	if diff := cmp.Diff(want.String(), got.String()); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
}

func TestRelocationExhausted(t *testing.T) {
	nand := testonly.NewNAND(t, unit, 8, 0, 1, 2)
	cfg := Config{Size: unit, Redundant: true, Relocate: true, Range: 4 * unit}

	s := newStore(t, nand, cfg, nil)
	s.Load()

	if diff := cmp.Diff([2]int64{3 * unit, -1}, s.Info().Offsets); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}

	// only the located copy can be written
	if err := s.Save(testEnv(t, "a", "b")); err != nil {
		t.Fatalf("Save() = %v", err)
	}

	if s.Info().Current != 0 {
		t.Fatalf("Got info %+v", s.Info())
	}
}

func TestMultiUnitBadSkip(t *testing.T) {
	nand := testonly.NewNAND(t, unit, 8, 1)
	cfg := Config{Size: 2 * unit, Range: 4 * unit}

	want := testEnv(t, "spans", "units")

	if err := newStore(t, nand, cfg, nil).Save(want); err != nil {
		t.Fatalf("Save() = %v", err)
	}

	if bytes.Equal(nand.UnitData(2), bytes.Repeat([]byte{0xff}, unit)) {
		t.Fatal("Second half not written past bad unit")
	}

	got := mustLoad(t, newStore(t, nand, cfg, nil))

	if diff := cmp.Diff(want.String(), got.String()); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
}

func TestSaveDegraded(t *testing.T) {
	nand := testonly.NewNAND(t, unit, 8)
	cfg := Config{Size: 2 * unit, OffsetRedund: 4 * unit, Redundant: true}

	s := newStore(t, nand, cfg, nil)
	s.Load()

	// primary copy writes complete with a byte count mismatch
	nand.ShortWrite = func(off int64, n int) int {
		if off < cfg.OffsetRedund {
			return n - 1
		}

		return n
	}

	want := testEnv(t, "saved", "degraded")

	if err := s.Save(want); err != nil {
		t.Fatalf("Save() = %v", err)
	}

	if info := s.Info(); !info.Degraded || info.Current != 1 {
		t.Fatalf("Got info %+v", info)
	}

	nand.ShortWrite = nil

	s = newStore(t, nand, cfg, nil)
	got := mustLoad(t, s)

	if diff := cmp.Diff(want.String(), got.String()); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}

	if s.Info().Current != 1 {
		t.Fatalf("Loaded copy %d, want redundant", s.Info().Current)
	}
}

func TestSaveFailure(t *testing.T) {
	for _, redundant := range []bool{false, true} {
		nand := testonly.NewNAND(t, unit, 8)
		cfg := Config{Size: unit, OffsetRedund: 4 * unit, Redundant: redundant}

		nand.FailWrite = func(int64) error {
			return errors.New("program failure")
		}

		if err := newStore(t, nand, cfg, nil).Save(Default()); !errors.Is(err, fault.ErrIO) {
			t.Fatalf("redundant=%v: Save() = %v, want ErrIO", redundant, err)
		}
	}
}

func TestSaveAlternates(t *testing.T) {
	nand := testonly.NewNAND(t, unit, 8)
	cfg := Config{Size: unit, OffsetRedund: 2 * unit, Redundant: true}

	s := newStore(t, nand, cfg, nil)
	s.Load()

	for i, want := range []int{0, 1, 0} {
		if err := s.Save(testEnv(t, "generation", string(rune('a'+i)))); err != nil {
			t.Fatal(err)
		}

		if info := s.Info(); info.Current != want || info.Flags != uint8(i+1) {
			t.Fatalf("Save %d: got info %+v", i, info)
		}
	}

	// the previous generation survives corruption of the current one
	nand.Storage[RedundHeaderSize] ^= 0x01

	got := mustLoad(t, newStore(t, nand, cfg, nil))

	if v, _ := got.Get("generation"); v != "b" {
		t.Fatalf("Loaded generation %q, want b", v)
	}
}

func TestCorruptionFallsBack(t *testing.T) {
	nand := testonly.NewNAND(t, unit, 8)
	cfg := Config{Size: unit}

	if err := newStore(t, nand, cfg, nil).Save(testEnv(t, "a", "b")); err != nil {
		t.Fatal(err)
	}

	nand.Storage[HeaderSize+1] ^= 0x10

	s := newStore(t, nand, cfg, nil)
	e, err := s.Load()

	if !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("Load() = %v, want ErrNotFound", err)
	}

	if diff := cmp.Diff(Default().String(), e.String()); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
}

func TestLegacyRecovery(t *testing.T) {
	nand := testonly.NewNAND(t, unit, 8)
	legacy := Legacy{Offset: 0, OffsetRedund: unit}
	cfg := Config{Size: unit, Offset: 4 * unit, OffsetRedund: 6 * unit, Redundant: true, Legacy: []Legacy{legacy}}

	want := testEnv(t, "from", "legacy")
	putBlob(t, nand, cfg, legacy.OffsetRedund, want, 3)

	s := newStore(t, nand, cfg, nil)
	got := mustLoad(t, s)

	if diff := cmp.Diff(want.String(), got.String()); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}

	if info := s.Info(); info.Outcome != Recovering || info.State != Ready {
		t.Fatalf("Got info %+v", info)
	}

	// healed forward to both current copies
	for _, u := range []int64{4, 6} {
		if b, err := Decode(nand.UnitData(u), true); err != nil || !b.Valid() || b.Flags != 3 {
			t.Fatalf("Unit %d not healed", u)
		}
	}

	cfg.Legacy = nil
	s = newStore(t, nand, cfg, nil)
	got = mustLoad(t, s)

	if diff := cmp.Diff(want.String(), got.String()); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}

	if s.Info().Outcome != Valid {
		t.Fatalf("Got info %+v", s.Info())
	}
}

func newCrypter(t *testing.T, hwid uint32) *trust.Trust {
	t.Helper()

	hw := fuse.NewArray(fuse.OCOTPGeometry)

	if err := hw.Restore([]fuse.Word{{Bank: 4, Word: 2, OTP: hwid, Shadow: hwid}}); err != nil {
		t.Fatal(err)
	}

	c := fuse.NewController(fuse.NewOCOTP(hw))

	return &trust.Trust{
		Fuses:      c,
		HWID:       trust.HWID{Bank: 4, Word: 2, Count: 2},
		Backend:    &trust.Blob{Engine: &trust.SoftBlobEngine{Secret: []byte("unique")}},
		SecureBoot: trust.FuseSecureBoot{Fuses: c, Bank: 4, Word: 2, Mask: 1},
	}
}

func TestEncryptedStore(t *testing.T) {
	nand := testonly.NewNAND(t, unit, 8)
	cfg := Config{Size: unit, OffsetRedund: 2 * unit, Redundant: true, Encrypt: true}

	want := testEnv(t, "secret", "value")

	if err := newStore(t, nand, cfg, newCrypter(t, 0x1001)).Save(want); err != nil {
		t.Fatalf("Save() = %v", err)
	}

	if bytes.Contains(nand.Storage, []byte("secret=value")) {
		t.Fatal("Environment stored in plaintext")
	}

	got := mustLoad(t, newStore(t, nand, cfg, newCrypter(t, 0x1001)))

	if diff := cmp.Diff(want.String(), got.String()); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}

	// a different device cannot decrypt
	if _, err := newStore(t, nand, cfg, newCrypter(t, 0x2001)).Load(); !errors.Is(err, fault.ErrCrypto) {
		t.Fatalf("Load() on other device = %v, want ErrCrypto", err)
	}
}

func TestManager(t *testing.T) {
	cfg := Config{Size: unit, OffsetRedund: 2 * unit, Redundant: true}

	nand := newStore(t, testonly.NewNAND(t, unit, 8), cfg, nil)
	mmc := newStore(t, &MMCMedia{Dev: testonly.NewMemDev(t, unit, 8)}, cfg, nil)

	want := testEnv(t, "on", "mmc")

	if err := mmc.Save(want); err != nil {
		t.Fatal(err)
	}

	m := &Manager{
		Provider: func(op Op, prio int) Where {
			return []Where{NAND, MMC, Unknown}[prio]
		},
		Drivers: map[Where]Driver{NAND: nand, MMC: mmc},
	}

	got, w, err := m.Load()

	if err != nil || w != MMC {
		t.Fatalf("Load() = %v, %v, want MMC", w, err)
	}

	if diff := cmp.Diff(want.String(), got.String()); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}

	if w, err := m.Save(want); err != nil || w != NAND {
		t.Fatalf("Save() = %v, %v, want NAND", w, err)
	}

	m.Provider = DefaultLocation(None)

	if got, w, err := m.Load(); err != nil || w != None || got.String() != Default().String() {
		t.Fatalf("Load(nowhere) = %v, %v", w, err)
	}

	if _, err := m.Save(want); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("Save(nowhere) = %v, want ErrNotFound", err)
	}

	m.Provider = DefaultLocation(RPMB)

	if got, _, err := m.Load(); err == nil || got.String() != Default().String() {
		t.Fatalf("Load(no driver) = %v", err)
	}
}

func TestMMCPartitionRestored(t *testing.T) {
	dev := testonly.NewMemDev(t, unit, 8)
	m := &MMCMedia{Dev: dev, Switch: dev, Part: 1}

	if _, err := m.Write(0, []byte("boot partition")); err != nil {
		t.Fatalf("Write() = %v", err)
	}

	if dev.Part != 0 || dev.Switches != 2 {
		t.Fatalf("Partition %d after %d switches, want 0 after 2", dev.Part, dev.Switches)
	}

	fail := 1
	dev.FailPart = &fail

	if err := m.Read(0, make([]byte, unit)); err == nil {
		t.Fatal("Read() succeeded on failing partition")
	}

	if dev.Part != 0 {
		t.Fatalf("Partition %d not restored after failure", dev.Part)
	}
}

func TestRPMBMedia(t *testing.T) {
	card := rpmbtest.NewCard(16)
	p, err := rpmb.Init(card, bytes.Repeat([]byte{1}, rpmb.KeyLength), 0, false)

	if err != nil {
		t.Fatal(err)
	}

	if err := p.ProgramKey(); err != nil {
		t.Fatal(err)
	}

	media := &RPMBMedia{Partition: p, Start: 4, Sectors: 8}
	cfg := Config{Size: 2 * rpmb.SectorSize, OffsetRedund: 4 * rpmb.SectorSize, Redundant: true}

	want := testEnv(t, "stored", "rpmb")

	if err := newStore(t, media, cfg, nil).Save(want); err != nil {
		t.Fatalf("Save() = %v", err)
	}

	got := mustLoad(t, newStore(t, media, cfg, nil))

	if diff := cmp.Diff(want.String(), got.String()); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
}

func TestFileMedia(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.img")
	cfg := Config{Size: unit, Redundant: true, Relocate: true, Range: 8 * unit}

	m, err := OpenFile(path, 8*unit, unit, []int64{0})

	if err != nil {
		t.Fatalf("OpenFile() = %v", err)
	}

	want := testEnv(t, "stored", "file")
	s := newStore(t, m, cfg, nil)
	s.Load()

	if err := s.Save(want); err != nil {
		t.Fatalf("Save() = %v", err)
	}

	m.Close()

	if m, err = OpenFile(path, 8*unit, unit, []int64{0}); err != nil {
		t.Fatal(err)
	}

	defer m.Close()

	got := mustLoad(t, newStore(t, m, cfg, nil))

	if diff := cmp.Diff(want.String(), got.String()); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
}

func TestStaticOffsetsNeverShareUnit(t *testing.T) {
	nand := testonly.NewNAND(t, unit, 8, 0)
	cfg := Config{Size: unit, Offset: 0, OffsetRedund: unit, Redundant: true, Range: 2 * unit}

	s := newStore(t, nand, cfg, nil)
	s.Load()

	// the bad unit shifts the primary copy into the redundant copy window
	if diff := cmp.Diff([2]int64{unit, 2 * unit}, s.Info().Offsets); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}

	want := testEnv(t, "copies", "apart")

	for i := 0; i < 2; i++ {
		if err := s.Save(want); err != nil {
			t.Fatalf("Save() = %v", err)
		}
	}

	// a single corrupted unit leaves the other copy intact
	nand.Storage[unit+RedundHeaderSize] ^= 0xff

	got := mustLoad(t, newStore(t, nand, cfg, nil))

	if diff := cmp.Diff(want.String(), got.String()); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
}

func TestLegacyRecoveryPartialHeal(t *testing.T) {
	nand := testonly.NewNAND(t, unit, 8)
	legacy := Legacy{Offset: 0, OffsetRedund: unit}
	cfg := Config{Size: unit, Offset: 4 * unit, OffsetRedund: 6 * unit, Redundant: true, Legacy: []Legacy{legacy}}

	want := testEnv(t, "from", "legacy")
	putBlob(t, nand, cfg, legacy.Offset, want, 3)

	nand.FailWrite = func(off int64) error {
		if off/unit == 4 {
			return errors.New("program failure")
		}

		return nil
	}

	s := newStore(t, nand, cfg, nil)
	mustLoad(t, s)

	if info := s.Info(); info.Outcome != Recovering || info.Current != 1 {
		t.Fatalf("Got info %+v", info)
	}

	nand.FailWrite = nil

	// the next save targets the copy left behind by the recovery
	if err := s.Save(want); err != nil {
		t.Fatalf("Save() = %v", err)
	}

	if info := s.Info(); info.Current != 0 || info.Degraded {
		t.Fatalf("Got info %+v", info)
	}

	for _, u := range []int64{4, 6} {
		if b, err := Decode(nand.UnitData(u), true); err != nil || !b.Valid() {
			t.Fatalf("Unit %d does not hold a valid copy (%v)", u, err)
		}
	}
}
