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
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/usbarmory/trustfence/fault"
)

func TestImportExport(t *testing.T) {
	e := New()

	for k, v := range map[string]string{"foo": "bar", "baudrate": "115200", "bootargs": "console=ttymxc0 ro"} {
		if err := e.Set(k, v); err != nil {
			t.Fatalf("Set(%s) = %v", k, err)
		}
	}

	buf, err := e.Export(64)

	if err != nil {
		t.Fatalf("Export() = %v", err)
	}

	want := make([]byte, 64)
	copy(want, "baudrate=115200\x00bootargs=console=ttymxc0 ro\x00foo=bar\x00\x00")

	if diff := cmp.Diff(want, buf); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}

	got := New()

	if err := got.Import(buf); err != nil {
		t.Fatalf("Import() = %v", err)
	}

	if diff := cmp.Diff(e.String(), got.String()); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
}

func TestExportEmpty(t *testing.T) {
	buf, err := New().Export(4)

	if err != nil {
		t.Fatalf("Export() = %v", err)
	}

	if diff := cmp.Diff([]byte{0, 0, 0, 0}, buf); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
}

func TestExportTooLarge(t *testing.T) {
	if _, err := Default().Export(8); !errors.Is(err, fault.ErrInvalidArgument) {
		t.Fatalf("Export() = %v, want ErrInvalidArgument", err)
	}
}

func TestImportInvalid(t *testing.T) {
	e := Default()

	for _, data := range []string{"novalue\x00\x00", "=value\x00\x00", "a=1\x00broken\x00"} {
		if err := e.Import([]byte(data)); !errors.Is(err, fault.ErrIntegrity) {
			t.Errorf("Import(%q) = %v, want ErrIntegrity", data, err)
		}
	}

	// failed imports leave the environment untouched
	if diff := cmp.Diff(Default().String(), e.String()); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
}

func TestSet(t *testing.T) {
	e := New()

	for _, key := range []string{"", "a=b", "a\x00b"} {
		if err := e.Set(key, "v"); !errors.Is(err, fault.ErrInvalidArgument) {
			t.Errorf("Set(%q) = %v, want ErrInvalidArgument", key, err)
		}
	}

	if err := e.Set("k", "v"); err != nil {
		t.Fatal(err)
	}

	if err := e.Set("k", ""); err != nil {
		t.Fatal(err)
	}

	if _, ok := e.Get("k"); ok {
		t.Fatal("Empty value did not delete variable")
	}
}

func TestBlobValid(t *testing.T) {
	data := []byte("ethaddr=00:04:f3:00:00:01\x00\x00")

	for _, redundant := range []bool{false, true} {
		raw := Encode(data, 3, redundant)

		b, err := Decode(raw, redundant)

		if err != nil {
			t.Fatalf("Decode() = %v", err)
		}

		if !b.Valid() {
			t.Fatal("Encoded blob not valid")
		}

		if redundant && b.Flags != 3 {
			t.Fatalf("Flags = %d, want 3", b.Flags)
		}

		for i := range b.Data {
			b.Data[i] ^= 0x01

			if b.Valid() {
				t.Fatalf("Blob valid with data byte %d flipped", i)
			}

			b.Data[i] ^= 0x01
		}
	}
}

func TestDecodeShort(t *testing.T) {
	if _, err := Decode(make([]byte, RedundHeaderSize), true); !errors.Is(err, fault.ErrInvalidArgument) {
		t.Fatalf("Decode() = %v, want ErrInvalidArgument", err)
	}
}

func TestNewer(t *testing.T) {
	for _, test := range []struct {
		a, b uint8
		want bool
	}{
		{a: 7, b: 5, want: true},
		{a: 5, b: 7},
		{a: 0, b: 255, want: true},
		{a: 255, b: 0},
		{a: 255, b: 254, want: true},
		{a: 1, b: 0, want: true},
		{a: 5, b: 5},
	} {
		if got := Newer(test.a, test.b); got != test.want {
			t.Errorf("Newer(%d, %d) = %v, want %v", test.a, test.b, got, test.want)
		}
	}
}
