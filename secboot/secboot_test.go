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

package secboot

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/mod/sumdb/note"

	"github.com/usbarmory/trustfence/ahab"
	"github.com/usbarmory/trustfence/fault"
	"github.com/usbarmory/trustfence/fuse"
)

func signedManifest(t *testing.T, name string, img []byte) (signed []byte, vkey string) {
	t.Helper()

	skey, vkey, err := note.GenerateKey(rand.Reader, "trustfence-test")

	if err != nil {
		t.Fatalf("GenerateKey() = %v", err)
	}

	signer, err := note.NewSigner(skey)

	if err != nil {
		t.Fatalf("NewSigner() = %v", err)
	}

	signed, err = note.Sign(&note.Note{Text: string(NewManifest(name, img).Marshal())}, signer)

	if err != nil {
		t.Fatalf("Sign() = %v", err)
	}

	return
}

func TestManifest(t *testing.T) {
	m := NewManifest("trusted_applet.elf", []byte("applet"))

	got := &Manifest{}

	if err := got.Unmarshal(m.Marshal()); err != nil {
		t.Fatalf("Unmarshal() = %v", err)
	}

	if diff := cmp.Diff(m, got); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}

	for _, text := range []string{
		"",
		"name\n6\n",
		"name\n-1\n" + string(bytes.Repeat([]byte("00"), 32)),
		"name\n6\nzz",
		"\n6\n" + string(bytes.Repeat([]byte("00"), 32)),
	} {
		if err := got.Unmarshal([]byte(text)); !errors.Is(err, fault.ErrIntegrity) {
			t.Errorf("Unmarshal(%q) = %v, want ErrIntegrity", text, err)
		}
	}
}

func TestDiscrete(t *testing.T) {
	img := []byte("trusted applet image")
	signed, vkey := signedManifest(t, "applet", img)

	v, err := NewNoteVerifier("applet", signed, vkey)

	if err != nil {
		t.Fatalf("NewNoteVerifier() = %v", err)
	}

	d := &Discrete{Verifier: v}

	addr, err := d.Authenticate(0x90000000, img)

	if err != nil {
		t.Fatalf("Authenticate() = %v", err)
	}

	if addr != 0x90000000 {
		t.Fatalf("Authenticate() = %#x, want unchanged address", addr)
	}

	for _, test := range []struct {
		name string
		v    *NoteVerifier
		img  []byte
	}{
		{name: "tampered", v: v, img: []byte("trusted applet imagf")},
		{name: "truncated", v: v, img: img[1:]},
		{name: "wrong name", v: &NoteVerifier{Name: "other", Note: signed, Verifiers: v.Verifiers}, img: img},
		{name: "untrusted key", v: func() *NoteVerifier {
			_, other := signedManifest(t, "applet", img)
			nv, err := NewNoteVerifier("applet", signed, other)

			if err != nil {
				t.Fatal(err)
			}

			return nv
		}(), img: img},
	} {
		t.Run(test.name, func(t *testing.T) {
			d := &Discrete{Verifier: test.v}

			if _, err := d.Authenticate(0x90000000, test.img); !errors.Is(err, fault.ErrCrypto) {
				t.Fatalf("Authenticate() = %v, want ErrCrypto", err)
			}
		})
	}

	if _, err := NewNoteVerifier("applet", signed); !errors.Is(err, fault.ErrInvalidArgument) {
		t.Fatalf("NewNoteVerifier(no keys) = %v, want ErrInvalidArgument", err)
	}
}

const (
	sigBlock = 0x90
	sigLen   = 0x70
	blobOff  = 0x40
	blobLen  = sigLen - blobOff
)

func newImage(t *testing.T, second bool) []byte {
	t.Helper()

	base := 0

	if second {
		base = ahab.SecondContainerOffset
	}

	img := make([]byte, base+0x400)
	hdr := img[base:]

	hdr[0] = ahab.Version
	binary.LittleEndian.PutUint16(hdr[1:], sigBlock+sigLen)
	hdr[3] = ahab.ContainerTag
	hdr[11] = 1
	binary.LittleEndian.PutUint16(hdr[12:], sigBlock)

	binary.LittleEndian.PutUint32(hdr[ahab.HeaderSize:], 0x200)
	binary.LittleEndian.PutUint32(hdr[ahab.HeaderSize+4:], 0x200)

	sb := hdr[sigBlock:]
	sb[0] = ahab.Version
	binary.LittleEndian.PutUint16(sb[1:], sigLen)
	sb[3] = ahab.SignatureBlockTag
	binary.LittleEndian.PutUint16(sb[10:], blobOff)

	if second {
		first := img[:ahab.HeaderSize]
		first[0] = ahab.Version
		first[3] = ahab.ContainerTag
	}

	return img
}

func keyBlob(size int) []byte {
	blob := make([]byte, size)
	blob[0] = ahab.Version
	binary.LittleEndian.PutUint16(blob[1:], uint16(size))
	blob[3] = ahab.KeyBlobTag

	for i := ahab.KeyBlobHeaderSize; i < size; i++ {
		blob[i] = 0xaa
	}

	return blob
}

type testPlatform struct {
	verified []byte
	addr     uint64
	fail     bool
	released int
}

func (p *testPlatform) Verify(addr uint64, hdr []byte) error {
	p.addr = addr
	p.verified = append([]byte{}, hdr[:sigBlock+sigLen]...)

	if p.fail {
		return errors.New("AHAB_AUTH_CONTAINER_REQ failed")
	}

	return nil
}

func (p *testPlatform) Release() error {
	p.released++
	return nil
}

type staticBlob []byte

func (b staticBlob) KeyBlob() ([]byte, error) {
	return b, nil
}

func TestContainer(t *testing.T) {
	for _, test := range []struct {
		name        string
		second      bool
		wantPayload uint64
	}{
		{name: "single", wantPayload: 0x80000200},
		{name: "second", second: true, wantPayload: 0x80000000 + ahab.SecondContainerOffset + 0x200},
	} {
		t.Run(test.name, func(t *testing.T) {
			p := &testPlatform{}
			device := keyBlob(blobLen - 8)
			c := &Container{Platform: p, KeyBlobs: staticBlob(device)}

			payload, err := c.Authenticate(0x80000000, newImage(t, test.second))

			if err != nil {
				t.Fatalf("Authenticate() = %v", err)
			}

			if payload != test.wantPayload {
				t.Fatalf("Authenticate() = %#x, want %#x", payload, test.wantPayload)
			}

			if p.released != 1 {
				t.Fatalf("Release() called %d times", p.released)
			}

			if !bytes.Equal(p.verified[sigBlock+blobOff:][:len(device)], device) {
				t.Fatal("Device key blob not restored before verification")
			}
		})
	}
}

func TestContainerKeepsPopulatedBlob(t *testing.T) {
	img := newImage(t, false)
	embedded := keyBlob(blobLen)
	copy(img[sigBlock+blobOff:], embedded)

	p := &testPlatform{}
	c := &Container{Platform: p, KeyBlobs: staticBlob(keyBlob(16))}

	if _, err := c.Authenticate(0x80000000, img); err != nil {
		t.Fatalf("Authenticate() = %v", err)
	}

	if !bytes.Equal(p.verified[sigBlock+blobOff:], embedded) {
		t.Fatal("Populated key blob was overwritten")
	}
}

func TestContainerFailure(t *testing.T) {
	p := &testPlatform{fail: true}
	c := &Container{Platform: p, KeyBlobs: staticBlob(keyBlob(16))}

	if _, err := c.Authenticate(0x80000000, newImage(t, false)); !errors.Is(err, fault.ErrCrypto) {
		t.Fatalf("Authenticate() = %v, want ErrCrypto", err)
	}

	if p.released != 1 {
		t.Fatalf("Release() called %d times after failure", p.released)
	}

	img := newImage(t, false)
	img[3] = ahab.KeyBlobTag

	if _, err := c.Authenticate(0x80000000, img); !errors.Is(err, fault.ErrIntegrity) {
		t.Fatalf("Authenticate(bad tag) = %v, want ErrIntegrity", err)
	}

	c = &Container{Platform: &testPlatform{}, KeyBlobs: staticBlob(keyBlob(blobLen + 1))}

	if _, err := c.Authenticate(0x80000000, newImage(t, false)); !errors.Is(err, fault.ErrInvalidArgument) {
		t.Fatalf("Authenticate(large blob) = %v, want ErrInvalidArgument", err)
	}

	c = &Container{Platform: &testPlatform{}}

	if _, err := c.Authenticate(0x80000000, newImage(t, false)); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("Authenticate(no key blob source) = %v, want ErrNotFound", err)
	}
}

func TestContainerFuseVersion(t *testing.T) {
	hw := fuse.NewArray(fuse.OCOTPGeometry)

	if err := hw.SetShadow(15, 0, 0x1f); err != nil {
		t.Fatal(err)
	}

	fuses := fuse.NewOCOTP(hw)
	counter := &FuseCounter{Bank: 15, Word: 0, Count: 2}

	for _, test := range []struct {
		version uint8
		wantErr error
	}{
		{version: 3, wantErr: fault.ErrPermission},
		{version: 5},
		{version: 6},
	} {
		p := &testPlatform{}
		c := &Container{Platform: p, KeyBlobs: staticBlob(keyBlob(16)), Counter: counter, Fuses: fuses}

		img := newImage(t, false)
		img[10] = test.version

		if _, err := c.Authenticate(0x80000000, img); !errors.Is(err, test.wantErr) {
			t.Fatalf("Authenticate(fuse version %d) = %v, want %v", test.version, err, test.wantErr)
		}

		if test.wantErr != nil && (p.verified != nil || p.released != 0) {
			t.Fatalf("fuse version %d: container verified after rollback", test.version)
		}
	}

	c := &Container{Platform: &testPlatform{}, KeyBlobs: staticBlob(keyBlob(16)), Counter: counter}

	if _, err := c.Authenticate(0x80000000, newImage(t, false)); !errors.Is(err, fault.ErrInvalidArgument) {
		t.Fatalf("Authenticate(no fuses) = %v, want ErrInvalidArgument", err)
	}
}

func TestCheckVersion(t *testing.T) {
	for _, test := range []struct {
		candidate string
		minimum   string
		wantErr   error
	}{
		{candidate: "1.2.3", minimum: "1.2.3"},
		{candidate: "1.3.0", minimum: "1.2.9"},
		{candidate: "1.2.2", minimum: "1.2.3", wantErr: fault.ErrPermission},
		{candidate: "v1", minimum: "1.2.3", wantErr: fault.ErrInvalidArgument},
		{candidate: "1.2.3", minimum: "", wantErr: fault.ErrInvalidArgument},
	} {
		if err := CheckVersion(test.candidate, test.minimum); !errors.Is(err, test.wantErr) {
			t.Errorf("CheckVersion(%q, %q) = %v, want %v", test.candidate, test.minimum, err, test.wantErr)
		}
	}
}

func TestFuseCounter(t *testing.T) {
	hw := fuse.NewArray(fuse.OCOTPGeometry)
	c := fuse.NewController(fuse.NewOCOTP(hw))
	counter := FuseCounter{Bank: 15, Word: 0, Count: 2}

	if err := counter.Advance(c, 3); !errors.Is(err, fault.ErrPermission) {
		t.Fatalf("Advance(unarmed) = %v, want ErrPermission", err)
	}

	if err := c.AllowProg(true); err != nil {
		t.Fatal(err)
	}

	if err := counter.Advance(c, 40); err != nil {
		t.Fatalf("Advance() = %v", err)
	}

	if n, err := counter.Value(c); err != nil || n != 40 {
		t.Fatalf("Value() = %d, %v, want 40", n, err)
	}

	// counters never decrease
	if err := counter.Advance(c, 5); err != nil {
		t.Fatalf("Advance(lower) = %v", err)
	}

	if n, _ := counter.Value(c); n != 40 {
		t.Fatalf("Value() = %d after lower advance, want 40", n)
	}

	if err := counter.Check(c, 40); err != nil {
		t.Fatalf("Check(40) = %v", err)
	}

	if err := counter.Check(c, 39); !errors.Is(err, fault.ErrPermission) {
		t.Fatalf("Check(39) = %v, want ErrPermission", err)
	}

	if err := counter.Advance(c, 65); !errors.Is(err, fault.ErrInvalidArgument) {
		t.Fatalf("Advance(65) = %v, want ErrInvalidArgument", err)
	}
}
