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

package trust

import (
	"bytes"
	"crypto/md5"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/usbarmory/trustfence/api/rpc"
	"github.com/usbarmory/trustfence/fault"
	"github.com/usbarmory/trustfence/fuse"
)

var testHWID = HWID{Bank: 4, Word: 2, Count: 2}

func newFuses(t *testing.T, words ...fuse.Word) (*fuse.Controller, *fuse.Array) {
	t.Helper()

	hw := fuse.NewArray(fuse.OCOTPGeometry)

	if err := hw.Restore(words); err != nil {
		t.Fatalf("Failed to restore fuses: %v", err)
	}

	return fuse.NewController(fuse.NewOCOTP(hw)), hw
}

func hwidWords(lo uint32, hi uint32) []fuse.Word {
	return []fuse.Word{
		{Bank: 4, Word: 2, OTP: lo, Shadow: lo},
		{Bank: 4, Word: 3, OTP: hi, Shadow: hi},
	}
}

type staticSecureBoot bool

func (s staticSecureBoot) Closed() (bool, error) {
	return bool(s), nil
}

func TestDeriveKeyModifier(t *testing.T) {
	c, _ := newFuses(t, hwidWords(0x11223344, 0x55667788)...)

	mod, err := DeriveKeyModifier(c, testHWID)

	if err != nil {
		t.Fatalf("DeriveKeyModifier() = %v", err)
	}

	want := md5.Sum([]byte{0x44, 0x33, 0x22, 0x11, 0x88, 0x77, 0x66, 0x55})

	if diff := cmp.Diff(want, mod); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}

	again, _ := DeriveKeyModifier(c, testHWID)

	if mod != again {
		t.Fatal("Key modifier is not deterministic")
	}

	other, _ := newFuses(t, hwidWords(0x11223344, 0x55667789)...)

	if m, _ := DeriveKeyModifier(other, testHWID); m == mod {
		t.Fatal("Key modifier does not depend on HWID")
	}
}

func TestDeriveKeyModifierErrors(t *testing.T) {
	c, hw := newFuses(t)

	if _, err := DeriveKeyModifier(c, HWID{Bank: 4}); !errors.Is(err, fault.ErrInvalidArgument) {
		t.Errorf("DeriveKeyModifier(no words) = %v, want ErrInvalidArgument", err)
	}

	if _, err := DeriveKeyModifier(c, HWID{Bank: 4, Word: 7, Count: 2}); !errors.Is(err, fault.ErrInvalidArgument) {
		t.Errorf("DeriveKeyModifier(out of bank) = %v, want ErrInvalidArgument", err)
	}

	hw.Fault = func(string, uint32, uint32) error {
		return errors.New("timeout")
	}

	if _, err := DeriveKeyModifier(c, testHWID); !errors.Is(err, fault.ErrIO) {
		t.Errorf("DeriveKeyModifier(faulty) = %v, want ErrIO", err)
	}
}

func TestFuseSecureBoot(t *testing.T) {
	p := Platforms["imx6ul"]

	for _, test := range []struct {
		name string
		val  uint32
		want bool
	}{
		{name: "open", val: 0},
		{name: "other bits", val: 0b101},
		{name: "closed", val: 0b10, want: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			c, _ := newFuses(t, fuse.Word{Bank: 0, Word: 6, OTP: test.val, Shadow: test.val})

			sb := p.SecConfig
			sb.Fuses = c

			closed, err := sb.Closed()

			if err != nil {
				t.Fatalf("Closed() = %v", err)
			}

			if closed != test.want {
				t.Fatalf("Closed() = %v, want %v", closed, test.want)
			}
		})
	}
}

func newTrust(t *testing.T, backend Backend, closed bool) *Trust {
	t.Helper()

	c, _ := newFuses(t, hwidWords(0xdeadbeef, 0x00c0ffee)...)

	return &Trust{
		Fuses:      c,
		HWID:       testHWID,
		Backend:    backend,
		SecureBoot: staticSecureBoot(closed),
	}
}

func backends() map[string]func() Backend {
	return map[string]func() Backend{
		"blob": func() Backend {
			return &Blob{Engine: &SoftBlobEngine{Secret: []byte("device unique secret")}}
		},
		"tee": func() Backend {
			return &TEE{Client: &SoftTA{Secret: []byte("device unique secret")}}
		},
	}
}

func TestEncryptDecryptEnv(t *testing.T) {
	payload := []byte("bootcmd=run trustfence\x00baudrate=115200\x00\x00")

	for name, backend := range backends() {
		t.Run(name, func(t *testing.T) {
			tr := newTrust(t, backend(), true)

			size := 256
			buf := make([]byte, size)
			copy(buf, payload)

			plain := append([]byte{}, buf[:tr.PayloadSize(size)]...)

			if err := tr.EncryptEnv(buf, size); err != nil {
				t.Fatalf("EncryptEnv() = %v", err)
			}

			if bytes.Contains(buf, []byte("bootcmd")) {
				t.Fatal("Encrypted buffer contains plaintext")
			}

			if err := tr.DecryptEnv(buf, size); err != nil {
				t.Fatalf("DecryptEnv() = %v", err)
			}

			if diff := cmp.Diff(plain, buf[:tr.PayloadSize(size)]); diff != "" {
				t.Fatalf("Got diff: %s", diff)
			}

			if !bytes.Equal(buf[tr.PayloadSize(size):size], make([]byte, size-tr.PayloadSize(size))) {
				t.Fatal("Blob overhead not cleared after decryption")
			}
		})
	}
}

func TestOpenDeviceNoop(t *testing.T) {
	for name, backend := range backends() {
		t.Run(name, func(t *testing.T) {
			tr := newTrust(t, backend(), false)

			buf := bytes.Repeat([]byte{0xa5}, 128)

			if err := tr.EncryptEnv(buf, len(buf)); err != nil {
				t.Fatalf("EncryptEnv() = %v", err)
			}

			if err := tr.DecryptEnv(buf, len(buf)); err != nil {
				t.Fatalf("DecryptEnv() = %v", err)
			}

			if !bytes.Equal(buf, bytes.Repeat([]byte{0xa5}, 128)) {
				t.Fatal("Buffer modified on open device")
			}
		})
	}
}

func TestDecryptOtherDevice(t *testing.T) {
	engine := &SoftBlobEngine{Secret: []byte("device unique secret")}
	tr := newTrust(t, &Blob{Engine: engine}, true)

	buf := make([]byte, 128)
	copy(buf, "foo=bar\x00\x00")

	if err := tr.EncryptEnv(buf, len(buf)); err != nil {
		t.Fatalf("EncryptEnv() = %v", err)
	}

	sealed := append([]byte{}, buf...)

	other, _ := newFuses(t, hwidWords(0xdeadbeef, 0x00c0fffe)...)
	tr.Fuses = other

	if err := tr.DecryptEnv(buf, len(buf)); !errors.Is(err, fault.ErrCrypto) {
		t.Fatalf("DecryptEnv() = %v, want ErrCrypto", err)
	}

	if !bytes.Equal(buf, sealed) {
		t.Fatal("Buffer modified on failed decryption")
	}
}

func TestInvalidSize(t *testing.T) {
	tr := newTrust(t, &Blob{Engine: &SoftBlobEngine{Secret: []byte("secret")}}, true)

	buf := make([]byte, 64)

	for _, size := range []int{0, BlobOverhead, len(buf) + 1} {
		if err := tr.EncryptEnv(buf, size); !errors.Is(err, fault.ErrInvalidArgument) {
			t.Errorf("EncryptEnv(%d) = %v, want ErrInvalidArgument", size, err)
		}
	}
}

func TestScratchWiped(t *testing.T) {
	for name, backend := range backends() {
		t.Run(name, func(t *testing.T) {
			var scratch [][]byte

			tr := newTrust(t, backend(), true)
			tr.Alloc = func(n int) ([]byte, func()) {
				buf := make([]byte, n)
				scratch = append(scratch, buf)
				return buf, func() {}
			}

			buf := make([]byte, 128)
			copy(buf, "secret=value\x00\x00")

			if err := tr.EncryptEnv(buf, len(buf)); err != nil {
				t.Fatalf("EncryptEnv() = %v", err)
			}

			if err := tr.DecryptEnv(buf, len(buf)); err != nil {
				t.Fatalf("DecryptEnv() = %v", err)
			}

			if len(scratch) == 0 {
				t.Fatal("No scratch buffers allocated")
			}

			for i, s := range scratch {
				if !bytes.Equal(s, make([]byte, len(s))) {
					t.Errorf("Scratch buffer %d not wiped", i)
				}
			}
		})
	}
}

type failingClient struct {
	ta      *SoftTA
	failCmd uint32
}

type failingSession struct {
	Session
	failCmd uint32
}

func (c *failingClient) Open(uuid string) (Session, error) {
	s, err := c.ta.Open(uuid)

	if err != nil {
		return nil, err
	}

	return &failingSession{Session: s, failCmd: c.failCmd}, nil
}

func (s *failingSession) Invoke(req *rpc.TEERequest) (*rpc.TEEResponse, error) {
	if req.Cmd == s.failCmd {
		return nil, errors.New("TEE_ERROR_GENERIC")
	}

	return s.Session.Invoke(req)
}

func TestTEESessionAlwaysClosed(t *testing.T) {
	for _, cmd := range []uint32{rpc.CmdPrepare, rpc.CmdSetKey, rpc.CmdSetIV, rpc.CmdCipher} {
		ta := &SoftTA{Secret: []byte("secret")}
		tr := newTrust(t, &TEE{Client: &failingClient{ta: ta, failCmd: cmd}}, true)

		buf := make([]byte, 64)

		if err := tr.EncryptEnv(buf, len(buf)); !errors.Is(err, fault.ErrCrypto) {
			t.Errorf("EncryptEnv(fail %d) = %v, want ErrCrypto", cmd, err)
		}

		if n := ta.Sessions(); n != 0 {
			t.Errorf("%d sessions left open after failing command %d", n, cmd)
		}
	}
}

func TestSoftTARejects(t *testing.T) {
	ta := &SoftTA{Secret: []byte("secret")}

	if _, err := ta.OpenSession("00000000-0000-0000-0000-000000000000"); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("OpenSession(unknown) = %v, want ErrNotFound", err)
	}

	id, err := ta.OpenSession(CipherTA)

	if err != nil {
		t.Fatal(err)
	}

	res := &rpc.TEEResponse{}

	if err := ta.Invoke(&rpc.TEERequest{Session: id, Cmd: rpc.CmdCipher, In: []byte{1}}, res); !errors.Is(err, fault.ErrCrypto) {
		t.Errorf("Invoke(cipher without key) = %v, want ErrCrypto", err)
	}

	if err := ta.Invoke(&rpc.TEERequest{Session: id, Cmd: rpc.CmdPrepare, Algorithm: rpc.AlgAES, Mode: rpc.ModeCTR, KeySize: 128}, res); !errors.Is(err, fault.ErrInvalidArgument) {
		t.Errorf("Invoke(prepare AES-128) = %v, want ErrInvalidArgument", err)
	}

	if err := ta.CloseSession(id); err != nil {
		t.Fatal(err)
	}

	if err := ta.Invoke(&rpc.TEERequest{Session: id, Cmd: rpc.CmdPrepare}, res); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("Invoke(closed session) = %v, want ErrNotFound", err)
	}
}

func TestRPMBKey(t *testing.T) {
	k1 := RPMBKey([]byte("secret"), []byte{1, 2, 3, 4, 5, 6, 7, 8})
	k2 := RPMBKey([]byte("secret"), []byte{1, 2, 3, 4, 5, 6, 7, 9})

	if len(k1) != 32 {
		t.Fatalf("RPMBKey() length %d, want 32", len(k1))
	}

	if bytes.Equal(k1, k2) {
		t.Fatal("RPMBKey() does not depend on the unique ID")
	}
}
