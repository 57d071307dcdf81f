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

// Package trust implements device bound encryption of persistent
// configuration data (TrustFence environment encryption).
//
// A 128-bit key modifier is derived from the hardware identity (HWID) fuse
// words and used to bind a backend specific wrap/unwrap primitive to the
// device: either a secure co-processor blob (Blob) or a cipher session with a
// trusted application running in a trusted execution environment (TEE).
//
// Encryption is only performed on devices where secure boot is enabled, on
// open devices the environment is kept in plaintext.
package trust

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/usbarmory/trustfence/fault"
	"github.com/usbarmory/trustfence/fuse"
)

// ModifierSize is the key modifier length in bytes.
const ModifierSize = md5.Size

// HWID describes the location of the hardware identity fuse words.
type HWID struct {
	Bank  uint32
	Word  uint32
	Count int
}

// Validate checks that the HWID location is usable.
func (id HWID) Validate() error {
	if id.Count <= 0 {
		return fmt.Errorf("invalid HWID word count %d", id.Count)
	}

	return nil
}

// Platform describes the trust provisioning fuse layout of a SoC.
type Platform struct {
	Name   string
	Family fuse.Family
	HWID   HWID
	// SecConfig locates the fuse bits reporting a closed (secure boot
	// enforcing) device.
	SecConfig FuseSecureBoot
}

// Platforms lists the supported SoC platforms.
var Platforms = map[string]Platform{
	"imx6ul": {
		Name:      "imx6ul",
		Family:    fuse.FamilyOCOTP,
		HWID:      HWID{Bank: 4, Word: 2, Count: 2},
		SecConfig: FuseSecureBoot{Bank: 0, Word: 6, Mask: 1 << 1},
	},
	"imx8mn": {
		Name:      "imx8mn",
		Family:    fuse.FamilyOCOTP,
		HWID:      HWID{Bank: 9, Word: 0, Count: 3},
		SecConfig: FuseSecureBoot{Bank: 1, Word: 3, Mask: 1 << 25},
	},
	"imx8x": {
		Name:      "imx8x",
		Family:    fuse.FamilyELE,
		HWID:      HWID{Bank: 0, Word: 256, Count: 3},
		SecConfig: FuseSecureBoot{Bank: 0, Word: 18, Mask: 1 << 21},
	},
	"stm32mp1": {
		Name:      "stm32mp1",
		Family:    fuse.FamilyBSEC,
		HWID:      HWID{Bank: fuse.BSECBank, Word: 59, Count: 3},
		SecConfig: FuseSecureBoot{Bank: fuse.BSECBank, Word: 0, Mask: 1 << 6},
	},
}

// DeriveKeyModifier returns the key modifier of a device, computed as the MD5
// digest of its HWID words concatenated in word order (little-endian).
func DeriveKeyModifier(r fuse.Reader, id HWID) (mod [ModifierSize]byte, err error) {
	if err = id.Validate(); err != nil {
		return mod, fault.Wrap("key modifier", fault.ErrInvalidArgument, err)
	}

	words, err := fuse.ReadWords(r, id.Bank, id.Word, id.Count)

	if err != nil {
		return mod, fmt.Errorf("could not read HWID, %w", err)
	}

	buf := make([]byte, 4*len(words))
	defer wipe(buf)

	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}

	return md5.Sum(buf), nil
}

// SecureBoot reports the secure boot state of a device.
type SecureBoot interface {
	// Closed returns whether the device enforces secure boot.
	Closed() (bool, error)
}

// FuseSecureBoot reports a closed device when all Mask bits of a fuse word
// are set.
type FuseSecureBoot struct {
	Fuses fuse.Reader
	Bank  uint32
	Word  uint32
	Mask  uint32
}

// Closed implements SecureBoot.
func (s FuseSecureBoot) Closed() (bool, error) {
	if s.Fuses == nil {
		return false, fault.New("secure boot", fault.ErrInvalidArgument, "missing fuses")
	}

	val, err := s.Fuses.Read(s.Bank, s.Word)

	if err != nil {
		return false, err
	}

	return s.Mask != 0 && val&s.Mask == s.Mask, nil
}

// Backend represents a device bound wrap/unwrap primitive.
type Backend interface {
	// Overhead returns the number of bytes added by Encrypt.
	Overhead() int
	// Encrypt wraps src in dst, len(dst) must be len(src)+Overhead().
	Encrypt(mod [ModifierSize]byte, dst []byte, src []byte) error
	// Decrypt unwraps src in dst, len(dst) must be len(src)-Overhead().
	Decrypt(mod [ModifierSize]byte, dst []byte, src []byte) error
}

// Trust provides environment encryption bound to the device identity.
type Trust struct {
	// Fuses gives access to the HWID words.
	Fuses fuse.Reader
	// HWID locates the hardware identity.
	HWID HWID
	// Backend is the platform crypto backend.
	Backend Backend
	// SecureBoot reports whether encryption must be applied.
	SecureBoot SecureBoot
	// Alloc returns a working buffer and its release function, the
	// default allocates from DMA memory on supported targets.
	Alloc func(n int) ([]byte, func())
}

func (t *Trust) active(op string) (bool, error) {
	if t.SecureBoot == nil {
		return false, nil
	}

	closed, err := t.SecureBoot.Closed()

	if err != nil {
		return false, fmt.Errorf("%s: could not read secure boot state, %w", op, err)
	}

	if closed && t.Backend == nil {
		return false, fault.New(op, fault.ErrCrypto, "no crypto backend")
	}

	return closed, nil
}

func (t *Trust) payload(op string, buf []byte, size int) (n int, err error) {
	overhead := 0

	if t.Backend != nil {
		overhead = t.Backend.Overhead()
	}

	if size > len(buf) || size <= overhead {
		return 0, fault.New(op, fault.ErrInvalidArgument, "invalid size %d (buffer %d, overhead %d)", size, len(buf), overhead)
	}

	return size - overhead, nil
}

// PayloadSize returns the usable payload size of an encrypted buffer of the
// given size.
func (t *Trust) PayloadSize(size int) int {
	if t.Backend == nil {
		return size
	}

	return size - t.Backend.Overhead()
}

func (t *Trust) alloc(n int) (buf []byte, release func()) {
	if t.Alloc != nil {
		buf, release = t.Alloc(n)
	} else {
		buf, release = defaultAlloc(n)
	}

	return buf, func() {
		wipe(buf)
		release()
	}
}

// EncryptEnv encrypts, in place, the first size bytes of buf. The plaintext
// is taken from the first PayloadSize(size) bytes of buf.
//
// On open devices the buffer is left untouched.
func (t *Trust) EncryptEnv(buf []byte, size int) (err error) {
	return t.crypt("env encrypt", buf, size, true)
}

// DecryptEnv decrypts, in place, the first size bytes of buf. The plaintext
// is returned in the first PayloadSize(size) bytes of buf, the remaining ones
// are cleared.
//
// On open devices the buffer is left untouched.
func (t *Trust) DecryptEnv(buf []byte, size int) (err error) {
	return t.crypt("env decrypt", buf, size, false)
}

func (t *Trust) crypt(op string, buf []byte, size int, enc bool) (err error) {
	active, err := t.active(op)

	if err != nil || !active {
		return
	}

	n, err := t.payload(op, buf, size)

	if err != nil {
		return
	}

	mod, err := DeriveKeyModifier(t.Fuses, t.HWID)
	defer wipe(mod[:])

	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	// input and output working buffers, both wiped on release
	in, releaseIn := t.alloc(size)
	defer releaseIn()

	out, releaseOut := t.alloc(size)
	defer releaseOut()

	if enc {
		copy(in, buf[:n])
		err = t.Backend.Encrypt(mod, out[:size], in[:n])
	} else {
		copy(in, buf[:size])
		err = t.Backend.Decrypt(mod, out[:n], in[:size])
	}

	if err != nil {
		klog.Errorf("%s failed, %v", op, err)
		return fault.Wrap(op, fault.ErrCrypto, err)
	}

	if enc {
		copy(buf[:size], out[:size])
	} else {
		copy(buf[:n], out[:n])
		wipe(buf[n:size])
	}

	return
}
