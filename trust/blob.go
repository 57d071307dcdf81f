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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/usbarmory/trustfence/fault"
)

const (
	// BlobKeySize is the size of the random blob key seed prepended to
	// each blob.
	BlobKeySize = 32
	// BlobMACSize is the size of the blob authentication tag.
	BlobMACSize = 16
	// BlobOverhead is the size added to a payload by blob encapsulation.
	BlobOverhead = BlobKeySize + BlobMACSize

	blobInfo = "trustfence blob"
)

// BlobEngine represents a secure co-processor able to encapsulate data in
// authenticated blobs bound to the device and a key modifier.
type BlobEngine interface {
	// Encapsulate wraps src in dst, len(dst) must be len(src)+BlobOverhead.
	Encapsulate(mod []byte, dst []byte, src []byte) error
	// Decapsulate unwraps src in dst, len(dst) must be len(src)-BlobOverhead.
	Decapsulate(mod []byte, dst []byte, src []byte) error
}

// Blob is the secure co-processor backend.
type Blob struct {
	Engine BlobEngine
}

// Overhead implements Backend.
func (b *Blob) Overhead() int {
	return BlobOverhead
}

// Encrypt implements Backend.
func (b *Blob) Encrypt(mod [ModifierSize]byte, dst []byte, src []byte) error {
	if len(dst) != len(src)+BlobOverhead {
		return fault.New("blob encapsulate", fault.ErrInvalidArgument, "invalid output length %d", len(dst))
	}

	return b.Engine.Encapsulate(mod[:], dst, src)
}

// Decrypt implements Backend.
func (b *Blob) Decrypt(mod [ModifierSize]byte, dst []byte, src []byte) error {
	if len(src) < BlobOverhead || len(dst) != len(src)-BlobOverhead {
		return fault.New("blob decapsulate", fault.ErrInvalidArgument, "invalid input length %d", len(src))
	}

	return b.Engine.Decapsulate(mod[:], dst, src)
}

// SoftBlobEngine implements BlobEngine with AES-256-GCM keyed from a hardware
// unique secret, the blob key is derived with HKDF from the secret, a random
// per blob seed and the key modifier.
//
// Blob format: seed (32 bytes) || ciphertext || tag (16 bytes).
type SoftBlobEngine struct {
	// Secret is the hardware unique secret.
	Secret []byte
	// Rand is the seed entropy source, crypto/rand when nil.
	Rand io.Reader
}

func (e *SoftBlobEngine) aead(seed []byte, mod []byte) (aead cipher.AEAD, err error) {
	if len(e.Secret) == 0 {
		return nil, fault.New("blob", fault.ErrCrypto, "missing hardware secret")
	}

	key := make([]byte, 32)
	defer wipe(key)

	info := append([]byte(blobInfo), mod...)

	if _, err = io.ReadFull(hkdf.New(sha256.New, e.Secret, seed, info), key); err != nil {
		return nil, fmt.Errorf("could not derive blob key, %v", err)
	}

	block, err := aes.NewCipher(key)

	if err != nil {
		return
	}

	return cipher.NewGCM(block)
}

// Encapsulate implements BlobEngine.
func (e *SoftBlobEngine) Encapsulate(mod []byte, dst []byte, src []byte) (err error) {
	if len(dst) != len(src)+BlobOverhead {
		return fault.New("blob encapsulate", fault.ErrInvalidArgument, "invalid output length %d", len(dst))
	}

	r := e.Rand

	if r == nil {
		r = rand.Reader
	}

	seed := dst[:BlobKeySize]

	if _, err = io.ReadFull(r, seed); err != nil {
		return fault.Wrap("blob encapsulate", fault.ErrCrypto, err)
	}

	aead, err := e.aead(seed, mod)

	if err != nil {
		return fault.Wrap("blob encapsulate", fault.ErrCrypto, err)
	}

	// the key is single use, a zero nonce is safe
	nonce := make([]byte, aead.NonceSize())
	aead.Seal(dst[BlobKeySize:BlobKeySize], nonce, src, mod)

	return
}

// Decapsulate implements BlobEngine.
func (e *SoftBlobEngine) Decapsulate(mod []byte, dst []byte, src []byte) (err error) {
	if len(src) < BlobOverhead || len(dst) != len(src)-BlobOverhead {
		return fault.New("blob decapsulate", fault.ErrInvalidArgument, "invalid input length %d", len(src))
	}

	aead, err := e.aead(src[:BlobKeySize], mod)

	if err != nil {
		return fault.Wrap("blob decapsulate", fault.ErrCrypto, err)
	}

	nonce := make([]byte, aead.NonceSize())
	res, err := aead.Open(nil, nonce, src[BlobKeySize:], mod)
	defer wipe(res)

	if err != nil {
		return fault.New("blob decapsulate", fault.ErrCrypto, "blob authentication failed")
	}

	copy(dst, res)

	return
}
