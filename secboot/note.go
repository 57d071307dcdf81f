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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/sumdb/note"

	"github.com/usbarmory/trustfence/fault"
)

// Manifest describes a signed image, it is carried as the text of a signed
// note:
//
//	<name>
//	<size>
//	<hex encoded SHA-256>
type Manifest struct {
	Name   string
	Size   int
	SHA256 [sha256.Size]byte
}

// NewManifest returns the manifest of an image.
func NewManifest(name string, img []byte) *Manifest {
	return &Manifest{
		Name:   name,
		Size:   len(img),
		SHA256: sha256.Sum256(img),
	}
}

// Marshal returns the note text for the manifest.
func (m *Manifest) Marshal() []byte {
	return []byte(fmt.Sprintf("%s\n%d\n%s\n", m.Name, m.Size, hex.EncodeToString(m.SHA256[:])))
}

// Unmarshal parses note text into the manifest.
func (m *Manifest) Unmarshal(text []byte) (err error) {
	lines := strings.Split(strings.TrimSuffix(string(text), "\n"), "\n")

	if len(lines) != 3 || len(lines[0]) == 0 {
		return fault.New("manifest", fault.ErrIntegrity, "invalid manifest")
	}

	size, err := strconv.Atoi(lines[1])

	if err != nil || size < 0 {
		return fault.New("manifest", fault.ErrIntegrity, "invalid size %q", lines[1])
	}

	sum, err := hex.DecodeString(lines[2])

	if err != nil || len(sum) != sha256.Size {
		return fault.New("manifest", fault.ErrIntegrity, "invalid hash %q", lines[2])
	}

	m.Name = lines[0]
	m.Size = size
	copy(m.SHA256[:], sum)

	return
}

// NoteVerifier implements Verifier by checking the image against a manifest
// signed by a trusted key.
type NoteVerifier struct {
	// Name is the expected image name.
	Name string
	// Note is the signed manifest.
	Note []byte
	// Verifiers holds the trusted public keys.
	Verifiers note.Verifiers
}

// NewNoteVerifier returns a verifier for a manifest signed by any of the
// given keys, in note verifier key format.
func NewNoteVerifier(name string, signed []byte, keys ...string) (v *NoteVerifier, err error) {
	var verifiers []note.Verifier

	for _, k := range keys {
		nv, err := note.NewVerifier(k)

		if err != nil {
			return nil, fault.Wrap("note verifier", fault.ErrInvalidArgument, err)
		}

		verifiers = append(verifiers, nv)
	}

	if len(verifiers) == 0 {
		return nil, fault.New("note verifier", fault.ErrInvalidArgument, "no keys")
	}

	return &NoteVerifier{
		Name:      name,
		Note:      signed,
		Verifiers: note.VerifierList(verifiers...),
	}, nil
}

// Verify implements Verifier.
func (v *NoteVerifier) Verify(_ uint64, img []byte) (err error) {
	n, err := note.Open(v.Note, v.Verifiers)

	if err != nil {
		return fmt.Errorf("could not open manifest (%v)", err)
	}

	m := &Manifest{}

	if err = m.Unmarshal([]byte(n.Text)); err != nil {
		return
	}

	if m.Name != v.Name {
		return fmt.Errorf("manifest name mismatch (%s != %s)", m.Name, v.Name)
	}

	if m.Size != len(img) {
		return fmt.Errorf("image size mismatch (%d != %d)", len(img), m.Size)
	}

	if sum := sha256.Sum256(img); !bytes.Equal(sum[:], m.SHA256[:]) {
		return fmt.Errorf("image hash mismatch")
	}

	return
}
