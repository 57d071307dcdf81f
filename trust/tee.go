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
	"fmt"

	"k8s.io/klog/v2"

	"github.com/usbarmory/trustfence/api/rpc"
	"github.com/usbarmory/trustfence/fault"
)

const (
	// CipherTA is the identifier of the trusted application providing
	// environment encryption.
	CipherTA = "b5f3a36e-6ef1-4c8b-9e33-1d1a1b5c0e7d"
	// EnvKeyID selects the trusted application device key used for
	// environment encryption.
	EnvKeyID = "env"

	teeKeySize = 256
)

// Session represents an open session with a trusted application.
type Session interface {
	Invoke(req *rpc.TEERequest) (*rpc.TEEResponse, error)
	Close() error
}

// TEEClient represents the normal world client of a trusted execution
// environment.
type TEEClient interface {
	Open(uuid string) (Session, error)
}

// TEE is the trusted execution environment backend, the environment is
// ciphered with AES-256-CTR by a trusted application using a device key and
// the key modifier as IV.
type TEE struct {
	Client TEEClient
}

// Overhead implements Backend.
func (t *TEE) Overhead() int {
	return 0
}

// Encrypt implements Backend.
func (t *TEE) Encrypt(mod [ModifierSize]byte, dst []byte, src []byte) error {
	return t.cipher(mod, dst, src, false)
}

// Decrypt implements Backend.
func (t *TEE) Decrypt(mod [ModifierSize]byte, dst []byte, src []byte) error {
	return t.cipher(mod, dst, src, true)
}

func (t *TEE) cipher(mod [ModifierSize]byte, dst []byte, src []byte, decrypt bool) (err error) {
	if len(dst) != len(src) {
		return fault.New("tee cipher", fault.ErrInvalidArgument, "length mismatch (%d != %d)", len(dst), len(src))
	}

	if t.Client == nil {
		return fault.New("tee cipher", fault.ErrCrypto, "no TEE client")
	}

	s, err := t.Client.Open(CipherTA)

	if err != nil {
		return fault.Wrap("tee open", fault.ErrCrypto, err)
	}

	defer func() {
		if e := s.Close(); e != nil {
			klog.Warningf("could not close TEE session, %v", e)
		}
	}()

	iv := make([]byte, ModifierSize)
	copy(iv, mod[:])
	defer wipe(iv)

	for _, req := range []*rpc.TEERequest{
		{Cmd: rpc.CmdPrepare, Algorithm: rpc.AlgAES, Mode: rpc.ModeCTR, KeySize: teeKeySize, Decrypt: decrypt},
		{Cmd: rpc.CmdSetKey, KeyID: EnvKeyID},
		{Cmd: rpc.CmdSetIV, IV: iv},
	} {
		if _, err = s.Invoke(req); err != nil {
			return fault.Wrap(fmt.Sprintf("tee command %d", req.Cmd), fault.ErrCrypto, err)
		}
	}

	res, err := s.Invoke(&rpc.TEERequest{Cmd: rpc.CmdCipher, In: src})

	if err != nil {
		return fault.Wrap("tee cipher", fault.ErrCrypto, err)
	}

	if res == nil || len(res.Out) != len(dst) {
		return fault.New("tee cipher", fault.ErrCrypto, "unexpected cipher output")
	}

	defer wipe(res.Out)

	copy(dst, res.Out)

	return
}
