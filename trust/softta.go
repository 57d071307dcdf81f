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
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/usbarmory/trustfence/api/rpc"
	"github.com/usbarmory/trustfence/fault"
)

const taKeyInfo = "trustfence TA key "

type taSession struct {
	prepared bool
	decrypt  bool
	key      []byte
	iv       []byte
}

func (s *taSession) clear() {
	wipe(s.key)
	wipe(s.iv)
	s.key = nil
	s.iv = nil
}

// SoftTA implements the environment cipher trusted application, keys are
// derived from a device unique secret which never leaves the secure world.
//
// SoftTA can be used directly as an in-process TEEClient or exposed to the
// normal world through the RPC handlers OpenSession, Invoke and CloseSession.
type SoftTA struct {
	// Secret is the device unique secret.
	Secret []byte

	mu       sync.Mutex
	next     uint32
	sessions map[uint32]*taSession
}

// OpenSession opens a session with the trusted application identified by
// uuid.
func (ta *SoftTA) OpenSession(uuid string) (id uint32, err error) {
	if uuid != CipherTA {
		return 0, fault.New("ta open", fault.ErrNotFound, "unknown trusted application %s", uuid)
	}

	ta.mu.Lock()
	defer ta.mu.Unlock()

	if ta.sessions == nil {
		ta.sessions = make(map[uint32]*taSession)
	}

	ta.next++
	id = ta.next
	ta.sessions[id] = &taSession{}

	return
}

// CloseSession closes an open session, clearing its key material.
func (ta *SoftTA) CloseSession(id uint32) error {
	ta.mu.Lock()
	defer ta.mu.Unlock()

	s, ok := ta.sessions[id]

	if !ok {
		return fault.New("ta close", fault.ErrNotFound, "invalid session %d", id)
	}

	s.clear()
	delete(ta.sessions, id)

	return nil
}

// Sessions returns the number of open sessions.
func (ta *SoftTA) Sessions() int {
	ta.mu.Lock()
	defer ta.mu.Unlock()

	return len(ta.sessions)
}

// Invoke executes a command on an open session.
func (ta *SoftTA) Invoke(req *rpc.TEERequest, res *rpc.TEEResponse) (err error) {
	ta.mu.Lock()
	defer ta.mu.Unlock()

	s, ok := ta.sessions[req.Session]

	if !ok {
		return fault.New("ta invoke", fault.ErrNotFound, "invalid session %d", req.Session)
	}

	switch req.Cmd {
	case rpc.CmdPrepare:
		if req.Algorithm != rpc.AlgAES || req.Mode != rpc.ModeCTR || req.KeySize != teeKeySize {
			return fault.New("ta prepare", fault.ErrInvalidArgument, "unsupported cipher %#x/%#x/%d", req.Algorithm, req.Mode, req.KeySize)
		}

		s.prepared = true
		s.decrypt = req.Decrypt
	case rpc.CmdSetKey:
		if !s.prepared {
			return fault.New("ta set key", fault.ErrCrypto, "operation not prepared")
		}

		if s.key, err = ta.deriveKey(req.KeyID); err != nil {
			return
		}
	case rpc.CmdSetIV:
		if len(req.IV) != aes.BlockSize {
			return fault.New("ta set iv", fault.ErrInvalidArgument, "invalid IV length %d", len(req.IV))
		}

		s.iv = append([]byte{}, req.IV...)
	case rpc.CmdCipher:
		if s.key == nil || s.iv == nil {
			return fault.New("ta cipher", fault.ErrCrypto, "key or IV not set")
		}

		block, err := aes.NewCipher(s.key)

		if err != nil {
			return fault.Wrap("ta cipher", fault.ErrCrypto, err)
		}

		res.Out = make([]byte, len(req.In))
		cipher.NewCTR(block, s.iv).XORKeyStream(res.Out, req.In)
	default:
		return fault.New("ta invoke", fault.ErrInvalidArgument, "invalid command %d", req.Cmd)
	}

	return
}

func (ta *SoftTA) deriveKey(id string) (key []byte, err error) {
	if len(ta.Secret) == 0 {
		return nil, fault.New("ta set key", fault.ErrCrypto, "missing device secret")
	}

	key = make([]byte, teeKeySize/8)

	if _, err = io.ReadFull(hkdf.New(sha256.New, ta.Secret, nil, []byte(taKeyInfo+id)), key); err != nil {
		wipe(key)
		return nil, fmt.Errorf("could not derive TA key, %v", err)
	}

	return
}

// Open implements TEEClient.
func (ta *SoftTA) Open(uuid string) (Session, error) {
	id, err := ta.OpenSession(uuid)

	if err != nil {
		return nil, err
	}

	return &localSession{ta: ta, id: id}, nil
}

type localSession struct {
	ta *SoftTA
	id uint32
}

func (s *localSession) Invoke(req *rpc.TEERequest) (res *rpc.TEEResponse, err error) {
	r := *req
	r.Session = s.id
	res = &rpc.TEEResponse{}

	err = s.ta.Invoke(&r, res)

	return
}

func (s *localSession) Close() error {
	return s.ta.CloseSession(s.id)
}
