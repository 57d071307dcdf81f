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

// Package rpc defines the messages exchanged between the normal world
// bootloader and the trusted OS.
package rpc

import (
	"github.com/coreos/go-semver/semver"
)

// TEE cipher session commands.
const (
	CmdPrepare uint32 = iota
	CmdSetKey
	CmdSetIV
	CmdCipher
)

// Cipher algorithms.
const (
	AlgAES uint32 = 0x10000010
)

// Cipher modes.
const (
	ModeCTR uint32 = 0x10000210
)

// TEEOpen represents a request to open a session with a trusted application.
type TEEOpen struct {
	UUID string
}

// TEERequest represents a command invocation on an open session.
type TEERequest struct {
	Session uint32
	Cmd     uint32

	// CmdPrepare parameters
	Algorithm uint32
	Mode      uint32
	KeySize   int
	Decrypt   bool

	// CmdSetKey parameter, selects the device key derivation label
	KeyID string

	// CmdSetIV parameter
	IV []byte

	// CmdCipher input, shared with the trusted application
	In []byte
}

// TEEResponse represents the result of a command invocation.
type TEEResponse struct {
	// Out holds the CmdCipher output.
	Out []byte
}

// WriteBlocks represents an RPC request for internal eMMC write.
type WriteBlocks struct {
	LBA  int
	Data []byte
}

// Read represents an RPC request for internal eMMC read.
type Read struct {
	Offset int64
	Size   int64
}

// InstalledVersions represents the installed/running versions
// of the trusted OS and boot payload.
type InstalledVersions struct {
	OS      semver.Version
	Payload semver.Version
}
