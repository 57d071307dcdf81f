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

// Package secboot implements authenticated boot image verification over
// discrete signed artifacts or AHAB containers.
package secboot

import (
	"k8s.io/klog/v2"

	"github.com/usbarmory/trustfence/fault"
)

// Authenticator represents a secure boot backend.
type Authenticator interface {
	// Authenticate verifies the image loaded at addr and returns the
	// address of its payload.
	Authenticate(addr uint64, img []byte) (uint64, error)
}

// Verifier represents the platform authentication primitive.
type Verifier interface {
	Verify(addr uint64, img []byte) error
}

// Discrete authenticates raw images through a platform verifier, the image
// address is returned unchanged.
type Discrete struct {
	Verifier Verifier
}

// Authenticate implements Authenticator.
func (d *Discrete) Authenticate(addr uint64, img []byte) (uint64, error) {
	if len(img) == 0 {
		return 0, fault.New("authenticate", fault.ErrInvalidArgument, "empty image")
	}

	if d.Verifier == nil {
		return 0, fault.New("authenticate", fault.ErrCrypto, "no verifier")
	}

	if err := d.Verifier.Verify(addr, img); err != nil {
		klog.Errorf("image authentication failed addr:%#x size:%d (%v)", addr, len(img), err)
		return 0, fault.Wrap("authenticate", fault.ErrCrypto, err)
	}

	klog.Infof("image authenticated addr:%#x size:%d", addr, len(img))

	return addr, nil
}
