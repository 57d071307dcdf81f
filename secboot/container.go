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
	"errors"

	"k8s.io/klog/v2"

	"github.com/usbarmory/trustfence/ahab"
	"github.com/usbarmory/trustfence/fault"
	"github.com/usbarmory/trustfence/fuse"
)

// Platform represents the secure enclave container authentication service.
type Platform interface {
	// Verify authenticates the container header at addr.
	Verify(addr uint64, hdr []byte) error
	// Release frees the enclave container resources, it is invoked after
	// every Verify attempt.
	Release() error
}

// KeyBlobSource provides the device encrypted key blob.
type KeyBlobSource interface {
	KeyBlob() ([]byte, error)
}

// Container authenticates AHAB container images.
type Container struct {
	Platform Platform
	// KeyBlobs, when set, restores the device key blob in containers
	// which do not carry a populated one.
	KeyBlobs KeyBlobSource
	// Counter, when set, rejects containers whose fuse version is lower
	// than the fuse counter read from Fuses.
	Counter *FuseCounter
	Fuses   fuse.Reader
}

// restoreKeyBlob copies the device key blob into the container DEK slot
// unless the slot already holds a valid blob.
func (c *Container) restoreKeyBlob(hdr []byte) (err error) {
	off, size, err := ahab.DEKBlobOffset(hdr)

	switch {
	case errors.Is(err, fault.ErrNotFound):
		return nil
	case err != nil:
		return
	}

	if _, err = ahab.ParseKeyBlob(hdr[off : off+size]); err == nil {
		return
	}

	if c.KeyBlobs == nil {
		return fault.New("key blob", fault.ErrNotFound, "container key blob not populated")
	}

	blob, err := c.KeyBlobs.KeyBlob()

	if err != nil {
		return fault.Wrap("key blob", fault.ErrCrypto, err)
	}

	if len(blob) > size {
		return fault.New("key blob", fault.ErrInvalidArgument, "device key blob too large (%d > %d)", len(blob), size)
	}

	if _, err = ahab.ParseKeyBlob(blob); err != nil {
		return
	}

	klog.Infof("restoring device key blob off:%#x size:%d", off, len(blob))
	copy(hdr[off:], blob)

	return
}

// Authenticate implements Authenticator, the returned address points to the
// first image payload of the authenticated container.
func (c *Container) Authenticate(addr uint64, img []byte) (payload uint64, err error) {
	base, ctr, err := ahab.Locate(img)

	if err != nil {
		return
	}

	hdr := img[base:]

	if err = c.restoreKeyBlob(hdr); err != nil {
		return
	}

	off, err := ctr.PayloadOffset()

	if err != nil {
		return
	}

	if c.Counter != nil {
		if c.Fuses == nil {
			return 0, fault.New("fuse version", fault.ErrInvalidArgument, "no fuses for version counter")
		}

		if err = c.Counter.Check(c.Fuses, ctr.FuseVersion); err != nil {
			klog.Errorf("container rejected addr:%#x (%v)", addr+uint64(base), err)
			return
		}
	}

	if c.Platform == nil {
		return 0, fault.New("authenticate", fault.ErrCrypto, "no platform")
	}

	defer func() {
		if e := c.Platform.Release(); e != nil {
			klog.Warningf("could not release container, %v", e)

			if err == nil {
				payload = 0
				err = fault.Wrap("release", fault.ErrIO, e)
			}
		}
	}()

	if err = c.Platform.Verify(addr+uint64(base), hdr); err != nil {
		klog.Errorf("container authentication failed addr:%#x (%v)", addr+uint64(base), err)
		return 0, fault.Wrap("authenticate", fault.ErrCrypto, err)
	}

	payload = addr + uint64(base) + uint64(off)

	klog.Infof("container authenticated addr:%#x payload:%#x", addr+uint64(base), payload)

	return
}
