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
	"math/bits"

	"github.com/coreos/go-semver/semver"
	"k8s.io/klog/v2"

	"github.com/usbarmory/trustfence/fault"
	"github.com/usbarmory/trustfence/fuse"
)

// CheckVersion returns an error if the candidate version is lower than the
// minimum one.
func CheckVersion(candidate string, minimum string) (err error) {
	c, err := semver.NewVersion(candidate)

	if err != nil {
		return fault.Wrap("version", fault.ErrInvalidArgument, err)
	}

	m, err := semver.NewVersion(minimum)

	if err != nil {
		return fault.Wrap("version", fault.ErrInvalidArgument, err)
	}

	if c.LessThan(*m) {
		return fault.New("version", fault.ErrPermission, "rollback from %s to %s", m, c)
	}

	return
}

// FuseCounter represents a monotonic counter held in OTP words, its value is
// the number of bits set.
type FuseCounter struct {
	Bank  uint32
	Word  uint32
	Count int
}

// Value returns the counter value.
func (f FuseCounter) Value(r fuse.Reader) (n int, err error) {
	words, err := fuse.ReadWords(r, f.Bank, f.Word, f.Count)

	if err != nil {
		return
	}

	for _, w := range words {
		n += bits.OnesCount32(w)
	}

	return
}

// Check returns an error if version is lower than the counter value.
func (f FuseCounter) Check(r fuse.Reader, version uint8) (err error) {
	n, err := f.Value(r)

	if err != nil {
		return
	}

	if int(version) < n {
		return fault.New("fuse version", fault.ErrPermission, "image version %d lower than fuse counter %d", version, n)
	}

	return
}

// Advance programs the counter to version, it is a no-op when the counter is
// already at or above it. The controller must be armed.
func (f FuseCounter) Advance(c *fuse.Controller, version uint8) (err error) {
	if int(version) > f.Count*32 {
		return fault.New("fuse version", fault.ErrInvalidArgument, "version %d exceeds counter size", version)
	}

	n, err := f.Value(c)

	if err != nil || n >= int(version) {
		return
	}

	klog.Warningf("advancing fuse version counter from %d to %d (irreversible)", n, version)

	for i := 0; i < f.Count; i++ {
		n := int(version) - i*32

		if n <= 0 {
			break
		}

		val := uint32(0xffffffff)

		if n < 32 {
			val = 1<<n - 1
		}

		cur, err := c.Read(f.Bank, f.Word+uint32(i))

		if err != nil {
			return err
		}

		if cur|val == cur {
			continue
		}

		if err = c.Prog(f.Bank, f.Word+uint32(i), val&^cur); err != nil {
			return err
		}
	}

	return
}
