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

//go:build tamago
// +build tamago

package trust

import (
	"crypto/aes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/usbarmory/tamago/soc/nxp/imx6ul"
)

// HardwareSecret derives a hardware unique secret from the SoC OTPMK through
// the available crypto accelerator, the diversifier selects the secret and
// must be 16 bytes long.
func HardwareSecret(diversifier string) (secret []byte, err error) {
	if len(diversifier) != aes.BlockSize {
		return nil, fmt.Errorf("invalid diversifier length %d", len(diversifier))
	}

	if !imx6ul.Native {
		return nil, errors.New("hardware secret unavailable under emulation")
	}

	switch {
	case imx6ul.CAAM != nil:
		div := sha256.Sum256([]byte(diversifier))
		secret = make([]byte, sha256.Size)
		err = imx6ul.CAAM.DeriveKey(div[:], secret)
	case imx6ul.DCP != nil:
		secret, err = imx6ul.DCP.DeriveKey([]byte(diversifier), make([]byte, aes.BlockSize), -1)
	default:
		err = errors.New("unsupported hardware")
	}

	if err != nil {
		return nil, fmt.Errorf("could not derive hardware secret (%v)", err)
	}

	return
}

// SNVSSecureBoot reports a closed device when the SNVS security monitor is
// available, which requires HAB secure boot.
type SNVSSecureBoot struct{}

// Closed implements SecureBoot.
func (SNVSSecureBoot) Closed() (bool, error) {
	return imx6ul.Native && imx6ul.SNVS.Available(), nil
}
