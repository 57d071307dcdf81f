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

package main

import (
	"bytes"
	"errors"
	"fmt"
	"log"

	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/usbarmory/trustfence/fuse"
	"github.com/usbarmory/trustfence/rpmb"
	"github.com/usbarmory/trustfence/secboot"
	"github.com/usbarmory/trustfence/trust"
)

const (
	// RPMB sector for CVE-2020-13799 mitigation
	dummySector = 0
	// RPMB sector for OS rollback protection
	osVersionSector = 1
	// RPMB sector for TA rollback protection
	taVersionSector = 2
	// RPMB sector for TA use
	taUserSector = 3

	// RPMB key programming OTP flag
	rpmbFuseBank = 4
	rpmbFuseWord = 6
	rpmbFuseMask = 1

	diversifierMAC = "trustfence MAC  "
)

type RPMB struct {
	card      rpmb.Card
	partition *rpmb.RPMB
}

func (r *RPMB) init(fuses *fuse.Controller) (err error) {
	secret, err := trust.HardwareSecret(diversifierMAC)

	if err != nil {
		return fmt.Errorf("could not derive RPMB key (%v)", err)
	}

	uid := imx6ul.UniqueID()

	if r.partition, err = rpmb.Init(r.card, trust.RPMBKey(secret, uid[:]), dummySector, true); err != nil {
		return
	}

	var e *rpmb.OperationError
	_, err = r.partition.Counter(false)

	if !(errors.As(err, &e) && e.Result == rpmb.AuthenticationKeyNotYetProgrammed) {
		return
	}

	// Fuse a bit to indicate previous key programming to prevent malicious
	// eMMC replacement to intercept ProgramKey().
	//
	// If already fused refuse to do any programming and bail.
	if val, err := fuses.Sense(rpmbFuseBank, rpmbFuseWord); err != nil || val&rpmbFuseMask != 0 {
		return fmt.Errorf("could not read RPMB program key flag (%x, %v)", val, err)
	}

	if err = fuses.AllowProg(true); err != nil {
		return
	}

	if err = fuses.ProgVerify("RPMB program key flag", rpmbFuseBank, rpmbFuseWord, rpmbFuseMask); err != nil {
		return fmt.Errorf("could not fuse RPMB program key flag (%v)", err)
	}

	log.Print("RPMB authentication key not yet programmed, programming")

	if err = r.partition.ProgramKey(); err != nil {
		return fmt.Errorf("could not program RPMB key (%v)", err)
	}

	return
}

// expectedVersion returns the version stored in an RPMB sector, an empty
// string when none was ever stored.
func (r *RPMB) expectedVersion(sector uint16) (string, error) {
	if r.partition == nil {
		return "", errors.New("RPMB has not been initialized")
	}

	buf := make([]byte, rpmb.SectorSize)

	if err := r.partition.Read(sector, buf); err != nil {
		return "", err
	}

	return string(bytes.TrimRight(buf, "\x00")), nil
}

// checkVersion verifies version information against RPMB stored data.
//
// If the passed version is older than the stored one an error is returned,
// if more recent the stored version is updated with it.
func (r *RPMB) checkVersion(sector uint16, version string) (err error) {
	expected, err := r.expectedVersion(sector)

	if err != nil {
		return
	}

	if len(expected) > 0 {
		if err = secboot.CheckVersion(version, expected); err != nil {
			return
		}

		if version == expected {
			return
		}
	}

	log.Printf("SM updating sector %d version to %s", sector, version)

	buf := make([]byte, rpmb.SectorSize)
	copy(buf, version)

	return r.partition.Write(sector, buf)
}

// transfer performs an authenticated data transfer to the card RPMB partition,
// the input buffer can contain up to 256 bytes of data, n can be passed to
// retrieve the partition write counter.
func (r *RPMB) transfer(sector uint16, buf []byte, n *uint32, write bool) (err error) {
	if r.partition == nil {
		return errors.New("RPMB has not been initialized")
	}

	if write {
		err = r.partition.Write(sector, buf)
	} else {
		err = r.partition.Read(sector, buf)
	}

	if err == nil && n != nil {
		*n, err = r.partition.Counter(true)
	}

	return
}
