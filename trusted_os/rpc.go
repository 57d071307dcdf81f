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
	"errors"
	"log"

	"github.com/coreos/go-semver/semver"
	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
	"github.com/usbarmory/tamago/soc/nxp/usdhc"

	"github.com/usbarmory/GoTEE/monitor"

	"github.com/usbarmory/trustfence/api/rpc"
	"github.com/usbarmory/trustfence/fuse"
	"github.com/usbarmory/trustfence/trust"
)

// Card represents the internal eMMC.
type Card interface {
	Info() usdhc.CardInfo
	WriteBlocks(lba int, buf []byte) error
	Read(offset int64, size int64) ([]byte, error)
}

// RPC represents the receiver for user mode RPC over system calls.
type RPC struct {
	TA      *trust.SoftTA
	Storage Card
	RPMB    *RPMB
	Fuses   *fuse.Controller
	Ctx     *monitor.ExecCtx

	appletVersion semver.Version
}

// Version receives the Trusted Applet version for verification.
func (r *RPC) Version(version string, _ *bool) (err error) {
	if r.RPMB.partition == nil {
		log.Print("SM skipping applet version verification")
		return
	}

	log.Printf("SM applet version verification (%s)", version)

	if err = r.RPMB.checkVersion(taVersionSector, version); err != nil {
		log.Printf("SM stopping applet, %v", err)
		r.Ctx.Stop()
		return
	}

	v, err := semver.NewVersion(version)

	if err != nil {
		return
	}

	r.appletVersion = *v

	return
}

// GetInstalledVersions returns the semantic versions of the OS and applet.
func (r *RPC) GetInstalledVersions(_ *any, v *rpc.InstalledVersions) error {
	if v == nil {
		return errors.New("invalid argument")
	}

	if osv, err := semver.NewVersion(Version); err == nil {
		v.OS = *osv
	}

	v.Payload = r.appletVersion

	return nil
}

// TEEOpen opens a session with a trusted application.
func (r *RPC) TEEOpen(req rpc.TEEOpen, id *uint32) (err error) {
	if id == nil {
		return errors.New("invalid argument")
	}

	*id, err = r.TA.OpenSession(req.UUID)

	return
}

// TEEInvoke executes a trusted application command.
func (r *RPC) TEEInvoke(req rpc.TEERequest, res *rpc.TEEResponse) error {
	if res == nil {
		return errors.New("invalid argument")
	}

	return r.TA.Invoke(&req, res)
}

// TEEClose closes a trusted application session.
func (r *RPC) TEEClose(id uint32, _ *bool) error {
	return r.TA.CloseSession(id)
}

// FuseRead returns a fuse word shadow value.
func (r *RPC) FuseRead(loc [2]uint32, val *uint32) (err error) {
	if val == nil {
		return errors.New("invalid argument")
	}

	*val, err = r.Fuses.Read(loc[0], loc[1])

	return
}

// CardInfo returns the storage media information.
func (r *RPC) CardInfo(_ any, info *usdhc.CardInfo) error {
	if r.Storage == nil {
		return errors.New("missing Storage")
	}

	*info = r.Storage.Info()

	return nil
}

// WriteBlocks transfers full blocks of data to the storage media.
func (r *RPC) WriteBlocks(xfer rpc.WriteBlocks, _ *bool) error {
	if r.Storage == nil {
		return errors.New("missing Storage")
	}

	return r.Storage.WriteBlocks(xfer.LBA, xfer.Data)
}

// Read transfers data from the storage media.
func (r *RPC) Read(xfer rpc.Read, out *[]byte) (err error) {
	if r.Storage == nil {
		return errors.New("missing Storage")
	}

	*out, err = r.Storage.Read(xfer.Offset, xfer.Size)

	return
}

// WriteRPMB performs an authenticated data transfer to the card RPMB partition
// sector allocated to the Trusted Applet. The input buffer can contain up to
// 256 bytes of data, n can be passed to retrieve the partition write counter.
func (r *RPC) WriteRPMB(buf []byte, n *uint32) error {
	return r.RPMB.transfer(taUserSector, buf, n, true)
}

// ReadRPMB performs an authenticated data transfer from the card RPMB
// partition sector allocated to the Trusted Applet.
func (r *RPC) ReadRPMB(buf []byte, n *uint32) error {
	return r.RPMB.transfer(taUserSector, buf, n, false)
}

// Reboot resets the system.
func (r *RPC) Reboot(_ *any, _ *bool) error {
	log.Printf("SM rebooting")
	usbarmory.Reset()

	return nil
}
