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
	"log"
	"os"
	"runtime"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/usbarmory/trustfence/board"
	"github.com/usbarmory/trustfence/env"
	"github.com/usbarmory/trustfence/fuse"
	"github.com/usbarmory/trustfence/secboot"
	"github.com/usbarmory/trustfence/trust"
)

// initialized at compile time with -ldflags "-X main.Version=..."
var (
	Build     string
	Revision  string
	Version   string
	PublicKey string
)

var Storage = usbarmory.MMC

const (
	// diversifiers must be 16 bytes long
	taDiversifier   = "trustfence TA   "
	blobDiversifier = "trustfence blob "
)

// environment layout on the internal eMMC user partition
var envConfig = env.Config{
	Size:         0x2000,
	Offset:       0x400000,
	OffsetRedund: 0x402000,
	Redundant:    true,
	Encrypt:      true,
}

func init() {
	log.SetFlags(log.Ltime)
	log.SetOutput(os.Stdout)

	if len(PublicKey) == 0 {
		log.Fatal("SM applet authentication key is missing")
	}

	if imx6ul.Native {
		imx6ul.SetARMFreq(imx6ul.Freq792)
		imx6ul.DCP.Init()
	}

	imx6ul.GIC.Init(true, false)

	log.Printf("%s/%s (%s) • trustfence security monitor (Secure World system/monitor) • %s %s",
		runtime.GOOS, runtime.GOARCH, runtime.Version(),
		Revision, Build)
}

func main() {
	var err error

	usbarmory.LED("blue", false)
	usbarmory.LED("white", false)

	if !imx6ul.Native {
		log.Fatal("SM requires native execution")
	}

	if err = Storage.Detect(); err != nil {
		log.Fatalf("SM failed to detect storage, %v", err)
	}

	taSecret, err := trust.HardwareSecret(taDiversifier)

	if err != nil {
		log.Fatalf("SM could not derive TA secret, %v", err)
	}

	blobSecret, err := trust.HardwareSecret(blobDiversifier)

	if err != nil {
		log.Fatalf("SM could not derive blob secret, %v", err)
	}

	fuses := fuse.NewController(fuse.NewOCOTP(&fuse.OCOTPHardware{}))

	rpmb, err := newRPMB(Storage)

	if err != nil {
		log.Fatalf("SM could not open RPMB, %v", err)
	}

	if closed, _ := (trust.SNVSSecureBoot{}).Closed(); closed {
		log.Printf("SM version verification (%s)", Version)

		if err = rpmb.init(fuses); err != nil {
			log.Fatalf("SM could not initialize rollback protection, %v", err)
		}

		if err = rpmb.checkVersion(osVersionSector, Version); err != nil {
			log.Fatalf("SM firmware rollback check failure, %v", err)
		}
	}

	taELF, taSig, err := readApplet(Storage)

	if err != nil {
		log.Fatalf("SM could not read applet, %v", err)
	}

	res, err := board.Boot(&board.Config{
		Platform:        "imx6ul",
		Fuses:           &fuse.OCOTPHardware{},
		CarrierID:       board.Field{Bank: 4, Word: 7, Shift: 8, Mask: 0xff},
		CarrierRevision: board.Field{Bank: 4, Word: 7, Shift: 0, Mask: 0xff},
		Location:        env.DefaultLocation(env.MMC),
		Media: map[env.Where]env.Media{
			env.MMC: &env.MMCMedia{Dev: &cardDevice{card: Storage}, Unit: 0x2000},
		},
		Env:           envConfig,
		Trust:         &trust.Blob{Engine: &trust.SoftBlobEngine{Secret: blobSecret}},
		SecureBoot:    trust.SNVSSecureBoot{},
		Authenticator: &secboot.Discrete{Verifier: &signatureVerifier{Sig: taSig, PublicKey: PublicKey}},
		ImageAddr:     appletStart,
		Image:         taELF,
	})

	if err != nil {
		log.Fatalf("SM boot failure, %v", err)
	}

	log.Printf("SM applet verified, carrier %s", res.Carrier)
	usbarmory.LED("white", true)

	rpc := &RPC{
		TA:      &trust.SoftTA{Secret: taSecret},
		Storage: Storage,
		RPMB:    rpmb,
		Fuses:   res.Fuses,
	}

	if _, err = loadApplet(taELF, rpc); err != nil {
		log.Printf("SM applet execution error, %v", err)
	}

	log.Printf("SM rebooting")
	usbarmory.Reset()
}
