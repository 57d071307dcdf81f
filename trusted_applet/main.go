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
	"flag"
	"log"
	"runtime"
	"strconv"
	"strings"

	"github.com/usbarmory/GoTEE/applet"
	"github.com/usbarmory/GoTEE/syscall"
	"github.com/usbarmory/tamago/soc/nxp/usdhc"
	"k8s.io/klog/v2"

	"github.com/usbarmory/trustfence/env"
	"github.com/usbarmory/trustfence/trust"
)

var (
	Revision string
	Version  string
)

// environment layout on the internal eMMC, distinct from the trusted OS one
var envConfig = env.Config{
	Size:         0x4000,
	Offset:       0x800000,
	OffsetRedund: 0x804000,
	Redundant:    true,
	Encrypt:      true,
}

// rpcFuses implements fuse.Reader through the trusted OS.
type rpcFuses struct{}

func (rpcFuses) Read(bank uint32, word uint32) (val uint32, err error) {
	err = syscall.Call("RPC.FuseRead", [2]uint32{bank, word}, &val)
	return
}

func init() {
	runtime.Exit = func(_ int32) { applet.Exit() }
}

func main() {
	klog.InitFlags(nil)
	flag.Set("logtostderr", "true")
	flag.Parse()

	defer applet.Exit()

	klog.Infof("%s/%s (%s) • TEE user applet • %s",
		runtime.GOOS, runtime.GOARCH, runtime.Version(),
		Revision)

	// Verify if we are allowed to run on this unit by sending version
	// information for rollback protection check.
	if err := syscall.Call("RPC.Version", strings.TrimPrefix(Version, "v"), nil); err != nil {
		log.Fatalf("TA version check error for version %q: %v", Version, err)
	}

	var info usdhc.CardInfo

	if err := syscall.Call("RPC.CardInfo", nil, &info); err != nil {
		log.Fatalf("TA could not get card info, %v", err)
	}

	p := trust.Platforms["imx6ul"]
	sb := p.SecConfig
	sb.Fuses = rpcFuses{}

	crypter := &trust.Trust{
		Fuses:      rpcFuses{},
		HWID:       p.HWID,
		Backend:    &trust.TEE{Client: &trust.GoTEEClient{}},
		SecureBoot: sb,
	}

	dev := &env.RPCDevice{
		BlockLen:  uint(info.BlockSize),
		NumBlocks: uint(info.Blocks),
	}

	s, err := env.NewStore(&env.MMCMedia{Dev: dev, Unit: int64(envConfig.Size)}, envConfig, crypter)

	if err != nil {
		log.Fatalf("TA could not open environment, %v", err)
	}

	m := &env.Manager{
		Provider: env.DefaultLocation(env.MMC),
		Drivers:  map[env.Where]env.Driver{env.MMC: s},
	}

	e, _, err := m.Load()

	if err != nil {
		klog.Warningf("TA using default environment, %v", err)
	}

	for _, k := range e.Keys() {
		v, _ := e.Get(k)
		klog.Infof("TA env %s=%s", k, v)
	}

	n, _ := e.Get("boot_count")
	count, _ := strconv.Atoi(n)

	if err = e.Set("boot_count", strconv.Itoa(count+1)); err != nil {
		log.Fatalf("TA could not update environment, %v", err)
	}

	if _, err = m.Save(e); err != nil {
		klog.Errorf("TA could not save environment, %v", err)
	}

	status := s.Info()
	klog.Infof("TA environment %v current:%d flags:%d degraded:%v", status.Outcome, status.Current, status.Flags, status.Degraded)
}
