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

// Package board glues fuse access, trust provisioning, environment storage
// and image authentication into the board boot sequence.
package board

import (
	"fmt"

	"github.com/coreos/go-semver/semver"
	"k8s.io/klog/v2"

	"github.com/usbarmory/trustfence/env"
	"github.com/usbarmory/trustfence/fault"
	"github.com/usbarmory/trustfence/fuse"
	"github.com/usbarmory/trustfence/secboot"
	"github.com/usbarmory/trustfence/trust"
)

// Field locates a bit field within a fuse word.
type Field struct {
	Bank  uint32
	Word  uint32
	Shift uint
	Mask  uint32
}

// Value returns the field value.
func (f Field) Value(r fuse.Reader) (uint32, error) {
	val, err := r.Read(f.Bank, f.Word)

	if err != nil {
		return 0, err
	}

	return (val >> f.Shift) & f.Mask, nil
}

// Carrier identifies the carrier board a SoM is mounted on.
type Carrier struct {
	ID       uint32
	Name     string
	Revision semver.Version
}

func (c Carrier) String() string {
	return fmt.Sprintf("%s (id:%d rev:%s)", c.Name, c.ID, c.Revision.String())
}

// Carriers lists known carrier boards by fused identifier.
var Carriers = map[uint32]string{
	0: "unprogrammed",
	1: "usbarmory-mk2",
	2: "nitrogen6",
	3: "imx8mn-evk",
	4: "stm32mp1-dk",
}

// ReadCarrier returns the carrier board information, the revision field
// holds the major version in its upper nibble and the minor in the lower.
func ReadCarrier(r fuse.Reader, id Field, rev Field) (c Carrier, err error) {
	if c.ID, err = id.Value(r); err != nil {
		return
	}

	name, ok := Carriers[c.ID]

	if !ok {
		name = "unknown"
	}

	c.Name = name

	v, err := rev.Value(r)

	if err != nil {
		return
	}

	c.Revision = semver.Version{
		Major: int64(v >> 4),
		Minor: int64(v & 0xf),
	}

	return
}

// Config represents the board boot configuration.
type Config struct {
	// Platform selects an entry of trust.Platforms.
	Platform string

	// Fuses is the fuse hardware, Aux is the auxiliary fuse hardware
	// (e.g. PMIC NVM), when any.
	Fuses fuse.Hardware
	Aux   fuse.Hardware

	// CarrierID and CarrierRevision locate the carrier information.
	CarrierID       Field
	CarrierRevision Field

	// Location decides the environment storage location.
	Location env.LocationProvider
	// Media holds the environment media of each location.
	Media map[env.Where]env.Media
	// Env describes the environment layout, shared by all media.
	Env env.Config

	// Trust is the environment encryption backend, required when
	// Env.Encrypt is set.
	Trust trust.Backend
	// SecureBoot overrides the platform secure boot state detection.
	SecureBoot trust.SecureBoot

	// Authenticator, when set, authenticates Image loaded at ImageAddr.
	Authenticator secboot.Authenticator
	ImageAddr     uint64
	Image         []byte
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if _, ok := trust.Platforms[c.Platform]; !ok {
		return fault.New("board", fault.ErrInvalidArgument, "unknown platform %q", c.Platform)
	}

	if c.Fuses == nil {
		return fault.New("board", fault.ErrInvalidArgument, "missing fuse hardware")
	}

	if c.Env.Encrypt && c.Trust == nil {
		return fault.New("board", fault.ErrInvalidArgument, "encrypted environment without trust backend")
	}

	if c.Authenticator != nil && len(c.Image) == 0 {
		return fault.New("board", fault.ErrInvalidArgument, "missing boot image")
	}

	if len(c.Media) > 0 {
		if err := c.Env.Validate(); err != nil {
			return fault.Wrap("board", fault.ErrInvalidArgument, err)
		}
	}

	return nil
}

// Result represents the outcome of the boot sequence.
type Result struct {
	// Fuses is the boot context fuse controller, programming is not
	// armed.
	Fuses   *fuse.Controller
	Carrier Carrier

	Env *env.Env
	// Storage dispatches later environment operations.
	Storage *env.Manager
	// Where is the location the environment was loaded from.
	Where env.Where
	// EnvErr records why the default environment is in use, if so.
	EnvErr error

	// Payload is the authenticated image payload address.
	Payload uint64
}

// Boot runs the board boot sequence. Environment failures are recovered with
// the default environment, authentication failures are fatal.
func Boot(cfg *Config) (res *Result, err error) {
	if err = cfg.Validate(); err != nil {
		return
	}

	p := trust.Platforms[cfg.Platform]

	backend, err := fuse.New(p.Family, cfg.Fuses, cfg.Aux)

	if err != nil {
		return nil, fault.Wrap("board", fault.ErrInvalidArgument, err)
	}

	res = &Result{
		Fuses: fuse.NewController(backend),
	}

	if res.Carrier, err = ReadCarrier(res.Fuses, cfg.CarrierID, cfg.CarrierRevision); err != nil {
		return nil, fmt.Errorf("could not read carrier, %w", err)
	}

	klog.Infof("board: %s on %s", p.Name, res.Carrier)

	var crypter env.Crypter

	if cfg.Env.Encrypt {
		sb := cfg.SecureBoot

		if sb == nil {
			fsb := p.SecConfig
			fsb.Fuses = res.Fuses
			sb = fsb
		}

		crypter = &trust.Trust{
			Fuses:      res.Fuses,
			HWID:       p.HWID,
			Backend:    cfg.Trust,
			SecureBoot: sb,
		}
	}

	m := &env.Manager{
		Provider: cfg.Location,
		Drivers:  make(map[env.Where]env.Driver),
	}

	for w, media := range cfg.Media {
		s, err := env.NewStore(media, cfg.Env, crypter)

		if err != nil {
			return nil, fmt.Errorf("could not initialize %v environment, %w", w, err)
		}

		m.Drivers[w] = s
	}

	if m.Provider == nil {
		m.Provider = env.DefaultLocation(env.None)
	}

	res.Storage = m

	if res.Env, res.Where, res.EnvErr = m.Load(); res.EnvErr != nil {
		klog.Warningf("board: using default environment, %v", res.EnvErr)
	} else {
		klog.Infof("board: environment loaded from %v", res.Where)
	}

	if cfg.Authenticator == nil {
		return
	}

	if res.Payload, err = cfg.Authenticator.Authenticate(cfg.ImageAddr, cfg.Image); err != nil {
		return nil, fmt.Errorf("could not authenticate boot image, %w", err)
	}

	return
}
