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

package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/usbarmory/trustfence/fuse"
	"github.com/usbarmory/trustfence/secboot"
)

func loadMap(path string, family string) (m *fuse.Map, err error) {
	f, err := os.Open(path)

	if errors.Is(err, os.ErrNotExist) {
		log.Printf("creating blank %s fuse map %s", family, path)
		return &fuse.Map{Family: fuse.Family(family)}, nil
	}

	if err != nil {
		return
	}

	defer f.Close()

	return fuse.LoadMap(f)
}

func saveMap(path string, m *fuse.Map) error {
	f, err := os.Create(path)

	if err != nil {
		return err
	}

	if err = m.Save(f); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}

func fuseCmd(c *Config, args []string) (err error) {
	m, err := loadMap(c.mapPath, c.family)

	if err != nil {
		return
	}

	changed, err := runFuse(m, c.arm, args, os.Stdout)

	if err != nil || !changed {
		return
	}

	return saveMap(c.mapPath, m)
}

// runFuse executes a fuse command on the map, which is updated in place. It
// reports whether the map changed.
func runFuse(m *fuse.Map, arm bool, args []string, w io.Writer) (changed bool, err error) {
	if len(args) < 3 {
		return false, errors.New("missing bank or word")
	}

	otp, pmic, err := m.Arrays()

	if err != nil {
		return
	}

	backend, err := fuse.New(m.Family, otp, pmic)

	if err != nil {
		return
	}

	ctl := fuse.NewController(backend)

	if err = ctl.AllowProg(arm); err != nil {
		return
	}

	bank, err := parseUint32(args[1])

	if err != nil {
		return
	}

	word, err := parseUint32(args[2])

	if err != nil {
		return
	}

	var val uint32
	var counter secboot.FuseCounter

	switch args[0] {
	case "prog", "override", "counter", "advance":
		if len(args) < 4 {
			return false, errors.New("missing value")
		}

		if val, err = parseUint32(args[3]); err != nil {
			return
		}
	}

	switch args[0] {
	case "counter", "advance":
		counter = secboot.FuseCounter{Bank: bank, Word: word, Count: int(val)}
	}

	switch args[0] {
	case "read":
		if val, err = ctl.Read(bank, word); err == nil {
			fmt.Fprintf(w, "bank:%d word:%d shadow:%#08x\n", bank, word, val)
		}
	case "sense":
		if val, err = ctl.Sense(bank, word); err == nil {
			fmt.Fprintf(w, "bank:%d word:%d otp:%#08x\n", bank, word, val)
		}
	case "status":
		var locked bool

		if locked, err = ctl.LockStatus(bank, word); err == nil {
			fmt.Fprintf(w, "bank:%d word:%d locked:%v\n", bank, word, locked)
		}
	case "prog":
		fmt.Fprintf(w, "WARNING: programming bank:%d word:%d val:%#08x is permanent\n", bank, word, val)

		if err = ctl.Prog(bank, word, val); err == nil {
			changed = true
		}
	case "override":
		if err = ctl.Override(bank, word, val); err == nil {
			changed = true
		}
	case "counter":
		var n int

		if n, err = counter.Value(ctl); err == nil {
			fmt.Fprintf(w, "bank:%d word:%d words:%d counter:%d\n", bank, word, val, n)
		}
	case "advance":
		if len(args) < 5 {
			return false, errors.New("missing version")
		}

		var version uint32

		if version, err = parseUint32(args[4]); err != nil {
			return
		}

		if version > 0xff {
			return false, fmt.Errorf("invalid version %d", version)
		}

		fmt.Fprintf(w, "WARNING: advancing counter bank:%d word:%d to %d is permanent\n", bank, word, version)

		if err = counter.Advance(ctl, uint8(version)); err == nil {
			changed = true
		}
	case "lock":
		fmt.Fprintf(w, "WARNING: locking bank:%d word:%d is permanent\n", bank, word)

		if err = ctl.Lock(bank, word); err == nil {
			changed = true
		}
	default:
		return false, fmt.Errorf("unknown fuse command %q", args[0])
	}

	if err != nil || !changed {
		return
	}

	m.Words = otp.Snapshot()

	if pmic != nil {
		m.PMIC = pmic.Snapshot()
	}

	return
}
