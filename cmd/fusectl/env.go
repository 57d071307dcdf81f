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
	"os"

	"github.com/cheggaaa/pb/v3"

	"github.com/usbarmory/trustfence/env"
)

func (c *Config) envConfig() env.Config {
	return env.Config{
		Size:         c.envSize,
		Offset:       c.offset,
		OffsetRedund: c.redund,
		Redundant:    c.redundant,
		Range:        c.envRange,
		Relocate:     c.relocate,
	}
}

func envCmd(c *Config, args []string) (err error) {
	bad, err := parseBad(c.bad)

	if err != nil {
		return
	}

	m, err := env.OpenFile(c.image, c.imageSize, c.unit, bad)

	if err != nil {
		return
	}

	defer m.Close()

	return runEnv(m, c.envConfig(), args, os.Stdout, os.Stderr)
}

// runEnv executes an environment command on the media, progress is reported
// on the status writer.
func runEnv(m env.Media, cfg env.Config, args []string, w io.Writer, status io.Writer) (err error) {
	if len(args) == 0 {
		return errors.New("missing env command")
	}

	if args[0] == "scan" {
		return scan(m, cfg, w, status)
	}

	s, err := env.NewStore(m, cfg, nil)

	if err != nil {
		return
	}

	e, loadErr := s.Load()

	switch args[0] {
	case "print":
		fmt.Fprint(w, e.String())

		info := s.Info()
		fmt.Fprintf(w, "\n# state:%v current:%d flags:%d offsets:%#x,%#x\n", info.Outcome, info.Current, info.Flags, info.Offsets[0], info.Offsets[1])

		if loadErr != nil {
			fmt.Fprintf(w, "# default environment, %v\n", loadErr)
		}
	case "set":
		if len(args) < 2 {
			return errors.New("missing key")
		}

		val := ""

		if len(args) > 2 {
			val = args[2]
		}

		if err = e.Set(args[1], val); err != nil {
			return
		}

		err = s.Save(e)
	case "save":
		err = s.Save(e)
	case "erase":
		err = s.Erase()
	default:
		return fmt.Errorf("unknown env command %q", args[0])
	}

	if err == nil && s.Info().Degraded {
		fmt.Fprintln(w, "WARNING: redundant environment degraded")
	}

	return
}

func scan(m env.Media, cfg env.Config, w io.Writer, status io.Writer) (err error) {
	unit := m.EraseSize()
	n := m.Size() / unit

	bar := pb.New64(n)
	bar.SetWriter(status)
	bar.Start()

	buf := make([]byte, cfg.Size)
	var report []string

	for i := int64(0); i < n; i++ {
		bar.Increment()

		bad, err := m.IsBad(i * unit)

		if err != nil {
			bar.Finish()
			return err
		}

		if bad {
			report = append(report, fmt.Sprintf("unit %d @ %#x: bad", i, i*unit))
			continue
		}

		if int64(cfg.Size) > unit || m.Read(i*unit, buf) != nil {
			continue
		}

		if b, err := env.Decode(buf, cfg.Redundant); err == nil && b.Valid() {
			report = append(report, fmt.Sprintf("unit %d @ %#x: environment (flags %d)", i, i*unit, b.Flags))
		}
	}

	bar.Finish()

	for _, r := range report {
		fmt.Fprintln(w, r)
	}

	return
}
