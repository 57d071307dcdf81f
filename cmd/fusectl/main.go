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

// fusectl operates on emulated fuse maps and environment media images.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
)

const usage = `usage:
  fusectl [-map fuses.yaml] [-family ocotp|ele|bsec] [-arm] fuse read|sense|prog|override|lock|status <bank> <word> [value]
  fusectl [-map fuses.yaml] [-arm] fuse counter|advance <bank> <word> <words> [version]
  fusectl [-image env.img] [-bad 1,2] env print|set|save|erase|scan [key [value]]
  fusectl verify <name> <image> <manifest> <key>...`

type Config struct {
	mapPath string
	family  string
	arm     bool

	image     string
	imageSize int64
	unit      int64
	bad       string

	envSize   int
	offset    int64
	redund    int64
	envRange  int64
	relocate  bool
	redundant bool
}

var conf *Config

func init() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)

	conf = &Config{}

	flag.StringVar(&conf.mapPath, "map", "fuses.yaml", "fuse map file")
	flag.StringVar(&conf.family, "family", "ocotp", "fuse family for new maps")
	flag.BoolVar(&conf.arm, "arm", false, "allow permanent fuse programming")

	flag.StringVar(&conf.image, "image", "env.img", "environment media image")
	flag.Int64Var(&conf.imageSize, "image-size", 1<<20, "media size")
	flag.Int64Var(&conf.unit, "unit", 128<<10, "media erase unit size")
	flag.StringVar(&conf.bad, "bad", "", "comma separated bad erase units")

	flag.IntVar(&conf.envSize, "env-size", 0x2000, "environment size")
	flag.Int64Var(&conf.offset, "offset", 0, "environment offset")
	flag.Int64Var(&conf.redund, "offset-redund", 256<<10, "redundant environment offset")
	flag.Int64Var(&conf.envRange, "range", 256<<10, "environment relocation range")
	flag.BoolVar(&conf.relocate, "relocate", true, "skip bad erase units")
	flag.BoolVar(&conf.redundant, "redundant", true, "enable redundant environment")
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)

	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}

	return uint32(v), nil
}

func parseBad(s string) (bad []int64, err error) {
	if len(s) == 0 {
		return
	}

	for _, f := range strings.Split(s, ",") {
		i, err := strconv.ParseInt(strings.TrimSpace(f), 0, 64)

		if err != nil || i < 0 {
			return nil, fmt.Errorf("invalid bad unit %q", f)
		}

		bad = append(bad, i)
	}

	return
}

func main() {
	var err error

	defer func() {
		if err != nil {
			log.Fatalf("fatal error, %s", err)
		}
	}()

	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(2)
	}

	switch flag.Arg(0) {
	case "fuse":
		err = fuseCmd(conf, flag.Args()[1:])
	case "env":
		err = envCmd(conf, flag.Args()[1:])
	case "verify":
		err = verifyCmd(flag.Args()[1:])
	default:
		err = errors.New("unknown command " + flag.Arg(0))
	}
}
