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

//go:build tamago && fake_rpmb
// +build tamago,fake_rpmb

package main

import (
	"log"

	"github.com/usbarmory/trustfence/rpmb"
	"github.com/usbarmory/trustfence/rpmb/testonly"
)

const fakeSectors = 16

// newRPMB ignores the card and emulates its RPMB partition in memory, for
// development boards without a programmable eMMC.
func newRPMB(_ rpmb.Card) (*RPMB, error) {
	log.Printf("SM using emulated RPMB (%d sectors)", fakeSectors)
	return &RPMB{card: testonly.NewCard(fakeSectors)}, nil
}
