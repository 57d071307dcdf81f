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

//go:build tamago && bee
// +build tamago,bee

package main

import (
	_ "unsafe"
)

// Memory layout when the Bus Encryption Engine (BEE) aliases external DDR.
// Page tables and DMA buffers stay on the physical region as BEE aliased
// memory must be accessed through cache or with 16 byte accesses.
const (
	physicalStart = 0x80000000

	secureDMAStart = 0x8e000000
	secureDMASize  = 0x02000000 // 32MB

	secureStart = 0x10000000 // bee.AliasRegion0
	secureSize  = 0x0e000000 // 224MB

	appletStart = 0x20000000
	appletSize  = 0x10000000 // 256MB
)

//go:linkname ramStart runtime.ramStart
var ramStart uint32 = secureStart

//go:linkname ramSize runtime.ramSize
var ramSize uint32 = secureSize

//go:linkname vecTableStart github.com/usbarmory/tamago/arm.vecTableStart
var vecTableStart uint32 = physicalStart
