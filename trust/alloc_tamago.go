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

package trust

import (
	"github.com/usbarmory/tamago/dma"
)

// crypto engines require their buffers within DMA reachable memory
func defaultAlloc(n int) ([]byte, func()) {
	addr, buf := dma.Reserve(n, 0)

	return buf, func() {
		dma.Release(addr)
	}
}
