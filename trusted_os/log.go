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
	"bytes"
	"os"
)

const (
	outputLimit = 1024
	flushChr    = 0x0a // \n
)

var buf bytes.Buffer

// bufferedStdoutLog buffers applet console output by line.
func bufferedStdoutLog(c byte) (err error) {
	buf.WriteByte(c)

	if c == flushChr || buf.Len() > outputLimit {
		_, err = os.Stdout.Write(buf.Bytes())
		buf.Reset()
	}

	return
}
