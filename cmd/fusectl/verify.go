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
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/usbarmory/trustfence/secboot"
)

func verifyCmd(args []string) (err error) {
	if len(args) < 4 {
		return errors.New("missing image, manifest or key")
	}

	img, err := os.ReadFile(args[1])

	if err != nil {
		return
	}

	signed, err := os.ReadFile(args[2])

	if err != nil {
		return
	}

	return runVerify(args[0], img, signed, args[3:], os.Stdout)
}

// runVerify authenticates an image against its signed manifest.
func runVerify(name string, img []byte, signed []byte, keys []string, w io.Writer) (err error) {
	v, err := secboot.NewNoteVerifier(name, signed, keys...)

	if err != nil {
		return
	}

	if _, err = (&secboot.Discrete{Verifier: v}).Authenticate(0, img); err != nil {
		return
	}

	fmt.Fprintf(w, "%s: verified size:%d sha256:%x\n", name, len(img), sha256.Sum256(img))

	return
}
