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

package trust

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

const rpmbKeyIter = 4096

// RPMBKey returns the RPMB authentication key of a device, derived from a
// hardware unique secret and the SoC unique identifier.
func RPMBKey(secret []byte, uid []byte) []byte {
	return pbkdf2.Key(secret, uid, rpmbKeyIter, sha256.Size, sha256.New)
}
