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
	"github.com/usbarmory/GoTEE/syscall"

	"github.com/usbarmory/trustfence/api/rpc"
)

// GoTEEClient implements TEEClient through GoTEE supervisor calls to the
// trusted OS, which hosts SoftTA behind its RPC receiver.
type GoTEEClient struct{}

// Open implements TEEClient.
func (c *GoTEEClient) Open(uuid string) (Session, error) {
	var id uint32

	if err := syscall.Call("RPC.TEEOpen", rpc.TEEOpen{UUID: uuid}, &id); err != nil {
		return nil, err
	}

	return &goteeSession{id: id}, nil
}

type goteeSession struct {
	id uint32
}

func (s *goteeSession) Invoke(req *rpc.TEERequest) (res *rpc.TEEResponse, err error) {
	r := *req
	r.Session = s.id
	res = &rpc.TEEResponse{}

	err = syscall.Call("RPC.TEEInvoke", r, res)

	return
}

func (s *goteeSession) Close() error {
	return syscall.Call("RPC.TEEClose", s.id, nil)
}
