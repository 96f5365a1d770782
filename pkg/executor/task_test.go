// Copyright 2018 The gVisor Authors.
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

package executor

import (
	"testing"

	"github.com/isabella232/vmill/pkg/memory"
)

func TestForkClonesAddressSpaceAndRegisterState(t *testing.T) {
	space := memory.New(false, true)
	r := memory.NewAnonymous(0x1000, 0x2000, "heap", false)
	if err := space.AddMap(r); err != nil {
		t.Fatalf("AddMap: %v", err)
	}

	parent := NewTask(1, []byte{1, 2, 3}, 0x1000, space)
	child := parent.Fork(2)

	if child.Space == parent.Space {
		t.Fatalf("Fork must clone the address space, not share it")
	}
	child.RegisterState[0] = 0xFF
	if parent.RegisterState[0] == 0xFF {
		t.Fatalf("Fork must deep-copy register state, not share the backing array")
	}
}

func TestOpenTTYSetsPath(t *testing.T) {
	space := memory.New(false, true)
	task := NewTask(1, nil, 0, space)

	master, err := task.OpenTTY()
	if err != nil {
		t.Skipf("no pty available in this environment: %v", err)
	}
	defer master.Close()

	if task.TTYPath == "" {
		t.Fatalf("expected TTYPath to be set after OpenTTY")
	}
	task.Exit()
}
