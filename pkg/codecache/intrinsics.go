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

package codecache

import "fmt"

// Intrinsics holds the runtime intrinsic entry points a compiled module
// links against (spec.md section 4.4/6): the boundary with the guest
// runtime (system-call shims, coroutine stack library, FPU helpers).
// vmill itself never implements these bodies -- they're provided by the
// guest runtime -- but the code cache must be able to resolve their
// symbol names when compiling a module.
type Intrinsics struct {
	VmillInit             func()
	VmillFini             func()
	VmillCreateTask       func(stateBytes []byte, entryPC uint64, memory []byte) uintptr
	VmillResume           func()
	VmillCurrent          func() uintptr
	VmillAllocateCoroutine func() uintptr
	VmillFreeCoroutine    func(uintptr)
	VmillInitialHeapEnd   func(args ...interface{}) uint64
	VmillGetRoundingMode  func(state []byte) uint8
	VmillStrace           func(format string, args ...interface{})
	RemillError           func(state []byte, p uint64, mem []byte) []byte
}

// IsConfigured reports whether symbol names a known intrinsic that has
// been wired up to a non-nil function, without boxing it in an
// interface{} the way Resolve does.
func (in *Intrinsics) IsConfigured(symbol string) bool {
	switch symbol {
	case "__vmill_init":
		return in.VmillInit != nil
	case "__vmill_fini":
		return in.VmillFini != nil
	case "__vmill_create_task":
		return in.VmillCreateTask != nil
	case "__vmill_resume":
		return in.VmillResume != nil
	case "__vmill_current":
		return in.VmillCurrent != nil
	case "__vmill_allocate_coroutine":
		return in.VmillAllocateCoroutine != nil
	case "__vmill_free_coroutine":
		return in.VmillFreeCoroutine != nil
	case "__vmill_initial_heap_end":
		return in.VmillInitialHeapEnd != nil
	case "__vmill_get_rounding_mode":
		return in.VmillGetRoundingMode != nil
	case "__vmill_strace":
		return in.VmillStrace != nil
	case "__remill_error":
		return in.RemillError != nil
	default:
		return false
	}
}

// Resolve looks up an intrinsic by its linker symbol name.
func (in *Intrinsics) Resolve(symbol string) (interface{}, error) {
	switch symbol {
	case "__vmill_init":
		return in.VmillInit, nil
	case "__vmill_fini":
		return in.VmillFini, nil
	case "__vmill_create_task":
		return in.VmillCreateTask, nil
	case "__vmill_resume":
		return in.VmillResume, nil
	case "__vmill_current":
		return in.VmillCurrent, nil
	case "__vmill_allocate_coroutine":
		return in.VmillAllocateCoroutine, nil
	case "__vmill_free_coroutine":
		return in.VmillFreeCoroutine, nil
	case "__vmill_initial_heap_end":
		return in.VmillInitialHeapEnd, nil
	case "__vmill_get_rounding_mode":
		return in.VmillGetRoundingMode, nil
	case "__vmill_strace":
		return in.VmillStrace, nil
	case "__remill_error":
		return in.RemillError, nil
	default:
		return nil, fmt.Errorf("vmill/codecache: unknown intrinsic symbol %q", symbol)
	}
}
