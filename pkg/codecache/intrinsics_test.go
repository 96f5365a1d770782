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

import "testing"

func TestIntrinsicsResolveUnknownSymbol(t *testing.T) {
	in := &Intrinsics{}
	if _, err := in.Resolve("__not_a_real_symbol"); err == nil {
		t.Fatalf("expected an error resolving an unknown symbol")
	}
}

func TestIntrinsicsResolveKnownSymbol(t *testing.T) {
	called := false
	in := &Intrinsics{VmillInit: func() { called = true }}

	fn, err := in.Resolve("__vmill_init")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	f, ok := fn.(func())
	if !ok || f == nil {
		t.Fatalf("Resolve(__vmill_init) = %v, want a non-nil func()", fn)
	}
	f()
	if !called {
		t.Fatalf("expected the resolved function to be the one passed in")
	}
}

func TestIntrinsicsIsConfigured(t *testing.T) {
	in := &Intrinsics{VmillInit: func() {}}

	if !in.IsConfigured("__vmill_init") {
		t.Fatalf("expected __vmill_init to report configured")
	}
	if in.IsConfigured("__vmill_fini") {
		t.Fatalf("expected __vmill_fini to report unconfigured")
	}
	if in.IsConfigured("__not_a_real_symbol") {
		t.Fatalf("expected an unknown symbol to report unconfigured")
	}
}

func TestLinkIntrinsicsRequiresDispatchSymbols(t *testing.T) {
	cache := Open(t.TempDir(), NewLiveIndex(), &Intrinsics{VmillInit: func() {}})
	if err := cache.LinkIntrinsics(); err == nil {
		t.Fatalf("expected LinkIntrinsics to fail when required symbols are unconfigured")
	}

	complete := &Intrinsics{
		VmillInit:       func() {},
		VmillFini:       func() {},
		VmillCreateTask: func(stateBytes []byte, entryPC uint64, mem []byte) uintptr { return 0 },
		VmillResume:     func() {},
	}
	cache = Open(t.TempDir(), NewLiveIndex(), complete)
	if err := cache.LinkIntrinsics(); err != nil {
		t.Fatalf("LinkIntrinsics: %v", err)
	}
}

func TestLinkIntrinsicsNilTableIsNoop(t *testing.T) {
	cache := Open(t.TempDir(), NewLiveIndex(), nil)
	if err := cache.LinkIntrinsics(); err != nil {
		t.Fatalf("LinkIntrinsics with a nil table: %v", err)
	}
}
