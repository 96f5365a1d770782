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

package memory

import "testing"

// TestScalarReadWriteS1 is spec.md scenario S1.
func TestScalarReadWriteS1(t *testing.T) {
	as := New(false, true)
	if err := as.AddMap(NewAnonymous(0x1000, 0x2000, "anon", false)); err != nil {
		t.Fatalf("AddMap: %v", err)
	}
	if err := as.SetPermissions(0x1000, 0x1000, true, true, false); err != nil {
		t.Fatalf("SetPermissions: %v", err)
	}

	if !TryWriteScalar[uint32](as, 0x1FFE, 0xDEADBEEF) {
		t.Fatalf("TryWriteScalar at 0x1FFE should succeed")
	}
	got, ok := TryReadScalar[uint32](as, 0x1FFE)
	if !ok || got != 0xDEADBEEF {
		t.Fatalf("TryReadScalar = (%#x, %v), want (0xdeadbeef, true)", got, ok)
	}

	if TryWriteScalar[uint16](as, 0x1FFF, 0xABCD) {
		t.Fatalf("TryWriteScalar spanning the page boundary into unmapped memory should fail")
	}
}

// TestSMCInvalidationS3 is spec.md scenario S3 (abbreviated: Clone +
// write on executable byte invalidates the child's version only).
func TestSMCInvalidationS3(t *testing.T) {
	as := New(false, true)
	r := NewFileBacked(0x4000, 0x5000, "code", "", 0, append([]byte{0x90, 0x90, 0xc3}, make([]byte, 0x1000-3)...))
	if err := as.AddMap(r); err != nil {
		t.Fatalf("AddMap: %v", err)
	}
	if err := as.SetPermissions(0x4000, 0x1000, true, true, true); err != nil {
		t.Fatalf("SetPermissions: %v", err)
	}
	as.MarkTraceHead(0x4000)

	v1 := as.ComputeCodeVersion(0x4000)

	child := as.Clone()
	if !child.IsTraceHead(0x4000) {
		t.Fatalf("clone should retain trace heads until an SMC write")
	}

	if !child.TryWrite(0x4000, []byte{0xcc}) {
		t.Fatalf("TryWrite to executable byte in child should succeed")
	}

	v1Again := as.ComputeCodeVersion(0x4000)
	v2 := child.ComputeCodeVersion(0x4000)
	if v1Again != v1 {
		t.Fatalf("parent code version changed after child write: %v -> %v", v1, v1Again)
	}
	if v2 == v1 {
		t.Fatalf("child code version should differ from parent's after SMC write")
	}
	if !as.IsTraceHead(0x4000) {
		t.Fatalf("parent trace head set should be preserved")
	}
	if child.IsTraceHead(0x4000) {
		t.Fatalf("child trace head set should be cleared after SMC write")
	}
}

// TestCOWIndependenceProperty3 checks property 3: writes to a clone
// never affect the parent.
func TestCOWIndependenceProperty3(t *testing.T) {
	as := New(false, false)
	if err := as.AddMap(NewAnonymous(0x10000, 0x11000, "heap", false)); err != nil {
		t.Fatalf("AddMap: %v", err)
	}
	if !as.TryWrite(0x10000, []byte{1, 2, 3, 4}) {
		t.Fatalf("initial write failed")
	}

	child := as.Clone()
	var before [4]byte
	if !as.TryRead(0x10000, before[:]) {
		t.Fatalf("parent read failed")
	}
	var childBefore [4]byte
	if !child.TryRead(0x10000, childBefore[:]) {
		t.Fatalf("child read failed")
	}
	if before != childBefore {
		t.Fatalf("clone should read identical bytes: %v != %v", before, childBefore)
	}

	if !child.TryWrite(0x10000, []byte{9, 9, 9, 9}) {
		t.Fatalf("child write failed")
	}
	var after [4]byte
	if !as.TryRead(0x10000, after[:]) {
		t.Fatalf("parent read failed")
	}
	if after != before {
		t.Fatalf("parent observed child's write: %v != %v", after, before)
	}
}

// TestFindHoleS4 is spec.md scenario S4.
func TestFindHoleS4(t *testing.T) {
	as := New(false, false)
	if err := as.AddMap(NewAnonymous(0x1000, 0x2000, "a", false)); err != nil {
		t.Fatalf("AddMap: %v", err)
	}
	if err := as.AddMap(NewAnonymous(0x5000, 0x6000, "b", false)); err != nil {
		t.Fatalf("AddMap: %v", err)
	}

	h, ok := as.FindHole(0, 0x10000, 0x2000)
	if !ok {
		t.Fatalf("FindHole returned no hole")
	}
	if h != 0xE000 {
		t.Fatalf("FindHole = %#x, want 0xe000", h)
	}
}

// TestFindHoleInvariant checks property 4 on a single fixed shape
// without requiring a specific placement.
func TestFindHoleInvariant(t *testing.T) {
	as := New(false, false)
	if err := as.AddMap(NewAnonymous(0x2000, 0x3000, "a", false)); err != nil {
		t.Fatalf("AddMap: %v", err)
	}
	h, ok := as.FindHole(0, 0x4000, 0x1000)
	if !ok {
		t.Fatalf("expected a hole")
	}
	if h+0x1000 > 0x4000 || h < 0 {
		t.Fatalf("hole %#x out of bounds", h)
	}
	for a := h; a < h+0x1000; a += 0x1000 {
		if as.IsMapped(a) {
			t.Fatalf("hole at %#x overlaps a mapped page", a)
		}
	}
}

func TestKillRejectsFurtherMaps(t *testing.T) {
	as := New(false, false)
	as.Kill()
	if !as.IsDead() {
		t.Fatalf("IsDead should be true after Kill")
	}
	if err := as.AddMap(NewAnonymous(0x1000, 0x2000, "x", false)); err != ErrDeadAddressSpace {
		t.Fatalf("AddMap on dead space = %v, want ErrDeadAddressSpace", err)
	}
}

func TestMapSplittingPrefixSuffix(t *testing.T) {
	as := New(false, false)
	if err := as.AddMap(NewAnonymous(0x1000, 0x4000, "big", false)); err != nil {
		t.Fatalf("AddMap: %v", err)
	}
	// Suffix overlap: new map covers the tail.
	if err := as.AddMap(NewAnonymous(0x3000, 0x5000, "tail", false)); err != nil {
		t.Fatalf("AddMap: %v", err)
	}
	if !as.IsMapped(0x1500) || !as.IsMapped(0x3500) || !as.IsMapped(0x4500) {
		t.Fatalf("expected all three regions mapped after suffix split")
	}
	if as.IsMapped(0x5500) {
		t.Fatalf("0x5500 should be unmapped")
	}
}

func TestMapSplittingPrefixOverlapIntoMiddle(t *testing.T) {
	as := New(false, false)
	if err := as.AddMap(NewAnonymous(0x2000, 0x4000, "big", false)); err != nil {
		t.Fatalf("AddMap: %v", err)
	}
	// Prefix overlap: new map starts before the existing range and ends
	// inside it, so the existing range's tail must survive as a shrunk
	// range instead of disappearing.
	if err := as.AddMap(NewAnonymous(0x1000, 0x3000, "head", false)); err != nil {
		t.Fatalf("AddMap: %v", err)
	}
	if !as.IsMapped(0x1500) || !as.IsMapped(0x2500) {
		t.Fatalf("expected the new map's range to be mapped after prefix split")
	}
	if !as.IsMapped(0x3500) {
		t.Fatalf("expected [0x3000,0x4000) to remain mapped after prefix split")
	}
	if as.IsMapped(0x4500) {
		t.Fatalf("0x4500 should be unmapped")
	}
}
