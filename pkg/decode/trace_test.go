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

package decode

import (
	"testing"

	"github.com/isabella232/vmill/pkg/pc"
)

// fakeSpace is a minimal in-memory Space for decoder tests.
type fakeSpace struct {
	bytes      map[pc.PC]byte
	traceHeads map[pc.PC]bool
	version    pc.CodeVersion
}

func newFakeSpace(program map[pc.PC]byte) *fakeSpace {
	return &fakeSpace{bytes: program, traceHeads: make(map[pc.PC]bool), version: 7}
}

func (f *fakeSpace) TryReadExecutable(p pc.PC) (byte, bool) {
	b, ok := f.bytes[p]
	return b, ok
}
func (f *fakeSpace) MarkTraceHead(p pc.PC)       { f.traceHeads[p] = true }
func (f *fakeSpace) IsTraceHead(p pc.PC) bool     { return f.traceHeads[p] }
func (f *fakeSpace) ComputeCodeVersion(pc.PC) pc.CodeVersion { return f.version }

// fakeX86 decodes the three-byte "nop; nop; ret" sequence used in S2,
// plus a one-byte "call rel" / "ret" encoding used in S6, entirely for
// test purposes (a real ArchDecoder lives in the external lifter).
type fakeX86 struct {
	// calls maps a call-site PC to its callee PC and return-site PC, so
	// the test can model a direct-call instruction.
	calls map[pc.PC][2]pc.PC
}

func (fakeX86) MaxInstructionSize() int { return 1 }

func (f fakeX86) Decode(addr pc.PC, b []byte) (Instruction, bool) {
	if len(b) == 0 {
		return Instruction{}, false
	}
	switch b[0] {
	case 0x90: // nop
		return Instruction{PC: addr, Bytes: b, Category: CategoryNoOp, Next: addr + 1}, true
	case 0xc3: // ret
		return Instruction{PC: addr, Bytes: b, Category: CategoryReturn}, true
	case 0xe8: // call rel (test encoding)
		t := f.calls[addr]
		return Instruction{PC: addr, Bytes: b, Category: CategoryDirectCall, Next: t[1], Taken: t[0], HasTaken: true}, true
	}
	return Instruction{}, false
}

// TestDecodeNopNopRetS2 is spec.md scenario S2.
func TestDecodeNopNopRetS2(t *testing.T) {
	program := map[pc.PC]byte{0x4000: 0x90, 0x4001: 0x90, 0x4002: 0xc3}
	space := newFakeSpace(program)
	traces, stats := DecodeFromPC(space, fakeX86{}, 0x4000)

	if len(traces) != 1 {
		t.Fatalf("got %d traces, want 1", len(traces))
	}
	tr := traces[0]
	if tr.EntryPC != 0x4000 {
		t.Errorf("EntryPC = %s, want 0x4000", tr.EntryPC)
	}
	if tr.Id.EntryPC != 0x4000 {
		t.Errorf("trace.Id.EntryPC = %s, want 0x4000", tr.Id.EntryPC)
	}
	if len(tr.Instructions) != 3 {
		t.Errorf("got %d instructions, want 3", len(tr.Instructions))
	}
	if stats.TracesEmitted != 1 || stats.InstructionsRead != 3 {
		t.Errorf("stats = %+v", stats)
	}
}

// TestDecodeDirectCallS6 is spec.md scenario S6: a direct call splits
// the graph into a caller trace and a callee trace.
func TestDecodeDirectCallS6(t *testing.T) {
	program := map[pc.PC]byte{
		0x4000: 0xe8, // call 0x8000, returns to 0x4010
		0x4010: 0xc3, // ret
		0x8000: 0xc3, // ret
	}
	space := newFakeSpace(program)
	arch := fakeX86{calls: map[pc.PC][2]pc.PC{0x4000: {0x8000, 0x4010}}}

	traces, _ := DecodeFromPC(space, arch, 0x4000)
	if len(traces) != 2 {
		t.Fatalf("got %d traces, want 2", len(traces))
	}
	entries := map[pc.PC]bool{}
	for _, tr := range traces {
		entries[tr.EntryPC] = true
	}
	if !entries[0x4000] || !entries[0x8000] {
		t.Fatalf("expected entries {0x4000, 0x8000}, got %v", entries)
	}
}

func TestTraceHeadSkipsRedecoding(t *testing.T) {
	program := map[pc.PC]byte{0x4000: 0xc3}
	space := newFakeSpace(program)
	space.MarkTraceHead(0x4000)

	traces, stats := DecodeFromPC(space, fakeX86{}, 0x4000)
	if len(traces) != 0 {
		t.Fatalf("expected no traces for an already-decoded head, got %d", len(traces))
	}
	if stats.TracesEmitted != 0 {
		t.Fatalf("stats.TracesEmitted = %d, want 0", stats.TracesEmitted)
	}
}
