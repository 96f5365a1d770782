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

// Package decode implements the recursive trace decoder described in
// spec.md section 4.3: a walk from an entry PC that partitions the guest
// code graph into single-entry, multiple-exit traces.
//
// The actual machine-code decoding (bytes -> semantic Instruction) is an
// external collaborator per spec.md section 1; this package only defines
// the seam (ArchDecoder) and the graph-walking algorithm around it.
package decode

import "github.com/isabella232/vmill/pkg/pc"

// Category classifies an Instruction's control-flow behavior, per
// spec.md section 3.
type Category int

const (
	CategoryNormal Category = iota
	CategoryNoOp
	CategoryDirectJump
	CategoryConditionalBranch
	CategoryDirectCall
	CategoryIndirectCall
	CategoryIndirectJump
	CategoryReturn
	CategoryAsyncHypercall
	CategoryConditionalAsyncHypercall
	CategoryError
	CategoryInvalid
)

func (c Category) String() string {
	switch c {
	case CategoryNormal:
		return "normal"
	case CategoryNoOp:
		return "no-op"
	case CategoryDirectJump:
		return "direct-jump"
	case CategoryConditionalBranch:
		return "conditional-branch"
	case CategoryDirectCall:
		return "direct-call"
	case CategoryIndirectCall:
		return "indirect-call"
	case CategoryIndirectJump:
		return "indirect-jump"
	case CategoryReturn:
		return "return"
	case CategoryAsyncHypercall:
		return "async-hypercall"
	case CategoryConditionalAsyncHypercall:
		return "conditional-async-hypercall"
	case CategoryError:
		return "error"
	case CategoryInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Instruction is one decoded guest machine instruction, as produced by
// the external lifter library.
type Instruction struct {
	PC       pc.PC
	Bytes    []byte
	Category Category

	// Next is the fall-through successor (valid for Normal, NoOp,
	// ConditionalBranch's not-taken edge, DirectCall's not-taken edge,
	// IndirectCall/ConditionalAsyncHypercall's not-taken edge).
	Next pc.PC
	// Taken is the branch target (valid for ConditionalBranch,
	// DirectJump, DirectCall's callee).
	Taken pc.PC
	// HasTaken reports whether Taken is meaningful for this
	// instruction's category.
	HasTaken bool
}

// ArchDecoder is the external lifter's single-instruction decode entry
// point: given up to maxLen bytes starting at the instruction's PC, it
// returns the decoded Instruction (or ok=false on decode failure, in
// which case a CategoryInvalid/CategoryError stand-in is still expected
// from the caller per spec.md section 4.3's failure handling).
type ArchDecoder interface {
	// MaxInstructionSize is the architecture's maximum instruction
	// length in bytes (e.g. 15 for x86-64).
	MaxInstructionSize() int
	// Decode attempts to decode one instruction from bytes, which holds
	// up to MaxInstructionSize bytes read starting at addr.
	Decode(addr pc.PC, bytes []byte) (Instruction, bool)
}
