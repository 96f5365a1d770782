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
	"github.com/sirupsen/logrus"

	"github.com/isabella232/vmill/pkg/pc"
)

// Space is the subset of memory.AddressSpace the decoder needs. Kept as
// a narrow interface here (rather than importing pkg/memory directly) so
// the decoder can be exercised against fakes in tests.
type Space interface {
	TryReadExecutable(p pc.PC) (byte, bool)
	MarkTraceHead(p pc.PC)
	IsTraceHead(p pc.PC) bool
	ComputeCodeVersion(p pc.PC) pc.CodeVersion
}

// DecodedTrace is a maximal single-entry, multiple-exit region of guest
// code reachable from EntryPC without crossing a call or indirect edge
// (spec.md section 3 and GLOSSARY).
type DecodedTrace struct {
	EntryPC      pc.PC
	Id           pc.TraceId
	Version      pc.CodeVersion
	Instructions map[pc.PC]Instruction
	// Lengths records each instruction's byte length, a SPEC_FULL.md
	// supplement letting instrumentation tools recover instruction
	// boundaries without re-decoding.
	Lengths map[pc.PC]int
}

// Stats are decode-wide counters surfaced to --verbose (SPEC_FULL.md
// supplement; not part of the spec's core contract).
type Stats struct {
	TracesEmitted    int
	InstructionsRead int
	DecodeFailures   int
}

// DecodeFromPC runs the recursive decoder described in spec.md section
// 4.3 starting at entryPC, returning every trace it discovers.
func DecodeFromPC(space Space, arch ArchDecoder, entryPC pc.PC) ([]DecodedTrace, Stats) {
	var (
		stats      Stats
		traces     []DecodedTrace
		interTrace = []pc.PC{entryPC}
	)

	for len(interTrace) > 0 {
		head := interTrace[len(interTrace)-1]
		interTrace = interTrace[:len(interTrace)-1]

		if space.IsTraceHead(head) {
			continue
		}
		space.MarkTraceHead(head)

		trace := DecodedTrace{
			EntryPC:      head,
			Version:      space.ComputeCodeVersion(head),
			Instructions: make(map[pc.PC]Instruction),
			Lengths:      make(map[pc.PC]int),
		}

		intraTrace := []pc.PC{head}
		decoded := make(map[pc.PC]bool)

		for len(intraTrace) > 0 {
			p := intraTrace[len(intraTrace)-1]
			intraTrace = intraTrace[:len(intraTrace)-1]
			if decoded[p] {
				continue
			}
			decoded[p] = true

			buf, n := readExecutable(space, arch, p)
			stats.InstructionsRead++

			inst, ok := arch.Decode(p, buf[:n])
			if !ok {
				stats.DecodeFailures++
				logrus.WithField("pc", p).Warn("vmill/decode: failed to decode instruction")
				inst = Instruction{PC: p, Bytes: append([]byte(nil), buf[:n]...), Category: CategoryInvalid}
			}
			trace.Instructions[p] = inst
			trace.Lengths[p] = len(inst.Bytes)

			switch inst.Category {
			case CategoryNormal, CategoryNoOp:
				intraTrace = append(intraTrace, inst.Next)
			case CategoryConditionalBranch:
				intraTrace = append(intraTrace, inst.Taken, inst.Next)
			case CategoryDirectJump:
				intraTrace = append(intraTrace, inst.Taken)
			case CategoryDirectCall:
				intraTrace = append(intraTrace, inst.Next)
				if inst.HasTaken && inst.Taken != inst.Next {
					interTrace = append(interTrace, inst.Taken)
				}
			case CategoryIndirectCall, CategoryConditionalAsyncHypercall:
				intraTrace = append(intraTrace, inst.Next)
			case CategoryIndirectJump, CategoryReturn, CategoryAsyncHypercall, CategoryError, CategoryInvalid:
				// No successors enqueued; resolved at run time via the
				// executor's dispatch path, or terminal.
			}
		}

		pcs, bytes := sortedBytes(trace.Instructions)
		var minPC, maxPC pc.PC
		for i, p := range pcs {
			if i == 0 || p < minPC {
				minPC = p
			}
			if i == 0 || p > maxPC {
				maxPC = p
			}
		}
		hash := pc.HashTrace(minPC, maxPC, len(pcs), bytes)
		trace.Id = pc.TraceId{EntryPC: head, ContentHash: hash}

		traces = append(traces, trace)
		stats.TracesEmitted++
	}

	return traces, stats
}

func readExecutable(space Space, arch ArchDecoder, start pc.PC) ([]byte, int) {
	max := arch.MaxInstructionSize()
	buf := make([]byte, max)
	n := 0
	for ; n < max; n++ {
		b, ok := space.TryReadExecutable(start + pc.PC(n))
		if !ok {
			break
		}
		buf[n] = b
	}
	return buf, n
}

func sortedBytes(instrs map[pc.PC]Instruction) ([]pc.PC, [][]byte) {
	byPC := make(map[pc.PC][]byte, len(instrs))
	for p, inst := range instrs {
		byPC[p] = inst.Bytes
	}
	return pc.SortedByteConcat(byPC)
}
