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

import "github.com/isabella232/vmill/pkg/pc"

// NullDecoder is a deterministic stand-in ArchDecoder: every byte
// decodes as a one-byte CategoryReturn instruction, so a trace
// terminates immediately wherever it starts. Analogous to
// lifter.ErrorOnlyLifter, it exercises the full decode -> lift ->
// compile -> dispatch pipeline without a real architecture decoder,
// which spec.md section 1 places out of scope. The execute subcommand
// always uses it; its --tool list does not select a decoder.
type NullDecoder struct{}

// MaxInstructionSize implements ArchDecoder.
func (NullDecoder) MaxInstructionSize() int { return 1 }

// Decode implements ArchDecoder.
func (NullDecoder) Decode(addr pc.PC, bytes []byte) (Instruction, bool) {
	if len(bytes) == 0 {
		return Instruction{}, false
	}
	return Instruction{PC: addr, Bytes: bytes[:1], Category: CategoryReturn}, true
}
