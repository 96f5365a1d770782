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

// Package pc defines the distinct value types that make up vmill's
// dispatch keys: guest program counters, code versions, and the trace
// identifiers derived from them.
package pc

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sort"
)

// PC is a 64-bit guest program counter. It is a distinct type from any
// host address so that the two are never accidentally mixed in
// arithmetic.
type PC uint64

// String implements fmt.Stringer.
func (p PC) String() string {
	return fmt.Sprintf("0x%x", uint64(p))
}

// Page returns the page-aligned address containing p, given pageSize.
func (p PC) Page(pageSize uint64) PC {
	return PC(uint64(p) &^ (pageSize - 1))
}

// CodeVersion is an opaque token associated with the executable bytes of
// a mapped range. Two PCs observe equal versions iff the underlying
// bytes were byte-identical at decode time.
type CodeVersion uint64

// ZeroCodeVersion is returned by AddressSpace.ComputeCodeVersion when
// code-versioning is disabled by configuration (spec section 4.2).
const ZeroCodeVersion CodeVersion = 0

// String implements fmt.Stringer.
func (v CodeVersion) String() string {
	return fmt.Sprintf("cv:%x", uint64(v))
}

// versionSeq hands out fresh, monotonically increasing code versions.
// A package-level counter is sufficient: code versions only need to be
// distinct from every previously observed version for the same range,
// not globally unique across all ranges forever.
var versionSeq uint64

// NextCodeVersion returns a fresh CodeVersion distinct from every
// previously returned one in this process.
func NextCodeVersion() CodeVersion {
	versionSeq++
	return CodeVersion(versionSeq)
}

// TraceId identifies a decoded trace by its entry PC and a content hash
// of its instruction bytes (spec section 3).
type TraceId struct {
	EntryPC     PC
	ContentHash uint64
}

// String implements fmt.Stringer.
func (t TraceId) String() string {
	return fmt.Sprintf("trace(%s,%x)", t.EntryPC, t.ContentHash)
}

// LiveTraceId is the key of the hot dispatch table: a PC paired with the
// code version of the range containing it.
type LiveTraceId struct {
	PC      PC
	Version CodeVersion
}

// String implements fmt.Stringer.
func (l LiveTraceId) String() string {
	return fmt.Sprintf("live(%s,%s)", l.PC, l.Version)
}

// HashTrace computes the TraceId.ContentHash for a trace whose lowest
// and highest instruction PCs are minPC/maxPC, containing instrCount
// instructions, given the instruction bytes in ascending-PC order.
//
// The hash is seeded with min_pc*max_pc*instruction_count so that two
// byte-identical sequences at different PCs do not collide (spec
// section 4.3). It must stay stable across separate process runs — a
// code cache populated in one run is read back by the next (section
// 4.4) — so this deliberately uses fnv64a rather than hash/maphash:
// maphash's seed is randomized once per process by design and produces
// a different digest for identical input on every run, which would
// make every persisted TraceId unrecognizable on the next invocation.
func HashTrace(minPC, maxPC PC, instrCount int, instrBytes [][]byte) uint64 {
	h := fnv.New64a()

	seed := uint64(minPC) * uint64(maxPC) * uint64(instrCount)
	var seedBuf [8]byte
	binary.LittleEndian.PutUint64(seedBuf[:], seed)
	h.Write(seedBuf[:])

	for _, b := range instrBytes {
		h.Write(b)
	}
	return h.Sum64()
}

// SortedByteConcat orders a map of PC->bytes by ascending PC and returns
// the concatenated slices, the form HashTrace expects.
func SortedByteConcat(byPC map[PC][]byte) (pcs []PC, bytes [][]byte) {
	pcs = make([]PC, 0, len(byPC))
	for p := range byPC {
		pcs = append(pcs, p)
	}
	sort.Slice(pcs, func(i, j int) bool { return pcs[i] < pcs[j] })
	bytes = make([][]byte, 0, len(pcs))
	for _, p := range pcs {
		bytes = append(bytes, byPC[p])
	}
	return pcs, bytes
}
