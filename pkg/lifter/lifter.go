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

// Package lifter defines vmill's seam onto the external lifter library
// (spec.md section 4.4): translating decoded traces into a module of
// host functions. The lifter itself is out of scope per spec.md section
// 1; this package only defines the interface and the worker pool that
// drives it off the dispatch thread (spec.md section 5).
package lifter

import (
	"context"
	"fmt"

	"github.com/isabella232/vmill/pkg/decode"
	"github.com/isabella232/vmill/pkg/pc"
)

// DispatchResult is what a HostFunction reports after running one
// trace: where guest execution should continue, and whether it has
// none further (a top-level return with no caller to resume into, or
// any other terminal condition the translation hit).
type DispatchResult struct {
	NextPC pc.PC
	Halted bool
	Memory []byte
}

// HostFunction is a compiled translation of one trace: the signature the
// executor calls on dispatch (spec.md section 4.4). Unlike the external
// lifter's real compiled code, which threads the guest program counter
// through the opaque register-state blob, this Go stand-in reports the
// next PC explicitly so the executor can advance task.PC without
// knowing the state blob's layout.
type HostFunction func(state []byte, p pc.PC, mem []byte) DispatchResult

// Symbol is one entry of a lifted Module: the function produced for one
// trace, plus the entry PC the executor uses (together with the owning
// range's code version) to compute its LiveTraceId.
type Symbol struct {
	TraceId pc.TraceId
	EntryPC pc.PC
	Fn      HostFunction
}

// Module is the output of lifting one batch of traces.
type Module struct {
	Symbols []Symbol
}

// Lifter translates a batch of decoded traces into a Module of host
// functions.
type Lifter interface {
	LiftBatch(ctx context.Context, traces []decode.DecodedTrace) (*Module, error)
}

// ErrorOnlyLifter is a deterministic stand-in Lifter that lowers every
// trace to a host function which immediately invokes the error
// intrinsic. It exercises the full decode -> lift -> compile -> dispatch
// pipeline without a real code generator (SPEC_FULL.md); a production
// build links a real Lifter satisfying this same interface.
type ErrorOnlyLifter struct {
	// RemillError is called by every produced HostFunction, modelling
	// __remill_error(state, pc, memory) -> memory* (spec.md section 6).
	RemillError func(state []byte, p pc.PC, mem []byte) []byte
}

// LiftBatch implements Lifter. Every produced HostFunction halts the
// calling task after invoking the error intrinsic: there is no valid
// translation to continue into, so redispatching the same PC would spin
// forever rather than surface the failure.
func (l ErrorOnlyLifter) LiftBatch(_ context.Context, traces []decode.DecodedTrace) (*Module, error) {
	m := &Module{Symbols: make([]Symbol, 0, len(traces))}
	for _, t := range traces {
		t := t
		fn := func(state []byte, p pc.PC, mem []byte) DispatchResult {
			if l.RemillError != nil {
				mem = l.RemillError(state, p, mem)
			}
			return DispatchResult{NextPC: p, Halted: true, Memory: mem}
		}
		m.Symbols = append(m.Symbols, Symbol{TraceId: t.Id, EntryPC: t.EntryPC, Fn: fn})
	}
	return m, nil
}

// ErrNoSymbolForTrace indicates a Lifter returned a Module missing the
// symbol for one of the requested traces (lift/compile failure, spec.md
// section 7: "logged, individual trace falls back to the error
// intrinsic, the executor continues").
type ErrNoSymbolForTrace struct {
	Id pc.TraceId
}

func (e ErrNoSymbolForTrace) Error() string {
	return fmt.Sprintf("vmill/lifter: no symbol produced for trace %s", e.Id)
}
