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

import (
	"context"
	"testing"

	"github.com/isabella232/vmill/pkg/lifter"
	"github.com/isabella232/vmill/pkg/pc"
)

func TestCompileInstallsAndPersists(t *testing.T) {
	dir := t.TempDir()
	live := NewLiveIndex()
	cache := Open(dir, live, nil)

	module := &lifter.Module{Symbols: []lifter.Symbol{
		{TraceId: pc.TraceId{EntryPC: 0x4000, ContentHash: 0xabc}, EntryPC: 0x4000, Fn: func(s []byte, p pc.PC, m []byte) lifter.DispatchResult {
			return lifter.DispatchResult{Halted: true, Memory: m}
		}},
	}}
	versionOf := func(pc.PC) pc.CodeVersion { return 5 }

	if err := cache.Compile(context.Background(), module, versionOf); err != nil {
		t.Fatalf("Compile: %v", err)
	}

	if _, ok := live.Lookup(pc.LiveTraceId{PC: 0x4000, Version: 5}); !ok {
		t.Fatalf("expected live index entry for (0x4000, 5)")
	}

	entries, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 1 || entries[0].Live.PC != 0x4000 || entries[0].Live.Version != 5 {
		t.Fatalf("Load returned %+v", entries)
	}
	if entries[0].TraceId.EntryPC != 0x4000 || entries[0].TraceId.ContentHash != 0xabc {
		t.Fatalf("Load returned wrong TraceId %+v", entries[0].TraceId)
	}
}

func TestLoadMissingIndexIsEmpty(t *testing.T) {
	entries, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
}

func TestLiveIndexStaleKeyUnreachable(t *testing.T) {
	// Property 6: once the version changes, the old LiveTraceId key is
	// simply a different map entry -- never mutated in place -- so
	// dispatch under the new key can't observe the old function.
	li := NewLiveIndex()
	old := pc.LiveTraceId{PC: 0x4000, Version: 1}
	li.Insert(old, func(s []byte, p pc.PC, m []byte) lifter.DispatchResult {
		return lifter.DispatchResult{Halted: true, Memory: m}
	})

	newKey := pc.LiveTraceId{PC: 0x4000, Version: 2}
	if _, ok := li.Lookup(newKey); ok {
		t.Fatalf("new version key should not resolve to the old entry")
	}
	if _, ok := li.Lookup(old); !ok {
		t.Fatalf("old entry should still be present under its own key")
	}
}
