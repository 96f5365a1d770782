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

package snapshot

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/isabella232/vmill/pkg/memory"
)

// fixtureWriter builds a <workspace>/snapshot file byte-for-byte in the
// loader's own framing, standing in for the external capture tool.
type fixtureWriter struct {
	buf bytes.Buffer
}

func (w *fixtureWriter) u16(v uint16) { binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *fixtureWriter) u32(v uint32) { binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *fixtureWriter) u64(v uint64) { binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *fixtureWriter) str(s string) {
	w.u16(uint16(len(s)))
	w.buf.WriteString(s)
}

func (w *fixtureWriter) writeOneSpaceOneRangeOneTask(rangeName string) {
	w.buf.Write(magic[:])
	w.u32(1) // numSpaces

	w.u64(1)       // id
	w.buf.WriteByte(0) // hasParent = false
	w.u32(1)       // numRanges

	w.u64(0x1000)
	w.u64(0x2000)
	w.buf.WriteByte(byte(memory.KindAnonymous))
	w.buf.WriteByte(flagReadable | flagExecutable)
	w.str(rangeName)
	w.str("")
	w.u64(0)

	w.u32(1) // numTasks
	w.u64(1) // addressSpaceID
	w.u64(0x1000)
	state := []byte{1, 2, 3, 4}
	w.u32(uint32(len(state)))
	w.buf.Write(state)
}

func writeSnapshotFixture(t *testing.T, dir, rangeName string, rangeContent []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dir, "memory"), 0o755); err != nil {
		t.Fatalf("mkdir memory: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "memory", rangeName), rangeContent, 0o644); err != nil {
		t.Fatalf("write page file: %v", err)
	}
	var w fixtureWriter
	w.writeOneSpaceOneRangeOneTask(rangeName)
	if err := os.WriteFile(filepath.Join(dir, "snapshot"), w.buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
}

func TestLoadAndMaterialize(t *testing.T) {
	dir := t.TempDir()
	content := make([]byte, 0x1000)
	content[0] = 0xC3
	writeSnapshotFixture(t, dir, "code", content)

	s, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(s.AddressSpaces) != 1 || len(s.Tasks) != 1 {
		t.Fatalf("got %d address spaces, %d tasks", len(s.AddressSpaces), len(s.Tasks))
	}
	if s.Tasks[0].AddressSpaceID != 1 || s.Tasks[0].PC != 0x1000 {
		t.Fatalf("unexpected task: %+v", s.Tasks[0])
	}

	spaces, err := s.Materialize(dir, false, true)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	space, ok := spaces[1]
	if !ok {
		t.Fatalf("expected address space 1")
	}
	b, ok := space.TryReadExecutable(0x1000)
	if !ok || b != 0xC3 {
		t.Fatalf("TryReadExecutable(0x1000) = (%v, %v), want (0xC3, true)", b, ok)
	}
}

func TestLoadMissingPageFileIsInconsistent(t *testing.T) {
	dir := t.TempDir()
	var w fixtureWriter
	w.writeOneSpaceOneRangeOneTask("missing")
	if err := os.WriteFile(filepath.Join(dir, "snapshot"), w.buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	s, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := s.Materialize(dir, false, true); err == nil {
		t.Fatalf("expected ErrSnapshotInconsistent for a missing page file")
	}
}

func TestLoadDuplicateAddressSpaceIdIsInconsistent(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "memory"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	var w fixtureWriter
	w.buf.Write(magic[:])
	w.u32(2)
	for i := 0; i < 2; i++ {
		w.u64(1)
		w.buf.WriteByte(0)
		w.u32(0)
	}
	w.u32(0)
	if err := os.WriteFile(filepath.Join(dir, "snapshot"), w.buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	s, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := s.Materialize(dir, false, true); err == nil {
		t.Fatalf("expected ErrSnapshotInconsistent for a duplicate address-space id")
	}
}

func TestLoadTaskReferencesUnknownAddressSpace(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "memory"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	var w fixtureWriter
	w.buf.Write(magic[:])
	w.u32(0)
	w.u32(1)
	w.u64(99)
	w.u64(0x1000)
	w.u32(0)
	if err := os.WriteFile(filepath.Join(dir, "snapshot"), w.buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	s, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := s.Materialize(dir, false, true); err == nil {
		t.Fatalf("expected ErrSnapshotInconsistent for a task referencing an unknown address space")
	}
}
