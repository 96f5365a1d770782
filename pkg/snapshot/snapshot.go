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

// Package snapshot loads the program snapshot format described in
// spec.md section 6: a structured message of address-space descriptors
// (each a set of page ranges) and task descriptors referencing them.
// Snapshot capture is a separate, external tool (spec.md section 1);
// this package only consumes the workspace layout it produces.
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/isabella232/vmill/pkg/memory"
	"github.com/isabella232/vmill/pkg/pc"
)

// AddressSpaceDescriptor is one entry of the snapshot's address-space
// list: an id, an optional parent id (informational lineage only --
// the loader always materialises independent, fully-populated address
// spaces, since every range's content is already present in the
// snapshot rather than needing to be inherited from a live parent),
// and its page ranges.
type AddressSpaceDescriptor struct {
	ID       uint64
	ParentID uint64
	HasParent bool
	Ranges   []PageRangeDescriptor
}

// PageRangeDescriptor is one page_range entry, per spec.md section 6.
type PageRangeDescriptor struct {
	Base, Limit          uint64
	Kind                 memory.Kind
	Readable, Writable   bool
	Executable           bool
	Name                 string
	FilePath             string
	FileOffset           uint64
}

// TaskDescriptor is one task entry, per spec.md section 6.
type TaskDescriptor struct {
	AddressSpaceID uint64
	PC             pc.PC
	RegisterState  []byte
}

// Snapshot is the fully parsed workspace snapshot message.
type Snapshot struct {
	AddressSpaces []AddressSpaceDescriptor
	Tasks         []TaskDescriptor
}

// ErrSnapshotInconsistent reports a fatal-at-load-time inconsistency:
// a page-range file missing or too small, a duplicate address-space id,
// or a task referencing an unknown address-space id (spec.md section 7).
type ErrSnapshotInconsistent struct {
	Reason string
}

func (e ErrSnapshotInconsistent) Error() string {
	return fmt.Sprintf("vmill/snapshot: inconsistent snapshot: %s", e.Reason)
}

// Materialize builds a memory.AddressSpace for each descriptor, reading
// non-zero ranges' page content from <workspace>/memory/<name> and
// returning a map keyed by the descriptor's id. codeVersioning enables
// SMC tracking per the --version_code CLI flag (spec.md section 6).
func (s *Snapshot) Materialize(workspaceDir string, is32Bit, codeVersioning bool) (map[uint64]*memory.AddressSpace, error) {
	seen := make(map[uint64]bool, len(s.AddressSpaces))
	out := make(map[uint64]*memory.AddressSpace, len(s.AddressSpaces))

	for _, desc := range s.AddressSpaces {
		if seen[desc.ID] {
			return nil, ErrSnapshotInconsistent{Reason: fmt.Sprintf("duplicate address-space id %d", desc.ID)}
		}
		seen[desc.ID] = true

		space := memory.New(is32Bit, codeVersioning)
		for _, rd := range desc.Ranges {
			r, err := loadRange(workspaceDir, rd)
			if err != nil {
				return nil, err
			}
			if err := space.AddMap(r); err != nil {
				return nil, fmt.Errorf("vmill/snapshot: address space %d: add range %s: %w", desc.ID, r, err)
			}
			if rd.Kind != memory.KindInvalid {
				if err := space.SetPermissions(rd.Base, rd.Limit-rd.Base, rd.Readable, rd.Writable, rd.Executable); err != nil {
					return nil, fmt.Errorf("vmill/snapshot: address space %d: set permissions: %w", desc.ID, err)
				}
			}
		}
		out[desc.ID] = space
	}

	for _, td := range s.Tasks {
		if _, ok := out[td.AddressSpaceID]; !ok {
			return nil, ErrSnapshotInconsistent{Reason: fmt.Sprintf("task references unknown address-space id %d", td.AddressSpaceID)}
		}
	}

	return out, nil
}

// loadRange constructs a MappedRange for one descriptor, reading its
// sibling page file when the range is non-zero-filled (spec.md section
// 6: "for every non-zero range there is a sibling file in
// <workspace>/memory/<name>").
func loadRange(workspaceDir string, rd PageRangeDescriptor) (*memory.MappedRange, error) {
	size := rd.Limit - rd.Base

	switch rd.Kind {
	case memory.KindInvalid:
		return memory.NewInvalid(rd.Base, rd.Limit), nil
	case memory.KindAnonymousZero:
		return memory.NewAnonymous(rd.Base, rd.Limit, rd.Name, true), nil
	case memory.KindFileBacked:
		content, err := readPageFile(workspaceDir, rd.Name, size)
		if err != nil {
			return nil, err
		}
		return memory.NewFileBacked(rd.Base, rd.Limit, rd.Name, rd.FilePath, rd.FileOffset, content), nil
	default:
		// anonymous, stack, heap, vdso, vvar, vsyscall: all non-zero,
		// content-bearing kinds with a sibling page file.
		content, err := readPageFile(workspaceDir, rd.Name, size)
		if err != nil {
			return nil, err
		}
		return memory.NewWithContent(rd.Base, rd.Limit, rd.Kind, rd.Name, content), nil
	}
}

// readPageFile reads <workspaceDir>/memory/<name> in full, failing
// fatally if it is missing or shorter than size (spec.md section 7:
// "range file missing or too small ... fatal at load time").
func readPageFile(workspaceDir, name string, size uint64) ([]byte, error) {
	path := filepath.Join(workspaceDir, "memory", name)
	info, err := os.Stat(path)
	if err != nil {
		return nil, ErrSnapshotInconsistent{Reason: fmt.Sprintf("page file %q: %v", path, err)}
	}
	if uint64(info.Size()) < size {
		return nil, ErrSnapshotInconsistent{Reason: fmt.Sprintf("page file %q is %d bytes, want at least %d", path, info.Size(), size)}
	}
	content, err := memory.ReadPageFile(path, int(size))
	if err != nil {
		return nil, ErrSnapshotInconsistent{Reason: fmt.Sprintf("page file %q: %v", path, err)}
	}
	return content, nil
}
