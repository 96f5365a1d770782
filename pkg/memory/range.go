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

// Package memory provides the guest virtual-memory abstraction: mapped
// ranges and the address spaces built from them. See spec.md section
// 4.1-4.2 for the authoritative contract.
package memory

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/isabella232/vmill/pkg/pc"
)

// Kind identifies the origin of a MappedRange's backing bytes, mirroring
// the snapshot-format page_range kinds in spec.md section 6.
type Kind int

const (
	// KindInvalid is the tombstone kind: no addresses in a range of this
	// kind are ever readable, writable or executable.
	KindInvalid Kind = iota
	KindAnonymous
	KindAnonymousZero
	KindFileBacked
	KindStack
	KindHeap
	KindVDSO
	KindVVar
	KindVsyscall
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindAnonymous:
		return "anonymous"
	case KindAnonymousZero:
		return "anonymous_zero"
	case KindFileBacked:
		return "file_backed"
	case KindStack:
		return "stack"
	case KindHeap:
		return "heap"
	case KindVDSO:
		return "vdso"
	case KindVVar:
		return "vvar"
	case KindVsyscall:
		return "vsyscall"
	default:
		return "unknown"
	}
}

// backing is the shared, possibly-copy-on-write byte storage underlying
// one or more MappedRange clones. Multiple ranges may point at the same
// backing until one of them writes, at which point the writer duplicates
// it (spec section 9: "reference-counted immutable backings with
// duplication on mutation").
type backing struct {
	refs  int
	bytes []byte
	// touched tracks, for anonymous-zero ranges, whether bytes has been
	// materialized yet. Before the first write bytes is nil and reads
	// return zero without allocating.
	touched bool
}

// MappedRange is one page-aligned [Base, Limit) region of a guest
// address space, per spec.md section 4.1.
type MappedRange struct {
	Base, Limit uint64
	Kind        Kind
	Name        string
	FilePath    string
	FileOffset  uint64

	b *backing

	// version is the cached code-version token for this range's
	// executable bytes. versionValid tracks whether it needs
	// recomputing.
	version      pc.CodeVersion
	versionValid bool
}

// NewAnonymous returns a new zero-filled anonymous range.
func NewAnonymous(base, limit uint64, name string, zero bool) *MappedRange {
	kind := KindAnonymous
	if zero {
		kind = KindAnonymousZero
	}
	r := &MappedRange{
		Base:  base,
		Limit: limit,
		Kind:  kind,
		Name:  name,
		b:     &backing{refs: 1},
	}
	if !zero {
		r.b.bytes = make([]byte, limit-base)
		r.b.touched = true
	}
	return r
}

// NewFileBacked returns a new range backed by the contents of an
// already-read file (the caller supplies the bytes; vmill never owns the
// mmap of the snapshot's memory/<name> files directly — see
// pkg/snapshot).
func NewFileBacked(base, limit uint64, name, path string, offset uint64, content []byte) *MappedRange {
	return &MappedRange{
		Base:       base,
		Limit:      limit,
		Kind:       KindFileBacked,
		Name:       name,
		FilePath:   path,
		FileOffset: offset,
		b:          &backing{refs: 1, bytes: content, touched: true},
	}
}

// NewInvalid returns a tombstone range covering [base, limit).
func NewInvalid(base, limit uint64) *MappedRange {
	return &MappedRange{Base: base, Limit: limit, Kind: KindInvalid}
}

// NewWithContent returns a new range of the given kind pre-populated
// with content (len(content) must equal limit-base). Used by
// pkg/snapshot to materialise stack/heap/vdso/vvar/vsyscall ranges,
// whose page bytes come from a sibling snapshot file rather than being
// freshly zeroed or read from a live file descriptor.
func NewWithContent(base, limit uint64, kind Kind, name string, content []byte) *MappedRange {
	return &MappedRange{
		Base:  base,
		Limit: limit,
		Kind:  kind,
		Name:  name,
		b:     &backing{refs: 1, bytes: content, touched: true},
	}
}

func (r *MappedRange) String() string {
	return fmt.Sprintf("[%#x,%#x) %s %q", r.Base, r.Limit, r.Kind, r.Name)
}

// Contains reports whether pageAddr falls within [Base, Limit).
func (r *MappedRange) Contains(pageAddr uint64) bool {
	return pageAddr >= r.Base && pageAddr < r.Limit
}

func (r *MappedRange) valid() bool {
	return r.Kind != KindInvalid
}

func (r *MappedRange) materialize() {
	if r.b.bytes == nil {
		r.b.bytes = make([]byte, r.Limit-r.Base)
	}
	r.b.touched = true
}

// Read reads the single byte at addr.
func (r *MappedRange) Read(addr uint64) (byte, bool) {
	if !r.valid() || addr < r.Base || addr >= r.Limit {
		return 0, false
	}
	if r.b.bytes == nil {
		return 0, true // anonymous-zero, untouched
	}
	return r.b.bytes[addr-r.Base], true
}

// Write writes the single byte at addr, duplicating the shared backing
// first if it has more than one reference (copy-on-write).
func (r *MappedRange) Write(addr uint64, v byte) bool {
	if !r.valid() || addr < r.Base || addr >= r.Limit {
		return false
	}
	r.cow()
	r.materialize()
	r.b.bytes[addr-r.Base] = v
	return true
}

// cow duplicates r's backing if it is shared, so that subsequent writes
// through r are not observed by any clone.
func (r *MappedRange) cow() {
	if r.b.refs <= 1 {
		return
	}
	nb := &backing{refs: 1, touched: r.b.touched}
	if r.b.bytes != nil {
		nb.bytes = append([]byte(nil), r.b.bytes...)
	}
	r.b.refs--
	r.b = nb
}

// ToReadOnlyPtr returns a pointer to the host byte backing addr's page
// for fast-path reads, or nil if the range cannot materialise bytes
// there without a write (e.g. an untouched anonymous-zero range).
func (r *MappedRange) ToReadOnlyPtr(addr uint64) *byte {
	if !r.valid() || addr < r.Base || addr >= r.Limit || r.b.bytes == nil {
		return nil
	}
	return &r.b.bytes[addr-r.Base]
}

// ToReadWritePtr is like ToReadOnlyPtr but materialises (and, if shared,
// duplicates) the backing bytes first so the returned pointer is safe to
// write through.
func (r *MappedRange) ToReadWritePtr(addr uint64) *byte {
	if !r.valid() || addr < r.Base || addr >= r.Limit {
		return nil
	}
	r.cow()
	r.materialize()
	return &r.b.bytes[addr-r.Base]
}

// Clone returns a new range sharing r's immutable backing. The clone
// gets its own code-version token (initially computed from identical
// bytes, so it equals r's version until either side writes).
func (r *MappedRange) Clone() *MappedRange {
	r.b.refs++
	return &MappedRange{
		Base:         r.Base,
		Limit:        r.Limit,
		Kind:         r.Kind,
		Name:         r.Name,
		FilePath:     r.FilePath,
		FileOffset:   r.FileOffset,
		b:            r.b,
		version:      r.version,
		versionValid: r.versionValid,
	}
}

// Copy returns a sub-range of r covering [newBase, newLimit), used by
// AddressSpace map-splitting. The sub-range gets its own copy of the
// bytes it covers (a tombstone has no backing and none is created).
func (r *MappedRange) Copy(newBase, newLimit uint64) *MappedRange {
	c := &MappedRange{
		Base:       newBase,
		Limit:      newLimit,
		Kind:       r.Kind,
		Name:       r.Name,
		FilePath:   r.FilePath,
		FileOffset: r.FileOffset,
	}
	if r.b != nil {
		c.b = &backing{refs: 1, touched: r.b.touched}
		if r.b.bytes != nil {
			c.b.bytes = append([]byte(nil), r.b.bytes[newBase-r.Base:newLimit-r.Base]...)
		}
	}
	return c
}

// ComputeCodeVersion lazily computes and caches a digest of r's
// executable bytes. The first computation for a range derives the token
// from a content hash of those bytes, so that a code cache populated in
// one run remains valid in the next as long as the bytes haven't changed
// (spec.md section 4.4: "subsequent runs can repopulate the live index
// without re-lifting"); an SMC invalidation (InvalidateCodeVersion)
// instead assigns a fresh, content-independent token, since by
// definition the bytes it described no longer match anything on disk.
func (r *MappedRange) ComputeCodeVersion() pc.CodeVersion {
	if r.versionValid {
		return r.version
	}
	r.version = pc.CodeVersion(pc.HashTrace(pc.PC(r.Base), pc.PC(r.Limit), 1, [][]byte{r.executableSnapshot()}))
	r.versionValid = true
	return r.version
}

// executableSnapshot returns the range's current bytes (materializing an
// anonymous-zero range's all-zero contents without marking it touched).
func (r *MappedRange) executableSnapshot() []byte {
	if r.b.bytes != nil {
		return r.b.bytes
	}
	return make([]byte, r.Limit-r.Base)
}

// InvalidateCodeVersion assigns a fresh token, distinct from every token
// previously observed for this range (spec property 1 / SMC protocol).
// Unlike the initial content-hash-derived version, this token is drawn
// from a monotonic counter: the whole point is that it must not collide
// with a version some other range (or a past version of this one) could
// have derived from some other byte sequence.
func (r *MappedRange) InvalidateCodeVersion() {
	r.version = pc.NextCodeVersion()
	r.versionValid = true
}

// mmapFile returns a copy of the first size bytes of path, read via mmap
// (used through ReadPageFile by pkg/snapshot to load the page file of
// every content-bearing range kind).
func mmapFile(path string, size int) ([]byte, error) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer unix.Close(fd)
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	out := append([]byte(nil), data...)
	_ = unix.Munmap(data)
	return out, nil
}

// ReadPageFile is mmapFile exported for pkg/snapshot, which needs to
// read a workspace's sibling <workspace>/memory/<name> page files the
// same way a file_backed range's contents are read here.
func ReadPageFile(path string, size int) ([]byte, error) {
	return mmapFile(path, size)
}
