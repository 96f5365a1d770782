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

package memory

import (
	"errors"
	"sort"
	"sync"
	"unsafe"

	"github.com/google/btree"
	"golang.org/x/tools/container/intsets"

	"github.com/isabella232/vmill/pkg/pc"
)

const (
	// PageSize is the guest page size assumed throughout this package.
	PageSize = 4096

	// pageCacheBits selects bits 12..17 of a page address as the
	// direct-mapped cache index (spec section 3: "a small direct-mapped
	// cache keyed by bits 12…17 of the page address").
	pageCacheBits = 6
	pageCacheSize = 1 << pageCacheBits
	pageCacheMask = pageCacheSize - 1
)

var (
	// ErrUnmappedAddress names the fault of an access to an address with
	// no valid backing range. The byte and scalar accessors in this
	// package report that fault as a false result, not as this error.
	ErrUnmappedAddress = errors.New("vmill/memory: unmapped address")
	// ErrPermissionDenied names the fault of an access that violates the
	// effective permission set for its target page. The byte and scalar
	// accessors in this package report that fault as a false result, not
	// as this error.
	ErrPermissionDenied = errors.New("vmill/memory: permission denied")
	// ErrDeadAddressSpace is returned by any mutation attempted after
	// Kill.
	ErrDeadAddressSpace = errors.New("vmill/memory: address space is dead")
)

// rangeItem is the btree.Item stored in AddressSpace.ranges, ordered by
// base address.
type rangeItem struct {
	r *MappedRange
}

func (a rangeItem) Less(than btree.Item) bool {
	return a.r.Base < than.(rangeItem).r.Base
}

// pageCacheEntry is one slot of a small direct-mapped lookup cache.
type pageCacheEntry struct {
	page  uint64
	valid bool
	r     *MappedRange
}

// AddressSpace is one guest process's virtual memory, per spec.md
// section 4.2.
type AddressSpace struct {
	mu sync.Mutex

	is32Bit bool
	addrMask uint64

	ranges *btree.BTree // of rangeItem, ordered by Base

	readable   intsets.Sparse // page numbers
	writable   intsets.Sparse
	executable intsets.Sparse

	// pageIndex and wneIndex cache the range covering a page and the
	// range covering a writable-non-executable page respectively, each
	// with its own direct-mapped accelerator (spec section 4.2).
	pageIndex    map[uint64]*MappedRange
	wneIndex     map[uint64]*MappedRange
	pageCache    [pageCacheSize]pageCacheEntry
	wneCache     [pageCacheSize]pageCacheEntry

	traceHeads map[pc.PC]bool

	codeVersioningEnabled bool

	dead bool
}

// New returns an empty AddressSpace for a guest of the given bitness.
// codeVersioning enables the SMC-detection code-version machinery;
// when false, ComputeCodeVersion always returns pc.ZeroCodeVersion
// (spec section 4.2).
func New(is32Bit, codeVersioning bool) *AddressSpace {
	mask := uint64(0xFFFFFFFFFFFFFFFF)
	if is32Bit {
		mask = 0xFFFFFFFF
	}
	as := &AddressSpace{
		is32Bit:               is32Bit,
		addrMask:               mask,
		ranges:                 btree.New(32),
		pageIndex:              make(map[uint64]*MappedRange),
		wneIndex:               make(map[uint64]*MappedRange),
		traceHeads:             make(map[pc.PC]bool),
		codeVersioningEnabled:  codeVersioning,
	}
	// The sentinel's limit can't literally be 1<<64 on a 64-bit guest, so
	// it is capped at mask; the last byte of the address space is never
	// addressable through this sentinel. In practice no real mapping
	// reaches that boundary.
	sentinelLimit := mask
	if mask != 0xFFFFFFFFFFFFFFFF {
		sentinelLimit = mask + 1
	}
	as.ranges.ReplaceOrInsert(rangeItem{NewInvalid(0, sentinelLimit)})
	return as
}

// mask applies the address-size mask before any permission check or
// range lookup, per the Open Question resolution in DESIGN.md.
func (as *AddressSpace) mask(addr uint64) uint64 {
	return addr & as.addrMask
}

func pageOf(addr uint64) uint64 { return addr &^ (PageSize - 1) }

// IsDead reports whether Kill has been called.
func (as *AddressSpace) IsDead() bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.dead
}

// Kill marks the address space dead. It remains observable but every
// subsequent mutation fails: AddMap, RemoveMap and SetPermissions return
// ErrDeadAddressSpace, and TryWrite/TryWriteScalar return false.
func (as *AddressSpace) Kill() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.dead = true
	// With no writable pages left, both the write fast path and the byte
	// path of TryWrite fail.
	as.writable.Clear()
	as.rebuildLocked()
}

// AddMap inserts r as a new mapping [r.Base, r.Limit), splitting or
// removing any overlapping existing maps per the rules in spec.md
// section 4.2. r keeps its own kind and content (typically produced by
// NewAnonymous/NewFileBacked by the caller); its pages get default
// permissions R+W, not executable; callers adjust via SetPermissions.
func (as *AddressSpace) AddMap(r *MappedRange) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.dead {
		return ErrDeadAddressSpace
	}
	as.addMapLocked(r)
	as.rebuildLocked()
	return nil
}

func (as *AddressSpace) addMapLocked(r *MappedRange) {
	base, limit := r.Base, r.Limit
	var toInsert []*MappedRange
	var toRemove []*MappedRange

	as.ranges.Ascend(func(it btree.Item) bool {
		m := it.(rangeItem).r
		switch {
		case m.Limit <= base || m.Base >= limit:
			// No overlap; keep m.
		case m.Base >= base && m.Limit <= limit:
			// m fully contained in the new map; drop m.
			toRemove = append(toRemove, m)
		case base >= m.Base && limit <= m.Limit:
			// New map fully contained in m; replace with the two flanks.
			toRemove = append(toRemove, m)
			if m.Base < base {
				toInsert = append(toInsert, m.Copy(m.Base, base))
			}
			if limit < m.Limit {
				toInsert = append(toInsert, m.Copy(limit, m.Limit))
			}
		case base <= m.Base:
			// Prefix overlap: the new map covers m's start but not its
			// end (base <= m.Base with m.Limit <= limit would already
			// have hit the "fully contained" case above, so here
			// limit < m.Limit).
			// Keep the surviving tail [limit, m.Limit).
			toRemove = append(toRemove, m)
			toInsert = append(toInsert, m.Copy(limit, m.Limit))
		default:
			// Suffix overlap: base > m.Base, so the new map covers m's
			// end but not its start. Keep the surviving head
			// [m.Base, base).
			toRemove = append(toRemove, m)
			toInsert = append(toInsert, m.Copy(m.Base, base))
		}
		return true
	})

	for _, m := range toRemove {
		as.ranges.Delete(rangeItem{m})
	}
	for _, m := range toInsert {
		if m.Base < m.Limit {
			as.ranges.ReplaceOrInsert(rangeItem{m})
		}
	}
	as.ranges.ReplaceOrInsert(rangeItem{r})

	// Default permissions for a freshly inserted map are R+W, not
	// executable (spec section 4.2); RemoveMap immediately overrides
	// this for the tombstone it inserts.
	for p := pageOf(base); p < limit; p += PageSize {
		as.readable.Insert(int(p))
		as.writable.Insert(int(p))
		as.executable.Remove(int(p))
	}
}

// RemoveMap replaces the region [base, base+size) with a tombstone.
func (as *AddressSpace) RemoveMap(base, size uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.dead {
		return ErrDeadAddressSpace
	}
	as.addMapLocked(NewInvalid(base, base+size))
	for p := pageOf(base); p < base+size; p += PageSize {
		as.readable.Remove(int(p))
		as.writable.Remove(int(p))
		as.executable.Remove(int(p))
	}
	as.rebuildLocked()
	return nil
}

// SetPermissions updates the effective R/W/X sets for [base, base+size)
// at page granularity.
func (as *AddressSpace) SetPermissions(base, size uint64, r, w, x bool) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.dead {
		return ErrDeadAddressSpace
	}
	for p := pageOf(base); p < base+size; p += PageSize {
		setBit(&as.readable, p, r)
		setBit(&as.writable, p, w)
		setBit(&as.executable, p, x)
	}
	as.rebuildLocked()
	return nil
}

func setBit(s *intsets.Sparse, page uint64, on bool) {
	if on {
		s.Insert(int(page))
	} else {
		s.Remove(int(page))
	}
}

// rebuildLocked rebuilds the page->range indices after any structural
// change, per the invariant in spec.md section 3 ("after any AddMap /
// RemoveMap / SetPermissions the page-to-range indices are fully
// rebuilt").
func (as *AddressSpace) rebuildLocked() {
	as.pageIndex = make(map[uint64]*MappedRange)
	as.wneIndex = make(map[uint64]*MappedRange)
	for i := range as.pageCache {
		as.pageCache[i] = pageCacheEntry{}
	}
	for i := range as.wneCache {
		as.wneCache[i] = pageCacheEntry{}
	}

	as.ranges.Ascend(func(it btree.Item) bool {
		m := it.(rangeItem).r
		if !m.valid() {
			return true
		}
		for p := pageOf(m.Base); p < m.Limit; p += PageSize {
			as.pageIndex[p] = m
			if as.writable.Has(int(p)) && !as.executable.Has(int(p)) {
				as.wneIndex[p] = m
			}
		}
		return true
	})
}

func (as *AddressSpace) lookupLocked(addr uint64) *MappedRange {
	p := pageOf(addr)
	idx := int(p>>12) & pageCacheMask
	if e := as.pageCache[idx]; e.valid && e.page == p {
		return e.r
	}
	r := as.pageIndex[p]
	as.pageCache[idx] = pageCacheEntry{page: p, valid: true, r: r}
	return r
}

func (as *AddressSpace) lookupWNELocked(addr uint64) *MappedRange {
	p := pageOf(addr)
	idx := int(p>>12) & pageCacheMask
	if e := as.wneCache[idx]; e.valid && e.page == p {
		return e.r
	}
	r := as.wneIndex[p]
	as.wneCache[idx] = pageCacheEntry{page: p, valid: true, r: r}
	return r
}

// IsMapped reports whether addr falls within a valid range.
func (as *AddressSpace) IsMapped(addr uint64) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.lookupLocked(as.mask(addr)) != nil
}

// CanRead, CanWrite, CanExecute report effective permission: the address
// must both be in the corresponding permission set *and* belong to a
// valid range (spec section 4.2, "Permission semantics").
func (as *AddressSpace) CanRead(addr uint64) bool  { return as.effective(addr, &as.readable) }
func (as *AddressSpace) CanWrite(addr uint64) bool { return as.effective(addr, &as.writable) }
func (as *AddressSpace) CanExecute(addr uint64) bool {
	return as.effective(addr, &as.executable)
}

func (as *AddressSpace) effective(addr uint64, set *intsets.Sparse) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	addr = as.mask(addr)
	if as.lookupLocked(addr) == nil {
		return false
	}
	return set.Has(int(pageOf(addr)))
}

// TryRead reads size bytes starting at addr into out, cross-range and
// permission-checked.
func (as *AddressSpace) TryRead(addr uint64, out []byte) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	addr = as.mask(addr)
	for i := range out {
		a := addr + uint64(i)
		if !as.readable.Has(int(pageOf(a))) {
			return false
		}
		r := as.lookupLocked(a)
		if r == nil {
			return false
		}
		b, ok := r.Read(a)
		if !ok {
			return false
		}
		out[i] = b
	}
	return true
}

// TryWrite writes the bytes of in starting at addr, cross-range and
// permission-checked. A write to a page that is also executable
// invalidates the containing range's code version and clears the
// trace-head set (the SMC protocol, spec section 4.2/9).
func (as *AddressSpace) TryWrite(addr uint64, in []byte) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	addr = as.mask(addr)

	// Fast path: the whole write stays on one writable-non-executable
	// page of one range, skipping the SMC check entirely.
	if len(in) > 0 && pageOf(addr) == pageOf(addr+uint64(len(in))-1) {
		if r := as.lookupWNELocked(addr); r != nil {
			ok := true
			for i, b := range in {
				if !r.Write(addr+uint64(i), b) {
					ok = false
					break
				}
			}
			if ok {
				return true
			}
		}
	}

	for i, b := range in {
		a := addr + uint64(i)
		if !as.writable.Has(int(pageOf(a))) {
			return false
		}
		r := as.lookupLocked(a)
		if r == nil {
			return false
		}
		if !r.Write(a, b) {
			return false
		}
		if as.executable.Has(int(pageOf(a))) {
			as.smcLocked(r)
		}
	}
	return true
}

func (as *AddressSpace) smcLocked(r *MappedRange) {
	r.InvalidateCodeVersion()
	as.traceHeads = make(map[pc.PC]bool)
}

// TryReadExecutable is a byte read that additionally requires executable
// permission on the page (used by the trace decoder).
func (as *AddressSpace) TryReadExecutable(p pc.PC) (byte, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	addr := as.mask(uint64(p))
	if !as.executable.Has(int(pageOf(addr))) {
		return 0, false
	}
	r := as.lookupLocked(addr)
	if r == nil {
		return 0, false
	}
	return r.Read(addr)
}

// TryReadScalar is the typed fast path for 1/2/4/8-byte scalars: it
// succeeds via direct pointer access iff the whole access stays within
// one page of one readable range, and otherwise falls back to the byte
// path.
func TryReadScalar[T ~uint8 | ~uint16 | ~uint32 | ~uint64](as *AddressSpace, addr uint64) (T, bool) {
	var zero T
	size := sizeOfScalar[T]()
	addr = as.mask(addr)

	as.mu.Lock()
	if pageOf(addr) == pageOf(addr+uint64(size)-1) {
		r := as.lookupLocked(addr)
		if r != nil && as.readable.Has(int(pageOf(addr))) {
			if ptr := r.ToReadOnlyPtr(addr); ptr != nil {
				buf := unsafeBytes(ptr, size)
				as.mu.Unlock()
				return decodeLE[T](buf), true
			}
		}
	}
	as.mu.Unlock()

	buf := make([]byte, size)
	if !as.TryRead(addr, buf) {
		return zero, false
	}
	return decodeLE[T](buf), true
}

// TryWriteScalar is the typed fast-path write counterpart of
// TryReadScalar.
func TryWriteScalar[T ~uint8 | ~uint16 | ~uint32 | ~uint64](as *AddressSpace, addr uint64, v T) bool {
	size := sizeOfScalar[T]()
	addr = as.mask(addr)
	buf := make([]byte, size)
	encodeLE(buf, v)

	as.mu.Lock()
	if pageOf(addr) == pageOf(addr+uint64(size)-1) {
		if r := as.lookupWNELocked(addr); r != nil {
			if ptr := r.ToReadWritePtr(addr); ptr != nil {
				dst := unsafeBytes(ptr, size)
				copy(dst, buf)
				as.mu.Unlock()
				return true
			}
		}
	}
	as.mu.Unlock()
	return as.TryWrite(addr, buf)
}

// FindHole returns the highest page-aligned address in [min, max) at
// which a size-byte allocation fits without touching any valid range,
// per spec.md section 4.2's "Hole finder".
func (as *AddressSpace) FindHole(min, max, size uint64) (uint64, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()

	type gap struct{ lo, hi uint64 }
	var items []rangeItem
	as.ranges.Ascend(func(it btree.Item) bool {
		items = append(items, it.(rangeItem))
		return true
	})

	var gaps []gap
	var prevBase uint64 = max
	// Walk in descending base order: reverse the ascending slice.
	for i := len(items) - 1; i >= 0; i-- {
		m := items[i].r
		if m.valid() {
			if m.Limit < prevBase {
				gaps = append(gaps, gap{m.Limit, prevBase})
			}
			prevBase = m.Base
		} else {
			gaps = append(gaps, gap{m.Base, m.Limit})
			prevBase = m.Base
		}
	}
	if prevBase > min {
		gaps = append(gaps, gap{min, prevBase})
	}

	sort.Slice(gaps, func(i, j int) bool { return gaps[i].hi > gaps[j].hi })

	for _, g := range gaps {
		top := g.hi
		if top > max {
			top = max
		}
		if top < size {
			continue
		}
		h := pageOf(top - size)
		lo := g.lo
		if lo < min {
			lo = min
		}
		if h >= lo && h+size <= max && h >= min {
			return h, true
		}
	}
	return 0, false
}

// MarkTraceHead records pc as an already-decoded trace entry.
func (as *AddressSpace) MarkTraceHead(p pc.PC) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.traceHeads[p] = true
}

// IsTraceHead reports whether p has already been handed to the decoder
// under the current code version.
func (as *AddressSpace) IsTraceHead(p pc.PC) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.traceHeads[p]
}

// ComputeCodeVersion delegates to the range containing pc, or returns
// ZeroCodeVersion if code-versioning is disabled.
func (as *AddressSpace) ComputeCodeVersion(p pc.PC) pc.CodeVersion {
	as.mu.Lock()
	defer as.mu.Unlock()
	if !as.codeVersioningEnabled {
		return pc.ZeroCodeVersion
	}
	r := as.lookupLocked(as.mask(uint64(p)))
	if r == nil {
		return pc.ZeroCodeVersion
	}
	return r.ComputeCodeVersion()
}

// Stats reports the total bytes and number of valid (non-tombstone)
// ranges, a diagnostic accounting snapshot (SPEC_FULL.md).
type Stats struct {
	MappedBytes uint64
	NumRanges   int
}

// Stats returns a snapshot of address-space accounting.
func (as *AddressSpace) Stats() Stats {
	as.mu.Lock()
	defer as.mu.Unlock()
	var s Stats
	as.ranges.Ascend(func(it btree.Item) bool {
		m := it.(rangeItem).r
		if m.valid() {
			s.MappedBytes += m.Limit - m.Base
			s.NumRanges++
		}
		return true
	})
	return s
}

// Clone returns a new AddressSpace sharing read-only backing with as and
// duplicating writable pages lazily (copy-on-write fork, spec section
// 4.2/9 and property 3).
func (as *AddressSpace) Clone() *AddressSpace {
	as.mu.Lock()
	defer as.mu.Unlock()

	child := &AddressSpace{
		is32Bit:               as.is32Bit,
		addrMask:              as.addrMask,
		ranges:                btree.New(32),
		pageIndex:             make(map[uint64]*MappedRange),
		wneIndex:              make(map[uint64]*MappedRange),
		traceHeads:            make(map[pc.PC]bool, len(as.traceHeads)),
		codeVersioningEnabled: as.codeVersioningEnabled,
	}
	// The clone's ranges start with the parent's code versions, so the
	// trace heads already decoded under them carry over until an SMC
	// write in the clone clears them.
	for p := range as.traceHeads {
		child.traceHeads[p] = true
	}
	child.readable.Copy(&as.readable)
	child.writable.Copy(&as.writable)
	child.executable.Copy(&as.executable)

	as.ranges.Ascend(func(it btree.Item) bool {
		m := it.(rangeItem).r
		if m.valid() {
			child.ranges.ReplaceOrInsert(rangeItem{m.Clone()})
		} else {
			child.ranges.ReplaceOrInsert(rangeItem{NewInvalid(m.Base, m.Limit)})
		}
		return true
	})
	child.rebuildLocked()
	return child
}

func unsafeBytes(p *byte, n int) []byte {
	return unsafe.Slice(p, n)
}

func sizeOfScalar[T ~uint8 | ~uint16 | ~uint32 | ~uint64]() int {
	var v T
	switch any(v).(type) {
	case uint8:
		return 1
	case uint16:
		return 2
	case uint32:
		return 4
	default:
		return 8
	}
}

func decodeLE[T ~uint8 | ~uint16 | ~uint32 | ~uint64](buf []byte) T {
	var v uint64
	for i := len(buf) - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return T(v)
}

func encodeLE[T ~uint8 | ~uint16 | ~uint32 | ~uint64](buf []byte, v T) {
	u := uint64(v)
	for i := range buf {
		buf[i] = byte(u)
		u >>= 8
	}
}
