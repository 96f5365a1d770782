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
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/isabella232/vmill/pkg/lifter"
	"github.com/isabella232/vmill/pkg/pc"
)

// record is one on-disk entry of the index file: a TraceId <->
// LiveTraceId association, plus a content digest of the trace used to
// validate that the record still describes what it claims to (spec.md
// section 4.4/7: "The code cache tolerates partial on-disk state by
// ignoring unreadable entries").
type record struct {
	TraceId     pc.TraceId
	Live        pc.LiveTraceId
	ContentHash uint64
}

const recordSize = 8 + 8 + 8 + 8 + 8 // EntryPC, ContentHash, PC, Version, ContentHash

// Cache is the file-backed code cache: it compiles lifted modules (a
// no-op in this Go stand-in -- see SPEC_FULL.md, the lifter already
// hands back callable HostFunctions) and persists the TraceId <->
// LiveTraceId association described in spec.md section 4.4.
type Cache struct {
	indexPath  string
	lock       *flock.Flock
	live       *LiveIndex
	intrinsics *Intrinsics
	linkOnce   sync.Once
	linkErr    error
}

// Open returns a Cache backed by <workspace>/index. intrinsics may be
// nil in tests that never exercise Compile's intrinsic-linking check.
func Open(workspace string, live *LiveIndex, intrinsics *Intrinsics) *Cache {
	return &Cache{
		indexPath:  filepath.Join(workspace, "index"),
		lock:       flock.New(filepath.Join(workspace, "index.lock")),
		live:       live,
		intrinsics: intrinsics,
	}
}

// requiredIntrinsicSymbols are the linker symbols every compiled module
// depends on for the dispatch sequence of spec.md section 6 (the
// __vmill_init/__vmill_create_task/__vmill_resume/__vmill_fini call
// sequence); a module that can't resolve these has no guest runtime to
// run against.
var requiredIntrinsicSymbols = []string{
	"__vmill_init",
	"__vmill_create_task",
	"__vmill_resume",
	"__vmill_fini",
}

// LinkIntrinsics verifies that every symbol a compiled module needs at
// dispatch time resolves to a configured intrinsic, the way a real
// linker would fail at link time on an undefined reference. It runs
// once per Cache; a nil intrinsics table (as in tests that stub out
// dispatch entirely) is treated as "nothing to link" rather than an
// error.
func (c *Cache) LinkIntrinsics() error {
	c.linkOnce.Do(func() {
		if c.intrinsics == nil {
			return
		}
		for _, symbol := range requiredIntrinsicSymbols {
			if !c.intrinsics.IsConfigured(symbol) {
				c.linkErr = fmt.Errorf("vmill/codecache: required intrinsic %q is not configured", symbol)
				return
			}
			if _, err := c.intrinsics.Resolve(symbol); err != nil {
				c.linkErr = fmt.Errorf("vmill/codecache: resolving intrinsic %q: %w", symbol, err)
				return
			}
		}
	})
	return c.linkErr
}

// Compile "compiles" a lifted module: in this stand-in the lifter has
// already produced callable host functions, so Compile's job is to
// install them in the live index and persist the TraceId<->LiveTraceId
// association, per spec.md section 4.5 step 3.
func (c *Cache) Compile(ctx context.Context, module *lifter.Module, versionOf func(pc.PC) pc.CodeVersion) error {
	if err := c.LinkIntrinsics(); err != nil {
		return err
	}

	var records []record
	for _, sym := range module.Symbols {
		v := versionOf(sym.EntryPC)
		live := pc.LiveTraceId{PC: sym.EntryPC, Version: v}
		c.live.Insert(live, sym.Fn)
		records = append(records, record{
			TraceId:     sym.TraceId,
			Live:        live,
			ContentHash: sym.TraceId.ContentHash,
		})
	}
	return c.appendRecords(ctx, records)
}

// appendRecords appends records to the index file under an advisory
// lock, retried with backoff if the lock is currently held (spec.md
// section 5: "appended under an advisory lock").
func (c *Cache) appendRecords(ctx context.Context, records []record) error {
	if len(records) == 0 {
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 10 * time.Second
	locked, err := lockWithRetry(ctx, c.lock, b)
	if err != nil {
		return fmt.Errorf("vmill/codecache: acquiring index lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("vmill/codecache: timed out acquiring index lock")
	}
	defer c.lock.Unlock()

	f, err := os.OpenFile(c.indexPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("vmill/codecache: opening index: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, r := range records {
		if err := writeRecord(w, r); err != nil {
			return fmt.Errorf("vmill/codecache: writing index record: %w", err)
		}
	}
	return w.Flush()
}

func lockWithRetry(ctx context.Context, l *flock.Flock, b backoff.BackOff) (bool, error) {
	var locked bool
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		ok, err := l.TryLock()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return fmt.Errorf("index lock held")
		}
		locked = true
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return false, nil
	}
	return locked, nil
}

func writeRecord(w io.Writer, r record) error {
	var buf [recordSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.TraceId.EntryPC))
	binary.LittleEndian.PutUint64(buf[8:16], r.TraceId.ContentHash)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(r.Live.PC))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(r.Live.Version))
	binary.LittleEndian.PutUint64(buf[32:40], r.ContentHash)
	_, err := w.Write(buf[:])
	return err
}

// Record is one on-disk index entry as reported by Load: the TraceId it
// was recorded against (entry PC and content digest) and the
// LiveTraceId it resolved to at the time it was written.
type Record struct {
	TraceId pc.TraceId
	Live    pc.LiveTraceId
}

// Load reads every intact record from the on-disk index file, skipping
// (and logging) any record shorter than recordSize -- the "readers
// tolerate partial tails" behavior required by spec.md section 5. It
// does not itself validate a record's ContentHash against live guest
// memory, since doing so requires decoding the address space the trace
// came from, which Load (a pure file-format reader) has no access to;
// see (*executor.Executor).WarmFromIndex, which decodes each returned
// Record's TraceId.EntryPC afresh and only re-lifts the ones whose
// recomputed hash still matches before installing them into the live
// index (spec.md section 4.4: "subsequent runs can repopulate the live
// index without re-lifting").
func Load(workspace string) ([]Record, error) {
	f, err := os.Open(filepath.Join(workspace, "index"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vmill/codecache: opening index: %w", err)
	}
	defer f.Close()

	var out []Record
	buf := make([]byte, recordSize)
	for {
		n, err := io.ReadFull(f, buf)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF || n < recordSize {
			logrus.WithField("bytes", n).Warn("vmill/codecache: ignoring partial tail record in index")
			break
		}
		if err != nil {
			return out, fmt.Errorf("vmill/codecache: reading index: %w", err)
		}
		out = append(out, Record{
			TraceId: pc.TraceId{
				EntryPC:     pc.PC(binary.LittleEndian.Uint64(buf[0:8])),
				ContentHash: binary.LittleEndian.Uint64(buf[8:16]),
			},
			Live: pc.LiveTraceId{
				PC:      pc.PC(binary.LittleEndian.Uint64(buf[16:24])),
				Version: pc.CodeVersion(binary.LittleEndian.Uint64(buf[24:32])),
			},
		})
	}
	return out, nil
}
