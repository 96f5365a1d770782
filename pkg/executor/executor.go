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

package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/isabella232/vmill/pkg/codecache"
	"github.com/isabella232/vmill/pkg/decode"
	"github.com/isabella232/vmill/pkg/lifter"
	"github.com/isabella232/vmill/pkg/memory"
	"github.com/isabella232/vmill/pkg/pc"
)

// Config bundles the collaborators an Executor needs: the architecture
// decoder (external per spec.md section 1), the lifter worker pool, the
// code cache, and the runtime intrinsics linked into compiled modules.
type Config struct {
	Arch       decode.ArchDecoder
	Pool       *lifter.Pool
	Cache      *codecache.Cache
	Live       *codecache.LiveIndex
	Intrinsics *codecache.Intrinsics

	// StraceLimiter throttles __vmill_strace diagnostic volume
	// (SPEC_FULL.md supplement). New replaces a nil limiter with one
	// allowing 1000 calls per second (burst 1000).
	StraceLimiter *rate.Limiter
}

// Executor owns tasks and drives the dispatch loop described in
// spec.md section 4.5.
type Executor struct {
	cfg Config

	mu     sync.Mutex
	tasks  []*Task
	nextID Identifier
}

// New returns an Executor ready to accept initial tasks.
func New(cfg Config) *Executor {
	if cfg.StraceLimiter == nil {
		cfg.StraceLimiter = rate.NewLimiter(rate.Limit(1000), 1000)
	}
	return &Executor{cfg: cfg}
}

// AddInitialTask registers a task to be created when Run starts, per
// spec.md section 4.5 step 2.
func (e *Executor) AddInitialTask(stateBytes []byte, entry pc.PC, space *memory.AddressSpace) *Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	t := NewTask(e.nextID, stateBytes, entry, space)
	e.tasks = append(e.tasks, t)
	return t
}

// Run executes the four-call sequence from spec.md section 4.5:
// __vmill_init, __vmill_create_task per initial task, __vmill_resume
// (which drives dispatch by calling FindLiftedFunctionForTask), then
// __vmill_fini. ctx cancellation is a SPEC_FULL.md addition: it causes
// Run to stop dispatching and invoke __vmill_fini promptly rather than
// running forever, without changing the four-call contract otherwise.
func (e *Executor) Run(ctx context.Context) error {
	if f := e.cfg.Intrinsics.VmillInit; f != nil {
		f()
	}
	defer func() {
		if f := e.cfg.Intrinsics.VmillFini; f != nil {
			f()
		}
	}()

	e.mu.Lock()
	tasks := append([]*Task(nil), e.tasks...)
	e.mu.Unlock()

	for _, t := range tasks {
		if f := e.cfg.Intrinsics.VmillCreateTask; f != nil {
			f(t.RegisterState, uint64(t.PC), nil)
		}
	}

	return e.resume(ctx)
}

// resume implements __vmill_resume's contract: the runtime yields
// control back to vmill by invoking FindLiftedFunctionForTask on each
// runnable task.
func (e *Executor) resume(ctx context.Context) error {
	if f := e.cfg.Intrinsics.VmillResume; f != nil {
		f()
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		progressed := false
		e.mu.Lock()
		tasks := append([]*Task(nil), e.tasks...)
		e.mu.Unlock()

		for _, t := range tasks {
			switch t.Status {
			case StatusExited:
				continue
			case StatusBlocked:
				select {
				case err := <-t.Coroutine.Done():
					t.Coroutine.Reset()
					t.ttyReading = false
					t.Status = StatusRunnable
					if err != nil {
						e.strace("task %d blocking call failed: %v", t.ID, err)
					}
					progressed = true
				default:
					continue
				}
			case StatusRunnable:
				// A task with an allocated TTY (Task.OpenTTY) blocks on
				// its coroutine to forward one byte of terminal input at
				// a time, rather than on the dispatch thread, per
				// spec.md section 4.6.
				if t.pty != nil && !t.ttyReading {
					t.ttyReading = true
					t.Status = StatusBlocked
					t.Coroutine.StartBlocking(func() error {
						var b [1]byte
						_, err := t.pty.Read(b[:])
						return err
					})
					progressed = true
					continue
				}
			}

			fn, err := e.FindLiftedFunctionForTask(ctx, t)
			if err != nil {
				logrus.WithError(err).WithField("task", t.ID).Error("vmill/executor: dispatch failed")
				t.Exit()
				continue
			}
			result := fn(t.RegisterState, t.PC, t.Memory)
			t.Memory = result.Memory
			if result.Halted {
				t.Exit()
			} else {
				t.PC = result.NextPC
			}
			progressed = true
		}

		if !e.anyRunnable(tasks) {
			return nil
		}
		if !progressed {
			// All remaining tasks are blocked awaiting a coroutine. The
			// loop does not select on the Done() channels; it polls them
			// again immediately, spinning until one completes. The
			// coroutines complete on their own goroutines regardless of
			// how often they are checked.
		}
	}
}

func (e *Executor) anyRunnable(tasks []*Task) bool {
	for _, t := range tasks {
		if t.Status != StatusExited {
			return true
		}
	}
	return false
}

func (e *Executor) strace(format string, args ...interface{}) {
	if e.cfg.Intrinsics.VmillStrace != nil {
		if e.cfg.StraceLimiter == nil || e.cfg.StraceLimiter.Allow() {
			e.cfg.Intrinsics.VmillStrace(format, args...)
		}
		return
	}
	logrus.Debugf(format, args...)
}

// FindLiftedFunctionForTask is the dispatch primitive exposed to the
// runtime (spec.md section 4.5): it resolves task.PC under the current
// code version, lifting and compiling a new translation on a miss.
func (e *Executor) FindLiftedFunctionForTask(ctx context.Context, t *Task) (lifter.HostFunction, error) {
	v := t.Space.ComputeCodeVersion(t.PC)
	key := pc.LiveTraceId{PC: t.PC, Version: v}

	if fn, ok := e.cfg.Live.Lookup(key); ok {
		return fn, nil
	}

	if err := e.decodeTracesFromTask(ctx, t); err != nil {
		logrus.WithError(err).WithField("pc", t.PC).Warn("vmill/executor: decode/lift/compile failed")
	}

	if fn, ok := e.cfg.Live.Lookup(key); ok {
		return fn, nil
	}

	// No translation matches -- extremely rare, only on decode failure
	// (spec.md section 4.5 step 4) -- fall back to the error intrinsic,
	// halting the task since there is nothing to redispatch into.
	if e.cfg.Intrinsics.RemillError != nil {
		return func(state []byte, p pc.PC, mem []byte) lifter.DispatchResult {
			mem = e.cfg.Intrinsics.RemillError(state, uint64(p), mem)
			return lifter.DispatchResult{NextPC: p, Halted: true, Memory: mem}
		}, nil
	}
	return nil, fmt.Errorf("vmill/executor: no translation for %s and no error intrinsic configured", key)
}

// decodeTracesFromTask runs the decoder at t.PC, lifts the resulting
// traces, and compiles the produced module, installing every symbol in
// the live index (spec.md section 4.5 step 3).
func (e *Executor) decodeTracesFromTask(ctx context.Context, t *Task) error {
	traces, stats := decode.DecodeFromPC(t.Space, e.cfg.Arch, t.PC)
	logrus.WithFields(logrus.Fields{
		"pc":           t.PC,
		"traces":       stats.TracesEmitted,
		"instructions": stats.InstructionsRead,
		"failures":     stats.DecodeFailures,
	}).Debug("vmill/executor: decoded traces")

	if len(traces) == 0 {
		return nil
	}

	module, err := e.cfg.Pool.Submit(ctx, traces)
	if err != nil {
		return fmt.Errorf("lift: %w", err)
	}

	return e.cfg.Cache.Compile(ctx, module, func(p pc.PC) pc.CodeVersion {
		return t.Space.ComputeCodeVersion(p)
	})
}

// WarmFromIndex re-validates on-disk code-cache records against space
// and eagerly re-lifts the ones whose guest bytes are unchanged,
// installing them into the live index before dispatch begins (spec.md
// section 4.4: "subsequent runs can repopulate the live index without
// re-lifting"). Since this stand-in cannot persist a callable host
// function across process runs, "without re-lifting" means without a
// dispatch-time stall on the first miss, not without invoking the
// lifter at all -- each still-valid record is submitted to the lift
// pool and compiled right here. Records whose recomputed ContentHash no
// longer matches are logged and left alone; the executor will decode
// and lift that PC normally the first time a task reaches it. Returns
// the number of records successfully warmed.
func (e *Executor) WarmFromIndex(ctx context.Context, records []codecache.Record, space *memory.AddressSpace) int {
	// Each surviving record becomes its own single-trace batch so that
	// lifting one record can't hold up the rest; SubmitMany fans them
	// out concurrently instead of warming the cache one trace at a time.
	var batches [][]decode.DecodedTrace
	for _, r := range records {
		// Decode against a private trace-head set: marking heads in space
		// itself would make dispatch skip re-decoding any trace that is
		// not installed here.
		ws := warmSpace{AddressSpace: space, heads: make(map[pc.PC]bool)}
		traces, _ := decode.DecodeFromPC(ws, e.cfg.Arch, r.TraceId.EntryPC)
		for _, tr := range traces {
			if tr.EntryPC != r.TraceId.EntryPC {
				continue
			}
			if tr.Id.ContentHash != r.TraceId.ContentHash {
				logrus.WithField("pc", tr.EntryPC).Debug("vmill/executor: code-cache record stale, will relift lazily")
				continue
			}
			batches = append(batches, []decode.DecodedTrace{tr})
		}
	}
	if len(batches) == 0 {
		return 0
	}

	modules, err := e.cfg.Pool.SubmitMany(ctx, batches)
	if err != nil {
		// Warming is best-effort: when any batch fails, none of this
		// pass's traces are installed and each is lifted lazily on first
		// dispatch instead, so log and move on.
		logrus.WithError(err).Warn("vmill/executor: warm re-lift failed")
		return 0
	}

	installed := 0
	for _, module := range modules {
		if module == nil {
			continue
		}
		if err := e.cfg.Cache.Compile(ctx, module, func(p pc.PC) pc.CodeVersion {
			return space.ComputeCodeVersion(p)
		}); err != nil {
			logrus.WithError(err).Warn("vmill/executor: warm compile failed")
			continue
		}
		installed += len(module.Symbols)
	}
	return installed
}

// warmSpace is the decode.Space WarmFromIndex decodes against: reads and
// code versions come from the address space, trace heads from heads.
type warmSpace struct {
	*memory.AddressSpace
	heads map[pc.PC]bool
}

func (w warmSpace) MarkTraceHead(p pc.PC)    { w.heads[p] = true }
func (w warmSpace) IsTraceHead(p pc.PC) bool { return w.heads[p] }
