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

// Package executor owns tasks, drives the dispatch loop, invokes the
// four runtime intrinsics, and coordinates decode/lift/compile on
// dispatch misses, per spec.md section 4.5.
package executor

import (
	"fmt"
	"os"

	"github.com/kr/pty"
	"github.com/mohae/deepcopy"

	"github.com/isabella232/vmill/pkg/coroutine"
	"github.com/isabella232/vmill/pkg/memory"
	"github.com/isabella232/vmill/pkg/pc"
)

// Status is a task's scheduling state.
type Status int

const (
	StatusRunnable Status = iota
	StatusBlocked
	StatusExited
)

func (s Status) String() string {
	switch s {
	case StatusRunnable:
		return "runnable"
	case StatusBlocked:
		return "blocked"
	case StatusExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Task is the unit of cooperative execution described in spec.md
// section 3: a register-state blob, a program counter, an address
// space handle, and the bookkeeping the executor needs to dispatch it.
type Task struct {
	ID Identifier

	RegisterState []byte
	PC            pc.PC
	Space         *memory.AddressSpace
	Status        Status
	Coroutine     *coroutine.Context

	// Memory is the host-memory arena handle threaded between
	// HostFunction calls, mirroring remill's Memory* parameter. Reset to
	// nil on fork: it carries no state a child task should inherit.
	Memory []byte

	// FPURoundingMode models __vmill_get_rounding_mode's result.
	FPURoundingMode uint8
	// ProgramBreak is the task's brk pointer.
	ProgramBreak uint64

	// TTYPath, if non-empty, names a pty allocated for this task's
	// guest terminal I/O (SPEC_FULL.md supplement; see OpenTTY, which
	// allocates it with kr/pty, and the dispatch loop in executor.go,
	// which reads from it).
	TTYPath string

	pty *os.File
	// ttyReading is set while a coroutine-backed blocking read of pty is
	// in flight, so the executor starts at most one at a time.
	ttyReading bool
}

// Identifier is an opaque per-task id, unique within one Executor.
type Identifier uint64

// NewTask constructs a runnable Task over the given address space.
func NewTask(id Identifier, stateBytes []byte, entry pc.PC, space *memory.AddressSpace) *Task {
	return &Task{
		ID:            id,
		RegisterState: stateBytes,
		PC:            entry,
		Space:         space,
		Status:        StatusRunnable,
		Coroutine:     coroutine.New(),
	}
}

// Fork returns a new Task sharing none of t's mutable state: its
// address space is cloned copy-on-write (memory.AddressSpace.Clone,
// spec property 3) and its opaque register-state blob is deep-copied
// (mohae/deepcopy) since, unlike the address space, there is no COW
// discipline defined for it -- every byte must be independent from
// the moment of fork.
func (t *Task) Fork(id Identifier) *Task {
	childState, _ := deepcopy.Anything(t.RegisterState).([]byte)
	child := NewTask(id, childState, t.PC, t.Space.Clone())
	child.FPURoundingMode = t.FPURoundingMode
	child.ProgramBreak = t.ProgramBreak
	return child
}

// Exit transitions the task to Exited, releasing its coroutine context
// and closing any pty allocated for guest terminal I/O.
func (t *Task) Exit() {
	t.Status = StatusExited
	t.Coroutine.Free()
	if t.pty != nil {
		t.pty.Close()
		t.pty = nil
	}
}

// OpenTTY allocates a pty for this task's guest terminal I/O, setting
// TTYPath to the slave side's path. Guest syscalls that read or write
// the task's controlling terminal are expected to run on the task's
// coroutine (StartBlocking), forwarding bytes through the master side
// returned here without blocking the dispatch thread.
func (t *Task) OpenTTY() (*os.File, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("vmill/executor: allocating pty for task %d: %w", t.ID, err)
	}
	t.pty = master
	t.TTYPath = slave.Name()
	slave.Close()
	return master, nil
}
