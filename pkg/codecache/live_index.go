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

// Package codecache implements the live trace index and the file-backed
// code cache described in spec.md section 4.4.
package codecache

import (
	"sync"

	"github.com/isabella232/vmill/pkg/lifter"
	"github.com/isabella232/vmill/pkg/pc"
)

// LiveIndex is the in-memory dispatch table: LiveTraceId -> compiled
// host function. Insertion happens only from the dispatch thread after
// a worker-pool lift/compile completes (spec.md section 5), so a plain
// mutex-guarded map is sufficient; see DESIGN.md's Open Question
// resolution on live-index concurrency.
type LiveIndex struct {
	mu sync.RWMutex
	m  map[pc.LiveTraceId]lifter.HostFunction
}

// NewLiveIndex returns an empty LiveIndex.
func NewLiveIndex() *LiveIndex {
	return &LiveIndex{m: make(map[pc.LiveTraceId]lifter.HostFunction)}
}

// Lookup returns the host function installed for id, if any.
func (li *LiveIndex) Lookup(id pc.LiveTraceId) (lifter.HostFunction, bool) {
	li.mu.RLock()
	defer li.mu.RUnlock()
	fn, ok := li.m[id]
	return fn, ok
}

// Insert installs fn for id. A later call to ComputeCodeVersion that
// returns a different version produces a different LiveTraceId, so no
// dispatch can retrieve this (now stale) entry under the new key
// (spec property 6) -- the old entry simply becomes unreachable, never
// overwritten in place.
func (li *LiveIndex) Insert(id pc.LiveTraceId, fn lifter.HostFunction) {
	li.mu.Lock()
	defer li.mu.Unlock()
	li.m[id] = fn
}

// Len reports the number of live entries (diagnostic).
func (li *LiveIndex) Len() int {
	li.mu.RLock()
	defer li.mu.RUnlock()
	return len(li.m)
}
