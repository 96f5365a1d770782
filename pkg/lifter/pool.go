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

package lifter

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/isabella232/vmill/pkg/decode"
)

// Pool runs lift batches off the dispatch thread on a bounded number of
// goroutines (spec.md section 5: "a bounded worker pool performs
// lifting and compilation off the dispatch thread"). Concurrent misses
// that name the exact same set of traces collapse into a single lift
// call via singleflight, satisfying S5 (two tasks resolving the same
// LiveTraceId after one lift).
type Pool struct {
	lifter Lifter
	group  singleflight.Group
	sem    chan struct{}
}

// NewPool returns a Pool that runs at most maxConcurrent lifts at once.
func NewPool(l Lifter, maxConcurrent int) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Pool{lifter: l, sem: make(chan struct{}, maxConcurrent)}
}

// Submit lifts traces, deduplicating concurrent requests for the same
// batch (by trace id set) into one underlying Lifter.LiftBatch call.
func (p *Pool) Submit(ctx context.Context, traces []decode.DecodedTrace) (*Module, error) {
	key := batchKey(traces)
	v, err, _ := p.group.Do(key, func() (interface{}, error) {
		p.sem <- struct{}{}
		defer func() { <-p.sem }()
		return p.lifter.LiftBatch(ctx, traces)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Module), nil
}

// SubmitMany runs several independent batches concurrently, bounded by
// the pool's concurrency limit, using errgroup to fan out and collect
// the first error.
func (p *Pool) SubmitMany(ctx context.Context, batches [][]decode.DecodedTrace) ([]*Module, error) {
	modules := make([]*Module, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	for i, batch := range batches {
		i, batch := i, batch
		g.Go(func() error {
			m, err := p.Submit(gctx, batch)
			if err != nil {
				return err
			}
			modules[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return modules, nil
}

func batchKey(traces []decode.DecodedTrace) string {
	ids := make([]string, len(traces))
	for i, t := range traces {
		ids[i] = t.Id.String()
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}
