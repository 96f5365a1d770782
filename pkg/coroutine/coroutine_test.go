// Copyright 2021 The gVisor Authors.
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

package coroutine

import (
	"errors"
	"testing"
	"time"
)

func TestStartBlockingDoesNotBlockCaller(t *testing.T) {
	c := New()
	release := make(chan struct{})
	start := time.Now()
	c.StartBlocking(func() error {
		<-release
		return nil
	})
	if since := time.Since(start); since > 100*time.Millisecond {
		t.Fatalf("StartBlocking took %v, should return immediately", since)
	}
	close(release)
	if err := <-c.Done(); err != nil {
		t.Fatalf("Done() = %v, want nil", err)
	}
}

func TestStartBlockingPropagatesError(t *testing.T) {
	c := New()
	want := errors.New("boom")
	c.StartBlocking(func() error { return want })
	if err := <-c.Done(); err != want {
		t.Fatalf("Done() = %v, want %v", err, want)
	}
}

func TestResetAllowsReuse(t *testing.T) {
	c := New()
	c.StartBlocking(func() error { return nil })
	<-c.Done()
	c.Reset()
	c.StartBlocking(func() error { return errors.New("second") })
	if err := <-c.Done(); err == nil {
		t.Fatalf("expected error from second call")
	}
}

func TestFreePreventsFurtherUse(t *testing.T) {
	c := New()
	c.Free()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic calling StartBlocking after Free")
		}
	}()
	c.StartBlocking(func() error { return nil })
}
