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

package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"

	"github.com/google/subcommands"
)

// snapshotCmd is a documented stub: capturing a live process into the
// workspace format is a separate, external tool per spec.md section 1.
// This subcommand exists only so `vmill snapshot --workspace <dir>`
// gives a clear answer about where a capture tool should write its
// output, rather than failing with "unknown command".
type snapshotCmd struct {
	workspace string
}

func (*snapshotCmd) Name() string { return "snapshot" }
func (*snapshotCmd) Synopsis() string {
	return "(stub) describes the workspace layout a capture tool must produce"
}
func (*snapshotCmd) Usage() string {
	return "snapshot --workspace <dir>\n\n" +
		"Snapshot capture is not implemented by vmill itself; it is a separate\n" +
		"external tool. This subcommand only reports the workspace layout\n" +
		"'execute' expects as input.\n"
}

func (s *snapshotCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.workspace, "workspace", ".", "workspace directory")
}

func (s *snapshotCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	fmt.Printf("vmill snapshot is not implemented; a capture tool must write:\n")
	fmt.Printf("  %s\n", filepath.Join(s.workspace, "snapshot"))
	fmt.Printf("  %s\n", filepath.Join(s.workspace, "memory", "<name>"))
	fmt.Printf("  %s\n", filepath.Join(s.workspace, "index"))
	return subcommands.ExitSuccess
}
