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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsRuntimeFromOSAndArch(t *testing.T) {
	dir := t.TempDir()
	c, err := Load(Flags{Workspace: dir, OS: "linux", Arch: "amd64"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Runtime != "linux_amd64" {
		t.Fatalf("Runtime = %q, want linux_amd64", c.Runtime)
	}
}

func TestLoadFlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	toml := "arch = \"arm64\"\nos = \"linux\"\nverbose = true\n"
	if err := os.WriteFile(filepath.Join(dir, "vmill.toml"), []byte(toml), 0o644); err != nil {
		t.Fatalf("write vmill.toml: %v", err)
	}

	c, err := Load(Flags{Workspace: dir, Arch: "amd64", VerboseSet: true, Verbose: false})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Arch != "amd64" {
		t.Fatalf("Arch = %q, want amd64 (flag should override file)", c.Arch)
	}
	if c.OS != "linux" {
		t.Fatalf("OS = %q, want linux (from file)", c.OS)
	}
	if c.Verbose {
		t.Fatalf("Verbose = true, want false (explicit flag override)")
	}
}

func TestLoadRejectsBadRuntimeVersion(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(Flags{Workspace: dir, Runtime: "linux_amd64@not-a-version"})
	if err == nil {
		t.Fatalf("expected an error for an invalid --runtime version suffix")
	}
}

func TestLoadAcceptsPlainRuntimeName(t *testing.T) {
	dir := t.TempDir()
	c, err := Load(Flags{Workspace: dir, Runtime: "linux_amd64"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Runtime != "linux_amd64" {
		t.Fatalf("Runtime = %q, want linux_amd64", c.Runtime)
	}
}

func TestSplitTools(t *testing.T) {
	tools := SplitTools("cov" + toolListSeparator + "taint")
	if len(tools) != 2 || tools[0] != "cov" || tools[1] != "taint" {
		t.Fatalf("SplitTools = %v", tools)
	}
}
