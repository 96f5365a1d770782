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

// Package config loads vmill's workspace-level configuration: an
// optional <workspace>/vmill.toml layered under CLI flag overrides, per
// spec.md section 6's CLI surface.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/mod/semver"
)

// Config is the resolved set of options driving an execute run, after
// merging <workspace>/vmill.toml with CLI flag overrides.
type Config struct {
	Workspace     string
	Arch          string
	OS            string
	Runtime       string
	Tools         []string
	Verbose       bool
	VersionCode   bool
	Cgroup        string
	TTY           bool
}

// fileConfig mirrors the subset of Config that may be set in
// vmill.toml; CLI flags always take precedence over these.
type fileConfig struct {
	Arch        string   `toml:"arch"`
	OS          string   `toml:"os"`
	Runtime     string   `toml:"runtime"`
	Tools       []string `toml:"tools"`
	Verbose     bool     `toml:"verbose"`
	VersionCode bool     `toml:"version_code"`
	Cgroup      string   `toml:"cgroup"`
	TTY         bool     `toml:"tty"`
}

// toolListSeparator is ':' on POSIX and ';' on Windows (spec.md section
// 6: "--tool <list> (colon-separated on POSIX, semicolon-separated on
// Windows)").
var toolListSeparator = ":"

func init() {
	if os.PathSeparator == '\\' {
		toolListSeparator = ";"
	}
}

// SplitTools splits a --tool flag value using the platform-appropriate
// separator.
func SplitTools(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, toolListSeparator)
}

// Flags is the set of CLI-supplied overrides; an empty string or list
// field means "not explicitly set, fall back to the config file or the
// built-in default". A bool field counts as set only when its *Set
// companion is true, so an explicit false still overrides the file.
type Flags struct {
	Workspace      string
	Arch           string
	OS             string
	Runtime        string
	Tools          []string
	Verbose        bool
	VerboseSet     bool
	VersionCode    bool
	VersionCodeSet bool
	Cgroup         string
	TTY            bool
	TTYSet         bool
}

// Load reads <workspace>/vmill.toml if present, merges it with flags
// (flags win), and fills in the spec's documented defaults where
// neither source supplies a value: --runtime defaults to
// "<os>_<arch>" (spec.md section 6).
func Load(flags Flags) (*Config, error) {
	workspace := flags.Workspace
	if workspace == "" {
		workspace = "."
	}

	var fc fileConfig
	path := filepath.Join(workspace, "vmill.toml")
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return nil, fmt.Errorf("vmill/config: parsing %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("vmill/config: stat %s: %w", path, err)
	}

	c := &Config{
		Workspace:   workspace,
		Arch:        firstNonEmpty(flags.Arch, fc.Arch),
		OS:          firstNonEmpty(flags.OS, fc.OS),
		Runtime:     firstNonEmpty(flags.Runtime, fc.Runtime),
		Tools:       firstNonEmptyList(flags.Tools, fc.Tools),
		Verbose:     boolOverride(flags.VerboseSet, flags.Verbose, fc.Verbose),
		VersionCode: boolOverride(flags.VersionCodeSet, flags.VersionCode, fc.VersionCode),
		Cgroup:      firstNonEmpty(flags.Cgroup, fc.Cgroup),
		TTY:         boolOverride(flags.TTYSet, flags.TTY, fc.TTY),
	}

	if c.Runtime == "" && c.OS != "" && c.Arch != "" {
		c.Runtime = c.OS + "_" + c.Arch
	}

	if err := c.validateRuntime(); err != nil {
		return nil, err
	}
	return c, nil
}

// validateRuntime checks --runtime against semantic-version rules when
// it looks like a versioned compatibility string (e.g. "linux_amd64@v1.2.3"),
// using golang.org/x/mod/semver the way Go tooling validates module
// versions; a bare "<os>_<arch>" runtime name (no "@" suffix) is always
// accepted unchanged.
func (c *Config) validateRuntime() error {
	at := strings.LastIndex(c.Runtime, "@")
	if at < 0 {
		return nil
	}
	version := c.Runtime[at+1:]
	if !semver.IsValid(version) {
		return fmt.Errorf("vmill/config: --runtime %q has an invalid version suffix %q", c.Runtime, version)
	}
	return nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstNonEmptyList(a, b []string) []string {
	if len(a) > 0 {
		return a
	}
	return b
}

func boolOverride(set bool, flagVal, fileVal bool) bool {
	if set {
		return flagVal
	}
	return fileVal
}
