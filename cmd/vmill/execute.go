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
	"runtime"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"github.com/syndtr/gocapability/capability"

	"github.com/isabella232/vmill/pkg/codecache"
	"github.com/isabella232/vmill/pkg/config"
	"github.com/isabella232/vmill/pkg/decode"
	"github.com/isabella232/vmill/pkg/executor"
	"github.com/isabella232/vmill/pkg/lifter"
	"github.com/isabella232/vmill/pkg/pc"
	"github.com/isabella232/vmill/pkg/snapshot"
)

// Exit codes per spec.md section 6: 0 clean termination, 1 unrecoverable
// decode/lift/compile error, 2 malformed snapshot.
const (
	exitClean              subcommands.ExitStatus = 0
	exitDecodeLiftCompile  subcommands.ExitStatus = 1
	exitMalformedSnapshot  subcommands.ExitStatus = 2
)

type executeCmd struct {
	workspace   string
	arch        string
	os          string
	runtimeName string
	tool        string
	verbose     bool
	versionCode bool
	cgroupName  string
	tty         bool
}

func (*executeCmd) Name() string     { return "execute" }
func (*executeCmd) Synopsis() string { return "re-execute a captured program snapshot" }
func (*executeCmd) Usage() string {
	return "execute --workspace <dir> [--arch ...] [--os ...] [--runtime ...] [--tool a:b] [--verbose] [--version_code] [--tty]\n"
}

func (e *executeCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&e.workspace, "workspace", ".", "workspace directory")
	f.StringVar(&e.arch, "arch", "", "guest architecture")
	f.StringVar(&e.os, "os", "", "guest operating system")
	f.StringVar(&e.runtimeName, "runtime", "", "runtime name or path (default <os>_<arch>)")
	f.StringVar(&e.tool, "tool", "", "colon/semicolon-separated list of instrumentation tools")
	f.BoolVar(&e.verbose, "verbose", false, "enable verbose diagnostics")
	f.BoolVar(&e.versionCode, "version_code", false, "enable SMC code-version tracking")
	f.StringVar(&e.cgroupName, "cgroup", "", "optional cgroup path to confine this run's resource usage")
	f.BoolVar(&e.tty, "tty", false, "allocate a pty for each initial task's guest terminal I/O")
}

func (e *executeCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if e.verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load(config.Flags{
		Workspace:      e.workspace,
		Arch:           e.arch,
		OS:             e.os,
		Runtime:        e.runtimeName,
		Tools:          config.SplitTools(e.tool),
		Verbose:        e.verbose,
		VerboseSet:     isFlagSet(f, "verbose"),
		VersionCode:    e.versionCode,
		VersionCodeSet: isFlagSet(f, "version_code"),
		Cgroup:         e.cgroupName,
		TTY:            e.tty,
		TTYSet:         isFlagSet(f, "tty"),
	})
	if err != nil {
		logrus.WithError(err).Error("vmill: invalid configuration")
		return exitDecodeLiftCompile
	}

	dropCapabilities()

	var cleanupCgroup func()
	if cfg.Cgroup != "" {
		cleanupCgroup = confineToCgroup(cfg.Cgroup)
	}
	if cleanupCgroup != nil {
		defer cleanupCgroup()
	}

	s, err := snapshot.Load(cfg.Workspace)
	if err != nil {
		logrus.WithError(err).Error("vmill: malformed snapshot")
		return exitMalformedSnapshot
	}

	is32Bit := cfg.Arch == "x86" || cfg.Arch == "arm"
	spaces, err := s.Materialize(cfg.Workspace, is32Bit, cfg.VersionCode)
	if err != nil {
		logrus.WithError(err).Error("vmill: malformed snapshot")
		return exitMalformedSnapshot
	}

	live := codecache.NewLiveIndex()

	remillError := func(state []byte, p pc.PC, mem []byte) []byte { return mem }
	intrinsics := &codecache.Intrinsics{
		VmillInit:       func() {},
		VmillFini:       func() {},
		VmillCreateTask: func(stateBytes []byte, entryPC uint64, mem []byte) uintptr { return 0 },
		VmillResume:     func() {},
		RemillError:     func(state []byte, p uint64, mem []byte) []byte { return remillError(state, pc.PC(p), mem) },
	}
	cache := codecache.Open(cfg.Workspace, live, intrinsics)

	pool := lifter.NewPool(lifter.ErrorOnlyLifter{RemillError: remillError}, runtime.NumCPU())

	exec := executor.New(executor.Config{
		Arch:       decode.NullDecoder{},
		Pool:       pool,
		Cache:      cache,
		Live:       live,
		Intrinsics: intrinsics,
	})

	if records, err := codecache.Load(cfg.Workspace); err != nil {
		logrus.WithError(err).Warn("vmill: failed to load code-cache index; starting cold")
	} else if len(records) > 0 {
		for _, space := range spaces {
			n := exec.WarmFromIndex(ctx, records, space)
			logrus.WithField("installed", n).Debug("vmill: warmed code cache from on-disk index")
		}
	}

	for _, td := range s.Tasks {
		space, ok := spaces[td.AddressSpaceID]
		if !ok {
			logrus.WithField("address_space_id", td.AddressSpaceID).Error("vmill: malformed snapshot")
			return exitMalformedSnapshot
		}
		t := exec.AddInitialTask(td.RegisterState, td.PC, space)
		if cfg.TTY {
			if _, err := t.OpenTTY(); err != nil {
				logrus.WithError(err).WithField("task", t.ID).Warn("vmill: failed to allocate tty")
			} else {
				logrus.WithField("tty", t.TTYPath).Debug("vmill: allocated tty for task")
			}
		}
	}

	notifyReady()

	if err := exec.Run(ctx); err != nil {
		logrus.WithError(err).Error("vmill: execution failed")
		return exitDecodeLiftCompile
	}
	return exitClean
}

func isFlagSet(f *flag.FlagSet, name string) bool {
	set := false
	f.Visit(func(fl *flag.Flag) {
		if fl.Name == name {
			set = true
		}
	})
	return set
}

// dropCapabilities drops ambient Linux capabilities before dispatching
// untrusted guest code, keeping only what the dispatch loop itself
// needs (none -- vmill never needs elevated privileges once a snapshot
// is loaded). Failure is logged, not fatal: running unprivileged
// already has nothing to drop.
func dropCapabilities() {
	caps, err := capability.NewPid2(0)
	if err != nil {
		logrus.WithError(err).Debug("vmill: capability.NewPid2 unavailable, skipping capability drop")
		return
	}
	if err := caps.Load(); err != nil {
		logrus.WithError(err).Debug("vmill: loading current capabilities failed")
		return
	}
	caps.Clear(capability.CAPS | capability.BOUNDING | capability.AMBIENT)
	if err := caps.Apply(capability.CAPS | capability.BOUNDING | capability.AMBIENT); err != nil {
		logrus.WithError(err).Warn("vmill: failed to drop capabilities")
	}
}

// notifyReady signals readiness to a service manager via sd_notify,
// when running under one (e.g. systemd Type=notify).
func notifyReady() {
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logrus.WithError(err).Debug("vmill: sd_notify failed")
	} else if sent {
		logrus.Debug("vmill: sent sd_notify READY=1")
	}
}
