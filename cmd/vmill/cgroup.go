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
	"os"

	"github.com/containerd/cgroups"
	"github.com/sirupsen/logrus"
)

// confineToCgroup joins this process to the cgroup at path (--cgroup),
// creating it with no resource limits of its own if it doesn't already
// exist -- the operator is expected to have set limits out of band;
// vmill only adds its own pid as a member. It returns a cleanup func
// that removes the cgroup vmill created, or nil if joining failed (a
// missing/unprivileged cgroup mount is logged, not fatal: --cgroup is
// an optional confinement knob, not a correctness requirement).
func confineToCgroup(path string) func() {
	control, err := cgroups.New(cgroups.V1, cgroups.StaticPath(path), nil)
	if err != nil {
		logrus.WithError(err).Warn("vmill: failed to create cgroup, continuing unconfined")
		return nil
	}
	if err := control.Add(cgroups.Process{Pid: os.Getpid()}); err != nil {
		logrus.WithError(err).Warn("vmill: failed to join cgroup, continuing unconfined")
		return nil
	}
	return func() {
		if err := control.Delete(); err != nil {
			logrus.WithError(err).Debug("vmill: failed to remove cgroup on exit")
		}
	}
}
