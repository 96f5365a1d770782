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

// Command vmill is the CLI surface described in spec.md section 6:
// execute re-executes a captured snapshot; snapshot (capture) is an
// explicit external collaborator and is only stubbed here.
package main

import (
	"context"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&executeCmd{}, "")
	subcommands.Register(&snapshotCmd{}, "")

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	os.Exit(int(subcommands.Execute(context.Background())))
}
