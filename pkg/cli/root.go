// Copyright 2018 Capsule8, Inc.
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

// Package cli implements the ftrace command line tool.
package cli

import (
	"flag"
	"io"

	"github.com/spf13/cobra"

	"github.com/capsule8/ftrace/pkg/config"
	"github.com/capsule8/ftrace/pkg/ftrace/controller"
)

type globalOptions struct {
	tracingDir string
	procFS     string
}

// env is what every subcommand runs against. Tests replace newController.
type env struct {
	out, errorOut io.Writer
	global        *globalOptions

	newController func(opts ...controller.Option) (*controller.Controller, error)
}

func (e *env) controller(opts ...controller.Option) (*controller.Controller, error) {
	opts = append([]controller.Option{
		controller.WithProcFS(e.global.procFS),
		controller.WithAtraceRunner(controller.ExecAtraceRunner(config.Global.AtracePath)),
	}, opts...)
	if e.global.tracingDir != "" {
		opts = append(opts, controller.WithTracingDir(e.global.tracingDir))
	}
	return e.newController(opts...)
}

// NewRootCommand creates the root command of the ftrace tool.
func NewRootCommand(out, errorOut io.Writer) *cobra.Command {
	return newRootCommand(&env{
		out:           out,
		errorOut:      errorOut,
		newController: controller.New,
	})
}

func newRootCommand(e *env) *cobra.Command {
	e.global = &globalOptions{}

	rootCommand := &cobra.Command{
		Use:           "ftrace",
		Short:         "Record and inspect kernel ftrace events",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCommand.SetOut(e.out)
	rootCommand.SetErr(e.errorOut)

	flags := rootCommand.PersistentFlags()
	flags.StringVar(&e.global.tracingDir, "tracing-dir", config.Global.TracingDir,
		"tracing root; discovered from the mount table when empty")
	flags.StringVar(&e.global.procFS, "proc-fs", config.Global.ProcFS,
		"where procfs is mounted")
	flags.AddGoFlagSet(flag.CommandLine)

	rootCommand.AddCommand(
		newRecordCommand(e),
		newEventsCommand(e),
		newStatsCommand(e),
		newResetCommand(e),
		newMarkerCommand(e),
	)
	return rootCommand
}
