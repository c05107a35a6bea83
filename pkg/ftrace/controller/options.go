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

package controller

import (
	"time"

	"github.com/capsule8/ftrace/pkg/ftrace"
	"github.com/capsule8/ftrace/pkg/sys/tracefs"
)

type options struct {
	tracingDir string
	procFS     string
	fs         tracefs.FileSystem
	ftrace     *tracefs.Ftrace
	table      *ftrace.Table
	runner     TaskRunner
	clock      func() time.Time
	atrace     AtraceRunner
	onDrainCPU func(cpu int)
}

// Option configures a Controller.
type Option func(*options)

// WithTracingDir uses dir as the tracing root instead of searching the
// mounted filesystems for it.
func WithTracingDir(dir string) Option {
	return func(o *options) {
		o.tracingDir = dir
	}
}

// WithProcFS sets where procfs is mounted, for tracing root discovery.
func WithProcFS(dir string) Option {
	return func(o *options) {
		o.procFS = dir
	}
}

// WithFileSystem uses fs as the tracing root.
func WithFileSystem(fs tracefs.FileSystem) Option {
	return func(o *options) {
		o.fs = fs
	}
}

// WithFtrace uses an already configured tracing root wrapper.
func WithFtrace(f *tracefs.Ftrace) Option {
	return func(o *options) {
		o.ftrace = f
	}
}

// WithTable uses table instead of building one from the tracing root.
func WithTable(table *ftrace.Table) Option {
	return func(o *options) {
		o.table = table
	}
}

// WithTaskRunner schedules drains on runner. By default the controller runs
// its own LoopRunner.
func WithTaskRunner(runner TaskRunner) Option {
	return func(o *options) {
		o.runner = runner
	}
}

// WithClock sets the clock drains are aligned to.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithAtraceRunner sets how atrace is invoked for sinks that request atrace
// categories or apps.
func WithAtraceRunner(runner AtraceRunner) Option {
	return func(o *options) {
		o.atrace = runner
	}
}

// WithDrainHook calls hook after each CPU is drained.
func WithDrainHook(hook func(cpu int)) Option {
	return func(o *options) {
		o.onDrainCPU = hook
	}
}
