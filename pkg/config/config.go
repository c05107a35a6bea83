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

// Package config holds process wide settings read from FTRACE_* environment
// variables.
package config

import (
	"github.com/golang/glog"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every variable name, e.g. FTRACE_TRACING_DIR.
const Prefix = "FTRACE"

// Settings are the overridable options of the ftrace tools.
type Settings struct {
	// TracingDir is the tracing root. When empty it is discovered from
	// the mount table.
	TracingDir string `split_words:"true"`

	// ProcFS is where procfs is mounted.
	ProcFS string `envconfig:"PROC_FS" default:"/proc"`

	// DrainPeriodMs is how often per-CPU readers are drained.
	DrainPeriodMs uint32 `split_words:"true" default:"100"`

	// BufferSizeKB is the per-CPU ring buffer size. 0 means the default.
	BufferSizeKB uint32 `envconfig:"BUFFER_SIZE_KB"`

	// CompactSched requests the compact sched_switch/sched_waking encoding.
	CompactSched bool `split_words:"true"`

	// AtracePath is the Android atrace binary.
	AtracePath string `split_words:"true" default:"/system/bin/atrace"`

	// ListenAddr, when set, serves the HTTP status surface.
	ListenAddr string `split_words:"true"`

	// KsymsCacheSize bounds the number of resolved kernel symbols kept.
	KsymsCacheSize int `split_words:"true" default:"4096"`
}

// Global is loaded from the environment at init.
var Global Settings

// Load reads Settings from the environment.
func Load() (Settings, error) {
	var s Settings
	err := envconfig.Process(Prefix, &s)
	return s, err
}

func init() {
	var err error
	Global, err = Load()
	if err != nil {
		glog.Fatal(err)
	}
}
