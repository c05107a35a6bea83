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

// Package tracefs locates the kernel tracing root and wraps the control
// files under it.
package tracefs

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// FileSystem is the tracing tree. Paths are relative to the tracing root.
type FileSystem interface {
	// ReadFile returns the contents of a file.
	ReadFile(path string) ([]byte, error)

	// WriteFile truncates a file and writes data to it.
	WriteFile(path string, data string) error

	// AppendFile appends data to a file, as needed for command files such
	// as kprobe_events.
	AppendFile(path string, data string) error

	// OpenPipeForCPU opens per_cpu/cpuN/trace_pipe_raw for non-blocking
	// reads.
	OpenPipeForCPU(cpu int) (*os.File, error)

	// NumCPU is the number of per-CPU ring buffers.
	NumCPU() int
}

type osFileSystem struct {
	root string
}

// NewFileSystem returns the FileSystem rooted at dir.
func NewFileSystem(dir string) FileSystem {
	return &osFileSystem{root: dir}
}

func (fs *osFileSystem) path(p string) string {
	return filepath.Join(fs.root, p)
}

func (fs *osFileSystem) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(fs.path(path))
}

func (fs *osFileSystem) write(path, data string, flags int) error {
	f, err := os.OpenFile(fs.path(path), os.O_WRONLY|flags, 0)
	if err != nil {
		return err
	}
	_, err = f.WriteString(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (fs *osFileSystem) WriteFile(path, data string) error {
	return fs.write(path, data, os.O_TRUNC)
}

func (fs *osFileSystem) AppendFile(path, data string) error {
	return fs.write(path, data, os.O_APPEND)
}

func (fs *osFileSystem) OpenPipeForCPU(cpu int) (*os.File, error) {
	return os.OpenFile(fs.path(cpuPath(cpu, "trace_pipe_raw")),
		os.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
}

func (fs *osFileSystem) NumCPU() int {
	entries, err := os.ReadDir(fs.path("per_cpu"))
	if err != nil {
		return runtime.NumCPU()
	}

	n := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "cpu") {
			continue
		}
		if _, err := strconv.Atoi(e.Name()[3:]); err == nil {
			n++
		}
	}
	if n == 0 {
		return runtime.NumCPU()
	}
	return n
}

func cpuPath(cpu int, name string) string {
	return filepath.Join("per_cpu", "cpu"+strconv.Itoa(cpu), name)
}
