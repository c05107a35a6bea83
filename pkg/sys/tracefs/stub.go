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

package tracefs

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Write is one recorded StubFileSystem write.
type Write struct {
	Path   string
	Value  string
	Append bool
}

// StubFileSystem is an in-memory FileSystem for tests. Reads are served from
// Files; every write is recorded in order and updates Files.
type StubFileSystem struct {
	mu sync.Mutex

	files  map[string]string
	writes []Write
	pipes  map[int]*os.File
	ncpu   int

	// Strict makes writes to files that do not exist fail.
	Strict bool
}

// NewStubFileSystem creates an empty stub with ncpu CPUs.
func NewStubFileSystem(ncpu int) *StubFileSystem {
	return &StubFileSystem{
		files: make(map[string]string),
		pipes: make(map[int]*os.File),
		ncpu:  ncpu,
	}
}

// LoadDir copies every regular file under dir into the stub.
func (s *StubFileSystem) LoadDir(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		s.SetFile(rel, string(data))
		return nil
	})
}

// SetFile sets the contents of a file without recording a write.
func (s *StubFileSystem) SetFile(path, data string) {
	s.mu.Lock()
	s.files[filepath.Clean(path)] = data
	s.mu.Unlock()
}

// SetPipe sets the file returned by OpenPipeForCPU.
func (s *StubFileSystem) SetPipe(cpu int, f *os.File) {
	s.mu.Lock()
	s.pipes[cpu] = f
	s.mu.Unlock()
}

// ReadFile implements FileSystem.
func (s *StubFileSystem) ReadFile(path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.files[filepath.Clean(path)]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	return []byte(data), nil
}

func (s *StubFileSystem) write(path, data string, appendData bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path = filepath.Clean(path)
	old, ok := s.files[path]
	if !ok && s.Strict {
		return &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	s.writes = append(s.writes, Write{Path: path, Value: data, Append: appendData})
	if appendData {
		s.files[path] = old + data
	} else {
		s.files[path] = data
	}
	return nil
}

// WriteFile implements FileSystem.
func (s *StubFileSystem) WriteFile(path, data string) error {
	return s.write(path, data, false)
}

// AppendFile implements FileSystem.
func (s *StubFileSystem) AppendFile(path, data string) error {
	return s.write(path, data, true)
}

// OpenPipeForCPU implements FileSystem.
func (s *StubFileSystem) OpenPipeForCPU(cpu int) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.pipes[cpu]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("no pipe for cpu %d", cpu)
}

// NumCPU implements FileSystem.
func (s *StubFileSystem) NumCPU() int {
	return s.ncpu
}

// Writes returns every recorded write in order.
func (s *StubFileSystem) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Write(nil), s.writes...)
}

// CountWrites returns how many times value was written to path.
func (s *StubFileSystem) CountWrites(path, value string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	path = filepath.Clean(path)
	n := 0
	for _, w := range s.writes {
		if w.Path == path && w.Value == value {
			n++
		}
	}
	return n
}

// LastWrite returns the last value written to path.
func (s *StubFileSystem) LastWrite(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path = filepath.Clean(path)
	for i := len(s.writes) - 1; i >= 0; i-- {
		if s.writes[i].Path == path {
			return s.writes[i].Value, true
		}
	}
	return "", false
}

// ResetWrites forgets recorded writes.
func (s *StubFileSystem) ResetWrites() {
	s.mu.Lock()
	s.writes = nil
	s.mu.Unlock()
}

// WrittenPaths returns the distinct paths written, sorted.
func (s *StubFileSystem) WrittenPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var paths []string
	for _, w := range s.writes {
		if !seen[w.Path] {
			seen[w.Path] = true
			paths = append(paths, w.Path)
		}
	}
	sort.Strings(paths)
	return paths
}
