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

//go:build !linux

package reader

import (
	"errors"
	"os"

	"github.com/capsule8/ftrace/pkg/ftrace"
)

// CPUReader is only available on Linux.
type CPUReader struct{}

// NewCPUReader always fails on this platform.
func NewCPUReader(cpu int, file *os.File, table *ftrace.Table, pageSize int,
	onDataAvailable func(cpu int)) (*CPUReader, error) {
	return nil, errors.New("ftrace is only supported on Linux")
}

// CPU is always 0.
func (r *CPUReader) CPU() int { return 0 }

// Pending is always 0.
func (r *CPUReader) Pending() int { return 0 }

// Drain does nothing.
func (r *CPUReader) Drain(targets []Target) error { return nil }

// Close does nothing.
func (r *CPUReader) Close() error { return nil }
