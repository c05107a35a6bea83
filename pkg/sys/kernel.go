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

// Package sys holds host helpers shared by the ftrace tools.
package sys

import (
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// KernelRelease returns the release string of the running kernel, e.g.
// "4.15.0-20-generic".
func KernelRelease() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", err
	}
	return unix.ByteSliceToString(uts.Release[:]), nil
}

// ParseKernelVersion extracts the leading major.minor.sublevel from a
// release string. Missing components are 0.
func ParseKernelVersion(release string) (major, minor, sublevel int) {
	end := strings.IndexFunc(release, func(r rune) bool {
		return r != '.' && (r < '0' || r > '9')
	})
	if end != -1 {
		release = release[:end]
	}

	parts := strings.SplitN(release, ".", 3)
	values := make([]int, 3)
	for i, p := range parts {
		values[i], _ = strconv.Atoi(p)
	}
	return values[0], values[1], values[2]
}

// KernelVersionCode encodes a version the way LINUX_VERSION_CODE does. The
// sublevel saturates at 255.
func KernelVersionCode(major, minor, sublevel int) uint32 {
	if sublevel > 255 {
		sublevel = 255
	}
	return uint32(major)<<16 | uint32(minor)<<8 | uint32(sublevel)
}
