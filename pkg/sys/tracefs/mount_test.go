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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMount(t *testing.T) {
	var err error

	_, err = parseMount("zero 1 2:3 4 5")
	assert.Error(t, err)

	_, err = parseMount("0 one 2:3 4 5 rw - a b c")
	assert.Error(t, err)

	_, err = parseMount("0 1 two:3 4 5 rw - a b c")
	assert.Error(t, err)

	_, err = parseMount("0 1 2:three 4 5 rw - a b c")
	assert.Error(t, err)

	_, err = parseMount("0 1 2:3 / /mnt rw shared:1 x y z")
	assert.Error(t, err)
}

func TestParseMountTracefs(t *testing.T) {
	m, err := parseMount("138 43 0:9 / /sys/kernel/debug/tracing rw,relatime shared:118 - tracefs tracefs rw")
	require.NoError(t, err)

	expected := Mount{
		MountID:        138,
		ParentID:       43,
		Major:          0,
		Minor:          9,
		Root:           "/",
		MountPoint:     "/sys/kernel/debug/tracing",
		MountOptions:   []string{"rw", "relatime"},
		OptionalFields: map[string]string{"shared": "118"},
		FilesystemType: "tracefs",
		MountSource:    "tracefs",
		SuperOptions:   map[string]string{"rw": ""},
	}
	assert.Equal(t, expected, m)
}

func writeMountinfo(t *testing.T, lines ...string) string {
	procFS := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(procFS, "self"), 0755))

	var data string
	for _, l := range lines {
		data += l + "\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(procFS, "self", "mountinfo"),
		[]byte(data), 0644))
	return procFS
}

func TestFindTracingDirTracefs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "events"), 0755))

	procFS := writeMountinfo(t,
		"43 19 0:7 / /nonexistent/debug rw,relatime shared:25 - debugfs debugfs rw",
		fmt.Sprintf("138 43 0:9 / %s rw,relatime shared:118 - tracefs tracefs rw", root),
		"garbage line")

	dir, err := FindTracingDir(procFS)
	require.NoError(t, err)
	assert.Equal(t, root, dir)
}

func TestFindTracingDirDebugfs(t *testing.T) {
	debugfs := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(debugfs, "tracing", "events"), 0755))

	procFS := writeMountinfo(t,
		fmt.Sprintf("43 19 0:7 / %s rw,relatime shared:25 - debugfs debugfs rw", debugfs))

	dir, err := FindTracingDir(procFS)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(debugfs, "tracing"), dir)
}

func TestMountsMissing(t *testing.T) {
	_, err := Mounts(t.TempDir())
	assert.Error(t, err)
}
