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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidName(t *testing.T) {
	valid := []string{"sched", "sched_switch", "do_sys_open", "ext4-fs", "a.b"}
	for _, s := range valid {
		assert.True(t, ValidName(s), s)
	}

	invalid := []string{"", ".", "..", "a/b", "../x", "a..b", "a b", "a\nb"}
	for _, s := range invalid {
		assert.False(t, ValidName(s), s)
	}
}

func TestReadFormats(t *testing.T) {
	stub := NewStubFileSystem(1)
	stub.SetFile("events/header_page", "header")
	stub.SetFile("events/sched/sched_switch/format", "format")
	stub.SetFile("printk_formats", "printk")
	f := New(stub)

	s, err := f.ReadPageHeaderFormat()
	require.NoError(t, err)
	assert.Equal(t, "header", s)

	s, err = f.ReadEventFormat("sched", "sched_switch")
	require.NoError(t, err)
	assert.Equal(t, "format", s)

	s, err = f.ReadPrintkFormats()
	require.NoError(t, err)
	assert.Equal(t, "printk", s)

	_, err = f.ReadEventFormat("sched", "nope")
	assert.Error(t, err)

	_, err = f.ReadEventFormat("..", "sched_switch")
	assert.Error(t, err)
}

func TestEnableDisable(t *testing.T) {
	stub := NewStubFileSystem(1)
	f := New(stub)

	require.NoError(t, f.EnableEvent("sched", "sched_switch"))
	require.NoError(t, f.DisableEvent("sched", "sched_switch"))
	assert.Error(t, f.EnableEvent("sched/x", "sched_switch"))

	assert.Equal(t, []Write{
		{Path: "events/sched/sched_switch/enable", Value: "1"},
		{Path: "events/sched/sched_switch/enable", Value: "0"},
	}, stub.Writes())

	assert.False(t, f.IsTracingEnabled())
	require.NoError(t, f.EnableTracing())
	assert.True(t, f.IsTracingEnabled())
	require.NoError(t, f.DisableTracing())
	assert.False(t, f.IsTracingEnabled())
}

func TestStrictStub(t *testing.T) {
	stub := NewStubFileSystem(1)
	stub.Strict = true
	f := New(stub)

	assert.Error(t, f.EnableTracing())
	assert.Empty(t, stub.Writes())

	stub.SetFile("tracing_on", "0")
	assert.NoError(t, f.EnableTracing())
	assert.Equal(t, 1, stub.CountWrites("tracing_on", "1"))
}

func TestHardReset(t *testing.T) {
	stub := NewStubFileSystem(2)
	f := NewWithPageSize(stub, 4096)

	require.NoError(t, f.HardReset())

	v, ok := stub.LastWrite("tracing_on")
	require.True(t, ok)
	assert.Equal(t, "0", v)

	v, ok = stub.LastWrite("buffer_size_kb")
	require.True(t, ok)
	assert.Equal(t, "4", v)

	v, ok = stub.LastWrite("events/enable")
	require.True(t, ok)
	assert.Equal(t, "0", v)

	_, ok = stub.LastWrite("trace")
	assert.True(t, ok)
}

func TestHardResetReportsErrors(t *testing.T) {
	stub := NewStubFileSystem(1)
	stub.Strict = true
	stub.SetFile("events/enable", "1")
	f := New(stub)

	assert.Error(t, f.HardReset())
	assert.Equal(t, 1, stub.CountWrites("events/enable", "0"))
}

func TestSetCPUBufferSize(t *testing.T) {
	stub := NewStubFileSystem(1)
	f := NewWithPageSize(stub, 4096)

	require.NoError(t, f.SetCPUBufferSizeInPages(10))
	require.NoError(t, f.SetCPUBufferSizeInPages(0))
	assert.Equal(t, 1, stub.CountWrites("buffer_size_kb", "40"))
	assert.Equal(t, 1, stub.CountWrites("buffer_size_kb", "4"))
}

func TestKprobes(t *testing.T) {
	stub := NewStubFileSystem(1)
	f := New(stub)

	require.NoError(t, f.AddKprobe("open_probe", "do_sys_open", false,
		"  dfd=%di:s32   filename=+0(%si):string "))
	require.NoError(t, f.AddKprobe("open_ret", "do_sys_open", true, ""))
	require.NoError(t, f.RemoveKprobe("open_probe"))
	assert.Error(t, f.AddKprobe("../bad", "do_sys_open", false, ""))

	assert.Equal(t, []Write{
		{
			Path:   "kprobe_events",
			Value:  "p:kprobes/open_probe do_sys_open dfd=%di:s32 filename=+0(%si):string\n",
			Append: true,
		},
		{
			Path:   "kprobe_events",
			Value:  "r:kprobes/open_ret do_sys_open\n",
			Append: true,
		},
		{
			Path:   "kprobe_events",
			Value:  "-:kprobes/open_probe\n",
			Append: true,
		},
	}, stub.Writes())
}

func TestCleanupStaleProbes(t *testing.T) {
	stub := NewStubFileSystem(1)
	f := New(stub)

	own := ProbeName(1)
	// Pid 0x7ffffffe is far above pid_max and never exists.
	stub.SetFile("kprobe_events",
		"p:kprobes/"+own+" do_sys_open\n"+
			"p:kprobes/ftrace_2147483646_3 do_sys_open\n"+
			"p:kprobes/other_probe do_sys_open\n")

	f.CleanupStaleProbes()

	assert.Equal(t, []Write{
		{
			Path:   "kprobe_events",
			Value:  "-:kprobes/ftrace_2147483646_3\n",
			Append: true,
		},
	}, stub.Writes())
}

func TestParseCPUStats(t *testing.T) {
	stats, err := ParseCPUStats(`entries: 12
overrun: 3
commit overrun: 0
bytes: 4096
oldest event ts: 1045157.722134
now ts: 1045160.000001
dropped events: 2
read events: 40
`)
	require.NoError(t, err)
	assert.Equal(t, CPUStats{
		Entries:       12,
		Overrun:       3,
		Bytes:         4096,
		OldestEventTs: 1045157.722134,
		NowTs:         1045160.000001,
		DroppedEvents: 2,
		ReadEvents:    40,
	}, stats)

	_, err = ParseCPUStats("entries: many\n")
	assert.Error(t, err)
}

func TestReadCPUStats(t *testing.T) {
	stub := NewStubFileSystem(2)
	stub.SetFile("per_cpu/cpu1/stats", "entries: 5\n")
	f := New(stub)

	stats, err := f.ReadCPUStats(1)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CPU)
	assert.Equal(t, uint64(5), stats.Entries)

	_, err = f.ReadCPUStats(0)
	assert.Error(t, err)
}

func TestOSFileSystem(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"per_cpu/cpu0", "per_cpu/cpu1", "per_cpu/cpu2", "per_cpu/other"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "kprobe_events"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "tracing_on"), []byte("1\n"), 0644))

	fs := NewFileSystem(root)
	assert.Equal(t, 3, fs.NumCPU())

	require.NoError(t, fs.WriteFile("tracing_on", "0"))
	b, err := fs.ReadFile("tracing_on")
	require.NoError(t, err)
	assert.Equal(t, "0", string(b))

	require.NoError(t, fs.AppendFile("kprobe_events", "a\n"))
	require.NoError(t, fs.AppendFile("kprobe_events", "b\n"))
	b, err = fs.ReadFile("kprobe_events")
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", string(b))

	assert.Error(t, fs.WriteFile("missing", "x"))

	_, err = fs.OpenPipeForCPU(0)
	assert.Error(t, err)
}
