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
	"bufio"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/golang/glog"

	"golang.org/x/sys/unix"
)

// KprobeGroup is the group dynamically registered kprobes are placed in.
const KprobeGroup = "kprobes"

const probeNamePrefix = "ftrace_"

// CPUStats is the parsed contents of per_cpu/cpuN/stats.
type CPUStats struct {
	CPU           int     `json:"cpu"`
	Entries       uint64  `json:"entries"`
	Overrun       uint64  `json:"overrun"`
	CommitOverrun uint64  `json:"commit_overrun"`
	Bytes         uint64  `json:"bytes"`
	OldestEventTs float64 `json:"oldest_event_ts"`
	NowTs         float64 `json:"now_ts"`
	DroppedEvents uint64  `json:"dropped_events"`
	ReadEvents    uint64  `json:"read_events"`
}

// Ftrace is the control surface of the tracing root.
type Ftrace struct {
	fs       FileSystem
	pageSize int
}

// New wraps a FileSystem.
func New(fs FileSystem) *Ftrace {
	return NewWithPageSize(fs, unix.Getpagesize())
}

// NewWithPageSize wraps a FileSystem whose ring buffers use pages of
// pageSize bytes.
func NewWithPageSize(fs FileSystem, pageSize int) *Ftrace {
	return &Ftrace{
		fs:       fs,
		pageSize: pageSize,
	}
}

// NewForRoot wraps the tracing root at dir.
func NewForRoot(dir string) *Ftrace {
	return New(NewFileSystem(dir))
}

// FileSystem returns the underlying FileSystem.
func (f *Ftrace) FileSystem() FileSystem {
	return f.fs
}

// PageSize is the size of one ring buffer page.
func (f *Ftrace) PageSize() int {
	return f.pageSize
}

// NumCPU is the number of per-CPU ring buffers.
func (f *Ftrace) NumCPU() int {
	return f.fs.NumCPU()
}

// ValidName reports whether s is usable as one component of a path under
// the tracing root.
func ValidName(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9', r == '_', r == '-', r == '.':
		default:
			return false
		}
	}
	return !strings.Contains(s, "..")
}

func eventPath(group, name, file string) (string, error) {
	if !ValidName(group) || !ValidName(name) {
		return "", fmt.Errorf("Invalid event name %q/%q", group, name)
	}
	return path.Join("events", group, name, file), nil
}

// ReadPageHeaderFormat returns events/header_page.
func (f *Ftrace) ReadPageHeaderFormat() (string, error) {
	b, err := f.fs.ReadFile("events/header_page")
	return string(b), err
}

// ReadEventFormat returns events/<group>/<name>/format.
func (f *Ftrace) ReadEventFormat(group, name string) (string, error) {
	p, err := eventPath(group, name, "format")
	if err != nil {
		return "", err
	}
	b, err := f.fs.ReadFile(p)
	return string(b), err
}

// ReadPrintkFormats returns printk_formats.
func (f *Ftrace) ReadPrintkFormats() (string, error) {
	b, err := f.fs.ReadFile("printk_formats")
	return string(b), err
}

// EnableEvent turns on a single event.
func (f *Ftrace) EnableEvent(group, name string) error {
	p, err := eventPath(group, name, "enable")
	if err != nil {
		return err
	}
	return f.fs.WriteFile(p, "1")
}

// DisableEvent turns off a single event.
func (f *Ftrace) DisableEvent(group, name string) error {
	p, err := eventPath(group, name, "enable")
	if err != nil {
		return err
	}
	return f.fs.WriteFile(p, "0")
}

// DisableAllEvents turns off every event.
func (f *Ftrace) DisableAllEvents() error {
	return f.fs.WriteFile("events/enable", "0")
}

// EnableTracing sets tracing_on.
func (f *Ftrace) EnableTracing() error {
	return f.fs.WriteFile("tracing_on", "1")
}

// DisableTracing clears tracing_on.
func (f *Ftrace) DisableTracing() error {
	return f.fs.WriteFile("tracing_on", "0")
}

// IsTracingEnabled reads tracing_on.
func (f *Ftrace) IsTracingEnabled() bool {
	b, err := f.fs.ReadFile("tracing_on")
	return err == nil && strings.TrimSpace(string(b)) == "1"
}

// SetCPUBufferSizeInPages sizes every per-CPU ring buffer.
func (f *Ftrace) SetCPUBufferSizeInPages(pages int) error {
	if pages < 1 {
		pages = 1
	}
	kb := pages * (f.pageSize / 1024)
	return f.fs.WriteFile("buffer_size_kb", strconv.Itoa(kb))
}

// ClearTrace empties the ring buffers.
func (f *Ftrace) ClearTrace() error {
	return f.fs.WriteFile("trace", "")
}

// WriteTraceMarker writes s into the trace as a print event.
func (f *Ftrace) WriteTraceMarker(s string) error {
	return f.fs.WriteFile("trace_marker", s)
}

// HardReset puts the tracing root back to a known idle state. Every step is
// attempted; the first error is returned.
func (f *Ftrace) HardReset() error {
	glog.V(1).Info("Resetting ftrace state")

	var errs []error
	errs = append(errs, f.DisableTracing())
	errs = append(errs, f.SetCPUBufferSizeInPages(1))
	errs = append(errs, f.DisableAllEvents())
	errs = append(errs, f.ClearTrace())
	return errors.Join(errs...)
}

// ProbeName returns a kprobe name owned by this process.
func ProbeName(n uint64) string {
	return fmt.Sprintf("%s%d_%d", probeNamePrefix, unix.Getpid(), n)
}

// AddKprobe registers a kprobe (or kretprobe if onReturn) named
// kprobes/<name> at address, recording fetchargs.
func (f *Ftrace) AddKprobe(name, address string, onReturn bool, fetchargs string) error {
	if !ValidName(name) {
		return fmt.Errorf("Invalid kprobe name %q", name)
	}
	fetchargs = strings.Join(strings.Fields(fetchargs), " ")

	kind := "p"
	if onReturn {
		kind = "r"
	}
	definition := fmt.Sprintf("%s:%s/%s %s %s", kind, KprobeGroup, name,
		address, fetchargs)
	definition = strings.TrimSpace(definition) + "\n"

	glog.V(1).Infof("Adding kprobe: '%s'", strings.TrimSpace(definition))
	return f.fs.AppendFile("kprobe_events", definition)
}

// RemoveKprobe unregisters kprobes/<name>.
func (f *Ftrace) RemoveKprobe(name string) error {
	if !ValidName(name) {
		return fmt.Errorf("Invalid kprobe name %q", name)
	}
	return f.fs.AppendFile("kprobe_events",
		fmt.Sprintf("-:%s/%s\n", KprobeGroup, name))
}

// CleanupStaleProbes removes kprobes registered by processes that no longer
// exist.
func (f *Ftrace) CleanupStaleProbes() {
	data, err := f.fs.ReadFile("kprobe_events")
	if err != nil {
		return
	}

	activePids := map[int]bool{os.Getpid(): true}
	deadPids := make(map[int]bool)

	// Lines look like "p:kprobes/ftrace_<pid>_<n> do_sys_open ..."
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := scanner.Text()
		end := strings.IndexByte(line, ' ')
		if len(line) < 2 || end < 2 {
			continue
		}
		name := line[2:end]
		prefix := KprobeGroup + "/" + probeNamePrefix
		if !strings.HasPrefix(name, prefix) {
			continue
		}

		var pid int
		fmt.Sscanf(name[len(prefix):], "%d_", &pid)
		if activePids[pid] {
			continue
		} else if !deadPids[pid] {
			if unix.Kill(pid, 0) != unix.ESRCH {
				activePids[pid] = true
				continue
			}
			deadPids[pid] = true
		}

		if err := f.fs.AppendFile("kprobe_events", fmt.Sprintf("-:%s\n", name)); err != nil {
			glog.Errorf("Couldn't remove stale probe %s: %v", name, err)
			continue
		}
		glog.V(1).Infof("Removed stale probe %s", name)
	}
}

// ReadCPUStats parses per_cpu/cpuN/stats.
func (f *Ftrace) ReadCPUStats(cpu int) (CPUStats, error) {
	data, err := f.fs.ReadFile(cpuPath(cpu, "stats"))
	if err != nil {
		return CPUStats{}, err
	}
	stats, err := ParseCPUStats(string(data))
	stats.CPU = cpu
	return stats, err
}

// ParseCPUStats parses the text of a per-CPU stats file.
func ParseCPUStats(text string) (CPUStats, error) {
	var stats CPUStats

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		kv := strings.SplitN(scanner.Text(), ":", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		value := strings.TrimSpace(kv[1])

		var err error
		switch key {
		case "entries":
			stats.Entries, err = strconv.ParseUint(value, 10, 64)
		case "overrun":
			stats.Overrun, err = strconv.ParseUint(value, 10, 64)
		case "commit overrun":
			stats.CommitOverrun, err = strconv.ParseUint(value, 10, 64)
		case "bytes":
			stats.Bytes, err = strconv.ParseUint(value, 10, 64)
		case "oldest event ts":
			stats.OldestEventTs, err = strconv.ParseFloat(value, 64)
		case "now ts":
			stats.NowTs, err = strconv.ParseFloat(value, 64)
		case "dropped events":
			stats.DroppedEvents, err = strconv.ParseUint(value, 10, 64)
		case "read events":
			stats.ReadEvents, err = strconv.ParseUint(value, 10, 64)
		}
		if err != nil {
			return CPUStats{}, fmt.Errorf("Couldn't parse %q: %w", key, err)
		}
	}
	return stats, scanner.Err()
}
