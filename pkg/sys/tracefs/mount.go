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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/glog"
)

// Mount is one entry of /proc/self/mountinfo.
type Mount struct {
	MountID        uint
	ParentID       uint
	Major          uint
	Minor          uint
	Root           string
	MountPoint     string
	MountOptions   []string
	OptionalFields map[string]string
	FilesystemType string
	MountSource    string
	SuperOptions   map[string]string
}

// Well known tracing roots, tried when mountinfo yields nothing usable.
var wellKnownTracingDirs = []string{
	"/sys/kernel/tracing",
	"/sys/kernel/debug/tracing",
}

func parseMount(line string) (Mount, error) {
	fields := strings.Fields(line)
	if len(fields) < 10 {
		return Mount{}, fmt.Errorf("Short mountinfo line %q", line)
	}

	mountID, err := strconv.Atoi(fields[0])
	if err != nil {
		return Mount{}, fmt.Errorf("Couldn't parse mountID %q", fields[0])
	}

	parentID, err := strconv.Atoi(fields[1])
	if err != nil {
		return Mount{}, fmt.Errorf("Couldn't parse parentID %q", fields[1])
	}

	mm := strings.Split(fields[2], ":")
	if len(mm) != 2 {
		return Mount{}, fmt.Errorf("Couldn't parse major:minor %q", fields[2])
	}
	major, err := strconv.Atoi(mm[0])
	if err != nil {
		return Mount{}, fmt.Errorf("Couldn't parse major %q", mm[0])
	}

	minor, err := strconv.Atoi(mm[1])
	if err != nil {
		return Mount{}, fmt.Errorf("Couldn't parse minor %q", mm[1])
	}

	mountOptions := strings.Split(fields[5], ",")

	optionalFieldsMap := make(map[string]string)
	var i int
	for i = 6; i < len(fields) && fields[i] != "-"; i++ {
		tagValue := strings.Split(fields[i], ":")
		if len(tagValue) == 1 {
			optionalFieldsMap[tagValue[0]] = ""
		} else {
			optionalFieldsMap[tagValue[0]] = strings.Join(tagValue[1:], ":")
		}
	}
	if i+3 >= len(fields) {
		return Mount{}, fmt.Errorf("Missing filesystem fields in %q", line)
	}

	filesystemType := fields[i+1]
	mountSource := fields[i+2]
	superOptions := fields[i+3]

	superOptionsMap := make(map[string]string)
	for _, option := range strings.Split(superOptions, ",") {
		nameValue := strings.Split(option, "=")
		if len(nameValue) == 1 {
			superOptionsMap[nameValue[0]] = ""
		} else {
			superOptionsMap[nameValue[0]] = strings.Join(nameValue[1:], ":")
		}
	}

	return Mount{
		MountID:        uint(mountID),
		ParentID:       uint(parentID),
		Major:          uint(major),
		Minor:          uint(minor),
		Root:           fields[3],
		MountPoint:     fields[4],
		MountOptions:   mountOptions,
		OptionalFields: optionalFieldsMap,
		FilesystemType: filesystemType,
		MountSource:    mountSource,
		SuperOptions:   superOptionsMap,
	}, nil
}

// Mounts returns the filesystems listed in <procFS>/self/mountinfo.
// Unparseable lines are skipped.
func Mounts(procFS string) ([]Mount, error) {
	f, err := os.Open(filepath.Join(procFS, "self", "mountinfo"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var mounts []Mount
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if m, err := parseMount(scanner.Text()); err != nil {
			glog.Warning(err)
		} else {
			mounts = append(mounts, m)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return mounts, nil
}

func isTracingDir(dir string) bool {
	s, err := os.Stat(filepath.Join(dir, "events"))
	return err == nil && s.IsDir()
}

// FindTracingDir returns the tracing root: a mounted tracefs, or the
// tracing directory of a mounted debugfs, or one of the well known
// locations.
func FindTracingDir(procFS string) (string, error) {
	mounts, err := Mounts(procFS)
	if err != nil {
		glog.Warningf("Couldn't read mounts from %s: %v", procFS, err)
	}

	// Look for an existing tracefs
	for _, m := range mounts {
		if m.FilesystemType == "tracefs" && isTracingDir(m.MountPoint) {
			glog.V(1).Infof("Found tracefs at %s", m.MountPoint)
			return m.MountPoint, nil
		}
	}

	// If no mounted tracefs has been found, look for it as a
	// subdirectory of the older debugfs
	for _, m := range mounts {
		if m.FilesystemType == "debugfs" {
			d := filepath.Join(m.MountPoint, "tracing")
			if isTracingDir(d) {
				glog.V(1).Infof("Found debugfs w/ tracing at %s", d)
				return d, nil
			}
		}
	}

	for _, d := range wellKnownTracingDirs {
		if isTracingDir(d) {
			glog.V(1).Infof("Using tracing root %s", d)
			return d, nil
		}
	}

	return "", fmt.Errorf("No tracing root found (procfs %s)", procFS)
}
