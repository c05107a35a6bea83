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
	"fmt"
	"os/exec"
	"strings"

	"github.com/golang/glog"
)

// DefaultAtracePath is where atrace lives on Android devices.
const DefaultAtracePath = "/system/bin/atrace"

// AtraceRunner runs atrace with args.
type AtraceRunner func(args []string) error

// ExecAtraceRunner runs the atrace binary at path.
func ExecAtraceRunner(path string) AtraceRunner {
	return func(args []string) error {
		cmd := exec.Command(path, args...)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("%s %s: %w: %s", path, strings.Join(args, " "),
				err, strings.TrimSpace(string(out)))
		}
		return nil
	}
}

func atraceStartArgs(config *SinkConfig) []string {
	args := []string{"--async_start"}
	args = append(args, config.AtraceCategories...)
	if len(config.AtraceApps) > 0 {
		args = append(args, "-a", strings.Join(config.AtraceApps, ","))
	}
	return args
}

func (c *Controller) startAtraceLocked(config *SinkConfig) {
	if len(config.AtraceCategories) == 0 && len(config.AtraceApps) == 0 {
		return
	}
	if c.atrace == nil {
		glog.Warning("atrace requested but no atrace runner is configured")
		return
	}

	glog.V(1).Infof("Starting atrace: %v", config.AtraceCategories)
	if err := c.atrace(atraceStartArgs(config)); err != nil {
		glog.Errorf("Couldn't start atrace: %v", err)
		return
	}
	c.atraceRunning = true
}

func (c *Controller) stopAtraceLocked() {
	if !c.atraceRunning {
		return
	}
	c.atraceRunning = false

	glog.V(1).Info("Stopping atrace")
	if err := c.atrace([]string{"--async_stop"}); err != nil {
		glog.Errorf("Couldn't stop atrace: %v", err)
	}
}
