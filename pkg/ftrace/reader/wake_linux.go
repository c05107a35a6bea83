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

//go:build linux

package reader

import (
	"github.com/golang/glog"

	"golang.org/x/sys/unix"
)

// wakeEvent is an eventfd used to interrupt a poll.
type wakeEvent struct {
	fd int
}

func newWakeEvent() (*wakeEvent, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &wakeEvent{fd: fd}, nil
}

func (e *wakeEvent) signal() {
	// Increment the eventfd counter by 1
	b := []byte{1, 0, 0, 0, 0, 0, 0, 0}
	if _, err := unix.Write(e.fd, b); err != nil {
		glog.Warningf("Couldn't signal wake eventfd %d: %v", e.fd, err)
	}
}

func (e *wakeEvent) close() {
	if e.fd != -1 {
		unix.Close(e.fd)
		e.fd = -1
	}
}
