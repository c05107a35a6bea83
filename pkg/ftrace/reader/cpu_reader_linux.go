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
	"os"
	"sync"

	"github.com/golang/glog"

	"github.com/capsule8/ftrace/pkg/ftrace"

	"golang.org/x/sys/unix"
)

// CPUReader moves pages from one CPU's trace_pipe_raw into a staging queue
// on its own goroutine, and translates them into bundles when drained.
type CPUReader struct {
	cpu             int
	table           *ftrace.Table
	file            *os.File
	fd              int
	wake            *wakeEvent
	queue           *pageQueue
	onDataAvailable func(cpu int)

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewCPUReader starts reading file, which must be open for non-blocking
// reads. onDataAvailable is called from the reading goroutine whenever new
// pages have been staged.
func NewCPUReader(cpu int, file *os.File, table *ftrace.Table, pageSize int,
	onDataAvailable func(cpu int)) (*CPUReader, error) {

	var fd int
	rc, err := file.SyscallConn()
	if err != nil {
		return nil, err
	}
	if err = rc.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return nil, err
	}
	if err = unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}

	wake, err := newWakeEvent()
	if err != nil {
		return nil, err
	}

	r := &CPUReader{
		cpu:             cpu,
		table:           table,
		file:            file,
		fd:              fd,
		wake:            wake,
		queue:           newPageQueue(pageSize),
		onDataAvailable: onDataAvailable,
	}

	r.wg.Add(1)
	go r.run()

	return r, nil
}

// CPU is the CPU this reader serves.
func (r *CPUReader) CPU() int {
	return r.cpu
}

// Pending is the number of staged pages.
func (r *CPUReader) Pending() int {
	return r.queue.len()
}

func (r *CPUReader) run() {
	defer r.wg.Done()

	pollfds := []unix.PollFd{
		{Fd: int32(r.fd), Events: unix.POLLIN},
		{Fd: int32(r.wake.fd), Events: unix.POLLIN},
	}

	for {
		pollfds[0].Revents = 0
		pollfds[1].Revents = 0
		_, err := unix.Poll(pollfds, -1)
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err != nil {
			glog.Errorf("cpu %d: poll: %v", r.cpu, err)
			return
		}
		if pollfds[1].Revents != 0 {
			return
		}

		staged, eof := r.readPages()
		if staged > 0 {
			r.notify()
		}
		if eof {
			glog.V(1).Infof("cpu %d: trace pipe closed", r.cpu)
			return
		}
	}
}

func (r *CPUReader) notify() {
	if r.onDataAvailable != nil {
		r.onDataAvailable(r.cpu)
	}
}

// readPages stages pages until the pipe would block. It returns the number
// of pages staged but not yet reported, and whether the pipe reached end of
// file or was closed. Staged pages are reported before waiting on a full
// queue, since only a drain can make room.
func (r *CPUReader) readPages() (int, bool) {
	staged := 0
	for {
		page := r.queue.getPage()
		n, err := unix.Read(r.fd, page)
		switch {
		case err == unix.EINTR:
			r.queue.recycle(page)
			continue
		case err == unix.EAGAIN:
			r.queue.recycle(page)
			return staged, false
		case err != nil:
			glog.Errorf("cpu %d: read: %v", r.cpu, err)
			r.queue.recycle(page)
			return staged, true
		case n == 0:
			r.queue.recycle(page)
			return staged, true
		case n != len(page):
			glog.Warningf("cpu %d: short read of %d bytes", r.cpu, n)
			r.queue.recycle(page)
			r.queue.markShortRead()
			continue
		}

		if staged > 0 && r.queue.full() {
			r.notify()
			staged = 0
		}
		if !r.queue.push(page) {
			return staged, true
		}
		staged++
	}
}

// Drain translates every staged page for each target. ErrShortRead is
// included in the returned error if a partial page was read since the last
// drain.
func (r *CPUReader) Drain(targets []Target) error {
	return drain(r.cpu, r.queue, r.table, targets)
}

// Close stops the reading goroutine and closes the trace pipe.
func (r *CPUReader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.queue.close()
		r.wake.signal()
		r.wg.Wait()
		r.wake.close()
		err = r.file.Close()
	})
	return err
}
