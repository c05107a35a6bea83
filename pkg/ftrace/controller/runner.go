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
	"sync"
	"time"
)

// TaskRunner runs the controller's periodic work. Tasks posted to one runner
// run one at a time, in order.
type TaskRunner interface {
	PostTask(task func())
	PostDelayedTask(task func(), delay time.Duration)
}

// LoopRunner is a TaskRunner backed by a single goroutine. Posting never
// blocks.
type LoopRunner struct {
	mu      sync.Mutex
	tasks   []func()
	wakeup  chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewLoopRunner starts a LoopRunner.
func NewLoopRunner() *LoopRunner {
	r := &LoopRunner{
		wakeup:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *LoopRunner) run() {
	defer close(r.stopped)

	for {
		select {
		case <-r.done:
			return
		case <-r.wakeup:
		}

		for {
			r.mu.Lock()
			if len(r.tasks) == 0 {
				r.mu.Unlock()
				break
			}
			task := r.tasks[0]
			r.tasks[0] = nil
			r.tasks = r.tasks[1:]
			r.mu.Unlock()

			select {
			case <-r.done:
				return
			default:
			}
			task()
		}
	}
}

// PostTask queues task to run as soon as possible.
func (r *LoopRunner) PostTask(task func()) {
	r.mu.Lock()
	r.tasks = append(r.tasks, task)
	r.mu.Unlock()

	select {
	case r.wakeup <- struct{}{}:
	default:
	}
}

// PostDelayedTask queues task to run after delay.
func (r *LoopRunner) PostDelayedTask(task func(), delay time.Duration) {
	time.AfterFunc(delay, func() {
		r.PostTask(task)
	})
}

// Stop ends the loop and waits for a running task to return. Tasks still
// queued are discarded.
func (r *LoopRunner) Stop() {
	r.once.Do(func() {
		close(r.done)
	})
	<-r.stopped
}

// ScheduledTask is one task held by a ManualTaskRunner.
type ScheduledTask struct {
	Task  func()
	Delay time.Duration
}

// ManualTaskRunner holds posted tasks until they are run explicitly. It is
// meant for tests that need deterministic scheduling.
type ManualTaskRunner struct {
	mu    sync.Mutex
	tasks []ScheduledTask
}

// PostTask implements TaskRunner.
func (r *ManualTaskRunner) PostTask(task func()) {
	r.PostDelayedTask(task, 0)
}

// PostDelayedTask implements TaskRunner. The delay is recorded, not waited
// for.
func (r *ManualTaskRunner) PostDelayedTask(task func(), delay time.Duration) {
	r.mu.Lock()
	r.tasks = append(r.tasks, ScheduledTask{Task: task, Delay: delay})
	r.mu.Unlock()
}

// Pending returns the queued tasks in posting order.
func (r *ManualTaskRunner) Pending() []ScheduledTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ScheduledTask(nil), r.tasks...)
}

// Len is the number of queued tasks.
func (r *ManualTaskRunner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// RunNext runs the oldest queued task and returns its delay. It reports
// false if nothing was queued.
func (r *ManualTaskRunner) RunNext() (time.Duration, bool) {
	r.mu.Lock()
	if len(r.tasks) == 0 {
		r.mu.Unlock()
		return 0, false
	}
	t := r.tasks[0]
	r.tasks = r.tasks[1:]
	r.mu.Unlock()

	t.Task()
	return t.Delay, true
}

// RunAll runs queued tasks, including ones posted while running, until none
// remain.
func (r *ManualTaskRunner) RunAll() int {
	n := 0
	for {
		if _, ok := r.RunNext(); !ok {
			return n
		}
		n++
	}
}
