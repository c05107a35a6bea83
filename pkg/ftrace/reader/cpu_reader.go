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

package reader

import (
	"errors"
	"sync"

	"github.com/golang/glog"

	"github.com/capsule8/ftrace/pkg/ftrace"
	"github.com/capsule8/ftrace/pkg/ftrace/bundle"
)

// maxStagedPages bounds how far the reader runs ahead of Drain.
const maxStagedPages = 64

// BundleSink receives the bundles produced by a drain.
type BundleSink interface {
	OnBundle(b *bundle.Bundle)
}

// Target is one consumer of the pages read from a CPU.
type Target struct {
	Filter       *ftrace.EventFilter
	CompactSched ftrace.CompactSchedConfig
	Sink         BundleSink
}

// pageQueue holds pages read from a trace pipe until they are drained. It
// is shared between the reading goroutine and Drain.
type pageQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	pages     [][]byte
	free      [][]byte
	shortRead bool
	closed    bool
	pageSize  int
}

func newPageQueue(pageSize int) *pageQueue {
	q := &pageQueue{pageSize: pageSize}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// getPage returns a buffer to read a page into.
func (q *pageQueue) getPage() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n := len(q.free); n > 0 {
		page := q.free[n-1]
		q.free = q.free[:n-1]
		return page
	}
	return make([]byte, q.pageSize)
}

// push stages a full page. It blocks while the queue is full and reports
// false once the queue is closed.
func (q *pageQueue) push(page []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.pages) >= maxStagedPages && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return false
	}
	q.pages = append(q.pages, page)
	return true
}

func (q *pageQueue) recycle(page []byte) {
	q.mu.Lock()
	q.free = append(q.free, page)
	q.mu.Unlock()
}

func (q *pageQueue) markShortRead() {
	q.mu.Lock()
	q.shortRead = true
	q.mu.Unlock()
}

// full reports whether push would block.
func (q *pageQueue) full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pages) >= maxStagedPages
}

func (q *pageQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pages)
}

// take removes every staged page and clears the short read flag.
func (q *pageQueue) take() ([][]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pages := q.pages
	q.pages = nil
	shortRead := q.shortRead
	q.shortRead = false
	q.cond.Broadcast()
	return pages, shortRead
}

func (q *pageQueue) release(pages [][]byte) {
	q.mu.Lock()
	q.free = append(q.free, pages...)
	q.mu.Unlock()
}

func (q *pageQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// targetState is the bundle being built for one Target during a drain.
type targetState struct {
	target  *Target
	cpu     uint32
	current *bundle.Bundle
	compact *bundle.CompactSchedBuffer
}

func (s *targetState) finish() {
	if s.compact != nil {
		s.compact.WriteAndReset(s.current)
	}
	s.target.Sink.OnBundle(s.current)
	s.current = bundle.New(s.cpu)
}

// drainPages parses pages for every target and hands the resulting bundles
// to the targets' sinks. A target's bundle is completed early when a page
// reports lost events, so the loss is attributed to the right bundle, or when
// too many comms have been interned. Every target receives at least one
// bundle if there was at least one page. Pages that fail to parse are
// skipped; the first error is returned.
func drainPages(cpu int, pages [][]byte, table *ftrace.Table, targets []Target) error {
	if len(pages) == 0 {
		return nil
	}

	table.RLock()
	defer table.RUnlock()

	commitSize := table.PageHeaderSpec().Size.FtraceSize

	var firstErr error
	for i := range targets {
		state := targetState{
			target:  &targets[i],
			cpu:     uint32(cpu),
			current: bundle.New(uint32(cpu)),
		}
		if targets[i].CompactSched.Enabled {
			state.compact = &bundle.CompactSchedBuffer{}
		}

		for _, page := range pages {
			header, err := ParsePageHeader(page, commitSize)
			if err != nil {
				glog.Warningf("cpu %d: bad page header: %v", cpu, err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if header.LostEvents && !state.current.Empty() {
				state.finish()
			}

			if _, err := ParsePage(page, state.target.Filter, table,
				state.compact, state.current); err != nil {
				glog.Warningf("cpu %d: couldn't parse page: %v", cpu, err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}

			if state.compact != nil &&
				state.compact.InternedCommsSize() > bundle.InternFlushThreshold {
				state.finish()
			}
		}

		state.finish()
	}

	return firstErr
}

// drain consumes every staged page of q.
func drain(cpu int, q *pageQueue, table *ftrace.Table, targets []Target) error {
	pages, shortRead := q.take()
	defer q.release(pages)

	err := drainPages(cpu, pages, table, targets)
	if shortRead {
		err = errors.Join(ErrShortRead, err)
	}
	return err
}
