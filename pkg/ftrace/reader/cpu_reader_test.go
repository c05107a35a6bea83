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
	"fmt"
	"sync"
	"testing"

	"github.com/capsule8/ftrace/pkg/ftrace"
	"github.com/capsule8/ftrace/pkg/ftrace/bundle"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collectSink struct {
	mu      sync.Mutex
	bundles []*bundle.Bundle
}

func (s *collectSink) OnBundle(b *bundle.Bundle) {
	s.mu.Lock()
	s.bundles = append(s.bundles, b)
	s.mu.Unlock()
}

func (s *collectSink) get() []*bundle.Bundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*bundle.Bundle(nil), s.bundles...)
}

func printPage(timestamp uint64, lost bool, pids ...int32) []byte {
	p := pageBuilder{timestamp: timestamp}
	for _, pid := range pids {
		p.record(1, printRecord(pid, "x"))
	}
	return p.page(lost)
}

func TestDrainNoPages(t *testing.T) {
	table := newTestTable(t)
	sink := &collectSink{}
	targets := []Target{{Filter: ftrace.NewEventFilter(table, nil), Sink: sink}}

	require.NoError(t, drainPages(0, nil, table, targets))
	assert.Empty(t, sink.get())
}

func TestDrainMultipleTargets(t *testing.T) {
	table := newTestTable(t)
	prints := &collectSink{}
	nothing := &collectSink{}
	targets := []Target{
		{Filter: ftrace.NewEventFilter(table, []string{"print"}), Sink: prints},
		{Filter: ftrace.NewEventFilter(table, []string{"sched_switch"}), Sink: nothing},
	}

	pages := [][]byte{printPage(10, false, 1, 2), printPage(20, false, 3)}
	require.NoError(t, drainPages(3, pages, table, targets))

	require.Len(t, prints.get(), 1)
	b := prints.get()[0]
	assert.Equal(t, uint32(3), b.CPU)
	require.Len(t, b.Events, 3)
	assert.Equal(t, int32(3), b.Events[2].Pid)
	assert.Equal(t, uint64(21), b.Events[2].Timestamp)

	// A target with nothing enabled still sees that the pages were read.
	require.Len(t, nothing.get(), 1)
	assert.True(t, nothing.get()[0].Empty())
}

func TestDrainSplitsOnLostEvents(t *testing.T) {
	table := newTestTable(t)
	sink := &collectSink{}
	targets := []Target{{Filter: ftrace.NewEventFilter(table, []string{"print"}), Sink: sink}}

	pages := [][]byte{
		printPage(10, true, 1),
		printPage(20, false, 2),
		printPage(30, true, 3),
	}
	require.NoError(t, drainPages(0, pages, table, targets))

	bundles := sink.get()
	require.Len(t, bundles, 2)
	assert.True(t, bundles[0].LostEvents)
	require.Len(t, bundles[0].Events, 2)
	assert.True(t, bundles[1].LostEvents)
	require.Len(t, bundles[1].Events, 1)
	assert.Equal(t, int32(3), bundles[1].Events[0].Pid)
}

func TestDrainSkipsBadPages(t *testing.T) {
	table := newTestTable(t)
	sink := &collectSink{}
	targets := []Target{{Filter: ftrace.NewEventFilter(table, []string{"print"}), Sink: sink}}

	bad := pageBuilder{timestamp: 1}
	bad.record(0, printRecord(7, "lost"))
	bad.padding(0, 8)

	pages := [][]byte{printPage(10, false, 1), bad.page(false), printPage(20, false, 2)}
	err := drainPages(0, pages, table, targets)
	assert.ErrorIs(t, err, ErrPaddingZeroDelta)

	bundles := sink.get()
	require.Len(t, bundles, 1)
	require.Len(t, bundles[0].Events, 2)
	assert.Equal(t, int32(1), bundles[0].Events[0].Pid)
	assert.Equal(t, int32(2), bundles[0].Events[1].Pid)
}

func TestDrainFlushesInternedComms(t *testing.T) {
	table := newTestTable(t)
	sink := &collectSink{}
	targets := []Target{{
		Filter:       ftrace.NewEventFilter(table, []string{"sched_switch"}),
		CompactSched: ftrace.CreateCompactSchedConfig(true, table.CompactSchedFormat()),
		Sink:         sink,
	}}
	require.True(t, targets[0].CompactSched.Enabled)

	var pages [][]byte
	comm := 0
	for _, n := range []int{40, 30, 5} {
		p := pageBuilder{timestamp: 100 + uint64(len(pages))*1000}
		for i := 0; i < n; i++ {
			p.record(1, switchRecord(1, 0, fmt.Sprintf("task-%d", comm), int32(comm)))
			comm++
		}
		pages = append(pages, p.page(false))
	}
	require.NoError(t, drainPages(0, pages, table, targets))

	bundles := sink.get()
	require.Len(t, bundles, 2)
	require.NotNil(t, bundles[0].CompactSched)
	assert.Equal(t, 70, bundles[0].CompactSched.SwitchCount())
	assert.Len(t, bundles[0].CompactSched.InternTable, 70)
	require.NotNil(t, bundles[1].CompactSched)
	assert.Equal(t, 5, bundles[1].CompactSched.SwitchCount())
	assert.Equal(t, []string{"task-70", "task-71", "task-72", "task-73", "task-74"},
		bundles[1].CompactSched.InternTable)
	assert.Empty(t, bundles[0].Events)
}

func TestPageQueue(t *testing.T) {
	q := newPageQueue(16)

	page := q.getPage()
	assert.Len(t, page, 16)
	require.True(t, q.push(page))
	q.markShortRead()
	assert.Equal(t, 1, q.len())

	pages, shortRead := q.take()
	assert.Len(t, pages, 1)
	assert.True(t, shortRead)
	assert.Equal(t, 0, q.len())

	q.release(pages)
	assert.Len(t, q.free, 1)

	_, shortRead = q.take()
	assert.False(t, shortRead)

	q.close()
	assert.False(t, q.push(q.getPage()))
}

func TestPageQueueBlocksWhenFull(t *testing.T) {
	q := newPageQueue(8)
	for i := 0; i < maxStagedPages; i++ {
		require.True(t, q.push(q.getPage()))
	}

	pushed := make(chan bool)
	go func() {
		pushed <- q.push(q.getPage())
	}()

	pages, _ := q.take()
	assert.Len(t, pages, maxStagedPages)
	assert.True(t, <-pushed)
	assert.Equal(t, 1, q.len())
}
