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

package bundle

import "fmt"

const (
	// MaxInternedComms is the capacity of a CommInterner.
	MaxInternedComms = 4096

	// InternFlushThreshold is the number of interned comms past which a
	// reader completes the current bundle.
	InternFlushThreshold = 64
)

// CompactSched carries sched_switch and sched_waking events as parallel
// arrays. Timestamps are deltas from the previous event of the same kind,
// except the first of each which is absolute. Comms are indexes into
// InternTable.
type CompactSched struct {
	InternTable []string

	SwitchTimestamp     []uint64
	SwitchPrevState     []int64
	SwitchNextPid       []int32
	SwitchNextPrio      []int32
	SwitchNextCommIndex []uint32

	WakingTimestamp []uint64
	WakingPid       []int32
	WakingTargetCPU []int32
	WakingPrio      []int32
	WakingCommIndex []uint32
}

// SwitchCount is the number of sched_switch events.
func (c *CompactSched) SwitchCount() int {
	return len(c.SwitchTimestamp)
}

// WakingCount is the number of sched_waking events.
func (c *CompactSched) WakingCount() int {
	return len(c.WakingTimestamp)
}

// CommInterner assigns indexes to comm strings by linear scan. Comms are few
// and short within one bundle, so a scan beats hashing.
type CommInterner struct {
	comms []string
}

// Intern returns the index of comm, adding it if needed. Interning more than
// MaxInternedComms distinct comms panics; callers flush at
// InternFlushThreshold.
func (i *CommInterner) Intern(comm string) uint32 {
	for x, c := range i.comms {
		if c == comm {
			return uint32(x)
		}
	}
	if len(i.comms) >= MaxInternedComms {
		panic(fmt.Sprintf("internal error: comm interner full (%d entries)",
			len(i.comms)))
	}
	i.comms = append(i.comms, comm)
	return uint32(len(i.comms) - 1)
}

// Size is the number of interned comms.
func (i *CommInterner) Size() int {
	return len(i.comms)
}

// Comms returns the interned comms in index order.
func (i *CommInterner) Comms() []string {
	return i.comms
}

// Reset forgets all interned comms.
func (i *CommInterner) Reset() {
	i.comms = nil
}

// CompactSchedBuffer accumulates compact scheduler events between flushes.
type CompactSchedBuffer struct {
	interner CommInterner
	sched    CompactSched

	lastSwitchTimestamp uint64
	lastWakingTimestamp uint64
}

// AppendSwitch adds a sched_switch event.
func (b *CompactSchedBuffer) AppendSwitch(timestamp uint64, prevState int64,
	nextPid, nextPrio int32, nextComm string) {

	delta := timestamp
	if len(b.sched.SwitchTimestamp) > 0 {
		delta = timestamp - b.lastSwitchTimestamp
	}
	b.lastSwitchTimestamp = timestamp

	b.sched.SwitchTimestamp = append(b.sched.SwitchTimestamp, delta)
	b.sched.SwitchPrevState = append(b.sched.SwitchPrevState, prevState)
	b.sched.SwitchNextPid = append(b.sched.SwitchNextPid, nextPid)
	b.sched.SwitchNextPrio = append(b.sched.SwitchNextPrio, nextPrio)
	b.sched.SwitchNextCommIndex = append(b.sched.SwitchNextCommIndex,
		b.interner.Intern(nextComm))
}

// AppendWaking adds a sched_waking event.
func (b *CompactSchedBuffer) AppendWaking(timestamp uint64, pid, targetCPU,
	prio int32, comm string) {

	delta := timestamp
	if len(b.sched.WakingTimestamp) > 0 {
		delta = timestamp - b.lastWakingTimestamp
	}
	b.lastWakingTimestamp = timestamp

	b.sched.WakingTimestamp = append(b.sched.WakingTimestamp, delta)
	b.sched.WakingPid = append(b.sched.WakingPid, pid)
	b.sched.WakingTargetCPU = append(b.sched.WakingTargetCPU, targetCPU)
	b.sched.WakingPrio = append(b.sched.WakingPrio, prio)
	b.sched.WakingCommIndex = append(b.sched.WakingCommIndex,
		b.interner.Intern(comm))
}

// InternedCommsSize is the number of comms interned since the last flush.
func (b *CompactSchedBuffer) InternedCommsSize() int {
	return b.interner.Size()
}

// Empty reports whether no events have been appended since the last flush.
func (b *CompactSchedBuffer) Empty() bool {
	return len(b.sched.SwitchTimestamp) == 0 && len(b.sched.WakingTimestamp) == 0
}

// WriteAndReset moves the accumulated events into out, if there are any, and
// starts a new flush cycle.
func (b *CompactSchedBuffer) WriteAndReset(out *Bundle) {
	if !b.Empty() {
		sched := b.sched
		sched.InternTable = append([]string(nil), b.interner.Comms()...)
		out.CompactSched = &sched
	}
	b.Reset()
}

// Reset discards all accumulated events.
func (b *CompactSchedBuffer) Reset() {
	b.sched = CompactSched{}
	b.interner.Reset()
	b.lastSwitchTimestamp = 0
	b.lastWakingTimestamp = 0
}
