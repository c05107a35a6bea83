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
	"testing"

	"github.com/capsule8/ftrace/pkg/ftrace"
	"github.com/capsule8/ftrace/pkg/ftrace/bundle"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePageHeader(t *testing.T) {
	page := pageFromXxd(t, "single_print.xxd")

	header, err := ParsePageHeader(page, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(607781684646586), header.Timestamp)
	assert.Equal(t, uint64(44), header.Size)
	assert.False(t, header.LostEvents)
	assert.Equal(t, 16, header.HeaderSize)

	header, err = ParsePageHeader(page, 4)
	require.NoError(t, err)
	assert.Equal(t, 12, header.HeaderSize)

	_, err = ParsePageHeader(page, 2)
	assert.Error(t, err)

	_, err = ParsePageHeader(page[:12], 8)
	assert.ErrorIs(t, err, ErrShortRead)

	_, err = ParsePageHeader(page[:50], 8)
	assert.ErrorIs(t, err, ErrPageOverflow)
}

func TestParsePageHeaderLostEvents(t *testing.T) {
	p := pageBuilder{timestamp: 10}
	p.record(0, printRecord(1, "x"))

	header, err := ParsePageHeader(p.page(true), 8)
	require.NoError(t, err)
	assert.True(t, header.LostEvents)
	assert.Equal(t, uint64(len(p.data)), header.Size)
}

func TestParseSinglePrint(t *testing.T) {
	table := newTestTable(t)
	filter := ftrace.NewEventFilter(table, []string{"print"})
	page := pageFromXxd(t, "single_print.xxd")

	out := bundle.New(0)
	n, err := ParsePage(page, filter, table, nil, out)
	require.NoError(t, err)
	assert.Equal(t, 60, n)
	assert.False(t, out.LostEvents)
	require.Len(t, out.Events, 1)

	event := out.Events[0]
	assert.Equal(t, uint64(608934535199296), event.Timestamp)
	assert.Equal(t, int32(28712), event.Pid)
	assert.Equal(t, uint32(ftrace.PrintProtoFieldID), event.Payload.FieldID)

	buf, ok := event.Payload.String(2)
	require.True(t, ok)
	assert.Equal(t, "Hello, world!\n", buf)

	ip, ok := event.Payload.Uint(1)
	require.True(t, ok)
	assert.Equal(t, uint64(0xffffff8661165dac), ip)

	flags, ok := event.Common.Uint(ftrace.CommonFlagsProtoFieldID)
	require.True(t, ok)
	assert.Equal(t, uint64(0), flags)
}

func TestParsePrintNotNullTerminated(t *testing.T) {
	table := newTestTable(t)
	filter := ftrace.NewEventFilter(table, []string{"ftrace/print"})
	page := pageFromXxd(t, "single_print_non_null_terminated.xxd")

	out := bundle.New(0)
	_, err := ParsePage(page, filter, table, nil, out)
	require.NoError(t, err)
	require.Len(t, out.Events, 1)

	buf, ok := out.Events[0].Payload.String(2)
	require.True(t, ok)
	assert.Equal(t, "Hello, world!aaa", buf)
}

func TestParseThreePrints(t *testing.T) {
	table := newTestTable(t)
	filter := ftrace.NewEventFilter(table, []string{"print"})
	page := pageFromXxd(t, "three_prints.xxd")

	out := bundle.New(0)
	_, err := ParsePage(page, filter, table, nil, out)
	require.NoError(t, err)
	require.Len(t, out.Events, 3)

	expected := []struct {
		timestamp uint64
		buf       string
	}{
		{615436216806307, "Hello, world!\n"},
		{615486377231669, "Good afternoon, world!\n"},
		{615495632679049, "Goodbye, world!\n"},
	}
	for i, e := range expected {
		event := out.Events[i]
		assert.Equal(t, e.timestamp, event.Timestamp)
		assert.Equal(t, int32(30693), event.Pid)
		buf, _ := event.Payload.String(2)
		assert.Equal(t, e.buf, buf)
	}
}

func TestParsePageDisabledEvent(t *testing.T) {
	table := newTestTable(t)
	filter := ftrace.NewEventFilter(table, []string{"sched_switch"})
	page := pageFromXxd(t, "three_prints.xxd")

	out := bundle.New(0)
	n, err := ParsePage(page, filter, table, nil, out)
	require.NoError(t, err)
	assert.Equal(t, 16+0x94, n)
	assert.Empty(t, out.Events)
}

func TestParsePageSkipsDisabledRecord(t *testing.T) {
	table := newTestTable(t)
	filter := ftrace.NewEventFilter(table, []string{"print"})

	p := pageBuilder{timestamp: 1000}
	p.record(5, switchRecord(3, 0, "next", 4))
	p.record(7, printRecord(8, "after switch"))

	out := bundle.New(0)
	_, err := ParsePage(p.page(false), filter, table, nil, out)
	require.NoError(t, err)
	require.Len(t, out.Events, 1)

	event := out.Events[0]
	assert.Equal(t, uint64(1012), event.Timestamp)
	assert.Equal(t, int32(8), event.Pid)
	buf, ok := event.Payload.String(2)
	require.True(t, ok)
	assert.Equal(t, "after switch", buf)
}

func TestParseSixSchedSwitch(t *testing.T) {
	table := newTestTable(t)
	filter := ftrace.NewEventFilter(table, []string{"sched/sched_switch"})
	page := pageFromXxd(t, "six_sched_switch.xxd")

	out := bundle.New(0)
	_, err := ParsePage(page, filter, table, nil, out)
	require.NoError(t, err)
	require.Len(t, out.Events, 6)
	assert.Nil(t, out.CompactSched)

	assert.Equal(t, uint64(1045157722134059), out.Events[0].Timestamp)
	assert.Equal(t, uint64(1045157726697236), out.Events[5].Timestamp)

	event := out.Events[1]
	assert.Equal(t, uint64(1045157725034944), event.Timestamp)
	assert.Equal(t, int32(3733), event.Pid)
	assert.Equal(t, uint32(ftrace.SchedSwitchProtoFieldID), event.Payload.FieldID)

	s, _ := event.Payload.String(1)
	assert.Equal(t, "sleep", s)
	i, _ := event.Payload.Int(2)
	assert.Equal(t, int64(3733), i)
	i, _ = event.Payload.Int(3)
	assert.Equal(t, int64(120), i)
	i, _ = event.Payload.Int(4)
	assert.Equal(t, int64(2048), i)
	s, _ = event.Payload.String(5)
	assert.Equal(t, "rcuop/0", s)
	i, _ = event.Payload.Int(6)
	assert.Equal(t, int64(10), i)
	i, _ = event.Payload.Int(7)
	assert.Equal(t, int64(120), i)
}

func TestParseSixSchedSwitchCompact(t *testing.T) {
	table := newTestTable(t)
	require.True(t, table.CompactSchedFormat().FormatValid)
	filter := ftrace.NewEventFilter(table, []string{"sched_switch"})
	page := pageFromXxd(t, "six_sched_switch.xxd")

	var compact bundle.CompactSchedBuffer
	out := bundle.New(0)
	_, err := ParsePage(page, filter, table, &compact, out)
	require.NoError(t, err)
	assert.Empty(t, out.Events)
	assert.Equal(t, 4, compact.InternedCommsSize())

	compact.WriteAndReset(out)
	sched := out.CompactSched
	require.NotNil(t, sched)
	assert.Equal(t, 6, sched.SwitchCount())
	assert.Equal(t, 0, sched.WakingCount())
	assert.Equal(t, []string{"sleep", "rcuop/0", "sh", "kworker/u16:3"}, sched.InternTable)

	assert.Equal(t, uint64(1045157722134059), sched.SwitchTimestamp[0])
	assert.Equal(t, uint64(1045157725034944-1045157722134059), sched.SwitchTimestamp[1])
	assert.Equal(t, int64(1), sched.SwitchPrevState[0])
	assert.Equal(t, int32(3733), sched.SwitchNextPid[0])
	assert.Equal(t, int32(120), sched.SwitchNextPrio[0])
	assert.Equal(t, "sleep", sched.InternTable[sched.SwitchNextCommIndex[0]])
	assert.Equal(t, "kworker/u16:3", sched.InternTable[sched.SwitchNextCommIndex[5]])
	assert.True(t, compact.Empty())
}

func TestParseRecordKinds(t *testing.T) {
	table := newTestTable(t)
	filter := ftrace.NewEventFilter(table, []string{"print"})

	p := pageBuilder{timestamp: 1000}
	p.padding(3, 8)
	p.timeExtend(0, 1)
	p.u32(typeTimeStamp | 5<<5)
	p.data = append(p.data, make([]byte, timeStampRecordSize)...)
	p.record(7, printRecord(72, "Hello, world!\n"))

	out := bundle.New(0)
	n, err := ParsePage(p.page(false), filter, table, nil, out)
	require.NoError(t, err)
	assert.Equal(t, 16+len(p.data), n)
	require.Len(t, out.Events, 1)

	event := out.Events[0]
	assert.Equal(t, uint64(1000+3+1<<27+5+7), event.Timestamp)
	assert.Equal(t, int32(72), event.Pid)
	buf, _ := event.Payload.String(2)
	assert.Equal(t, "Hello, world!\n", buf)
}

func TestParsePageErrors(t *testing.T) {
	table := newTestTable(t)
	filter := ftrace.NewEventFilter(table, []string{"print"})

	testCases := []struct {
		name  string
		build func(p *pageBuilder)
		err   error
	}{
		{
			name: "padding with zero delta",
			build: func(p *pageBuilder) {
				p.padding(0, 8)
			},
			err: ErrPaddingZeroDelta,
		},
		{
			name: "padding shorter than its length word",
			build: func(p *pageBuilder) {
				p.u32(typePadding | 1<<5)
				p.u32(2)
			},
			err: ErrShortRead,
		},
		{
			name: "extended length",
			build: func(p *pageBuilder) {
				p.u32(0)
				p.u32(8)
			},
			err: ErrExtendedLength,
		},
		{
			name: "record past the end of the page data",
			build: func(p *pageBuilder) {
				p.u32(8)
				p.data = append(p.data, printRecord(1, "abc")...)
			},
			err: ErrShortRead,
		},
		{
			name: "truncated time extend",
			build: func(p *pageBuilder) {
				p.u32(typeTimeExtend)
			},
			err: ErrShortRead,
		},
		{
			name: "record shorter than the event",
			build: func(p *pageBuilder) {
				p.record(0, printRecord(1, "ok"))
				p.record(0, commonHeader(5, 1))
			},
			err: ErrEventTooShort,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := pageBuilder{timestamp: 1}
			tc.build(&p)

			out := bundle.New(0)
			existing := out.AddEvent()
			existing.Pid = 99

			n, err := ParsePage(p.page(false), filter, table, nil, out)
			assert.ErrorIs(t, err, tc.err)
			assert.Equal(t, 0, n)
			require.Len(t, out.Events, 1)
			assert.Equal(t, int32(99), out.Events[0].Pid)
		})
	}
}

func TestParsePageDropsUnknownEvent(t *testing.T) {
	table := newTestTable(t)
	filter := ftrace.NewEventFilter(table, []string{"print"})
	filter.AddEnabledEvent(999)

	p := pageBuilder{timestamp: 1}
	p.record(0, commonHeader(999, 5))
	p.record(0, printRecord(6, "kept"))

	out := bundle.New(0)
	_, err := ParsePage(p.page(false), filter, table, nil, out)
	require.NoError(t, err)
	require.Len(t, out.Events, 1)
	assert.Equal(t, int32(6), out.Events[0].Pid)
}

func TestParsePageCompactWaking(t *testing.T) {
	table := newTestTable(t)
	filter := ftrace.NewEventFilter(table, []string{"sched_switch", "sched_waking", "print"})

	p := pageBuilder{timestamp: 100}
	p.record(0, wakingRecord(1, "cat", 42, 3))
	p.record(10, switchRecord(1, 0, "cat", 42))
	p.record(5, wakingRecord(42, "dog", 43, 2))
	p.record(1, printRecord(42, "hi"))

	var compact bundle.CompactSchedBuffer
	out := bundle.New(0)
	_, err := ParsePage(p.page(false), filter, table, &compact, out)
	require.NoError(t, err)
	require.Len(t, out.Events, 1)
	assert.Equal(t, uint64(116), out.Events[0].Timestamp)

	compact.WriteAndReset(out)
	sched := out.CompactSched
	require.NotNil(t, sched)
	assert.Equal(t, 1, sched.SwitchCount())
	assert.Equal(t, 2, sched.WakingCount())
	assert.Equal(t, []string{"cat", "dog"}, sched.InternTable)
	assert.Equal(t, []uint64{100, 15}, sched.WakingTimestamp)
	assert.Equal(t, []int32{42, 43}, sched.WakingPid)
	assert.Equal(t, []int32{3, 2}, sched.WakingTargetCPU)
	assert.Equal(t, []int32{100, 100}, sched.WakingPrio)
	assert.Equal(t, []uint64{110}, sched.SwitchTimestamp)
}

func TestParsePageCompactWithoutValidFormat(t *testing.T) {
	table := ftrace.NewTable(nil, nil, ftrace.DefaultPageHeaderSpec())
	filter := ftrace.NewEventFilter(table, nil)
	filter.AddEnabledEvent(47)

	p := pageBuilder{timestamp: 1}
	p.record(0, switchRecord(1, 0, "x", 2))

	var compact bundle.CompactSchedBuffer
	out := bundle.New(0)
	_, err := ParsePage(p.page(false), filter, table, &compact, out)
	require.NoError(t, err)
	assert.Empty(t, out.Events)
	assert.True(t, compact.Empty())
}
