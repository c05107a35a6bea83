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
	"encoding/binary"
	"encoding/hex"
	"os"
	"strings"
	"testing"

	"github.com/capsule8/ftrace/pkg/ftrace"
	"github.com/capsule8/ftrace/pkg/sys/tracefs"

	"github.com/stretchr/testify/require"
)

const testPageSize = 4096

// newTestTable builds a table from the synthetic tracing root shared with
// the ftrace package tests.
func newTestTable(t *testing.T) *ftrace.Table {
	source := tracefs.New(tracefs.NewFileSystem("../testdata/synthetic"))
	table, err := ftrace.Create(source, ftrace.StaticEventInfo(),
		ftrace.StaticCommonFieldsInfo())
	require.NoError(t, err)
	return table
}

// pageFromXxd loads an xxd dump from testdata into a zero padded page.
func pageFromXxd(t *testing.T, name string) []byte {
	data, err := os.ReadFile("testdata/" + name)
	require.NoError(t, err)

	page := make([]byte, 0, testPageSize)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 9 {
			continue
		}
		b, err := hex.DecodeString(strings.Join(fields[1:9], ""))
		require.NoError(t, err, line)
		page = append(page, b...)
	}
	require.LessOrEqual(t, len(page), testPageSize)
	return page[:testPageSize]
}

// pageBuilder assembles ring buffer pages for tests.
type pageBuilder struct {
	timestamp uint64
	data      []byte
}

func (p *pageBuilder) u32(v uint32) {
	p.data = binary.LittleEndian.AppendUint32(p.data, v)
}

// record appends a data record, padding payload to whole words.
func (p *pageBuilder) record(delta uint32, payload []byte) {
	for len(payload)%4 != 0 {
		payload = append(payload, 0)
	}
	p.u32(uint32(len(payload)/4) | delta<<5)
	p.data = append(p.data, payload...)
}

func (p *pageBuilder) padding(delta, length uint32) {
	p.u32(typePadding | delta<<5)
	p.u32(length)
	p.data = append(p.data, make([]byte, length-4)...)
}

func (p *pageBuilder) timeExtend(delta, ext uint32) {
	p.u32(typeTimeExtend | delta<<5)
	p.u32(ext)
}

func (p *pageBuilder) page(lost bool) []byte {
	commit := uint64(len(p.data))
	if lost {
		commit |= lostEventsFlag
	}
	page := binary.LittleEndian.AppendUint64(nil, p.timestamp)
	page = binary.LittleEndian.AppendUint64(page, commit)
	page = append(page, p.data...)
	return append(page, make([]byte, testPageSize-len(page))...)
}

func commonHeader(id uint16, pid int32) []byte {
	b := binary.LittleEndian.AppendUint16(nil, id)
	b = append(b, 0, 0)
	return binary.LittleEndian.AppendUint32(b, uint32(pid))
}

// printRecord is an ftrace/print record as laid out by the synthetic
// format files.
func printRecord(pid int32, s string) []byte {
	b := commonHeader(5, pid)
	b = binary.LittleEndian.AppendUint64(b, 0xffffffff81000000)
	b = append(b, s...)
	return append(b, 0)
}

func fixedComm(s string) []byte {
	b := make([]byte, ftrace.CommLength)
	copy(b, s)
	return b
}

// switchRecord is a sched/sched_switch record as laid out by the synthetic
// format files.
func switchRecord(pid int32, prevState int64, nextComm string, nextPid int32) []byte {
	b := commonHeader(47, pid)
	b = append(b, fixedComm("prev")...)
	b = binary.LittleEndian.AppendUint32(b, uint32(pid))
	b = binary.LittleEndian.AppendUint32(b, 120)
	b = binary.LittleEndian.AppendUint64(b, uint64(prevState))
	b = append(b, fixedComm(nextComm)...)
	b = binary.LittleEndian.AppendUint32(b, uint32(nextPid))
	return binary.LittleEndian.AppendUint32(b, 120)
}

// wakingRecord is a sched/sched_waking record as laid out by the synthetic
// format files.
func wakingRecord(pid int32, comm string, wakee int32, targetCPU int32) []byte {
	b := commonHeader(48, pid)
	b = append(b, fixedComm(comm)...)
	b = binary.LittleEndian.AppendUint32(b, uint32(wakee))
	b = binary.LittleEndian.AppendUint32(b, 100)
	b = binary.LittleEndian.AppendUint32(b, 1)
	return binary.LittleEndian.AppendUint32(b, uint32(targetCPU))
}
