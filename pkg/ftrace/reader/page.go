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
	"fmt"

	"github.com/capsule8/ftrace/pkg/ftrace"
	"github.com/capsule8/ftrace/pkg/ftrace/bundle"
)

// Record types stored in the low 5 bits of each record header. Values up to
// typeDataMax encode the data length in 4 byte words.
const (
	typeDataMax    = 28
	typePadding    = 29
	typeTimeExtend = 30
	typeTimeStamp  = 31

	timeStampRecordSize = 16
)

const (
	pageSizeMask   = (1 << 27) - 1
	lostEventsFlag = 1 << 31
)

// PageHeader is the parsed header at the start of every ring buffer page.
type PageHeader struct {
	Timestamp  uint64
	Size       uint64
	LostEvents bool

	// HeaderSize is the number of bytes the header occupies; the payload
	// starts there.
	HeaderSize int
}

// ParsePageHeader reads the page timestamp and commit word. commitSize is
// the width of the commit field, 4 or 8 bytes depending on the kernel.
func ParsePageHeader(page []byte, commitSize uint16) (PageHeader, error) {
	var (
		header PageHeader
		pos    int
		commit uint64
	)

	if !readAndAdvance(page, &pos, &header.Timestamp) {
		return PageHeader{}, ErrShortRead
	}

	switch commitSize {
	case 4:
		var v uint32
		if !readAndAdvance(page, &pos, &v) {
			return PageHeader{}, ErrShortRead
		}
		commit = uint64(v)
	case 8:
		if !readAndAdvance(page, &pos, &commit) {
			return PageHeader{}, ErrShortRead
		}
	default:
		return PageHeader{}, fmt.Errorf("unsupported commit size %d", commitSize)
	}

	header.Size = commit & pageSizeMask
	header.LostEvents = commit&lostEventsFlag != 0
	header.HeaderSize = pos

	if uint64(pos)+header.Size > uint64(len(page)) {
		return PageHeader{}, ErrPageOverflow
	}
	return header, nil
}

// ParsePage translates every enabled event on a page into out. If compact is
// not nil, sched_switch and sched_waking are appended to it instead of out.
// It returns the number of bytes of the page that were consumed, including
// the header. On failure any events added to out by this call are removed.
func ParsePage(page []byte, filter *ftrace.EventFilter, table *ftrace.Table,
	compact *bundle.CompactSchedBuffer, out *bundle.Bundle) (int, error) {

	header, err := ParsePageHeader(page, table.PageHeaderSpec().Size.FtraceSize)
	if err != nil {
		return 0, err
	}
	if header.LostEvents {
		out.LostEvents = true
	}

	nEvents := len(out.Events)
	n, err := parsePayload(page, &header, filter, table, compact, out)
	if err != nil {
		for len(out.Events) > nEvents {
			out.RemoveLastEvent()
		}
		return 0, err
	}
	return n, nil
}

func parsePayload(page []byte, header *PageHeader, filter *ftrace.EventFilter,
	table *ftrace.Table, compact *bundle.CompactSchedBuffer,
	out *bundle.Bundle) (int, error) {

	end := header.HeaderSize + int(header.Size)
	payload := page[:end]
	pos := header.HeaderSize
	timestamp := header.Timestamp

	var compactFormat *ftrace.CompactSchedFormat
	if compact != nil {
		f := table.CompactSchedFormat()
		if f.FormatValid {
			compactFormat = &f
		}
	}

	for pos < end {
		var eventHeader uint32
		if !readAndAdvance(payload, &pos, &eventHeader) {
			return 0, ErrShortRead
		}

		typeOrLength := eventHeader & 0x1f
		timeDelta := eventHeader >> 5
		timestamp += uint64(timeDelta)

		switch typeOrLength {
		case typePadding:
			if timeDelta == 0 {
				return 0, ErrPaddingZeroDelta
			}
			var length uint32
			if !readAndAdvance(payload, &pos, &length) {
				return 0, ErrShortRead
			}
			// The length includes the length word itself.
			if length < 4 {
				return 0, ErrShortRead
			}
			pos += int(length) - 4

		case typeTimeExtend:
			var ext uint32
			if !readAndAdvance(payload, &pos, &ext) {
				return 0, ErrShortRead
			}
			timestamp += uint64(ext) << 27

		case typeTimeStamp:
			if end-pos < timeStampRecordSize {
				return 0, ErrShortRead
			}
			pos += timeStampRecordSize

		default:
			if typeOrLength == 0 {
				return 0, ErrExtendedLength
			}

			start := pos
			next := start + 4*int(typeOrLength)
			if next > end {
				return 0, ErrShortRead
			}
			record := payload[start:next]

			id, ok := readAt[uint16](record, 0)
			if !ok {
				return 0, ErrShortRead
			}
			if filter.IsEventEnabled(uint32(id)) {
				if err := parseRecord(id, record, timestamp, table,
					compactFormat, compact, out); err != nil {
					return 0, err
				}
			}
			pos = next
		}
	}

	return end, nil
}

func parseRecord(id uint16, record []byte, timestamp uint64,
	table *ftrace.Table, compactFormat *ftrace.CompactSchedFormat,
	compact *bundle.CompactSchedBuffer, out *bundle.Bundle) error {

	if compactFormat != nil {
		switch uint32(id) {
		case compactFormat.SchedSwitch.EventID:
			return parseSchedSwitchCompact(record, timestamp,
				&compactFormat.SchedSwitch, compact)
		case compactFormat.SchedWaking.EventID:
			return parseSchedWakingCompact(record, timestamp,
				&compactFormat.SchedWaking, compact)
		}
	}

	event := out.AddEvent()
	event.Timestamp = timestamp
	if err := ParseEvent(id, record, table, event); err != nil {
		out.RemoveLastEvent()
		if errors.Is(err, ErrUnknownEvent) {
			// The event was removed from the table after it was
			// enabled. Drop the record.
			return nil
		}
		return err
	}
	return nil
}
