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

	"github.com/capsule8/ftrace/pkg/ftrace"
	"github.com/capsule8/ftrace/pkg/ftrace/bundle"

	"golang.org/x/sys/unix"
)

// Size of the common header every record starts with: type, flags,
// preempt_count and pid.
const commonHeaderSize = 8

// TranslateBlockDeviceID converts a kernel encoded dev_t (12 bit major in
// the top bits, 20 bit minor below) to the userspace encoding.
func TranslateBlockDeviceID(kernelDev uint64) uint64 {
	major := uint32(kernelDev >> 20)
	minor := uint32(kernelDev & ((1 << 20) - 1))
	return unix.Mkdev(major, minor)
}

// ParseEvent translates one data record. The record starts with the common
// header and extends to the end of the ring buffer record.
func ParseEvent(id uint16, record []byte, table *ftrace.Table, out *bundle.Event) error {
	event := table.EventByID(uint32(id))
	if event == nil {
		return ErrUnknownEvent
	}
	if int(event.Size) > len(record) {
		return ErrEventTooShort
	}

	var (
		pos           int
		commonType    uint16
		commonFlags   uint8
		commonPreempt uint8
		pid           int32
	)
	if !readAndAdvance(record, &pos, &commonType) ||
		!readAndAdvance(record, &pos, &commonFlags) ||
		!readAndAdvance(record, &pos, &commonPreempt) ||
		!readAndAdvance(record, &pos, &pid) {
		return ErrShortRead
	}
	if commonType != id {
		return ErrEventIDMismatch
	}
	out.Pid = pid

	for i := range table.CommonFields() {
		if err := parseField(&table.CommonFields()[i], record, table, &out.Common); err != nil {
			return err
		}
	}

	out.Payload.FieldID = event.ProtoFieldID
	for i := range event.Fields {
		if err := parseField(&event.Fields[i], record, table, &out.Payload); err != nil {
			return err
		}
	}
	return nil
}

func readField[T fixedInt](record []byte, field *ftrace.Field) (T, error) {
	v, ok := readAt[T](record, int(field.FtraceOffset))
	if !ok {
		return 0, ErrShortRead
	}
	return v, nil
}

func appendUnsigned[T uint8 | uint16 | uint32 | uint64](record []byte, field *ftrace.Field, out *bundle.Message) error {
	v, err := readField[T](record, field)
	if err != nil {
		return err
	}
	out.AppendUint(field.ProtoFieldID, uint64(v))
	return nil
}

func appendSigned[T int8 | int16 | int32 | int64](record []byte, field *ftrace.Field, out *bundle.Message) error {
	v, err := readField[T](record, field)
	if err != nil {
		return err
	}
	out.AppendInt(field.ProtoFieldID, int64(v))
	return nil
}

func appendArray[T uint32 | uint64](record []byte, field *ftrace.Field, out *bundle.Message) error {
	n := int(field.FtraceSize) / sizeOf[T]()
	start := int(field.FtraceOffset)
	if start+int(field.FtraceSize) > len(record) {
		return ErrShortRead
	}
	for i := 0; i < n; i++ {
		v, _ := readAt[T](record, start+i*sizeOf[T]())
		out.AppendUint(field.ProtoFieldID, uint64(v))
	}
	return nil
}

func parseDataLoc(record []byte, field *ftrace.Field, out *bundle.Message) error {
	data, err := readField[uint32](record, field)
	if err != nil {
		return err
	}

	offset := int(data & 0xffff)
	length := int(data >> 16)
	if length == 0 {
		return nil
	}
	if offset+length > len(record) {
		return ErrDataLocOverflow
	}
	out.AppendString(field.ProtoFieldID, cString(record[offset:offset+length]))
	return nil
}

func parseStringPtr(record []byte, field *ftrace.Field, table *ftrace.Table, out *bundle.Message) error {
	var addr uint64
	if field.FtraceSize >= 8 {
		v, err := readField[uint64](record, field)
		if err != nil {
			return err
		}
		addr = v
	} else {
		v, err := readField[uint32](record, field)
		if err != nil {
			return err
		}
		addr = uint64(v)
	}
	if s, ok := table.PrintkFormat(addr); ok {
		out.AppendString(field.ProtoFieldID, s)
	}
	return nil
}

func parseField(field *ftrace.Field, record []byte, table *ftrace.Table, out *bundle.Message) error {
	switch field.Strategy {
	case ftrace.Uint8ToUint32, ftrace.Uint8ToUint64, ftrace.BoolToUint32,
		ftrace.BoolToUint64:
		return appendUnsigned[uint8](record, field, out)
	case ftrace.Uint16ToUint32, ftrace.Uint16ToUint64:
		return appendUnsigned[uint16](record, field, out)
	case ftrace.Uint32ToUint32, ftrace.Uint32ToUint64, ftrace.Inode32ToUint64:
		return appendUnsigned[uint32](record, field, out)
	case ftrace.Uint64ToUint64, ftrace.Inode64ToUint64,
		ftrace.FtraceSymAddr64ToUint64:
		return appendUnsigned[uint64](record, field, out)
	case ftrace.Int8ToInt32, ftrace.Int8ToInt64:
		return appendSigned[int8](record, field, out)
	case ftrace.Int16ToInt32, ftrace.Int16ToInt64:
		return appendSigned[int16](record, field, out)
	case ftrace.Int32ToInt32, ftrace.Int32ToInt64, ftrace.Pid32ToInt32,
		ftrace.Pid32ToInt64, ftrace.CommonPid32ToInt32,
		ftrace.CommonPid32ToInt64:
		return appendSigned[int32](record, field, out)
	case ftrace.Int64ToInt64:
		return appendSigned[int64](record, field, out)
	case ftrace.DevID32ToUint64:
		v, err := readField[uint32](record, field)
		if err != nil {
			return err
		}
		out.AppendUint(field.ProtoFieldID, TranslateBlockDeviceID(uint64(v)))
		return nil
	case ftrace.DevID64ToUint64:
		v, err := readField[uint64](record, field)
		if err != nil {
			return err
		}
		out.AppendUint(field.ProtoFieldID, TranslateBlockDeviceID(v))
		return nil
	case ftrace.FixedCStringToString:
		start := int(field.FtraceOffset)
		end := start + int(field.FtraceSize)
		if end > len(record) {
			return ErrShortRead
		}
		out.AppendString(field.ProtoFieldID, cString(record[start:end]))
		return nil
	case ftrace.CStringToString:
		start := int(field.FtraceOffset)
		if start > len(record) {
			return ErrShortRead
		}
		out.AppendString(field.ProtoFieldID, cString(record[start:]))
		return nil
	case ftrace.StringPtrToString:
		return parseStringPtr(record, field, table, out)
	case ftrace.DataLocToString:
		return parseDataLoc(record, field, out)
	case ftrace.Uint32ArrayToUint64:
		return appendArray[uint32](record, field, out)
	case ftrace.Uint64ArrayToUint64:
		return appendArray[uint64](record, field, out)
	}
	panic(fmt.Sprintf("internal error: unexpected translation strategy %d for field %s",
		field.Strategy, field.FtraceName))
}

func parseSchedSwitchCompact(record []byte, timestamp uint64,
	format *ftrace.CompactSchedSwitchFormat, buf *bundle.CompactSchedBuffer) error {

	if len(record) < int(format.Size) {
		return ErrEventTooShort
	}

	var prevState int64
	switch format.PrevStateType {
	case ftrace.FtraceInt32:
		v, ok := readAt[int32](record, int(format.PrevStateOffset))
		if !ok {
			return ErrShortRead
		}
		prevState = int64(v)
	default:
		v, ok := readAt[int64](record, int(format.PrevStateOffset))
		if !ok {
			return ErrShortRead
		}
		prevState = v
	}

	nextPid, ok1 := readAt[int32](record, int(format.NextPidOffset))
	nextPrio, ok2 := readAt[int32](record, int(format.NextPrioOffset))
	commEnd := int(format.NextCommOffset) + ftrace.CommLength
	if !ok1 || !ok2 || commEnd > len(record) {
		return ErrShortRead
	}
	nextComm := cString(record[format.NextCommOffset:commEnd])

	buf.AppendSwitch(timestamp, prevState, nextPid, nextPrio, nextComm)
	return nil
}

func parseSchedWakingCompact(record []byte, timestamp uint64,
	format *ftrace.CompactSchedWakingFormat, buf *bundle.CompactSchedBuffer) error {

	if len(record) < int(format.Size) {
		return ErrEventTooShort
	}

	pid, ok1 := readAt[int32](record, int(format.PidOffset))
	targetCPU, ok2 := readAt[int32](record, int(format.TargetCPUOffset))
	prio, ok3 := readAt[int32](record, int(format.PrioOffset))
	commEnd := int(format.CommOffset) + ftrace.CommLength
	if !ok1 || !ok2 || !ok3 || commEnd > len(record) {
		return ErrShortRead
	}
	comm := cString(record[format.CommOffset:commEnd])

	buf.AppendWaking(timestamp, pid, targetCPU, prio, comm)
	return nil
}
