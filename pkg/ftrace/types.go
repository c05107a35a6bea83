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

// Package ftrace builds the translation table that maps kernel ftrace event
// layouts, as published in the tracing filesystem, onto output messages.
package ftrace

import "fmt"

// FtraceFieldType is the kernel-side semantic type of a field.
type FtraceFieldType int

// Kernel field types.
const (
	FtraceInvalid FtraceFieldType = iota
	FtraceUint8
	FtraceUint16
	FtraceUint32
	FtraceUint64
	FtraceInt8
	FtraceInt16
	FtraceInt32
	FtraceInt64
	FtraceFixedCString
	FtraceCString
	FtraceStringPtr
	FtraceBool
	FtraceInode32
	FtraceInode64
	FtracePid32
	FtraceCommonPid32
	FtraceDevID32
	FtraceDevID64
	FtraceDataLoc
	FtraceSymAddr64
	FtraceUint32Array
	FtraceUint64Array
)

var ftraceFieldTypeNames = map[FtraceFieldType]string{
	FtraceInvalid:      "invalid",
	FtraceUint8:        "uint8",
	FtraceUint16:       "uint16",
	FtraceUint32:       "uint32",
	FtraceUint64:       "uint64",
	FtraceInt8:         "int8",
	FtraceInt16:        "int16",
	FtraceInt32:        "int32",
	FtraceInt64:        "int64",
	FtraceFixedCString: "fixed length null terminated string",
	FtraceCString:      "null terminated string",
	FtraceStringPtr:    "string ptr",
	FtraceBool:         "bool",
	FtraceInode32:      "ino 32",
	FtraceInode64:      "ino 64",
	FtracePid32:        "pid32",
	FtraceCommonPid32:  "common_pid32",
	FtraceDevID32:      "devid32",
	FtraceDevID64:      "devid64",
	FtraceDataLoc:      "__data_loc",
	FtraceSymAddr64:    "kernel symbol address 64",
	FtraceUint32Array:  "uint32[]",
	FtraceUint64Array:  "uint64[]",
}

func (t FtraceFieldType) String() string {
	if name, ok := ftraceFieldTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("FtraceFieldType(%d)", int(t))
}

// ProtoFieldType is the semantic type of an output field.
type ProtoFieldType int

// Output field types.
const (
	ProtoInvalid ProtoFieldType = iota
	ProtoInt32
	ProtoInt64
	ProtoUint32
	ProtoUint64
	ProtoString
)

var protoFieldTypeNames = map[ProtoFieldType]string{
	ProtoInvalid: "invalid",
	ProtoInt32:   "int32",
	ProtoInt64:   "int64",
	ProtoUint32:  "uint32",
	ProtoUint64:  "uint64",
	ProtoString:  "string",
}

func (t ProtoFieldType) String() string {
	if name, ok := protoFieldTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ProtoFieldType(%d)", int(t))
}

// TranslationStrategy is the resolved conversion from a kernel field to an
// output field. The zero value means no conversion exists.
type TranslationStrategy int

// Translation strategies.
const (
	StrategyInvalid TranslationStrategy = iota
	Uint8ToUint32
	Uint8ToUint64
	Uint16ToUint32
	Uint16ToUint64
	Uint32ToUint32
	Uint32ToUint64
	Uint64ToUint64
	Int8ToInt32
	Int8ToInt64
	Int16ToInt32
	Int16ToInt64
	Int32ToInt32
	Int32ToInt64
	Int64ToInt64
	FixedCStringToString
	CStringToString
	StringPtrToString
	BoolToUint32
	BoolToUint64
	Inode32ToUint64
	Inode64ToUint64
	Pid32ToInt32
	Pid32ToInt64
	CommonPid32ToInt32
	CommonPid32ToInt64
	DevID32ToUint64
	DevID64ToUint64
	DataLocToString
	FtraceSymAddr64ToUint64
	Uint32ArrayToUint64
	Uint64ArrayToUint64
)

// Field is one column inside one kernel event record.
type Field struct {
	FtraceOffset uint16
	FtraceSize   uint16
	FtraceType   FtraceFieldType
	FtraceName   string

	ProtoFieldID   uint32
	ProtoFieldType ProtoFieldType
	Strategy       TranslationStrategy

	// Symbolize marks a 64-bit address field that holds a kernel symbol.
	Symbolize bool
}

// Event is one kernel event type.
type Event struct {
	Name          string
	Group         string
	Fields        []Field
	FtraceEventID uint32
	ProtoFieldID  uint32

	// Size is the fixed prefix of the record, excluding any trailing
	// variable length data.
	Size uint16
}

// GroupAndName identifies an event by its tracing directory.
type GroupAndName struct {
	Group string
	Name  string
}

func (g GroupAndName) String() string {
	return g.Group + "/" + g.Name
}

// PageHeaderSpec describes the layout of the ring buffer page header as
// reported by events/header_page.
type PageHeaderSpec struct {
	Timestamp Field
	Size      Field
	Overwrite Field
}
