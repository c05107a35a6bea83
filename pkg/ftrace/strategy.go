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

package ftrace

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/golang/glog"
)

var (
	fixedCStringRe = regexp.MustCompile(`char [a-zA-Z_]+\[[0-9]+\]`)
	longArrayRe    = regexp.MustCompile(`^unsigned long [a-zA-Z_]+\[([0-9]+)\]$`)
)

// InferFtraceType determines the kernel-side type of a field from its
// declaration, size and signedness. The order of the checks matters: string
// forms are recognized before the typedef aliases, and plain integers last.
func InferFtraceType(typeAndName string, size int, isSigned bool) (FtraceFieldType, bool) {
	// "char foo[16]": both fixed size and NUL terminated.
	if fixedCStringRe.MatchString(typeAndName) {
		return FtraceFixedCString, true
	}

	// "unsigned long args[6]": array of target width integers.
	if m := longArrayRe.FindStringSubmatch(typeAndName); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 && size%n == 0 {
			switch size / n {
			case 4:
				return FtraceUint32Array, true
			case 8:
				return FtraceUint64Array, true
			}
		}
		glog.Warningf("Array %q has unexpected size %d", typeAndName, size)
		return FtraceInvalid, false
	}

	// "__data_loc char[] foo" only exists as a 4 byte offset/length pair.
	if strings.Contains(typeAndName, "__data_loc char[] ") {
		if size != 4 {
			glog.Warningf("__data_loc with incorrect size: %s (%d)",
				typeAndName, size)
			return FtraceInvalid, false
		}
		return FtraceDataLoc, true
	}

	if strings.Contains(typeAndName, "char[] ") ||
		strings.Contains(typeAndName, "char * ") {
		return FtraceStringPtr, true
	}

	// "char foo" with size 0 is a variable length string, as in print.
	if strings.HasPrefix(typeAndName, "char ") && size == 0 {
		return FtraceCString, true
	}

	if strings.HasPrefix(typeAndName, "bool ") {
		return FtraceBool, true
	}

	if strings.HasPrefix(typeAndName, "ino_t ") ||
		strings.HasPrefix(typeAndName, "i_ino ") {
		switch size {
		case 4:
			return FtraceInode32, true
		case 8:
			return FtraceInode64, true
		}
	}

	if strings.HasPrefix(typeAndName, "dev_t ") {
		switch size {
		case 4:
			return FtraceDevID32, true
		case 8:
			return FtraceDevID64, true
		}
	}

	if strings.HasPrefix(typeAndName, "pid_t ") && size == 4 {
		return FtracePid32, true
	}

	if strings.Contains(typeAndName, "common_pid") && size == 4 {
		return FtraceCommonPid32, true
	}

	switch {
	case size == 1 && isSigned:
		return FtraceInt8, true
	case size == 1:
		return FtraceUint8, true
	case size == 2 && isSigned:
		return FtraceInt16, true
	case size == 2:
		return FtraceUint16, true
	case size == 4 && isSigned:
		return FtraceInt32, true
	case size == 4:
		return FtraceUint32, true
	case size == 8 && isSigned:
		return FtraceInt64, true
	case size == 8:
		return FtraceUint64, true
	}

	glog.V(1).Infof("Could not infer ftrace type for %q", typeAndName)
	return FtraceInvalid, false
}

type typePair struct {
	ftrace FtraceFieldType
	proto  ProtoFieldType
}

var strategies = map[typePair]TranslationStrategy{
	{FtraceUint8, ProtoUint32}:        Uint8ToUint32,
	{FtraceUint8, ProtoUint64}:        Uint8ToUint64,
	{FtraceUint16, ProtoUint32}:       Uint16ToUint32,
	{FtraceUint16, ProtoUint64}:       Uint16ToUint64,
	{FtraceUint32, ProtoUint32}:       Uint32ToUint32,
	{FtraceUint32, ProtoUint64}:       Uint32ToUint64,
	{FtraceUint64, ProtoUint64}:       Uint64ToUint64,
	{FtraceInt8, ProtoInt32}:          Int8ToInt32,
	{FtraceInt8, ProtoInt64}:          Int8ToInt64,
	{FtraceInt16, ProtoInt32}:         Int16ToInt32,
	{FtraceInt16, ProtoInt64}:         Int16ToInt64,
	{FtraceInt32, ProtoInt32}:         Int32ToInt32,
	{FtraceInt32, ProtoInt64}:         Int32ToInt64,
	{FtraceInt64, ProtoInt64}:         Int64ToInt64,
	{FtraceFixedCString, ProtoString}: FixedCStringToString,
	{FtraceCString, ProtoString}:      CStringToString,
	{FtraceStringPtr, ProtoString}:    StringPtrToString,
	{FtraceBool, ProtoUint32}:         BoolToUint32,
	{FtraceBool, ProtoUint64}:         BoolToUint64,
	{FtraceInode32, ProtoUint64}:      Inode32ToUint64,
	{FtraceInode64, ProtoUint64}:      Inode64ToUint64,
	{FtracePid32, ProtoInt32}:         Pid32ToInt32,
	{FtracePid32, ProtoInt64}:         Pid32ToInt64,
	{FtraceCommonPid32, ProtoInt32}:   CommonPid32ToInt32,
	{FtraceCommonPid32, ProtoInt64}:   CommonPid32ToInt64,
	{FtraceDevID32, ProtoUint64}:      DevID32ToUint64,
	{FtraceDevID64, ProtoUint64}:      DevID64ToUint64,
	{FtraceDataLoc, ProtoString}:      DataLocToString,
	{FtraceSymAddr64, ProtoUint64}:    FtraceSymAddr64ToUint64,
	{FtraceUint32Array, ProtoUint64}:  Uint32ArrayToUint64,
	{FtraceUint64Array, ProtoUint64}:  Uint64ArrayToUint64,
}

// SetTranslationStrategy resolves the conversion for a (kernel type, output
// type) pair. It returns false if no conversion exists.
func SetTranslationStrategy(ftraceType FtraceFieldType, protoType ProtoFieldType) (TranslationStrategy, bool) {
	strategy, ok := strategies[typePair{ftraceType, protoType}]
	return strategy, ok
}

// InferProtoType picks an output type for a kernel field that has no
// statically declared output type, as for generic events.
func InferProtoType(ftraceType FtraceFieldType) ProtoFieldType {
	switch ftraceType {
	case FtraceFixedCString, FtraceCString, FtraceStringPtr, FtraceDataLoc:
		return ProtoString
	case FtraceInt8, FtraceInt16, FtraceInt32, FtraceInt64,
		FtracePid32, FtraceCommonPid32:
		return ProtoInt64
	case FtraceUint8, FtraceUint16, FtraceUint32, FtraceUint64,
		FtraceBool, FtraceInode32, FtraceInode64, FtraceDevID32,
		FtraceDevID64, FtraceSymAddr64, FtraceUint32Array,
		FtraceUint64Array:
		return ProtoUint64
	}
	return ProtoInvalid
}
