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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInferFtraceType(t *testing.T) {
	type testCase struct {
		typeAndName string
		size        int
		isSigned    bool
		expected    FtraceFieldType
	}

	validTests := []testCase{
		{"char prev_comm[16]", 16, true, FtraceFixedCString},
		{"unsigned long args[6]", 48, false, FtraceUint64Array},
		{"unsigned long args[6]", 24, false, FtraceUint32Array},
		{"__data_loc char[] name", 4, true, FtraceDataLoc},
		{"char[] name", 8, false, FtraceStringPtr},
		{"const char * name", 8, false, FtraceStringPtr},
		{"char buf[]", 0, true, FtraceCString},
		{"char * buf", 0, true, FtraceStringPtr},
		{"bool io_wait", 1, false, FtraceBool},
		{"ino_t ino", 8, false, FtraceInode64},
		{"ino_t ino", 4, false, FtraceInode32},
		{"i_ino ino", 8, false, FtraceInode64},
		{"dev_t dev", 4, false, FtraceDevID32},
		{"dev_t dev", 8, false, FtraceDevID64},
		{"pid_t pid", 4, true, FtracePid32},
		{"int common_pid", 4, true, FtraceCommonPid32},
		{"s8 x", 1, true, FtraceInt8},
		{"u8 x", 1, false, FtraceUint8},
		{"short x", 2, true, FtraceInt16},
		{"unsigned short x", 2, false, FtraceUint16},
		{"int x", 4, true, FtraceInt32},
		{"unsigned int x", 4, false, FtraceUint32},
		{"long x", 8, true, FtraceInt64},
		{"unsigned long x", 8, false, FtraceUint64},
		{"void * caller", 8, false, FtraceUint64},
	}
	for _, tc := range validTests {
		ftraceType, ok := InferFtraceType(tc.typeAndName, tc.size, tc.isSigned)
		assert.True(t, ok, "unexpected failure for %s", tc.typeAndName)
		assert.Equal(t, tc.expected, ftraceType, "bad type for %s", tc.typeAndName)
	}

	invalidTests := []testCase{
		{"__data_loc char[] name", 8, true, FtraceInvalid},
		{"unsigned long args[6]", 20, false, FtraceInvalid},
		{"struct foo bar", 32, false, FtraceInvalid},
		{"int x", 3, true, FtraceInvalid},
		{"char comm[TASK_COMM_LEN]", 16, true, FtraceInvalid},
	}
	for _, tc := range invalidTests {
		_, ok := InferFtraceType(tc.typeAndName, tc.size, tc.isSigned)
		assert.False(t, ok, "unexpected success for %s", tc.typeAndName)
	}
}

func TestSetTranslationStrategy(t *testing.T) {
	strategy, ok := SetTranslationStrategy(FtraceUint32, ProtoUint64)
	assert.True(t, ok)
	assert.Equal(t, Uint32ToUint64, strategy)

	strategy, ok = SetTranslationStrategy(FtraceFixedCString, ProtoString)
	assert.True(t, ok)
	assert.Equal(t, FixedCStringToString, strategy)

	strategy, ok = SetTranslationStrategy(FtraceUint64, ProtoUint32)
	assert.False(t, ok)
	assert.Equal(t, StrategyInvalid, strategy)

	_, ok = SetTranslationStrategy(FtraceInt32, ProtoUint32)
	assert.False(t, ok)

	_, ok = SetTranslationStrategy(FtraceCString, ProtoUint64)
	assert.False(t, ok)
}

func TestInferProtoType(t *testing.T) {
	assert.Equal(t, ProtoString, InferProtoType(FtraceDataLoc))
	assert.Equal(t, ProtoInt64, InferProtoType(FtracePid32))
	assert.Equal(t, ProtoUint64, InferProtoType(FtraceUint8))
	assert.Equal(t, ProtoInvalid, InferProtoType(FtraceInvalid))

	for ftraceType := FtraceUint8; ftraceType <= FtraceUint64Array; ftraceType++ {
		_, ok := SetTranslationStrategy(ftraceType, InferProtoType(ftraceType))
		assert.True(t, ok, "no strategy for %s", ftraceType)
	}
}
