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

	"github.com/stretchr/testify/assert"
)

func TestReadAt(t *testing.T) {
	buf := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	v16, ok := readAt[uint16](buf, 0)
	assert.True(t, ok)
	assert.Equal(t, uint16(0x0201), v16)

	v64, ok := readAt[uint64](buf, 0)
	assert.True(t, ok)
	assert.Equal(t, uint64(0x0807060504030201), v64)

	_, ok = readAt[uint64](buf[:7], 0)
	assert.False(t, ok)

	_, ok = readAt[uint32](buf, 5)
	assert.False(t, ok)

	_, ok = readAt[uint8](buf, 8)
	assert.False(t, ok)

	_, ok = readAt[uint8](buf, -1)
	assert.False(t, ok)

	i8, ok := readAt[int8]([]byte{0xfe}, 0)
	assert.True(t, ok)
	assert.Equal(t, int8(-2), i8)
}

func TestReadAndAdvance(t *testing.T) {
	buf := []byte{1, 0, 0, 0, 2, 0, 0}

	var (
		pos int
		v   uint32
	)
	assert.True(t, readAndAdvance(buf, &pos, &v))
	assert.Equal(t, uint32(1), v)
	assert.Equal(t, 4, pos)

	assert.False(t, readAndAdvance(buf, &pos, &v))
	assert.Equal(t, uint32(1), v)
	assert.Equal(t, 4, pos)
}

func TestCString(t *testing.T) {
	assert.Equal(t, "abc", cString([]byte("abc\x00def")))
	assert.Equal(t, "abc", cString([]byte("abc")))
	assert.Equal(t, "", cString([]byte{0, 'a'}))
	assert.Equal(t, "", cString(nil))
}
