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
	"bytes"
	"encoding/binary"
)

type fixedInt interface {
	uint8 | uint16 | uint32 | uint64 | int8 | int16 | int32 | int64
}

func sizeOf[T fixedInt]() int {
	var v T
	switch any(v).(type) {
	case uint8, int8:
		return 1
	case uint16, int16:
		return 2
	case uint32, int32:
		return 4
	}
	return 8
}

// readAt decodes a little endian T at buf[pos:]. It returns false if the
// value does not fit.
func readAt[T fixedInt](buf []byte, pos int) (T, bool) {
	n := sizeOf[T]()
	if pos < 0 || pos > len(buf) || n > len(buf)-pos {
		return 0, false
	}

	b := buf[pos : pos+n]
	switch n {
	case 1:
		return T(b[0]), true
	case 2:
		return T(binary.LittleEndian.Uint16(b)), true
	case 4:
		return T(binary.LittleEndian.Uint32(b)), true
	}
	return T(binary.LittleEndian.Uint64(b)), true
}

// readAndAdvance decodes a little endian T at buf[*pos:] and advances *pos
// past it. On failure neither *out nor *pos is modified.
func readAndAdvance[T fixedInt](buf []byte, pos *int, out *T) bool {
	v, ok := readAt[T](buf, *pos)
	if !ok {
		return false
	}
	*out = v
	*pos += sizeOf[T]()
	return true
}

// cString returns b up to, not including, the first NUL.
func cString(b []byte) string {
	if x := bytes.IndexByte(b, 0); x != -1 {
		b = b[:x]
	}
	return string(b)
}
