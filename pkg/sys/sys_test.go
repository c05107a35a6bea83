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

package sys

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKallsyms(t *testing.T) {
	symbols, err := ParseKallsyms(strings.NewReader(
		"ffffffff81000010 T b\nffffffff81000000 T a\nshort\n" +
			"ffffffffc0000000 t m [mod]\n"))
	require.NoError(t, err)
	assert.Equal(t, []Symbol{
		{Addr: 0xffffffff81000000, Type: 'T', Name: "a"},
		{Addr: 0xffffffff81000010, Type: 'T', Name: "b"},
		{Addr: 0xffffffffc0000000, Type: 't', Name: "m", Module: "mod"},
	}, symbols)
}

func TestKernelSymbols(t *testing.T) {
	k, err := LoadKernelSymbols("testdata", 2)
	require.NoError(t, err)
	assert.Equal(t, 7, k.Len())

	sym, off, ok := k.Lookup(0xffffffff810a5c20)
	require.True(t, ok)
	assert.Equal(t, "__schedule", sym.Name)
	assert.Equal(t, uint64(0x10), off)

	_, _, ok = k.Lookup(0x1000)
	assert.False(t, ok)

	for i := 0; i < 2; i++ {
		assert.Equal(t, "__schedule+0x10", k.Format(0xffffffff810a5c20))
		assert.Equal(t, "ttwu_do_wakeup", k.Format(0xffffffff810a2e70))
		assert.Equal(t, "ext4_sync_file+0x8 [ext4]", k.Format(0xffffffffc0402008))
		assert.Equal(t, "0x10", k.Format(0x10))
	}
}

func TestKernelSymbolsHidden(t *testing.T) {
	symbols, err := ParseKallsyms(strings.NewReader(
		"0000000000000000 T a\n0000000000000000 T b\n"))
	require.NoError(t, err)

	_, err = NewKernelSymbols(symbols, 16)
	assert.ErrorIs(t, err, ErrHiddenSymbols)
}

func TestLoadKernelSymbolsMissing(t *testing.T) {
	_, err := LoadKernelSymbols(t.TempDir(), 16)
	assert.Error(t, err)
}

func TestParseKernelVersion(t *testing.T) {
	for _, tt := range []struct {
		release                string
		major, minor, sublevel int
	}{
		{"4.15.0-20-generic", 4, 15, 0},
		{"3.10.49-g4e7f1b9", 3, 10, 49},
		{"6.1", 6, 1, 0},
		{"5.10.300", 5, 10, 300},
		{"", 0, 0, 0},
	} {
		major, minor, sublevel := ParseKernelVersion(tt.release)
		assert.Equal(t, []int{tt.major, tt.minor, tt.sublevel},
			[]int{major, minor, sublevel}, tt.release)
	}

	assert.Equal(t, uint32(0x040f00), KernelVersionCode(4, 15, 0))
	assert.Equal(t, uint32(0x050aff), KernelVersionCode(5, 10, 300))
}

func TestKernelRelease(t *testing.T) {
	release, err := KernelRelease()
	require.NoError(t, err)
	assert.NotEmpty(t, release)
}

func TestCurrentMonotonicRaw(t *testing.T) {
	a := CurrentMonotonicRaw()
	b := CurrentMonotonicRaw()
	assert.LessOrEqual(t, a, b)
}
