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
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/golang/glog"
	lru "github.com/hashicorp/golang-lru"
)

// ErrHiddenSymbols is returned when kallsyms reports every address as 0,
// which the kernel does for unprivileged readers under kptr_restrict.
var ErrHiddenSymbols = errors.New("kernel symbol addresses are hidden")

// Symbol is one kallsyms entry.
type Symbol struct {
	Addr   uint64
	Type   byte
	Name   string
	Module string
}

// ParseKallsyms reads lines of the form "ffffffff81000000 T _text [mod]".
// Malformed lines are skipped. The result is sorted by address.
func ParseKallsyms(r io.Reader) ([]Symbol, error) {
	var symbols []Symbol

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || len(fields[1]) != 1 {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			continue
		}
		s := Symbol{
			Addr: addr,
			Type: fields[1][0],
			Name: fields[2],
		}
		if len(fields) > 3 {
			s.Module = strings.Trim(fields[3], "[]")
		}
		symbols = append(symbols, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(symbols, func(i, j int) bool {
		return symbols[i].Addr < symbols[j].Addr
	})
	return symbols, nil
}

// KernelSymbols resolves kernel addresses to symbol names. Resolved
// addresses are kept in a bounded LRU cache.
type KernelSymbols struct {
	symbols []Symbol
	cache   *lru.Cache
}

// NewKernelSymbols indexes symbols, which must be sorted by address.
func NewKernelSymbols(symbols []Symbol, cacheSize int) (*KernelSymbols, error) {
	if len(symbols) > 0 && symbols[len(symbols)-1].Addr == 0 {
		return nil, ErrHiddenSymbols
	}
	if cacheSize <= 0 {
		cacheSize = 1
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &KernelSymbols{
		symbols: symbols,
		cache:   cache,
	}, nil
}

// LoadKernelSymbols reads <procFS>/kallsyms.
func LoadKernelSymbols(procFS string, cacheSize int) (*KernelSymbols, error) {
	f, err := os.Open(filepath.Join(procFS, "kallsyms"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	symbols, err := ParseKallsyms(f)
	if err != nil {
		return nil, err
	}
	glog.V(1).Infof("Loaded %d kernel symbols", len(symbols))
	return NewKernelSymbols(symbols, cacheSize)
}

// Len is the number of known symbols.
func (k *KernelSymbols) Len() int {
	return len(k.symbols)
}

// Lookup returns the symbol containing addr and the offset into it.
func (k *KernelSymbols) Lookup(addr uint64) (Symbol, uint64, bool) {
	i := sort.Search(len(k.symbols), func(i int) bool {
		return k.symbols[i].Addr > addr
	})
	if i == 0 {
		return Symbol{}, 0, false
	}
	s := k.symbols[i-1]
	return s, addr - s.Addr, true
}

// Format renders addr as "name+0xoff", "name [module]" or, if unknown, as
// hex.
func (k *KernelSymbols) Format(addr uint64) string {
	if v, ok := k.cache.Get(addr); ok {
		return v.(string)
	}

	var s string
	if sym, off, ok := k.Lookup(addr); ok {
		s = sym.Name
		if off != 0 {
			s += fmt.Sprintf("+0x%x", off)
		}
		if sym.Module != "" {
			s += " [" + sym.Module + "]"
		}
	} else {
		s = fmt.Sprintf("0x%x", addr)
	}

	k.cache.Add(addr, s)
	return s
}
