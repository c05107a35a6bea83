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

import "sort"

// EventFilter is the set of ftrace ids a sink wants parsed. It is sized to
// the table at creation time; ids outside it are disabled.
type EventFilter struct {
	enabled []bool
	names   map[string]struct{}
}

// NewEventFilter resolves each name, either "name" or "group/name", against
// the table. Names the table does not know are remembered but enable nothing.
func NewEventFilter(table *Table, names []string) *EventFilter {
	filter := &EventFilter{
		enabled: make([]bool, table.LargestID()+1),
		names:   make(map[string]struct{}, len(names)),
	}
	for _, name := range names {
		filter.names[name] = struct{}{}
		if event := table.LookupEvent(name); event != nil {
			filter.enabled[event.FtraceEventID] = true
		}
	}
	return filter
}

// AddEnabledEvent enables an id, growing the filter if needed.
func (f *EventFilter) AddEnabledEvent(id uint32) {
	if id == 0 {
		return
	}
	if int(id) >= len(f.enabled) {
		enabled := make([]bool, id+1)
		copy(enabled, f.enabled)
		f.enabled = enabled
	}
	f.enabled[id] = true
}

// DisableEvent clears an id.
func (f *EventFilter) DisableEvent(id uint32) {
	if int(id) < len(f.enabled) {
		f.enabled[id] = false
	}
}

// IsEventEnabled reports whether records with this id should be parsed. Id 0
// is never enabled.
func (f *EventFilter) IsEventEnabled(id uint32) bool {
	if id == 0 || int(id) >= len(f.enabled) {
		return false
	}
	return f.enabled[id]
}

// EnabledIDs returns every enabled id in increasing order.
func (f *EventFilter) EnabledIDs() []uint32 {
	var ids []uint32
	for id, on := range f.enabled {
		if on {
			ids = append(ids, uint32(id))
		}
	}
	return ids
}

// EnabledNames returns the names the filter was created with, sorted.
func (f *EventFilter) EnabledNames() []string {
	names := make([]string, 0, len(f.names))
	for name := range f.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
