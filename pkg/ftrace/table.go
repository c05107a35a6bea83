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
	"bufio"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/capsule8/ftrace/pkg/ftrace/format"

	"github.com/golang/glog"
)

// GenericEventProtoFieldID is the output tag used for events that have no
// static descriptor and are added at runtime, such as kprobes.
const GenericEventProtoFieldID = 327

// FormatSource supplies the format text the kernel publishes under the
// tracing root.
type FormatSource interface {
	// ReadPageHeaderFormat returns the contents of events/header_page.
	ReadPageHeaderFormat() (string, error)

	// ReadEventFormat returns the contents of events/<group>/<name>/format.
	ReadEventFormat(group, name string) (string, error)

	// ReadPrintkFormats returns the contents of printk_formats.
	ReadPrintkFormats() (string, error)
}

// Table is the translation table shared by all per-CPU readers. Lookups do
// not lock; readers hold RLock for the duration of a drain, and the dynamic
// AddGenericEvent and RemoveEvent paths take the write lock, so the table is
// never mutated while a page is being parsed.
type Table struct {
	lock sync.RWMutex

	source          FormatSource
	events          []*Event // ftrace id : event
	largestID       uint32
	commonFields    []Field
	commonFieldsEnd uint16

	nameToEvent         map[string]*Event
	groupAndNameToEvent map[GroupAndName]*Event
	groupToEvents       map[string][]*Event

	pageHeader    PageHeaderSpec
	compactSched  CompactSchedFormat
	printkFormats map[uint64]string
}

// DefaultPageHeaderSpec returns the page header layout of a 64-bit kernel.
func DefaultPageHeaderSpec() PageHeaderSpec {
	return PageHeaderSpec{
		Timestamp: Field{FtraceName: "timestamp", FtraceOffset: 0, FtraceSize: 8},
		Size:      Field{FtraceName: "commit", FtraceOffset: 8, FtraceSize: 8},
		Overwrite: Field{FtraceName: "overwrite", FtraceOffset: 8, FtraceSize: 1},
	}
}

func makePageHeaderSpec(fields []format.Field) (PageHeaderSpec, error) {
	var (
		spec                      PageHeaderSpec
		haveTimestamp, haveCommit bool
	)

	for _, f := range fields {
		field := Field{
			FtraceName:   f.Name,
			FtraceOffset: uint16(f.Offset),
			FtraceSize:   uint16(f.Size),
		}
		switch f.Name {
		case "timestamp":
			spec.Timestamp = field
			haveTimestamp = true
		case "commit":
			spec.Size = field
			haveCommit = true
		case "overwrite":
			spec.Overwrite = field
		}
	}

	if !haveTimestamp || !haveCommit {
		return PageHeaderSpec{}, errors.New("header_page lacks timestamp or commit")
	}
	if spec.Timestamp.FtraceSize != 8 {
		return PageHeaderSpec{}, fmt.Errorf("Unexpected page timestamp size %d",
			spec.Timestamp.FtraceSize)
	}
	if spec.Size.FtraceSize != 4 && spec.Size.FtraceSize != 8 {
		return PageHeaderSpec{}, fmt.Errorf("Unexpected page commit size %d",
			spec.Size.FtraceSize)
	}
	return spec, nil
}

func mergeFieldInfo(ftraceField format.Field, field *Field, eventName string) bool {
	ftraceType, ok := InferFtraceType(ftraceField.TypeAndName,
		ftraceField.Size, ftraceField.IsSigned)
	if !ok {
		glog.Warningf("Failed to infer ftrace field type for %s.%s (type:%q size:%d signed:%v)",
			eventName, field.FtraceName, ftraceField.TypeAndName,
			ftraceField.Size, ftraceField.IsSigned)
		return false
	}
	if field.Symbolize && ftraceType == FtraceUint64 {
		ftraceType = FtraceSymAddr64
	}
	if ftraceField.Offset > 0xffff || ftraceField.Size > 0xffff {
		return false
	}

	field.FtraceType = ftraceType
	field.FtraceOffset = uint16(ftraceField.Offset)
	field.FtraceSize = uint16(ftraceField.Size)

	strategy, ok := SetTranslationStrategy(field.FtraceType, field.ProtoFieldType)
	if !ok {
		glog.V(1).Infof("No translation strategy for %s.%s (%s -> %s)",
			eventName, field.FtraceName, field.FtraceType,
			field.ProtoFieldType)
		return false
	}
	field.Strategy = strategy
	return true
}

// MergeFields matches each wanted field against the kernel's declarations by
// name, copying layout and resolving the strategy. Fields that are missing
// from the kernel, or that cannot be translated, are dropped. The second
// return is the largest observed field end (offset + size).
func MergeFields(ftraceFields []format.Field, fields []Field, eventName string) ([]Field, uint16) {
	var fieldsEnd uint16

	merged := make([]Field, 0, len(fields))
	for _, field := range fields {
		for _, ftraceField := range ftraceFields {
			if ftraceField.Name != field.FtraceName {
				continue
			}
			if mergeFieldInfo(ftraceField, &field, eventName) {
				merged = append(merged, field)
				if end := field.FtraceOffset + field.FtraceSize; end > fieldsEnd {
					fieldsEnd = end
				}
			}
			break
		}
	}
	return merged, fieldsEnd
}

func parsePrintkFormats(text string) map[uint64]string {
	formats := make(map[uint64]string)

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		// 0xffffffff81e6f0a8 : "softirq"
		line := scanner.Text()
		x := strings.Index(line, " : ")
		if x == -1 {
			continue
		}
		addr, err := strconv.ParseUint(strings.TrimPrefix(line[:x], "0x"), 16, 64)
		if err != nil {
			continue
		}
		value := strings.TrimSpace(line[x+3:])
		value = strings.TrimSuffix(strings.TrimPrefix(value, `"`), `"`)
		formats[addr] = value
	}
	return formats
}

func copyEvent(event Event) *Event {
	e := event
	e.Fields = append([]Field(nil), event.Fields...)
	return &e
}

// Create builds a translation table from the kernel's format files. Events
// whose format cannot be read or parsed are left out of the table. Create
// fails only if the page header format cannot be read.
func Create(source FormatSource, events []Event, commonFields []Field) (*Table, error) {
	headerText, err := source.ReadPageHeaderFormat()
	if err != nil {
		return nil, fmt.Errorf("Couldn't read page header format: %w", err)
	}
	headerFields, err := format.ParseHeaderPage(strings.NewReader(headerText))
	if err != nil {
		return nil, fmt.Errorf("Couldn't parse page header format: %w", err)
	}
	pageHeader, err := makePageHeaderSpec(headerFields)
	if err != nil {
		return nil, err
	}

	var (
		commonFieldsProcessed bool
		commonFieldsEnd       uint16
		built                 []Event
	)
	commonFields = append([]Field(nil), commonFields...)

	for _, e := range events {
		event := copyEvent(e)

		text, err := source.ReadEventFormat(event.Group, event.Name)
		if err != nil {
			glog.V(1).Infof("Event %s/%s is not available: %v",
				event.Group, event.Name, err)
			continue
		}
		ftraceEvent, err := format.ParseString(text)
		if err != nil {
			glog.Warningf("Couldn't parse format of %s/%s: %v",
				event.Group, event.Name, err)
			continue
		}

		if !commonFieldsProcessed {
			commonFields, commonFieldsEnd = MergeFields(
				ftraceEvent.CommonFields, commonFields, "common")
			commonFieldsProcessed = true
		}

		var fieldsEnd uint16
		event.FtraceEventID = ftraceEvent.ID
		event.Fields, fieldsEnd = MergeFields(ftraceEvent.Fields,
			event.Fields, event.Name)
		event.Size = fieldsEnd
		if commonFieldsEnd > event.Size {
			event.Size = commonFieldsEnd
		}

		if event.ProtoFieldID == 0 || event.FtraceEventID == 0 {
			continue
		}
		built = append(built, *event)
	}

	table := NewTable(built, commonFields, pageHeader)
	table.source = source
	table.commonFieldsEnd = commonFieldsEnd

	if text, err := source.ReadPrintkFormats(); err == nil {
		table.printkFormats = parsePrintkFormats(text)
	} else {
		glog.V(1).Infof("Couldn't read printk formats: %v", err)
	}

	return table, nil
}

// NewTable creates a table directly from already resolved events, without
// consulting the kernel. Events with id 0 are ignored.
func NewTable(events []Event, commonFields []Field, pageHeader PageHeaderSpec) *Table {
	table := &Table{
		commonFields:        commonFields,
		pageHeader:          pageHeader,
		nameToEvent:         make(map[string]*Event),
		groupAndNameToEvent: make(map[GroupAndName]*Event),
		groupToEvents:       make(map[string][]*Event),
		printkFormats:       make(map[uint64]string),
	}

	for _, e := range events {
		if e.FtraceEventID > table.largestID {
			table.largestID = e.FtraceEventID
		}
	}
	table.events = make([]*Event, table.largestID+1)
	for _, e := range events {
		if e.FtraceEventID == 0 {
			continue
		}
		table.insert(copyEvent(e))
	}

	table.compactSched = ValidateFormatForCompactSched(table.Events())
	return table
}

func (t *Table) insert(event *Event) {
	if event.FtraceEventID > t.largestID {
		events := make([]*Event, event.FtraceEventID+1)
		copy(events, t.events)
		t.events = events
		t.largestID = event.FtraceEventID
	}
	t.events[event.FtraceEventID] = event
	if _, ok := t.nameToEvent[event.Name]; !ok {
		t.nameToEvent[event.Name] = event
	}
	t.groupAndNameToEvent[GroupAndName{event.Group, event.Name}] = event
	t.groupToEvents[event.Group] = append(t.groupToEvents[event.Group], event)
}

// RLock must be held while parsing with the table.
func (t *Table) RLock() {
	t.lock.RLock()
}

// RUnlock releases a lock taken with RLock.
func (t *Table) RUnlock() {
	t.lock.RUnlock()
}

// EventByID returns the event with the given ftrace id or nil. Id 0 is never
// valid.
func (t *Table) EventByID(id uint32) *Event {
	if id == 0 || id > t.largestID {
		return nil
	}
	return t.events[id]
}

// EventByName returns the first event registered under name, in any group.
func (t *Table) EventByName(name string) *Event {
	return t.nameToEvent[name]
}

// Event returns the event with the given group and name or nil.
func (t *Table) Event(gn GroupAndName) *Event {
	return t.groupAndNameToEvent[gn]
}

// EventsByGroup returns all events in the group.
func (t *Table) EventsByGroup(group string) []*Event {
	return t.groupToEvents[group]
}

// Events returns all events ordered by id.
func (t *Table) Events() []*Event {
	events := make([]*Event, 0, len(t.groupAndNameToEvent))
	for _, e := range t.events {
		if e != nil {
			events = append(events, e)
		}
	}
	return events
}

// LookupEvent resolves "name" or "group/name".
func (t *Table) LookupEvent(name string) *Event {
	if x := strings.IndexRune(name, '/'); x != -1 {
		return t.Event(GroupAndName{name[:x], name[x+1:]})
	}
	return t.EventByName(name)
}

// LargestID is the largest ftrace id known to the table.
func (t *Table) LargestID() uint32 {
	return t.largestID
}

// CommonFields returns the translated fields every record carries.
func (t *Table) CommonFields() []Field {
	return t.commonFields
}

// PageHeaderSpec returns the parsed header_page layout.
func (t *Table) PageHeaderSpec() PageHeaderSpec {
	return t.pageHeader
}

// CompactSchedFormat returns the result of validating sched_switch and
// sched_waking for the compact encoding.
func (t *Table) CompactSchedFormat() CompactSchedFormat {
	return t.compactSched
}

// PrintkFormat resolves a kernel string pointer.
func (t *Table) PrintkFormat(addr uint64) (string, bool) {
	s, ok := t.printkFormats[addr]
	return s, ok
}

// AddPrintkFormat records the string a kernel address points at.
func (t *Table) AddPrintkFormat(addr uint64, s string) {
	t.lock.Lock()
	t.printkFormats[addr] = s
	t.lock.Unlock()
}

// AddGenericEvent reads the format of a dynamically created event, e.g. a
// kprobe, and adds it to the table with every field translated. If the event
// is already known it is returned as is.
func (t *Table) AddGenericEvent(gn GroupAndName) (*Event, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if event := t.groupAndNameToEvent[gn]; event != nil {
		return event, nil
	}
	if t.source == nil {
		return nil, errors.New("Table has no format source")
	}

	text, err := t.source.ReadEventFormat(gn.Group, gn.Name)
	if err != nil {
		return nil, err
	}
	ftraceEvent, err := format.ParseString(text)
	if err != nil {
		return nil, err
	}
	if ftraceEvent.ID == 0 {
		return nil, fmt.Errorf("Event %s has id 0", gn)
	}

	event := &Event{
		Name:          gn.Name,
		Group:         gn.Group,
		FtraceEventID: ftraceEvent.ID,
		ProtoFieldID:  GenericEventProtoFieldID,
		Size:          t.commonFieldsEnd,
	}
	for i, ftraceField := range ftraceEvent.Fields {
		ftraceType, ok := InferFtraceType(ftraceField.TypeAndName,
			ftraceField.Size, ftraceField.IsSigned)
		if !ok {
			continue
		}
		field := Field{
			FtraceName:     ftraceField.Name,
			ProtoFieldID:   uint32(i + 1),
			ProtoFieldType: InferProtoType(ftraceType),
		}
		if !mergeFieldInfo(ftraceField, &field, gn.Name) {
			continue
		}
		event.Fields = append(event.Fields, field)
		if end := field.FtraceOffset + field.FtraceSize; end > event.Size {
			event.Size = end
		}
	}

	t.insert(event)
	glog.V(1).Infof("Added event %s with id %d", gn, event.FtraceEventID)
	return event, nil
}

// RemoveEvent evicts a dynamically added event from every index.
func (t *Table) RemoveEvent(gn GroupAndName) {
	t.lock.Lock()
	defer t.lock.Unlock()

	event := t.groupAndNameToEvent[gn]
	if event == nil {
		return
	}

	delete(t.groupAndNameToEvent, gn)
	if t.nameToEvent[gn.Name] == event {
		delete(t.nameToEvent, gn.Name)
		for other, e := range t.groupAndNameToEvent {
			if other.Name == gn.Name {
				t.nameToEvent[gn.Name] = e
				break
			}
		}
	}

	// Slices returned by EventsByGroup stay valid after removal.
	var group []*Event
	for _, e := range t.groupToEvents[gn.Group] {
		if e != event {
			group = append(group, e)
		}
	}
	if len(group) == 0 {
		delete(t.groupToEvents, gn.Group)
	} else {
		t.groupToEvents[gn.Group] = group
	}

	t.events[event.FtraceEventID] = nil
	glog.V(1).Infof("Removed event %s with id %d", gn, event.FtraceEventID)
}

// SortedGroups returns the names of all groups in the table.
func (t *Table) SortedGroups() []string {
	groups := make([]string, 0, len(t.groupToEvents))
	for group := range t.groupToEvents {
		groups = append(groups, group)
	}
	sort.Strings(groups)
	return groups
}
