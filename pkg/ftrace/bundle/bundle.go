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

// Package bundle holds the structured output of the ftrace reader: one
// Bundle per CPU per drain, each carrying translated events and, when
// enabled, compactly encoded scheduler events.
package bundle

// Kind is the representation of a translated value.
type Kind int

// Value kinds.
const (
	KindInvalid Kind = iota
	KindUint
	KindInt
	KindString
)

// Value is one translated field.
type Value struct {
	FieldID uint32
	Kind    Kind
	Uint    uint64
	Int     int64
	Str     string
}

// Message is an ordered list of values sharing an output tag. Repeated
// fields appear as consecutive values with the same FieldID.
type Message struct {
	FieldID uint32
	Values  []Value
}

// AppendUint adds an unsigned value.
func (m *Message) AppendUint(id uint32, v uint64) {
	m.Values = append(m.Values, Value{FieldID: id, Kind: KindUint, Uint: v})
}

// AppendInt adds a signed value.
func (m *Message) AppendInt(id uint32, v int64) {
	m.Values = append(m.Values, Value{FieldID: id, Kind: KindInt, Int: v})
}

// AppendString adds a string value.
func (m *Message) AppendString(id uint32, s string) {
	m.Values = append(m.Values, Value{FieldID: id, Kind: KindString, Str: s})
}

// Lookup returns the first value with the given id.
func (m *Message) Lookup(id uint32) (Value, bool) {
	for _, v := range m.Values {
		if v.FieldID == id {
			return v, true
		}
	}
	return Value{}, false
}

// Uint returns the first unsigned value with the given id.
func (m *Message) Uint(id uint32) (uint64, bool) {
	v, ok := m.Lookup(id)
	if !ok || v.Kind != KindUint {
		return 0, false
	}
	return v.Uint, true
}

// Int returns the first signed value with the given id.
func (m *Message) Int(id uint32) (int64, bool) {
	v, ok := m.Lookup(id)
	if !ok || v.Kind != KindInt {
		return 0, false
	}
	return v.Int, true
}

// String returns the first string value with the given id.
func (m *Message) String(id uint32) (string, bool) {
	v, ok := m.Lookup(id)
	if !ok || v.Kind != KindString {
		return "", false
	}
	return v.Str, true
}

// Uints returns every unsigned value with the given id, in order.
func (m *Message) Uints(id uint32) []uint64 {
	var values []uint64
	for _, v := range m.Values {
		if v.FieldID == id && v.Kind == KindUint {
			values = append(values, v.Uint)
		}
	}
	return values
}

// Event is one translated kernel event.
type Event struct {
	Timestamp uint64
	Pid       int32

	// Common holds translated common fields. Its FieldID is unused.
	Common Message

	// Payload is the event specific sub-message, tagged with the event's
	// output field id.
	Payload Message
}

// Bundle is the output of draining one CPU for one sink.
type Bundle struct {
	CPU        uint32
	Events     []*Event
	LostEvents bool

	CompactSched *CompactSched
}

// New creates an empty bundle for a CPU.
func New(cpu uint32) *Bundle {
	return &Bundle{CPU: cpu}
}

// AddEvent appends a new empty event and returns it.
func (b *Bundle) AddEvent() *Event {
	e := &Event{}
	b.Events = append(b.Events, e)
	return e
}

// RemoveLastEvent drops the most recently added event, used when parsing
// fails after the event was added.
func (b *Bundle) RemoveLastEvent() {
	if n := len(b.Events); n > 0 {
		b.Events[n-1] = nil
		b.Events = b.Events[:n-1]
	}
}

// Empty reports whether the bundle carries nothing worth emitting.
func (b *Bundle) Empty() bool {
	return len(b.Events) == 0 && b.CompactSched == nil && !b.LostEvents
}
