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

package bundle

import "google.golang.org/protobuf/encoding/protowire"

// Field numbers of the encoded bundle.
const (
	bundleCPUField          protowire.Number = 1
	bundleEventField        protowire.Number = 2
	bundleLostEventsField   protowire.Number = 3
	bundleCompactSchedField protowire.Number = 4

	eventTimestampField protowire.Number = 1
	eventPidField       protowire.Number = 2

	compactInternTableField     protowire.Number = 1
	compactSwitchTimestampField protowire.Number = 2
	compactSwitchPrevStateField protowire.Number = 3
	compactSwitchNextPidField   protowire.Number = 4
	compactSwitchNextPrioField  protowire.Number = 5
	compactWakingTimestampField protowire.Number = 6
	compactWakingPidField       protowire.Number = 7
	compactWakingTargetCPUField protowire.Number = 8
	compactWakingPrioField      protowire.Number = 9
	compactSwitchNextCommField  protowire.Number = 10
	compactWakingCommField      protowire.Number = 11
)

func appendValue(b []byte, v Value) []byte {
	num := protowire.Number(v.FieldID)
	switch v.Kind {
	case KindUint:
		b = protowire.AppendTag(b, num, protowire.VarintType)
		b = protowire.AppendVarint(b, v.Uint)
	case KindInt:
		b = protowire.AppendTag(b, num, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(v.Int))
	case KindString:
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, v.Str)
	}
	return b
}

func appendMessage(b []byte, m *Message) []byte {
	for _, v := range m.Values {
		b = appendValue(b, v)
	}
	return b
}

// Marshal encodes the event as a protobuf message.
func (e *Event) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, eventTimestampField, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Timestamp)
	b = protowire.AppendTag(b, eventPidField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(e.Pid)))
	b = appendMessage(b, &e.Common)

	if e.Payload.FieldID != 0 {
		b = protowire.AppendTag(b, protowire.Number(e.Payload.FieldID),
			protowire.BytesType)
		b = protowire.AppendBytes(b, appendMessage(nil, &e.Payload))
	}
	return b
}

func appendPackedUint64(b []byte, num protowire.Number, values []uint64) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, v)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func appendPackedInt64(b []byte, num protowire.Number, values []int64) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func appendPackedInt32(b []byte, num protowire.Number, values []int32) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(int64(v)))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func appendPackedUint32(b []byte, num protowire.Number, values []uint32) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// Marshal encodes the compact sched arrays as a protobuf message.
func (c *CompactSched) Marshal() []byte {
	var b []byte
	for _, s := range c.InternTable {
		b = protowire.AppendTag(b, compactInternTableField, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	b = appendPackedUint64(b, compactSwitchTimestampField, c.SwitchTimestamp)
	b = appendPackedInt64(b, compactSwitchPrevStateField, c.SwitchPrevState)
	b = appendPackedInt32(b, compactSwitchNextPidField, c.SwitchNextPid)
	b = appendPackedInt32(b, compactSwitchNextPrioField, c.SwitchNextPrio)
	b = appendPackedUint64(b, compactWakingTimestampField, c.WakingTimestamp)
	b = appendPackedInt32(b, compactWakingPidField, c.WakingPid)
	b = appendPackedInt32(b, compactWakingTargetCPUField, c.WakingTargetCPU)
	b = appendPackedInt32(b, compactWakingPrioField, c.WakingPrio)
	b = appendPackedUint32(b, compactSwitchNextCommField, c.SwitchNextCommIndex)
	b = appendPackedUint32(b, compactWakingCommField, c.WakingCommIndex)
	return b
}

// Marshal encodes the bundle as a protobuf message.
func (b *Bundle) Marshal() []byte {
	var out []byte
	out = protowire.AppendTag(out, bundleCPUField, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(b.CPU))
	for _, e := range b.Events {
		out = protowire.AppendTag(out, bundleEventField, protowire.BytesType)
		out = protowire.AppendBytes(out, e.Marshal())
	}
	if b.LostEvents {
		out = protowire.AppendTag(out, bundleLostEventsField, protowire.VarintType)
		out = protowire.AppendVarint(out, protowire.EncodeBool(true))
	}
	if b.CompactSched != nil {
		out = protowire.AppendTag(out, bundleCompactSchedField, protowire.BytesType)
		out = protowire.AppendBytes(out, b.CompactSched.Marshal())
	}
	return out
}

// AppendDelimited appends the bundle with a varint length prefix, the
// framing used for a stream of bundles in one file.
func (b *Bundle) AppendDelimited(out []byte) []byte {
	return protowire.AppendBytes(out, b.Marshal())
}
